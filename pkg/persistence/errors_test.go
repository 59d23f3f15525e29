package persistence_test

import (
	"errors"
	"testing"

	"github.com/dukex/flowd/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("error checking functions work correctly", func(t *testing.T) {
		executionErr := persistence.NewExecutionError("FindByID", "exec-123", persistence.ErrExecutionNotFound)
		flowErr := persistence.NewFlowError("FlowByID", "company_hello", 3, persistence.ErrFlowNotFound)
		triggerErr := persistence.NewTriggerError("Lock", "company_hello_daily", persistence.ErrTriggerNotFound)

		assert.True(t, persistence.IsExecutionNotFound(executionErr))
		assert.True(t, persistence.IsFlowNotFound(flowErr))
		assert.True(t, persistence.IsTriggerNotFound(triggerErr))
		assert.False(t, persistence.IsLockTimeout(executionErr))

		assert.True(t, errors.Is(executionErr, persistence.ErrExecutionNotFound))
	})

	t.Run("execution error contains context", func(t *testing.T) {
		err := persistence.NewExecutionError("Lock", "exec-123", persistence.ErrLockTimeout)

		assert.Contains(t, err.Error(), "Lock")
		assert.Contains(t, err.Error(), "exec-123")
		assert.Contains(t, err.Error(), "lock timeout")
		assert.True(t, persistence.IsLockTimeout(err))
	})

	t.Run("flow error mentions the revision", func(t *testing.T) {
		err := persistence.NewFlowError("FlowByID", "company_hello", 3, persistence.ErrFlowNotFound)

		assert.Contains(t, err.Error(), "revision 3")
		assert.NotContains(t, persistence.NewFlowError("Flows", "company_hello", 0, persistence.ErrFlowNotFound).Error(), "revision")
	})
}

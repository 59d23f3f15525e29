// Package memory provides an in-process implementation of the engine stores, used by the
// standalone mode and by tests. Nothing survives a restart.
package memory

import (
	"context"

	"github.com/dukex/flowd/pkg/persistence"
)

// Persistence groups the in-memory stores.
type Persistence struct {
	executions  *ExecutionStore
	delays      *DelayStore
	slaMonitors *SLAMonitorStore
	concurrency *ConcurrencyStore
	triggers    *TriggerStore
	flows       *FlowStore
	logs        *LogStore
}

var _ persistence.Persistence = (*Persistence)(nil)

func NewPersistence() *Persistence {
	return &Persistence{
		executions:  NewExecutionStore(),
		delays:      NewDelayStore(),
		slaMonitors: NewSLAMonitorStore(),
		concurrency: NewConcurrencyStore(),
		triggers:    NewTriggerStore(),
		flows:       NewFlowStore(),
		logs:        NewLogStore(),
	}
}

func (p *Persistence) Executions() persistence.ExecutionStore { return p.executions }

func (p *Persistence) Delays() persistence.DelayStore { return p.delays }

func (p *Persistence) SLAMonitors() persistence.SLAMonitorStore { return p.slaMonitors }

func (p *Persistence) Concurrency() persistence.ConcurrencyStore { return p.concurrency }

func (p *Persistence) Triggers() persistence.TriggerStore { return p.triggers }

func (p *Persistence) Logs() persistence.LogStore { return p.logs }

// Flows returns the flow store, which is both a FlowRepository and a FlowWriter.
func (p *Persistence) Flows() *FlowStore { return p.flows }

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

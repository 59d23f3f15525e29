// Package web provides the HTTP request and response types of the admin API.
package web

import (
	"time"

	"github.com/dukex/flowd/pkg/models"
)

// BackfillRequest starts the backfill of a schedule trigger. End defaults to now.
type BackfillRequest struct {
	TenantID string         `json:"tenant_id,omitempty"`
	Start    *time.Time     `json:"start"               validate:"required"`
	End      *time.Time     `json:"end,omitempty"`
	Inputs   map[string]any `json:"inputs,omitempty"`
	Labels   []models.Label `json:"labels,omitempty"    validate:"dive"`
}

// QueueStatus reports whether the queue consumers of this process poll.
type QueueStatus struct {
	Paused bool `json:"paused"`
}

// KillResponse acknowledges a kill request. The kill itself is asynchronous.
type KillResponse struct {
	ExecutionID string `json:"execution_id"`
	Cascade     bool   `json:"cascade"`
}

type ResumeResponse struct {
	ExecutionID string `json:"execution_id"`
	TaskRunID   string `json:"task_run_id"`
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Checkers  map[string]string `json:"checkers"`
	Timestamp time.Time         `json:"timestamp"`
}

// Package queue defines the durable message queue the engine components talk through.
//
// Messages are appended to a per type log. Every consumer group keeps its own cursor on
// each type; a message emitted without consumer group is delivered to every group, a
// message emitted to a group only to that group.
package queue

import (
	"context"
	"time"
)

// MessageType names a queue log.
type MessageType string

const (
	TypeExecution              MessageType = "execution"
	TypeWorkerTask             MessageType = "worker_task"
	TypeWorkerTrigger          MessageType = "worker_trigger"
	TypeWorkerTaskResult       MessageType = "worker_task_result"
	TypeWorkerTriggerResult    MessageType = "worker_trigger_result"
	TypeSubflowExecutionResult MessageType = "subflow_execution_result"
	TypeSubflowExecutionEnd    MessageType = "subflow_execution_end"
	TypeKill                   MessageType = "kill"
	TypeLog                    MessageType = "log"
)

// Message is one entry of a queue log.
type Message struct {
	Offset        int64
	Type          MessageType
	Key           string
	ConsumerGroup string
	Value         []byte
	CreatedAt     time.Time
}

// Handler processes a received message. Errors are logged; the cursor is already
// past the message when the handler runs.
type Handler func(ctx context.Context, msg Message) error

// CancelFunc stops a consumer started by Receive and waits for it to return.
type CancelFunc func()

// Queue is the transport between the scheduler, the coordinator and the workers.
type Queue interface {
	// Emit appends msg to its type log. An empty consumerGroup broadcasts to every group.
	Emit(ctx context.Context, consumerGroup string, msg Message) error
	// EmitAsync emits in the background; failures are logged and counted.
	EmitAsync(ctx context.Context, consumerGroup string, msg Message)
	// Receive polls messageType for consumerGroup until the returned CancelFunc is called
	// or ctx is done. With forUpdate, consumers sharing the group skip a cursor held by
	// another consumer instead of waiting for it.
	Receive(ctx context.Context, consumerGroup string, messageType MessageType, handler Handler, forUpdate bool) CancelFunc
	// Pause stops every consumer of this queue from polling until Resume.
	Pause()
	Resume()
	IsPaused() bool
	DeleteByKey(ctx context.Context, messageType MessageType, key string) error
	DeleteByKeys(ctx context.Context, messageType MessageType, keys []string) error
	Close() error
}

package queue

import (
	"log/slog"

	"github.com/dukex/flowd/pkg/metrics"
	"github.com/dukex/flowd/pkg/models"
)

// Topics are the typed views of a queue shared by the engine components.
type Topics struct {
	Queue                   Queue
	Executions              *Topic[models.Execution]
	WorkerTasks             *Topic[models.WorkerTask]
	WorkerTriggers          *Topic[models.WorkerTrigger]
	WorkerTaskResults       *Topic[models.WorkerTaskResult]
	WorkerTriggerResults    *Topic[models.WorkerTriggerResult]
	SubflowExecutionResults *Topic[models.SubflowExecutionResult]
	SubflowExecutionEnds    *Topic[models.SubflowExecutionEnd]
	Kills                   *Topic[models.ExecutionKilled]
	Logs                    *Topic[models.LogEntry]
}

// NewTopics builds the typed topics. maxSize bounds every message; a terminated
// execution always goes through so its end is never lost.
func NewTopics(q Queue, maxSize int, logger *slog.Logger, collector *metrics.Collector) *Topics {
	return &Topics{
		Queue: q,
		Executions: NewTopic(q, TypeExecution, logger, collector,
			WithMaxSize[models.Execution](maxSize),
			WithSizeExemption(func(e models.Execution) bool { return e.IsTerminated() }),
		),
		WorkerTasks:             NewTopic(q, TypeWorkerTask, logger, collector, WithMaxSize[models.WorkerTask](maxSize)),
		WorkerTriggers:          NewTopic(q, TypeWorkerTrigger, logger, collector, WithMaxSize[models.WorkerTrigger](maxSize)),
		WorkerTaskResults:       NewTopic(q, TypeWorkerTaskResult, logger, collector, WithMaxSize[models.WorkerTaskResult](maxSize)),
		WorkerTriggerResults:    NewTopic(q, TypeWorkerTriggerResult, logger, collector, WithMaxSize[models.WorkerTriggerResult](maxSize)),
		SubflowExecutionResults: NewTopic(q, TypeSubflowExecutionResult, logger, collector, WithMaxSize[models.SubflowExecutionResult](maxSize)),
		SubflowExecutionEnds:    NewTopic(q, TypeSubflowExecutionEnd, logger, collector, WithMaxSize[models.SubflowExecutionEnd](maxSize)),
		Kills:                   NewTopic[models.ExecutionKilled](q, TypeKill, logger, collector),
		Logs:                    NewTopic(q, TypeLog, logger, collector, WithMaxSize[models.LogEntry](maxSize)),
	}
}

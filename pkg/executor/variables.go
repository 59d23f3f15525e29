package executor

import (
	"maps"

	"github.com/dukex/flowd/pkg/models"
)

// variables builds what templates are rendered against. taskRun may be nil.
func variables(flow *models.Flow, execution models.Execution, taskRun *models.TaskRun) map[string]any {
	outputs := map[string]any{}

	for _, run := range execution.TaskRunList {
		if run.Outputs == nil {
			continue
		}

		if run.Value == "" {
			outputs[run.TaskID] = maps.Clone(run.Outputs)

			continue
		}

		byValue, _ := outputs[run.TaskID].(map[string]any)
		if byValue == nil {
			byValue = map[string]any{}
			outputs[run.TaskID] = byValue
		}

		byValue[run.Value] = maps.Clone(run.Outputs)
	}

	vars := map[string]any{
		"flow": map[string]any{
			"id":        flow.ID,
			"namespace": flow.Namespace,
			"revision":  flow.Revision,
			"tenantId":  flow.TenantID,
		},
		"execution": map[string]any{
			"id":           execution.ID,
			"state":        string(execution.State.Current),
			"startDate":    execution.State.StartDate(),
			"originalId":   execution.OriginalID,
			"attempt":      execution.Metadata.Attempt,
			"scheduleDate": execution.ScheduleDate,
		},
		"inputs":  maps.Clone(execution.Inputs),
		"outputs": outputs,
		"labels":  models.LabelsMap(execution.Labels),
		"vars":    maps.Clone(flow.Variables),
	}

	if vars["inputs"] == nil {
		vars["inputs"] = map[string]any{}
	}

	if vars["vars"] == nil {
		vars["vars"] = map[string]any{}
	}

	if execution.Trigger != nil {
		vars["trigger"] = maps.Clone(execution.Trigger.Variables)
	}

	if execution.Parent != nil {
		vars["parent"] = map[string]any{
			"executionId": execution.Parent.ExecutionID,
			"taskRunId":   execution.Parent.TaskRunID,
			"namespace":   execution.Parent.Namespace,
			"flowId":      execution.Parent.FlowID,
		}
	}

	if taskRun != nil {
		vars["taskrun"] = map[string]any{
			"id":        taskRun.ID,
			"value":     taskRun.Value,
			"iteration": taskRun.IterationValue(),
			"attempt":   taskRun.AttemptCount(),
		}
	}

	return vars
}

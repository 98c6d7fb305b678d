package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/openweave/weave/internal/workflow/model"
)

// nodeOutput aggregates the results of every task of a node instance into
// the node's output blob.
type nodeOutput struct {
	TaskCount int              `json:"taskCount"`
	Results   []taskResultItem `json:"results"`
}

type taskResultItem struct {
	TaskID  string           `json:"taskId"`
	Status  model.TaskStatus `json:"status"`
	Output  json.RawMessage  `json:"output,omitempty"`
	Summary string           `json:"summary,omitempty"`
}

// CheckNodeCompletion re-evaluates a node instance after one of its tasks
// reached a terminal status. If any task is still live the node stays as it
// is; otherwise the node becomes failed when any task failed, completed
// otherwise, and the result is reported to the context manager so downstream
// propagation can run.
func (s *TaskService) CheckNodeCompletion(ctx context.Context, task *model.TaskInstance) error {
	nodeInstance, err := s.nodes.GetNodeInstanceByID(ctx, task.NodeInstanceID)
	if err != nil {
		return err
	}
	if nodeInstance.Status.Terminal() {
		return nil
	}

	siblings, err := s.tasks.GetByNodeInstanceID(ctx, task.NodeInstanceID)
	if err != nil {
		return err
	}
	for _, sibling := range siblings {
		if !sibling.Status.Terminal() {
			return nil
		}
	}

	failed := false
	var failureReasons []string
	output := nodeOutput{TaskCount: len(siblings), Results: make([]taskResultItem, 0, len(siblings))}
	for _, sibling := range siblings {
		output.Results = append(output.Results, taskResultItem{
			TaskID:  sibling.ID.String(),
			Status:  sibling.Status,
			Output:  sibling.Output,
			Summary: sibling.ResultSummary,
		})
		if sibling.Status == model.TaskStatusFailed {
			failed = true
			if sibling.Reason != nil {
				failureReasons = append(failureReasons, *sibling.Reason)
			}
		}
	}

	outputBlob, err := json.Marshal(output)
	if err != nil {
		return err
	}

	if failed {
		reason := strings.Join(failureReasons, "; ")
		if reason == "" {
			reason = "one or more tasks failed"
		}
		if err := s.nodes.UpdateNodeInstanceStatus(ctx, nodeInstance.ID, model.NodeInstanceStatusFailed, outputBlob, &reason); err != nil {
			return err
		}
		status := s.contexts.MarkFailed(ctx, nodeInstance.WorkflowInstanceID, nodeInstance.NodeID, reason)
		slog.Info("node instance failed",
			"node_instance_id", nodeInstance.ID,
			"workflow_instance_id", nodeInstance.WorkflowInstanceID,
			"workflow_status", status)
		return nil
	}

	if err := s.nodes.UpdateNodeInstanceStatus(ctx, nodeInstance.ID, model.NodeInstanceStatusCompleted, outputBlob, nil); err != nil {
		return err
	}
	status := s.contexts.MarkCompleted(ctx, nodeInstance.WorkflowInstanceID, nodeInstance.NodeID, outputBlob)
	slog.Info("node instance completed",
		"node_instance_id", nodeInstance.ID,
		"workflow_instance_id", nodeInstance.WorkflowInstanceID,
		"task_count", len(siblings),
		"workflow_status", status)
	return nil
}

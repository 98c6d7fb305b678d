// Package engine drives workflow instances from creation to terminal status.
// It never polls: completed work flows back through the context manager,
// whose ready-node callback lands here.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openweave/weave/internal/apperr"
	"github.com/openweave/weave/internal/workflow/agent"
	"github.com/openweave/weave/internal/workflow/model"
	"github.com/openweave/weave/internal/workflow/wfcontext"
)

// DefinitionStore is the read-only definition surface the engine needs.
// Satisfied by repo.WorkflowRepository.
type DefinitionStore interface {
	GetCurrentVersion(ctx context.Context, baseID uuid.UUID) (*model.Workflow, error)
	GetByID(ctx context.Context, workflowID uuid.UUID) (*model.Workflow, error)
	GetNodes(ctx context.Context, workflowID uuid.UUID) ([]model.Node, error)
	GetNodeByID(ctx context.Context, nodeID uuid.UUID) (*model.Node, error)
	GetEdges(ctx context.Context, workflowID uuid.UUID) ([]model.Edge, error)
	GetBindingsByNodeID(ctx context.Context, nodeID uuid.UUID) ([]model.NodeProcessor, error)
}

// InstanceStore is the runtime-row surface. Satisfied by
// repo.InstanceRepository.
type InstanceStore interface {
	CreateInstance(ctx context.Context, instance *model.WorkflowInstance) error
	CreateNodeInstances(ctx context.Context, nodeInstances []model.NodeInstance) ([]model.NodeInstance, error)
	GetInstanceByID(ctx context.Context, instanceID uuid.UUID) (*model.WorkflowInstance, error)
	UpdateInstanceStatus(ctx context.Context, instanceID uuid.UUID, to model.InstanceStatus, output json.RawMessage) error
	GetNodeInstances(ctx context.Context, instanceID uuid.UUID) ([]model.NodeInstance, error)
	GetNodeInstanceByID(ctx context.Context, nodeInstanceID uuid.UUID) (*model.NodeInstance, error)
	UpdateNodeInstanceStatus(ctx context.Context, nodeInstanceID uuid.UUID, to model.NodeInstanceStatus, output json.RawMessage, errorMessage *string) error
	CountNodeInstancesByStatus(ctx context.Context, instanceID uuid.UUID) (map[model.NodeInstanceStatus]int, error)
	ListInstancesByBaseID(ctx context.Context, baseID uuid.UUID, includeDeleted bool) ([]model.WorkflowInstance, error)
}

// TaskStore is the task-row surface. Satisfied by repo.TaskRepository.
type TaskStore interface {
	Create(ctx context.Context, task *model.TaskInstance) error
	GetByInstanceID(ctx context.Context, instanceID uuid.UUID) ([]model.TaskInstance, error)
	Transition(ctx context.Context, taskID uuid.UUID, to model.TaskStatus, updates map[string]any) (*model.TaskInstance, error)
	CountByStatus(ctx context.Context, instanceID uuid.UUID) (map[model.TaskStatus]int, error)
}

// ProcessorStore resolves processor bindings. Satisfied by
// repo.ProcessorRepository.
type ProcessorStore interface {
	GetByIDs(ctx context.Context, processorIDs []uuid.UUID) (map[uuid.UUID]model.Processor, error)
}

// ModelRunner executes agent and simulator tasks. Satisfied by
// agent.Service.
type ModelRunner interface {
	ExecuteAgentTask(ctx context.Context, task *model.TaskInstance) (*agent.Result, error)
	ExecuteSimulatorTask(ctx context.Context, task *model.TaskInstance) (*agent.Result, error)
}

// SystemTaskCompleter feeds finished model-driven tasks back through the
// node-completion check. Satisfied by service.TaskService.
type SystemTaskCompleter interface {
	CompleteSystemTask(ctx context.Context, taskID uuid.UUID, result json.RawMessage, summary string) (*model.TaskInstance, error)
	FailSystemTask(ctx context.Context, taskID uuid.UUID, reason string) (*model.TaskInstance, error)
}

// Engine owns instance startup, node dispatch and cancellation.
type Engine struct {
	defs       DefinitionStore
	instances  InstanceStore
	tasks      TaskStore
	processors ProcessorStore
	contexts   *wfcontext.Manager
	runner     ModelRunner
	completer  SystemTaskCompleter

	// background carries model-driven task execution past the request that
	// triggered the dispatch.
	background context.Context
}

func NewEngine(defs DefinitionStore, instances InstanceStore, tasks TaskStore, processors ProcessorStore, contexts *wfcontext.Manager, runner ModelRunner, completer SystemTaskCompleter) *Engine {
	e := &Engine{
		defs:       defs,
		instances:  instances,
		tasks:      tasks,
		processors: processors,
		contexts:   contexts,
		runner:     runner,
		completer:  completer,
		background: context.Background(),
	}
	contexts.SetOnReadyNodes(e.onReadyNodes)
	return e
}

// StartInstance creates and launches one execution of the current version of
// a workflow.
func (e *Engine) StartInstance(ctx context.Context, req *model.ExecuteWorkflowDTO, executorID uuid.UUID, triggerUserID *uuid.UUID) (*model.WorkflowInstance, error) {
	workflow, err := e.defs.GetCurrentVersion(ctx, req.WorkflowBaseID)
	if err != nil {
		return nil, err
	}
	nodes, err := e.defs.GetNodes(ctx, workflow.ID)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, apperr.New(apperr.KindValidation, "workflow %s has no nodes", workflow.ID)
	}
	edges, err := e.defs.GetEdges(ctx, workflow.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	instance := &model.WorkflowInstance{
		WorkflowID:     workflow.ID,
		WorkflowBaseID: workflow.WorkflowBaseID,
		Name:           req.InstanceName,
		Status:         model.InstanceStatusPending,
		ExecutorID:     executorID,
		TriggerUserID:  triggerUserID,
		Input:          req.InputData,
		StartedAt:      &now,
	}
	if err := e.instances.CreateInstance(ctx, instance); err != nil {
		return nil, err
	}

	nodeInstances := make([]model.NodeInstance, 0, len(nodes))
	for _, node := range nodes {
		nodeInstances = append(nodeInstances, model.NodeInstance{
			WorkflowInstanceID: instance.ID,
			NodeID:             node.ID,
			NodeBaseID:         node.NodeBaseID,
			Type:               node.Type,
			Name:               node.Name,
			Status:             model.NodeInstanceStatusPending,
		})
	}
	nodeInstances, err = e.instances.CreateNodeInstances(ctx, nodeInstances)
	if err != nil {
		return nil, err
	}

	// Upstream sets come from the edge list; START nodes end up with none.
	upstream := make(map[uuid.UUID][]uuid.UUID, len(nodes))
	for _, edge := range edges {
		upstream[edge.ToNodeID] = append(upstream[edge.ToNodeID], edge.FromNodeID)
	}

	e.contexts.Initialize(instance.ID, req.ContextData)
	deps := e.contexts.Dependencies()
	for _, nodeInstance := range nodeInstances {
		deps.Register(nodeInstance.ID, nodeInstance.NodeID, instance.ID, upstream[nodeInstance.NodeID])
	}

	if err := e.instances.UpdateInstanceStatus(ctx, instance.ID, model.InstanceStatusRunning, nil); err != nil {
		e.contexts.Cleanup(instance.ID)
		return nil, err
	}
	instance.Status = model.InstanceStatusRunning

	slog.Info("workflow instance started",
		"workflow_instance_id", instance.ID,
		"workflow_id", workflow.ID,
		"version", workflow.Version,
		"nodes", len(nodeInstances))

	e.onReadyNodes(instance.ID, deps.DrainReady(instance.ID))
	return instance, nil
}

// onReadyNodes dispatches every node instance whose upstream set just
// completed. Registered as the context manager's ready-node callback.
func (e *Engine) onReadyNodes(instanceID uuid.UUID, nodeInstanceIDs []uuid.UUID) {
	for _, nodeInstanceID := range nodeInstanceIDs {
		if err := e.dispatchNode(e.background, instanceID, nodeInstanceID); err != nil {
			slog.Error("node dispatch failed",
				"workflow_instance_id", instanceID,
				"node_instance_id", nodeInstanceID,
				"error", err)
			e.failNode(e.background, instanceID, nodeInstanceID, err.Error())
		}
	}
}

func (e *Engine) dispatchNode(ctx context.Context, instanceID, nodeInstanceID uuid.UUID) error {
	nodeInstance, err := e.instances.GetNodeInstanceByID(ctx, nodeInstanceID)
	if err != nil {
		return err
	}
	if nodeInstance.Status.Terminal() {
		return nil
	}
	node, err := e.defs.GetNodeByID(ctx, nodeInstance.NodeID)
	if err != nil {
		return err
	}
	instance, err := e.instances.GetInstanceByID(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance.Status.Terminal() {
		return nil
	}

	if node.Type == model.NodeTypeEnd {
		return e.completeEndNode(ctx, instance, node, nodeInstance)
	}

	bindings, err := e.defs.GetBindingsByNodeID(ctx, node.ID)
	if err != nil {
		return err
	}

	if err := e.instances.UpdateNodeInstanceStatus(ctx, nodeInstanceID, model.NodeInstanceStatusRunning, nil, nil); err != nil {
		return err
	}
	e.contexts.MarkExecuting(instanceID, node.ID)

	// A node with no bindings has nothing to wait for.
	if len(boundProcessorIDs(bindings)) == 0 {
		slog.Info("node has no processor bindings, completing immediately",
			"node_instance_id", nodeInstanceID,
			"node_id", node.ID)
		output := json.RawMessage(`{}`)
		if err := e.instances.UpdateNodeInstanceStatus(ctx, nodeInstanceID, model.NodeInstanceStatusCompleted, output, nil); err != nil {
			return err
		}
		e.contexts.MarkCompleted(ctx, instanceID, node.ID, output)
		return nil
	}

	return e.createTasks(ctx, instance, node, nodeInstance, bindings)
}

func boundProcessorIDs(bindings []model.NodeProcessor) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(bindings))
	for _, binding := range bindings {
		if binding.ProcessorID != nil {
			ids = append(ids, *binding.ProcessorID)
		}
	}
	return ids
}

// createTasks creates one task per processor binding and routes each to its
// task service by processor kind.
func (e *Engine) createTasks(ctx context.Context, instance *model.WorkflowInstance, node *model.Node, nodeInstance *model.NodeInstance, bindings []model.NodeProcessor) error {
	processorIDs := boundProcessorIDs(bindings)
	processors, err := e.processors.GetByIDs(ctx, processorIDs)
	if err != nil {
		return err
	}

	taskContext := e.contexts.BuildTaskContext(ctx, e.defs, instance, node, nodeInstance.ID)
	contextBlob, err := json.Marshal(taskContext)
	if err != nil {
		return fmt.Errorf("failed to serialize task context: %w", err)
	}

	for _, processorID := range processorIDs {
		processor, ok := processors[processorID]
		if !ok {
			slog.Warn("binding references a missing processor, skipping",
				"node_id", node.ID,
				"processor_id", processorID)
			continue
		}

		task := &model.TaskInstance{
			NodeInstanceID:     nodeInstance.ID,
			WorkflowInstanceID: instance.ID,
			NodeID:             node.ID,
			ProcessorID:        &processor.ID,
			ProcessorKind:      processor.Kind,
			Title:              fmt.Sprintf("%s (%s)", node.Name, processor.Name),
			Description:        node.TaskDescription,
			Instructions:       node.Instructions,
			Status:             model.TaskStatusPending,
			Context:            contextBlob,
			Priority:           model.TaskPriorityNormal,
			EstimatedMinutes:   30,
		}
		if processor.Kind == model.ProcessorKindHuman || processor.Kind == model.ProcessorKindMix {
			if processor.UserID != nil {
				now := time.Now().UTC()
				task.AssignedUserID = processor.UserID
				task.AssignedAt = &now
				task.Status = model.TaskStatusAssigned
			}
		}
		if processor.Kind == model.ProcessorKindAgent || processor.Kind == model.ProcessorKindSimulator {
			task.AssignedAgentID = processor.AgentID
		}

		if err := e.tasks.Create(ctx, task); err != nil {
			return err
		}

		switch processor.Kind {
		case model.ProcessorKindAgent:
			go e.runModelTask(task.ID, e.runner.ExecuteAgentTask)
		case model.ProcessorKindSimulator:
			go e.runModelTask(task.ID, e.runner.ExecuteSimulatorTask)
		}

		slog.Info("task dispatched",
			"task_id", task.ID,
			"node_instance_id", nodeInstance.ID,
			"processor_kind", processor.Kind,
			"status", task.Status)
	}
	return nil
}

// runModelTask executes one agent or simulator task in the background and
// reports its outcome through the completer.
func (e *Engine) runModelTask(taskID uuid.UUID, run func(context.Context, *model.TaskInstance) (*agent.Result, error)) {
	ctx := e.background

	task, err := e.tasks.Transition(ctx, taskID, model.TaskStatusInProgress, map[string]any{
		"started_at": time.Now().UTC(),
	})
	if err != nil {
		slog.Error("failed to start model task", "task_id", taskID, "error", err)
		return
	}

	result, err := run(ctx, task)
	if err != nil {
		if _, failErr := e.completer.FailSystemTask(ctx, taskID, err.Error()); failErr != nil {
			slog.Error("failed to record model task failure", "task_id", taskID, "error", failErr)
		}
		return
	}
	if _, err := e.completer.CompleteSystemTask(ctx, taskID, result.Data, result.Summary); err != nil {
		slog.Error("failed to record model task result", "task_id", taskID, "error", err)
	}
}

// completeEndNode closes an END node with the full execution summary; that
// blob becomes the workflow's final output through the completion check.
func (e *Engine) completeEndNode(ctx context.Context, instance *model.WorkflowInstance, node *model.Node, nodeInstance *model.NodeInstance) error {
	if err := e.instances.UpdateNodeInstanceStatus(ctx, nodeInstance.ID, model.NodeInstanceStatusRunning, nil, nil); err != nil {
		return err
	}
	e.contexts.MarkExecuting(instance.ID, node.ID)

	summary, err := e.buildExecutionSummary(ctx, instance)
	if err != nil {
		return err
	}
	if err := e.instances.UpdateNodeInstanceStatus(ctx, nodeInstance.ID, model.NodeInstanceStatusCompleted, summary, nil); err != nil {
		return err
	}
	status := e.contexts.MarkCompleted(ctx, instance.ID, node.ID, summary)
	slog.Info("end node completed",
		"workflow_instance_id", instance.ID,
		"workflow_status", status)
	return nil
}

// executionSummary is the END node's output payload.
type executionSummary struct {
	WorkflowInstanceID uuid.UUID                        `json:"workflowInstanceId"`
	NodeCounts         map[model.NodeInstanceStatus]int `json:"nodeCounts"`
	TaskCounts         map[model.TaskStatus]int         `json:"taskCounts"`
	TaskResults        []executionTaskResult            `json:"taskResults"`
	DurationSeconds    int64                            `json:"durationSeconds"`
}

type executionTaskResult struct {
	TaskID  uuid.UUID        `json:"taskId"`
	NodeID  uuid.UUID        `json:"nodeId"`
	Status  model.TaskStatus `json:"status"`
	Output  json.RawMessage  `json:"output,omitempty"`
	Summary string           `json:"summary,omitempty"`
}

func (e *Engine) buildExecutionSummary(ctx context.Context, instance *model.WorkflowInstance) (json.RawMessage, error) {
	nodeCounts, err := e.instances.CountNodeInstancesByStatus(ctx, instance.ID)
	if err != nil {
		return nil, err
	}
	taskCounts, err := e.tasks.CountByStatus(ctx, instance.ID)
	if err != nil {
		return nil, err
	}
	tasks, err := e.tasks.GetByInstanceID(ctx, instance.ID)
	if err != nil {
		return nil, err
	}

	summary := executionSummary{
		WorkflowInstanceID: instance.ID,
		NodeCounts:         nodeCounts,
		TaskCounts:         taskCounts,
		TaskResults:        make([]executionTaskResult, 0, len(tasks)),
	}
	for _, task := range tasks {
		summary.TaskResults = append(summary.TaskResults, executionTaskResult{
			TaskID:  task.ID,
			NodeID:  task.NodeID,
			Status:  task.Status,
			Output:  task.Output,
			Summary: task.ResultSummary,
		})
	}
	if instance.StartedAt != nil {
		summary.DurationSeconds = int64(time.Since(*instance.StartedAt).Seconds())
	}
	return json.Marshal(summary)
}

// failNode marks a node instance failed after a dispatch error and reports
// it into the context manager.
func (e *Engine) failNode(ctx context.Context, instanceID, nodeInstanceID uuid.UUID, reason string) {
	nodeInstance, err := e.instances.GetNodeInstanceByID(ctx, nodeInstanceID)
	if err != nil {
		slog.Error("cannot load node instance to fail it", "node_instance_id", nodeInstanceID, "error", err)
		return
	}
	if nodeInstance.Status.Terminal() {
		return
	}
	if err := e.instances.UpdateNodeInstanceStatus(ctx, nodeInstanceID, model.NodeInstanceStatusFailed, nil, &reason); err != nil {
		slog.Error("cannot persist node failure", "node_instance_id", nodeInstanceID, "error", err)
		return
	}
	e.contexts.MarkFailed(ctx, instanceID, nodeInstance.NodeID, reason)
}

// CancelInstance cancels a running instance on behalf of its executor,
// cascading to every non-terminal node instance and task.
func (e *Engine) CancelInstance(ctx context.Context, instanceID, requesterID uuid.UUID, reason string) (*model.CancelInstanceResponseDTO, error) {
	instance, err := e.instances.GetInstanceByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if instance.ExecutorID != requesterID {
		return nil, apperr.New(apperr.KindUnauthorized, "instance %s was not started by user %s", instanceID, requesterID)
	}
	if instance.Status.Terminal() {
		return &model.CancelInstanceResponseDTO{Status: instance.Status}, nil
	}

	if err := e.instances.UpdateInstanceStatus(ctx, instanceID, model.InstanceStatusCancelled, nil); err != nil {
		return nil, err
	}

	cancelledNodes := 0
	nodeInstances, err := e.instances.GetNodeInstances(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	for _, nodeInstance := range nodeInstances {
		if nodeInstance.Status.Terminal() {
			continue
		}
		if err := e.instances.UpdateNodeInstanceStatus(ctx, nodeInstance.ID, model.NodeInstanceStatusCancelled, nil, &reason); err != nil {
			slog.Warn("failed to cancel node instance", "node_instance_id", nodeInstance.ID, "error", err)
			continue
		}
		cancelledNodes++
	}

	cancelledTasks := 0
	tasks, err := e.tasks.GetByInstanceID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if task.Status.Terminal() {
			continue
		}
		if _, err := e.tasks.Transition(ctx, task.ID, model.TaskStatusCancelled, map[string]any{
			"reason":       reason,
			"completed_at": time.Now().UTC(),
		}); err != nil {
			slog.Warn("failed to cancel task", "task_id", task.ID, "error", err)
			continue
		}
		cancelledTasks++
	}

	e.contexts.Cleanup(instanceID)

	slog.Info("workflow instance cancelled",
		"workflow_instance_id", instanceID,
		"cancelled_nodes", cancelledNodes,
		"cancelled_tasks", cancelledTasks)

	return &model.CancelInstanceResponseDTO{
		Status:              model.InstanceStatusCancelled,
		CancelledTasksCount: cancelledTasks,
		CancelledNodesCount: cancelledNodes,
	}, nil
}

// GetInstanceDetail returns the instance row with aggregated node and task
// status counts.
func (e *Engine) GetInstanceDetail(ctx context.Context, instanceID uuid.UUID) (*model.InstanceDetailDTO, error) {
	instance, err := e.instances.GetInstanceByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	nodeCounts, err := e.instances.CountNodeInstancesByStatus(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	taskCounts, err := e.tasks.CountByStatus(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &model.InstanceDetailDTO{
		Instance:   *instance,
		NodeCounts: nodeCounts,
		TaskCounts: taskCounts,
	}, nil
}

// ListInstances returns the run history of a workflow base, newest rows
// included regardless of which version they executed.
func (e *Engine) ListInstances(ctx context.Context, baseID uuid.UUID) ([]model.WorkflowInstance, error) {
	if baseID == uuid.Nil {
		return nil, apperr.New(apperr.KindValidation, "workflow base ID cannot be nil")
	}
	return e.instances.ListInstancesByBaseID(ctx, baseID, false)
}

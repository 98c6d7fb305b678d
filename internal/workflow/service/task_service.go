// Package service implements the human task operations and the
// node-completion check that feeds finished work back into the scheduler.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openweave/weave/internal/apperr"
	"github.com/openweave/weave/internal/workflow/model"
	"github.com/openweave/weave/internal/workflow/wfcontext"
)

// TaskStore is the task-row surface the service needs. Satisfied by
// repo.TaskRepository.
type TaskStore interface {
	GetByID(ctx context.Context, taskID uuid.UUID) (*model.TaskInstance, error)
	GetByNodeInstanceID(ctx context.Context, nodeInstanceID uuid.UUID) ([]model.TaskInstance, error)
	ListByUser(ctx context.Context, userID uuid.UUID, status *model.TaskStatus, offset, limit int) ([]model.TaskInstance, error)
	Transition(ctx context.Context, taskID uuid.UUID, to model.TaskStatus, updates map[string]any) (*model.TaskInstance, error)
}

// NodeStore is the node-instance surface the completion check needs.
// Satisfied by repo.InstanceRepository.
type NodeStore interface {
	GetNodeInstanceByID(ctx context.Context, nodeInstanceID uuid.UUID) (*model.NodeInstance, error)
	UpdateNodeInstanceStatus(ctx context.Context, nodeInstanceID uuid.UUID, to model.NodeInstanceStatus, output json.RawMessage, errorMessage *string) error
}

// ContextManager is the runtime-state surface the completion check reports
// into. Satisfied by wfcontext.Manager.
type ContextManager interface {
	MarkCompleted(ctx context.Context, instanceID, nodeID uuid.UUID, output json.RawMessage) wfcontext.WorkflowStatus
	MarkFailed(ctx context.Context, instanceID, nodeID uuid.UUID, reason string) wfcontext.WorkflowStatus
}

// SimulatorLog is the read surface for simulator transcripts. Satisfied by
// repo.SimulatorRepository.
type SimulatorLog interface {
	GetSessionByTaskID(ctx context.Context, taskInstanceID uuid.UUID) (*model.SimulatorSession, error)
	GetMessages(ctx context.Context, sessionID uuid.UUID) ([]model.SimulatorMessage, error)
}

// TaskService drives the human task state machine. Every mutating operation
// authorises the caller against the task's assignee before touching the row.
type TaskService struct {
	tasks      TaskStore
	nodes      NodeStore
	contexts   ContextManager
	simulators SimulatorLog
}

func NewTaskService(tasks TaskStore, nodes NodeStore, contexts ContextManager, simulators SimulatorLog) *TaskService {
	return &TaskService{tasks: tasks, nodes: nodes, contexts: contexts, simulators: simulators}
}

// TaskDetail is the full task bundle returned to the assignee, with the
// dispatch-time context snapshot decoded for display.
type TaskDetail struct {
	Task      model.TaskInstance     `json:"task"`
	Context   *wfcontext.TaskContext `json:"context,omitempty"`
	Simulator *SimulatorTranscript   `json:"simulator,omitempty"`
}

// SimulatorTranscript bundles a simulator session with its ordered messages.
type SimulatorTranscript struct {
	Session  model.SimulatorSession   `json:"session"`
	Messages []model.SimulatorMessage `json:"messages"`
}

// ListUserTasks returns the user's tasks enriched with priority labels and
// computed durations.
func (s *TaskService) ListUserTasks(ctx context.Context, userID uuid.UUID, status *model.TaskStatus, offset, limit int) ([]model.TaskListItemDTO, error) {
	tasks, err := s.tasks.ListByUser(ctx, userID, status, offset, limit)
	if err != nil {
		return nil, err
	}
	items := make([]model.TaskListItemDTO, 0, len(tasks))
	for _, task := range tasks {
		items = append(items, enrichTask(task, time.Now().UTC()))
	}
	return items, nil
}

func enrichTask(task model.TaskInstance, now time.Time) model.TaskListItemDTO {
	item := model.TaskListItemDTO{
		TaskInstance: task,
		PriorityText: task.PriorityLabel(),
	}
	if task.StartedAt != nil {
		switch {
		case task.ActualSeconds != nil:
			item.ElapsedSeconds = task.ActualSeconds
		case task.Status == model.TaskStatusInProgress:
			elapsed := int64(now.Sub(*task.StartedAt).Seconds())
			item.ElapsedSeconds = &elapsed
		}
		deadline := task.StartedAt.Add(time.Duration(task.EstimatedMinutes) * time.Minute).Format(time.RFC3339)
		item.EstimatedDeadline = &deadline
	}
	return item
}

// GetTaskDetails returns the task and its decoded context bundle.
func (s *TaskService) GetTaskDetails(ctx context.Context, taskID, userID uuid.UUID) (*TaskDetail, error) {
	task, err := s.authorize(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}
	detail := &TaskDetail{Task: *task}
	if len(task.Context) > 0 {
		var taskContext wfcontext.TaskContext
		if err := json.Unmarshal(task.Context, &taskContext); err != nil {
			slog.Warn("task context snapshot is undecodable", "task_id", taskID, "error", err)
		} else {
			detail.Context = &taskContext
		}
	}
	if task.ProcessorKind == model.ProcessorKindSimulator && s.simulators != nil {
		detail.Simulator = s.loadTranscript(ctx, taskID)
	}
	return detail, nil
}

// loadTranscript fetches the simulator session and its messages. A task whose
// session has not been opened yet simply has no transcript.
func (s *TaskService) loadTranscript(ctx context.Context, taskID uuid.UUID) *SimulatorTranscript {
	session, err := s.simulators.GetSessionByTaskID(ctx, taskID)
	if err != nil {
		if !apperr.Is(err, apperr.KindNotFound) {
			slog.Warn("simulator session lookup failed", "task_id", taskID, "error", err)
		}
		return nil
	}
	messages, err := s.simulators.GetMessages(ctx, session.ID)
	if err != nil {
		slog.Warn("simulator message lookup failed", "session_id", session.ID, "error", err)
		return nil
	}
	return &SimulatorTranscript{Session: *session, Messages: messages}
}

// Start moves an assigned or pending task into progress.
func (s *TaskService) Start(ctx context.Context, taskID, userID uuid.UUID) (*model.TaskInstance, error) {
	if _, err := s.authorize(ctx, taskID, userID); err != nil {
		return nil, err
	}
	return s.tasks.Transition(ctx, taskID, model.TaskStatusInProgress, map[string]any{
		"started_at": time.Now().UTC(),
	})
}

// Submit completes an in-progress task with its result and runs the
// node-completion check.
func (s *TaskService) Submit(ctx context.Context, taskID, userID uuid.UUID, result json.RawMessage, summary string) (*model.TaskInstance, error) {
	task, err := s.authorize(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"output":         result,
		"result_summary": summary,
		"completed_at":   now,
	}
	if seconds, ok := actualDuration(task, now); ok {
		updates["actual_seconds"] = seconds
	}

	task, err = s.tasks.Transition(ctx, taskID, model.TaskStatusCompleted, updates)
	if err != nil {
		return nil, err
	}

	if err := s.CheckNodeCompletion(ctx, task); err != nil {
		slog.Error("node-completion check failed after submit",
			"task_id", taskID,
			"node_instance_id", task.NodeInstanceID,
			"error", err)
	}
	return task, nil
}

// actualDuration computes the worked seconds. A missing start timestamp
// degrades to no duration rather than an error.
func actualDuration(task *model.TaskInstance, now time.Time) (int64, bool) {
	if task.StartedAt == nil || now.Before(*task.StartedAt) {
		return 0, false
	}
	return int64(now.Sub(*task.StartedAt).Seconds()), true
}

// Pause returns an in-progress task to assigned, recording the reason.
func (s *TaskService) Pause(ctx context.Context, taskID, userID uuid.UUID, reason string) (*model.TaskInstance, error) {
	if _, err := s.authorize(ctx, taskID, userID); err != nil {
		return nil, err
	}
	return s.tasks.Transition(ctx, taskID, model.TaskStatusAssigned, map[string]any{
		"reason": reason,
	})
}

// Reject fails the task and reports it to the completion check, which may
// cascade-fail the node.
func (s *TaskService) Reject(ctx context.Context, taskID, userID uuid.UUID, reason string) (*model.TaskInstance, error) {
	return s.terminate(ctx, taskID, userID, model.TaskStatusFailed, reason)
}

// Cancel cancels the task and reports it to the completion check.
func (s *TaskService) Cancel(ctx context.Context, taskID, userID uuid.UUID, reason string) (*model.TaskInstance, error) {
	return s.terminate(ctx, taskID, userID, model.TaskStatusCancelled, reason)
}

func (s *TaskService) terminate(ctx context.Context, taskID, userID uuid.UUID, to model.TaskStatus, reason string) (*model.TaskInstance, error) {
	if _, err := s.authorize(ctx, taskID, userID); err != nil {
		return nil, err
	}
	task, err := s.tasks.Transition(ctx, taskID, to, map[string]any{
		"reason":       reason,
		"completed_at": time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if err := s.CheckNodeCompletion(ctx, task); err != nil {
		slog.Error("node-completion check failed after terminal transition",
			"task_id", taskID,
			"status", to,
			"error", err)
	}
	return task, nil
}

// RequestHelp records a help request. It never changes task state.
func (s *TaskService) RequestHelp(ctx context.Context, taskID, userID uuid.UUID, message string) error {
	task, err := s.authorize(ctx, taskID, userID)
	if err != nil {
		return err
	}
	slog.Info("help requested on task",
		"task_id", task.ID,
		"workflow_instance_id", task.WorkflowInstanceID,
		"user_id", userID,
		"message", message)
	return nil
}

// CompleteSystemTask finishes an agent or simulator task on behalf of the
// engine and runs the node-completion check. No assignee authorisation
// applies.
func (s *TaskService) CompleteSystemTask(ctx context.Context, taskID uuid.UUID, result json.RawMessage, summary string) (*model.TaskInstance, error) {
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		slog.Info("discarding late system task result", "task_id", taskID, "status", task.Status)
		return task, nil
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"output":         result,
		"result_summary": summary,
		"completed_at":   now,
	}
	if seconds, ok := actualDuration(task, now); ok {
		updates["actual_seconds"] = seconds
	}
	task, err = s.tasks.Transition(ctx, taskID, model.TaskStatusCompleted, updates)
	if err != nil {
		return nil, err
	}
	if err := s.CheckNodeCompletion(ctx, task); err != nil {
		slog.Error("node-completion check failed after system completion",
			"task_id", taskID,
			"error", err)
	}
	return task, nil
}

// FailSystemTask fails an agent or simulator task on behalf of the engine.
func (s *TaskService) FailSystemTask(ctx context.Context, taskID uuid.UUID, reason string) (*model.TaskInstance, error) {
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return task, nil
	}
	task, err = s.tasks.Transition(ctx, taskID, model.TaskStatusFailed, map[string]any{
		"reason":       reason,
		"completed_at": time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if err := s.CheckNodeCompletion(ctx, task); err != nil {
		slog.Error("node-completion check failed after system failure",
			"task_id", taskID,
			"error", err)
	}
	return task, nil
}

func (s *TaskService) authorize(ctx context.Context, taskID, userID uuid.UUID) (*model.TaskInstance, error) {
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.AssignedUserID == nil || *task.AssignedUserID != userID {
		return nil, apperr.New(apperr.KindUnauthorized, "task %s is not assigned to user %s", taskID, userID)
	}
	return task, nil
}

package wfcontext

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openweave/weave/internal/workflow/depgraph"
	"github.com/openweave/weave/internal/workflow/model"
)

const (
	// readyDelay gives newly ready tasks a moment to start before the
	// completion check runs.
	readyDelay = 100 * time.Millisecond

	// failedCleanupDelay postpones cleanup of failed instances so async task
	// listeners can still observe the failure.
	failedCleanupDelay = 3 * time.Second

	// failedCleanupRetries bounds the extra rounds waited while nodes are
	// still executing.
	failedCleanupRetries = 2
)

// InstanceStore is the persistence surface the context manager needs: the
// completion verification pass, terminal status writes and the context
// snapshot written alongside them.
type InstanceStore interface {
	AllNodeInstancesCompleted(ctx context.Context, instanceID uuid.UUID) (bool, error)
	UpdateInstanceStatus(ctx context.Context, instanceID uuid.UUID, to model.InstanceStatus, output json.RawMessage) error
	SetInstanceContext(ctx context.Context, instanceID uuid.UUID, blob json.RawMessage) error
}

// DefinitionResolver resolves node definitions for task-context annotation.
type DefinitionResolver interface {
	GetNodeByID(ctx context.Context, nodeID uuid.UUID) (*model.Node, error)
}

// ReadyNodesFunc is invoked with the node instances that became ready after a
// completion propagated. The engine registers its dispatcher here; the
// context manager never imports the engine.
type ReadyNodesFunc func(workflowInstanceID uuid.UUID, nodeInstanceIDs []uuid.UUID)

// Manager owns workflow contexts, the per-instance locks and the
// completion/cleanup lifecycle.
type Manager struct {
	store InstanceStore
	deps  *depgraph.Manager

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex

	mu             sync.Mutex
	contexts       map[uuid.UUID]*InstanceContext
	nodeCompletion map[uuid.UUID]map[uuid.UUID]model.NodeInstanceStatus

	onReadyNodes ReadyNodesFunc

	// readyWait, cleanupDelay and sleepFn are fields so tests can shorten
	// the timing without changing behaviour.
	readyWait    time.Duration
	cleanupDelay time.Duration
	sleepFn      func(time.Duration)
}

func NewManager(store InstanceStore, deps *depgraph.Manager) *Manager {
	return &Manager{
		store:          store,
		deps:           deps,
		locks:          make(map[uuid.UUID]*sync.Mutex),
		contexts:       make(map[uuid.UUID]*InstanceContext),
		nodeCompletion: make(map[uuid.UUID]map[uuid.UUID]model.NodeInstanceStatus),
		readyWait:      readyDelay,
		cleanupDelay:   failedCleanupDelay,
		sleepFn:        time.Sleep,
	}
}

// SetOnReadyNodes registers the dispatch callback. Must be called before any
// instance is started.
func (m *Manager) SetOnReadyNodes(fn ReadyNodesFunc) {
	m.onReadyNodes = fn
}

// Dependencies exposes the dependency manager this context manager drives.
func (m *Manager) Dependencies() *depgraph.Manager {
	return m.deps
}

// instanceLock returns the lock for one workflow instance, creating it on
// first use. The locks map itself is guarded by its own mutex.
func (m *Manager) instanceLock(workflowInstanceID uuid.UUID) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	lock, ok := m.locks[workflowInstanceID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[workflowInstanceID] = lock
	}
	return lock
}

// Initialize creates an empty context for a workflow instance.
func (m *Manager) Initialize(workflowInstanceID uuid.UUID, globalData map[string]any) {
	lock := m.instanceLock(workflowInstanceID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts[workflowInstanceID] = newInstanceContext(workflowInstanceID, globalData)
	m.nodeCompletion[workflowInstanceID] = make(map[uuid.UUID]model.NodeInstanceStatus)
}

// Context returns a snapshot of one instance context.
func (m *Manager) Context(workflowInstanceID uuid.UUID) (*InstanceContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ic, ok := m.contexts[workflowInstanceID]
	if !ok {
		return nil, false
	}
	snapshot := &InstanceContext{
		WorkflowInstanceID: ic.WorkflowInstanceID,
		GlobalData:         make(map[string]any, len(ic.GlobalData)),
		NodeOutputs:        make(map[uuid.UUID]json.RawMessage, len(ic.NodeOutputs)),
		ExecutionPath:      append([]uuid.UUID(nil), ic.ExecutionPath...),
		ExecutingNodes:     make(map[uuid.UUID]bool, len(ic.ExecutingNodes)),
		CompletedNodes:     make(map[uuid.UUID]bool, len(ic.CompletedNodes)),
		FailedNodes:        make(map[uuid.UUID]bool, len(ic.FailedNodes)),
		StartTime:          ic.StartTime,
	}
	for k, v := range ic.GlobalData {
		snapshot.GlobalData[k] = v
	}
	for k, v := range ic.NodeOutputs {
		snapshot.NodeOutputs[k] = v
	}
	for k := range ic.ExecutingNodes {
		snapshot.ExecutingNodes[k] = true
	}
	for k := range ic.CompletedNodes {
		snapshot.CompletedNodes[k] = true
	}
	for k := range ic.FailedNodes {
		snapshot.FailedNodes[k] = true
	}
	return snapshot, true
}

// MarkExecuting records that a node instance started running.
func (m *Manager) MarkExecuting(workflowInstanceID, nodeID uuid.UUID) {
	lock := m.instanceLock(workflowInstanceID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	ic, ok := m.contexts[workflowInstanceID]
	if !ok {
		slog.Warn("mark executing on missing workflow context", "workflow_instance_id", workflowInstanceID, "node_id", nodeID)
		return
	}
	ic.ExecutingNodes[nodeID] = true
}

// MarkCompleted records a node completion, propagates it to downstream
// dependencies and then re-evaluates overall workflow completion. The
// propagation and the completion check run outside the instance lock to
// avoid re-entrance.
func (m *Manager) MarkCompleted(ctx context.Context, workflowInstanceID, nodeID uuid.UUID, output json.RawMessage) WorkflowStatus {
	lock := m.instanceLock(workflowInstanceID)
	lock.Lock()

	m.mu.Lock()
	ic, ok := m.contexts[workflowInstanceID]
	if ok {
		delete(ic.ExecutingNodes, nodeID)
		ic.CompletedNodes[nodeID] = true
		ic.ExecutionPath = append(ic.ExecutionPath, nodeID)
		ic.NodeOutputs[nodeID] = output
	} else {
		slog.Warn("mark completed on missing workflow context", "workflow_instance_id", workflowInstanceID, "node_id", nodeID)
	}
	if statuses, exists := m.nodeCompletion[workflowInstanceID]; exists {
		statuses[nodeID] = model.NodeInstanceStatusCompleted
	}
	m.mu.Unlock()
	lock.Unlock()

	if !ok {
		return WorkflowStatusUnknown
	}

	m.propagate(workflowInstanceID, nodeID)
	m.sleepFn(m.readyWait)
	return m.CheckWorkflowCompletion(ctx, workflowInstanceID)
}

// MarkFailed records a node failure and re-evaluates overall status.
func (m *Manager) MarkFailed(ctx context.Context, workflowInstanceID, nodeID uuid.UUID, errorMessage string) WorkflowStatus {
	lock := m.instanceLock(workflowInstanceID)
	lock.Lock()

	m.mu.Lock()
	ic, ok := m.contexts[workflowInstanceID]
	if ok {
		delete(ic.ExecutingNodes, nodeID)
		ic.FailedNodes[nodeID] = true
	} else {
		slog.Warn("mark failed on missing workflow context", "workflow_instance_id", workflowInstanceID, "node_id", nodeID)
	}
	if statuses, exists := m.nodeCompletion[workflowInstanceID]; exists {
		statuses[nodeID] = model.NodeInstanceStatusFailed
	}
	m.mu.Unlock()
	lock.Unlock()

	if !ok {
		return WorkflowStatusUnknown
	}

	slog.Warn("node failed", "workflow_instance_id", workflowInstanceID, "node_id", nodeID, "error", errorMessage)
	return m.CheckWorkflowCompletion(ctx, workflowInstanceID)
}

// propagate feeds the completion into the dependency manager and dispatches
// any nodes that became ready.
func (m *Manager) propagate(workflowInstanceID, completedNodeID uuid.UUID) {
	m.deps.MarkCompleted(workflowInstanceID, completedNodeID)
	ready := m.deps.DrainReady(workflowInstanceID)
	if len(ready) > 0 && m.onReadyNodes != nil {
		m.onReadyNodes(workflowInstanceID, ready)
	}
}

// CheckWorkflowCompletion derives the overall status of an instance by
// combining in-memory counts with a database verification pass. Terminal
// results are written to the instance row and trigger cleanup.
func (m *Manager) CheckWorkflowCompletion(ctx context.Context, workflowInstanceID uuid.UUID) WorkflowStatus {
	m.mu.Lock()
	ic, ok := m.contexts[workflowInstanceID]
	if !ok {
		m.mu.Unlock()
		slog.Warn("completion check on missing workflow context", "workflow_instance_id", workflowInstanceID)
		return WorkflowStatusUnknown
	}
	failed := len(ic.FailedNodes) > 0
	completedCount := len(ic.CompletedNodes)
	output := InstanceOutput{
		CompletionTime: time.Now().UTC(),
		NodeOutputs:    make(map[uuid.UUID]json.RawMessage, len(ic.NodeOutputs)),
		ExecutionPath:  append([]uuid.UUID(nil), ic.ExecutionPath...),
	}
	for k, v := range ic.NodeOutputs {
		output.NodeOutputs[k] = v
	}
	m.mu.Unlock()

	if failed {
		m.finalize(ctx, workflowInstanceID, model.InstanceStatusFailed, output)
		m.scheduleDelayedCleanup(workflowInstanceID)
		return WorkflowStatusFailed
	}

	registered := m.deps.RegisteredCount(workflowInstanceID)
	if registered == 0 || completedCount < registered {
		return WorkflowStatusRunning
	}

	// The in-memory counts say done; verify against the database before
	// declaring the instance complete.
	allCompleted, err := m.store.AllNodeInstancesCompleted(ctx, workflowInstanceID)
	if err != nil {
		slog.Error("completion verification query failed", "workflow_instance_id", workflowInstanceID, "error", err)
		return WorkflowStatusRunning
	}
	if !allCompleted {
		return WorkflowStatusRunning
	}

	m.finalize(ctx, workflowInstanceID, model.InstanceStatusCompleted, output)
	m.Cleanup(workflowInstanceID)
	return WorkflowStatusCompleted
}

func (m *Manager) finalize(ctx context.Context, workflowInstanceID uuid.UUID, status model.InstanceStatus, output InstanceOutput) {
	blob, err := json.Marshal(output)
	if err != nil {
		slog.Error("failed to marshal instance output", "workflow_instance_id", workflowInstanceID, "error", err)
		blob = nil
	}
	if err := m.store.UpdateInstanceStatus(ctx, workflowInstanceID, status, blob); err != nil {
		slog.Error("failed to write terminal instance status",
			"workflow_instance_id", workflowInstanceID,
			"status", status,
			"error", err)
	}
	m.persistContext(ctx, workflowInstanceID)
}

// persistContext snapshots the in-memory runtime context onto the instance
// row before cleanup discards it.
func (m *Manager) persistContext(ctx context.Context, workflowInstanceID uuid.UUID) {
	snapshot, ok := m.Context(workflowInstanceID)
	if !ok {
		return
	}
	blob, err := json.Marshal(map[string]any{
		"globalData":    snapshot.GlobalData,
		"nodeOutputs":   snapshot.NodeOutputs,
		"executionPath": snapshot.ExecutionPath,
	})
	if err != nil {
		slog.Error("failed to marshal instance context", "workflow_instance_id", workflowInstanceID, "error", err)
		return
	}
	if err := m.store.SetInstanceContext(ctx, workflowInstanceID, blob); err != nil {
		slog.Error("failed to persist instance context",
			"workflow_instance_id", workflowInstanceID,
			"error", err)
	}
}

// scheduleDelayedCleanup postpones cleanup of a failed instance so that
// asynchronous task listeners can still observe the failure. Cleanup is
// retried while nodes are still executing, then forced.
func (m *Manager) scheduleDelayedCleanup(workflowInstanceID uuid.UUID) {
	m.scheduleCleanupRound(workflowInstanceID, 0)
}

func (m *Manager) scheduleCleanupRound(workflowInstanceID uuid.UUID, round int) {
	time.AfterFunc(m.cleanupDelay, func() {
		m.mu.Lock()
		ic, ok := m.contexts[workflowInstanceID]
		executing := ok && len(ic.ExecutingNodes) > 0
		m.mu.Unlock()

		if !ok {
			return
		}
		if executing && round < failedCleanupRetries {
			slog.Info("delaying failed-instance cleanup, nodes still executing",
				"workflow_instance_id", workflowInstanceID,
				"round", round+1)
			m.scheduleCleanupRound(workflowInstanceID, round+1)
			return
		}
		m.Cleanup(workflowInstanceID)
	})
}

// Cleanup removes the instance's context, pending triggers, dependency
// entries, completion statuses and finally the lock itself.
func (m *Manager) Cleanup(workflowInstanceID uuid.UUID) {
	m.mu.Lock()
	delete(m.contexts, workflowInstanceID)
	delete(m.nodeCompletion, workflowInstanceID)
	m.mu.Unlock()

	m.deps.CleanupInstance(workflowInstanceID)

	m.locksMu.Lock()
	delete(m.locks, workflowInstanceID)
	m.locksMu.Unlock()

	slog.Info("workflow context cleaned up", "workflow_instance_id", workflowInstanceID)
}

// Active reports whether an instance context still exists.
func (m *Manager) Active(workflowInstanceID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.contexts[workflowInstanceID]
	return ok
}

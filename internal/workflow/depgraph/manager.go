// Package depgraph tracks per-instance node dependencies and decides when a
// node becomes runnable. A downstream node is never enqueued before every one
// of its registered upstream nodes has been marked complete.
package depgraph

import (
	"sync"

	"github.com/google/uuid"
)

// NodeDependency is the tracked dependency state of one node instance.
type NodeDependency struct {
	NodeInstanceID     uuid.UUID
	NodeID             uuid.UUID
	WorkflowInstanceID uuid.UUID
	UpstreamNodes      []uuid.UUID
	CompletedUpstream  map[uuid.UUID]bool
	ReadyToExecute     bool
}

// DependencyCount returns the number of upstream nodes.
func (d *NodeDependency) DependencyCount() int {
	return len(d.UpstreamNodes)
}

// Manager maintains node dependencies and pending triggers for all active
// workflow instances. All methods are safe for concurrent use; callers
// serialise per-instance mutation ordering through the context manager's
// instance lock.
type Manager struct {
	mu              sync.Mutex
	dependencies    map[uuid.UUID]*NodeDependency      // node instance ID -> dependency state
	byInstance      map[uuid.UUID][]uuid.UUID          // workflow instance ID -> node instance IDs
	pendingTriggers map[uuid.UUID]map[uuid.UUID]bool   // workflow instance ID -> ready node instance IDs
}

func NewManager() *Manager {
	return &Manager{
		dependencies:    make(map[uuid.UUID]*NodeDependency),
		byInstance:      make(map[uuid.UUID][]uuid.UUID),
		pendingTriggers: make(map[uuid.UUID]map[uuid.UUID]bool),
	}
}

// Register initialises the dependency entry for a node instance. Nodes with
// no upstream (START nodes) become ready immediately and are enqueued into
// the instance's pending-trigger set.
func (m *Manager) Register(nodeInstanceID, nodeID, workflowInstanceID uuid.UUID, upstreamNodes []uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dep := &NodeDependency{
		NodeInstanceID:     nodeInstanceID,
		NodeID:             nodeID,
		WorkflowInstanceID: workflowInstanceID,
		UpstreamNodes:      append([]uuid.UUID(nil), upstreamNodes...),
		CompletedUpstream:  make(map[uuid.UUID]bool),
	}
	if len(dep.UpstreamNodes) == 0 {
		dep.ReadyToExecute = true
		m.enqueueLocked(workflowInstanceID, nodeInstanceID)
	}
	m.dependencies[nodeInstanceID] = dep
	m.byInstance[workflowInstanceID] = append(m.byInstance[workflowInstanceID], nodeInstanceID)
}

// MarkCompleted records that a node definition completed within one workflow
// instance. Every registered dependency whose upstream set contains the
// completed node gains a completed-upstream entry; entries that reach full
// coverage become ready and are enqueued. Returns the node instance IDs that
// became ready by this call.
func (m *Manager) MarkCompleted(workflowInstanceID, completedNodeID uuid.UUID) []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()

	var newlyReady []uuid.UUID
	for _, nodeInstanceID := range m.byInstance[workflowInstanceID] {
		dep, ok := m.dependencies[nodeInstanceID]
		if !ok || dep.ReadyToExecute {
			continue
		}
		if !containsUUID(dep.UpstreamNodes, completedNodeID) {
			continue
		}
		dep.CompletedUpstream[completedNodeID] = true
		if len(dep.CompletedUpstream) == len(dep.UpstreamNodes) {
			dep.ReadyToExecute = true
			m.enqueueLocked(workflowInstanceID, nodeInstanceID)
			newlyReady = append(newlyReady, nodeInstanceID)
		}
	}
	return newlyReady
}

// DrainReady returns and clears the pending-trigger set of one instance
// atomically.
func (m *Manager) DrainReady(workflowInstanceID uuid.UUID) []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := m.pendingTriggers[workflowInstanceID]
	if len(pending) == 0 {
		return nil
	}
	drained := make([]uuid.UUID, 0, len(pending))
	for nodeInstanceID := range pending {
		drained = append(drained, nodeInstanceID)
	}
	delete(m.pendingTriggers, workflowInstanceID)
	return drained
}

// Ready reports whether a node instance is ready to execute.
func (m *Manager) Ready(nodeInstanceID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	dep, ok := m.dependencies[nodeInstanceID]
	return ok && dep.ReadyToExecute
}

// Get returns a copy of the dependency entry of a node instance.
func (m *Manager) Get(nodeInstanceID uuid.UUID) (NodeDependency, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dep, ok := m.dependencies[nodeInstanceID]
	if !ok {
		return NodeDependency{}, false
	}
	copied := *dep
	copied.UpstreamNodes = append([]uuid.UUID(nil), dep.UpstreamNodes...)
	copied.CompletedUpstream = make(map[uuid.UUID]bool, len(dep.CompletedUpstream))
	for k, v := range dep.CompletedUpstream {
		copied.CompletedUpstream[k] = v
	}
	return copied, true
}

// UpstreamNodeIDs returns the registered upstream node IDs of a node
// instance.
func (m *Manager) UpstreamNodeIDs(nodeInstanceID uuid.UUID) []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()

	dep, ok := m.dependencies[nodeInstanceID]
	if !ok {
		return nil
	}
	return append([]uuid.UUID(nil), dep.UpstreamNodes...)
}

// RegisteredCount returns how many node instances are registered for one
// workflow instance.
func (m *Manager) RegisteredCount(workflowInstanceID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byInstance[workflowInstanceID])
}

// CleanupInstance removes every dependency entry and pending trigger of one
// workflow instance.
func (m *Manager) CleanupInstance(workflowInstanceID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, nodeInstanceID := range m.byInstance[workflowInstanceID] {
		delete(m.dependencies, nodeInstanceID)
	}
	delete(m.byInstance, workflowInstanceID)
	delete(m.pendingTriggers, workflowInstanceID)
}

func (m *Manager) enqueueLocked(workflowInstanceID, nodeInstanceID uuid.UUID) {
	pending, ok := m.pendingTriggers[workflowInstanceID]
	if !ok {
		pending = make(map[uuid.UUID]bool)
		m.pendingTriggers[workflowInstanceID] = pending
	}
	pending[nodeInstanceID] = true
}

func containsUUID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

package model

// Legal state machines for instance, node-instance and task rows. Repository
// writes validate against these before persisting.

var instanceTransitions = map[InstanceStatus][]InstanceStatus{
	InstanceStatusPending: {InstanceStatusRunning, InstanceStatusCancelled, InstanceStatusFailed},
	InstanceStatusRunning: {InstanceStatusPaused, InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusCancelled},
	InstanceStatusPaused:  {InstanceStatusRunning, InstanceStatusCancelled, InstanceStatusFailed},
}

var nodeInstanceTransitions = map[NodeInstanceStatus][]NodeInstanceStatus{
	NodeInstanceStatusPending: {NodeInstanceStatusWaiting, NodeInstanceStatusRunning, NodeInstanceStatusCompleted, NodeInstanceStatusCancelled, NodeInstanceStatusFailed},
	NodeInstanceStatusWaiting: {NodeInstanceStatusRunning, NodeInstanceStatusCompleted, NodeInstanceStatusCancelled, NodeInstanceStatusFailed},
	NodeInstanceStatusRunning: {NodeInstanceStatusCompleted, NodeInstanceStatusFailed, NodeInstanceStatusCancelled},
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusAssigned, TaskStatusInProgress, TaskStatusCancelled, TaskStatusFailed},
	TaskStatusAssigned:   {TaskStatusInProgress, TaskStatusWaiting, TaskStatusCancelled, TaskStatusFailed},
	TaskStatusWaiting:    {TaskStatusInProgress, TaskStatusCancelled, TaskStatusFailed},
	TaskStatusInProgress: {TaskStatusAssigned, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
}

// CanTransition reports whether an instance may move between the two statuses.
func (s InstanceStatus) CanTransition(to InstanceStatus) bool {
	for _, next := range instanceTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransition reports whether a node instance may move between the two
// statuses.
func (s NodeInstanceStatus) CanTransition(to NodeInstanceStatus) bool {
	for _, next := range nodeInstanceTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransition reports whether a task may move between the two statuses.
// The only legal reverse edge is in_progress -> assigned (pause).
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	for _, next := range taskTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

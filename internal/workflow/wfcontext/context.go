// Package wfcontext owns the canonical in-memory runtime state of active
// workflow instances and the per-instance locks that serialise mutations.
package wfcontext

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus is the derived overall status of a workflow instance.
type WorkflowStatus string

const (
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusUnknown   WorkflowStatus = "unknown"
)

// InstanceContext is the per-instance runtime state. It lives only in memory:
// populated on instance start and cleared on terminal status.
type InstanceContext struct {
	WorkflowInstanceID uuid.UUID
	GlobalData         map[string]any
	NodeOutputs        map[uuid.UUID]json.RawMessage
	ExecutionPath      []uuid.UUID
	ExecutingNodes     map[uuid.UUID]bool
	CompletedNodes     map[uuid.UUID]bool
	FailedNodes        map[uuid.UUID]bool
	StartTime          time.Time
}

func newInstanceContext(workflowInstanceID uuid.UUID, globalData map[string]any) *InstanceContext {
	if globalData == nil {
		globalData = make(map[string]any)
	}
	return &InstanceContext{
		WorkflowInstanceID: workflowInstanceID,
		GlobalData:         globalData,
		NodeOutputs:        make(map[uuid.UUID]json.RawMessage),
		ExecutionPath:      make([]uuid.UUID, 0),
		ExecutingNodes:     make(map[uuid.UUID]bool),
		CompletedNodes:     make(map[uuid.UUID]bool),
		FailedNodes:        make(map[uuid.UUID]bool),
		StartTime:          time.Now().UTC(),
	}
}

// WorkflowGlobal is the instance-wide portion of an upstream context bundle.
type WorkflowGlobal struct {
	ExecutionPath      []uuid.UUID    `json:"executionPath"`
	GlobalData         map[string]any `json:"globalData"`
	ExecutionStartTime time.Time      `json:"executionStartTime"`
}

// UpstreamContext is the one-hop dependency view handed to a node: only the
// immediate upstream outputs are surfaced (first-order dependency model).
type UpstreamContext struct {
	ImmediateUpstreamResults map[uuid.UUID]json.RawMessage `json:"immediateUpstreamResults"`
	UpstreamNodeCount        int                           `json:"upstreamNodeCount"`
	WorkflowGlobal           WorkflowGlobal                `json:"workflowGlobal"`
}

// TaskUpstreamOutput annotates one upstream output with its node name for
// display to the processor.
type TaskUpstreamOutput struct {
	NodeID   uuid.UUID       `json:"nodeId"`
	NodeName string          `json:"nodeName"`
	Output   json.RawMessage `json:"output"`
}

// TaskContext is the dispatch-time bundle snapshotted into a task instance.
type TaskContext struct {
	WorkflowInstanceID   uuid.UUID            `json:"workflowInstanceId"`
	WorkflowInstanceName string               `json:"workflowInstanceName"`
	WorkflowID           uuid.UUID            `json:"workflowId"`
	NodeInstanceID       uuid.UUID            `json:"nodeInstanceId"`
	NodeID               uuid.UUID            `json:"nodeId"`
	NodeName             string               `json:"nodeName"`
	TaskDescription      string               `json:"taskDescription"`
	Instructions         string               `json:"instructions"`
	UpstreamOutputs      []TaskUpstreamOutput `json:"upstreamOutputs"`
	GlobalData           map[string]any       `json:"globalData"`
	ExecutionPath        []uuid.UUID          `json:"executionPath"`
	GeneratedAt          time.Time            `json:"generatedAt"`
}

// InstanceOutput is the terminal output blob written to the instance row.
type InstanceOutput struct {
	CompletionTime time.Time                     `json:"completionTime"`
	NodeOutputs    map[uuid.UUID]json.RawMessage `json:"nodeOutputs"`
	ExecutionPath  []uuid.UUID                   `json:"executionPath"`
}

package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// CreateNodeDTO describes one node of a workflow definition being created.
// Ref is a caller-chosen key used to wire edges and bindings before real IDs
// exist.
type CreateNodeDTO struct {
	Ref             string   `json:"ref" binding:"required"`
	Type            NodeType `json:"type" binding:"required"`
	Name            string   `json:"name" binding:"required"`
	TaskDescription string   `json:"taskDescription"`
	Instructions    string   `json:"instructions"`
	PositionX       float64  `json:"positionX"`
	PositionY       float64  `json:"positionY"`
	ProcessorIDs    []uuid.UUID `json:"processorIds"`
}

// CreateEdgeDTO describes one edge of a workflow definition being created,
// referencing nodes by their Ref keys.
type CreateEdgeDTO struct {
	FromRef         string          `json:"fromRef" binding:"required"`
	ToRef           string          `json:"toRef" binding:"required"`
	Type            EdgeType        `json:"type"`
	ConditionConfig json.RawMessage `json:"conditionConfig,omitempty"`
}

// CreateWorkflowDTO describes a complete workflow definition (version 1).
type CreateWorkflowDTO struct {
	Name        string          `json:"name" binding:"required"`
	Description string          `json:"description"`
	Nodes       []CreateNodeDTO `json:"nodes" binding:"required"`
	Edges       []CreateEdgeDTO `json:"edges"`
}

// ExecuteWorkflowDTO is the request body for starting a workflow instance.
type ExecuteWorkflowDTO struct {
	WorkflowBaseID uuid.UUID       `json:"workflowBaseId" binding:"required"`
	InstanceName   string          `json:"instanceName"`
	InputData      json.RawMessage `json:"inputData,omitempty"`
	ContextData    map[string]any  `json:"contextData,omitempty"`
}

// CancelInstanceResponseDTO reports the effect of cancelling an instance.
type CancelInstanceResponseDTO struct {
	Status              InstanceStatus `json:"status"`
	CancelledTasksCount int            `json:"cancelledTasksCount"`
	CancelledNodesCount int            `json:"cancelledNodesCount"`
}

// InstanceDetailDTO is the aggregated instance view returned by the API.
type InstanceDetailDTO struct {
	Instance   WorkflowInstance           `json:"instance"`
	NodeCounts map[NodeInstanceStatus]int `json:"nodeCounts"`
	TaskCounts map[TaskStatus]int         `json:"taskCounts"`
}

// SubmitTaskDTO is the request body for submitting a completed task.
type SubmitTaskDTO struct {
	ResultData    json.RawMessage `json:"result_data"`
	ResultSummary string          `json:"result_summary"`
}

// TaskActionDTO carries the optional reason for pause/reject/cancel actions.
type TaskActionDTO struct {
	Reason string `json:"reason"`
}

// TaskListItemDTO is the enriched task view returned by list endpoints.
type TaskListItemDTO struct {
	TaskInstance
	PriorityText      string  `json:"priorityText"`
	ElapsedSeconds    *int64  `json:"elapsedSeconds,omitempty"`
	EstimatedDeadline *string `json:"estimatedDeadline,omitempty"`
}

// SubdivideTaskDTO is the request body for subdividing a running task.
type SubdivideTaskDTO struct {
	SubdivisionName     string            `json:"subdivision_name" binding:"required"`
	SubWorkflowData     CreateWorkflowDTO `json:"sub_workflow_data" binding:"required"`
	PassedContext       json.RawMessage   `json:"passed_context,omitempty"`
	ExecuteImmediately  bool              `json:"execute_immediately"`
	ParentSubdivisionID *uuid.UUID        `json:"parent_subdivision_id,omitempty"`
}

// AdoptSubdivisionDTO is the request body for adopting a subdivision into a
// new version of the parent workflow.
type AdoptSubdivisionDTO struct {
	SubdivisionID uuid.UUID `json:"subdivision_id" binding:"required"`
	TargetNodeID  uuid.UUID `json:"target_node_id" binding:"required"`
	AdoptionName  string    `json:"adoption_name"`
}

// SubdivisionHierarchyDTO is the tree view of a subdivision and its
// descendants.
type SubdivisionHierarchyDTO struct {
	Root  Subdivision              `json:"root"`
	Depth map[string]int           `json:"depth"` // Subdivision ID -> depth from root
	Flat  []Subdivision            `json:"flat"`
	Tree  map[string][]Subdivision `json:"tree"` // Parent ID -> children
}

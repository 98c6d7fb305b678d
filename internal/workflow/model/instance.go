package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// InstanceStatus represents the status of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "pending"
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusPaused    InstanceStatus = "paused"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFailed    InstanceStatus = "failed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether the status allows no further transitions.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed || s == InstanceStatusCancelled
}

// WorkflowInstance represents one execution of a specific workflow version.
// Instances are append-only runtime state; after a terminal status they are
// never mutated except for soft deletion.
type WorkflowInstance struct {
	BaseModel
	WorkflowID     uuid.UUID       `gorm:"type:uuid;column:workflow_id;not null;index" json:"workflowId"` // Workflow version this instance executes
	WorkflowBaseID uuid.UUID       `gorm:"type:uuid;column:workflow_base_id;not null;index" json:"workflowBaseId"`
	Name           string          `gorm:"type:varchar(255);column:name" json:"name"`
	Status         InstanceStatus  `gorm:"type:varchar(20);column:status;not null" json:"status"`
	ExecutorID     uuid.UUID       `gorm:"type:uuid;column:executor_id;not null" json:"executorId"` // Who launched the instance
	TriggerUserID  *uuid.UUID      `gorm:"type:uuid;column:trigger_user_id" json:"triggerUserId,omitempty"`
	Input          json.RawMessage `gorm:"type:jsonb;column:input" json:"input,omitempty"`
	Output         json.RawMessage `gorm:"type:jsonb;column:output" json:"output,omitempty"`
	Context        json.RawMessage `gorm:"type:jsonb;column:context" json:"context,omitempty"` // Running context blob
	StartedAt      *time.Time      `gorm:"type:timestamptz;column:started_at" json:"startedAt,omitempty"`
	CompletedAt    *time.Time      `gorm:"type:timestamptz;column:completed_at" json:"completedAt,omitempty"`
	IsDeleted      bool            `gorm:"column:is_deleted;not null;default:false" json:"isDeleted"`
}

func (wi *WorkflowInstance) TableName() string {
	return "workflow_instances"
}

// NodeInstanceStatus represents the status of a node instance.
type NodeInstanceStatus string

const (
	NodeInstanceStatusPending   NodeInstanceStatus = "pending"
	NodeInstanceStatusWaiting   NodeInstanceStatus = "waiting"
	NodeInstanceStatusRunning   NodeInstanceStatus = "running"
	NodeInstanceStatusCompleted NodeInstanceStatus = "completed"
	NodeInstanceStatusFailed    NodeInstanceStatus = "failed"
	NodeInstanceStatusCancelled NodeInstanceStatus = "cancelled"
)

// Terminal reports whether the status allows no further transitions.
func (s NodeInstanceStatus) Terminal() bool {
	return s == NodeInstanceStatusCompleted || s == NodeInstanceStatusFailed || s == NodeInstanceStatusCancelled
}

// NodeInstance is the runtime counterpart of a node definition; one per
// (workflow_instance, node).
type NodeInstance struct {
	BaseModel
	WorkflowInstanceID uuid.UUID          `gorm:"type:uuid;column:workflow_instance_id;not null;index" json:"workflowInstanceId"`
	NodeID             uuid.UUID          `gorm:"type:uuid;column:node_id;not null" json:"nodeId"`
	NodeBaseID         uuid.UUID          `gorm:"type:uuid;column:node_base_id;not null" json:"nodeBaseId"`
	Type               NodeType           `gorm:"type:varchar(20);column:type;not null" json:"type"`
	Name               string             `gorm:"type:varchar(255);column:name" json:"name"`
	Status             NodeInstanceStatus `gorm:"type:varchar(20);column:status;not null" json:"status"`
	Input              json.RawMessage    `gorm:"type:jsonb;column:input" json:"input,omitempty"`  // Resolved input at dispatch time
	Output             json.RawMessage    `gorm:"type:jsonb;column:output" json:"output,omitempty"` // Final output
	ErrorMessage       *string            `gorm:"type:text;column:error_message" json:"errorMessage,omitempty"`
	StartedAt          *time.Time         `gorm:"type:timestamptz;column:started_at" json:"startedAt,omitempty"`
	CompletedAt        *time.Time         `gorm:"type:timestamptz;column:completed_at" json:"completedAt,omitempty"`
	IsDeleted          bool               `gorm:"column:is_deleted;not null;default:false" json:"isDeleted"`
}

func (ni *NodeInstance) TableName() string {
	return "node_instances"
}

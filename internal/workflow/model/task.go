package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the status of a task instance.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusWaiting    TaskStatus = "waiting"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status allows no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// TaskPriority labels for list views.
const (
	TaskPriorityLow    = 1
	TaskPriorityNormal = 2
	TaskPriorityHigh   = 3
)

// TaskInstance is one unit of work dispatched to a processor for a node
// instance. A node instance owns one task per processor binding.
type TaskInstance struct {
	BaseModel
	NodeInstanceID     uuid.UUID       `gorm:"type:uuid;column:node_instance_id;not null;index" json:"nodeInstanceId"`
	WorkflowInstanceID uuid.UUID       `gorm:"type:uuid;column:workflow_instance_id;not null;index" json:"workflowInstanceId"`
	NodeID             uuid.UUID       `gorm:"type:uuid;column:node_id;not null" json:"nodeId"`
	ProcessorID        *uuid.UUID      `gorm:"type:uuid;column:processor_id" json:"processorId,omitempty"`
	ProcessorKind      ProcessorKind   `gorm:"type:varchar(20);column:processor_kind;not null" json:"processorKind"`
	AssignedUserID     *uuid.UUID      `gorm:"type:uuid;column:assigned_user_id;index" json:"assignedUserId,omitempty"`
	AssignedAgentID    *uuid.UUID      `gorm:"type:uuid;column:assigned_agent_id" json:"assignedAgentId,omitempty"`
	Title              string          `gorm:"type:varchar(255);column:title;not null" json:"title"`
	Description        string          `gorm:"type:text;column:description" json:"description"`
	Instructions       string          `gorm:"type:text;column:instructions" json:"instructions"`
	Status             TaskStatus      `gorm:"type:varchar(20);column:status;not null" json:"status"`
	Context            json.RawMessage `gorm:"type:jsonb;column:context" json:"context,omitempty"` // Snapshot of the task context at dispatch time
	Output             json.RawMessage `gorm:"type:jsonb;column:output" json:"output,omitempty"`
	ResultSummary      string          `gorm:"type:text;column:result_summary" json:"resultSummary"`
	Reason             *string         `gorm:"type:text;column:reason" json:"reason,omitempty"` // Pause/reject/cancel reason
	Priority           int             `gorm:"column:priority;not null;default:2" json:"priority"`
	EstimatedMinutes   int             `gorm:"column:estimated_minutes;not null;default:30" json:"estimatedMinutes"` // Advisory only
	ActualSeconds      *int64          `gorm:"column:actual_seconds" json:"actualSeconds,omitempty"`
	AssignedAt         *time.Time      `gorm:"type:timestamptz;column:assigned_at" json:"assignedAt,omitempty"`
	StartedAt          *time.Time      `gorm:"type:timestamptz;column:started_at" json:"startedAt,omitempty"`
	CompletedAt        *time.Time      `gorm:"type:timestamptz;column:completed_at" json:"completedAt,omitempty"`
	IsDeleted          bool            `gorm:"column:is_deleted;not null;default:false" json:"isDeleted"`
}

func (ti *TaskInstance) TableName() string {
	return "task_instances"
}

// PriorityLabel returns a display label for the numeric priority.
func (ti *TaskInstance) PriorityLabel() string {
	switch ti.Priority {
	case TaskPriorityLow:
		return "low"
	case TaskPriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

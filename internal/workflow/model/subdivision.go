package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Subdivision associates a running task with a nested sub-workflow spawned
// from it. Subdivisions of the same task may form a tree through
// ParentSubdivisionID; exactly one subdivision of a task is selected at a
// time.
type Subdivision struct {
	BaseModel
	OriginalTaskID        uuid.UUID       `gorm:"type:uuid;column:original_task_id;not null;index" json:"originalTaskId"`
	SubWorkflowBaseID     uuid.UUID       `gorm:"type:uuid;column:sub_workflow_base_id;not null" json:"subWorkflowBaseId"`
	SubWorkflowInstanceID *uuid.UUID      `gorm:"type:uuid;column:sub_workflow_instance_id" json:"subWorkflowInstanceId,omitempty"`
	ParentSubdivisionID   *uuid.UUID      `gorm:"type:uuid;column:parent_subdivision_id" json:"parentSubdivisionId,omitempty"`
	Name                  string          `gorm:"type:varchar(255);column:name;not null" json:"name"`
	IsSelected            bool            `gorm:"column:is_selected;not null;default:false" json:"isSelected"`
	PassedContext         json.RawMessage `gorm:"type:jsonb;column:passed_context" json:"passedContext,omitempty"`
	CreatedBy             uuid.UUID       `gorm:"type:uuid;column:created_by;not null" json:"createdBy"`
	IsDeleted             bool            `gorm:"column:is_deleted;not null;default:false" json:"isDeleted"`
}

func (s *Subdivision) TableName() string {
	return "subdivisions"
}

// Adoption records the replacement of a parent-workflow node by the graph of
// a selected subdivision, producing a new parent version.
type Adoption struct {
	BaseModel
	SubdivisionID          uuid.UUID `gorm:"type:uuid;column:subdivision_id;not null;index" json:"subdivisionId"`
	OriginalWorkflowBaseID uuid.UUID `gorm:"type:uuid;column:original_workflow_base_id;not null" json:"originalWorkflowBaseId"`
	NewWorkflowVersionID   uuid.UUID `gorm:"type:uuid;column:new_workflow_version_id;not null" json:"newWorkflowVersionId"`
	TargetNodeID           uuid.UUID `gorm:"type:uuid;column:target_node_id;not null" json:"targetNodeId"`
	Name                   string    `gorm:"type:varchar(255);column:name" json:"name"`
	AddedNodeIDs           UUIDArray `gorm:"type:jsonb;column:added_node_ids" json:"addedNodeIds"`
}

func (a *Adoption) TableName() string {
	return "adoptions"
}

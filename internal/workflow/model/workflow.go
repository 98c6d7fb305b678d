package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Workflow represents one immutable version of a workflow definition.
// All versions of the same workflow share a WorkflowBaseID; at most one
// version per base is current.
type Workflow struct {
	BaseModel
	WorkflowBaseID   uuid.UUID  `gorm:"type:uuid;column:workflow_base_id;not null;index" json:"workflowBaseId"` // Stable identifier across versions
	Name             string     `gorm:"type:varchar(255);column:name;not null" json:"name"`
	Description      string     `gorm:"type:text;column:description" json:"description"`
	Version          int        `gorm:"column:version;not null;default:1" json:"version"`
	IsCurrentVersion bool       `gorm:"column:is_current_version;not null;default:true" json:"isCurrentVersion"`
	ParentVersionID  *uuid.UUID `gorm:"type:uuid;column:parent_version_id" json:"parentVersionId,omitempty"` // Previous version this one was copied from
	ChangeNote       string     `gorm:"type:text;column:change_note" json:"changeNote"`
	CreatedBy        uuid.UUID  `gorm:"type:uuid;column:created_by;not null" json:"createdBy"`
	IsDeleted        bool       `gorm:"column:is_deleted;not null;default:false" json:"isDeleted"`
}

func (w *Workflow) TableName() string {
	return "workflows"
}

// NodeType enumerates the kinds of nodes a workflow version may contain.
type NodeType string

const (
	NodeTypeStart     NodeType = "start"
	NodeTypeProcessor NodeType = "processor"
	NodeTypeEnd       NodeType = "end"
)

// Node represents a node definition within one workflow version. All versions
// of the same node share a NodeBaseID.
type Node struct {
	BaseModel
	NodeBaseID      uuid.UUID `gorm:"type:uuid;column:node_base_id;not null;index" json:"nodeBaseId"`
	WorkflowID      uuid.UUID `gorm:"type:uuid;column:workflow_id;not null;index" json:"workflowId"` // Owning workflow version
	Type            NodeType  `gorm:"type:varchar(20);column:type;not null" json:"type"`
	Name            string    `gorm:"type:varchar(255);column:name;not null" json:"name"`
	TaskDescription string    `gorm:"type:text;column:task_description" json:"taskDescription"`
	Instructions    string    `gorm:"type:text;column:instructions" json:"instructions"`
	PositionX       float64   `gorm:"column:position_x" json:"positionX"` // Layout hint, opaque to the engine
	PositionY       float64   `gorm:"column:position_y" json:"positionY"`
	IsDeleted       bool      `gorm:"column:is_deleted;not null;default:false" json:"isDeleted"`
}

func (n *Node) TableName() string {
	return "nodes"
}

// EdgeType enumerates the kinds of connections between nodes.
type EdgeType string

const (
	EdgeTypeNormal      EdgeType = "normal"
	EdgeTypeConditional EdgeType = "conditional"
	EdgeTypeParallel    EdgeType = "parallel"
)

// Edge represents a directed connection between two nodes of the same
// workflow version. (from, to, workflow_id) is unique; from != to.
type Edge struct {
	BaseModel
	WorkflowID      uuid.UUID       `gorm:"type:uuid;column:workflow_id;not null;index;uniqueIndex:idx_edge_unique" json:"workflowId"`
	FromNodeID      uuid.UUID       `gorm:"type:uuid;column:from_node_id;not null;uniqueIndex:idx_edge_unique" json:"fromNodeId"`
	ToNodeID        uuid.UUID       `gorm:"type:uuid;column:to_node_id;not null;uniqueIndex:idx_edge_unique" json:"toNodeId"`
	Type            EdgeType        `gorm:"type:varchar(20);column:type;not null;default:'normal'" json:"type"`
	ConditionConfig json.RawMessage `gorm:"type:jsonb;column:condition_config" json:"conditionConfig,omitempty"` // Opaque condition metadata
}

func (e *Edge) TableName() string {
	return "edges"
}

// ProcessorKind enumerates who performs a node's work.
type ProcessorKind string

const (
	ProcessorKindHuman     ProcessorKind = "human"
	ProcessorKindAgent     ProcessorKind = "agent"
	ProcessorKindMix       ProcessorKind = "mix"
	ProcessorKindSimulator ProcessorKind = "simulator"
)

// Processor is the entity that performs a node's work. Invariants by kind:
// human requires UserID, agent/simulator require AgentID, mix requires both.
type Processor struct {
	BaseModel
	Name      string        `gorm:"type:varchar(255);column:name;not null" json:"name"`
	Kind      ProcessorKind `gorm:"type:varchar(20);column:kind;not null" json:"kind"`
	UserID    *uuid.UUID    `gorm:"type:uuid;column:user_id" json:"userId,omitempty"`
	AgentID   *uuid.UUID    `gorm:"type:uuid;column:agent_id" json:"agentId,omitempty"`
	IsDeleted bool          `gorm:"column:is_deleted;not null;default:false" json:"isDeleted"`
}

func (p *Processor) TableName() string {
	return "processors"
}

// Validate checks the processor kind invariants.
func (p *Processor) Validate() error {
	switch p.Kind {
	case ProcessorKindHuman:
		if p.UserID == nil || p.AgentID != nil {
			return ErrProcessorBinding
		}
	case ProcessorKindAgent, ProcessorKindSimulator:
		if p.AgentID == nil || p.UserID != nil {
			return ErrProcessorBinding
		}
	case ProcessorKindMix:
		if p.UserID == nil || p.AgentID == nil {
			return ErrProcessorBinding
		}
	default:
		return ErrProcessorBinding
	}
	return nil
}

// NodeProcessor binds a node definition to a processor within one workflow
// version. ProcessorID is nullable so processor rows can be deleted without
// cascading into definitions.
type NodeProcessor struct {
	BaseModel
	WorkflowID  uuid.UUID  `gorm:"type:uuid;column:workflow_id;not null;index" json:"workflowId"`
	NodeID      uuid.UUID  `gorm:"type:uuid;column:node_id;not null;index" json:"nodeId"`
	ProcessorID *uuid.UUID `gorm:"type:uuid;column:processor_id" json:"processorId,omitempty"`
}

func (np *NodeProcessor) TableName() string {
	return "node_processors"
}

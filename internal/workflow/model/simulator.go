package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// SimulatorSessionStatus represents the lifecycle of a simulator consult
// session.
type SimulatorSessionStatus string

const (
	SimulatorSessionActive      SimulatorSessionStatus = "active"
	SimulatorSessionCompleted   SimulatorSessionStatus = "completed"
	SimulatorSessionInterrupted SimulatorSessionStatus = "interrupted"
	SimulatorSessionFailed      SimulatorSessionStatus = "failed"
)

// SimulatorDecision is the terminating decision of a simulator session.
type SimulatorDecision string

const (
	SimulatorDecisionDirectSubmit    SimulatorDecision = "direct_submit"
	SimulatorDecisionConsultComplete SimulatorDecision = "consult_complete"
	SimulatorDecisionWeakTerminated  SimulatorDecision = "weak_model_terminated"
	SimulatorDecisionMaxRounds       SimulatorDecision = "max_rounds_reached"
	SimulatorDecisionInterrupted     SimulatorDecision = "interrupted"
)

// SimulatorExecutionType distinguishes how a simulator produced its result.
type SimulatorExecutionType string

const (
	SimulatorExecutionDirectSubmit SimulatorExecutionType = "direct_submit"
	SimulatorExecutionConversation SimulatorExecutionType = "conversation_result"
)

// SimulatorSession is one weak-model/strong-model consult session bound to a
// task instance.
type SimulatorSession struct {
	BaseModel
	TaskInstanceID uuid.UUID              `gorm:"type:uuid;column:task_instance_id;not null;index" json:"taskInstanceId"`
	WeakModel      string                 `gorm:"type:varchar(100);column:weak_model;not null" json:"weakModel"`
	StrongModel    string                 `gorm:"type:varchar(100);column:strong_model;not null" json:"strongModel"`
	MaxRounds      int                    `gorm:"column:max_rounds;not null;default:20" json:"maxRounds"`
	CurrentRound   int                    `gorm:"column:current_round;not null;default:0" json:"currentRound"`
	Status         SimulatorSessionStatus `gorm:"type:varchar(20);column:status;not null" json:"status"`
	FinalDecision  SimulatorDecision      `gorm:"type:varchar(30);column:final_decision" json:"finalDecision"`
}

func (s *SimulatorSession) TableName() string {
	return "simulator_sessions"
}

// SimulatorMessage is one entry of the ordered session message log.
type SimulatorMessage struct {
	BaseModel
	SessionID uuid.UUID `gorm:"type:uuid;column:session_id;not null;index" json:"sessionId"`
	Seq       int       `gorm:"column:seq;not null" json:"seq"`
	Role      string    `gorm:"type:varchar(20);column:role;not null" json:"role"` // weak or strong
	Content   string    `gorm:"type:text;column:content;not null" json:"content"`
}

func (m *SimulatorMessage) TableName() string {
	return "simulator_messages"
}

// SimulatorExecution is the persisted result row of a simulator session.
type SimulatorExecution struct {
	BaseModel
	SessionID         uuid.UUID              `gorm:"type:uuid;column:session_id;not null;index" json:"sessionId"`
	TaskInstanceID    uuid.UUID              `gorm:"type:uuid;column:task_instance_id;not null" json:"taskInstanceId"`
	ExecutionType     SimulatorExecutionType `gorm:"type:varchar(30);column:execution_type;not null" json:"executionType"`
	ResultData        json.RawMessage        `gorm:"type:jsonb;column:result_data" json:"resultData,omitempty"`
	Confidence        float64                `gorm:"column:confidence" json:"confidence"`
	TotalRounds       int                    `gorm:"column:total_rounds;not null" json:"totalRounds"`
	DecisionReasoning string                 `gorm:"type:text;column:decision_reasoning" json:"decisionReasoning"`
}

func (e *SimulatorExecution) TableName() string {
	return "simulator_executions"
}

package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/openweave/weave/internal/apperr"
	"github.com/openweave/weave/internal/workflow/model"
)

// SimulatorRepository persists simulator sessions, their ordered message logs
// and the final execution rows.
type SimulatorRepository struct {
	db *gorm.DB
}

func NewSimulatorRepository(db *gorm.DB) *SimulatorRepository {
	return &SimulatorRepository{db: db}
}

func (r *SimulatorRepository) CreateSession(ctx context.Context, session *model.SimulatorSession) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("failed to create simulator session: %w", err)
	}
	return nil
}

// SaveSession writes back the mutable session fields.
func (r *SimulatorRepository) SaveSession(ctx context.Context, session *model.SimulatorSession) error {
	result := r.db.WithContext(ctx).Model(&model.SimulatorSession{}).
		Where("id = ?", session.ID).
		Updates(map[string]any{
			"current_round":  session.CurrentRound,
			"status":         session.Status,
			"final_decision": session.FinalDecision,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to save simulator session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.New(apperr.KindNotFound, "simulator session %s not found", session.ID)
	}
	return nil
}

func (r *SimulatorRepository) GetSessionByTaskID(ctx context.Context, taskInstanceID uuid.UUID) (*model.SimulatorSession, error) {
	var session model.SimulatorSession
	result := r.db.WithContext(ctx).
		Order("created_at DESC").
		First(&session, "task_instance_id = ?", taskInstanceID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "no simulator session for task %s", taskInstanceID)
		}
		return nil, fmt.Errorf("failed to retrieve simulator session: %w", result.Error)
	}
	return &session, nil
}

// AppendMessage adds one entry to the session log. Seq is assigned by the
// caller so the conversation order survives concurrent readers.
func (r *SimulatorRepository) AppendMessage(ctx context.Context, message *model.SimulatorMessage) error {
	if err := r.db.WithContext(ctx).Create(message).Error; err != nil {
		return fmt.Errorf("failed to append simulator message: %w", err)
	}
	return nil
}

func (r *SimulatorRepository) GetMessages(ctx context.Context, sessionID uuid.UUID) ([]model.SimulatorMessage, error) {
	var messages []model.SimulatorMessage
	result := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq ASC").
		Find(&messages)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to retrieve simulator messages: %w", result.Error)
	}
	return messages, nil
}

func (r *SimulatorRepository) CreateExecution(ctx context.Context, execution *model.SimulatorExecution) error {
	if err := r.db.WithContext(ctx).Create(execution).Error; err != nil {
		return fmt.Errorf("failed to create simulator execution: %w", err)
	}
	return nil
}

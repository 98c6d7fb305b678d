package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openweave/weave/internal/apperr"
	"github.com/openweave/weave/internal/llm"
	"github.com/openweave/weave/internal/workflow/model"
)

const (
	roleWeak   = "weak"
	roleStrong = "strong"

	openingToolName = "report_opening_decision"
	roundToolName   = "report_round_decision"
)

// ExecuteSimulatorTask runs a bounded weak-model/strong-model consult session
// for the task and returns its final result. Session state, the ordered
// message log and the execution row are persisted along the way.
func (s *Service) ExecuteSimulatorTask(ctx context.Context, task *model.TaskInstance) (*Result, error) {
	taskContext := decodeTaskContext(task)
	prompt := buildTaskPrompt(task, taskContext)

	session := &model.SimulatorSession{
		TaskInstanceID: task.ID,
		WeakModel:      s.cfg.WeakModel,
		StrongModel:    s.cfg.StrongModel,
		MaxRounds:      s.cfg.MaxRounds,
		Status:         model.SimulatorSessionActive,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	opening := s.decideOpening(ctx, task, prompt)

	if !opening.NeedConversation {
		return s.finishSession(ctx, session, sessionOutcome{
			decision:      model.SimulatorDecisionDirectSubmit,
			executionType: model.SimulatorExecutionDirectSubmit,
			answer:        opening.Content,
			confidence:    opening.Confidence,
			reasoning:     opening.Reasoning,
		})
	}

	outcome := s.consultLoop(ctx, session, task, prompt, opening)
	result, err := s.finishSession(ctx, session, outcome)
	if err != nil {
		return nil, err
	}
	// An interrupted session keeps its best answer on record but must not
	// complete the task.
	if outcome.decision == model.SimulatorDecisionInterrupted {
		return nil, apperr.New(apperr.KindTransient, "simulator session %s interrupted before completion", session.ID)
	}
	return result, nil
}

// openingDecision asks the weak model whether it can answer directly. A
// failed structured call falls back to the deterministic heuristic rather
// than failing the task.
func (s *Service) decideOpening(ctx context.Context, task *model.TaskInstance, prompt string) openingDecision {
	resp, err := s.client.Complete(ctx, llm.Request{
		Model: s.cfg.WeakModel,
		Messages: []llm.Message{
			{Role: "system", Content: weakOpeningSystemPrompt},
			{Role: "user", Content: prompt},
		},
		Tools: []llm.ToolDef{{
			Name:        openingToolName,
			Description: "Report whether a consultation with the expert is needed",
			Parameters:  schemaParameters(openingDecisionSchema),
		}},
		ForceTool: openingToolName,
	})
	if err == nil {
		if decision, parseErr := s.parseOpening(resp); parseErr == nil {
			return decision
		} else {
			err = parseErr
		}
	}
	slog.Warn("weak model opening call failed, using heuristic",
		"task_id", task.ID,
		"error", err)
	return heuristicOpening(task)
}

func (s *Service) parseOpening(resp *llm.Response) (openingDecision, error) {
	var decision openingDecision
	for _, call := range resp.ToolCalls {
		if call.Name != openingToolName {
			continue
		}
		if err := validateAndDecode(s.schemas.opening, call.Arguments, &decision); err != nil {
			return decision, err
		}
		return decision, nil
	}
	return decision, errors.New("completion contained no opening decision call")
}

const weakOpeningSystemPrompt = `You are a learner working on a task. An expert is available for consultation.
Decide whether you can answer directly or need to consult first. If you can answer, put the full answer in content. If not, put your opening question for the expert in content.`

const weakRoundSystemPrompt = `You are a learner consulting an expert about a task. Read the expert's latest reply and decide: submit_result if you now have the final answer, continue_conversation if you need to ask more, terminate if the consultation cannot produce an answer.`

const strongSystemPrompt = `You are an expert advisor. A learner is consulting you about a task. Answer their latest question directly and concretely.`

// sessionOutcome captures how a session terminated, before bookkeeping.
type sessionOutcome struct {
	decision      model.SimulatorDecision
	executionType model.SimulatorExecutionType
	status        model.SimulatorSessionStatus
	answer        string
	confidence    float64
	reasoning     string
}

// consultLoop runs the bounded conversation. current_round counts completed
// strong/weak exchanges; the opening message is round 0.
func (s *Service) consultLoop(ctx context.Context, session *model.SimulatorSession, task *model.TaskInstance, prompt string, opening openingDecision) sessionOutcome {
	log := &sessionLog{svc: s, session: session}
	transcript := []llm.Message{
		{Role: "user", Content: prompt},
		{Role: "assistant", Content: opening.Content},
	}
	log.append(ctx, roleWeak, opening.Content)

	bestAnswer := opening.Content
	bestConfidence := opening.Confidence

	for {
		if ctx.Err() != nil {
			return sessionOutcome{
				decision:      model.SimulatorDecisionInterrupted,
				executionType: model.SimulatorExecutionConversation,
				status:        model.SimulatorSessionInterrupted,
				answer:        bestAnswer,
				confidence:    bestConfidence,
				reasoning:     "session interrupted by cancellation",
			}
		}

		strongReply, err := s.strongTurn(ctx, transcript)
		if err != nil {
			// Retries are exhausted inside the client. Record what we have.
			slog.Error("strong model unavailable, closing session with best-effort result",
				"task_id", task.ID,
				"session_id", session.ID,
				"round", session.CurrentRound,
				"error", err)
			return sessionOutcome{
				decision:      model.SimulatorDecisionWeakTerminated,
				executionType: model.SimulatorExecutionConversation,
				status:        model.SimulatorSessionFailed,
				answer:        bestAnswer,
				confidence:    bestConfidence,
				reasoning:     fmt.Sprintf("expert unavailable: %v", err),
			}
		}
		transcript = append(transcript, llm.Message{Role: "user", Content: strongReply})
		log.append(ctx, roleStrong, strongReply)

		decision := s.weakRoundDecision(ctx, task, transcript)
		if decision.Confidence > bestConfidence && decision.Answer != "" {
			bestAnswer = decision.Answer
			bestConfidence = decision.Confidence
		}

		session.CurrentRound++
		if err := s.store.SaveSession(ctx, session); err != nil {
			slog.Warn("failed to checkpoint simulator session", "session_id", session.ID, "error", err)
		}

		switch decision.Decision {
		case "submit_result":
			log.append(ctx, roleWeak, decision.Answer)
			return sessionOutcome{
				decision:      model.SimulatorDecisionConsultComplete,
				executionType: model.SimulatorExecutionConversation,
				answer:        decision.Answer,
				confidence:    decision.Confidence,
				reasoning:     decision.Reasoning,
			}
		case "terminate":
			return sessionOutcome{
				decision:      model.SimulatorDecisionWeakTerminated,
				executionType: model.SimulatorExecutionConversation,
				answer:        "",
				confidence:    0,
				reasoning:     decision.Reasoning,
			}
		}

		if session.CurrentRound >= session.MaxRounds {
			return sessionOutcome{
				decision:      model.SimulatorDecisionMaxRounds,
				executionType: model.SimulatorExecutionConversation,
				answer:        bestAnswer,
				confidence:    bestConfidence,
				reasoning:     "round limit reached, submitting best available answer",
			}
		}

		transcript = append(transcript, llm.Message{Role: "assistant", Content: decision.Questions})
		log.append(ctx, roleWeak, decision.Questions)
	}
}

func (s *Service) strongTurn(ctx context.Context, transcript []llm.Message) (string, error) {
	messages := make([]llm.Message, 0, len(transcript)+1)
	messages = append(messages, llm.Message{Role: "system", Content: strongSystemPrompt})
	messages = append(messages, invertRoles(transcript)...)

	resp, err := s.client.Complete(ctx, llm.Request{
		Model:    s.cfg.StrongModel,
		Messages: messages,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// invertRoles flips the transcript perspective so the strong model sees the
// weak model's messages as the user's.
func invertRoles(transcript []llm.Message) []llm.Message {
	inverted := make([]llm.Message, len(transcript))
	for i, msg := range transcript {
		role := "user"
		if msg.Role == "user" {
			role = "assistant"
		}
		inverted[i] = llm.Message{Role: role, Content: msg.Content}
	}
	return inverted
}

func (s *Service) weakRoundDecision(ctx context.Context, task *model.TaskInstance, transcript []llm.Message) roundDecision {
	messages := make([]llm.Message, 0, len(transcript)+1)
	messages = append(messages, llm.Message{Role: "system", Content: weakRoundSystemPrompt})
	messages = append(messages, transcript...)

	resp, err := s.client.Complete(ctx, llm.Request{
		Model:    s.cfg.WeakModel,
		Messages: messages,
		Tools: []llm.ToolDef{{
			Name:        roundToolName,
			Description: "Report the round decision",
			Parameters:  schemaParameters(roundDecisionSchema),
		}},
		ForceTool: roundToolName,
	})
	if err == nil {
		if decision, parseErr := s.parseRound(resp); parseErr == nil {
			return decision
		} else {
			err = parseErr
		}
	}
	slog.Warn("weak model round call failed, using heuristic",
		"task_id", task.ID,
		"error", err)
	return heuristicRound(task)
}

func (s *Service) parseRound(resp *llm.Response) (roundDecision, error) {
	var decision roundDecision
	for _, call := range resp.ToolCalls {
		if call.Name != roundToolName {
			continue
		}
		if err := validateAndDecode(s.schemas.round, call.Arguments, &decision); err != nil {
			return decision, err
		}
		return decision, nil
	}
	return decision, errors.New("completion contained no round decision call")
}

// sessionLog assigns ordered sequence numbers to one session's messages.
type sessionLog struct {
	svc     *Service
	session *model.SimulatorSession
	seq     int
}

func (l *sessionLog) append(ctx context.Context, role, content string) {
	if content == "" {
		return
	}
	l.seq++
	if err := l.svc.store.AppendMessage(ctx, &model.SimulatorMessage{
		SessionID: l.session.ID,
		Seq:       l.seq,
		Role:      role,
		Content:   content,
	}); err != nil {
		slog.Warn("failed to persist simulator message",
			"session_id", l.session.ID,
			"seq", l.seq,
			"error", err)
	}
}

// finishSession writes the terminal session state plus the execution row and
// converts the outcome into a task result.
func (s *Service) finishSession(ctx context.Context, session *model.SimulatorSession, outcome sessionOutcome) (*Result, error) {
	status := outcome.status
	if status == "" {
		status = model.SimulatorSessionCompleted
	}
	session.Status = status
	session.FinalDecision = outcome.decision
	if err := s.store.SaveSession(ctx, session); err != nil {
		slog.Warn("failed to finalize simulator session", "session_id", session.ID, "error", err)
	}

	resultData, _ := json.Marshal(map[string]any{
		"answer":         outcome.answer,
		"final_decision": outcome.decision,
	})
	execution := &model.SimulatorExecution{
		SessionID:         session.ID,
		TaskInstanceID:    session.TaskInstanceID,
		ExecutionType:     outcome.executionType,
		ResultData:        resultData,
		Confidence:        outcome.confidence,
		TotalRounds:       session.CurrentRound,
		DecisionReasoning: outcome.reasoning,
	}
	if err := s.store.CreateExecution(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to record simulator execution: %w", err)
	}

	slog.Info("simulator session finished",
		"session_id", session.ID,
		"decision", outcome.decision,
		"rounds", session.CurrentRound,
		"confidence", outcome.confidence)

	return &Result{
		Data:       resultData,
		Summary:    outcome.answer,
		Confidence: outcome.confidence,
	}, nil
}

// Package agent executes agent and simulator tasks against OpenAI-compatible
// model APIs. Human tasks never pass through here.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openweave/weave/internal/apperr"
	"github.com/openweave/weave/internal/llm"
	"github.com/openweave/weave/internal/workflow/model"
	"github.com/openweave/weave/internal/workflow/wfcontext"
)

// SessionStore persists simulator sessions, messages and execution rows.
// Satisfied by repo.SimulatorRepository.
type SessionStore interface {
	CreateSession(ctx context.Context, session *model.SimulatorSession) error
	SaveSession(ctx context.Context, session *model.SimulatorSession) error
	AppendMessage(ctx context.Context, message *model.SimulatorMessage) error
	CreateExecution(ctx context.Context, execution *model.SimulatorExecution) error
}

// Config holds the model assignments for the two task kinds.
type Config struct {
	AgentModel  string
	WeakModel   string
	StrongModel string
	MaxRounds   int
}

const defaultMaxRounds = 20

// Result is what a model-driven task hands back to the task layer.
type Result struct {
	Data       json.RawMessage
	Summary    string
	Confidence float64
}

// Service runs agent and simulator tasks.
type Service struct {
	client  llm.Client
	store   SessionStore
	cfg     Config
	schemas *schemaSet
}

func NewService(client llm.Client, store SessionStore, cfg Config) (*Service, error) {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaultMaxRounds
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, fmt.Errorf("failed to compile decision schemas: %w", err)
	}
	return &Service{client: client, store: store, cfg: cfg, schemas: schemas}, nil
}

const resultToolName = "submit_task_result"

var resultToolParameters = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"result": map[string]any{
			"type":        "object",
			"description": "The structured task result",
		},
		"summary": map[string]any{
			"type":        "string",
			"description": "One-paragraph summary of what was produced",
		},
	},
	"required": []any{"result", "summary"},
}

// ExecuteAgentTask runs a single-shot agent task: prompt from the task
// context, one completion, parsed structured output.
func (s *Service) ExecuteAgentTask(ctx context.Context, task *model.TaskInstance) (*Result, error) {
	taskContext := decodeTaskContext(task)
	prompt := buildTaskPrompt(task, taskContext)

	resp, err := s.client.Complete(ctx, llm.Request{
		Model: s.cfg.AgentModel,
		Messages: []llm.Message{
			{Role: "system", Content: agentSystemPrompt(task)},
			{Role: "user", Content: prompt},
		},
		Tools: []llm.ToolDef{{
			Name:        resultToolName,
			Description: "Submit the final task result",
			Parameters:  resultToolParameters,
		}},
		ForceTool: resultToolName,
	})
	if err != nil {
		return nil, fmt.Errorf("agent completion failed: %w", err)
	}

	result, err := parseResultCall(resp)
	if err != nil {
		slog.Warn("agent returned unstructured output, wrapping as text",
			"task_id", task.ID,
			"error", err)
		return textResult(resp.Content, 0.5), nil
	}
	return result, nil
}

func agentSystemPrompt(task *model.TaskInstance) string {
	var b strings.Builder
	b.WriteString("You are an autonomous agent completing one task inside a workflow.\n")
	if task.Instructions != "" {
		b.WriteString("Instructions:\n")
		b.WriteString(task.Instructions)
		b.WriteString("\n")
	}
	b.WriteString("Call " + resultToolName + " exactly once with your final result.")
	return b.String()
}

// buildTaskPrompt renders the task description plus the one-hop upstream
// outputs into a single user message.
func buildTaskPrompt(task *model.TaskInstance, taskContext *wfcontext.TaskContext) string {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(task.Title)
	b.WriteString("\n")
	if task.Description != "" {
		b.WriteString(task.Description)
		b.WriteString("\n")
	}
	if taskContext == nil {
		return b.String()
	}
	if len(taskContext.UpstreamOutputs) > 0 {
		b.WriteString("\nOutputs from upstream steps:\n")
		for _, upstream := range taskContext.UpstreamOutputs {
			name := upstream.NodeName
			if name == "" {
				name = upstream.NodeID.String()
			}
			b.WriteString(fmt.Sprintf("- %s: %s\n", name, string(upstream.Output)))
		}
	}
	if len(taskContext.GlobalData) > 0 {
		if global, err := json.Marshal(taskContext.GlobalData); err == nil {
			b.WriteString("\nWorkflow global data: ")
			b.Write(global)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func decodeTaskContext(task *model.TaskInstance) *wfcontext.TaskContext {
	if len(task.Context) == 0 {
		return nil
	}
	var taskContext wfcontext.TaskContext
	if err := json.Unmarshal(task.Context, &taskContext); err != nil {
		slog.Warn("task carries an undecodable context snapshot",
			"task_id", task.ID,
			"error", err)
		return nil
	}
	return &taskContext
}

// parseResultCall extracts the submit_task_result call from a completion.
func parseResultCall(resp *llm.Response) (*Result, error) {
	for _, call := range resp.ToolCalls {
		if call.Name != resultToolName {
			continue
		}
		var payload struct {
			Result  json.RawMessage `json:"result"`
			Summary string          `json:"summary"`
		}
		if err := json.Unmarshal(call.Arguments, &payload); err != nil {
			return nil, apperr.Wrap(apperr.KindParse, err, "malformed %s arguments", resultToolName)
		}
		if len(payload.Result) == 0 {
			return nil, apperr.New(apperr.KindParse, "%s call carried no result", resultToolName)
		}
		return &Result{Data: payload.Result, Summary: payload.Summary, Confidence: 1}, nil
	}
	return nil, apperr.New(apperr.KindParse, "completion contained no %s call", resultToolName)
}

func textResult(content string, confidence float64) *Result {
	data, _ := json.Marshal(map[string]string{"text": content})
	return &Result{Data: data, Summary: content, Confidence: confidence}
}

package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/openweave/weave/internal/apperr"
	"github.com/openweave/weave/internal/llm"
	"github.com/openweave/weave/internal/workflow/model"
)

func TestExecuteSimulatorTask(t *testing.T) {
	ctx := context.Background()

	t.Run("Direct Submit Skips The Conversation", func(t *testing.T) {
		client := &scriptedClient{responses: []*llm.Response{
			toolResponse(openingToolName, `{"need_conversation":false,"content":"42","confidence":0.9,"reasoning":"trivial"}`),
		}}
		store := permissiveStore()
		svc := newTestService(t, client, store)

		result, err := svc.ExecuteSimulatorTask(ctx, testTask("compute the answer"))
		assert.NoError(t, err)
		assert.Equal(t, "42", result.Summary)
		assert.InDelta(t, 0.9, result.Confidence, 1e-9)

		// Only the weak model's opening call went out.
		assert.Len(t, client.calls, 1)
		assert.Equal(t, "weak-model", client.calls[0].Model)

		store.AssertCalled(t, "CreateExecution", mock.Anything, mock.MatchedBy(func(e *model.SimulatorExecution) bool {
			return e.ExecutionType == model.SimulatorExecutionDirectSubmit && e.TotalRounds == 0
		}))
	})

	t.Run("Consult Loop Completes After Expert Reply", func(t *testing.T) {
		client := &scriptedClient{responses: []*llm.Response{
			toolResponse(openingToolName, `{"need_conversation":true,"content":"How should I weigh option A?","confidence":0.4,"reasoning":"unsure"}`),
			{Content: "Weigh A by expected cost."},
			toolResponse(roundToolName, `{"decision":"continue_conversation","questions":"And option B?","confidence":0.5,"reasoning":"partial"}`),
			{Content: "B only matters under load."},
			toolResponse(roundToolName, `{"decision":"submit_result","answer":"Prefer A, fall back to B under load.","confidence":0.85,"reasoning":"expert confirmed"}`),
		}}
		store := permissiveStore()
		svc := newTestService(t, client, store)

		result, err := svc.ExecuteSimulatorTask(ctx, testTask("choose between options"))
		assert.NoError(t, err)
		assert.Equal(t, "Prefer A, fall back to B under load.", result.Summary)

		// weak opening, strong, weak, strong, weak
		assert.Len(t, client.calls, 5)
		assert.Equal(t, "strong-model", client.calls[1].Model)
		assert.Equal(t, "weak-model", client.calls[2].Model)

		store.AssertCalled(t, "CreateExecution", mock.Anything, mock.MatchedBy(func(e *model.SimulatorExecution) bool {
			return e.ExecutionType == model.SimulatorExecutionConversation && e.TotalRounds == 2
		}))
		store.AssertCalled(t, "SaveSession", mock.Anything, mock.MatchedBy(func(s *model.SimulatorSession) bool {
			return s.Status == model.SimulatorSessionCompleted && s.FinalDecision == model.SimulatorDecisionConsultComplete
		}))
	})

	t.Run("Round Limit Produces Best Available Answer", func(t *testing.T) {
		continueCall := toolResponse(roundToolName, `{"decision":"continue_conversation","questions":"More detail?","answer":"partial answer","confidence":0.6,"reasoning":"still digging"}`)
		client := &scriptedClient{responses: []*llm.Response{
			toolResponse(openingToolName, `{"need_conversation":true,"content":"Opening question","confidence":0.3,"reasoning":"unsure"}`),
			{Content: "Reply one."}, continueCall,
			{Content: "Reply two."}, continueCall,
			{Content: "Reply three."}, continueCall,
		}}
		store := permissiveStore()
		svc := newTestService(t, client, store)

		result, err := svc.ExecuteSimulatorTask(ctx, testTask("an open-ended question"))
		assert.NoError(t, err)
		assert.Equal(t, "partial answer", result.Summary)

		store.AssertCalled(t, "SaveSession", mock.Anything, mock.MatchedBy(func(s *model.SimulatorSession) bool {
			return s.FinalDecision == model.SimulatorDecisionMaxRounds && s.CurrentRound == 3
		}))
	})

	t.Run("Weak Terminate Carries No Result", func(t *testing.T) {
		client := &scriptedClient{responses: []*llm.Response{
			toolResponse(openingToolName, `{"need_conversation":true,"content":"Opening question","confidence":0.3,"reasoning":"unsure"}`),
			{Content: "Cannot help with that."},
			toolResponse(roundToolName, `{"decision":"terminate","reasoning":"expert cannot help"}`),
		}}
		store := permissiveStore()
		svc := newTestService(t, client, store)

		result, err := svc.ExecuteSimulatorTask(ctx, testTask("an impossible question"))
		assert.NoError(t, err)
		assert.Empty(t, result.Summary)
		assert.Zero(t, result.Confidence)

		store.AssertCalled(t, "SaveSession", mock.Anything, mock.MatchedBy(func(s *model.SimulatorSession) bool {
			return s.FinalDecision == model.SimulatorDecisionWeakTerminated
		}))
	})

	t.Run("Broken Structured Call Falls Back To Heuristic", func(t *testing.T) {
		// Short task with no complexity markers: the heuristic submits directly.
		client := &scriptedClient{responses: []*llm.Response{
			toolResponse(openingToolName, `{"need_conversation":"not-a-bool"}`),
		}}
		store := permissiveStore()
		svc := newTestService(t, client, store)

		result, err := svc.ExecuteSimulatorTask(ctx, testTask("tiny task"))
		assert.NoError(t, err)
		assert.Contains(t, result.Summary, "Completed as described")
		assert.Len(t, client.calls, 1)
	})

	t.Run("Complex Task Heuristic Opens With Clarifications", func(t *testing.T) {
		longDescription := "Analyze the security architecture and optimize the migration plan. " + strings.Repeat("Detail. ", 40)
		client := &scriptedClient{
			responses: []*llm.Response{
				toolResponse(openingToolName, `not json`),
				{Content: "Expert guidance."},
				toolResponse(roundToolName, `{"decision":"submit_result","answer":"final plan","confidence":0.7,"reasoning":"clear now"}`),
			},
		}
		store := permissiveStore()
		svc := newTestService(t, client, store)

		result, err := svc.ExecuteSimulatorTask(ctx, testTask(longDescription))
		assert.NoError(t, err)
		assert.Equal(t, "final plan", result.Summary)
		// The heuristic's fixed clarification list opened the conversation.
		assert.Contains(t, client.calls[1].Messages[len(client.calls[1].Messages)-1].Content, "expected format")
	})

	t.Run("Strong Model Outage Closes With Best Effort", func(t *testing.T) {
		client := &scriptedClient{
			responses: []*llm.Response{
				toolResponse(openingToolName, `{"need_conversation":true,"content":"Opening question","confidence":0.3,"reasoning":"unsure"}`),
				nil,
			},
			errs: []error{nil, apperr.New(apperr.KindTransient, "model API down")},
		}
		store := permissiveStore()
		svc := newTestService(t, client, store)

		result, err := svc.ExecuteSimulatorTask(ctx, testTask("a question"))
		assert.NoError(t, err)
		assert.Equal(t, "Opening question", result.Summary)

		store.AssertCalled(t, "SaveSession", mock.Anything, mock.MatchedBy(func(s *model.SimulatorSession) bool {
			return s.Status == model.SimulatorSessionFailed
		}))
	})

	t.Run("Cancellation Interrupts The Session", func(t *testing.T) {
		cancelledCtx, cancel := context.WithCancel(context.Background())
		cancel()

		client := &scriptedClient{responses: []*llm.Response{
			toolResponse(openingToolName, `{"need_conversation":true,"content":"Opening question","confidence":0.3,"reasoning":"unsure"}`),
		}}
		store := permissiveStore()
		svc := newTestService(t, client, store)

		// The opening call is scripted so it succeeds despite the dead context.
		// The session is recorded as interrupted and the task must fail
		// rather than complete with the partial answer.
		result, err := svc.ExecuteSimulatorTask(cancelledCtx, testTask("a question"))
		assert.Nil(t, result)
		assert.True(t, apperr.Is(err, apperr.KindTransient))

		store.AssertCalled(t, "SaveSession", mock.Anything, mock.MatchedBy(func(s *model.SimulatorSession) bool {
			return s.Status == model.SimulatorSessionInterrupted && s.FinalDecision == model.SimulatorDecisionInterrupted
		}))
		store.AssertCalled(t, "CreateExecution", mock.Anything, mock.MatchedBy(func(e *model.SimulatorExecution) bool {
			return e.DecisionReasoning == "session interrupted by cancellation"
		}))
	})
}

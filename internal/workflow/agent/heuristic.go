package agent

import (
	"strings"

	"github.com/openweave/weave/internal/workflow/model"
)

// Deterministic fallback used when the weak model's structured calls cannot
// be parsed. Short, low-complexity tasks are answered directly; anything else
// opens a conversation with a fixed clarification list.

const shortTaskThreshold = 200 // characters of description + instructions

var complexityKeywords = []string{
	"analyze", "analysis", "design", "architecture", "evaluate", "compare",
	"trade-off", "tradeoff", "optimize", "migrate", "refactor", "integrate",
	"security", "compliance", "performance",
}

var clarificationQuestions = []string{
	"What is the expected format of the final result?",
	"Are there constraints or prior decisions I should respect?",
	"What inputs from earlier steps are authoritative?",
}

func taskComplexity(task *model.TaskInstance) (length int, keywords int) {
	text := strings.ToLower(task.Description + " " + task.Instructions)
	length = len(text)
	for _, keyword := range complexityKeywords {
		if strings.Contains(text, keyword) {
			keywords++
		}
	}
	return length, keywords
}

func heuristicOpening(task *model.TaskInstance) openingDecision {
	length, keywords := taskComplexity(task)
	if length <= shortTaskThreshold && keywords == 0 {
		return openingDecision{
			NeedConversation: false,
			Content:          "Completed as described: " + task.Title,
			Confidence:       0.3,
			Reasoning:        "heuristic fallback: short task with no complexity markers",
		}
	}
	return openingDecision{
		NeedConversation: true,
		Content:          strings.Join(clarificationQuestions, "\n"),
		Confidence:       0.2,
		Reasoning:        "heuristic fallback: task judged too complex for a direct answer",
	}
}

// heuristicRound terminates the consultation so a broken structured channel
// cannot loop until the round limit.
func heuristicRound(task *model.TaskInstance) roundDecision {
	return roundDecision{
		Decision:   "terminate",
		Confidence: 0,
		Reasoning:  "heuristic fallback: weak model decision unavailable for task " + task.ID.String(),
	}
}

package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/openweave/weave/internal/apperr"
)

// Structured-call schemas for the simulator's weak model. The same documents
// are sent as function parameters and used to validate what comes back.

const openingDecisionSchema = `{
  "type": "object",
  "properties": {
    "need_conversation": {
      "type": "boolean",
      "description": "Whether a consultation with the expert is needed before answering"
    },
    "content": {
      "type": "string",
      "description": "The direct answer, or the opening question for the expert"
    },
    "confidence": {
      "type": "number",
      "minimum": 0,
      "maximum": 1
    },
    "reasoning": {
      "type": "string"
    }
  },
  "required": ["need_conversation", "content", "confidence", "reasoning"]
}`

const roundDecisionSchema = `{
  "type": "object",
  "properties": {
    "decision": {
      "type": "string",
      "enum": ["submit_result", "continue_conversation", "terminate"]
    },
    "answer": {
      "type": "string",
      "description": "Final answer, required when decision is submit_result"
    },
    "questions": {
      "type": "string",
      "description": "Follow-up questions, required when decision is continue_conversation"
    },
    "confidence": {
      "type": "number",
      "minimum": 0,
      "maximum": 1
    },
    "reasoning": {
      "type": "string"
    }
  },
  "required": ["decision", "reasoning"]
}`

type openingDecision struct {
	NeedConversation bool    `json:"need_conversation"`
	Content          string  `json:"content"`
	Confidence       float64 `json:"confidence"`
	Reasoning        string  `json:"reasoning"`
}

type roundDecision struct {
	Decision   string  `json:"decision"`
	Answer     string  `json:"answer"`
	Questions  string  `json:"questions"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

type schemaSet struct {
	opening *jsonschema.Schema
	round   *jsonschema.Schema
}

func compileSchemas() (*schemaSet, error) {
	opening, err := compileSchema("opening.json", openingDecisionSchema)
	if err != nil {
		return nil, err
	}
	round, err := compileSchema("round.json", roundDecisionSchema)
	if err != nil {
		return nil, err
	}
	return &schemaSet{opening: opening, round: round}, nil
}

func compileSchema(name, text string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("failed to register schema %s: %w", name, err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	return schema, nil
}

// validateAndDecode checks raw against schema, then unmarshals into out.
func validateAndDecode(schema *jsonschema.Schema, raw json.RawMessage, out any) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return apperr.Wrap(apperr.KindParse, err, "structured call returned invalid JSON")
	}
	if err := schema.Validate(doc); err != nil {
		return apperr.Wrap(apperr.KindParse, err, "structured call violated schema")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.Wrap(apperr.KindParse, err, "failed to decode structured call")
	}
	return nil
}

func schemaParameters(text string) map[string]any {
	var params map[string]any
	_ = json.Unmarshal([]byte(text), &params)
	return params
}

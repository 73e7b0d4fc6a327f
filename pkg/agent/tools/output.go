package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tsbx-io/tsbx/pkg/models"
)

// OutputName is the terminal tool. The task loop intercepts calls to it
// before registry dispatch: it gates on the plan, sanitizes the content, and
// completes the task.
const OutputName = "output"

// OutputArgs is the decoded argument payload of an output call.
type OutputArgs struct {
	Content    []models.ContentItem `json:"content"`
	Commentary string               `json:"commentary"`
}

// ParseOutputArgs decodes and validates output tool arguments.
func ParseOutputArgs(raw json.RawMessage) (*OutputArgs, error) {
	var args OutputArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	if len(args.Content) == 0 {
		return nil, fmt.Errorf("content must have at least one item")
	}
	for i := range args.Content {
		item := &args.Content[i]
		if item.Content == "" {
			return nil, fmt.Errorf("content item %d is empty", i)
		}
		switch item.Type {
		case "":
			item.Type = models.ContentTypeText
		case models.ContentTypeText, models.ContentTypeMarkdown, models.ContentTypeJSON, models.ContentTypeURL:
		default:
			return nil, fmt.Errorf("content item %d has unknown type %q", i, item.Type)
		}
	}
	return &args, nil
}

type output struct{}

func newOutput() *output { return &output{} }

func (t *output) Name() string { return OutputName }

func (t *output) Description() string {
	return "Deliver the final result and finish the task. Only call this once every plan item is checked."
}

func (t *output) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"content": {
				"type": "array",
				"description": "Result items, in presentation order.",
				"items": {
					"type": "object",
					"properties": {
						"type": {"type": "string", "enum": ["text", "markdown", "json", "url"]},
						"content": {"type": "string"}
					},
					"required": ["content"]
				}
			},
			"commentary": {"type": "string", "description": "What you are doing, as a present-participle phrase."}
		},
		"required": ["content", "commentary"]
	}`)
}

// Execute validates the arguments. Completion itself happens in the task
// loop, which intercepts output calls before they reach the registry.
func (t *output) Execute(_ context.Context, raw json.RawMessage) (map[string]any, error) {
	args, err := ParseOutputArgs(raw)
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": len(args.Content)}, nil
}

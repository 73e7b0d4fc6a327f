package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tsbx-io/tsbx/pkg/plan"
)

type updatePlan struct {
	plan *plan.Manager
}

func newUpdatePlan(m *plan.Manager) *updatePlan {
	return &updatePlan{plan: m}
}

func (t *updatePlan) Name() string { return "update_plan" }

func (t *updatePlan) Description() string {
	return "Overwrite the plan file. Use markdown checkboxes (- [ ] / - [x]) for tasks; output is refused while unchecked items remain."
}

func (t *updatePlan) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"content": {"type": "string", "description": "Full replacement content for the plan file."},
			"commentary": {"type": "string", "description": "What you are doing, as a present-participle phrase."}
		},
		"required": ["content", "commentary"]
	}`)
}

type updatePlanArgs struct {
	Content string `json:"content"`
}

func (t *updatePlan) Execute(_ context.Context, raw json.RawMessage) (map[string]any, error) {
	var args updatePlanArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	if err := t.plan.Update(args.Content); err != nil {
		return nil, fmt.Errorf("update plan: %w", err)
	}

	items := plan.Parse(args.Content)
	unchecked := 0
	for _, item := range items {
		if !item.Checked {
			unchecked++
		}
	}
	return map[string]any{"items": len(items), "unchecked": unchecked}, nil
}

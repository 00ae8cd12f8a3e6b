// Package decision turns an AgentInput into a Decision. Func adapts a
// plain function; LLMProvider asks an OpenAI-compatible model.
package decision

import (
	"context"
	"math"
	"strings"

	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

var (
	_ types.DecisionProvider = Func(nil)
	_ types.DecisionProvider = (*LLMProvider)(nil)
)

// Func adapts an ordinary function to types.DecisionProvider.
type Func func(ctx context.Context, input types.AgentInput, org types.OrgContext) (*types.Decision, error)

func (f Func) Decide(ctx context.Context, input types.AgentInput, org types.OrgContext) (*types.Decision, error) {
	return f(ctx, input, org)
}

// Normalize clamps confidence to [0,1] and urgency to [1,5], drops actions
// without a type and fills missing action priorities from the urgency.
func Normalize(d *types.Decision) *types.Decision {
	if d == nil {
		return nil
	}
	switch {
	case math.IsNaN(d.Confidence), d.Confidence < 0:
		d.Confidence = 0
	case d.Confidence > 1:
		d.Confidence = 1
	}
	switch {
	case d.Urgency < 1:
		d.Urgency = 1
	case d.Urgency > 5:
		d.Urgency = 5
	}
	d.Intent = strings.TrimSpace(d.Intent)

	actions := d.Actions[:0]
	for _, a := range d.Actions {
		a.Type = types.ActionType(strings.TrimSpace(string(a.Type)))
		if a.Type == "" {
			continue
		}
		if a.Priority == "" {
			a.Priority = types.PriorityFromUrgency(d.Urgency)
		}
		actions = append(actions, a)
	}
	d.Actions = actions
	return d
}

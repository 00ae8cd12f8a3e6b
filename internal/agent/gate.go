package agent

import (
	"fmt"

	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

// Gate routes a decision by confidence. Below RequireApproval the run is
// escalated; high-impact actions and provider-requested approval hold the
// run for a human at any confidence; at or above AutoExecute it runs.
type Gate struct {
	AutoExecute     float64
	RequireApproval float64
	HighImpact      map[types.ActionType]bool
}

func NewGate(autoExecute, requireApproval float64, highImpact []string) Gate {
	g := Gate{
		AutoExecute:     autoExecute,
		RequireApproval: requireApproval,
		HighImpact:      make(map[types.ActionType]bool, len(highImpact)),
	}
	for _, a := range highImpact {
		g.HighImpact[types.ActionType(a)] = true
	}
	return g
}

// Route returns StateAutoExecute, StatePendingApproval or StateEscalated
// and the reason for holding.
func (g Gate) Route(d *types.Decision) (State, string) {
	if d.Confidence < g.RequireApproval {
		return StateEscalated, fmt.Sprintf("confidence %.2f below approval threshold %.2f", d.Confidence, g.RequireApproval)
	}
	for _, a := range d.Actions {
		if g.HighImpact[a.Type] {
			return StatePendingApproval, fmt.Sprintf("high-impact action %s requires approval", a.Type)
		}
	}
	if d.RequiresApproval {
		reason := d.ApprovalReason
		if reason == "" {
			reason = "decision requested approval"
		}
		return StatePendingApproval, reason
	}
	if d.Confidence >= g.AutoExecute {
		return StateAutoExecute, ""
	}
	return StatePendingApproval, fmt.Sprintf("confidence %.2f below auto-execute threshold %.2f", d.Confidence, g.AutoExecute)
}

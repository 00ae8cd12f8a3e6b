package decision

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
	"github.com/astralisone/astralis-nextjs-sub001/pkg/llm"
)

// LLMOptions configures an LLMProvider.
type LLMOptions struct {
	Model string
	// MaxInputTokens bounds the raw content sent to the model.
	MaxInputTokens int
	// Actions lists the action types the model may choose.
	Actions []types.ActionType
	// Prompt overrides DefaultPrompt.
	Prompt string
}

// LLMProvider asks a chat model for a JSON decision.
type LLMProvider struct {
	provider  llm.Provider
	budget    *Budget
	template  *template.Template
	actions   []types.ActionType
	maxTokens int

	Now func() time.Time
}

func NewLLMProvider(p llm.Provider, opts LLMOptions) (*LLMProvider, error) {
	tmpl := defaultTemplate
	if opts.Prompt != "" {
		var err error
		if tmpl, err = template.New("decision").Parse(opts.Prompt); err != nil {
			return nil, errs.Wrap(errs.KindValidation, "decision.prompt", err)
		}
	}
	if opts.MaxInputTokens <= 0 {
		opts.MaxInputTokens = 2000
	}
	return &LLMProvider{
		provider:  p,
		budget:    NewBudget(opts.Model),
		template:  tmpl,
		actions:   opts.Actions,
		maxTokens: opts.MaxInputTokens,
		Now:       time.Now,
	}, nil
}

func (l *LLMProvider) Decide(ctx context.Context, input types.AgentInput, org types.OrgContext) (*types.Decision, error) {
	const op = "decision.decide"
	system, err := renderSystemPrompt(l.template, org, l.actions, l.Now())
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, op, err)
	}
	user, err := renderInput(input, l.budget.Truncate(input.RawContent, l.maxTokens))
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, op, err)
	}

	resp, err := l.provider.Complete(ctx, llm.Request{
		Messages: []llm.Message{llm.System(system), llm.User(user)},
		JSON:     true,
	})
	if err != nil {
		return nil, classify(op, err)
	}
	slog.Debug("decision received", "correlation_id", string(input.CorrelationID),
		"input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens)

	d, err := Parse(resp.Content)
	if err != nil {
		return nil, err
	}
	return l.filter(d, input.CorrelationID), nil
}

// filter drops actions outside the allowed set.
func (l *LLMProvider) filter(d *types.Decision, corr types.CorrelationID) *types.Decision {
	if len(l.actions) == 0 {
		return d
	}
	allowed := make(map[types.ActionType]bool, len(l.actions))
	for _, a := range l.actions {
		allowed[a] = true
	}
	kept := d.Actions[:0]
	for _, a := range d.Actions {
		if !allowed[a.Type] {
			slog.Warn("dropping unknown action from decision", "correlation_id", string(corr), "action", string(a.Type))
			continue
		}
		kept = append(kept, a)
	}
	d.Actions = kept
	return d
}

// Parse extracts the JSON decision from model output, tolerating code
// fences and surrounding prose, and normalizes it.
func Parse(content string) (*types.Decision, error) {
	const op = "decision.parse"
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return nil, errs.Validation(op, "no JSON object in model output")
	}
	var d types.Decision
	if err := json.Unmarshal([]byte(content[start:end+1]), &d); err != nil {
		return nil, errs.Wrap(errs.KindValidation, op, err)
	}
	return Normalize(&d), nil
}

func classify(op string, err error) error {
	var se *llm.StatusError
	if errors.As(err, &se) {
		return errs.FromStatus(op, se.StatusCode, se.RetryAfter, se.Body)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindTimeout, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return errs.Wrap(errs.KindTransientDelivery, op, err)
}

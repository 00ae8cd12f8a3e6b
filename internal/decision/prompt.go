package decision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

// DefaultPrompt is the system prompt template. Fields: .Time, .OrgID,
// .Settings, .Actions.
const DefaultPrompt = `You are the orchestration agent of a business automation platform.
You read one incoming event and decide which actions to take.

Current time: {{.Time}}
Organization: {{.OrgID}}
{{- if .Settings}}
Organization settings (JSON): {{.Settings}}
{{- end}}

Allowed action types:
{{- range .Actions}}
- {{.}}
{{- end}}

Answer with a single JSON object and nothing else:
{"intent": string, "confidence": number 0..1, "urgency": integer 1..5,
 "actions": [{"type": string, "priority": "low"|"normal"|"high"|"urgent", "params": object}],
 "requires_approval": boolean, "approval_reason": string, "reasoning": string}

Use only the allowed action types. Lower the confidence when the event is
ambiguous. Return an empty actions list when nothing should happen.`

type promptData struct {
	Time     string
	OrgID    string
	Settings string
	Actions  []types.ActionType
}

var defaultTemplate = template.Must(template.New("decision").Parse(DefaultPrompt))

func renderSystemPrompt(tmpl *template.Template, org types.OrgContext, actions []types.ActionType, now time.Time) (string, error) {
	data := promptData{
		Time:    now.UTC().Format(time.RFC3339),
		OrgID:   org.OrgID,
		Actions: actions,
	}
	if len(org.Settings) > 0 {
		raw, err := json.Marshal(org.Settings)
		if err != nil {
			return "", fmt.Errorf("encode org settings: %w", err)
		}
		data.Settings = string(raw)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}

// inputView is the user message handed to the model. RawContent is
// already truncated to the token budget.
type inputView struct {
	Source         types.InputSource   `json:"source"`
	Type           string              `json:"type"`
	Content        string              `json:"content"`
	StructuredData map[string]any      `json:"structured_data,omitempty"`
	Metadata       types.InputMetadata `json:"metadata"`
	Timestamp      time.Time           `json:"timestamp"`
}

func renderInput(input types.AgentInput, content string) (string, error) {
	raw, err := json.MarshalIndent(inputView{
		Source:         input.Source,
		Type:           input.Type,
		Content:        content,
		StructuredData: input.StructuredData,
		Metadata:       input.Metadata,
		Timestamp:      input.Timestamp,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode input: %w", err)
	}
	return string(raw), nil
}

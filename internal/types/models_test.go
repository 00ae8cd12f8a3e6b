// internal/types/models_test.go
package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestAgentInputSerialization(t *testing.T) {
	in := AgentInput{
		Source:        SourceEmail,
		Type:          "new_inquiry",
		RawContent:    "hello",
		Metadata:      InputMetadata{Tags: []string{"sales"}, Priority: PriorityHigh},
		Timestamp:     time.Now(),
		CorrelationID: NewCorrelationID(),
	}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	var decoded AgentInput
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.CorrelationID != in.CorrelationID {
		t.Errorf("expected correlation id %s, got %s", in.CorrelationID, decoded.CorrelationID)
	}
	if decoded.Metadata.Priority != PriorityHigh {
		t.Errorf("expected priority high, got %s", decoded.Metadata.Priority)
	}
}

func TestPriorityFromUrgency(t *testing.T) {
	tests := map[int]Priority{1: PriorityLow, 2: PriorityNormal, 3: PriorityNormal, 4: PriorityHigh, 5: PriorityUrgent}
	for urgency, want := range tests {
		if got := PriorityFromUrgency(urgency); got != want {
			t.Errorf("PriorityFromUrgency(%d) = %s, want %s", urgency, got, want)
		}
	}
}

func TestActionParams(t *testing.T) {
	var a Action
	if err := json.Unmarshal([]byte(`{"type":"create_event","params":{"title":"Call","attendees":["a","b"],"duration":30,"start":"2026-03-01T10:00:00Z"}}`), &a); err != nil {
		t.Fatal(err)
	}
	if a.String("title") != "Call" {
		t.Errorf("expected title Call, got %q", a.String("title"))
	}
	if got := a.Strings("attendees"); len(got) != 2 {
		t.Errorf("expected 2 attendees, got %v", got)
	}
	if n, ok := a.Int("duration"); !ok || n != 30 {
		t.Errorf("expected duration 30, got %d (%v)", n, ok)
	}
	if ts, ok := a.Time("start"); !ok || ts.Hour() != 10 {
		t.Errorf("expected start 10:00, got %v (%v)", ts, ok)
	}
	if a.String("missing") != "" {
		t.Error("expected empty string for missing param")
	}
}

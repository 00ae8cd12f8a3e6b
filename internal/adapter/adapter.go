// Package adapter normalizes raw trigger payloads (web forms, email,
// background-job events, database changes) into types.AgentInput and
// publishes one bus event per accepted input.
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/astralisone/astralis-nextjs-sub001/internal/bus"
	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/metrics"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

// Status is the outcome of HandleInput.
type Status string

const (
	StatusAccepted Status = "accepted"
	StatusFiltered Status = "filtered"
	StatusRejected Status = "rejected"
	StatusFailed   Status = "failed"
)

type ValidationResult struct {
	Valid     bool           `json:"valid"`
	Errors    []string       `json:"errors,omitempty"`
	Warnings  []string       `json:"warnings,omitempty"`
	Sanitized map[string]any `json:"sanitized,omitempty"`
}

func (v *ValidationResult) fail(format string, args ...any) {
	v.Valid = false
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

func (v *ValidationResult) warn(format string, args ...any) {
	v.Warnings = append(v.Warnings, fmt.Sprintf(format, args...))
}

// ProcessingResult reports what happened to one raw input. Filtered
// inputs are successful but publish nothing.
type ProcessingResult struct {
	Success       bool                `json:"success"`
	Status        Status              `json:"status"`
	Type          string              `json:"type,omitempty"`
	CorrelationID types.CorrelationID `json:"correlation_id,omitempty"`
	EventID       types.EventID       `json:"event_id,omitempty"`
	SkipReason    string              `json:"skip_reason,omitempty"`
	Errors        []string            `json:"errors,omitempty"`
	Warnings      []string            `json:"warnings,omitempty"`
}

type Stats struct {
	Source       types.InputSource `json:"source"`
	Received     int               `json:"received"`
	Accepted     int               `json:"accepted"`
	Filtered     int               `json:"filtered"`
	Rejected     int               `json:"rejected"`
	Failed       int               `json:"failed"`
	ByType       map[string]int    `json:"by_type"`
	BySkipReason map[string]int    `json:"by_skip_reason"`
	LastInputAt  time.Time         `json:"last_input_at,omitempty"`
}

// Publisher is the slice of the bus adapters need.
type Publisher interface {
	Emit(ctx context.Context, payload bus.Payload, ec bus.EmitContext) bus.EmitResult
}

// StatsReporter is implemented by every adapter.
type StatsReporter interface {
	Source() types.InputSource
	Stats() Stats
}

// normalized is what an adapter's normalize step hands back: the input to
// publish, or a skip reason when the input is intentionally filtered.
type normalized struct {
	input      types.AgentInput
	skipReason string
}

// base carries what every adapter shares: publishing, statistics and the
// outer-boundary error handling.
type base struct {
	source  types.InputSource
	pub     Publisher
	metrics *metrics.Metrics

	mu    sync.Mutex
	stats Stats

	Now func() time.Time
}

func newBase(source types.InputSource, pub Publisher, m *metrics.Metrics) base {
	return base{
		source:  source,
		pub:     pub,
		metrics: m,
		stats: Stats{
			Source:       source,
			ByType:       make(map[string]int),
			BySkipReason: make(map[string]int),
		},
		Now: time.Now,
	}
}

func (b *base) Source() types.InputSource { return b.source }

func (b *base) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.ByType = make(map[string]int, len(b.stats.ByType))
	for k, v := range b.stats.ByType {
		s.ByType[k] = v
	}
	s.BySkipReason = make(map[string]int, len(b.stats.BySkipReason))
	for k, v := range b.stats.BySkipReason {
		s.BySkipReason[k] = v
	}
	return s
}

// process runs validate → normalize → publish for one raw input. Expected
// failures come back as a rejected result; a panic in normalize is
// converted to a failed result.
func process[R any](ctx context.Context, b *base, raw R, validate func(R) ValidationResult, normalize func(R, ValidationResult) (normalized, error)) (res ProcessingResult) {
	op := string(b.source) + ".handle_input"
	b.count(func(s *Stats) { s.Received++; s.LastInputAt = b.Now() })

	defer func() {
		if r := recover(); r != nil {
			slog.Error("adapter panic", "operation", op, "panic", r)
			res = b.finish(ProcessingResult{Status: StatusFailed, Errors: []string{fmt.Sprintf("internal error: %v", r)}})
		}
	}()

	v := validate(raw)
	if !v.Valid {
		return b.finish(ProcessingResult{Status: StatusRejected, Errors: v.Errors, Warnings: v.Warnings})
	}

	n, err := normalize(raw, v)
	if err != nil {
		status := StatusFailed
		if errs.KindOf(err) == errs.KindValidation {
			status = StatusRejected
		}
		return b.finish(ProcessingResult{Status: status, Errors: []string{err.Error()}, Warnings: v.Warnings})
	}

	in := n.input
	in.Source = b.source
	if in.CorrelationID == "" {
		in.CorrelationID = types.NewCorrelationID()
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = b.Now()
	}
	if in.Metadata.Priority == "" {
		in.Metadata.Priority = types.PriorityNormal
	}

	res = ProcessingResult{Type: in.Type, CorrelationID: in.CorrelationID, Warnings: v.Warnings}
	if n.skipReason != "" {
		res.Status = StatusFiltered
		res.SkipReason = n.skipReason
		slog.Debug("input filtered", "source", string(b.source), "type", in.Type,
			"reason", n.skipReason, "correlation_id", string(in.CorrelationID))
		return b.finish(res)
	}

	emitted := b.pub.Emit(ctx, bus.InputReceived{Input: in}, bus.EmitContext{
		CorrelationID: in.CorrelationID,
		OrgID:         in.OrgID,
		Source:        string(b.source),
	})
	res.Status = StatusAccepted
	res.EventID = emitted.EventID
	slog.Info("input accepted", "source", string(b.source), "type", in.Type,
		"correlation_id", string(in.CorrelationID), "event_id", string(emitted.EventID),
		"handlers", emitted.HandlersInvoked)
	return b.finish(res)
}

func (b *base) finish(res ProcessingResult) ProcessingResult {
	res.Success = res.Status == StatusAccepted || res.Status == StatusFiltered
	b.count(func(s *Stats) {
		switch res.Status {
		case StatusAccepted:
			s.Accepted++
			s.ByType[res.Type]++
		case StatusFiltered:
			s.Filtered++
			s.BySkipReason[res.SkipReason]++
		case StatusRejected:
			s.Rejected++
		case StatusFailed:
			s.Failed++
		}
	})
	b.metrics.InputProcessed(string(b.source), string(res.Status))
	return res
}

func (b *base) count(fn func(*Stats)) {
	b.mu.Lock()
	fn(&b.stats)
	b.mu.Unlock()
}

// containsAny reports whether s contains any of subs, case-insensitively.
func containsAny(s string, subs ...string) bool {
	s = strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

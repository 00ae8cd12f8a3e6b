package adapter

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/astralisone/astralis-nextjs-sub001/internal/metrics"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

// ChangeEvent is one row change reported by a database trigger.
type ChangeEvent struct {
	Schema        string              `json:"schema,omitempty"`
	Table         string              `json:"table"`
	Operation     string              `json:"operation"`
	Old           map[string]any      `json:"old,omitempty"`
	New           map[string]any      `json:"new,omitempty"`
	OrgID         string              `json:"org_id,omitempty"`
	At            time.Time           `json:"at,omitempty"`
	CorrelationID types.CorrelationID `json:"correlation_id,omitempty"`
}

type DBTriggerOptions struct {
	IgnoredTables []string
	// IgnoredColumns are bookkeeping columns (e.g. updated_at); an UPDATE
	// touching only these is filtered.
	IgnoredColumns []string
}

type DBTrigger struct {
	base
	ignoredTables  map[string]bool
	ignoredColumns map[string]bool
}

func NewDBTrigger(pub Publisher, m *metrics.Metrics, opts DBTriggerOptions) *DBTrigger {
	d := &DBTrigger{
		base:           newBase(types.SourceDBTrigger, pub, m),
		ignoredTables:  make(map[string]bool),
		ignoredColumns: make(map[string]bool),
	}
	for _, t := range opts.IgnoredTables {
		d.ignoredTables[strings.ToLower(t)] = true
	}
	for _, c := range opts.IgnoredColumns {
		d.ignoredColumns[strings.ToLower(c)] = true
	}
	return d
}

func (d *DBTrigger) Validate(ev ChangeEvent) ValidationResult {
	v := ValidationResult{Valid: true, Sanitized: map[string]any{}}
	table := strings.ToLower(strings.TrimSpace(ev.Table))
	op := strings.ToUpper(strings.TrimSpace(ev.Operation))
	if table == "" {
		v.fail("table is required")
	}
	switch op {
	case "INSERT":
		if ev.New == nil {
			v.fail("INSERT requires new row")
		}
	case "UPDATE":
		if ev.New == nil {
			v.fail("UPDATE requires new row")
		}
		if ev.Old == nil {
			v.warn("UPDATE without old row; change detection disabled")
		}
	case "DELETE":
		if ev.Old == nil {
			v.fail("DELETE requires old row")
		}
	default:
		v.fail("unsupported operation %q", ev.Operation)
	}
	v.Sanitized["table"] = table
	v.Sanitized["operation"] = op
	if ev.Schema != "" {
		v.Sanitized["schema"] = ev.Schema
	}
	return v
}

// HandleInput classifies a change as "<table>.<operation>" and publishes it.
func (d *DBTrigger) HandleInput(ctx context.Context, ev ChangeEvent) ProcessingResult {
	return process(ctx, &d.base, ev, d.Validate, d.normalize)
}

func (d *DBTrigger) normalize(ev ChangeEvent, v ValidationResult) (normalized, error) {
	table := v.Sanitized["table"].(string)
	op := v.Sanitized["operation"].(string)

	data := v.Sanitized
	if ev.New != nil {
		data["new"] = ev.New
	}
	if ev.Old != nil {
		data["old"] = ev.Old
	}
	var changed []string
	if op == "UPDATE" && ev.Old != nil {
		changed = ChangedColumns(ev.Old, ev.New)
		data["changed_columns"] = changed
	}

	row := ev.New
	if op == "DELETE" {
		row = ev.Old
	}
	related := map[string]string{}
	if id, ok := row["id"]; ok {
		related[table+"_id"] = fmt.Sprint(id)
	}

	org := ev.OrgID
	if org == "" {
		if s, ok := row["org_id"].(string); ok {
			org = s
		}
	}

	in := types.AgentInput{
		Type:           table + "." + strings.ToLower(op),
		RawContent:     fmt.Sprintf("%s on %s %v", op, table, related),
		StructuredData: data,
		Timestamp:      ev.At,
		CorrelationID:  ev.CorrelationID,
		OrgID:          org,
		Metadata: types.InputMetadata{
			Tags:       []string{"table:" + table, strings.ToLower(op)},
			RelatedIDs: related,
		},
	}

	n := normalized{input: in}
	switch {
	case d.ignoredTables[table]:
		n.skipReason = "ignored_table"
	case op == "UPDATE" && ev.Old != nil && len(changed) == 0:
		n.skipReason = "no_changes"
	case op == "UPDATE" && ev.Old != nil && d.onlyIgnored(changed):
		n.skipReason = "ignored_columns"
	}
	return n, nil
}

func (d *DBTrigger) onlyIgnored(cols []string) bool {
	for _, c := range cols {
		if !d.ignoredColumns[strings.ToLower(c)] {
			return false
		}
	}
	return true
}

// ChangedColumns lists the columns whose values differ between before
// and after, sorted by name.
func ChangedColumns(before, after map[string]any) []string {
	var out []string
	for k, v := range after {
		if old, ok := before[k]; !ok || !reflect.DeepEqual(old, v) {
			out = append(out, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

// Package repository stores business entities (work items, pipelines,
// calendar events) as JSON documents keyed by collection and id.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"

	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

var (
	_ types.Repository = (*Memory)(nil)
	_ types.Repository = (*SQLite)(nil)
)

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkMatch(op string, match map[string]any) error {
	for k := range match {
		if !fieldName.MatchString(k) {
			return errs.Validation(op, "invalid field name %q", k)
		}
	}
	return nil
}

// Load fetches one record and decodes it into T.
func Load[T any](ctx context.Context, repo types.Repository, collection, id string) (T, error) {
	var v T
	rec, err := repo.Find(ctx, collection, id)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(rec.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return v, nil
}

// Save updates the record, creating it when it does not exist yet.
func Save[T any](ctx context.Context, repo types.Repository, collection, id string, v T) error {
	err := repo.Update(ctx, collection, id, v)
	if errors.Is(err, errs.ErrNotFound) {
		return repo.Create(ctx, collection, id, v)
	}
	return err
}

// Query returns every record in collection matching all fields, decoded into T.
func Query[T any](ctx context.Context, repo types.Repository, collection string, match map[string]any) ([]T, error) {
	recs, err := repo.FindWhere(ctx, collection, match)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := json.Unmarshal(rec.Data, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, rec.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// matches compares top-level JSON fields of doc against match, with both
// sides normalized through JSON so 3 and 3.0 compare equal.
func matches(doc json.RawMessage, match map[string]any) bool {
	if len(match) == 0 {
		return true
	}
	var fields map[string]any
	if err := json.Unmarshal(doc, &fields); err != nil {
		return false
	}
	for k, want := range match {
		got, ok := fields[k]
		if !ok || !reflect.DeepEqual(got, normalize(want)) {
			return false
		}
	}
	return true
}

func normalize(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

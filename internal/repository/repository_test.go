package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

type item struct {
	ID         string `json:"id"`
	PipelineID string `json:"pipeline_id"`
	Status     string `json:"status"`
	Score      int    `json:"score"`
	Closed     bool   `json:"closed"`
}

func backends(t *testing.T) map[string]types.Repository {
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "astralis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]types.Repository{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestRepository_CRUD(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, repo.Create(ctx, "items", "i1", item{ID: "i1", PipelineID: "p1", Status: "open"}))
			err := repo.Create(ctx, "items", "i1", item{ID: "i1"})
			assert.True(t, errors.Is(err, errs.ErrInvalidState), "duplicate create: %v", err)

			got, err := Load[item](ctx, repo, "items", "i1")
			require.NoError(t, err)
			assert.Equal(t, "p1", got.PipelineID)

			got.Status = "closed"
			require.NoError(t, repo.Update(ctx, "items", "i1", got))
			got, err = Load[item](ctx, repo, "items", "i1")
			require.NoError(t, err)
			assert.Equal(t, "closed", got.Status)

			assert.True(t, errors.Is(repo.Update(ctx, "items", "missing", got), errs.ErrNotFound))
			_, err = repo.Find(ctx, "items", "missing")
			assert.True(t, errors.Is(err, errs.ErrNotFound))

			require.NoError(t, repo.Delete(ctx, "items", "i1"))
			assert.True(t, errors.Is(repo.Delete(ctx, "items", "i1"), errs.ErrNotFound))
		})
	}
}

func TestRepository_FindWhere(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, it := range []item{
				{ID: "a", PipelineID: "p1", Status: "open", Score: 3},
				{ID: "b", PipelineID: "p1", Status: "open", Score: 5, Closed: true},
				{ID: "c", PipelineID: "p2", Status: "open", Score: 3},
			} {
				require.NoError(t, Save(ctx, repo, "items", it.ID, it))
			}

			got, err := Query[item](ctx, repo, "items", map[string]any{"pipeline_id": "p1"})
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "a", got[0].ID)

			got, err = Query[item](ctx, repo, "items", map[string]any{"score": 3, "status": "open"})
			require.NoError(t, err)
			assert.Len(t, got, 2)

			got, err = Query[item](ctx, repo, "items", map[string]any{"closed": true})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "b", got[0].ID)

			_, err = repo.FindWhere(ctx, "items", map[string]any{"bad field')": 1})
			assert.True(t, errors.Is(err, errs.ErrValidation))
		})
	}
}

func TestSave_Upserts(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()
	require.NoError(t, Save(ctx, repo, "items", "x", item{ID: "x", Status: "open"}))
	require.NoError(t, Save(ctx, repo, "items", "x", item{ID: "x", Status: "won"}))
	got, err := Load[item](ctx, repo, "items", "x")
	require.NoError(t, err)
	assert.Equal(t, "won", got.Status)
}

func TestOpenSQLite_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "astralis.db")
	db, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, db.Create(context.Background(), "items", "keep", item{ID: "keep"}))
	require.NoError(t, db.Close())

	db, err = OpenSQLite(path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Find(context.Background(), "items", "keep")
	assert.NoError(t, err)
}

package repository

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

// SQLite stores records in a single table with the document in a JSON
// text column; FindWhere filters with json_extract.
type SQLite struct {
	db *sql.DB

	Now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db, Now: time.Now}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// migrate applies embedded migrations in filename order, tracking the
// applied version in schema_version.
func migrate(db *sql.DB) error {
	files, err := fs.ReadDir(migrationsFS, "sql")
	if err != nil {
		return err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var current int
	err = tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, f := range files {
		var v int
		if _, err := fmt.Sscanf(f.Name(), "%d_", &v); err != nil {
			return fmt.Errorf("invalid migration filename %s: %w", f.Name(), err)
		}
		if v <= current {
			continue
		}
		body, err := migrationsFS.ReadFile("sql/" + f.Name())
		if err != nil {
			return err
		}
		if _, err := tx.Exec(string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", f.Name(), err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version = ?`, v); err != nil {
			return fmt.Errorf("bump schema_version: %w", err)
		}
		current = v
	}
	return tx.Commit()
}

func (s *SQLite) stamp() string { return s.Now().UTC().Format(time.RFC3339Nano) }

func (s *SQLite) Create(ctx context.Context, collection, id string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return errs.Validation("repository.create", "encode %s/%s: %v", collection, id, err)
	}
	now := s.stamp()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records(collection, id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		collection, id, string(b), now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errs.InvalidState("repository.create", "%s/%s already exists", collection, id)
		}
		return fmt.Errorf("insert %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *SQLite) Update(ctx context.Context, collection, id string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return errs.Validation("repository.update", "encode %s/%s: %v", collection, id, err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET data = ?, updated_at = ? WHERE collection = ? AND id = ?`,
		string(b), s.stamp(), collection, id)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("repository.update", "%s/%s not found", collection, id)
	}
	return nil
}

func (s *SQLite) Find(ctx context.Context, collection, id string) (*types.Record, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM records WHERE collection = ? AND id = ?`, collection, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("repository.find", "%s/%s not found", collection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select %s/%s: %w", collection, id, err)
	}
	return &types.Record{ID: id, Collection: collection, Data: json.RawMessage(data)}, nil
}

// FindWhere pushes string equality down to json_extract and checks the
// remaining fields in Go. Results are ordered by id.
func (s *SQLite) FindWhere(ctx context.Context, collection string, match map[string]any) ([]*types.Record, error) {
	if err := checkMatch("repository.find_where", match); err != nil {
		return nil, err
	}
	query := `SELECT id, data FROM records WHERE collection = ?`
	args := []any{collection}
	for _, k := range sortedFields(match) {
		if v, ok := match[k].(string); ok {
			query += ` AND json_extract(data, ?) = ?`
			args = append(args, "$."+k, v)
		}
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	var out []*types.Record
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		if matches(json.RawMessage(data), match) {
			out = append(out, &types.Record{ID: id, Collection: collection, Data: json.RawMessage(data)})
		}
	}
	return out, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, collection, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("repository.delete", "%s/%s not found", collection, id)
	}
	return nil
}

func sortedFields(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

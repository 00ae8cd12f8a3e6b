// internal/state/audit.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

// AuditLog is a JSONL-backed append-only audit store.
// Entries live in a single audit.jsonl file under the data directory.
type AuditLog struct {
	path string
	mu   sync.Mutex

	Now func() time.Time
}

// NewAuditLog creates a file-backed AuditLog rooted at the given directory.
func NewAuditLog(root string) *AuditLog {
	return &AuditLog{path: filepath.Join(root, "audit.jsonl"), Now: time.Now}
}

func (a *AuditLog) Path() string { return a.path }

// Append writes entry, filling in ID and Timestamp when unset.
func (a *AuditLog) Append(_ context.Context, entry *types.AuditLogEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if entry.ID == "" {
		entry.ID = types.NewAuditID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = a.Now().UTC()
	}

	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// Tail returns the last limit entries, oldest first. limit <= 0 returns all.
func (a *AuditLog) Tail(_ context.Context, limit int) ([]*types.AuditLogEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries, err := a.scan(func(*types.AuditLogEntry) bool { return true })
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// ForEntity returns every entry recorded against one entity, oldest first.
func (a *AuditLog) ForEntity(_ context.Context, entityType, entityID string) ([]*types.AuditLogEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.scan(func(e *types.AuditLogEntry) bool {
		return e.EntityType == entityType && e.EntityID == entityID
	})
}

// scan reads the whole file, keeping entries that match. Caller must hold mu.
func (a *AuditLog) scan(keep func(*types.AuditLogEntry) bool) ([]*types.AuditLogEntry, error) {
	f, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()

	var entries []*types.AuditLogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e types.AuditLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("unmarshal audit entry: %w", err)
		}
		if keep(&e) {
			entries = append(entries, &e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit file: %w", err)
	}
	return entries, nil
}

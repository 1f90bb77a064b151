package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/usage-relay/backend/internal/session"
	"go.opentelemetry.io/otel/attribute"
)

const (
	usageFileName   = "usage.jsonl"
	maxRecordLength = 1 << 20
)

// FileStore appends usage records as JSON lines to a single file. Each write
// is synced before SaveUsage returns.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates a FileStore in dir, or in the default XDG state
// directory when dir is empty. The directory is created if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = defaultStateDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating usage dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the full path to the usage log.
func (s *FileStore) Path() string {
	return filepath.Join(s.dir, usageFileName)
}

func (s *FileStore) SaveUsage(ctx context.Context, rec session.UsageRecord) (err error) {
	_, span := startSpan(ctx, "SaveUsage", DriverFile,
		attribute.String("usage.session_id", rec.SessionID),
		attribute.String("usage.user_id", rec.UserID),
	)
	defer func() { endSpan(span, err) }()

	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling usage record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.Path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening usage log: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing usage log: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing usage log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing usage log: %w", err)
	}
	return nil
}

// ListByUser scans the whole log. Lines that do not parse, such as a write
// torn by a crash, are skipped.
func (s *FileStore) ListByUser(ctx context.Context, userID string, limit int) (_ []session.UsageRecord, err error) {
	_, span := startSpan(ctx, "ListByUser", DriverFile, attribute.String("usage.user_id", userID))
	defer func() { endSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening usage log: %w", err)
	}
	defer f.Close()

	var out []session.UsageRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordLength)
	line := 0
	for scanner.Scan() {
		line++
		var rec session.UsageRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			log.Printf("Skipping usage log line %d: %v", line, err)
			continue
		}
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading usage log: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EndedAt.After(out[j].EndedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *FileStore) Close() error { return nil }

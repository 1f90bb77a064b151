// Package store persists finalized usage records. Open selects one of the
// SQL or file-backed implementations by driver name.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/usage-relay/backend/internal/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverFile     = "file"

	appDirName = "usage-relay"
)

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("unknown store driver")

var tracer = otel.Tracer("github.com/usage-relay/backend/internal/store")

type Config struct {
	Driver      string `yaml:"driver" env:"DRIVER"`
	DSN         string `yaml:"dsn" env:"DSN"`
	Dir         string `yaml:"dir" env:"DIR"`
	AutoMigrate bool   `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// Store is a session.Sink that can also list what it has stored.
type Store interface {
	session.Sink
	// ListByUser returns up to limit records for userID, most recently
	// ended first. A limit of zero or less returns every record.
	ListByUser(ctx context.Context, userID string, limit int) ([]session.UsageRecord, error)
	Close() error
}

var (
	_ Store = (*SQLStore)(nil)
	_ Store = (*FileStore)(nil)
)

// Open returns the store selected by cfg.Driver. SQL stores are migrated
// first when cfg.AutoMigrate is set.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverPostgres, DriverSQLite:
		if cfg.AutoMigrate {
			if err := Migrate(cfg.Driver, cfg.DSN, "up"); err != nil {
				return nil, err
			}
		}
		s, err := OpenSQL(ctx, cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverFile, "":
		s, err := NewFileStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// startSpan opens a client span for one store operation.
func startSpan(ctx context.Context, op, system string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", system))
	return tracer.Start(ctx, "store."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// endSpan records err on span, if any, and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// defaultStateDir returns ~/.local/state/usage-relay, respecting
// XDG_STATE_HOME if set.
func defaultStateDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}

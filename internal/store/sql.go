package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/usage-relay/backend/internal/session"
	"go.opentelemetry.io/otel/attribute"
	_ "modernc.org/sqlite"
)

const insertUsageSQL = `INSERT INTO usage_records (
	id, session_id, user_id, device_id, device_type,
	download, upload, download_speed, upload_speed, latency, packet_loss,
	location, ip_address, session_duration, started_at, ended_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectByUserSQL = `SELECT
	id, session_id, user_id, device_id, device_type,
	download, upload, download_speed, upload_speed, latency, packet_loss,
	location, ip_address, session_duration, started_at, ended_at
FROM usage_records
WHERE user_id = ?
ORDER BY ended_at DESC, id`

// SQLStore writes usage records to Postgres (pgx) or SQLite (modernc).
// Timestamps are stored as Unix milliseconds so one schema serves both.
type SQLStore struct {
	db     *sql.DB
	driver string
	insert string
	byUser string
}

// OpenSQL opens and pings the database. The schema must already exist.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("store dsn is required for driver %q", driver)
	}

	var sqlDriver string
	switch driver {
	case DriverPostgres:
		sqlDriver = "pgx"
	case DriverSQLite:
		sqlDriver = "sqlite"
		dsn = sqliteDSN(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s db: %w", driver, err)
	}

	s := &SQLStore{db: db, driver: driver, insert: insertUsageSQL, byUser: selectByUserSQL}
	if driver == DriverPostgres {
		s.insert = rebind(s.insert)
		s.byUser = rebind(s.byUser)
	}
	return s, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// rebind rewrites ? placeholders as $1, $2, ... for Postgres.
func rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SaveUsage inserts one record. A second record for the same session is
// rejected by the schema.
func (s *SQLStore) SaveUsage(ctx context.Context, rec session.UsageRecord) (err error) {
	ctx, span := startSpan(ctx, "SaveUsage", s.driver,
		attribute.String("usage.session_id", rec.SessionID),
		attribute.String("usage.user_id", rec.UserID),
	)
	defer func() { endSpan(span, err) }()

	_, err = s.db.ExecContext(ctx, s.insert,
		rec.ID, rec.SessionID, rec.UserID, rec.DeviceID, rec.DeviceType,
		rec.Download, rec.Upload, rec.DownloadSpeed, rec.UploadSpeed, rec.Latency, rec.PacketLoss,
		rec.Location, rec.IPAddress, rec.SessionDuration,
		toMillis(rec.StartedAt), toMillis(rec.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("insert usage record %s: %w", rec.SessionID, err)
	}
	return nil
}

func (s *SQLStore) ListByUser(ctx context.Context, userID string, limit int) (_ []session.UsageRecord, err error) {
	ctx, span := startSpan(ctx, "ListByUser", s.driver, attribute.String("usage.user_id", userID))
	defer func() { endSpan(span, err) }()

	query := s.byUser
	if limit > 0 {
		query += " LIMIT " + strconv.Itoa(limit)
	}

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var out []session.UsageRecord
	for rows.Next() {
		var rec session.UsageRecord
		var startedAt, endedAt int64
		if err := rows.Scan(
			&rec.ID, &rec.SessionID, &rec.UserID, &rec.DeviceID, &rec.DeviceType,
			&rec.Download, &rec.Upload, &rec.DownloadSpeed, &rec.UploadSpeed, &rec.Latency, &rec.PacketLoss,
			&rec.Location, &rec.IPAddress, &rec.SessionDuration, &startedAt, &endedAt,
		); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		rec.StartedAt = fromMillis(startedAt)
		rec.EndedAt = fromMillis(endedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage records: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

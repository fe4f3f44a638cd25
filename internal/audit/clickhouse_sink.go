package audit

import (
	"context"
	"fmt"
	"regexp"

	"gp-session-sync/internal/models"
)

type execer interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ClickHouseSink inserts one row per event.
type ClickHouseSink struct {
	db    execer
	table string
}

// NewClickHouseSink creates table if it does not exist.
func NewClickHouseSink(ctx context.Context, db execer, table string) (*ClickHouseSink, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid clickhouse table name %q", table)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	event_id String,
	username String,
	detected_at DateTime64(3, 'UTC'),
	original_hostname String,
	original_os String,
	original_ip String,
	original_region String,
	attempted_hostname String,
	attempted_os String,
	attempted_ip String,
	attempted_region String
) ENGINE = MergeTree ORDER BY (username, detected_at)`, table)
	if err := db.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}
	return &ClickHouseSink{db: db, table: table}, nil
}

func (s *ClickHouseSink) Append(ctx context.Context, event models.DuplicateSessionEvent) error {
	query := fmt.Sprintf(`INSERT INTO %s (event_id, username, detected_at,
	original_hostname, original_os, original_ip, original_region,
	attempted_hostname, attempted_os, attempted_ip, attempted_region)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	err := s.db.Exec(ctx, query,
		event.ID,
		event.Username,
		event.DetectedAt.UTC(),
		event.Original.Hostname,
		event.Original.OS,
		event.Original.SourceIP,
		event.Original.Region,
		event.Attempted.Hostname,
		event.Attempted.OS,
		event.Attempted.SourceIP,
		event.Attempted.Region,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", event.ID, err)
	}
	return nil
}

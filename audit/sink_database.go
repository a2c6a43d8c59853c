package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// DatabaseSink writes batches to a Postgres table via sqlx, one
// multi-row INSERT per batch.
type DatabaseSink struct {
	db    *sqlx.DB
	table string
}

// NewDatabaseSink opens a Postgres connection pool for the given DSN
// and table.
func NewDatabaseSink(dsn, table string) (*DatabaseSink, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: connecting to database sink: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &DatabaseSink{db: db, table: table}, nil
}

// WriteBatch inserts every entry in one statement so the batch commits
// atomically.
func (s *DatabaseSink) WriteBatch(entries []Event) error {
	if len(entries) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (timestamp, action, message, subject, outcome, tenant_id) VALUES ", s.table)
	args := make([]any, 0, len(entries)*6)
	for i, e := range entries {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 6
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5, base+6)
		args = append(args, e.Timestamp, e.Action, e.Message, e.Subject, e.Outcome, e.TenantID)
	}

	_, err := s.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return fmt.Errorf("audit: database batch insert: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *DatabaseSink) Close() error {
	return s.db.Close()
}

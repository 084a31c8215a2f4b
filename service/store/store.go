// Package store writes listing state into the throttle table the mail
// server reads. Every operation is a single guarded row update, so repeated
// application of the same decision is a no-op.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	sqldblogger "github.com/simukti/sqldb-logger"

	"github.com/postalops/dnsblmon/service/reconcile"
)

// ErrUnreachable means the store could not be reached or refused the
// connection. It is fatal to the run.
var ErrUnreachable = errors.New("throttle store unreachable")

// IPRecord mirrors one row of the ip_addresses table.
type IPRecord struct {
	ID            int64          `db:"id"`
	IP            string         `db:"ip"`
	Priority      int            `db:"priority"`
	OldPriority   sql.NullInt64  `db:"old_priority"`
	BlockingLists string         `db:"blocking_lists"`
	LastEvent     sql.NullString `db:"last_event"`
}

// Listed reports whether the row is in the listed state.
func (r *IPRecord) Listed() bool {
	return r.BlockingLists != ""
}

// ListedZones returns the stored zone set, sorted.
func (r *IPRecord) ListedZones() []string {
	return reconcile.Tokenize(r.BlockingLists)
}

// Store accesses the ip_addresses table of the mail server database.
type Store struct {
	db *sqlx.DB
}

// Connect opens the store connection and verifies it.
// A store that cannot be reached is fatal: without it there is nothing to
// reconcile against.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	db := sqldblogger.OpenDriver(dsn, &mysql.MySQLDriver{}, statementLogger{})
	sdb := sqlx.NewDb(db, "mysql")
	if err := sdb.PingContext(ctx); err != nil {
		_ = sdb.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, err)
	}
	return &Store{db: sdb}, nil
}

// NewWithDB wraps an existing connection. Tests only.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the store connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetAllIPs fetches every row carrying an IPv4 address, ordered by id.
// Rows without a priority read as priority 100.
func (s *Store) GetAllIPs(ctx context.Context) ([]IPRecord, error) {
	const query = `
		SELECT id, ipv4 AS ip, COALESCE(priority, 100) AS priority,
		       oldPriority AS old_priority,
		       COALESCE(blockingLists, '') AS blocking_lists,
		       lastEvent AS last_event
		FROM ip_addresses
		WHERE ipv4 IS NOT NULL
		ORDER BY id`

	var records []IPRecord
	if err := s.db.SelectContext(ctx, &records, query); err != nil {
		return nil, fmt.Errorf("failed to fetch IP records: %w", err)
	}
	return records, nil
}

// MarkListed applies the clean-to-listed transition.
// oldPriority captures the pre-transition priority exactly once: a non-NULL
// value is never overwritten, no matter how often the transition repeats.
// The blockingLists inequality guard makes reapplication a no-op.
func (s *Store) MarkListed(ctx context.Context, id int64, capturedPriority int, zones []string, listedPriority int) (bool, error) {
	canonical := reconcile.Canonical(zones)
	lastEvent := "new block from list(s) " + canonical

	const query = `
		UPDATE ip_addresses
		SET priority = ?,
		    oldPriority = CASE WHEN oldPriority IS NULL THEN ? ELSE oldPriority END,
		    blockingLists = ?,
		    lastEvent = ?
		WHERE id = ?
		  AND blockingLists != ?`

	return s.exec(ctx, query, listedPriority, capturedPriority, canonical, lastEvent, id, canonical)
}

// UpdateZones applies a zone-set change on an already listed row.
// It never touches priority or oldPriority.
func (s *Store) UpdateZones(ctx context.Context, id int64, zones []string) (bool, error) {
	canonical := reconcile.Canonical(zones)
	lastEvent := "blocking list change: " + canonical

	const query = `
		UPDATE ip_addresses
		SET blockingLists = ?,
		    lastEvent = ?
		WHERE id = ?
		  AND blockingLists != ?`

	return s.exec(ctx, query, canonical, lastEvent, id, canonical)
}

// MarkClean applies the listed-to-clean transition, restoring the captured
// priority or the fallback when no priority was captured. Guarded on the row
// actually being listed.
func (s *Store) MarkClean(ctx context.Context, id int64, fallbackPriority int) (bool, error) {
	const query = `
		UPDATE ip_addresses
		SET priority = COALESCE(oldPriority, ?),
		    oldPriority = NULL,
		    blockingLists = '',
		    lastEvent = 'block removed'
		WHERE id = ?
		  AND blockingLists != ''`

	return s.exec(ctx, query, fallbackPriority, id)
}

// exec runs one guarded update and reports whether a row changed.
// Zero rows affected is a regular outcome, not an error: the guard clause
// rejected a write that would have changed nothing.
func (s *Store) exec(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("throttle update failed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("throttle update failed: %w", err)
	}
	return affected > 0, nil
}

// statementLogger feeds store statements into the debug log.
type statementLogger struct{}

func (statementLogger) Log(_ context.Context, level sqldblogger.Level, msg string, data map[string]interface{}) {
	switch level {
	case sqldblogger.LevelError:
		slog.Error("store: "+msg, slog.Any("data", data))
	default:
		slog.Debug("store: "+msg, slog.Any("data", data))
	}
}

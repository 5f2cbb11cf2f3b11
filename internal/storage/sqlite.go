package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"courier/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS deliveries (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	at         TEXT    NOT NULL,
	at_ms      INTEGER NOT NULL,
	id         TEXT    NOT NULL,
	status     TEXT    NOT NULL,
	success    INTEGER NOT NULL,
	provider   TEXT,
	message_id TEXT,
	message    TEXT,
	attempts   INTEGER NOT NULL,
	trail      TEXT
);
CREATE INDEX IF NOT EXISTS deliveries_id ON deliveries(id);
CREATE INDEX IF NOT EXISTS deliveries_at ON deliveries(at_ms);
`

type sqliteStore struct {
	db        *sql.DB
	log       logx.Logger
	retention time.Duration

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retention: cfg.Retention, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Append(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(at, at_ms, id, status, success, provider, message_id, message, attempts, trail)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.At.UnixMilli(), e.ID, e.Status, boolInt(e.Success),
		nullStr(e.Provider), nullStr(e.MessageID), nullStr(e.Message), e.Attempts, nullStr(e.Trail),
	)
	if err == nil && s.retention > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("audit prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) Recent(ctx context.Context, n int) ([]AuditEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if n <= 0 {
		n = defaultRecent
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, id, status, success, provider, message_id, message, attempts, trail
		 FROM (SELECT * FROM deliveries ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var at string
		var success int
		var provider, msgID, message, trail sql.NullString
		if err := rows.Scan(&at, &e.ID, &e.Status, &success, &provider, &msgID, &message, &e.Attempts, &trail); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.Success = success != 0
		e.Provider, e.MessageID, e.Message, e.Trail = provider.String, msgID.String, message.String, trail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE at_ms < ?`, cutoff)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

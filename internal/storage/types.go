package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retention drops sqlite entries older than this; 0 keeps everything.
	Retention time.Duration
}

// AuditEntry is one finished delivery. Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Success   bool      `json:"success"`
	Provider  string    `json:"provider,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	Message   string    `json:"message,omitempty"`
	Attempts  int       `json:"attempts"`
	// Trail is the JSON-encoded attempt list.
	Trail string `json:"trail,omitempty"`
}

// Store is the audit persistence API.
type Store interface {
	Append(ctx context.Context, e AuditEntry) error
	// Recent returns up to n entries, newest last. n <= 0 means 100.
	Recent(ctx context.Context, n int) ([]AuditEntry, error)
	Close() error
}

const defaultRecent = 100

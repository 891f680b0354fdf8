package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled and the bot runs
// in-memory only.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// AuditEntry records a pipeline occurrence worth keeping: a promoted
// discovery, a fired alert, a retired destination. Keep it compact and
// schema-stable.
type AuditEntry struct {
	At       time.Time
	Kind     string
	ChatID   int64
	Subject  string
	OK       int
	Fail     int
	Error    string
	MetaJSON string
}

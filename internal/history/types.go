package history

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("history disabled")

// Config configures the outcome journal.
//
// Driver values:
//   - "file": dependency-free append-only JSON Lines file
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", the journal is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry records one terminal execution outcome.
// Keep it compact and schema-stable.
type Entry struct {
	At       time.Time `json:"at"`
	Source   string    `json:"source"` // "queue" or "schedule"
	Name     string    `json:"name"`
	JobID    string    `json:"job_id,omitempty"`
	Level    int       `json:"level"`
	Attempts int       `json:"attempts"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms"`
}

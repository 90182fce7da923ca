package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines files next to Path
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`  // "tg:<id>" or "api"
	Action string    `json:"action"` // "broadcast.start", "broadcast.kill", ...
	Target string    `json:"target"` // broadcast id or owner
	OK     bool      `json:"ok"`
	Error  string    `json:"error,omitempty"`
}

const defaultRecentLimit = 50

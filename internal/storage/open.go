package storage

import (
	"context"
	"errors"
	"strings"

	"wavecast/internal/broadcast"
	logx "wavecast/pkg/logx"
)

// Store is the persistence API used by the broadcast service, bot and API.
type Store interface {
	AppendOutcome(ctx context.Context, out broadcast.Outcome) error
	// RecentOutcomes returns up to limit outcomes, newest first. An empty
	// owner matches every owner.
	RecentOutcomes(ctx context.Context, owner string, limit int) ([]broadcast.Outcome, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultRecentLimit
	}
	return min(limit, 1000)
}

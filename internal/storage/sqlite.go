package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"wavecast/internal/broadcast"
	logx "wavecast/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendOutcome(ctx context.Context, o broadcast.Outcome) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(broadcast_id, owner, name, total_sent, total_failed, channels_reached,
		 total_messages, waves_completed, total_cycles, was_killed, started_at, finished_at, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.BroadcastID, o.Owner, nullStr(o.Name), o.TotalSent, o.TotalFailed, o.ChannelsReached,
		o.TotalMessages, o.WavesCompleted, o.TotalCycles, boolInt(o.WasKilled),
		o.StartedAt.UTC().Format(time.RFC3339Nano), o.FinishedAt.UTC().Format(time.RFC3339Nano), nullStr(o.Error),
	)
	return err
}

func (s *sqliteStore) RecentOutcomes(ctx context.Context, owner string, limit int) ([]broadcast.Outcome, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT broadcast_id, owner, COALESCE(name, ''), total_sent, total_failed, channels_reached,
		total_messages, waves_completed, total_cycles, was_killed, started_at, finished_at, COALESCE(err, '')
		FROM outcomes`
	args := []any{}
	if owner != "" {
		q += ` WHERE owner = ?`
		args = append(args, owner)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []broadcast.Outcome
	for rows.Next() {
		var (
			o                 broadcast.Outcome
			killed            int
			started, finished string
		)
		if err := rows.Scan(&o.BroadcastID, &o.Owner, &o.Name, &o.TotalSent, &o.TotalFailed, &o.ChannelsReached,
			&o.TotalMessages, &o.WavesCompleted, &o.TotalCycles, &killed, &started, &finished, &o.Error); err != nil {
			return nil, err
		}
		o.WasKilled = killed != 0
		o.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		o.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, target, ok, err) VALUES(?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Actor, e.Action, e.Target, boolInt(e.OK), nullStr(e.Error),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

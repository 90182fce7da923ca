package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"wavecast/internal/broadcast"
	logx "wavecast/pkg/logx"
)

// fileStore keeps history in JSON Lines files.
//
// Files:
//   - <prefix>.outcomes.jsonl (append-only, one Outcome per line)
//   - <prefix>.audit.jsonl    (append-only, one AuditEntry per line)
//
// Queries scan the outcomes file; it is meant for small deployments.
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	outcomesPath string
	outcomesFile *os.File
	auditFile    *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	outcomesPath := prefix + ".outcomes.jsonl"
	of, err := os.OpenFile(outcomesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = of.Close()
		return nil, err
	}
	return &fileStore{log: log, outcomesPath: outcomesPath, outcomesFile: of, auditFile: af}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.outcomesFile != nil {
		errs = append(errs, s.outcomesFile.Close())
		s.outcomesFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendOutcome(ctx context.Context, out broadcast.Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomesFile == nil {
		return ErrDisabled
	}
	return json.NewEncoder(s.outcomesFile).Encode(out)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrDisabled
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) RecentOutcomes(ctx context.Context, owner string, limit int) ([]broadcast.Outcome, error) {
	limit = clampLimit(limit)

	// Hold the lock so a concurrent append cannot leave a torn last line.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomesFile == nil {
		return nil, ErrDisabled
	}

	f, err := os.Open(s.outcomesPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// ring holds the newest limit matches in insertion order.
	ring := make([]broadcast.Outcome, 0, limit)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	bad := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var o broadcast.Outcome
		if err := json.Unmarshal(line, &o); err != nil {
			bad++
			continue
		}
		if owner != "" && o.Owner != owner {
			continue
		}
		if len(ring) == limit {
			copy(ring, ring[1:])
			ring = ring[:limit-1]
		}
		ring = append(ring, o)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if bad > 0 {
		s.log.Debug("skipped malformed history lines", logx.Int("count", bad))
	}

	out := make([]broadcast.Outcome, len(ring))
	for i := range ring {
		out[i] = ring[len(ring)-1-i]
	}
	return out, nil
}

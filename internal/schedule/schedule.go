// Package schedule submits broadcasts on cron or interval schedules.
//
// The service is trigger-only: each tick hands a copy of the entry's request
// to the broadcast service. A tick is skipped while the entry's previous
// broadcast is still running.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"wavecast/internal/broadcast"
	logx "wavecast/pkg/logx"
)

// Submitter is the broadcast service surface used by the scheduler.
type Submitter interface {
	StartBroadcast(ctx context.Context, req broadcast.Request) (string, error)
	ActiveNamed(name string) bool
}

// Entry is one scheduled broadcast. Request.Name is overwritten with the
// entry's run name.
type Entry struct {
	Name    string
	Spec    string
	Request broadcast.Request
}

// RunName is the broadcast name used for runs of the named schedule.
func RunName(name string) string { return "schedule:" + name }

// Info is a snapshot of one registered schedule.
type Info struct {
	Name     string    `json:"name"`
	Spec     string    `json:"spec"`
	Kind     string    `json:"kind"`
	Next     time.Time `json:"next,omitempty"`
	Prev     time.Time `json:"prev,omitempty"`
	Fired    uint64    `json:"fired"`
	Skipped  uint64    `json:"skipped"`
	LastID   string    `json:"last_id,omitempty"`
	LastErr  string    `json:"last_error,omitempty"`
}

type def struct {
	entry   Entry
	spec    Spec
	entryID cron.EntryID

	fired   uint64
	skipped uint64
	lastID  string
	lastErr string
}

type Service struct {
	mu   sync.Mutex
	sub  Submitter
	log  logx.Logger
	loc  *time.Location
	ctx  context.Context
	c    *cron.Cron
	defs map[string]*def

	// runLocks serialize the active check and the submit per schedule name.
	// They outlive reloads so a reload mid-run cannot open a second lane.
	runLocks map[string]*sync.Mutex
}

func New(sub Submitter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{sub: sub, log: log, loc: time.Local, defs: map[string]*def{}, runLocks: map[string]*sync.Mutex{}}
}

// Reconfigure replaces the registered schedules. Every entry is parsed first;
// on any error nothing changes.
func (s *Service) Reconfigure(entries []Entry) error {
	next := make(map[string]*def, len(entries))
	for _, e := range entries {
		e.Name = strings.TrimSpace(e.Name)
		if e.Name == "" {
			return fmt.Errorf("schedule name required")
		}
		if _, dup := next[e.Name]; dup {
			return fmt.Errorf("schedule %q: duplicate name", e.Name)
		}
		sp, err := Parse(e.Spec)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", e.Name, err)
		}
		e.Request.Name = RunName(e.Name)
		next[e.Name] = &def{entry: e, spec: sp}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, d := range s.defs {
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		// Keep counters for schedules that survive a reload.
		if nd, ok := next[name]; ok {
			nd.fired, nd.skipped, nd.lastID, nd.lastErr = d.fired, d.skipped, d.lastID, d.lastErr
		}
	}
	s.defs = next
	if s.c != nil {
		for _, d := range s.defs {
			s.addLocked(d)
		}
	}
	s.log.Info("schedules configured", logx.Int("count", len(next)))
	return nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.addLocked(d)
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

func (s *Service) addLocked(d *def) {
	sched, err := d.spec.Schedule()
	if err != nil {
		s.log.Warn("schedule not registered", logx.String("name", d.entry.Name), logx.Err(err))
		return
	}
	name := d.entry.Name
	d.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.Trigger(name) }))
}

// Trigger submits one run of the named schedule now. It reports the
// broadcast id, or "" when the run was skipped or rejected.
func (s *Service) Trigger(name string) (string, error) {
	s.mu.Lock()
	d, ok := s.defs[name]
	ctx := s.ctx
	lane := s.runLocks[name]
	if ok && lane == nil {
		lane = &sync.Mutex{}
		s.runLocks[name] = lane
	}
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("schedule %q not found", name)
	}
	lane.Lock()
	defer lane.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	log := s.log.With(logx.String("schedule", name))

	req := d.entry.Request
	if s.sub.ActiveNamed(req.Name) {
		s.mu.Lock()
		d.skipped++
		s.mu.Unlock()
		log.Info("previous run still active; tick skipped")
		return "", nil
	}

	id, err := s.sub.StartBroadcast(ctx, req)
	s.mu.Lock()
	d.fired++
	d.lastID = id
	d.lastErr = ""
	if err != nil {
		d.lastErr = err.Error()
	}
	s.mu.Unlock()
	if err != nil {
		log.Warn("scheduled broadcast rejected", logx.Err(err))
		return "", err
	}
	log.Info("scheduled broadcast started", logx.String("broadcast_id", id))
	return id, nil
}

// Snapshot lists schedules by name.
func (s *Service) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.defs))
	for _, d := range s.defs {
		it := Info{
			Name:    d.entry.Name,
			Spec:    d.spec.Raw,
			Kind:    d.spec.Kind.String(),
			Fired:   d.fired,
			Skipped: d.skipped,
			LastID:  d.lastID,
			LastErr: d.lastErr,
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"wavecast/internal/eventbus"
	"wavecast/internal/runtime/supervisor"
	logx "wavecast/pkg/logx"
)

// ErrNotRunning is returned by StartBroadcast when the service is stopped.
var ErrNotRunning = errors.New("broadcast service not running")

// Service runs broadcasts asynchronously, one goroutine each, and keeps
// recently finished outcomes for lookup.
type Service struct {
	mu  sync.Mutex
	cfg Config
	sup *supervisor.Supervisor

	disp *Dispatcher
	reg  *Registry
	log  logx.Logger
	bus  eventbus.Bus
	rec  Recorder

	recentMu sync.RWMutex
	recent   map[string]Outcome
}

// Deps are optional collaborators; nil fields are skipped.
type Deps struct {
	Bus      eventbus.Bus
	Recorder Recorder
	Observer Observer
}

func New(cfg Config, gw Gateway, log logx.Logger, deps Deps) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	reg := NewRegistry()
	return &Service{
		cfg:    cfg.withDefaults(),
		disp:   NewDispatcher(cfg, gw, reg, deps.Observer, log),
		reg:    reg,
		log:    log,
		bus:    deps.Bus,
		rec:    deps.Recorder,
		recent: map[string]Outcome{},
	}
}

func (s *Service) Dispatcher() *Dispatcher { return s.disp }

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
	s.disp.Apply(cfg)
	s.log.Debug("config applied", logx.Int("rps", cfg.RatePerSec), logx.Int("retry_max", cfg.RetryMax))
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.log.Info("service started")
}

// Counters reports the broadcast goroutines' supervisor counters.
func (s *Service) Counters() supervisor.Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup.Counters()
}

// Stop kills every active broadcast and waits for their loops to exit.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	killed := s.reg.List("")
	for _, st := range killed {
		s.reg.Cancel(st.BroadcastID)
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("stop incomplete", logx.Err(err))
	}
	s.log.Info("service stopped", logx.Int("killed", len(killed)), logx.Duration("took", time.Since(start)))
}

// StartBroadcast validates and registers req, then dispatches it in the
// background. Validation and resolution errors are returned synchronously.
func (s *Service) StartBroadcast(ctx context.Context, req Request) (string, error) {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return "", ErrNotRunning
	}

	rec, chans, err := s.disp.Prepare(ctx, req)
	if err != nil {
		return "", err
	}
	s.publish(eventbus.BroadcastStarted, rec.Status())

	sup.Go0("broadcast:"+rec.ID, func(runCtx context.Context) {
		out, _ := s.disp.Dispatch(runCtx, rec, req, chans)
		s.finish(out)
	})
	return rec.ID, nil
}

// Run dispatches req synchronously and records the outcome.
func (s *Service) Run(ctx context.Context, req Request) (Outcome, error) {
	rec, chans, err := s.disp.Prepare(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	s.publish(eventbus.BroadcastStarted, rec.Status())
	out, err := s.disp.Dispatch(ctx, rec, req, chans)
	s.finish(out)
	return out, err
}

func (s *Service) finish(out Outcome) {
	s.remember(out)
	if s.rec != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.rec.AppendOutcome(ctx, out); err != nil {
			s.log.Warn("outcome not persisted", logx.String("broadcast", out.BroadcastID), logx.Err(err))
		}
		cancel()
	}
	s.publish(eventbus.BroadcastFinished, out)
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

// Cancel kills one broadcast by id, or every broadcast of an owner when
// ownerOrID is not a known id.
func (s *Service) Cancel(ownerOrID string) CancelResult {
	if st, err := s.Kill(ownerOrID); err == nil {
		return CancelResult{KilledCount: 1, Killed: []Status{st}}
	}
	return s.KillOwner(ownerOrID)
}

// Kill stops the broadcast with this id.
func (s *Service) Kill(id string) (Status, error) {
	st, ok := s.reg.Cancel(id)
	if !ok {
		return Status{}, NotFound(id)
	}
	s.log.Info("broadcast kill requested", logx.String("broadcast", st.BroadcastID))
	return st, nil
}

// KillOwner stops every active broadcast of owner.
func (s *Service) KillOwner(owner string) CancelResult {
	killed := s.reg.CancelOwner(owner)
	if len(killed) > 0 {
		s.log.Info("owner broadcasts kill requested", logx.String("owner", owner), logx.Int("count", len(killed)))
	}
	return CancelResult{KilledCount: len(killed), Killed: killed}
}

// CancelOwned kills id only if it belongs to owner.
func (s *Service) CancelOwned(owner, id string) (Status, error) {
	st, ok := s.reg.Get(id)
	if !ok || st.Owner != owner {
		return Status{}, NotFound(id)
	}
	st, ok = s.reg.Cancel(id)
	if !ok {
		return Status{}, NotFound(id)
	}
	return st, nil
}

// Status lists active broadcasts of owner (all owners when empty).
func (s *Service) Status(owner string) []Status {
	return s.reg.List(owner)
}

// Lookup returns the live status of id, or its recent outcome once finished.
func (s *Service) Lookup(id string) (*Status, *Outcome, error) {
	if st, ok := s.reg.Get(id); ok {
		return &st, nil, nil
	}
	s.recentMu.RLock()
	out, ok := s.recent[id]
	s.recentMu.RUnlock()
	if ok {
		return nil, &out, nil
	}
	return nil, nil, NotFound(id)
}

// ActiveNamed reports whether a broadcast with this name is still running.
func (s *Service) ActiveNamed(name string) bool { return s.reg.ActiveNamed(name) }

func (s *Service) ActiveCount() int { return s.reg.Len() }

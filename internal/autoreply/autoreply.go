// Package autoreply answers private messages and mentions of the bot with a
// bounded number of canned replies per user.
package autoreply

import (
	"context"
	"math/rand"
	"slices"
	"strings"
	"sync"
	"time"

	"wavecast/internal/runtime/supervisor"
	kit "wavecast/internal/transport"
	logx "wavecast/pkg/logx"
)

// DefaultResponse is sent when no responses are configured.
const DefaultResponse = "Thanks for your message!"

const (
	defaultMaxPerUser  = 3
	defaultResetWindow = time.Hour
	defaultDelayMin    = time.Second
	defaultDelayMax    = 3 * time.Second
)

type Settings struct {
	Enabled      bool          `json:"enabled"`
	Responses    []string      `json:"responses"`
	WaveMode     bool          `json:"wave_mode"`
	WaveMessages []string      `json:"wave_messages"`
	MaxPerUser   int           `json:"max_per_user"`
	ResetWindow  time.Duration `json:"reset_window"`
	DelayMin     time.Duration `json:"delay_min"`
	DelayMax     time.Duration `json:"delay_max"`
}

func (s Settings) withDefaults() Settings {
	if s.MaxPerUser <= 0 {
		s.MaxPerUser = defaultMaxPerUser
	}
	if s.ResetWindow <= 0 {
		s.ResetWindow = defaultResetWindow
	}
	if s.DelayMin <= 0 && s.DelayMax <= 0 {
		s.DelayMin, s.DelayMax = defaultDelayMin, defaultDelayMax
	}
	if s.DelayMax < s.DelayMin {
		s.DelayMax = s.DelayMin
	}
	if !s.WaveMode {
		s.WaveMessages = nil
	}
	return s
}

func (s Settings) equal(o Settings) bool {
	return s.Enabled == o.Enabled && s.WaveMode == o.WaveMode &&
		s.MaxPerUser == o.MaxPerUser && s.ResetWindow == o.ResetWindow &&
		s.DelayMin == o.DelayMin && s.DelayMax == o.DelayMax &&
		slices.Equal(s.Responses, o.Responses) && slices.Equal(s.WaveMessages, o.WaveMessages)
}

// Sender is the part of the transport adapter used for replies.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type userCount struct {
	n     int
	since time.Time
}

// Status is a snapshot for operators.
type Status struct {
	Settings     Settings `json:"settings"`
	TrackedUsers int      `json:"tracked_users"`
	Replied      uint64   `json:"replied"`
}

type Service struct {
	mu      sync.Mutex
	set     Settings
	counts  map[int64]userCount
	self    string
	owners  map[int64]bool
	replied uint64
	rng     *rand.Rand

	send Sender
	log  logx.Logger
	sup  *supervisor.Supervisor
	now  func() time.Time
}

func New(set Settings, send Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		set:    set.withDefaults(),
		counts: map[int64]userCount{},
		owners: map[int64]bool{},
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		send:   send,
		log:    log,
		now:    time.Now,
	}
}

// Apply swaps settings. Any change clears per-user counts so every user
// starts fresh under the new limits; re-applying identical settings (a config
// reload that did not touch autoreply) keeps them.
func (s *Service) Apply(set Settings) {
	set = set.withDefaults()
	s.mu.Lock()
	changed := !s.set.equal(set)
	s.set = set
	cleared := 0
	if changed {
		cleared = len(s.counts)
		s.counts = map[int64]userCount{}
	}
	s.mu.Unlock()
	if !changed {
		return
	}
	s.log.Debug("settings applied",
		logx.Bool("enabled", set.Enabled),
		logx.Bool("wave_mode", set.WaveMode),
		logx.Int("max_per_user", set.MaxPerUser),
		logx.Int("counts_cleared", cleared),
	)
}

// SetIdentity sets the bot username used for mention detection and the
// owners whose messages are never answered.
func (s *Service) SetIdentity(username string, owners []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.self = strings.TrimPrefix(strings.TrimSpace(username), "@")
	s.owners = make(map[int64]bool, len(owners))
	for _, id := range owners {
		s.owners[id] = true
	}
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
	return Status{Settings: s.set, TrackedUsers: len(s.counts), Replied: s.replied}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
}

// Counters reports the reply goroutines' supervisor counters.
func (s *Service) Counters() supervisor.Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup.Counters()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup != nil {
		_ = sup.Stop(ctx)
	}
}

// Decide reports the reply text for msg and charges it to the sender's
// count, or returns false when no reply is due.
func (s *Service) Decide(msg *kit.Message) (string, time.Duration, bool) {
	if msg == nil || msg.FromIsBot || msg.FromID == 0 {
		return "", 0, false
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.set
	if !set.Enabled {
		return "", 0, false
	}
	if s.owners[msg.FromID] && strings.HasPrefix(strings.TrimSpace(msg.Text), "/") {
		return "", 0, false
	}
	if !msg.IsPrivate && !mentions(msg.Text, s.self) {
		return "", 0, false
	}

	s.pruneLocked(now)
	uc, ok := s.counts[msg.FromID]
	if !ok {
		uc = userCount{since: now}
	}
	if uc.n >= set.MaxPerUser {
		s.log.Debug("reply limit reached", logx.Int64("user", msg.FromID), logx.Int("count", uc.n))
		return "", 0, false
	}
	uc.n++
	s.counts[msg.FromID] = uc

	var text string
	switch {
	case set.WaveMode && len(set.WaveMessages) > 0:
		text = set.WaveMessages[(uc.n-1)%len(set.WaveMessages)]
	case len(set.Responses) > 0:
		text = set.Responses[s.rng.Intn(len(set.Responses))]
	default:
		text = DefaultResponse
	}

	delay := set.DelayMin
	if span := set.DelayMax - set.DelayMin; span > 0 {
		delay += time.Duration(s.rng.Int63n(int64(span) + 1))
	}
	return text, delay, true
}

// Handle replies to msg after the configured delay, in the background.
// It reports whether a reply was scheduled.
// Nothing is charged to the user while the service is stopped.
func (s *Service) Handle(msg *kit.Message) bool {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil || s.send == nil {
		return false
	}
	text, delay, ok := s.Decide(msg)
	if !ok {
		return false
	}

	to := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	sup.Go0("autoreply", func(ctx context.Context) {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if _, err := s.send.SendText(sctx, to, text, &kit.SendOptions{ReplyTo: msg.ID}); err != nil {
			s.log.Warn("auto-reply failed", logx.Int64("chat", msg.ChatID), logx.Err(err))
			return
		}
		s.mu.Lock()
		s.replied++
		s.mu.Unlock()
		s.log.Debug("auto-replied", logx.Int64("chat", msg.ChatID), logx.Int64("user", msg.FromID), logx.Duration("delay", delay))
	})
	return true
}

func (s *Service) pruneLocked(now time.Time) {
	for id, uc := range s.counts {
		if now.Sub(uc.since) >= s.set.ResetWindow {
			delete(s.counts, id)
		}
	}
}

func mentions(text, self string) bool {
	if self == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), "@"+strings.ToLower(self))
}

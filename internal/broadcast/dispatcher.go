package broadcast

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	logx "wavecast/pkg/logx"
)

// Dispatcher validates broadcast requests and runs the cycle/wave/channel loops.
type Dispatcher struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	gw  Gateway
	reg *Registry
	obs Observer
	log logx.Logger

	now func() time.Time
}

func NewDispatcher(cfg Config, gw Gateway, reg *Registry, obs Observer, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if obs == nil {
		obs = nopObserver{}
	}
	if reg == nil {
		reg = NewRegistry()
	}
	d := &Dispatcher{gw: gw, reg: reg, obs: obs, log: log, now: time.Now}
	d.Apply(cfg)
	return d
}

// Apply swaps policy and pacing. Broadcasts in flight pick up the new limiter on their next send.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	d.mu.Lock()
	d.cfg = cfg
	d.limiter = lim
	d.mu.Unlock()
}

func (d *Dispatcher) config() (Config, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.limiter
}

func (d *Dispatcher) Registry() *Registry { return d.reg }

// Validate checks request shape and policy limits. It does not touch the gateway.
func (d *Dispatcher) Validate(req Request) error {
	cfg, _ := d.config()
	if len(req.Channels) == 0 {
		return validation("channels", "channels are required")
	}
	if len(req.Messages) == 0 {
		return validation("messages", "messages are required")
	}
	for i, ch := range req.Channels {
		if strings.TrimSpace(ch) == "" {
			return validation("channels", "channel %d is empty", i)
		}
	}
	if cfg.MaxChannels > 0 && len(req.Channels) > cfg.MaxChannels {
		return validation("channels", "too many channels (maximum %d)", cfg.MaxChannels)
	}
	if req.WaveCount < 1 {
		return validation("wave_count", "wave count must be at least 1")
	}
	if req.WaveCount > cfg.MaxWaves {
		return validation("wave_count", "wave count too high (maximum %d)", cfg.MaxWaves)
	}
	if req.Multiplier < 1 {
		return validation("multiplier", "multiplier must be at least 1")
	}
	if req.Multiplier > cfg.MaxMultiplier {
		return validation("multiplier", "multiplier too high (maximum %d)", cfg.MaxMultiplier)
	}
	if req.DelayBetweenChannels < 0 || req.DelayBetweenWaves < 0 || req.DelayBetweenCycles < 0 {
		return validation("delay", "delays must be >= 0")
	}
	return nil
}

// Run validates, registers, and dispatches req, blocking until it terminates.
func (d *Dispatcher) Run(ctx context.Context, req Request) (Outcome, error) {
	rec, chans, err := d.Prepare(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	return d.Dispatch(ctx, rec, req, chans)
}

// Prepare validates req, resolves every channel once, and registers a control
// record. On error nothing is registered.
func (d *Dispatcher) Prepare(ctx context.Context, req Request) (*ControlRecord, []Channel, error) {
	if err := d.Validate(req); err != nil {
		d.obs.BroadcastRejected()
		return nil, nil, err
	}

	chans := make([]Channel, 0, len(req.Channels))
	for _, id := range req.Channels {
		ch, err := d.gw.Resolve(ctx, id)
		if err != nil {
			d.obs.BroadcastRejected()
			d.log.Info("broadcast rejected: channel unresolved", logx.String("owner", req.Owner), logx.String("channel", id), logx.Err(err))
			return nil, nil, unresolved(id, err)
		}
		chans = append(chans, ch)
	}

	now := d.now()
	rec := newControlRecord(newBroadcastID(req.Owner, now), req, now)
	if err := d.reg.Register(rec); err != nil {
		return nil, nil, err
	}
	return rec, chans, nil
}

func newBroadcastID(owner string, now time.Time) string {
	if owner == "" {
		owner = "anon"
	}
	return "bc:" + owner + ":" + strconv.FormatInt(now.UnixNano(), 36) + "-" + uuid.NewString()[:8]
}

// Dispatch runs the loops for a prepared record. The record is removed from
// the registry on every return path.
func (d *Dispatcher) Dispatch(ctx context.Context, rec *ControlRecord, req Request, chans []Channel) (out Outcome, err error) {
	log := d.log.With(logx.String("broadcast", rec.ID), logx.String("owner", rec.Owner))
	if rec.Name != "" {
		log = log.With(logx.String("name", rec.Name))
	}

	// Shutdown stops the broadcast the same way a kill does.
	stopWatch := context.AfterFunc(ctx, func() { rec.Stop() })
	d.obs.BroadcastStarted()

	waves := 0
	completed := false
	defer func() {
		stopWatch()
		d.reg.Remove(rec.ID)

		if r := recover(); r != nil {
			log.Error("broadcast aborted by panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = internal("dispatch", fmt.Errorf("panic: %v", r))
		}

		out = Outcome{
			BroadcastID:     rec.ID,
			Owner:           rec.Owner,
			Name:            rec.Name,
			TotalSent:       rec.Sent(),
			TotalFailed:     rec.Failed(),
			ChannelsReached: len(chans),
			TotalMessages:   rec.Total,
			WavesCompleted:  waves,
			TotalCycles:     req.Multiplier,
			WasKilled:       !completed,
			StartedAt:       rec.StartedAt,
			FinishedAt:      d.now(),
		}
		if completed {
			out.WavesCompleted = req.WaveCount * req.Multiplier
		}
		if err != nil {
			out.WasKilled = false
			out.Error = err.Error()
		}
		d.obs.BroadcastFinished(out.Result())

		fields := []logx.Field{
			logx.Int("sent", out.TotalSent),
			logx.Int("failed", out.TotalFailed),
			logx.Int("total", out.TotalMessages),
			logx.Int("waves", out.WavesCompleted),
			logx.Duration("dur", out.FinishedAt.Sub(out.StartedAt)),
		}
		switch {
		case err != nil:
			log.Error("broadcast failed", append(fields, logx.Err(err))...)
		case out.WasKilled:
			log.Info("broadcast killed", fields...)
		case out.TotalFailed > 0:
			log.Warn("broadcast finished with failures", fields...)
		default:
			log.Info("broadcast finished", fields...)
		}
	}()

	log.Info("broadcast started",
		logx.Int("channels", len(chans)),
		logx.Int("waves", req.WaveCount),
		logx.Int("cycles", req.Multiplier),
		logx.Int("total", rec.Total),
	)
	completed = d.loop(ctx, rec, req, chans, &waves, log)
	return out, nil
}

// loop reports whether every send was attempted. Each loop body starts with a
// running check, so a kill is observed before the next send or delay.
func (d *Dispatcher) loop(ctx context.Context, rec *ControlRecord, req Request, chans []Channel, waves *int, log logx.Logger) bool {
	for cycle := 0; cycle < req.Multiplier; cycle++ {
		if !alive(ctx, rec) {
			log.Debug("kill observed", logx.Int("cycle", cycle+1))
			return false
		}
		for wave := 0; wave < req.WaveCount; wave++ {
			if !alive(ctx, rec) {
				log.Debug("kill observed", logx.Int("cycle", cycle+1), logx.Int("wave", wave+1))
				return false
			}
			*waves++
			msg := req.Messages[wave%len(req.Messages)]
			log.Debug("wave started", logx.Int("cycle", cycle+1), logx.Int("wave", wave+1))

			for i, ch := range chans {
				if !alive(ctx, rec) {
					log.Debug("kill observed", logx.Int("cycle", cycle+1), logx.Int("wave", wave+1), logx.Int("channel", i))
					return false
				}
				if !d.sendOne(ctx, rec, ch, msg, log) {
					log.Debug("kill observed while pacing", logx.Int("cycle", cycle+1), logx.Int("wave", wave+1), logx.Int("channel", i))
					return false
				}
				if i < len(chans)-1 {
					_ = rec.wait(ctx, req.DelayBetweenChannels)
				}
			}
			if wave < req.WaveCount-1 {
				_ = rec.wait(ctx, req.DelayBetweenWaves)
			}
		}
		if cycle < req.Multiplier-1 {
			_ = rec.wait(ctx, req.DelayBetweenCycles)
		}
	}
	return true
}

// alive reports the running flag, stopping rec first if ctx is already done.
func alive(ctx context.Context, rec *ControlRecord) bool {
	if ctx.Err() != nil {
		rec.Stop()
	}
	return rec.Running()
}

// sendOne performs one counted send attempt, with retries inside it. It
// returns false when the broadcast stopped while pacing and nothing was sent.
func (d *Dispatcher) sendOne(ctx context.Context, rec *ControlRecord, ch Channel, text string, log logx.Logger) bool {
	cfg, lim := d.config()
	if err := pace(ctx, rec, lim); err != nil {
		return false
	}

	start := time.Now()
	var err error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		err = boundedSend(ctx, d.gw, ch, text, cfg.SendTimeout)
		if err == nil || attempt == cfg.RetryMax || !rec.Running() {
			break
		}
		log.Debug("send retry scheduled", logx.String("channel", ch.ID), logx.Int("attempt", attempt+2), logx.Err(err))
		if rec.wait(ctx, cfg.RetryDelay) != nil {
			break
		}
	}
	took := time.Since(start)

	if err != nil {
		rec.failed.Add(1)
		log.Warn("send failed", logx.String("channel", ch.ID), logx.Err(err))
	} else {
		rec.sent.Add(1)
	}
	d.obs.SendFinished(err == nil, took)
	return true
}

func pace(ctx context.Context, rec *ControlRecord, lim *rate.Limiter) error {
	if lim == nil {
		return nil
	}
	r := lim.Reserve()
	if !r.OK() {
		return nil
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	if err := rec.wait(ctx, delay); err != nil {
		r.Cancel()
		return err
	}
	return nil
}

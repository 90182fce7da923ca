// Package app wires configuration, transport, and services into a running
// process and applies config reloads to them.
package app

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"wavecast/internal/api"
	"wavecast/internal/autoreply"
	"wavecast/internal/bot"
	"wavecast/internal/broadcast"
	"wavecast/internal/chats"
	"wavecast/internal/config"
	"wavecast/internal/eventbus"
	"wavecast/internal/metrics"
	"wavecast/internal/runtime/supervisor"
	"wavecast/internal/schedule"
	"wavecast/internal/storage"
	kit "wavecast/internal/transport"
	"wavecast/internal/transport/telegram"
	logx "wavecast/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter

	broadcasts *broadcast.Service
	replies    *autoreply.Service
	sched      *schedule.Service
	router     *bot.Router
	api        *api.Server
	dir        *chats.Directory

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The chat sink needs the adapter, which needs a logger: wire the sender after.
	logSvc, log := logx.New(mapLogConfig(cfg), nil)

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	logSvc.SetSender(ad)

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	m, metricsHandler := metrics.New()

	bcfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}
	deps := broadcast.Deps{Bus: bus, Observer: m}
	if store != nil {
		deps.Recorder = store
	}
	broadcasts := broadcast.New(bcfg, broadcast.AdapterGateway{Adapter: ad}, log.With(logx.String("comp", "broadcast")), deps)

	arSet, err := mapAutoReplySettings(cfg)
	if err != nil {
		return nil, err
	}
	replies := autoreply.New(arSet, ad, log.With(logx.String("comp", "autoreply")))
	replies.SetIdentity(ad.Username(), cfg.Telegram.OwnerUserIDs)

	sched := schedule.New(broadcasts, log.With(logx.String("comp", "schedule")))
	entries, err := mapSchedules(cfg)
	if err != nil {
		return nil, err
	}
	if err := sched.Reconfigure(entries); err != nil {
		return nil, err
	}

	dir := chats.NewDirectory(0)
	inviter := chats.Inviter{Dir: dir, Links: ad}
	router := bot.New(ad, bot.Deps{
		Broadcasts: broadcasts,
		Chats:      dir,
		Invites:    inviter,
		AutoReply:  replies,
		Schedules:  sched,
		Bus:        bus,
	}, cfg.Telegram.OwnerUserIDs, log.With(logx.String("comp", "commands")))

	a := &App{
		cfgm:       cfgm,
		log:        log.With(logx.String("comp", "app")),
		logs:       logSvc,
		bus:        bus,
		store:      store,
		adapter:    ad,
		broadcasts: broadcasts,
		replies:    replies,
		sched:      sched,
		router:     router,
		dir:        dir,
		updates:    make(chan kit.Update, 256),
	}

	if cfg.HTTP.Enabled {
		hc, err := mapHTTPConfig(cfg)
		if err != nil {
			return nil, err
		}
		apiDeps := api.Deps{
			Broadcasts: broadcasts,
			Chats:      dir,
			Invites:    inviter,
			AutoReply:  replies,
			Metrics:    metricsHandler,
			Observer:   m,
			Runtime:    a.runtimeCounters,
		}
		if store != nil {
			apiDeps.Store = store
		}
		a.api = api.New(hc, apiDeps, log.With(logx.String("comp", "api")))
	}
	return a, nil
}

// Handler is the HTTP API handler, or nil when the API is disabled.
func (a *App) Handler() http.Handler {
	if a.api == nil {
		return nil
	}
	return a.api.Handler()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// runtimeCounters sums the app supervisor with the service supervisors
// that run broadcasts and replies.
func (a *App) runtimeCounters() supervisor.Counters {
	return a.sup.Counters().Add(a.broadcasts.Counters()).Add(a.replies.Counters())
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		entries, err := mapSchedules(cfg)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if _, err := schedule.Parse(e.Spec); err != nil {
				return fmt.Errorf("schedule %q: %w", e.Name, err)
			}
		}
		_, _, err = mapStorageConfig(cfg)
		return err
	})

	runCtx := a.sup.Context()
	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	a.broadcasts.Start(runCtx)
	a.replies.Start(runCtx)
	a.sched.Start(runCtx)
	if a.api != nil {
		if err := a.api.Start(runCtx); err != nil {
			return fmt.Errorf("http api: %w", err)
		}
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("bot", a.adapter.Username()), logx.Bool("http", a.api != nil), logx.Bool("storage", a.store != nil))
	return nil
}

// applyConfig pushes a validated config into the running services.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, changedSchedules := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range []string{"storage", "http"} {
		if slices.Contains(sections, s) {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}
	if slices.Contains(sections, "telegram") && oldCfg.Telegram.Token != newCfg.Telegram.Token {
		a.log.Warn("telegram token changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.router.SetOwners(newCfg.Telegram.OwnerUserIDs)
	a.replies.SetIdentity(a.adapter.Username(), newCfg.Telegram.OwnerUserIDs)

	if bcfg, err := mapBroadcastConfig(newCfg); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.broadcasts.Apply(bcfg)
	}
	if set, err := mapAutoReplySettings(newCfg); err != nil {
		a.log.Warn("invalid autoreply config; keeping previous", logx.Err(err))
	} else {
		a.replies.Apply(set)
	}
	if len(changedSchedules) > 0 {
		entries, err := mapSchedules(newCfg)
		if err == nil {
			err = a.sched.Reconfigure(entries)
		}
		if err != nil {
			a.log.Warn("invalid schedules; keeping previous", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Scheduler first so no new broadcasts start while the rest unwinds.
	a.step(ctx, "schedule", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "api", 3*time.Second, func(c context.Context) error {
		if a.api != nil {
			return a.api.Stop(c)
		}
		return nil
	})
	a.step(ctx, "broadcasts", 5*time.Second, func(c context.Context) error { a.broadcasts.Stop(c); return nil })
	a.step(ctx, "autoreply", 1*time.Second, func(c context.Context) error { a.replies.Stop(c); return nil })

	a.sup.Cancel()
	a.step(ctx, "adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	a.step(ctx, "storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. It never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = rem
		}
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}

package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"wavecast/internal/api"
	"wavecast/internal/autoreply"
	"wavecast/internal/broadcast"
	"wavecast/internal/config"
	"wavecast/internal/schedule"
	"wavecast/internal/storage"
	logx "wavecast/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	if id, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.OpsChat), 10, 64); err == nil {
		lc.Chat.ChatID = id
	}
	return lc
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	b := cfg.Broadcast
	out := broadcast.Config{
		MaxWaves:      b.MaxWaves,
		MaxMultiplier: b.MaxMultiplier,
		MaxChannels:   b.MaxChannels,
		RatePerSec:    b.RatePerSec,
		RetryMax:      b.RetryMax,
		RecentMax:     b.RecentMax,
	}
	var err error
	if out.SendTimeout, err = config.ParseDurationField("broadcast.send_timeout", b.SendTimeout); err != nil {
		return out, err
	}
	if out.RetryDelay, err = config.ParseDurationField("broadcast.retry_delay", b.RetryDelay); err != nil {
		return out, err
	}
	if out.RecentTTL, err = config.ParseDurationField("broadcast.recent_ttl", b.RecentTTL); err != nil {
		return out, err
	}
	return out, nil
}

func mapAutoReplySettings(cfg *config.Config) (autoreply.Settings, error) {
	ar := cfg.AutoReply
	out := autoreply.Settings{
		Enabled:      ar.Enabled,
		Responses:    ar.Responses,
		WaveMode:     ar.WaveMode,
		WaveMessages: ar.WaveMessages,
		MaxPerUser:   ar.MaxPerUser,
	}
	var err error
	if out.ResetWindow, err = config.ParseDurationField("autoreply.reset_window", ar.ResetWindow); err != nil {
		return out, err
	}
	if out.DelayMin, err = config.ParseDurationField("autoreply.delay_min", ar.DelayMin); err != nil {
		return out, err
	}
	if out.DelayMax, err = config.ParseDurationField("autoreply.delay_max", ar.DelayMax); err != nil {
		return out, err
	}
	return out, nil
}

// mapSchedules converts enabled schedule entries. Delays default to the
// same values as the HTTP API.
func mapSchedules(cfg *config.Config) ([]schedule.Entry, error) {
	out := make([]schedule.Entry, 0, len(cfg.Schedules))
	for i, s := range cfg.Schedules {
		if s.Disabled {
			continue
		}
		path := fmt.Sprintf("schedules[%d]", i)
		owner := strings.TrimSpace(s.Owner)
		if owner == "" {
			owner = schedule.RunName(s.Name)
		}
		req := broadcast.Request{
			Owner:      owner,
			Channels:   s.Channels,
			Messages:   s.Messages,
			WaveCount:  max(s.Waves, 1),
			Multiplier: max(s.Multiplier, 1),
		}
		var err error
		if req.DelayBetweenChannels, err = config.ParseDurationOrDefault(path+".delay", s.Delay, 500*time.Millisecond); err != nil {
			return nil, err
		}
		if req.DelayBetweenWaves, err = config.ParseDurationOrDefault(path+".wave_delay", s.WaveDelay, time.Second); err != nil {
			return nil, err
		}
		if req.DelayBetweenCycles, err = config.ParseDurationOrDefault(path+".cycle_delay", s.CycleDelay, 2*time.Second); err != nil {
			return nil, err
		}
		out = append(out, schedule.Entry{Name: s.Name, Spec: s.Spec, Request: req})
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapHTTPConfig(cfg *config.Config) (api.Config, error) {
	h := cfg.HTTP
	out := api.Config{
		Addr:  strings.TrimSpace(h.Addr),
		Token: strings.TrimSpace(h.Token),
		Profile: api.ProfileConfig{
			Enabled:              h.Pprof.Enabled,
			MutexProfileFraction: h.Pprof.MutexProfileFraction,
			BlockProfileRate:     h.Pprof.BlockProfileRate,
		},
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 15*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 15*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

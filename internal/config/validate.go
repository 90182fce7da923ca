package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Validate checks fields that would otherwise fail late, at Apply time.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token: required"))
	}
	_, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)

	b := cfg.Broadcast
	for _, f := range []struct {
		name string
		v    int
	}{
		{"broadcast.max_waves", b.MaxWaves},
		{"broadcast.max_multiplier", b.MaxMultiplier},
		{"broadcast.max_channels", b.MaxChannels},
		{"broadcast.rate_per_sec", b.RatePerSec},
		{"broadcast.retry_max", b.RetryMax},
		{"broadcast.recent_max", b.RecentMax},
	} {
		if f.v < 0 {
			add(fmt.Errorf("%s: must be >= 0", f.name))
		}
	}
	for path, raw := range map[string]string{
		"broadcast.send_timeout": b.SendTimeout,
		"broadcast.retry_delay":  b.RetryDelay,
		"broadcast.recent_ttl":   b.RecentTTL,
		"autoreply.reset_window": cfg.AutoReply.ResetWindow,
		"autoreply.delay_min":    cfg.AutoReply.DelayMin,
		"autoreply.delay_max":    cfg.AutoReply.DelayMax,
		"http.read_timeout":      cfg.HTTP.ReadTimeout,
		"http.write_timeout":     cfg.HTTP.WriteTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if ar := cfg.AutoReply; ar.Enabled {
		if ar.WaveMode && len(ar.WaveMessages) == 0 {
			add(errors.New("autoreply.wave_messages: required when wave_mode is set"))
		}
		if ar.MaxPerUser < 0 {
			add(errors.New("autoreply.max_per_user: must be >= 0"))
		}
		lo, _ := ParseDurationField("autoreply.delay_min", ar.DelayMin)
		hi, _ := ParseDurationField("autoreply.delay_max", ar.DelayMax)
		if hi > 0 && lo > hi {
			add(errors.New("autoreply.delay_min: exceeds delay_max"))
		}
	}

	seen := map[string]bool{}
	for i, s := range cfg.Schedules {
		path := fmt.Sprintf("schedules[%d]", i)
		name := strings.TrimSpace(s.Name)
		if name == "" {
			add(fmt.Errorf("%s.name: required", path))
		} else if seen[name] {
			add(fmt.Errorf("%s.name: duplicate %q", path, name))
		}
		seen[name] = true
		if strings.TrimSpace(s.Spec) == "" {
			add(fmt.Errorf("%s.spec: required", path))
		}
		if len(s.Channels) == 0 {
			add(fmt.Errorf("%s.channels: required", path))
		}
		if len(s.Messages) == 0 {
			add(fmt.Errorf("%s.messages: required", path))
		}
		for k, raw := range map[string]string{"delay": s.Delay, "wave_delay": s.WaveDelay, "cycle_delay": s.CycleDelay} {
			_, err := ParseDurationField(path+"."+k, raw)
			add(err)
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout)
		add(err)
	}

	if h := cfg.HTTP; h.Enabled && strings.TrimSpace(h.Token) == "" && !h.AllowInsecure && !IsLoopbackAddr(h.Addr) {
		add(fmt.Errorf("http.token: required when binding to non-loopback address %q", h.Addr))
	}

	return errors.Join(errs...)
}

// IsLoopbackAddr reports whether addr binds only to the local host.
// An empty address means the default loopback bind.
func IsLoopbackAddr(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

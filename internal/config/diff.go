package config

import (
	"reflect"
	"sort"
	"strings"

	logx "wavecast/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes tokens),
// and (3) the names of schedules that were added, removed or edited.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.OpsChat) != strings.TrimSpace(newCfg.Telegram.OpsChat) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.ops_chat_set", strings.TrimSpace(newCfg.Telegram.OpsChat) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Broadcast != newCfg.Broadcast {
		b := newCfg.Broadcast
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Int("broadcast.max_waves", b.MaxWaves),
			logx.Int("broadcast.max_multiplier", b.MaxMultiplier),
			logx.Int("broadcast.rate_per_sec", b.RatePerSec),
			logx.Int("broadcast.retry_max", b.RetryMax),
			logx.String("broadcast.send_timeout", strings.TrimSpace(b.SendTimeout)),
		)
	}

	if hashJSON(oldCfg.AutoReply) != hashJSON(newCfg.AutoReply) {
		a := newCfg.AutoReply
		changed = append(changed, "autoreply")
		attrs = append(attrs,
			logx.Bool("autoreply.enabled", a.Enabled),
			logx.Bool("autoreply.wave_mode", a.WaveMode),
			logx.Int("autoreply.responses", len(a.Responses)),
			logx.Int("autoreply.max_per_user", a.MaxPerUser),
		)
	}

	schedChanged := diffSchedules(oldCfg.Schedules, newCfg.Schedules)
	if len(schedChanged) > 0 {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.Int("schedules.changed_count", len(schedChanged)),
			logx.Int("schedules.count", len(newCfg.Schedules)),
		)
	}

	// Storage: nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver, oBusy, oPathSet = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nBusy, nPathSet = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// HTTP (never log token)
	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if oh.Enabled != nh.Enabled ||
		strings.TrimSpace(oh.Addr) != strings.TrimSpace(nh.Addr) ||
		oh.AllowInsecure != nh.AllowInsecure ||
		strings.TrimSpace(oh.ReadTimeout) != strings.TrimSpace(nh.ReadTimeout) ||
		strings.TrimSpace(oh.WriteTimeout) != strings.TrimSpace(nh.WriteTimeout) ||
		oh.Pprof != nh.Pprof ||
		oh.Token != nh.Token {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(nh.Token) != ""),
			logx.Bool("http.pprof", nh.Pprof.Enabled),
		)
	}

	sort.Strings(changed)
	return changed, attrs, schedChanged
}

func diffSchedules(oldS, newS []ScheduleConfig) []string {
	index := func(in []ScheduleConfig) map[string]ScheduleConfig {
		m := make(map[string]ScheduleConfig, len(in))
		for _, s := range in {
			m[strings.TrimSpace(s.Name)] = s
		}
		return m
	}
	om, nm := index(oldS), index(newS)

	set := map[string]struct{}{}
	for k := range om {
		set[k] = struct{}{}
	}
	for k := range nm {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := om[name]
		n, inNew := nm[name]
		if inOld != inNew || hashJSON(o) != hashJSON(n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Broadcast BroadcastConfig `json:"broadcast"`
	AutoReply AutoReplyConfig `json:"autoreply"`

	// Schedules are broadcasts fired on a cron or interval trigger.
	Schedules []ScheduleConfig `json:"schedules,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
	HTTP    HTTPConfig     `json:"http"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// OpsChat is the chat id that receives forwarded log lines.
	OpsChat string `json:"ops_chat"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// BroadcastConfig controls dispatcher policy.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - max_waves: 10
//   - max_multiplier: 1000
//   - max_channels: 0 (unlimited)
//   - send_timeout: "15s"
//   - rate_per_sec: 0 (unlimited)
//   - retry_max: 0
//   - retry_delay: "500ms"
//   - recent_max: 200
//   - recent_ttl: "24h"
type BroadcastConfig struct {
	MaxWaves      int    `json:"max_waves,omitempty"`
	MaxMultiplier int    `json:"max_multiplier,omitempty"`
	MaxChannels   int    `json:"max_channels,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryDelay    string `json:"retry_delay,omitempty"`
	RecentMax     int    `json:"recent_max,omitempty"`
	RecentTTL     string `json:"recent_ttl,omitempty"`
}

// AutoReplyConfig controls replies to private messages and mentions.
type AutoReplyConfig struct {
	Enabled   bool     `json:"enabled"`
	Responses []string `json:"responses,omitempty"`

	// WaveMode cycles through WaveMessages by per-user reply count
	// instead of picking a random response.
	WaveMode     bool     `json:"wave_mode,omitempty"`
	WaveMessages []string `json:"wave_messages,omitempty"`

	MaxPerUser  int    `json:"max_per_user,omitempty"`
	ResetWindow string `json:"reset_window,omitempty"`
	DelayMin    string `json:"delay_min,omitempty"`
	DelayMax    string `json:"delay_max,omitempty"`
}

// ScheduleConfig is one scheduled broadcast.
//
// Spec accepts cron ("*/5 * * * *", "@hourly"), a duration ("55m"),
// an "HH:MM" interval, or the "cron:" / "every:" prefixes.
type ScheduleConfig struct {
	Name     string   `json:"name"`
	Spec     string   `json:"spec"`
	Disabled bool     `json:"disabled,omitempty"`
	Owner    string   `json:"owner,omitempty"` // default: "schedule:<name>"
	Channels []string `json:"channels"`
	Messages []string `json:"messages"`

	Waves      int `json:"waves,omitempty"`      // default 1
	Multiplier int `json:"multiplier,omitempty"` // default 1

	Delay      string `json:"delay,omitempty"`
	WaveDelay  string `json:"wave_delay,omitempty"`
	CycleDelay string `json:"cycle_delay,omitempty"`
}

// StorageConfig controls the optional outcome history.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./wavecast.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HTTPConfig controls the control API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - A non-loopback address requires a token unless allow_insecure is set.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`

	// Pprof mounts net/http/pprof under /debug/pprof, behind the token.
	Pprof PprofConfig `json:"pprof"`
}

type PprofConfig struct {
	Enabled              bool `json:"enabled"`
	MutexProfileFraction int  `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int  `json:"block_profile_rate,omitempty"`
}

package broadcast

import (
	"context"
	"time"
)

const (
	defaultMaxWaves      = 10
	defaultMaxMultiplier = 1000
	defaultSendTimeout   = 15 * time.Second
	defaultRetryDelay    = 500 * time.Millisecond
)

// Config holds dispatcher policy. Zero values fall back to defaults.
type Config struct {
	MaxWaves      int
	MaxMultiplier int
	MaxChannels   int // 0 means unlimited
	SendTimeout   time.Duration
	RatePerSec    int // global across broadcasts; 0 means unlimited
	RetryMax      int
	RetryDelay    time.Duration

	RecentMax int
	RecentTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxWaves <= 0 {
		c.MaxWaves = defaultMaxWaves
	}
	if c.MaxMultiplier <= 0 {
		c.MaxMultiplier = defaultMaxMultiplier
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.RecentMax <= 0 {
		c.RecentMax = defaultRecentMax
	}
	if c.RecentTTL <= 0 {
		c.RecentTTL = defaultRecentTTL
	}
	return c
}

// Request describes one broadcast. It is not modified after submission.
type Request struct {
	Owner    string   `json:"owner"`
	Name     string   `json:"name,omitempty"`
	Channels []string `json:"channels"`
	Messages []string `json:"messages"`

	WaveCount  int `json:"wave_count"`
	Multiplier int `json:"multiplier"`

	DelayBetweenChannels time.Duration `json:"delay_between_channels"`
	DelayBetweenWaves    time.Duration `json:"delay_between_waves"`
	DelayBetweenCycles   time.Duration `json:"delay_between_cycles"`
}

// TotalMessages is len(Channels) * WaveCount * Multiplier.
func (r Request) TotalMessages() int {
	return len(r.Channels) * r.WaveCount * r.Multiplier
}

// Outcome is the final tally of a broadcast.
type Outcome struct {
	BroadcastID     string    `json:"broadcast_id"`
	Owner           string    `json:"owner"`
	Name            string    `json:"name,omitempty"`
	TotalSent       int       `json:"total_sent"`
	TotalFailed     int       `json:"total_failed"`
	ChannelsReached int       `json:"channels_reached"`
	TotalMessages   int       `json:"total_messages"`
	WavesCompleted  int       `json:"waves_completed"`
	TotalCycles     int       `json:"total_cycles"`
	WasKilled       bool      `json:"was_killed"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	Error           string    `json:"error,omitempty"`
}

// Result classifies an outcome for metrics and history.
func (o Outcome) Result() string {
	switch {
	case o.Error != "":
		return ResultFailed
	case o.WasKilled:
		return ResultKilled
	default:
		return ResultCompleted
	}
}

const (
	ResultCompleted = "completed"
	ResultKilled    = "killed"
	ResultFailed    = "failed"
	ResultRejected  = "rejected"
)

// Status is a point-in-time view of an active broadcast.
type Status struct {
	BroadcastID   string    `json:"broadcast_id"`
	Owner         string    `json:"owner"`
	Name          string    `json:"name,omitempty"`
	Running       bool      `json:"running"`
	SentCount     int       `json:"sent_count"`
	FailedCount   int       `json:"failed_count"`
	TotalMessages int       `json:"total_messages"`
	StartedAt     time.Time `json:"started_at"`
}

// CancelResult is returned by Service.Cancel.
type CancelResult struct {
	KilledCount int      `json:"killed_count"`
	Killed      []Status `json:"killed_broadcasts"`
}

// Channel is a resolved destination. Ref is owned by the gateway.
type Channel struct {
	ID   string
	Name string
	Ref  any
}

// Gateway is the platform send capability the dispatcher depends on.
type Gateway interface {
	Resolve(ctx context.Context, id string) (Channel, error)
	Send(ctx context.Context, ch Channel, text string) error
}

// Observer receives dispatch signals, typically for metrics.
type Observer interface {
	SendFinished(ok bool, took time.Duration)
	BroadcastStarted()
	BroadcastFinished(result string)
	BroadcastRejected()
}

// Recorder persists finished outcomes.
type Recorder interface {
	AppendOutcome(ctx context.Context, o Outcome) error
}

type nopObserver struct{}

func (nopObserver) SendFinished(bool, time.Duration) {}
func (nopObserver) BroadcastStarted()                {}
func (nopObserver) BroadcastFinished(string)         {}
func (nopObserver) BroadcastRejected()               {}

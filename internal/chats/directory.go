// Package chats remembers the chats the bot has seen updates from.
package chats

import (
	"sort"
	"strconv"
	"sync"
	"time"

	kit "wavecast/internal/transport"
)

const defaultMax = 1000

type Entry struct {
	ID       int64     `json:"id"`
	Ref      string    `json:"ref"` // form accepted as a broadcast channel
	Title    string    `json:"title"`
	Type     string    `json:"type"`
	LastSeen time.Time `json:"last_seen"`
}

// Directory is a bounded, concurrency-safe set of seen chats. When full, the
// least recently seen chat is evicted.
type Directory struct {
	mu      sync.RWMutex
	max     int
	entries map[int64]Entry
	now     func() time.Time
}

func NewDirectory(max int) *Directory {
	if max <= 0 {
		max = defaultMax
	}
	return &Directory{max: max, entries: map[int64]Entry{}, now: time.Now}
}

// Observe records the chat of msg. Private chats are skipped: they are not
// broadcast targets.
func (d *Directory) Observe(msg *kit.Message) {
	if msg == nil || msg.IsPrivate || msg.ChatID == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[msg.ChatID] = Entry{
		ID:       msg.ChatID,
		Ref:      strconv.FormatInt(msg.ChatID, 10),
		Title:    msg.ChatTitle,
		Type:     msg.ChatType,
		LastSeen: d.now(),
	}
	if len(d.entries) > d.max {
		d.evictOldestLocked()
	}
}

func (d *Directory) evictOldestLocked() {
	var (
		oldestID int64
		oldest   time.Time
		first    = true
	)
	for id, e := range d.entries {
		if first || e.LastSeen.Before(oldest) {
			oldestID, oldest, first = id, e.LastSeen, false
		}
	}
	delete(d.entries, oldestID)
}

// List returns chats sorted by most recently seen.
func (d *Directory) List() []Entry {
	d.mu.RLock()
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

package broadcast

import (
	"sort"
	"time"
)

const (
	// Finished outcomes are kept in memory only for lookups shortly after a
	// broadcast ends; the store keeps the long-term history.
	defaultRecentMax = 200
	defaultRecentTTL = 24 * time.Hour
)

func (s *Service) remember(out Outcome) {
	if out.BroadcastID == "" {
		return
	}
	s.mu.Lock()
	max, ttl := s.cfg.RecentMax, s.cfg.RecentTTL
	s.mu.Unlock()

	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	s.recent[out.BroadcastID] = out
	pruneRecent(s.recent, time.Now(), max, ttl)
}

// pruneRecent drops outcomes older than ttl, then the oldest until len <= max.
func pruneRecent(m map[string]Outcome, now time.Time, max int, ttl time.Duration) {
	if max <= 0 {
		max = defaultRecentMax
	}
	if ttl <= 0 {
		ttl = defaultRecentTTL
	}
	for id, o := range m {
		ref := o.FinishedAt
		if ref.IsZero() {
			ref = o.StartedAt
		}
		if !ref.IsZero() && now.Sub(ref) > ttl {
			delete(m, id)
		}
	}
	if len(m) <= max {
		return
	}

	type kv struct {
		id string
		t  time.Time
	}
	items := make([]kv, 0, len(m))
	for id, o := range m {
		items = append(items, kv{id: id, t: o.FinishedAt})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].t.Before(items[j].t) })

	excess := len(m) - max
	for i := 0; i < excess && i < len(items); i++ {
		delete(m, items[i].id)
	}
}

package broadcast

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps broadcast ids to their control records.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*ControlRecord
}

func NewRegistry() *Registry {
	return &Registry{records: map[string]*ControlRecord{}}
}

// Register inserts rec. A duplicate id is an orchestration fault.
func (r *Registry) Register(rec *ControlRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.ID]; ok {
		return internal("register", fmt.Errorf("duplicate broadcast id %s", rec.ID))
	}
	r.records[rec.ID] = rec
	return nil
}

// Cancel clears the running flag of the named broadcast.
func (r *Registry) Cancel(id string) (Status, bool) {
	r.mu.RLock()
	rec := r.records[id]
	r.mu.RUnlock()
	if rec == nil {
		return Status{}, false
	}
	rec.Stop()
	return rec.Status(), true
}

// CancelOwner stops every broadcast owned by owner and returns their stats.
func (r *Registry) CancelOwner(owner string) []Status {
	r.mu.RLock()
	recs := make([]*ControlRecord, 0, len(r.records))
	for _, rec := range r.records {
		if rec.Owner == owner {
			recs = append(recs, rec)
		}
	}
	r.mu.RUnlock()

	out := make([]Status, 0, len(recs))
	for _, rec := range recs {
		rec.Stop()
		out = append(out, rec.Status())
	}
	sortStatuses(out)
	return out
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.records, id)
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (Status, bool) {
	r.mu.RLock()
	rec := r.records[id]
	r.mu.RUnlock()
	if rec == nil {
		return Status{}, false
	}
	return rec.Status(), true
}

// List returns active broadcasts for owner, or all of them when owner is empty.
func (r *Registry) List(owner string) []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.records))
	for _, rec := range r.records {
		if owner == "" || rec.Owner == owner {
			out = append(out, rec.Status())
		}
	}
	r.mu.RUnlock()
	sortStatuses(out)
	return out
}

// ActiveNamed reports whether a broadcast with the given name is in flight.
func (r *Registry) ActiveNamed(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		if rec.Name == name {
			return true
		}
	}
	return false
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func sortStatuses(s []Status) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].StartedAt.Equal(s[j].StartedAt) {
			return s[i].StartedAt.Before(s[j].StartedAt)
		}
		return s[i].BroadcastID < s[j].BroadcastID
	})
}

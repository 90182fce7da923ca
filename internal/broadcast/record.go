package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ControlRecord is the shared state of one in-flight broadcast.
//
// Writers: the dispatch loop owns sent/failed; callers may only clear running.
type ControlRecord struct {
	ID        string
	Owner     string
	Name      string
	Total     int
	StartedAt time.Time

	running atomic.Bool
	sent    atomic.Int64
	failed  atomic.Int64

	stopOnce sync.Once
	stopped  chan struct{}
}

func newControlRecord(id string, req Request, now time.Time) *ControlRecord {
	rec := &ControlRecord{
		ID:        id,
		Owner:     req.Owner,
		Name:      req.Name,
		Total:     req.TotalMessages(),
		StartedAt: now,
		stopped:   make(chan struct{}),
	}
	rec.running.Store(true)
	return rec
}

func (r *ControlRecord) Running() bool { return r.running.Load() }

// Stop clears the running flag. It reports whether this call did the flip.
func (r *ControlRecord) Stop() bool {
	flipped := false
	r.stopOnce.Do(func() {
		r.running.Store(false)
		close(r.stopped)
		flipped = true
	})
	return flipped
}

func (r *ControlRecord) Sent() int   { return int(r.sent.Load()) }
func (r *ControlRecord) Failed() int { return int(r.failed.Load()) }

func (r *ControlRecord) Status() Status {
	return Status{
		BroadcastID:   r.ID,
		Owner:         r.Owner,
		Name:          r.Name,
		Running:       r.Running(),
		SentCount:     r.Sent(),
		FailedCount:   r.Failed(),
		TotalMessages: r.Total,
		StartedAt:     r.StartedAt,
	}
}

// wait sleeps for d, returning early with errStopped on kill or ctx.Err() on cancellation.
func (r *ControlRecord) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-r.stopped:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

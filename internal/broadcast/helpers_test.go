package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	logx "wavecast/pkg/logx"
)

type sendCall struct {
	channel string
	text    string
}

// fakeGateway resolves every channel except those in unknown and records sends.
type fakeGateway struct {
	mu       sync.Mutex
	calls    []sendCall
	resolves int
	unknown  map[string]bool
	fail     map[string]error
	// onSend runs after the send is recorded; n is the 1-based send count.
	onSend func(n int, ch Channel)
	// hang makes Send block until released (ignoring ctx).
	hang chan struct{}
	pnc  bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{unknown: map[string]bool{}, fail: map[string]error{}}
}

func (g *fakeGateway) Resolve(ctx context.Context, id string) (Channel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resolves++
	if g.unknown[id] {
		return Channel{}, errors.New("unknown chat")
	}
	return Channel{ID: id, Name: "chat " + id, Ref: id}, nil
}

func (g *fakeGateway) Send(ctx context.Context, ch Channel, text string) error {
	if g.hang != nil {
		<-g.hang
	}
	if g.pnc {
		panic("boom")
	}
	g.mu.Lock()
	g.calls = append(g.calls, sendCall{channel: ch.ID, text: text})
	n := len(g.calls)
	err := g.fail[ch.ID]
	hook := g.onSend
	g.mu.Unlock()
	if hook != nil {
		hook(n, ch)
	}
	return err
}

func (g *fakeGateway) sends() []sendCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sendCall(nil), g.calls...)
}

func (g *fakeGateway) resolveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resolves
}

type countingObserver struct {
	mu       sync.Mutex
	ok, fail int
	started  int
	results  []string
	rejected int
}

func (o *countingObserver) SendFinished(ok bool, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ok {
		o.ok++
	} else {
		o.fail++
	}
}
func (o *countingObserver) BroadcastStarted() {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}
func (o *countingObserver) BroadcastFinished(result string) {
	o.mu.Lock()
	o.results = append(o.results, result)
	o.mu.Unlock()
}
func (o *countingObserver) BroadcastRejected() {
	o.mu.Lock()
	o.rejected++
	o.mu.Unlock()
}

func newTestDispatcher(gw Gateway, cfg Config) *Dispatcher {
	return NewDispatcher(cfg, gw, NewRegistry(), nil, logx.Nop())
}

func simpleRequest(channels ...string) Request {
	return Request{
		Owner:      "tester",
		Channels:   channels,
		Messages:   []string{"hi"},
		WaveCount:  1,
		Multiplier: 1,
	}
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", fmt.Sprintf(format, args...))
}

package broadcast

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	logx "wavecast/pkg/logx"
)

func TestRunAllSendsSucceed(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	d := newTestDispatcher(gw, Config{})

	out, err := d.Run(context.Background(), simpleRequest("c1", "c2"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if out.TotalSent != 2 || out.TotalFailed != 0 || out.WasKilled || out.ChannelsReached != 2 || out.TotalMessages != 2 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.WavesCompleted != 1 || out.TotalCycles != 1 {
		t.Fatalf("waves/cycles = %d/%d, want 1/1", out.WavesCompleted, out.TotalCycles)
	}
	if d.Registry().Len() != 0 {
		t.Fatalf("registry leaked %d records", d.Registry().Len())
	}
}

func TestRunKillBeforeSecondChannel(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	d := newTestDispatcher(gw, Config{})
	gw.onSend = func(n int, _ Channel) {
		if n == 1 {
			for _, st := range d.Registry().List("tester") {
				d.Registry().Cancel(st.BroadcastID)
			}
		}
	}

	out, err := d.Run(context.Background(), simpleRequest("c1", "c2"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if out.TotalSent != 1 || out.TotalFailed != 0 || !out.WasKilled {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if got := len(gw.sends()); got != 1 {
		t.Fatalf("gateway sends = %d, want 1", got)
	}
	if out.WavesCompleted != 1 {
		t.Fatalf("waves completed = %d, want 1 attempted", out.WavesCompleted)
	}
	if d.Registry().Len() != 0 {
		t.Fatal("registry leaked record after kill")
	}
}

func TestRunKillAfterLastSendIsNotKilled(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	d := newTestDispatcher(gw, Config{})
	gw.onSend = func(n int, _ Channel) {
		if n == 2 {
			for _, st := range d.Registry().List("") {
				d.Registry().Cancel(st.BroadcastID)
			}
		}
	}

	out, err := d.Run(context.Background(), simpleRequest("c1", "c2"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if out.WasKilled {
		t.Fatalf("no send was skipped, want WasKilled=false: %+v", out)
	}
	if out.TotalSent != 2 {
		t.Fatalf("sent = %d, want 2", out.TotalSent)
	}
}

func TestRunGatewayFailureForOneChannel(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.fail["c2"] = errors.New("no permission")
	obs := &countingObserver{}
	d := NewDispatcher(Config{}, gw, nil, obs, logx.Nop())

	out, err := d.Run(context.Background(), simpleRequest("c1", "c2"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if out.TotalSent != 1 || out.TotalFailed != 1 || out.WasKilled {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if obs.ok != 1 || obs.fail != 1 {
		t.Fatalf("observer ok/fail = %d/%d", obs.ok, obs.fail)
	}
	if !reflect.DeepEqual(obs.results, []string{ResultCompleted}) {
		t.Fatalf("observer results = %v", obs.results)
	}
}

func TestRunWaveMessageSelection(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	d := newTestDispatcher(gw, Config{})

	req := simpleRequest("c1")
	req.Messages = []string{"A", "B"}
	req.WaveCount = 3
	if _, err := d.Run(context.Background(), req); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	var got []string
	for _, c := range gw.sends() {
		got = append(got, c.text)
	}
	if want := []string{"A", "B", "A"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("wave messages = %v, want %v", got, want)
	}
}

func TestRunLoopOrderCycleWaveChannel(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	d := newTestDispatcher(gw, Config{})

	req := simpleRequest("c1", "c2")
	req.Messages = []string{"A", "B"}
	req.WaveCount = 2
	req.Multiplier = 2
	out, err := d.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	want := []sendCall{
		{"c1", "A"}, {"c2", "A"}, {"c1", "B"}, {"c2", "B"},
		{"c1", "A"}, {"c2", "A"}, {"c1", "B"}, {"c2", "B"},
	}
	if got := gw.sends(); !reflect.DeepEqual(got, want) {
		t.Fatalf("send order = %v, want %v", got, want)
	}
	if out.TotalMessages != 8 || out.TotalSent+out.TotalFailed != out.TotalMessages {
		t.Fatalf("totals mismatch: %+v", out)
	}
	if out.WavesCompleted != 4 {
		t.Fatalf("waves completed = %d, want 4", out.WavesCompleted)
	}
}

func TestRunDuplicateChannelsResolvedIndependently(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	d := newTestDispatcher(gw, Config{})

	out, err := d.Run(context.Background(), simpleRequest("c1", "c1"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if gw.resolveCount() != 2 {
		t.Fatalf("resolves = %d, want 2", gw.resolveCount())
	}
	if out.TotalSent != 2 {
		t.Fatalf("sent = %d, want 2", out.TotalSent)
	}
}

func TestRunCountsNeverExceedTotal(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.fail["c3"] = errors.New("rejected")
	d := newTestDispatcher(gw, Config{})

	req := simpleRequest("c1", "c2", "c3")
	req.WaveCount = 3
	req.Multiplier = 4

	violations := 0
	gw.onSend = func(int, Channel) {
		for _, st := range d.Registry().List("") {
			if st.SentCount+st.FailedCount > st.TotalMessages {
				violations++
			}
		}
	}
	out, err := d.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if violations != 0 {
		t.Fatalf("observed %d snapshots with sent+failed > total", violations)
	}
	if out.TotalMessages != 3*3*4 {
		t.Fatalf("total = %d, want 36", out.TotalMessages)
	}
	if out.TotalSent != 24 || out.TotalFailed != 12 {
		t.Fatalf("sent/failed = %d/%d, want 24/12", out.TotalSent, out.TotalFailed)
	}
}

func TestValidationRejectsBeforeDispatch(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		mod   func(r *Request)
		field string
	}{
		{name: "wave count over limit", mod: func(r *Request) { r.WaveCount = 11 }, field: "wave_count"},
		{name: "zero waves", mod: func(r *Request) { r.WaveCount = 0 }, field: "wave_count"},
		{name: "multiplier over limit", mod: func(r *Request) { r.Multiplier = 1001 }, field: "multiplier"},
		{name: "zero multiplier", mod: func(r *Request) { r.Multiplier = 0 }, field: "multiplier"},
		{name: "no channels", mod: func(r *Request) { r.Channels = nil }, field: "channels"},
		{name: "blank channel", mod: func(r *Request) { r.Channels = []string{"c1", " "} }, field: "channels"},
		{name: "no messages", mod: func(r *Request) { r.Messages = nil }, field: "messages"},
		{name: "negative delay", mod: func(r *Request) { r.DelayBetweenWaves = -time.Second }, field: "delay"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gw := newFakeGateway()
			d := newTestDispatcher(gw, Config{})
			req := simpleRequest("c1")
			tt.mod(&req)

			_, err := d.Run(context.Background(), req)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want validation error", err)
			}
			var be *Error
			if !errors.As(err, &be) || be.Field != tt.field {
				t.Fatalf("field = %+v, want %s", be, tt.field)
			}
			if d.Registry().Len() != 0 {
				t.Fatal("rejected request left a control record")
			}
			if gw.resolveCount() != 0 || len(gw.sends()) != 0 {
				t.Fatal("rejected request reached the gateway")
			}
		})
	}
}

func TestValidationUsesConfiguredLimits(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(newFakeGateway(), Config{MaxWaves: 3, MaxChannels: 1})
	req := simpleRequest("c1")
	req.WaveCount = 4
	if err := d.Validate(req); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if err := d.Validate(simpleRequest("c1", "c2")); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want channel limit error", err)
	}
}

func TestUnresolvableChannelRejectsWholeRequest(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.unknown["c2"] = true
	d := newTestDispatcher(gw, Config{})

	_, err := d.Run(context.Background(), simpleRequest("c1", "c2", "c3"))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if len(gw.sends()) != 0 {
		t.Fatal("send issued despite failed validation")
	}
	if d.Registry().Len() != 0 {
		t.Fatal("registry not empty after rejection")
	}
}

func TestKillInterruptsDelay(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	d := newTestDispatcher(gw, Config{})
	gw.onSend = func(n int, _ Channel) {
		if n == 1 {
			go func() {
				time.Sleep(20 * time.Millisecond)
				for _, st := range d.Registry().List("") {
					d.Registry().Cancel(st.BroadcastID)
				}
			}()
		}
	}

	req := simpleRequest("c1")
	req.WaveCount = 2
	req.DelayBetweenWaves = 10 * time.Second

	start := time.Now()
	out, err := d.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("kill took %v to take effect", took)
	}
	if !out.WasKilled || out.TotalSent != 1 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestKillWhilePacingLastSendIsKilled(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	d := newTestDispatcher(gw, Config{RatePerSec: 1})
	gw.onSend = func(n int, _ Channel) {
		if n == 1 {
			go func() {
				time.Sleep(100 * time.Millisecond)
				for _, st := range d.Registry().List("") {
					d.Registry().Cancel(st.BroadcastID)
				}
			}()
		}
	}

	out, err := d.Run(context.Background(), simpleRequest("c1", "c2"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if out.TotalSent != 1 || out.TotalFailed != 0 {
		t.Fatalf("unexpected counts: %+v", out)
	}
	if !out.WasKilled || out.Result() != ResultKilled {
		t.Fatalf("skipped send not reported as killed: %+v", out)
	}
	if len(gw.sends()) != 1 {
		t.Fatalf("sends = %v", gw.sends())
	}
}

type panickingObserver struct{ countingObserver }

func (o *panickingObserver) SendFinished(bool, time.Duration) { panic("observer broke") }

func TestLoopPanicIsInternalFault(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(Config{}, newFakeGateway(), NewRegistry(), &panickingObserver{}, logx.Nop())

	out, err := d.Run(context.Background(), simpleRequest("c1", "c2"))
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("err = %v, want ErrInternal", err)
	}
	if d.Registry().Len() != 0 {
		t.Fatalf("record leaked: %d", d.Registry().Len())
	}
	if out.WasKilled || out.Error == "" || out.Result() != ResultFailed {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestNoDelayAfterLastSend(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(newFakeGateway(), Config{})
	req := simpleRequest("c1")
	req.DelayBetweenChannels = 5 * time.Second
	req.DelayBetweenWaves = 5 * time.Second
	req.DelayBetweenCycles = 5 * time.Second

	start := time.Now()
	if _, err := d.Run(context.Background(), req); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if took := time.Since(start); took > time.Second {
		t.Fatalf("single send took %v; trailing delay inserted", took)
	}
}

func TestDelaysSeparateSends(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(newFakeGateway(), Config{})
	req := simpleRequest("c1", "c2")
	req.DelayBetweenChannels = 30 * time.Millisecond

	start := time.Now()
	if _, err := d.Run(context.Background(), req); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if took := time.Since(start); took < 30*time.Millisecond {
		t.Fatalf("run took %v, want at least the channel delay", took)
	}
}

func TestSendTimeoutCountsAsFailure(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.hang = make(chan struct{})
	t.Cleanup(func() { close(gw.hang) })
	d := newTestDispatcher(gw, Config{SendTimeout: 50 * time.Millisecond})

	start := time.Now()
	out, err := d.Run(context.Background(), simpleRequest("c1"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if out.TotalFailed != 1 || out.TotalSent != 0 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("hung gateway held dispatch for %v", took)
	}
}

func TestGatewayPanicIsPerSendFailure(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.pnc = true
	d := newTestDispatcher(gw, Config{})

	out, err := d.Run(context.Background(), simpleRequest("c1", "c2"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if out.TotalFailed != 2 || out.WasKilled {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestRetryRecoversTransientFailure(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.fail["c1"] = errors.New("flaky")
	gw.onSend = func(n int, _ Channel) {
		if n == 1 {
			gw.mu.Lock()
			delete(gw.fail, "c1")
			gw.mu.Unlock()
		}
	}
	d := newTestDispatcher(gw, Config{RetryMax: 2, RetryDelay: time.Millisecond})

	out, err := d.Run(context.Background(), simpleRequest("c1"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if out.TotalSent != 1 || out.TotalFailed != 0 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if got := len(gw.sends()); got != 2 {
		t.Fatalf("gateway calls = %d, want 2", got)
	}
}

func TestContextCancelStopsLikeKill(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	d := newTestDispatcher(gw, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	gw.onSend = func(n int, _ Channel) {
		if n == 1 {
			cancel()
		}
	}

	req := simpleRequest("c1", "c2")
	req.Multiplier = 10
	out, err := d.Run(ctx, req)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !out.WasKilled || out.TotalSent != 1 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestPrepareGeneratesUniqueIDs(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(newFakeGateway(), Config{})
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		rec, _, err := d.Prepare(context.Background(), simpleRequest("c1"))
		if err != nil {
			t.Fatalf("Prepare error: %v", err)
		}
		if seen[rec.ID] {
			t.Fatalf("duplicate id %s", rec.ID)
		}
		seen[rec.ID] = true
		if rec.Total != 1 || !rec.Running() {
			t.Fatalf("unexpected record: %+v", rec.Status())
		}
	}
	if d.Registry().Len() != 50 {
		t.Fatalf("registry len = %d, want 50", d.Registry().Len())
	}
}

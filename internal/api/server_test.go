package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"wavecast/internal/autoreply"
	"wavecast/internal/broadcast"
	"wavecast/internal/chats"
	"wavecast/internal/runtime/supervisor"
	"wavecast/internal/storage"
	kit "wavecast/internal/transport"
	logx "wavecast/pkg/logx"
)

type fakeBroadcasts struct {
	mu     sync.Mutex
	reqs   []broadcast.Request
	active map[string]broadcast.Status
	done   map[string]broadcast.Outcome
	err    error
}

func newFakeBroadcasts() *fakeBroadcasts {
	return &fakeBroadcasts{active: map[string]broadcast.Status{}, done: map[string]broadcast.Outcome{}}
}

func (f *fakeBroadcasts) StartBroadcast(_ context.Context, req broadcast.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.reqs = append(f.reqs, req)
	id := "bc:" + req.Owner + ":1"
	f.active[id] = broadcast.Status{BroadcastID: id, Owner: req.Owner, Running: true, TotalMessages: req.TotalMessages()}
	return id, nil
}

func (f *fakeBroadcasts) Status(owner string) []broadcast.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []broadcast.Status
	for _, st := range f.active {
		if owner == "" || st.Owner == owner {
			out = append(out, st)
		}
	}
	return out
}

func (f *fakeBroadcasts) Lookup(id string) (*broadcast.Status, *broadcast.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.active[id]; ok {
		return &st, nil, nil
	}
	if out, ok := f.done[id]; ok {
		return nil, &out, nil
	}
	return nil, nil, broadcast.NotFound(id)
}

func (f *fakeBroadcasts) Kill(id string) (broadcast.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.active[id]
	if !ok {
		return broadcast.Status{}, broadcast.NotFound(id)
	}
	st.Running = false
	f.active[id] = st
	return st, nil
}

func (f *fakeBroadcasts) KillOwner(owner string) broadcast.CancelResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res broadcast.CancelResult
	for id, st := range f.active {
		if st.Owner == owner {
			st.Running = false
			f.active[id] = st
			res.Killed = append(res.Killed, st)
		}
	}
	res.KilledCount = len(res.Killed)
	return res
}

type fakeStore struct {
	mu     sync.Mutex
	audits []storage.AuditEntry
	outs   []broadcast.Outcome
}

func (s *fakeStore) AppendOutcome(_ context.Context, o broadcast.Outcome) error {
	s.outs = append(s.outs, o)
	return nil
}

func (s *fakeStore) RecentOutcomes(_ context.Context, owner string, limit int) ([]broadcast.Outcome, error) {
	var out []broadcast.Outcome
	for _, o := range s.outs {
		if owner == "" || o.Owner == owner {
			out = append(out, o)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, e)
	return nil
}

func (s *fakeStore) Close() error { return nil }

func newTestServer(token string, deps Deps) *Server {
	return New(Config{Token: token}, deps, logx.Nop())
}

func do(t *testing.T, h http.Handler, method, path, body, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestStartBroadcastDefaults(t *testing.T) {
	fb := newFakeBroadcasts()
	st := &fakeStore{}
	s := newTestServer("", Deps{Broadcasts: fb, Store: st})

	rec, body := do(t, s.Handler(), http.MethodPost, "/api/broadcasts",
		`{"channel_ids":["-1","-2"],"messages":["a","b"],"wave_count":2}`, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if body["broadcast_id"] != "bc:api:1" || body["total_messages"].(float64) != 4 {
		t.Fatalf("body = %v", body)
	}
	req := fb.reqs[0]
	if req.Multiplier != 1 || req.DelayBetweenChannels != 500*time.Millisecond ||
		req.DelayBetweenWaves != time.Second || req.DelayBetweenCycles != 2*time.Second {
		t.Fatalf("defaults not applied: %+v", req)
	}
	if len(st.audits) != 1 || st.audits[0].Action != "broadcast.start" || !st.audits[0].OK {
		t.Fatalf("audits = %+v", st.audits)
	}
}

func TestStartBroadcastValidationError(t *testing.T) {
	fb := newFakeBroadcasts()
	d := broadcast.NewDispatcher(broadcast.Config{}, nil, nil, nil, logx.Nop())
	fb.err = d.Validate(broadcast.Request{Channels: []string{"x"}, Messages: []string{"m"}, WaveCount: 11, Multiplier: 1})
	s := newTestServer("", Deps{Broadcasts: fb})

	rec, body := do(t, s.Handler(), http.MethodPost, "/api/broadcasts", `{"channel_ids":["x"],"messages":["m"],"wave_count":11}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["field"] != "wave_count" {
		t.Fatalf("body = %v", body)
	}
}

func TestStartBroadcastRejectsUnknownField(t *testing.T) {
	s := newTestServer("", Deps{Broadcasts: newFakeBroadcasts()})
	rec, _ := do(t, s.Handler(), http.MethodPost, "/api/broadcasts", `{"channels":["x"]}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSendMessageMapsToCycles(t *testing.T) {
	fb := newFakeBroadcasts()
	s := newTestServer("", Deps{Broadcasts: fb})
	rec, _ := do(t, s.Handler(), http.MethodPost, "/api/messages", `{"channel_id":"-1","message":"hi","count":3,"delay":0.25}`, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	req := fb.reqs[0]
	if req.Multiplier != 3 || req.WaveCount != 1 || req.DelayBetweenCycles != 250*time.Millisecond {
		t.Fatalf("request = %+v", req)
	}
}

func TestLookupAndKill(t *testing.T) {
	fb := newFakeBroadcasts()
	fb.done["bc:old"] = broadcast.Outcome{BroadcastID: "bc:old", TotalSent: 3}
	s := newTestServer("", Deps{Broadcasts: fb})
	h := s.Handler()

	if _, err := fb.StartBroadcast(context.Background(), broadcast.Request{Owner: "tg:1", Channels: []string{"a"}, WaveCount: 1, Multiplier: 1}); err != nil {
		t.Fatal(err)
	}

	rec, body := do(t, h, http.MethodGet, "/api/broadcasts/bc:tg:1:1", "", "")
	if rec.Code != http.StatusOK || body["active"] != true {
		t.Fatalf("active lookup = %d %v", rec.Code, body)
	}
	rec, body = do(t, h, http.MethodGet, "/api/broadcasts/bc:old", "", "")
	if rec.Code != http.StatusOK || body["active"] != false {
		t.Fatalf("finished lookup = %d %v", rec.Code, body)
	}
	rec, _ = do(t, h, http.MethodGet, "/api/broadcasts/nope", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing lookup = %d", rec.Code)
	}

	rec, body = do(t, h, http.MethodDelete, "/api/broadcasts/bc:tg:1:1", "", "")
	if rec.Code != http.StatusOK || body["killed_count"].(float64) != 1 {
		t.Fatalf("kill = %d %v", rec.Code, body)
	}
	rec, _ = do(t, h, http.MethodDelete, "/api/broadcasts/nope", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("kill missing = %d", rec.Code)
	}

	rec, body = do(t, h, http.MethodPost, "/api/owners/tg:1/kill", "", "")
	if rec.Code != http.StatusOK || body["killed_count"].(float64) != 1 {
		t.Fatalf("kill owner = %d %v", rec.Code, body)
	}
	rec, body = do(t, h, http.MethodPost, "/api/owners/nobody/kill", "", "")
	if rec.Code != http.StatusOK || body["killed_count"].(float64) != 0 {
		t.Fatalf("kill unknown owner = %d %v", rec.Code, body)
	}
}

func TestAuth(t *testing.T) {
	s := newTestServer("s3cret", Deps{Broadcasts: newFakeBroadcasts()})
	h := s.Handler()

	if rec, _ := do(t, h, http.MethodGet, "/api/broadcasts", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodGet, "/api/broadcasts", "", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodGet, "/api/broadcasts", "", "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("good token = %d", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}

func TestHealthReportsRuntime(t *testing.T) {
	s := newTestServer("", Deps{
		Broadcasts: newFakeBroadcasts(),
		Runtime:    func() supervisor.Counters { return supervisor.Counters{Active: 3, Started: 5} },
	})
	rec, body := do(t, s.Handler(), http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	g, ok := body["goroutines"].(map[string]any)
	if !ok || g["active"].(float64) != 3 || g["started"].(float64) != 5 {
		t.Fatalf("body = %v", body)
	}
}

func TestProfilerBehindToken(t *testing.T) {
	off := newTestServer("", Deps{Broadcasts: newFakeBroadcasts()}).Handler()
	if rec, _ := do(t, off, http.MethodGet, "/debug/pprof/cmdline", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("disabled profiler = %d", rec.Code)
	}

	on := New(Config{Token: "s3cret", Profile: ProfileConfig{Enabled: true}}, Deps{Broadcasts: newFakeBroadcasts()}, logx.Nop()).Handler()
	if rec, _ := do(t, on, http.MethodGet, "/debug/pprof/cmdline", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("profiler without token = %d", rec.Code)
	}
	if rec, _ := do(t, on, http.MethodGet, "/debug/pprof/cmdline", "", "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("profiler cmdline = %d", rec.Code)
	}
	if rec, _ := do(t, on, http.MethodGet, "/debug/pprof/goroutine?debug=1", "", "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("goroutine profile = %d", rec.Code)
	}
}

func TestHistoryAndChats(t *testing.T) {
	st := &fakeStore{outs: []broadcast.Outcome{{BroadcastID: "a", Owner: "x"}, {BroadcastID: "b", Owner: "y"}}}
	dir := chats.NewDirectory(10)
	s := newTestServer("", Deps{Broadcasts: newFakeBroadcasts(), Store: st, Chats: dir})
	h := s.Handler()

	rec, body := do(t, h, http.MethodGet, "/api/history?owner=y", "", "")
	if rec.Code != http.StatusOK || len(body["outcomes"].([]any)) != 1 {
		t.Fatalf("history = %d %v", rec.Code, body)
	}
	if rec, _ := do(t, h, http.MethodGet, "/api/history?limit=-1", "", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodGet, "/api/chats", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("chats = %d", rec.Code)
	}

	noStore := newTestServer("", Deps{Broadcasts: newFakeBroadcasts()})
	if rec, _ := do(t, noStore.Handler(), http.MethodGet, "/api/history", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("history without store = %d", rec.Code)
	}
}

type fakeInvites struct{ calls int }

func (f *fakeInvites) Collect(context.Context) []chats.Invite {
	f.calls++
	return []chats.Invite{{ChatID: -1, Title: "one", URL: "https://t.me/+abc"}, {ChatID: -2, Error: "no rights"}}
}

func TestChatExportAndInvites(t *testing.T) {
	dir := chats.NewDirectory(10)
	dir.Observe(&kit.Message{ChatID: -100, ChatTitle: "ops", ChatType: "group"})
	inv := &fakeInvites{}
	h := newTestServer("", Deps{Broadcasts: newFakeBroadcasts(), Chats: dir, Invites: inv}).Handler()

	rec, body := do(t, h, http.MethodGet, "/api/chats/export", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("export = %d", rec.Code)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, `filename="chats.json"`) {
		t.Fatalf("content-disposition = %q", cd)
	}
	if body["count"].(float64) != 1 || len(body["chats"].([]any)) != 1 {
		t.Fatalf("export body = %v", body)
	}

	rec, body = do(t, h, http.MethodPost, "/api/chats/invites", "", "")
	if rec.Code != http.StatusOK || inv.calls != 1 {
		t.Fatalf("invites = %d calls=%d", rec.Code, inv.calls)
	}
	if body["found"].(float64) != 1 || len(body["invites"].([]any)) != 2 {
		t.Fatalf("invites body = %v", body)
	}

	bare := newTestServer("", Deps{Broadcasts: newFakeBroadcasts()}).Handler()
	if rec, _ := do(t, bare, http.MethodPost, "/api/chats/invites", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("invites without linker = %d", rec.Code)
	}
	if rec, _ := do(t, bare, http.MethodGet, "/api/chats/export", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("export without directory = %d", rec.Code)
	}
}

func TestAutoReplyUpdate(t *testing.T) {
	ar := autoreply.New(autoreply.Settings{}, nil, logx.Nop())
	s := newTestServer("", Deps{Broadcasts: newFakeBroadcasts(), AutoReply: ar})
	h := s.Handler()

	rec, _ := do(t, h, http.MethodPut, "/api/autoreply", `{"enabled":true,"messages":["hey"],"max_per_user":5,"reset_time":60}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("put = %d %s", rec.Code, rec.Body.String())
	}
	got := ar.Status().Settings
	if !got.Enabled || got.MaxPerUser != 5 || got.ResetWindow != time.Minute || got.Responses[0] != "hey" {
		t.Fatalf("settings = %+v", got)
	}

	rec, _ = do(t, h, http.MethodPut, "/api/autoreply", `{"enabled":true,"wave_mode":true}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("wave mode without messages = %d", rec.Code)
	}
}

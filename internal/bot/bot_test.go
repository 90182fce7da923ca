package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"wavecast/internal/broadcast"
	"wavecast/internal/chats"
	"wavecast/internal/eventbus"
	kit "wavecast/internal/transport"
	logx "wavecast/pkg/logx"
)

type sent struct {
	to   kit.ChatTarget
	text string
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, sent{to: to, text: text})
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeSender) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		return ""
	}
	return f.msgs[len(f.msgs)-1].text
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type fakeBroadcasts struct {
	mu     sync.Mutex
	reqs   []broadcast.Request
	killed []string
	err    error
}

func (f *fakeBroadcasts) StartBroadcast(_ context.Context, req broadcast.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.reqs = append(f.reqs, req)
	return "bc-1", nil
}

func (f *fakeBroadcasts) Status(owner string) []broadcast.Status {
	return []broadcast.Status{{BroadcastID: "bc-1", Owner: owner, Running: true, SentCount: 2, TotalMessages: 4}}
}

func (f *fakeBroadcasts) CancelOwned(owner, id string) (broadcast.Status, error) {
	if id != "bc-1" || owner != OwnerKey(1) {
		return broadcast.Status{}, broadcast.NotFound(id)
	}
	f.killed = append(f.killed, id)
	return broadcast.Status{BroadcastID: id}, nil
}

func (f *fakeBroadcasts) KillOwner(owner string) broadcast.CancelResult {
	f.killed = append(f.killed, owner)
	return broadcast.CancelResult{KilledCount: 2}
}

type fakeReplier struct{ got []*kit.Message }

func (f *fakeReplier) Handle(msg *kit.Message) bool {
	f.got = append(f.got, msg)
	return true
}

func inline(fn func()) bool { fn(); return true }

func ownerMsg(text string) *kit.Message {
	return &kit.Message{ID: 1, ChatID: -1001, ChatType: "supergroup", ChatTitle: "ops", FromID: 1, Text: text}
}

func newTestRouter() (*Router, *fakeSender, *fakeBroadcasts, *fakeReplier, *chats.Directory) {
	send := &fakeSender{}
	bc := &fakeBroadcasts{}
	ar := &fakeReplier{}
	dir := chats.NewDirectory(10)
	r := New(send, Deps{Broadcasts: bc, Chats: dir, AutoReply: ar}, []int64{1}, logx.Nop())
	return r, send, bc, ar, dir
}

func TestTokenizeAndFlags(t *testing.T) {
	t.Parallel()
	toks := tokenize(`/broadcast --chats=-1,@news --waves 2 "hello world" 'it\'s' ""`)
	want := []string{"/broadcast", "--chats=-1,@news", "--waves", "2", "hello world", "it's", ""}
	if strings.Join(toks, "|") != strings.Join(want, "|") {
		t.Fatalf("tokens = %q", toks)
	}
	pos, flags := parseFlags(toks[1:])
	if flags["chats"] != "-1,@news" || flags["waves"] != "2" {
		t.Fatalf("flags = %v", flags)
	}
	if len(pos) != 3 || pos[0] != "hello world" || pos[1] != "it's" {
		t.Fatalf("positionals = %q", pos)
	}
	if commandWord("/Kill@WaveBot") != "kill" || commandWord("kill") != "" {
		t.Fatal("commandWord mismatch")
	}
}

func TestParseBroadcastDefaultsToCurrentChat(t *testing.T) {
	t.Parallel()
	req := &Request{
		Owner: OwnerKey(1),
		Chat:  kit.ChatTarget{ChatID: -1001, ThreadID: 7},
		Args:  []string{"a", "b"},
		Flags: map[string]string{"x": "3", "delay": "0.25", "cycle-delay": "5s"},
	}
	got, err := parseBroadcast(req)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Channels) != 1 || got.Channels[0] != "-1001:7" {
		t.Fatalf("channels = %v", got.Channels)
	}
	if got.Multiplier != 3 || got.WaveCount != 1 || got.DelayBetweenChannels != 250*time.Millisecond ||
		got.DelayBetweenCycles != 5*time.Second || got.DelayBetweenWaves != defaultWaveDelay {
		t.Fatalf("request = %+v", got)
	}

	req.Flags = map[string]string{"waves": "many"}
	if _, err := parseBroadcast(req); err == nil {
		t.Fatal("bad --waves accepted")
	}
}

func TestBroadcastCommand(t *testing.T) {
	r, send, bc, _, dir := newTestRouter()
	r.handleMessage(context.Background(), ownerMsg(`/broadcast --chats=-1,-2 --waves=2 "one" "two"`), inline)

	if len(bc.reqs) != 1 {
		t.Fatalf("requests = %d", len(bc.reqs))
	}
	got := bc.reqs[0]
	if got.Owner != "tg:1" || len(got.Channels) != 2 || got.WaveCount != 2 || len(got.Messages) != 2 {
		t.Fatalf("request = %+v", got)
	}
	if !strings.Contains(send.last(), "bc-1") {
		t.Fatalf("reply = %q", send.last())
	}
	if dir.Len() != 1 {
		t.Fatal("chat not recorded")
	}
}

func TestBroadcastValidationReply(t *testing.T) {
	r, send, bc, _, _ := newTestRouter()
	d := broadcast.NewDispatcher(broadcast.Config{}, nil, nil, nil, logx.Nop())
	bc.err = d.Validate(broadcast.Request{Channels: []string{"x"}})

	r.handleMessage(context.Background(), ownerMsg(`/broadcast`), inline)
	if !strings.HasPrefix(send.last(), "rejected:") {
		t.Fatalf("reply = %q", send.last())
	}
}

func TestNonOwnerRejected(t *testing.T) {
	r, send, bc, _, _ := newTestRouter()
	msg := ownerMsg(`/broadcast "x"`)
	msg.FromID = 2
	r.handleMessage(context.Background(), msg, inline)
	if len(bc.reqs) != 0 || send.last() != "unauthorized" {
		t.Fatalf("reqs=%d reply=%q", len(bc.reqs), send.last())
	}
}

func TestKillCommands(t *testing.T) {
	r, send, bc, _, _ := newTestRouter()
	r.handleMessage(context.Background(), ownerMsg("/kill bc-1"), inline)
	if !strings.Contains(send.last(), "killing") {
		t.Fatalf("reply = %q", send.last())
	}
	r.handleMessage(context.Background(), ownerMsg("/kill nope"), inline)
	if !strings.Contains(send.last(), "no active broadcast nope") {
		t.Fatalf("reply = %q", send.last())
	}
	r.handleMessage(context.Background(), ownerMsg("/kill"), inline)
	if send.last() != "killing 2 broadcast(s)" {
		t.Fatalf("reply = %q", send.last())
	}
	if len(bc.killed) != 2 || bc.killed[1] != "tg:1" {
		t.Fatalf("killed = %v", bc.killed)
	}
}

func TestPlainMessagesGoToAutoReply(t *testing.T) {
	r, send, _, ar, _ := newTestRouter()
	r.handleMessage(context.Background(), &kit.Message{ChatID: 5, FromID: 5, Text: "hi", IsPrivate: true}, inline)
	if len(ar.got) != 1 {
		t.Fatal("auto-reply not consulted")
	}
	// Unknown commands are ignored in groups and answered in private.
	r.handleMessage(context.Background(), &kit.Message{ChatID: -5, FromID: 5, Text: "/other"}, inline)
	if send.count() != 0 {
		t.Fatalf("group unknown command answered: %q", send.last())
	}
	r.handleMessage(context.Background(), &kit.Message{ChatID: 5, FromID: 5, Text: "/other", IsPrivate: true}, inline)
	if !strings.Contains(send.last(), "/help") {
		t.Fatalf("reply = %q", send.last())
	}
}

func TestHelpHidesOwnerCommands(t *testing.T) {
	r, send, _, _, _ := newTestRouter()
	r.handleMessage(context.Background(), &kit.Message{ChatID: 5, FromID: 5, Text: "/help", IsPrivate: true}, inline)
	if strings.Contains(send.last(), "/broadcast") {
		t.Fatalf("help leaked owner commands: %q", send.last())
	}
	r.handleMessage(context.Background(), ownerMsg("/help"), inline)
	if !strings.Contains(send.last(), "/broadcast") {
		t.Fatalf("owner help = %q", send.last())
	}
}

func TestRunNotifiesOnFinish(t *testing.T) {
	bus := eventbus.New()
	send := &fakeSender{}
	bc := &fakeBroadcasts{}
	r := New(send, Deps{Broadcasts: bc, Bus: bus}, []int64{1}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 1)
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx, updates)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	updates <- kit.Update{Kind: kit.UpdateMessage, Message: ownerMsg(`/broadcast "hi"`)}
	waitFor(t, func() bool { return send.count() == 1 })

	// The subscription is taken before the dispatcher loop starts.
	bus.Publish(eventbus.Event{Type: eventbus.BroadcastFinished, Data: broadcast.Outcome{BroadcastID: "bc-1", TotalSent: 1, TotalMessages: 1}})
	waitFor(t, func() bool { return send.count() == 2 })
	if !strings.Contains(send.last(), "broadcast finished") {
		t.Fatalf("notification = %q", send.last())
	}

	// Untracked outcomes are not announced.
	bus.Publish(eventbus.Event{Type: eventbus.BroadcastFinished, Data: broadcast.Outcome{BroadcastID: "other"}})
	time.Sleep(50 * time.Millisecond)
	if send.count() != 2 {
		t.Fatalf("untracked outcome announced: %q", send.last())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCommandLogCarriesRequestFields(t *testing.T) {
	var buf bytes.Buffer
	r := New(&fakeSender{}, Deps{Broadcasts: &fakeBroadcasts{}}, []int64{1}, logx.NewWriter(&buf, "debug"))
	msg := ownerMsg("/bstatus")
	msg.ThreadID = 9
	r.handleMessage(context.Background(), msg, inline)

	var entry map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var m map[string]any
		if json.Unmarshal([]byte(line), &m) == nil && m["message"] == "command ok" {
			entry = m
		}
	}
	if entry == nil {
		t.Fatalf("no command log in %s", buf.String())
	}
	if entry["cmd"] != "bstatus" || entry["chat_id"].(float64) != -1001 || entry["from_id"].(float64) != 1 ||
		entry["thread_id"].(float64) != 9 || entry["chat_type"] != "supergroup" || entry["rid"] == "" {
		t.Fatalf("command log = %v", entry)
	}
}

type fakeInvites struct{ out []chats.Invite }

func (f fakeInvites) Collect(context.Context) []chats.Invite { return f.out }

func TestInvitesCommand(t *testing.T) {
	send := &fakeSender{}
	inv := fakeInvites{out: []chats.Invite{
		{ChatID: -1001, Title: "ops", URL: "https://t.me/+abc"},
		{ChatID: -1002, Error: "not enough rights"},
	}}
	r := New(send, Deps{Broadcasts: &fakeBroadcasts{}, Invites: inv}, []int64{1}, logx.Nop())
	r.handleMessage(context.Background(), ownerMsg("/invites"), inline)
	got := send.last()
	for _, want := range []string{"invite links 1/2", "https://t.me/+abc", "-1002", "not enough rights"} {
		if !strings.Contains(got, want) {
			t.Fatalf("reply missing %q: %q", want, got)
		}
	}

	r2, send2, _, _, _ := newTestRouter()
	r2.handleMessage(context.Background(), ownerMsg("/invites"), inline)
	if send2.last() != "invite links unavailable" {
		t.Fatalf("reply without linker = %q", send2.last())
	}
}

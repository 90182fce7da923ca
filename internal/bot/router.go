// Package bot routes chat updates: owner commands drive the broadcast
// service, every update feeds the chat directory, and plain messages go to
// the auto-reply service.
package bot

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"wavecast/internal/broadcast"
	"wavecast/internal/chats"
	"wavecast/internal/eventbus"
	"wavecast/internal/runtime/supervisor"
	"wavecast/internal/schedule"
	kit "wavecast/internal/transport"
	logx "wavecast/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Message *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	// Owner is the broadcast owner key of the sender.
	Owner   string
	Command string
	Args    []string
	Flags   map[string]string
	ReqID   string
	Logger  logx.Logger
}

// Sender is the transport surface used for replies.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type Broadcasts interface {
	StartBroadcast(ctx context.Context, req broadcast.Request) (string, error)
	Status(owner string) []broadcast.Status
	CancelOwned(owner, id string) (broadcast.Status, error)
	KillOwner(owner string) broadcast.CancelResult
}

type ChatDirectory interface {
	Observe(msg *kit.Message)
	List() []chats.Entry
}

type Replier interface {
	Handle(msg *kit.Message) bool
}

type InviteCollector interface {
	Collect(ctx context.Context) []chats.Invite
}

type ScheduleLister interface {
	Snapshot() []schedule.Info
}

// Deps are the services behind the commands. Broadcasts is required.
type Deps struct {
	Broadcasts Broadcasts
	Chats      ChatDirectory
	AutoReply  Replier
	Schedules  ScheduleLister
	Invites    InviteCollector
	Bus        eventbus.Bus
}

// OwnerKey is the broadcast owner key for a chat user.
func OwnerKey(userID int64) string { return "tg:" + strconv.FormatInt(userID, 10) }

type Router struct {
	mu     sync.RWMutex
	owners map[int64]bool
	cmds   map[string]*Command
	list   []Command

	send Sender
	deps Deps
	log  logx.Logger

	jobs chan func()

	pmu     sync.Mutex
	pending map[string]kit.ChatTarget // broadcast id -> requesting chat
}

func New(send Sender, deps Deps, owners []int64, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		send:    send,
		deps:    deps,
		log:     log,
		jobs:    make(chan func(), 256),
		pending: map[string]kit.ChatTarget{},
	}
	r.SetOwners(owners)
	r.register(r.commands())
	return r
}

// SetOwners replaces the owner list. Safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	m := make(map[int64]bool, len(owners))
	for _, id := range owners {
		m[id] = true
	}
	r.mu.Lock()
	r.owners = m
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owners[id]
}

func (r *Router) register(cmds []Command) {
	idx := map[string]*Command{}
	for i := range cmds {
		c := &cmds[i]
		idx[c.Name] = c
		for _, a := range c.Aliases {
			if _, taken := idx[a]; !taken {
				idx[a] = c
			}
		}
	}
	r.mu.Lock()
	r.cmds = idx
	r.list = cmds
	r.mu.Unlock()
}

// Run dispatches updates on a bounded worker pool until ctx is done or
// updates is closed.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(r.log), supervisor.WithCancelOnError(false))
	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					func() {
						defer func() {
							if p := recover(); p != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, 200*time.Millisecond, 5*time.Second)
	}
	if r.deps.Bus != nil {
		events, unsub := r.deps.Bus.Subscribe(64)
		defer unsub()
		sup.Go0("bot.notify", func(c context.Context) { r.notifyLoop(c, events) })
	}
	r.log.Info("command dispatcher started", logx.Int("workers", workers))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind == kit.UpdateMessage && up.Message != nil {
				r.handleMessage(ctx, up.Message, r.tryEnqueue)
			}
		}
	}
}

func (r *Router) tryEnqueue(fn func()) bool {
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// handleMessage records the chat, then either schedules a command through
// run or hands the message to auto-reply.
func (r *Router) handleMessage(ctx context.Context, msg *kit.Message, run func(func()) bool) {
	if r.deps.Chats != nil {
		r.deps.Chats.Observe(msg)
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		if r.deps.AutoReply != nil {
			r.deps.AutoReply.Handle(msg)
		}
		return
	}

	parts := tokenize(text)
	if len(parts) == 0 {
		return
	}
	word := commandWord(parts[0])
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	r.mu.RLock()
	cmd, ok := r.cmds[word]
	r.mu.RUnlock()
	if !ok {
		// Groups see commands meant for other bots; stay quiet there.
		if msg.IsPrivate {
			r.reply(ctx, chat, "unknown command, try /help", false)
		}
		return
	}
	if cmd.Access == AccessOwnerOnly && !r.isOwner(msg.FromID) {
		r.reply(ctx, chat, "unauthorized", false)
		return
	}

	pos, flags := parseFlags(parts[1:])
	rid := newReqID()
	req := &Request{
		Message: msg,
		Chat:    chat,
		FromID:  msg.FromID,
		Owner:   OwnerKey(msg.FromID),
		Command: cmd.Name,
		Args:    pos,
		Flags:   flags,
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	final := Chain(cmd.Handle, MWPanicRecover(r.log), MWRequestLog(r.log), MWTimeout(cmd.Timeout))
	if !run(func() { _ = final(ctx, req) }) {
		r.reply(ctx, chat, "busy, try again", false)
	}
}

func (r *Router) reply(ctx context.Context, to kit.ChatTarget, text string, html bool) {
	opt := &kit.SendOptions{DisablePreview: true}
	if html {
		opt.ParseMode = "HTML"
	}
	if _, err := r.send.SendText(ctx, to, text, opt); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

func (r *Router) track(id string, chat kit.ChatTarget) {
	r.pmu.Lock()
	r.pending[id] = chat
	r.pmu.Unlock()
}

// notifyLoop tells the requesting chat when its broadcast finishes.
func (r *Router) notifyLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != eventbus.BroadcastFinished {
				continue
			}
			out, ok := ev.Data.(broadcast.Outcome)
			if !ok {
				continue
			}
			r.pmu.Lock()
			chat, tracked := r.pending[out.BroadcastID]
			delete(r.pending, out.BroadcastID)
			r.pmu.Unlock()
			if !tracked {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			r.reply(sctx, chat, formatOutcome(out), true)
			cancel()
		}
	}
}

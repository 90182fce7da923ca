// Package telegram implements the transport adapter on top of the Telegram
// Bot API (telebot). It only acts as a bot: it can post to chats the bot was
// added to and receives updates for those chats.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"wavecast/internal/runtime/supervisor"
	kit "wavecast/internal/transport"
	logx "wavecast/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot   *tele.Bot
	out   atomic.Value // chan<- kit.Update
	runMu sync.Mutex
	sup   *supervisor.Supervisor

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the poll loop. Reported periodically to avoid per-update spam.
	droppedUpdates atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
		OnError: func(err error, _ tele.Context) {
			if !log.IsZero() {
				log.Warn("telebot handler error", logx.Err(err))
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.bot.Handle(tele.OnText, a.onText)
	return a, nil
}

func (a *Adapter) Username() string {
	if a.bot == nil || a.bot.Me == nil {
		return ""
	}
	return a.bot.Me.Username
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Chat == nil {
		return nil
	}
	msg := &kit.Message{
		ID:        m.ID,
		ChatID:    m.Chat.ID,
		ThreadID:  m.ThreadID,
		ChatType:  string(m.Chat.Type),
		ChatTitle: chatTitle(m.Chat),
		Text:      m.Text,
		IsPrivate: m.Chat.Type == tele.ChatPrivate,
	}
	if m.Sender != nil {
		msg.FromID = m.Sender.ID
		msg.FromUsername = m.Sender.Username
		msg.FromIsBot = m.Sender.IsBot
	}
	a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: msg})
	return nil
}

func chatTitle(c *tele.Chat) string {
	switch {
	case c.Title != "":
		return c.Title
	case c.Username != "":
		return "@" + c.Username
	default:
		return strings.TrimSpace(c.FirstName + " " + c.LastName)
	}
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

// Start begins long polling and forwards updates to out. Updates are dropped
// (and counted) when out is full.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.sup != nil {
		a.runMu.Unlock()
		return nil
	}
	a.out.Store(out)
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		// adapter errors should not take down the whole app
		supervisor.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := a.droppedUpdates.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until Stop; an early return while the context is alive
	// is treated as a failure and restarted.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started", logx.String("bot", a.Username()))
		a.bot.Start()
		if c.Err() != nil {
			a.log.Info("polling stopped")
			return nil
		}
		return errors.New("poller exited unexpectedly")
	}, 500*time.Millisecond, 10*time.Second)

	return nil
}

// Stop cancels polling and waits briefly; a long-poll in flight never
// blocks shutdown for more than the grace window.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", a.droppedUpdates.Load()))

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Stop(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// ResolveChat accepts "-100123", "-100123:45" (forum thread) or "@name".
func (a *Adapter) ResolveChat(ctx context.Context, ref string) (kit.Chat, error) {
	if err := ctx.Err(); err != nil {
		return kit.Chat{}, err
	}
	target, username, err := ParseChatRef(ref)
	if err != nil {
		return kit.Chat{}, err
	}

	var chat *tele.Chat
	if username != "" {
		chat, err = a.bot.ChatByUsername(username)
	} else {
		chat, err = a.bot.ChatByID(target.ChatID)
	}
	if err != nil {
		if isChatNotFound(err) {
			return kit.Chat{}, fmt.Errorf("%s: %w", ref, kit.ErrChatNotFound)
		}
		return kit.Chat{}, fmt.Errorf("resolve %s: %w", ref, err)
	}
	target.ChatID = chat.ID
	return kit.Chat{Target: target, Title: chatTitle(chat), Type: string(chat.Type)}, nil
}

// InviteLink returns the chat's primary invite link, exporting a new one when
// the chat has none. The bot needs the invite-users admin right.
func (a *Adapter) InviteLink(ctx context.Context, chatID int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	chat, err := a.bot.ChatByID(chatID)
	if err != nil {
		if isChatNotFound(err) {
			return "", fmt.Errorf("%d: %w", chatID, kit.ErrChatNotFound)
		}
		return "", fmt.Errorf("get chat %d: %w", chatID, err)
	}
	if chat.InviteLink != "" {
		return chat.InviteLink, nil
	}
	link, err := a.bot.InviteLink(chat)
	if err != nil {
		return "", fmt.Errorf("export invite link %d: %w", chatID, err)
	}
	return link, nil
}

// ParseChatRef splits a chat reference into a numeric target or a username.
func ParseChatRef(ref string) (kit.ChatTarget, string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return kit.ChatTarget{}, "", errors.New("empty chat reference")
	}
	if strings.HasPrefix(ref, "@") {
		if len(ref) < 2 {
			return kit.ChatTarget{}, "", fmt.Errorf("invalid chat reference %q", ref)
		}
		return kit.ChatTarget{}, ref, nil
	}

	idPart, threadPart, hasThread := strings.Cut(ref, ":")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return kit.ChatTarget{}, "", fmt.Errorf("invalid chat id %q", ref)
	}
	t := kit.ChatTarget{ChatID: id}
	if hasThread {
		tid, err := strconv.Atoi(threadPart)
		if err != nil || tid < 0 {
			return kit.ChatTarget{}, "", fmt.Errorf("invalid thread id in %q", ref)
		}
		t.ThreadID = tid
	}
	return t, "", nil
}

func isChatNotFound(err error) bool {
	if errors.Is(err, tele.ErrChatNotFound) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "chat not found")
}

// SendText sends text, split into chunks that fit Telegram's limit. The
// returned ref points at the first chunk.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitText(text, textLimit, opt.ParseMode)
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		sendOpt := &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		}
		if i == 0 && opt.ReplyTo != 0 {
			sendOpt.ReplyTo = &tele.Message{ID: opt.ReplyTo, Chat: chat}
		}

		msg, err := a.bot.Send(chat, chunk, sendOpt)
		if err != nil {
			if isChatNotFound(err) {
				err = fmt.Errorf("%w: %v", kit.ErrChatNotFound, err)
			}
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

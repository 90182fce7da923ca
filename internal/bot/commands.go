package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"wavecast/internal/broadcast"
	"wavecast/internal/config"
	logx "wavecast/pkg/logx"
	"wavecast/pkg/tgui"
)

// Defaults for /broadcast flags.
const (
	defaultChannelDelay = 500 * time.Millisecond
	defaultWaveDelay    = time.Second
	defaultCycleDelay   = 2 * time.Second
)

func (r *Router) commands() []Command {
	return []Command{
		{
			Name:        "broadcast",
			Aliases:     []string{"bc"},
			Description: "start a broadcast",
			Usage:       `/broadcast [--chats=a,b] [--waves=N] [--x=N] [--delay=0.5s] [--wave-delay=1s] [--cycle-delay=2s] [--name=N] "msg1" "msg2"`,
			Access:      AccessOwnerOnly,
			Timeout:     30 * time.Second,
			Handle:      r.cmdBroadcast,
		},
		{
			Name:        "kill",
			Description: "kill one broadcast, or all of yours",
			Usage:       "/kill [broadcast_id]",
			Access:      AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle:      r.cmdKill,
		},
		{
			Name:        "bstatus",
			Aliases:     []string{"status"},
			Description: "list your active broadcasts",
			Usage:       "/bstatus",
			Access:      AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle:      r.cmdStatus,
		},
		{
			Name:        "chats",
			Description: "list chats the bot has seen",
			Usage:       "/chats",
			Access:      AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle:      r.cmdChats,
		},
		{
			Name:        "invites",
			Description: "collect invite links for seen chats",
			Usage:       "/invites",
			Access:      AccessOwnerOnly,
			Timeout:     2 * time.Minute,
			Handle:      r.cmdInvites,
		},
		{
			Name:        "schedules",
			Description: "list scheduled broadcasts",
			Usage:       "/schedules",
			Access:      AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle:      r.cmdSchedules,
		},
		{
			Name:        "help",
			Aliases:     []string{"h", "start"},
			Description: "show this help",
			Usage:       "/help",
			Access:      AccessEveryone,
			Timeout:     10 * time.Second,
			Handle:      r.cmdHelp,
		},
	}
}

// parseBroadcast builds a request from command flags and positionals.
// Without --chats the current chat is the only target.
func parseBroadcast(req *Request) (broadcast.Request, error) {
	out := broadcast.Request{
		Owner:                req.Owner,
		Name:                 strings.TrimSpace(req.Flags["name"]),
		Messages:             req.Args,
		WaveCount:            1,
		Multiplier:           1,
		DelayBetweenChannels: defaultChannelDelay,
		DelayBetweenWaves:    defaultWaveDelay,
		DelayBetweenCycles:   defaultCycleDelay,
	}

	if raw, ok := req.Flags["chats"]; ok {
		for _, c := range strings.Split(raw, ",") {
			if c = strings.TrimSpace(c); c != "" {
				out.Channels = append(out.Channels, c)
			}
		}
	} else {
		ref := strconv.FormatInt(req.Chat.ChatID, 10)
		if req.Chat.ThreadID != 0 {
			ref += ":" + strconv.Itoa(req.Chat.ThreadID)
		}
		out.Channels = []string{ref}
	}

	var err error
	if out.WaveCount, err = intFlag(req.Flags, "waves", 1); err != nil {
		return out, err
	}
	if out.Multiplier, err = intFlag(req.Flags, "x", 1); err != nil {
		return out, err
	}
	if out.DelayBetweenChannels, err = delayFlag(req.Flags, "delay", defaultChannelDelay); err != nil {
		return out, err
	}
	if out.DelayBetweenWaves, err = delayFlag(req.Flags, "wave-delay", defaultWaveDelay); err != nil {
		return out, err
	}
	if out.DelayBetweenCycles, err = delayFlag(req.Flags, "cycle-delay", defaultCycleDelay); err != nil {
		return out, err
	}
	return out, nil
}

func intFlag(flags map[string]string, key string, def int) (int, error) {
	raw, ok := flags[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("--%s: %q is not a number", key, raw)
	}
	return n, nil
}

// delayFlag accepts a Go duration ("1.5s", "200ms") or plain seconds ("1.5").
func delayFlag(flags map[string]string, key string, def time.Duration) (time.Duration, error) {
	raw, ok := flags[key]
	if !ok {
		return def, nil
	}
	d, err := config.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("--%s: %w", key, err)
	}
	return d, nil
}

func (r *Router) cmdBroadcast(ctx context.Context, req *Request) error {
	breq, err := parseBroadcast(req)
	if err != nil {
		r.reply(ctx, req.Chat, err.Error(), false)
		return nil
	}
	id, err := r.deps.Broadcasts.StartBroadcast(ctx, breq)
	if err != nil {
		var be *broadcast.Error
		if errors.As(err, &be) && errors.Is(err, broadcast.ErrValidation) {
			r.reply(ctx, req.Chat, "rejected: "+be.Error(), false)
			return nil
		}
		r.reply(ctx, req.Chat, "broadcast failed to start", false)
		return err
	}
	r.track(id, req.Chat)
	req.Logger.Info("broadcast started", logx.String("broadcast_id", id), logx.Int("total", breq.TotalMessages()))
	r.reply(ctx, req.Chat, string(tgui.JoinH("\n",
		tgui.B("broadcast started"),
		tgui.Esc("id: ")+tgui.Code(id),
		tgui.Esc(fmt.Sprintf("%d channels, %d waves, x%d: %d messages", len(breq.Channels), breq.WaveCount, breq.Multiplier, breq.TotalMessages())),
		tgui.Esc("stop with ")+tgui.Code("/kill "+id),
	)), true)
	return nil
}

func (r *Router) cmdKill(ctx context.Context, req *Request) error {
	if len(req.Args) > 0 {
		id := req.Args[0]
		st, err := r.deps.Broadcasts.CancelOwned(req.Owner, id)
		if err != nil {
			r.reply(ctx, req.Chat, "no active broadcast "+id, false)
			return nil
		}
		r.reply(ctx, req.Chat, string(tgui.Esc("killing ")+tgui.Code(st.BroadcastID)+tgui.Esc(fmt.Sprintf(" (%d/%d sent)", st.SentCount, st.TotalMessages))), true)
		return nil
	}
	res := r.deps.Broadcasts.KillOwner(req.Owner)
	if res.KilledCount == 0 {
		r.reply(ctx, req.Chat, "no active broadcasts", false)
		return nil
	}
	r.reply(ctx, req.Chat, fmt.Sprintf("killing %d broadcast(s)", res.KilledCount), false)
	return nil
}

func (r *Router) cmdStatus(ctx context.Context, req *Request) error {
	r.reply(ctx, req.Chat, formatStatuses(r.deps.Broadcasts.Status(req.Owner)), true)
	return nil
}

func (r *Router) cmdChats(ctx context.Context, req *Request) error {
	if r.deps.Chats == nil {
		r.reply(ctx, req.Chat, "chat directory disabled", false)
		return nil
	}
	r.reply(ctx, req.Chat, formatChats(r.deps.Chats.List()), true)
	return nil
}

func (r *Router) cmdInvites(ctx context.Context, req *Request) error {
	if r.deps.Invites == nil {
		r.reply(ctx, req.Chat, "invite links unavailable", false)
		return nil
	}
	r.reply(ctx, req.Chat, formatInvites(r.deps.Invites.Collect(ctx)), true)
	return nil
}

func (r *Router) cmdSchedules(ctx context.Context, req *Request) error {
	if r.deps.Schedules == nil {
		r.reply(ctx, req.Chat, "no schedules configured", false)
		return nil
	}
	r.reply(ctx, req.Chat, formatSchedules(r.deps.Schedules.Snapshot(), time.Now()), true)
	return nil
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	r.mu.RLock()
	cmds := r.list
	r.mu.RUnlock()
	owner := r.isOwner(req.FromID)
	parts := []tgui.H{tgui.B("commands")}
	for _, c := range cmds {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		parts = append(parts, tgui.Code(c.Usage)+tgui.Esc(" "+c.Description))
	}
	r.reply(ctx, req.Chat, string(tgui.JoinH("\n", parts...)), true)
	return nil
}

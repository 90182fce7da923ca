package bot

import (
	"fmt"
	"strconv"
	"time"

	"wavecast/internal/broadcast"
	"wavecast/internal/chats"
	"wavecast/internal/schedule"
	"wavecast/pkg/tgui"
)

const maxListed = 30

func formatOutcome(o broadcast.Outcome) string {
	head := "broadcast finished"
	switch o.Result() {
	case broadcast.ResultKilled:
		head = "broadcast killed"
	case broadcast.ResultFailed:
		head = "broadcast failed"
	}
	lines := []tgui.H{
		tgui.B(head) + tgui.Esc(" ") + tgui.Code(o.BroadcastID),
		tgui.Esc(fmt.Sprintf("sent %d/%d, failed %d", o.TotalSent, o.TotalMessages, o.TotalFailed)),
		tgui.Esc(fmt.Sprintf("waves completed %d, channels reached %d", o.WavesCompleted, o.ChannelsReached)),
		tgui.Esc("took " + o.FinishedAt.Sub(o.StartedAt).Round(time.Millisecond).String()),
	}
	if o.Error != "" {
		lines = append(lines, tgui.I(tgui.TruncRunes(o.Error, 200)))
	}
	return string(tgui.JoinH("\n", lines...))
}

func formatStatuses(list []broadcast.Status) string {
	if len(list) == 0 {
		return "no active broadcasts"
	}
	lines := []tgui.H{tgui.B(fmt.Sprintf("%d active", len(list)))}
	for i, st := range list {
		if i == maxListed {
			lines = append(lines, tgui.Esc(fmt.Sprintf("... and %d more", len(list)-maxListed)))
			break
		}
		line := tgui.Code(st.BroadcastID) + tgui.Esc(fmt.Sprintf(" %d/%d sent, %d failed", st.SentCount, st.TotalMessages, st.FailedCount))
		if st.Name != "" {
			line += tgui.Esc(" ") + tgui.I(st.Name)
		}
		if !st.Running {
			line += tgui.Esc(" (stopping)")
		}
		lines = append(lines, line)
	}
	return string(tgui.JoinH("\n", lines...))
}

func formatChats(list []chats.Entry) string {
	if len(list) == 0 {
		return "no chats seen yet"
	}
	lines := []tgui.H{tgui.B(fmt.Sprintf("%d chats", len(list)))}
	for i, e := range list {
		if i == maxListed {
			lines = append(lines, tgui.Esc(fmt.Sprintf("... and %d more", len(list)-maxListed)))
			break
		}
		title := e.Title
		if title == "" {
			title = "(untitled)"
		}
		lines = append(lines, tgui.Code(e.Ref)+tgui.Esc(" "+tgui.TruncRunes(title, 48)+" ["+e.Type+"]"))
	}
	return string(tgui.JoinH("\n", lines...))
}

func formatInvites(list []chats.Invite) string {
	if len(list) == 0 {
		return "no chats seen yet"
	}
	found := 0
	for _, inv := range list {
		if inv.URL != "" {
			found++
		}
	}
	lines := []tgui.H{tgui.B(fmt.Sprintf("invite links %d/%d", found, len(list)))}
	for i, inv := range list {
		if i == maxListed {
			lines = append(lines, tgui.Esc(fmt.Sprintf("... and %d more", len(list)-maxListed)))
			break
		}
		title := inv.Title
		if title == "" {
			title = strconv.FormatInt(inv.ChatID, 10)
		}
		line := tgui.Esc(tgui.TruncRunes(title, 48) + " ")
		if inv.URL != "" {
			line += tgui.Code(inv.URL)
		} else {
			line += tgui.I(tgui.TruncRunes(inv.Error, 80))
		}
		lines = append(lines, line)
	}
	return string(tgui.JoinH("\n", lines...))
}

func formatSchedules(list []schedule.Info, now time.Time) string {
	if len(list) == 0 {
		return "no schedules configured"
	}
	lines := []tgui.H{tgui.B(fmt.Sprintf("%d schedules", len(list)))}
	for _, it := range list {
		line := tgui.Code(it.Name) + tgui.Esc(" "+it.Spec+fmt.Sprintf(" fired %d, skipped %d", it.Fired, it.Skipped))
		if !it.Next.IsZero() {
			line += tgui.Esc(" next in " + it.Next.Sub(now).Round(time.Second).String())
		}
		if it.LastErr != "" {
			line += tgui.Esc(" last error: ") + tgui.I(tgui.TruncRunes(it.LastErr, 80))
		}
		lines = append(lines, line)
	}
	return string(tgui.JoinH("\n", lines...))
}

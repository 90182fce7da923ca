package chats

import (
	"context"
	"time"

	kit "wavecast/internal/transport"
)

// Invite is the join link for one known chat, or the reason there is none.
type Invite struct {
	ChatID int64  `json:"chat_id"`
	Title  string `json:"title"`
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Inviter collects invite links for the chats in a directory.
type Inviter struct {
	Dir   *Directory
	Links kit.InviteLinker
	// PerChat bounds each lookup; zero means 10s.
	PerChat time.Duration
}

// Collect asks for a link for every known chat in directory order. A failing
// chat is reported in its Error field and does not stop the rest.
func (iv Inviter) Collect(ctx context.Context) []Invite {
	per := iv.PerChat
	if per <= 0 {
		per = 10 * time.Second
	}
	list := iv.Dir.List()
	out := make([]Invite, 0, len(list))
	for _, e := range list {
		if ctx.Err() != nil {
			break
		}
		inv := Invite{ChatID: e.ID, Title: e.Title}
		cctx, cancel := context.WithTimeout(ctx, per)
		url, err := iv.Links.InviteLink(cctx, e.ID)
		cancel()
		if err != nil {
			inv.Error = err.Error()
		} else {
			inv.URL = url
		}
		out = append(out, inv)
	}
	return out
}

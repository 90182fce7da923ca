package transport

import (
	"context"
	"errors"
)

// ErrChatNotFound is returned by ResolveChat when the platform does not know
// the chat or the bot is not a member of it.
var ErrChatNotFound = errors.New("chat not found")

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	ChatType     string
	ChatTitle    string
	FromID       int64
	FromUsername string
	FromIsBot    bool
	Text         string
	IsPrivate    bool
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// Chat is a resolved destination.
type Chat struct {
	Target ChatTarget
	Title  string
	Type   string
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	ReplyTo        int
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	// ResolveChat looks up a chat reference ("-100123", "-100123:45", "@name").
	ResolveChat(ctx context.Context, ref string) (Chat, error)
	// Username is the bot's own username, without "@".
	Username() string
}

// InviteLinker returns a join link for a chat the bot administers.
type InviteLinker interface {
	InviteLink(ctx context.Context, chatID int64) (string, error)
}

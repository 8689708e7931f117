// Package transport defines the chat-platform ports used by the bot.
//
// Platform adapters (internal/transport/telegram) translate platform updates into
// Update values and deliver outgoing text. Nothing outside the adapter imports a
// platform SDK.
package transport

import "context"

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
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Notification is a message queued for asynchronous delivery.
type Notification struct {
	Channel  string // adapter name; also part of the dedup key
	Priority int    // 0 low.. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// ChannelChecker reports whether a chat can currently receive messages
// (it still exists and the bot is still a member).
type ChannelChecker interface {
	ChannelReachable(ctx context.Context, chatID int64) bool
}

type Adapter interface {
	Sender
	ChannelChecker

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

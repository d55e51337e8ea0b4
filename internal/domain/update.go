package domain

import "context"

// ChatKind classifies the chat an update came from.
type ChatKind int

const (
	ChatOther ChatKind = iota
	ChatPrivate
	ChatGroup
	ChatSupergroup
)

func (k ChatKind) String() string {
	switch k {
	case ChatPrivate:
		return "private"
	case ChatGroup:
		return "group"
	case ChatSupergroup:
		return "supergroup"
	default:
		return "other"
	}
}

// IsGroup reports whether messages can be relayed into chats of this kind.
func (k ChatKind) IsGroup() bool {
	return k == ChatGroup || k == ChatSupergroup
}

// Chat is the source chat of a message.
type Chat struct {
	ID    int64
	Title string
	Kind  ChatKind
}

// Message is the part of a backend message the relay reads.
type Message struct {
	ID   int
	Text string
	Chat *Chat
}

// Update is one event delivered by the messaging backend.
type Update struct {
	ID      int
	Message *Message
}

// Backend is the long-polling messaging service the relay drives.
type Backend interface {
	// FetchUpdates returns updates with ID >= offset.
	FetchUpdates(ctx context.Context, offset int) ([]Update, error)
	SendText(ctx context.Context, chatID int64, text string) error
}

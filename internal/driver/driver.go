// Package driver defines the contract the daemon consumes from a messaging-channel
// driver. Implementations live elsewhere (internal/wa); the core only sees these types.
package driver

import (
	"cmp"
	"context"
	"strings"
)

// Chat is a raw chat entry as reported by the driver.
type Chat struct {
	ID          string
	Name        string
	IsGroup     bool
	UnreadCount int
	LastMessage *Preview
}

// Timestamp is the preview time, or zero without a preview.
func (c Chat) Timestamp() int64 {
	if c.LastMessage == nil {
		return 0
	}
	return c.LastMessage.Timestamp
}

// CompareRecency orders chats most recent first, breaking ties by id. Use it
// with slices.SortFunc.
func CompareRecency(a, b Chat) int {
	if c := cmp.Compare(b.Timestamp(), a.Timestamp()); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Preview is the last message attached to a chat entry.
type Preview struct {
	Body      string
	Timestamp int64 // unix seconds
}

// Contact is the driver's view of a contact.
type Contact struct {
	ID          string
	PushName    string
	Name        string
	Number      string
	IsBusiness  bool
	IsMyContact bool
}

// Message is a single message as seen by the driver.
type Message struct {
	ID        string // globally unique
	ChatID    string
	Body      string
	FromMe    bool
	From      string
	To        string
	Author    string // group participant, empty for direct chats
	Timestamp int64  // unix seconds
	HasMedia  bool
	MediaType string
}

// Content is an outbound message body. Media is optional.
type Content struct {
	Text  string
	Media *Media
}

// Media is an attachment ready to upload.
type Media struct {
	MimeType string
	Data     []byte
	FileName string
}

// Health reports the liveness of the driver's automation context.
type Health struct {
	PageAlive    bool
	HasNamespace bool
	HasHelper    bool
}

// OK reports whether every probe passed.
func (h Health) OK() bool {
	return h.PageAlive && h.HasNamespace && h.HasHelper
}

// Handler receives driver events.
type Handler func(Event)

// Client is a single driver handle bound to one instance's credentials.
type Client interface {
	// Initialize starts (or restarts) the session. It may be called again on the same
	// handle after the automation context was lost.
	Initialize(ctx context.Context) error
	// Destroy tears the handle down. The handle must not be reused afterwards.
	Destroy(ctx context.Context) error

	AddListener(h Handler)
	RemoveAllListeners()

	// Probe checks the automation context without mutating it.
	Probe(ctx context.Context) Health
	// Reinject restores missing helpers in the automation context.
	Reinject(ctx context.Context) error

	Chats(ctx context.Context) ([]Chat, error)
	Chat(ctx context.Context, chatID string) (*Chat, error)
	Contact(ctx context.Context, id string) (*Contact, error)
	ProfilePicture(ctx context.Context, id string) (string, error)
	FetchMessages(ctx context.Context, chatID string, limit int) ([]Message, error)
	SendMessage(ctx context.Context, chatID string, content Content) (string, error)
}

// Factory builds a driver handle for an instance bound to a credentials path.
type Factory func(instanceID, credentialsPath string) (Client, error)

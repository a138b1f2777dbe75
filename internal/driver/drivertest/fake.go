// Package drivertest provides an in-memory driver.Client for tests.
package drivertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/matheus3301/wpphub/internal/driver"
)

// Client is a scriptable fake driver. Zero-value hooks fall back to the static data
// fields. Counters are safe to read concurrently.
type Client struct {
	ID              string
	CredentialsPath string

	mu        sync.Mutex
	listeners []driver.Handler
	chats     []driver.Chat
	contacts  map[string]*driver.Contact
	pictures  map[string]string
	messages  map[string][]driver.Message
	health    driver.Health
	sent      []Sent

	InitializeFunc func(ctx context.Context) error
	ChatsFunc      func(ctx context.Context) ([]driver.Chat, error)
	ChatFunc       func(ctx context.Context, chatID string) (*driver.Chat, error)
	ReinjectFunc   func(ctx context.Context) error
	FetchFunc      func(ctx context.Context, chatID string, limit int) ([]driver.Message, error)
	SendFunc       func(ctx context.Context, chatID string, content driver.Content) (string, error)

	Initializes atomic.Int32
	Destroys    atomic.Int32
	ChatCalls   atomic.Int32
	Reinjects   atomic.Int32
	Destroyed   atomic.Bool
}

// Sent records one SendMessage call.
type Sent struct {
	ChatID  string
	Content driver.Content
}

// NewClient returns a healthy fake with no data.
func NewClient() *Client {
	return &Client{
		contacts: make(map[string]*driver.Contact),
		pictures: make(map[string]string),
		messages: make(map[string][]driver.Message),
		health:   driver.Health{PageAlive: true, HasNamespace: true, HasHelper: true},
	}
}

// SetChats replaces the chat list returned by Chats.
func (c *Client) SetChats(chats ...driver.Chat) {
	c.mu.Lock()
	c.chats = chats
	c.mu.Unlock()
}

// SetContact registers a contact.
func (c *Client) SetContact(ct driver.Contact) {
	c.mu.Lock()
	c.contacts[ct.ID] = &ct
	c.mu.Unlock()
}

// SetPicture registers a profile picture URL.
func (c *Client) SetPicture(id, url string) {
	c.mu.Lock()
	c.pictures[id] = url
	c.mu.Unlock()
}

// SetMessages replaces the history returned by FetchMessages for a chat.
func (c *Client) SetMessages(chatID string, msgs ...driver.Message) {
	c.mu.Lock()
	c.messages[chatID] = msgs
	c.mu.Unlock()
}

// SetHealth changes the probe result.
func (c *Client) SetHealth(h driver.Health) {
	c.mu.Lock()
	c.health = h
	c.mu.Unlock()
}

// SentMessages returns a copy of every SendMessage call.
func (c *Client) SentMessages() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// ListenerCount returns the number of registered listeners.
func (c *Client) ListenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

// Emit delivers evt to every listener synchronously.
func (c *Client) Emit(evt driver.Event) {
	c.mu.Lock()
	ls := append([]driver.Handler(nil), c.listeners...)
	c.mu.Unlock()
	for _, h := range ls {
		h(evt)
	}
}

func (c *Client) Initialize(ctx context.Context) error {
	c.Initializes.Add(1)
	if c.InitializeFunc != nil {
		return c.InitializeFunc(ctx)
	}
	return nil
}

func (c *Client) Destroy(_ context.Context) error {
	c.Destroys.Add(1)
	c.Destroyed.Store(true)
	return nil
}

func (c *Client) AddListener(h driver.Handler) {
	c.mu.Lock()
	c.listeners = append(c.listeners, h)
	c.mu.Unlock()
}

func (c *Client) RemoveAllListeners() {
	c.mu.Lock()
	c.listeners = nil
	c.mu.Unlock()
}

func (c *Client) Probe(_ context.Context) driver.Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

func (c *Client) Reinject(ctx context.Context) error {
	c.Reinjects.Add(1)
	if c.ReinjectFunc != nil {
		return c.ReinjectFunc(ctx)
	}
	c.SetHealth(driver.Health{PageAlive: true, HasNamespace: true, HasHelper: true})
	return nil
}

func (c *Client) Chats(ctx context.Context) ([]driver.Chat, error) {
	c.ChatCalls.Add(1)
	if c.ChatsFunc != nil {
		return c.ChatsFunc(ctx)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]driver.Chat(nil), c.chats...), nil
}

func (c *Client) Chat(ctx context.Context, chatID string) (*driver.Chat, error) {
	if c.ChatFunc != nil {
		return c.ChatFunc(ctx, chatID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.chats {
		if c.chats[i].ID == chatID {
			ch := c.chats[i]
			return &ch, nil
		}
	}
	return nil, fmt.Errorf("chat %q not found", chatID)
}

func (c *Client) Contact(_ context.Context, id string) (*driver.Contact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, ok := c.contacts[id]
	if !ok {
		return nil, fmt.Errorf("contact %q not found", id)
	}
	cp := *ct
	return &cp, nil
}

func (c *Client) ProfilePicture(_ context.Context, id string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	url, ok := c.pictures[id]
	if !ok {
		return "", fmt.Errorf("no picture for %q", id)
	}
	return url, nil
}

func (c *Client) FetchMessages(ctx context.Context, chatID string, limit int) ([]driver.Message, error) {
	if c.FetchFunc != nil {
		return c.FetchFunc(ctx, chatID, limit)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.messages[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]driver.Message(nil), msgs...), nil
}

func (c *Client) SendMessage(ctx context.Context, chatID string, content driver.Content) (string, error) {
	c.mu.Lock()
	c.sent = append(c.sent, Sent{ChatID: chatID, Content: content})
	n := len(c.sent)
	c.mu.Unlock()
	if c.SendFunc != nil {
		return c.SendFunc(ctx, chatID, content)
	}
	return fmt.Sprintf("true_%s_SENT%d", chatID, n), nil
}

// Factory hands out fake clients and remembers every one it built.
type Factory struct {
	mu      sync.Mutex
	clients []*Client
	// Prepare, when set, customizes each client before it is returned.
	Prepare func(c *Client)
	// Err, when set, is returned instead of a client.
	Err error

	Builds atomic.Int32
}

// New implements driver.Factory.
func (f *Factory) New(instanceID, credentialsPath string) (driver.Client, error) {
	f.Builds.Add(1)
	if f.Err != nil {
		return nil, f.Err
	}
	c := NewClient()
	c.ID = instanceID
	c.CredentialsPath = credentialsPath
	if f.Prepare != nil {
		f.Prepare(c)
	}
	f.mu.Lock()
	f.clients = append(f.clients, c)
	f.mu.Unlock()
	return c, nil
}

// Clients returns every client built so far.
func (f *Factory) Clients() []*Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Client(nil), f.clients...)
}

// Last returns the most recently built client, or nil.
func (f *Factory) Last() *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

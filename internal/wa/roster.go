package wa

import (
	"slices"
	"sync"

	"github.com/matheus3301/wpphub/internal/driver"
)

// ringSize bounds the messages kept per chat.
const ringSize = 1000

// roster is the adapter's view of the chat list. whatsmeow has no chat list
// query, so it is rebuilt from history sync batches and live traffic.
type roster struct {
	mu    sync.Mutex
	chats map[string]*driver.Chat
	msgs  map[string][]driver.Message
	seen  map[string]struct{}
}

func newRoster() *roster {
	return &roster{
		chats: make(map[string]*driver.Chat),
		msgs:  make(map[string][]driver.Message),
		seen:  make(map[string]struct{}),
	}
}

// touch returns the entry for id, creating it.
func (r *roster) touch(id string, group bool) *driver.Chat {
	c, ok := r.chats[id]
	if !ok {
		c = &driver.Chat{ID: id, IsGroup: group}
		r.chats[id] = c
	}
	return c
}

// name records a chat name if one is known. Empty names never clear.
func (r *roster) name(id string, group bool, name string) {
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch(id, group).Name = name
}

// setUnread overwrites the unread counter, as reported by history sync.
func (r *roster) setUnread(id string, group bool, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch(id, group).UnreadCount = n
}

// observe appends m to its chat. live messages from others bump the unread
// counter. It reports false for a message already seen.
func (r *roster) observe(m driver.Message, group, live bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[m.ID]; ok {
		return false
	}
	r.seen[m.ID] = struct{}{}

	c := r.touch(m.ChatID, group)
	if c.LastMessage == nil || m.Timestamp >= c.LastMessage.Timestamp {
		c.LastMessage = &driver.Preview{Body: m.Body, Timestamp: m.Timestamp}
	}
	if live && !m.FromMe {
		c.UnreadCount++
	}
	if live && m.FromMe {
		c.UnreadCount = 0
	}

	ring := append(r.msgs[m.ChatID], m)
	slices.SortStableFunc(ring, func(a, b driver.Message) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		}
		return 0
	})
	if over := len(ring) - ringSize; over > 0 {
		for _, old := range ring[:over] {
			delete(r.seen, old.ID)
		}
		ring = slices.Clone(ring[over:])
	}
	r.msgs[m.ChatID] = ring
	return true
}

func (r *roster) get(id string) (driver.Chat, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chats[id]
	if !ok {
		return driver.Chat{}, false
	}
	return copyChat(c), true
}

// list returns every chat, most recent first. Chats without a preview sort
// last; ties break on id so the order is stable across calls.
func (r *roster) list() []driver.Chat {
	r.mu.Lock()
	out := make([]driver.Chat, 0, len(r.chats))
	for _, c := range r.chats {
		out = append(out, copyChat(c))
	}
	r.mu.Unlock()
	slices.SortFunc(out, driver.CompareRecency)
	return out
}

// history returns up to limit of the newest messages of a chat, oldest first.
func (r *roster) history(id string, limit int) []driver.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	ring := r.msgs[id]
	if limit > 0 && len(ring) > limit {
		ring = ring[len(ring)-limit:]
	}
	return slices.Clone(ring)
}

func (r *roster) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chats)
}

func copyChat(c *driver.Chat) driver.Chat {
	out := *c
	if c.LastMessage != nil {
		p := *c.LastMessage
		out.LastMessage = &p
	}
	return out
}

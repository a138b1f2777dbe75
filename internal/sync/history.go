package sync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/matheus3301/wpphub/internal/driver"
	"github.com/matheus3301/wpphub/internal/naming"
	"github.com/matheus3301/wpphub/internal/store"
	"go.uber.org/zap"
)

// History limits.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 1000
)

// HistoryMessage is a message as served to clients.
type HistoryMessage struct {
	store.Message
	SenderName string `json:"senderName,omitempty"`
	HasMedia   bool   `json:"hasMedia"`
	MediaType  string `json:"mediaType,omitempty"`
}

// ContactInfo describes the other side of a chat.
type ContactInfo struct {
	ChatID         string     `json:"chatId"`
	Name           string     `json:"name"`
	Number         string     `json:"number"`
	IsGroup        bool       `json:"isGroup"`
	ProfilePicURL  *string    `json:"profilePicUrl"`
	MessageCount   int        `json:"messageCount"`
	FirstMessageAt *time.Time `json:"firstMessageDate"`
	LastMessageAt  *time.Time `json:"lastMessageDate"`
	IsBusiness     bool       `json:"isBusiness"`
	IsMyContact    bool       `json:"isMyContact"`
}

// History reads chat history from the driver, mirroring it into the store.
type History struct {
	instances Instances
	db        *store.DB
	logger    *zap.Logger
}

// NewHistory creates a history reader. db may be nil.
func NewHistory(instances Instances, db *store.DB, logger *zap.Logger) *History {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &History{instances: instances, db: db, logger: logger}
}

// Messages returns up to limit recent messages of a chat in ascending time
// order. limit is clamped to [1, MaxHistoryLimit]; zero means the default.
// When the driver fails and a store is configured, stored messages are served.
func (h *History) Messages(ctx context.Context, instanceID, chatID string, limit int) ([]HistoryMessage, error) {
	rt, err := h.instances.Lookup(instanceID)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	logger := h.logger.With(zap.String("instance", instanceID), zap.String("chat", chatID))
	client := rt.Client()

	raw, err := client.FetchMessages(ctx, chatID, limit)
	if err != nil {
		err = driver.Classify("fetch messages", err)
		if !h.db.Enabled() {
			return nil, err
		}
		logger.Warn("fetch messages failed, serving stored history", zap.Error(err))
		stored, serr := h.db.ListMessages(chatID, limit)
		if serr != nil {
			return nil, fmt.Errorf("list stored messages: %w", serr)
		}
		out := make([]HistoryMessage, len(stored))
		for i := range stored {
			out[i] = HistoryMessage{Message: stored[i]}
		}
		return out, nil
	}

	isGroup := isGroupID(chatID)
	if c, err := client.Chat(ctx, chatID); err == nil && c != nil {
		isGroup = c.IsGroup
	}

	senders := make(map[string]string)
	out := make([]HistoryMessage, 0, len(raw))
	for _, m := range raw {
		if m.ID == "" {
			continue
		}
		body := m.Body
		if body == "" && m.HasMedia {
			body = MediaPlaceholder
		}
		hm := HistoryMessage{
			Message: store.Message{
				ID:         m.ID,
				InstanceID: instanceID,
				ChatID:     chatID,
				Body:       body,
				FromMe:     m.FromMe,
				From:       m.From,
				To:         m.To,
				Ts:         m.Timestamp,
			},
			HasMedia:  m.HasMedia,
			MediaType: m.MediaType,
		}
		if isGroup && !m.FromMe {
			hm.SenderName = senderName(ctx, client, m, senders)
		}
		out = append(out, hm)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ts < out[j].Ts })

	h.persist(rt.ID(), string(rt.Status()), chatID, isGroup, out, logger)
	return out, nil
}

// persist mirrors fetched history into the store, best-effort.
func (h *History) persist(instanceID, status, chatID string, isGroup bool, msgs []HistoryMessage, logger *zap.Logger) {
	if !h.db.Enabled() || len(msgs) == 0 {
		return
	}
	if err := h.db.EnsureChat(instanceID, status, chatID, isGroup); err != nil {
		logger.Warn("ensure chat failed", zap.Error(err))
		return
	}
	batch := make([]store.Message, len(msgs))
	for i, m := range msgs {
		batch[i] = m.Message
		if m.HasMedia && m.Body == MediaPlaceholder {
			batch[i].Body = ""
		}
	}
	n, err := h.db.InsertMessages(batch)
	if err != nil {
		logger.Warn("persist history failed", zap.Error(err))
		return
	}
	logger.Debug("history persisted", zap.Int("fetched", len(batch)), zap.Int("new", n))
}

// senderName resolves a group participant's name, caching by sender id.
func senderName(ctx context.Context, client driver.Client, m driver.Message, cache map[string]string) string {
	id := m.Author
	if id == "" {
		id = m.From
	}
	if id == "" {
		return ""
	}
	if name, ok := cache[id]; ok {
		return name
	}
	var name string
	if ct, err := client.Contact(ctx, id); err == nil && ct != nil {
		switch {
		case ct.PushName != "":
			name = ct.PushName
		case ct.Name != "":
			name = ct.Name
		default:
			name = ct.Number
		}
	}
	cache[id] = name
	return name
}

// ContactInfo describes a chat's counterpart and its stored history.
func (h *History) ContactInfo(ctx context.Context, instanceID, chatID string) (*ContactInfo, error) {
	rt, err := h.instances.Lookup(instanceID)
	if err != nil {
		return nil, err
	}
	client := rt.Client()
	chat, err := client.Chat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("contact info %s: %w", chatID, driver.Classify("get chat", err))
	}

	user, _, _ := strings.Cut(chatID, "@")
	info := &ContactInfo{ChatID: chatID, Number: user, IsGroup: chat.IsGroup}
	var contact *driver.Contact
	if !chat.IsGroup {
		if ct, err := client.Contact(ctx, chatID); err == nil && ct != nil {
			contact = ct
			if ct.Number != "" {
				info.Number = ct.Number
			}
			info.IsBusiness = ct.IsBusiness
			info.IsMyContact = ct.IsMyContact
			picID := ct.ID
			if picID == "" {
				picID = chatID
			}
			if url, err := client.ProfilePicture(ctx, picID); err == nil && url != "" {
				info.ProfilePicURL = &url
			}
		}
	}

	candidates := []string{chat.Name}
	if contact != nil {
		candidates = append(candidates, contact.Name, contact.PushName)
	}
	info.Name = naming.Pick(chatID, candidates...)
	if info.Name == "" {
		info.Name = info.Number
	}

	if h.db.Enabled() {
		stats, err := h.db.ChatMessageStats(chatID)
		if err != nil {
			h.logger.Warn("read message stats failed", zap.String("chat", chatID), zap.Error(err))
		} else {
			info.MessageCount = stats.Count
			if stats.FirstTs > 0 {
				t := time.Unix(stats.FirstTs, 0).UTC()
				info.FirstMessageAt = &t
			}
			if stats.LastTs > 0 {
				t := time.Unix(stats.LastTs, 0).UTC()
				info.LastMessageAt = &t
			}
		}
	}
	return info, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return limit
}

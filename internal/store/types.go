package store

import (
	"encoding/json"
	"strings"
)

// Stage is a funnel stage of a chat. The persisted values are part of the data
// contract and must not change.
type Stage string

const (
	StageInbound     Stage = "Entrada"
	StageContacted   Stage = "Contatado"
	StageNegotiating Stage = "Negociação"
	StageWon         Stage = "Ganho"
	StageLost        Stage = "Perdido"
)

// Stages lists every valid stage in funnel order.
var Stages = []Stage{StageInbound, StageContacted, StageNegotiating, StageWon, StageLost}

// ParseStage returns the stage named s, or false if s is not one.
func ParseStage(s string) (Stage, bool) {
	for _, st := range Stages {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Roles.
const (
	RoleAdmin    = "admin"
	RoleEmployee = "employee"
)

// Instance is the persisted status of one channel instance.
type Instance struct {
	ID     string
	Status string
}

// Chat is a persisted chat row. Empty strings stand for NULL columns.
type Chat struct {
	ID          string
	InstanceID  string
	Name        string
	IsGroup     bool
	UnreadCount int
	LastMessage string
	LastTs      int64
	Tags        []string
	Stage       Stage
	OwnerUserID string
}

// ChatMeta holds the user-owned fields of a chat.
type ChatMeta struct {
	ID          string
	Name        string
	Tags        []string
	Stage       Stage
	OwnerUserID string
}

// ChatSnapshot is what a sync writes for a chat. Name is only applied when the
// stored name is missing or not displayable; leave it empty to never touch it.
type ChatSnapshot struct {
	ID          string
	Name        string
	IsGroup     bool
	UnreadCount int
	LastMessage string
	LastTs      int64
}

// ChatSummary is the client-facing view of a chat.
type ChatSummary struct {
	ID            string   `json:"id"`
	InstanceID    string   `json:"instanceId"`
	Name          string   `json:"name"`
	IsGroup       bool     `json:"isGroup"`
	UnreadCount   int      `json:"unreadCount"`
	LastMessage   string   `json:"lastMessage"`
	LastTs        int64    `json:"lastTs"`
	Tags          []string `json:"tags"`
	Stage         Stage    `json:"stage"`
	OwnerUserID   string   `json:"ownerUserId,omitempty"`
	ProfilePicURL *string  `json:"profilePicUrl"`
}

// Summary converts a persisted chat into its client-facing view, without picture.
func (c *Chat) Summary() ChatSummary {
	return ChatSummary{
		ID:          c.ID,
		InstanceID:  c.InstanceID,
		Name:        c.Name,
		IsGroup:     c.IsGroup,
		UnreadCount: c.UnreadCount,
		LastMessage: c.LastMessage,
		LastTs:      c.LastTs,
		Tags:        nonNilTags(c.Tags),
		Stage:       c.Stage,
		OwnerUserID: c.OwnerUserID,
	}
}

// Message is a persisted message. Id is globally unique.
type Message struct {
	ID         string `json:"id"`
	InstanceID string `json:"instanceId"`
	ChatID     string `json:"chatId"`
	Body       string `json:"body"`
	FromMe     bool   `json:"fromMe"`
	From       string `json:"from"`
	To         string `json:"to"`
	Ts         int64  `json:"ts"`
}

// User is an operator of the CRM.
type User struct {
	ID   string
	Name string
	Role string
}

// OutboxEntry represents an outgoing message and its delivery state.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	InstanceID   string
	ChatID       string
	Body         string
	MediaType    string
	Status       string // queued, sent, failed
	ErrorMessage string
	ServerMsgID  string
}

// NormalizeTags trims, drops empties and duplicates, keeping first-seen order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func encodeTags(tags []string) string {
	b, err := json.Marshal(NormalizeTags(tags))
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeTags(raw string) []string {
	var tags []string
	if raw == "" || json.Unmarshal([]byte(raw), &tags) != nil {
		return []string{}
	}
	return nonNilTags(tags)
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

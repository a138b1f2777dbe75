package chatlist

import (
	"context"

	"github.com/matheus3301/wpphub/internal/driver"
	"github.com/matheus3301/wpphub/internal/naming"
	"github.com/matheus3301/wpphub/internal/store"
)

// mapped is a driver chat turned into a summary. trustedName is the name the
// driver or the contact book reported, if any; only that one may be persisted.
type mapped struct {
	summary     store.ChatSummary
	trustedName string
}

func mapChat(ctx context.Context, client driver.Client, instanceID string, c driver.Chat, stored store.ChatMeta) mapped {
	s := store.ChatSummary{
		ID:          c.ID,
		InstanceID:  instanceID,
		IsGroup:     c.IsGroup,
		UnreadCount: c.UnreadCount,
		Tags:        stored.Tags,
		Stage:       stored.Stage,
		OwnerUserID: stored.OwnerUserID,
	}
	if s.Tags == nil {
		s.Tags = []string{}
	}
	if s.Stage == "" {
		s.Stage = store.StageInbound
	}
	if c.LastMessage != nil {
		s.LastMessage = c.LastMessage.Body
		s.LastTs = c.LastMessage.Timestamp
	}
	if c.ID == "" {
		return mapped{summary: s}
	}

	var (
		contact       *driver.Contact
		contactLoaded bool
	)
	lookupContact := func() *driver.Contact {
		if !contactLoaded {
			contactLoaded = true
			contact, _ = client.Contact(ctx, c.ID)
		}
		return contact
	}

	var trusted string
	switch {
	case naming.IsDisplayable(stored.Name, c.ID):
		s.Name = stored.Name
	case naming.IsDisplayable(c.Name, c.ID):
		s.Name = c.Name
		trusted = c.Name
	default:
		s.Name, trusted = contactName(c.ID, lookupContact())
	}

	s.ProfilePicURL = picture(ctx, client, c, lookupContact)
	return mapped{summary: s, trustedName: trusted}
}

// contactName resolves a name from the contact book, falling back to the
// contact number and then the truncated id. Only book names are trusted.
func contactName(chatID string, ct *driver.Contact) (name, trusted string) {
	if ct != nil {
		if naming.IsDisplayable(ct.PushName, chatID) {
			return ct.PushName, ct.PushName
		}
		if naming.IsDisplayable(ct.Name, chatID) {
			return ct.Name, ct.Name
		}
		if ct.Number != "" {
			return ct.Number, ""
		}
	}
	return naming.Fallback(chatID), ""
}

// picture resolves a profile picture. Groups use the chat id; individuals go
// through their contact first. Failures yield nil.
func picture(ctx context.Context, client driver.Client, c driver.Chat, contact func() *driver.Contact) *string {
	id := c.ID
	if !c.IsGroup {
		if ct := contact(); ct != nil && ct.ID != "" {
			id = ct.ID
		}
	}
	url, err := client.ProfilePicture(ctx, id)
	if err != nil || url == "" {
		return nil
	}
	return &url
}

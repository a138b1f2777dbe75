// Package wa implements the messaging driver on top of whatsmeow.
package wa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/matheus3301/wpphub/internal/driver"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

var (
	errDestroyed    = errors.New("driver destroyed")
	errNotConnected = errors.New("websocket not connected")
)

// Adapter is a driver.Client backed by one whatsmeow client.
type Adapter struct {
	instanceID string
	logger     *zap.Logger
	roster     *roster

	mu        sync.Mutex
	client    *whatsmeow.Client
	handlerID uint32
	listeners []driver.Handler
	contacts  bool // contact names loaded into the roster
	destroyed bool
}

var _ driver.Client = (*Adapter)(nil)

// NewAdapter wraps client. client may be nil, in which case only event
// translation works.
func NewAdapter(instanceID string, client *whatsmeow.Client, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{
		instanceID: instanceID,
		logger:     logger.With(zap.String("instance", instanceID)),
		roster:     newRoster(),
		client:     client,
	}
	if client != nil {
		a.handlerID = client.AddEventHandler(a.handle)
	}
	return a
}

func (a *Adapter) live() (*whatsmeow.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed || a.client == nil {
		return nil, driver.ContextLost("driver", errDestroyed)
	}
	return a.client, nil
}

// connected returns the client only while its websocket is up.
func (a *Adapter) connected(op string) (*whatsmeow.Client, error) {
	client, err := a.live()
	if err != nil {
		return nil, err
	}
	if !client.IsConnected() {
		return nil, driver.ContextLost(op, errNotConnected)
	}
	return client, nil
}

// Initialize connects the client. A device without credentials starts
// pairing and reports codes as QR events. Calling it on a connected client
// reconnects.
func (a *Adapter) Initialize(ctx context.Context) error {
	client, err := a.live()
	if err != nil {
		return err
	}
	if client.IsConnected() {
		a.logger.Info("reconnecting to WhatsApp")
		client.Disconnect()
	}
	if client.Store.ID == nil {
		qr, err := client.GetQRChannel(context.WithoutCancel(ctx))
		if err != nil {
			return fmt.Errorf("get QR channel: %w", err)
		}
		go a.pair(qr)
	}
	a.logger.Info("connecting to WhatsApp")
	if err := client.Connect(); err != nil {
		return classify("connect", err)
	}
	return nil
}

// Destroy disconnects and detaches the client.
func (a *Adapter) Destroy(ctx context.Context) error {
	a.mu.Lock()
	client := a.client
	already := a.destroyed
	a.destroyed = true
	a.listeners = nil
	a.mu.Unlock()
	if already || client == nil {
		return nil
	}
	client.RemoveEventHandler(a.handlerID)
	client.Disconnect()
	a.logger.Info("disconnected from WhatsApp")
	return nil
}

func (a *Adapter) AddListener(h driver.Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, h)
}

func (a *Adapter) RemoveAllListeners() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = nil
}

func (a *Adapter) dispatch(evt driver.Event) {
	a.mu.Lock()
	ls := append([]driver.Handler(nil), a.listeners...)
	a.mu.Unlock()
	for _, h := range ls {
		h(evt)
	}
}

// Probe maps the websocket, the device credentials and the contact cache
// onto the three health checks.
func (a *Adapter) Probe(ctx context.Context) driver.Health {
	client, err := a.live()
	if err != nil {
		return driver.Health{}
	}
	a.mu.Lock()
	loaded := a.contacts
	a.mu.Unlock()
	return driver.Health{
		PageAlive:    client.IsConnected(),
		HasNamespace: client.IsLoggedIn(),
		HasHelper:    loaded,
	}
}

// Reinject reloads contact names from the device store into the roster.
func (a *Adapter) Reinject(ctx context.Context) error {
	client, err := a.connected("reinject")
	if err != nil {
		return err
	}
	all, err := client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return driver.HelperMissing("reinject", err)
	}
	for jid, info := range all {
		id := ChatID(jid)
		if _, ok := a.roster.get(id); !ok {
			continue
		}
		a.roster.name(id, false, contactName(info))
	}
	a.mu.Lock()
	a.contacts = true
	a.mu.Unlock()
	a.logger.Debug("contact names reloaded", zap.Int("contacts", len(all)))
	return nil
}

func (a *Adapter) Chats(ctx context.Context) ([]driver.Chat, error) {
	client, err := a.connected("list chats")
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	loaded := a.contacts
	a.mu.Unlock()
	if !loaded {
		return nil, driver.HelperMissing("list chats", errors.New("helper missing: contacts not loaded"))
	}
	chats := a.roster.list()
	for i := range chats {
		if chats[i].Name != "" {
			continue
		}
		if name := a.lookupName(ctx, client, chats[i].ID); name != "" {
			chats[i].Name = name
			a.roster.name(chats[i].ID, chats[i].IsGroup, name)
		}
	}
	return chats, nil
}

func (a *Adapter) Chat(ctx context.Context, chatID string) (*driver.Chat, error) {
	jid, err := ParseChatID(chatID)
	if err != nil {
		return nil, err
	}
	client, err := a.connected("get chat")
	if err != nil {
		return nil, err
	}
	c, ok := a.roster.get(chatID)
	if !ok {
		c = driver.Chat{ID: chatID, IsGroup: isGroup(jid)}
	}
	if c.Name == "" {
		c.Name = a.lookupName(ctx, client, chatID)
		a.roster.name(chatID, c.IsGroup, c.Name)
	}
	return &c, nil
}

// lookupName resolves a chat name from group metadata or the contact store.
func (a *Adapter) lookupName(ctx context.Context, client *whatsmeow.Client, chatID string) string {
	jid, err := ParseChatID(chatID)
	if err != nil {
		return ""
	}
	if isGroup(jid) {
		info, err := client.GetGroupInfo(ctx, jid)
		if err != nil {
			a.logger.Debug("group info failed", zap.String("chat", chatID), zap.Error(err))
			return ""
		}
		return info.Name
	}
	info, err := client.Store.Contacts.GetContact(ctx, jid)
	if err != nil {
		return ""
	}
	return contactName(info)
}

func contactName(info types.ContactInfo) string {
	for _, n := range []string{info.FullName, info.FirstName, info.BusinessName, info.PushName} {
		if n != "" {
			return n
		}
	}
	return ""
}

func (a *Adapter) Contact(ctx context.Context, id string) (*driver.Contact, error) {
	jid, err := ParseChatID(id)
	if err != nil {
		return nil, err
	}
	client, err := a.connected("get contact")
	if err != nil {
		return nil, err
	}
	info, err := client.Store.Contacts.GetContact(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("get contact %s: %w", id, err)
	}
	name := info.FullName
	if name == "" {
		name = info.BusinessName
	}
	return &driver.Contact{
		ID:          id,
		PushName:    info.PushName,
		Name:        name,
		Number:      jid.User,
		IsBusiness:  info.BusinessName != "",
		IsMyContact: info.Found && info.FullName != "",
	}, nil
}

// ProfilePicture returns the picture URL, or "" when none is visible.
func (a *Adapter) ProfilePicture(ctx context.Context, id string) (string, error) {
	jid, err := ParseChatID(id)
	if err != nil {
		return "", err
	}
	client, err := a.connected("profile picture")
	if err != nil {
		return "", err
	}
	info, err := client.GetProfilePictureInfo(ctx, jid, &whatsmeow.GetProfilePictureParams{})
	switch {
	case errors.Is(err, whatsmeow.ErrProfilePictureNotSet), errors.Is(err, whatsmeow.ErrProfilePictureUnauthorized):
		return "", nil
	case err != nil:
		return "", classify("profile picture", err)
	case info == nil:
		return "", nil
	}
	return info.URL, nil
}

// FetchMessages returns the newest limit messages the adapter has seen for
// chatID, oldest first.
func (a *Adapter) FetchMessages(ctx context.Context, chatID string, limit int) ([]driver.Message, error) {
	if _, err := ParseChatID(chatID); err != nil {
		return nil, err
	}
	if _, err := a.connected("fetch messages"); err != nil {
		return nil, err
	}
	return a.roster.history(chatID, limit), nil
}

// SendMessage sends text, or media with the text as caption, and returns the
// global id of the sent message.
func (a *Adapter) SendMessage(ctx context.Context, chatID string, content driver.Content) (string, error) {
	to, err := ParseChatID(chatID)
	if err != nil {
		return "", err
	}
	client, err := a.connected("send message")
	if err != nil {
		return "", err
	}
	msg := &waE2E.Message{Conversation: proto.String(content.Text)}
	if content.Media != nil {
		if msg, err = a.mediaMessage(ctx, client, content); err != nil {
			return "", err
		}
	}
	resp, err := client.SendMessage(ctx, to, msg)
	if err != nil {
		return "", classify("send message", err)
	}
	id := MessageID(true, chatID, resp.ID)
	sent := driver.Message{
		ID:        id,
		ChatID:    chatID,
		Body:      extractTextBody(msg),
		FromMe:    true,
		To:        chatID,
		Timestamp: resp.Timestamp.Unix(),
	}
	setMedia(&sent, msg)
	a.roster.observe(sent, isGroup(to), true)
	return id, nil
}

func (a *Adapter) mediaMessage(ctx context.Context, client *whatsmeow.Client, content driver.Content) (*waE2E.Message, error) {
	m := content.Media
	kind := whatsmeow.MediaDocument
	switch {
	case strings.HasPrefix(m.MimeType, "image/"):
		kind = whatsmeow.MediaImage
	case strings.HasPrefix(m.MimeType, "video/"):
		kind = whatsmeow.MediaVideo
	case strings.HasPrefix(m.MimeType, "audio/"):
		kind = whatsmeow.MediaAudio
	}
	up, err := client.Upload(ctx, m.Data, kind)
	if err != nil {
		return nil, classify("upload media", err)
	}
	var caption *string
	if content.Text != "" {
		caption = proto.String(content.Text)
	}
	switch kind {
	case whatsmeow.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       caption,
			Mimetype:      proto.String(m.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	case whatsmeow.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       caption,
			Mimetype:      proto.String(m.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	case whatsmeow.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(m.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	}
	name := m.FileName
	if name == "" {
		name = "file"
	}
	return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		Caption:       caption,
		Title:         proto.String(name),
		FileName:      proto.String(name),
		Mimetype:      proto.String(m.MimeType),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}}, nil
}

// classify maps whatsmeow sentinels onto the driver taxonomy before falling
// back to message matching.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, whatsmeow.ErrNotConnected), errors.Is(err, whatsmeow.ErrNotLoggedIn):
		return driver.ContextLost(op, err)
	case errors.Is(err, whatsmeow.ErrIQTimedOut):
		return driver.Transient(op, err)
	}
	return driver.Classify(op, err)
}

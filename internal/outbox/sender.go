// Package outbox sends operator messages through an instance's driver and
// tracks each send in the outbox table.
package outbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/wpphub/internal/bus"
	"github.com/matheus3301/wpphub/internal/chatedit"
	"github.com/matheus3301/wpphub/internal/driver"
	"github.com/matheus3301/wpphub/internal/instance"
	"github.com/matheus3301/wpphub/internal/store"
	wsync "github.com/matheus3301/wpphub/internal/sync"
	"go.uber.org/zap"
)

const (
	maxMediaBytes = 64 << 20
	fetchTimeout  = 60 * time.Second
)

var (
	// ErrEmptyMessage rejects a send with neither text nor media.
	ErrEmptyMessage = errors.New("message needs text or media")
	// ErrInvalidMedia rejects a malformed data URL or an unreachable media URL.
	ErrInvalidMedia = errors.New("invalid media")

	dataURLPattern = regexp.MustCompile(`^data:([^;]+);base64,(.+)$`)
)

// Request is one outbound message.
type Request struct {
	InstanceID string
	ChatID     string
	Text       string
	// MediaURL is a data URL or an http(s) URL. MediaType overrides the
	// detected mime type of a remote file.
	MediaURL  string
	MediaType string
	Actor     chatedit.Actor
}

// Result identifies a sent message.
type Result struct {
	ID          string `json:"id"`
	ClientMsgID string `json:"clientMsgId"`
}

// Instances resolves instance ids to runtimes.
type Instances interface {
	Lookup(id string) (*instance.Runtime, error)
}

// Sender delivers messages via the driver.
type Sender struct {
	instances Instances
	db        *store.DB
	http      *http.Client
	logger    *zap.Logger
}

// NewSender creates a sender. db may be nil.
func NewSender(instances Instances, db *store.DB, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		instances: instances,
		db:        db,
		http:      &http.Client{Timeout: fetchTimeout},
		logger:    logger,
	}
}

// Send delivers req. The first employee to message an unowned chat becomes its
// owner; other employees are rejected once the chat is owned.
func (s *Sender) Send(ctx context.Context, req Request) (*Result, error) {
	rt, err := s.instances.Lookup(req.InstanceID)
	if err != nil {
		return nil, err
	}
	if req.Text == "" && req.MediaURL == "" {
		return nil, ErrEmptyMessage
	}
	logger := s.logger.With(zap.String("instance", req.InstanceID), zap.String("chat", req.ChatID))

	if err := s.claim(req, logger); err != nil {
		return nil, err
	}
	rt.InvalidateCache()

	content, err := s.content(ctx, req)
	if err != nil {
		return nil, err
	}

	clientID := uuid.NewString()
	s.queue(req, clientID, content, logger)

	serverID, err := rt.Client().SendMessage(ctx, req.ChatID, content)
	if err != nil {
		err = driver.Classify("send message", err)
		if s.db.Enabled() {
			if merr := s.db.MarkOutboxFailed(clientID, err.Error()); merr != nil {
				logger.Warn("mark outbox failed", zap.Error(merr))
			}
		}
		logger.Error("send failed", zap.String("client_msg_id", clientID), zap.Error(err))
		return nil, err
	}
	logger.Info("message sent", zap.String("client_msg_id", clientID), zap.String("server_msg_id", serverID))

	now := time.Now().Unix()
	if s.db.Enabled() {
		if err := s.db.MarkOutboxSent(clientID, serverID); err != nil {
			logger.Warn("mark outbox sent", zap.Error(err))
		}
		s.record(rt, req, serverID, now, logger)
	}
	s.notify(ctx, rt, req, preview(req.Text, content.Media), now, logger)
	return &Result{ID: serverID, ClientMsgID: clientID}, nil
}

// claim enforces single ownership and assigns an unowned chat to the sender.
func (s *Sender) claim(req Request, logger *zap.Logger) error {
	if !s.db.Enabled() || req.Actor.UserID == "" {
		return nil
	}
	chat, err := s.db.GetChat(req.ChatID)
	if err != nil {
		logger.Warn("read chat owner failed", zap.Error(err))
		return nil
	}
	if chat == nil {
		return nil
	}
	if chat.OwnerUserID != "" {
		if chat.OwnerUserID != req.Actor.UserID && !req.Actor.Admin {
			return chatedit.ErrNotOwner
		}
		return nil
	}
	if _, err := s.db.AssignOwnerIfUnset(req.ChatID, req.Actor.UserID); err != nil {
		logger.Warn("assign owner failed", zap.Error(err))
	}
	return nil
}

func (s *Sender) queue(req Request, clientID string, content driver.Content, logger *zap.Logger) {
	if !s.db.Enabled() {
		return
	}
	e := &store.OutboxEntry{
		ClientMsgID: clientID,
		InstanceID:  req.InstanceID,
		ChatID:      req.ChatID,
		Body:        req.Text,
	}
	if content.Media != nil {
		e.MediaType = content.Media.MimeType
	}
	if err := s.db.QueueOutbox(e); err != nil {
		logger.Warn("queue outbox failed", zap.Error(err))
	}
}

// record persists the sent message, best-effort.
func (s *Sender) record(rt *instance.Runtime, req Request, serverID string, ts int64, logger *zap.Logger) {
	if serverID == "" {
		return
	}
	if err := s.db.EnsureChat(rt.ID(), string(rt.Status()), req.ChatID, strings.HasSuffix(req.ChatID, "@g.us")); err != nil {
		logger.Warn("ensure chat failed", zap.Error(err))
		return
	}
	// A chat first seen on this send is claimed now that its row exists.
	if _, err := s.db.AssignOwnerIfUnset(req.ChatID, req.Actor.UserID); err != nil {
		logger.Warn("assign owner failed", zap.Error(err))
	}
	if _, err := s.db.InsertMessage(&store.Message{
		ID:         serverID,
		InstanceID: rt.ID(),
		ChatID:     req.ChatID,
		Body:       req.Text,
		FromMe:     true,
		To:         req.ChatID,
		Ts:         ts,
	}); err != nil {
		logger.Warn("record sent message failed", zap.Error(err))
	}
}

func (s *Sender) notify(ctx context.Context, rt *instance.Runtime, req Request, last string, ts int64, logger *zap.Logger) {
	summary := store.ChatSummary{
		ID:          req.ChatID,
		InstanceID:  rt.ID(),
		LastMessage: last,
		LastTs:      ts,
	}
	if c, err := rt.Client().Chat(ctx, req.ChatID); err == nil && c != nil {
		summary.Name = c.Name
		summary.IsGroup = c.IsGroup
		summary.UnreadCount = c.UnreadCount
	}
	wsync.MergeStored(s.db, &summary, logger)
	rt.Emit(bus.KindChatUpdated, bus.ChatUpdated{ChatID: req.ChatID, Chat: summary})
}

// content builds the driver payload, decoding or downloading media.
func (s *Sender) content(ctx context.Context, req Request) (driver.Content, error) {
	c := driver.Content{Text: req.Text}
	if req.MediaURL == "" {
		return c, nil
	}
	if strings.HasPrefix(req.MediaURL, "data:") {
		m := dataURLPattern.FindStringSubmatch(req.MediaURL)
		if m == nil {
			return c, fmt.Errorf("%w: malformed data url", ErrInvalidMedia)
		}
		data, err := base64.StdEncoding.DecodeString(m[2])
		if err != nil {
			return c, fmt.Errorf("%w: %v", ErrInvalidMedia, err)
		}
		c.Media = &driver.Media{MimeType: m[1], Data: data}
		return c, nil
	}
	media, err := s.download(ctx, req.MediaURL, req.MediaType)
	if err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidMedia, err)
	}
	c.Media = media
	return c, nil
}

func (s *Sender) download(ctx context.Context, url, mimeType string) (*driver.Media, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: %s", url, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxMediaBytes {
		return nil, fmt.Errorf("download %s: larger than %d bytes", url, maxMediaBytes)
	}
	if mimeType == "" {
		mimeType = resp.Header.Get("Content-Type")
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	name := path.Base(httpReq.URL.Path)
	if name == "." || name == "/" {
		name = ""
	}
	return &driver.Media{MimeType: mimeType, Data: data, FileName: name}, nil
}

// preview is the chat list line for a sent message.
func preview(text string, media *driver.Media) string {
	if media == nil {
		return text
	}
	switch {
	case strings.HasPrefix(media.MimeType, "image/"):
		return "[Image]"
	case strings.HasPrefix(media.MimeType, "video/"):
		return "[Video]"
	}
	return "[File]"
}

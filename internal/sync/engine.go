// Package sync ingests inbound messages and serves message history.
package sync

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/wpphub/internal/bus"
	"github.com/matheus3301/wpphub/internal/chatlist"
	"github.com/matheus3301/wpphub/internal/driver"
	"github.com/matheus3301/wpphub/internal/instance"
	"github.com/matheus3301/wpphub/internal/naming"
	"github.com/matheus3301/wpphub/internal/store"
	"go.uber.org/zap"
)

// MediaPlaceholder replaces the body of a media message without caption.
const MediaPlaceholder = "[Media]"

const ingestTimeout = 30 * time.Second

// Instances resolves instance ids to runtimes.
type Instances interface {
	Lookup(id string) (*instance.Runtime, error)
}

// Engine handles idempotent ingestion of inbound messages into the store.
// It subscribes to raw driver messages on the bus and processes them in
// arrival order. The subscription is drained into an unbounded queue so a
// slow ingest never backs up the bus, which drops on full buffers.
type Engine struct {
	db        *store.DB
	bus       *bus.Bus
	instances Instances
	logger    *zap.Logger
	cancel    context.CancelFunc
	done      chan struct{}

	mu    sync.Mutex
	queue []bus.Event
	wake  chan struct{}
}

// NewEngine creates a new sync engine. db may be nil.
func NewEngine(db *store.DB, b *bus.Bus, instances Instances, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:        db,
		bus:       b,
		instances: instances,
		logger:    logger,
		wake:      make(chan struct{}, 1),
	}
}

// Start subscribes to inbound driver messages on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe(bus.KindDriverMessage, 1024)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.enqueue(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			evt, ok := e.dequeue()
			if !ok {
				select {
				case <-e.wake:
					continue
				case <-ctx.Done():
					return
				}
			}
			e.handleEvent(ctx, evt)
		}
	}()
	go func() {
		wg.Wait()
		close(e.done)
	}()
}

// Stop stops the engine and waits for the in-flight message to finish.
// Messages still queued are logged and discarded.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.mu.Lock()
	pending := len(e.queue)
	e.queue = nil
	e.mu.Unlock()
	metricQueueDepth.Set(0)
	if pending > 0 {
		e.logger.Warn("ingest stopped with queued messages", zap.Int("pending", pending))
	}
}

func (e *Engine) enqueue(evt bus.Event) {
	e.mu.Lock()
	e.queue = append(e.queue, evt)
	depth := len(e.queue)
	e.mu.Unlock()
	metricQueueDepth.Set(float64(depth))
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) dequeue() (bus.Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return bus.Event{}, false
	}
	evt := e.queue[0]
	e.queue[0] = bus.Event{}
	e.queue = e.queue[1:]
	metricQueueDepth.Set(float64(len(e.queue)))
	return evt, true
}

// Pending returns the number of messages waiting for ingestion.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	p, ok := evt.Payload.(bus.DriverMessage)
	if !ok {
		return
	}
	rt, err := e.instances.Lookup(evt.InstanceID)
	if err != nil {
		e.logger.Warn("message for unknown instance", zap.String("instance", evt.InstanceID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, ingestTimeout)
	defer cancel()
	e.Ingest(ctx, rt, p.Message)
}

// Ingest persists one inbound message and notifies clients. A message id
// that is already stored is a no-op. Persistence failures are logged and do
// not stop the notifications.
func (e *Engine) Ingest(ctx context.Context, rt *instance.Runtime, m driver.Message) {
	if m.ID == "" || m.ChatID == "" {
		return
	}
	logger := e.logger.With(zap.String("instance", rt.ID()), zap.String("msg_id", m.ID))

	if e.db.Enabled() {
		exists, err := e.db.MessageExists(m.ID)
		if err != nil {
			logger.Warn("check message failed", zap.Error(err))
		} else if exists {
			logger.Debug("duplicate message ignored")
			return
		}
	}

	chat := e.resolveChat(ctx, rt, m.ChatID, logger)
	body := m.Body
	if body == "" && m.HasMedia {
		body = MediaPlaceholder
	}

	if e.db.Enabled() {
		snap := store.ChatSnapshot{
			ID:          m.ChatID,
			Name:        chat.Name,
			IsGroup:     chat.IsGroup,
			UnreadCount: chat.UnreadCount,
			LastMessage: body,
			LastTs:      m.Timestamp,
		}
		if err := e.db.UpsertChats(rt.ID(), string(rt.Status()), []store.ChatSnapshot{snap}); err != nil {
			logger.Error("upsert chat failed", zap.Error(err))
		}
		inserted, err := e.db.InsertMessage(&store.Message{
			ID:         m.ID,
			InstanceID: rt.ID(),
			ChatID:     m.ChatID,
			Body:       body,
			FromMe:     m.FromMe,
			From:       m.From,
			To:         m.To,
			Ts:         m.Timestamp,
		})
		switch {
		case err != nil:
			logger.Error("insert message failed", zap.Error(err))
		case !inserted:
			logger.Debug("duplicate message ignored")
			return
		}
	}

	rt.Emit(bus.KindMessage, bus.Message{
		Message: store.Message{
			ID:         m.ID,
			InstanceID: rt.ID(),
			ChatID:     m.ChatID,
			Body:       body,
			FromMe:     m.FromMe,
			From:       m.From,
			To:         m.To,
			Ts:         m.Timestamp,
		},
		Author:    m.Author,
		HasMedia:  m.HasMedia,
		MediaType: m.MediaType,
	})

	rt.InvalidateCache()

	summary := store.ChatSummary{
		ID:          m.ChatID,
		InstanceID:  rt.ID(),
		Name:        chat.Name,
		IsGroup:     chat.IsGroup,
		UnreadCount: chat.UnreadCount,
		LastMessage: body,
		LastTs:      m.Timestamp,
	}
	MergeStored(e.db, &summary, logger)
	if !chat.IsGroup {
		if url, err := rt.Client().ProfilePicture(ctx, m.ChatID); err == nil && url != "" {
			summary.ProfilePicURL = &url
		}
	}
	rt.Emit(bus.KindChatUpdated, bus.ChatUpdated{ChatID: m.ChatID, Chat: summary})
}

// resolveChat asks the driver for the chat a message belongs to. On failure
// the chat is inferred from its id.
func (e *Engine) resolveChat(ctx context.Context, rt *instance.Runtime, chatID string, logger *zap.Logger) driver.Chat {
	c, err := rt.Client().Chat(ctx, chatID)
	if err != nil || c == nil {
		logger.Warn("resolve chat failed", zap.String("chat", chatID), zap.Error(err))
		return driver.Chat{ID: chatID, IsGroup: isGroupID(chatID)}
	}
	return *c
}

// MergeStored applies the stored user-owned fields to summary and makes sure
// it carries a displayable name. Read failures are logged.
func MergeStored(db *store.DB, summary *store.ChatSummary, logger *zap.Logger) {
	summary.Tags = []string{}
	summary.Stage = store.StageInbound
	if db.Enabled() {
		meta, err := db.ChatMeta(summary.InstanceID, []string{summary.ID})
		if err != nil {
			logger.Warn("read chat metadata failed", zap.String("chat", summary.ID), zap.Error(err))
		} else if m, ok := meta[summary.ID]; ok {
			chatlist.Merge(summary, m)
		}
	}
	if !naming.IsDisplayable(summary.Name, summary.ID) {
		summary.Name = naming.Fallback(summary.ID)
	}
}

func isGroupID(id string) bool {
	return strings.HasSuffix(id, "@g.us")
}

// Package instance supervises driver sessions, one Runtime per instance id.
package instance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/wpphub/internal/bus"
	"github.com/matheus3301/wpphub/internal/driver"
	"github.com/matheus3301/wpphub/internal/status"
	"github.com/matheus3301/wpphub/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Info is a point-in-time view of a runtime.
type Info struct {
	ID      string    `json:"id"`
	Status  string    `json:"status"`
	QR      string    `json:"qr,omitempty"`
	ReadyAt time.Time `json:"readyAt,omitzero"`
}

// Runtime owns one driver handle and everything derived from it: lifecycle
// state, pairing code, ready timestamp and the chat list cache.
type Runtime struct {
	id       string
	credPath string
	factory  driver.Factory
	events   bus.Sink // internal bus, receives raw inbound messages
	machine  *status.Machine
	logger   *zap.Logger
	cooldown time.Duration

	mu           sync.Mutex
	client       driver.Client
	sink         bus.Sink
	qr           string
	readyAt      time.Time
	initializing bool
	cache        *cacheEntry
	cacheGen     uint64

	restarts singleflight.Group
}

type cacheEntry struct {
	at    time.Time
	chats []store.ChatSummary
}

func newRuntime(id, credPath string, factory driver.Factory, db *store.DB, events, sink bus.Sink, cooldown time.Duration, logger *zap.Logger) *Runtime {
	rt := &Runtime{
		id:           id,
		credPath:     credPath,
		factory:      factory,
		events:       events,
		sink:         sink,
		logger:       logger.With(zap.String("instance", id)),
		cooldown:     cooldown,
		initializing: true,
	}
	var persist status.PersistFunc
	if db.Enabled() {
		persist = func(s status.State) error { return db.SaveInstanceStatus(id, string(s)) }
	}
	rt.machine = status.NewMachine(id, sinkFunc(rt), persist, rt.logger)
	return rt
}

// sinkFunc forwards to the runtime's current sink so rebinding takes effect
// for the state machine too.
func sinkFunc(rt *Runtime) bus.Sink {
	return bus.SinkFunc(func(evt bus.Event) {
		bus.Emit(rt.Sink(), evt.Kind, evt.InstanceID, evt.Payload)
	})
}

// ID returns the instance id.
func (rt *Runtime) ID() string { return rt.id }

// Status returns the current lifecycle state.
func (rt *Runtime) Status() status.State { return rt.machine.Current() }

// Client returns the current driver handle. It changes after a recreating restart.
func (rt *Runtime) Client() driver.Client {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.client
}

// ReadyAt returns when the instance last became ready, or zero.
func (rt *Runtime) ReadyAt() time.Time {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.readyAt
}

// Info snapshots the runtime.
func (rt *Runtime) Info() Info {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return Info{ID: rt.id, Status: string(rt.machine.Current()), QR: rt.qr, ReadyAt: rt.readyAt}
}

// Sink returns the outward event sink.
func (rt *Runtime) Sink() bus.Sink {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.sink
}

// SetSink rebinds the outward event sink. A nil sink is ignored.
func (rt *Runtime) SetSink(s bus.Sink) {
	if s == nil {
		return
	}
	rt.mu.Lock()
	rt.sink = s
	rt.mu.Unlock()
}

// Emit publishes an event for this instance on the outward sink.
func (rt *Runtime) Emit(kind string, p bus.Payload) {
	bus.Emit(rt.Sink(), kind, rt.id, p)
}

// CachedChats returns the cached chat list if it is younger than ttl, and the
// cache generation a fresh fetch must present to StoreChats.
func (rt *Runtime) CachedChats(ttl time.Duration) ([]store.ChatSummary, uint64, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.cache != nil && time.Since(rt.cache.at) < ttl {
		return rt.cache.chats, rt.cacheGen, true
	}
	return nil, rt.cacheGen, false
}

// StoreChats caches a chat list fetched under generation gen. It is dropped if
// the cache was invalidated since.
func (rt *Runtime) StoreChats(gen uint64, chats []store.ChatSummary) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if gen != rt.cacheGen {
		return
	}
	rt.cache = &cacheEntry{at: time.Now(), chats: chats}
}

// InvalidateCache drops the cached chat list.
func (rt *Runtime) InvalidateCache() {
	rt.mu.Lock()
	rt.invalidateLocked()
	rt.mu.Unlock()
}

func (rt *Runtime) invalidateLocked() {
	rt.cache = nil
	rt.cacheGen++
}

func (rt *Runtime) initialized() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return !rt.initializing
}

// start builds the first driver handle and initializes it.
func (rt *Runtime) start(ctx context.Context) error {
	client, err := rt.factory(rt.id, rt.credPath)
	if err != nil {
		return fmt.Errorf("build driver: %w", err)
	}
	rt.mu.Lock()
	rt.client = client
	rt.mu.Unlock()

	client.AddListener(rt.handle)
	rt.transition(status.Connecting, "")
	if err := client.Initialize(ctx); err != nil {
		client.RemoveAllListeners()
		_ = client.Destroy(ctx)
		return fmt.Errorf("initialize driver: %w", err)
	}

	rt.mu.Lock()
	rt.initializing = false
	rt.mu.Unlock()
	return nil
}

func (rt *Runtime) handle(evt driver.Event) {
	switch e := evt.(type) {
	case driver.QR:
		rt.mu.Lock()
		rt.qr = e.Code
		rt.mu.Unlock()
		if err := rt.machine.ShowQR(e.Code); err != nil {
			rt.logger.Warn("ignored qr", zap.Error(err))
		}
	case driver.Authenticated:
		rt.transition(status.Authenticated, "authenticated")
	case driver.Ready:
		rt.mu.Lock()
		rt.readyAt = time.Now()
		rt.qr = ""
		rt.invalidateLocked()
		rt.mu.Unlock()
		rt.transition(status.Ready, "connected and ready")
	case driver.Disconnected:
		rt.clearTransient()
		msg := e.Reason
		if msg == "" {
			msg = "disconnected"
		}
		rt.transition(status.Disconnected, msg)
	case driver.AuthFailure:
		msg := e.Message
		if msg == "" {
			msg = "authentication failed"
		}
		rt.transition(status.Error, msg)
	case driver.Inbound:
		bus.Emit(rt.events, bus.KindDriverMessage, rt.id, bus.DriverMessage{Message: e.Message})
	}
}

func (rt *Runtime) clearTransient() {
	rt.mu.Lock()
	rt.qr = ""
	rt.readyAt = time.Time{}
	rt.invalidateLocked()
	rt.mu.Unlock()
}

func (rt *Runtime) transition(to status.State, msg string) {
	if err := rt.machine.Transition(to, msg); err != nil {
		rt.logger.Warn("status transition rejected", zap.Error(err))
		return
	}
	rt.logger.Info("status changed", zap.String("status", string(to)))
}

// Restart recovers from a lost automation context. It first re-initializes the
// current handle in place; if that fails it destroys the handle, waits the
// cooldown and builds a fresh one against the same credentials. Failure of the
// fresh handle is fatal and leaves the instance in the error state.
// Concurrent callers share one execution.
func (rt *Runtime) Restart(ctx context.Context) error {
	ch := rt.restarts.DoChan("restart", func() (any, error) {
		return nil, rt.restart(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rt *Runtime) restart(ctx context.Context) error {
	rt.logger.Warn("restarting driver")
	rt.clearTransient()
	rt.transition(status.Connecting, "restarting")

	client := rt.Client()
	client.RemoveAllListeners()
	client.AddListener(rt.handle)
	err := client.Initialize(ctx)
	if err == nil {
		rt.logger.Info("driver reinitialized in place")
		return nil
	}
	rt.logger.Warn("in-place reinitialize failed, recreating driver", zap.Error(err))

	client.RemoveAllListeners()
	if err := client.Destroy(ctx); err != nil {
		rt.logger.Warn("destroy driver failed", zap.Error(err))
	}
	select {
	case <-time.After(rt.cooldown):
	case <-ctx.Done():
		return rt.fail(ctx.Err())
	}

	fresh, err := rt.factory(rt.id, rt.credPath)
	if err != nil {
		return rt.fail(err)
	}
	rt.mu.Lock()
	rt.client = fresh
	rt.mu.Unlock()
	fresh.AddListener(rt.handle)
	if err := fresh.Initialize(ctx); err != nil {
		return rt.fail(err)
	}
	rt.logger.Info("driver recreated")
	return nil
}

func (rt *Runtime) fail(err error) error {
	rt.transition(status.Error, err.Error())
	return fmt.Errorf("restart %s: %w", rt.id, err)
}

// Shutdown destroys the driver handle.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	client := rt.Client()
	if client == nil {
		return nil
	}
	client.RemoveAllListeners()
	return client.Destroy(ctx)
}

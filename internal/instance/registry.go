package instance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/wpphub/internal/bus"
	"github.com/matheus3301/wpphub/internal/driver"
	"github.com/matheus3301/wpphub/internal/session"
	"github.com/matheus3301/wpphub/internal/status"
	"github.com/matheus3301/wpphub/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrNotInitialized is returned for an instance id that has no runtime yet.
// Callers should connect it and retry.
var ErrNotInitialized = errors.New("instance not initialized")

// ErrNotReady is returned when an operation needs a ready session and the
// instance is still pairing or reconnecting.
var ErrNotReady = errors.New("instance not ready")

// Options tunes registry timings. Zero values take the defaults.
type Options struct {
	RestartCooldown time.Duration
	PollInterval    time.Duration
}

func (o Options) withDefaults() Options {
	if o.RestartCooldown == 0 {
		o.RestartCooldown = 2 * time.Second
	}
	if o.PollInterval == 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	return o
}

// Registry holds at most one Runtime per instance id.
type Registry struct {
	factory driver.Factory
	paths   session.Paths
	db      *store.DB
	events  bus.Sink
	logger  *zap.Logger
	opts    Options

	mu       sync.RWMutex
	runtimes map[string]*Runtime
	creating singleflight.Group
}

// NewRegistry creates an empty registry. events receives raw inbound messages
// for the ingest pipeline; db may be nil.
func NewRegistry(factory driver.Factory, paths session.Paths, db *store.DB, events bus.Sink, logger *zap.Logger, opts Options) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		factory:  factory,
		paths:    paths,
		db:       db,
		events:   events,
		logger:   logger,
		opts:     opts.withDefaults(),
		runtimes: make(map[string]*Runtime),
	}
}

// GetOrCreate returns the runtime for id, creating and initializing it on first
// use. Concurrent callers for the same id share a single initialization and all
// receive its result. A non-nil sink becomes the runtime's outward event sink.
func (r *Registry) GetOrCreate(ctx context.Context, id string, sink bus.Sink) (*Runtime, error) {
	if err := session.ValidateName(id); err != nil {
		return nil, err
	}
	if rt, ok := r.Get(id); ok && rt.initialized() {
		rt.SetSink(sink)
		return rt, nil
	}

	ch := r.creating.DoChan(id, func() (any, error) {
		return r.create(context.WithoutCancel(ctx), id, sink)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		rt := res.Val.(*Runtime)
		rt.SetSink(sink)
		return rt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) create(ctx context.Context, id string, sink bus.Sink) (*Runtime, error) {
	if rt, ok := r.Get(id); ok && rt.initialized() {
		return rt, nil
	}
	if err := r.paths.EnsureInstanceDir(id); err != nil {
		return nil, fmt.Errorf("create instance dir: %w", err)
	}

	rt := newRuntime(id, r.paths.CredentialsPath(id), r.factory, r.db, r.events, sink, r.opts.RestartCooldown, r.logger)
	r.mu.Lock()
	r.runtimes[id] = rt
	r.mu.Unlock()

	if err := rt.start(ctx); err != nil {
		r.mu.Lock()
		delete(r.runtimes, id)
		r.mu.Unlock()
		r.logger.Error("instance initialization failed", zap.String("instance", id), zap.Error(err))
		return nil, fmt.Errorf("create instance %s: %w", id, err)
	}
	r.logger.Info("instance initialized", zap.String("instance", id))
	return rt, nil
}

// Get returns the runtime for id, including one still initializing.
func (r *Registry) Get(id string) (*Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[id]
	return rt, ok
}

// Lookup is Get returning ErrNotInitialized for unknown ids and for runtimes
// whose driver handle is not built yet.
func (r *Registry) Lookup(id string) (*Runtime, error) {
	rt, ok := r.Get(id)
	if !ok || rt.Client() == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, id)
	}
	return rt, nil
}

// List returns every known runtime sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		out = append(out, rt.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WaitUntilReady polls until id is ready or timeout elapses. It never errors.
func (r *Registry) WaitUntilReady(ctx context.Context, id string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	for {
		if rt, ok := r.Get(id); ok && rt.Status() == status.Ready {
			return true
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false
		}
	}
}

// Shutdown destroys every driver handle.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	rts := make([]*Runtime, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		rts = append(rts, rt)
	}
	r.mu.RUnlock()

	var errs []error
	for _, rt := range rts {
		if err := rt.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", rt.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Package chatlist serves the cached, deduplicated chat list of an instance.
package chatlist

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/matheus3301/wpphub/internal/driver"
	"github.com/matheus3301/wpphub/internal/instance"
	"github.com/matheus3301/wpphub/internal/naming"
	"github.com/matheus3301/wpphub/internal/status"
	"github.com/matheus3301/wpphub/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Instances resolves instance ids to runtimes.
type Instances interface {
	Lookup(id string) (*instance.Runtime, error)
}

// Options tunes the engine. Zero values take the defaults.
type Options struct {
	CacheTTL       time.Duration
	Warmup         time.Duration
	RetryDelay     time.Duration
	RestartSettle  time.Duration
	MaxAttempts    int
	FetchLimit     int
	ResultCap      int
	MapConcurrency int
}

func (o Options) withDefaults() Options {
	if o.CacheTTL == 0 {
		o.CacheTTL = 10 * time.Second
	}
	if o.Warmup == 0 {
		o.Warmup = 8 * time.Second
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = 3 * time.Second
	}
	if o.RestartSettle == 0 {
		o.RestartSettle = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.FetchLimit <= 0 {
		o.FetchLimit = 300
	}
	if o.ResultCap <= 0 {
		o.ResultCap = 200
	}
	if o.MapConcurrency <= 0 {
		o.MapConcurrency = 8
	}
	return o
}

// Engine loads chat lists from the driver with caching, single-flight
// deduplication, retries, restart escalation and a store fallback.
type Engine struct {
	instances Instances
	db        *store.DB
	logger    *zap.Logger
	opts      Options

	flights singleflight.Group
}

// NewEngine creates a chat list engine. db may be nil.
func NewEngine(instances Instances, db *store.DB, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		instances: instances,
		db:        db,
		logger:    logger,
		opts:      opts.withDefaults(),
	}
}

// GetChats returns the instance's chats, most recent first. Concurrent callers
// with a cold cache share one driver fetch.
func (e *Engine) GetChats(ctx context.Context, instanceID string) ([]store.ChatSummary, error) {
	rt, err := e.instances.Lookup(instanceID)
	if err != nil {
		return nil, err
	}
	if chats, _, ok := rt.CachedChats(e.opts.CacheTTL); ok {
		metricCacheHits.WithLabelValues(instanceID).Inc()
		return chats, nil
	}

	ch := e.flights.DoChan(instanceID, func() (any, error) {
		return e.load(context.WithoutCancel(ctx), rt)
	})
	select {
	case res := <-ch:
		if res.Shared {
			metricSharedWaits.WithLabelValues(instanceID).Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]store.ChatSummary), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) load(ctx context.Context, rt *instance.Runtime) ([]store.ChatSummary, error) {
	start := time.Now()
	defer func() {
		metricFetchSeconds.WithLabelValues(rt.ID()).Observe(time.Since(start).Seconds())
	}()
	logger := e.logger.With(zap.String("instance", rt.ID()))

	// A racing caller may have filled the cache while this flight was queued.
	if chats, _, ok := rt.CachedChats(e.opts.CacheTTL); ok {
		return chats, nil
	}
	_, gen, _ := rt.CachedChats(0)

	// Pairing and reconnects must not see driver calls or restarts.
	if st := rt.Status(); st != status.Ready {
		return e.notReady(rt, st, logger)
	}

	if err := e.warmup(ctx, rt); err != nil {
		return nil, err
	}

	chats, err := e.fetchWithRetry(ctx, rt, logger)
	if err != nil {
		if !e.db.Enabled() {
			return nil, err
		}
		fallback, ferr := e.fromStore(rt.ID())
		if ferr != nil {
			logger.Error("store fallback failed", zap.Error(ferr))
			return nil, err
		}
		metricFallbacks.WithLabelValues(rt.ID()).Inc()
		logger.Warn("chat list served from store", zap.Error(err), zap.Int("chats", len(fallback)))
		return fallback, nil
	}

	merged := e.writeThrough(rt, chats, logger)
	rt.StoreChats(gen, merged)
	return merged, nil
}

// notReady serves the stored chat list of an instance that has no ready
// session yet.
func (e *Engine) notReady(rt *instance.Runtime, st status.State, logger *zap.Logger) ([]store.ChatSummary, error) {
	err := fmt.Errorf("%w: instance %s is %s", instance.ErrNotReady, rt.ID(), st)
	if !e.db.Enabled() {
		return nil, err
	}
	chats, ferr := e.fromStore(rt.ID())
	if ferr != nil {
		logger.Error("store fallback failed", zap.Error(ferr))
		return nil, err
	}
	metricFallbacks.WithLabelValues(rt.ID()).Inc()
	logger.Debug("chat list served from store", zap.String("status", string(st)), zap.Int("chats", len(chats)))
	return chats, nil
}

// warmup sleeps out the settling window after the instance became ready.
func (e *Engine) warmup(ctx context.Context, rt *instance.Runtime) error {
	readyAt := rt.ReadyAt()
	if readyAt.IsZero() {
		return nil
	}
	wait := e.opts.Warmup - time.Since(readyAt)
	if wait <= 0 {
		return nil
	}
	return sleep(ctx, wait)
}

func (e *Engine) fetchWithRetry(ctx context.Context, rt *instance.Runtime, logger *zap.Logger) ([]mapped, error) {
	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		chats, err := e.fetchOnce(ctx, rt)
		if err == nil {
			metricAttempts.WithLabelValues(rt.ID(), "ok").Inc()
			return chats, nil
		}
		lastErr = err
		metricAttempts.WithLabelValues(rt.ID(), "error").Inc()
		logger.Warn("chat list fetch failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", e.opts.MaxAttempts),
			zap.Error(err))

		if !driver.IsTransient(err) {
			return nil, err
		}
		if attempt == e.opts.MaxAttempts {
			break
		}

		delay := e.opts.RetryDelay
		if driver.IsContextLost(err) {
			metricRestarts.WithLabelValues(rt.ID()).Inc()
			if rerr := rt.Restart(ctx); rerr != nil {
				logger.Warn("restart after context loss failed", zap.Error(rerr))
				return nil, errors.Join(err, rerr)
			}
			delay = e.opts.RestartSettle
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (e *Engine) fetchOnce(ctx context.Context, rt *instance.Runtime) ([]mapped, error) {
	client := rt.Client()
	if err := ensureHelpers(ctx, client); err != nil {
		return nil, err
	}
	raw, err := client.Chats(ctx)
	if err != nil {
		return nil, driver.Classify("get chats", err)
	}
	// The fetch limit keeps the most recent entries whatever order the
	// driver reports them in.
	raw = slices.Clone(raw)
	slices.SortStableFunc(raw, driver.CompareRecency)
	if len(raw) > e.opts.FetchLimit {
		raw = raw[:e.opts.FetchLimit]
	}

	meta := e.storedMeta(rt.ID(), raw)
	out := make([]mapped, len(raw))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.MapConcurrency)
	for i := range raw {
		g.Go(func() error {
			out[i] = mapChat(gctx, client, rt.ID(), raw[i], meta[raw[i].ID])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	chats := make([]mapped, 0, len(out))
	for _, m := range out {
		if m.summary.ID != "" {
			chats = append(chats, m)
		}
	}
	sort.SliceStable(chats, func(i, j int) bool { return chats[i].summary.LastTs > chats[j].summary.LastTs })
	if len(chats) > e.opts.ResultCap {
		chats = chats[:e.opts.ResultCap]
	}
	return chats, nil
}

// ensureHelpers verifies the driver's automation context and reinjects
// missing helpers once.
func ensureHelpers(ctx context.Context, client driver.Client) error {
	h := client.Probe(ctx)
	if !h.PageAlive {
		return driver.ContextLost("probe", errors.New("page closed"))
	}
	if !h.HasNamespace {
		return driver.ContextLost("probe", errors.New("store not found"))
	}
	if h.HasHelper {
		return nil
	}
	if err := client.Reinject(ctx); err != nil {
		err = driver.Classify("reinject", err)
		if driver.IsContextLost(err) {
			return err
		}
		return driver.HelperMissing("reinject", err)
	}
	if !client.Probe(ctx).OK() {
		return driver.HelperMissing("reinject", errors.New("helpers still missing after reinjection"))
	}
	return nil
}

func (e *Engine) storedMeta(instanceID string, raw []driver.Chat) map[string]store.ChatMeta {
	if !e.db.Enabled() {
		return nil
	}
	ids := make([]string, 0, len(raw))
	for _, c := range raw {
		if c.ID != "" {
			ids = append(ids, c.ID)
		}
	}
	meta, err := e.db.ChatMeta(instanceID, ids)
	if err != nil {
		e.logger.Warn("read chat metadata failed", zap.Error(err))
		return nil
	}
	return meta
}

// writeThrough persists churn fields in one batch, then merges the user-owned
// fields back from the store. Persistence failures are logged and the fetched
// list is returned as is.
func (e *Engine) writeThrough(rt *instance.Runtime, fetched []mapped, logger *zap.Logger) []store.ChatSummary {
	chats := make([]store.ChatSummary, len(fetched))
	for i, m := range fetched {
		chats[i] = m.summary
	}
	if !e.db.Enabled() || len(chats) == 0 {
		return chats
	}

	snaps := make([]store.ChatSnapshot, len(fetched))
	ids := make([]string, len(fetched))
	for i, m := range fetched {
		c := m.summary
		snaps[i] = store.ChatSnapshot{
			ID:          c.ID,
			Name:        m.trustedName,
			IsGroup:     c.IsGroup,
			UnreadCount: c.UnreadCount,
			LastMessage: c.LastMessage,
			LastTs:      c.LastTs,
		}
		ids[i] = c.ID
	}
	if err := e.db.UpsertChats(rt.ID(), string(rt.Status()), snaps); err != nil {
		logger.Warn("chat write-through failed", zap.Error(err))
		return chats
	}
	meta, err := e.db.ChatMeta(rt.ID(), ids)
	if err != nil {
		logger.Warn("chat merge read failed", zap.Error(err))
		return chats
	}
	for i := range chats {
		if m, ok := meta[chats[i].ID]; ok {
			Merge(&chats[i], m)
		}
	}
	return chats
}

// Merge applies stored user-owned fields to a live summary. The stored name
// wins only when it is displayable.
func Merge(c *store.ChatSummary, m store.ChatMeta) {
	c.Tags = m.Tags
	if c.Tags == nil {
		c.Tags = []string{}
	}
	c.Stage = m.Stage
	if c.Stage == "" {
		c.Stage = store.StageInbound
	}
	c.OwnerUserID = m.OwnerUserID
	if naming.IsDisplayable(m.Name, c.ID) {
		c.Name = m.Name
	}
}

// fromStore rebuilds the list from persisted chats, without pictures.
func (e *Engine) fromStore(instanceID string) ([]store.ChatSummary, error) {
	rows, err := e.db.ListChats(instanceID, e.opts.ResultCap)
	if err != nil {
		return nil, fmt.Errorf("list stored chats: %w", err)
	}
	out := make([]store.ChatSummary, len(rows))
	for i := range rows {
		out[i] = rows[i].Summary()
		if !naming.IsDisplayable(out[i].Name, out[i].ID) {
			out[i].Name = naming.Fallback(out[i].ID)
		}
	}
	return out, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

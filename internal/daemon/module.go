package daemon

import (
	"context"

	"github.com/matheus3301/wpphub/internal/api"
	"github.com/matheus3301/wpphub/internal/bus"
	"github.com/matheus3301/wpphub/internal/chatedit"
	"github.com/matheus3301/wpphub/internal/chatlist"
	"github.com/matheus3301/wpphub/internal/config"
	"github.com/matheus3301/wpphub/internal/driver"
	"github.com/matheus3301/wpphub/internal/instance"
	"github.com/matheus3301/wpphub/internal/lock"
	"github.com/matheus3301/wpphub/internal/logging"
	"github.com/matheus3301/wpphub/internal/metrics"
	"github.com/matheus3301/wpphub/internal/outbox"
	"github.com/matheus3301/wpphub/internal/session"
	"github.com/matheus3301/wpphub/internal/store"
	intsync "github.com/matheus3301/wpphub/internal/sync"
	"github.com/matheus3301/wpphub/internal/wa"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the startup options passed to the fx module.
type Params struct {
	ConfigPath string
	Debug      bool
	SocketPath string         // optional override for testing; empty = use default
	Factory    driver.Factory // optional override for testing; nil = whatsmeow
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideWAFactory,
			provideDriverFactory,
			provideRegistry,
			provideChatList,
			provideSyncEngine,
			provideHistory,
			provideChatEdit,
			provideSender,
			provideAggregator,
			provideAPI,
			provideHTTPServer,
			provideGRPCServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, session.Paths, error) {
	return session.Resolve(p.ConfigPath)
}

func provideLogger(p Params, paths session.Paths) (*zap.Logger, error) {
	return logging.New(paths.LogPath(), p.Debug)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(paths session.Paths, logger *zap.Logger) (*lock.Lock, error) {
	if err := paths.EnsureDir(); err != nil {
		return nil, err
	}
	logger.Info("acquiring data dir lock", zap.String("dir", paths.Root))
	l, err := lock.Acquire(paths.Root)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

// provideStore returns a nil store when persistence is disabled; every
// consumer treats nil as "no database".
func provideStore(cfg *config.Config, paths session.Paths, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	if !cfg.Database.Enabled {
		logger.Info("persistence disabled")
		return nil, nil
	}
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = paths.AppDBPath()
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideWAFactory(cfg *config.Config, logger *zap.Logger) *wa.Factory {
	return wa.NewFactory(cfg.Driver.OSName, logger.Named("wa"))
}

func provideDriverFactory(p Params, f *wa.Factory) driver.Factory {
	if p.Factory != nil {
		return p.Factory
	}
	return f.New
}

func provideRegistry(cfg *config.Config, paths session.Paths, factory driver.Factory, db *store.DB, b *bus.Bus, logger *zap.Logger) *instance.Registry {
	return instance.NewRegistry(factory, paths, db, b, logger.Named("instance"), instance.Options{
		RestartCooldown: cfg.Driver.RestartCooldown.Duration,
	})
}

func provideChatList(cfg *config.Config, reg *instance.Registry, db *store.DB, logger *zap.Logger) *chatlist.Engine {
	s := cfg.Sync
	return chatlist.NewEngine(reg, db, logger.Named("chatlist"), chatlist.Options{
		CacheTTL:      s.CacheTTL.Duration,
		Warmup:        s.Warmup.Duration,
		RetryDelay:    s.RetryDelay.Duration,
		RestartSettle: s.RestartSettle.Duration,
		MaxAttempts:   s.MaxAttempts,
		FetchLimit:    s.FetchLimit,
		ResultCap:     s.ResultCap,
	})
}

func provideSyncEngine(db *store.DB, b *bus.Bus, reg *instance.Registry, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, reg, logger.Named("sync"))
}

func provideHistory(reg *instance.Registry, db *store.DB, logger *zap.Logger) *intsync.History {
	return intsync.NewHistory(reg, db, logger.Named("history"))
}

func provideChatEdit(reg *instance.Registry, db *store.DB, logger *zap.Logger) *chatedit.Service {
	return chatedit.NewService(reg, db, logger.Named("chatedit"))
}

func provideSender(reg *instance.Registry, db *store.DB, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(reg, db, logger.Named("outbox"))
}

func provideAggregator(db *store.DB, logger *zap.Logger) *metrics.Aggregator {
	return metrics.NewAggregator(db, logger.Named("metrics"))
}

type apiDeps struct {
	fx.In

	Instances *instance.Registry
	Chats     *chatlist.Engine
	History   *intsync.History
	Edits     *chatedit.Service
	Sender    *outbox.Sender
	Metrics   *metrics.Aggregator
	Bus       *bus.Bus
	Logger    *zap.Logger
}

func provideAPI(d apiDeps) *api.Server {
	return api.NewServer(api.Services{
		Instances: d.Instances,
		Chats:     d.Chats,
		History:   d.History,
		Edits:     d.Edits,
		Sender:    d.Sender,
		Metrics:   d.Metrics,
		Bus:       d.Bus,
	}, d.Logger.Named("api"))
}

func provideHTTPServer(cfg *config.Config, a *api.Server, logger *zap.Logger) (*HTTPServer, error) {
	return NewHTTPServer(cfg.HTTP.Addr, a, logger)
}

func provideGRPCServer(p Params, paths session.Paths, b *bus.Bus, logger *zap.Logger) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = paths.SocketPath()
	}
	return NewServer(socketPath, b, logger)
}

type lifecycleDeps struct {
	fx.In

	Lock     *lock.Lock
	DB       *store.DB
	Factory  *wa.Factory
	Registry *instance.Registry
	Engine   *intsync.Engine
	HTTP     *HTTPServer
	GRPC     *Server
	Logger   *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	logger := d.Logger
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Ingest runs before any instance can produce messages.
			d.Engine.Start(context.Background())

			go func() {
				if err := d.GRPC.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			go func() {
				if err := d.HTTP.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.HTTP.Stop(ctx)
			d.GRPC.Stop(ctx)
			if err := d.Registry.Shutdown(ctx); err != nil {
				logger.Warn("error shutting down instances", zap.Error(err))
			}
			d.Engine.Stop()
			if err := d.Factory.Close(); err != nil {
				logger.Warn("error closing credential stores", zap.Error(err))
			}
			if d.DB.Enabled() {
				if err := d.DB.Close(); err != nil {
					logger.Warn("error closing store", zap.Error(err))
				}
			}
			if err := d.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}

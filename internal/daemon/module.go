package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/parley/internal/account"
	"github.com/matheus3301/parley/internal/api"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/config"
	"github.com/matheus3301/parley/internal/lock"
	"github.com/matheus3301/parley/internal/logging"
	"github.com/matheus3301/parley/internal/netcheck"
	"github.com/matheus3301/parley/internal/outbox"
	"github.com/matheus3301/parley/internal/remote"
	"github.com/matheus3301/parley/internal/status"
	"github.com/matheus3301/parley/internal/store"
	intsync "github.com/matheus3301/parley/internal/sync"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved account configuration passed to the fx module.
type Params struct {
	Account    string
	SocketPath string         // optional override for testing; empty = use default
	Config     *config.Config // optional; nil = load ~/.parley/config.toml
	Logger     *zap.Logger    // optional; nil = log to the account log file
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideRemote,
			provideMonitor,
			provideLifecycle,
			provideStateMachine,
			provideHub,
			provideProcessor,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(account.LogPath(p.Account), p.Account)
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	path := account.ConfigPath()
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	logger.Info("config loaded", zap.String("path", path), zap.String("redis_addr", cfg.RedisAddr))
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := account.EnsureDir(p.Account); err != nil {
		return nil, err
	}
	logger.Info("acquiring account lock", zap.String("account", p.Account))
	l, err := lock.Acquire(account.Dir(p.Account))
	if err != nil {
		return nil, err
	}
	logger.Info("account lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is only opened by the
// process owning the account.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := account.DBPath(p.Account)
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

func provideRemote(cfg *config.Config, logger *zap.Logger) *remote.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return remote.New(rdb, remote.Options{LeaseTTL: cfg.LeaseTTL.Duration}, logger)
}

func provideMonitor(cfg *config.Config, logger *zap.Logger) *netcheck.Monitor {
	return netcheck.New(cfg.ProbeURL, cfg.ProbeTimeout.Duration, logger)
}

func provideLifecycle() *status.Lifecycle {
	return status.NewLifecycle(status.Foreground)
}

func provideStateMachine(lc *status.Lifecycle, b *bus.Bus) *status.Machine {
	return status.NewMachine(lc.Current().Target(), b)
}

func provideHub(db *store.DB, rc *remote.Client, b *bus.Bus, logger *zap.Logger) *intsync.Hub {
	return intsync.NewHub(intsync.Deps{DB: db, Remote: rc, Bus: b, Logger: logger})
}

func provideProcessor(cfg *config.Config, db *store.DB, rc *remote.Client, mon *netcheck.Monitor, m *status.Machine, lc *status.Lifecycle, hub *intsync.Hub, b *bus.Bus, logger *zap.Logger) *outbox.Processor {
	return outbox.NewProcessor(outbox.Deps{
		DB:        db,
		Remote:    rc,
		Monitor:   mon,
		Machine:   m,
		Lifecycle: lc,
		Bus:       b,
		OnStatus:  hub.ApplyStatus,
		Interval:  cfg.RetryInterval.Duration,
		Logger:    logger,
	})
}

func provideService(p Params, db *store.DB, hub *intsync.Hub, rc *remote.Client, proc *outbox.Processor, lc *status.Lifecycle, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(api.Deps{
		Account:   p.Account,
		DB:        db,
		Hub:       hub,
		Presence:  rc,
		Queue:     proc,
		Lifecycle: lc,
		Bus:       b,
		Logger:    logger,
	})
}

const remoteTimeout = 5 * time.Second

func registerLifecycle(lc fx.Lifecycle, srv *Server, svc *api.Service, lk *lock.Lock, db *store.DB, rc *remote.Client, hub *intsync.Hub, proc *outbox.Processor, logger *zap.Logger) {
	announceCtx, stopAnnounce := context.WithCancel(context.Background())
	announced := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			pingCtx, cancel := context.WithTimeout(ctx, remoteTimeout)
			defer cancel()
			if err := rc.Ping(pingCtx); err != nil {
				// Not fatal: sends queue until the store is reachable.
				logger.Warn("remote store unreachable", zap.Error(err))
			}

			if p, err := db.LoadProfile(); err == nil {
				go func() {
					defer close(announced)
					announce(announceCtx, rc, *p, logger)
				}()
			} else {
				close(announced)
				if errors.Is(err, store.ErrNoProfile) {
					logger.Info("no profile registered yet")
				} else {
					logger.Error("load profile", zap.Error(err))
				}
			}

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			proc.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopAnnounce()
			<-announced
			svc.Shutdown()
			srv.Stop(ctx)
			proc.Stop()
			hub.CloseAll()

			if p, err := db.LoadProfile(); err == nil {
				offCtx, cancel := context.WithTimeout(ctx, remoteTimeout)
				if err := rc.GoOffline(offCtx, p.Phone); err != nil {
					logger.Warn("presence offline failed", zap.Error(err))
				}
				cancel()
			}
			if err := rc.Close(); err != nil {
				logger.Warn("error closing remote client", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// announce publishes the stored profile as online.
func announce(ctx context.Context, rc *remote.Client, p store.Profile, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()
	if err := rc.SaveUser(ctx, p); err != nil {
		logger.Warn("presence announce failed", zap.String("phone", p.Phone), zap.Error(err))
		return
	}
	logger.Info("presence online", zap.String("phone", p.Phone))
}

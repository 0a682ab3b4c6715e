// Package daemon composes the questlogd process: config, logging, cache,
// remote store, connectivity, repositories, sync engine, reconciler, and
// the local HTTP API, wired with fx and torn down in reverse order.
package daemon

import (
	"context"
	"os"

	"github.com/questlog/questlog/internal/api"
	"github.com/questlog/questlog/internal/bus"
	"github.com/questlog/questlog/internal/config"
	"github.com/questlog/questlog/internal/connectivity"
	"github.com/questlog/questlog/internal/lock"
	"github.com/questlog/questlog/internal/logging"
	"github.com/questlog/questlog/internal/remote"
	"github.com/questlog/questlog/internal/repo"
	"github.com/questlog/questlog/internal/session"
	"github.com/questlog/questlog/internal/store"
	intsync "github.com/questlog/questlog/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds resolved startup parameters passed to the fx module.
type Params struct {
	// ConfigPath overrides the default ~/.questlog/config.toml.
	ConfigPath string
	// UserID overrides the configured user (mainly for tests and multi
	// profile setups).
	UserID string
}

// Module returns the daemon's fx module.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideSession,
			provideLogger,
			provideBus,
			provideMachine,
			provideLock,
			provideStore,
			provideRemote,
			provideProbeMonitor,
			provideMonitor,
			provideProfileRepository,
			provideFriendshipRepository,
			provideMessageRepository,
			provideEngine,
			provideReconciler,
			provideAPIHandler,
			provideAPIServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}

	cfg, err := config.Load(path)
	if os.IsNotExist(err) {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	if p.UserID != "" {
		cfg.UserID = p.UserID
	}
	return cfg, nil
}

func provideSession(cfg *config.Config) (*session.Session, error) {
	if err := session.ValidateUserID(cfg.UserID); err != nil {
		return nil, err
	}
	name := cfg.DisplayName
	if name == "" {
		name = cfg.UserID
	}
	return session.New(cfg.UserID, name), nil
}

func provideLogger(sess *session.Session) (*zap.Logger, error) {
	if err := session.EnsureDir(sess.UserID); err != nil {
		return nil, err
	}
	return logging.New(session.LogPath(sess.UserID), sess.UserID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMachine(b *bus.Bus) *intsync.Machine {
	return intsync.NewMachine(b)
}

func provideLock(sess *session.Session, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("user", sess.UserID))
	l, err := lock.Acquire(session.Dir(sess.UserID))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(sess *session.Session, b *bus.Bus, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(sess.UserID)
	db, err := store.Open(dbPath, b)
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
	}
	logger.Info("cache opened", zap.String("path", dbPath))
	return db, nil
}

func provideRemote(cfg *config.Config, logger *zap.Logger) (remote.Store, error) {
	return remote.NewRedis(context.Background(), remote.Options{
		Addr:     cfg.Remote.Addr,
		Password: cfg.Remote.Password,
		DB:       cfg.Remote.DB,
	}, logger)
}

func provideProbeMonitor(rs remote.Store, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *connectivity.ProbeMonitor {
	return connectivity.NewProbeMonitor(rs, cfg.ProbeInterval(), b, logger)
}

func provideMonitor(m *connectivity.ProbeMonitor) connectivity.Monitor {
	return m
}

func provideProfileRepository(db *store.DB, rs remote.Store, mon connectivity.Monitor, sess *session.Session, logger *zap.Logger) *repo.ProfileRepository {
	return repo.NewProfileRepository(db, rs, mon, sess, logger)
}

func provideFriendshipRepository(db *store.DB, rs remote.Store, mon connectivity.Monitor, b *bus.Bus, logger *zap.Logger) *repo.FriendshipRepository {
	return repo.NewFriendshipRepository(db, rs, mon, b, logger)
}

func provideMessageRepository(db *store.DB, rs remote.Store, mon connectivity.Monitor, b *bus.Bus, sess *session.Session, logger *zap.Logger) *repo.MessageRepository {
	return repo.NewMessageRepository(db, rs, mon, b, sess, logger)
}

func provideEngine(db *store.DB, messages *repo.MessageRepository, mon connectivity.Monitor, b *bus.Bus, machine *intsync.Machine, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, messages, mon, b, machine, cfg.ReplayInterval(), cfg.Sync.MaxAttempts, logger)
}

func provideReconciler(db *store.DB, rs remote.Store, sess *session.Session, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, rs, sess, logger)
}

func provideAPIHandler(profiles *repo.ProfileRepository, friendships *repo.FriendshipRepository, messages *repo.MessageRepository, db *store.DB, mon connectivity.Monitor, machine *intsync.Machine, sess *session.Session, logger *zap.Logger) *api.Handler {
	return api.NewHandler(profiles, friendships, messages, db, mon, machine, sess, logger)
}

func provideAPIServer(cfg *config.Config, h *api.Handler, logger *zap.Logger) *api.Server {
	return api.NewServer(cfg.ListenAddr, h, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *api.Server, lk *lock.Lock, probe *connectivity.ProbeMonitor, mon connectivity.Monitor, engine *intsync.Engine, reconciler *intsync.Reconciler, profiles *repo.ProfileRepository, rs remote.Store, logger *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			probe.Start(runCtx)
			if err := reconciler.Start(runCtx); err != nil {
				return err
			}
			engine.Start(runCtx)

			if err := srv.Start(); err != nil {
				return err
			}

			// Bootstrap the local profile: immediately against the cache,
			// then again on the first connectivity to create or refresh the
			// remote document.
			go func() {
				if err := profiles.Bootstrap(runCtx); err != nil {
					logger.Warn("profile bootstrap failed", zap.Error(err))
				}
				if mon.Online() {
					return
				}
				ch, unsub := mon.Observe(1)
				defer unsub()
				select {
				case online := <-ch:
					if online {
						if err := profiles.Bootstrap(runCtx); err != nil {
							logger.Warn("online profile bootstrap failed", zap.Error(err))
						}
					}
				case <-runCtx.Done():
				}
			}()

			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			if err := srv.Stop(ctx); err != nil {
				logger.Warn("api shutdown error", zap.Error(err))
			}
			engine.Stop()
			reconciler.Stop()
			probe.Stop()
			if err := rs.Close(); err != nil {
				logger.Warn("remote store close error", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

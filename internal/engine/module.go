// Package engine composes a running profile: one lock, one mirror, one
// directory client and the services wired on top of them.
package engine

import (
	"context"
	"time"

	"github.com/tandemapp/tandem/internal/bus"
	"github.com/tandemapp/tandem/internal/config"
	"github.com/tandemapp/tandem/internal/conversation"
	"github.com/tandemapp/tandem/internal/directory"
	"github.com/tandemapp/tandem/internal/lock"
	"github.com/tandemapp/tandem/internal/logging"
	"github.com/tandemapp/tandem/internal/message"
	"github.com/tandemapp/tandem/internal/outbox"
	"github.com/tandemapp/tandem/internal/presence"
	"github.com/tandemapp/tandem/internal/profile"
	"github.com/tandemapp/tandem/internal/session"
	"github.com/tandemapp/tandem/internal/store"
	intsync "github.com/tandemapp/tandem/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx
// module.
type Params struct {
	ProfileName string
}

// App aggregates the client-facing surfaces of a running profile. An
// embedding UI talks to these; everything else is plumbing behind them.
type App struct {
	Sessions      *session.Manager
	Conversations *conversation.Store
	Messages      *message.Stream
	Presence      *presence.Tracker
}

// Module returns the fx module composing all providers and lifecycle
// hooks for one profile.
func Module(p Params) fx.Option {
	return fx.Module("engine",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideMachine,
			provideLock,
			provideStore,
			provideDirectory,
			provideRealtime,
			provideManager,
			provideTracker,
			provideConversations,
			provideMessages,
			provideSender,
			provideSyncEngine,
			provideApp,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() *config.Config {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		// No config file is the common first-run case; defaults apply.
		return &config.Config{}
	}
	return cfg
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMachine(b *bus.Bus) *session.Machine {
	return session.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.MirrorDBPath(p.ProfileName)
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
	logger.Info("mirror initialized", zap.String("path", dbPath))
	return db, nil
}

func provideDirectory(p Params, cfg *config.Config) *directory.Client {
	client := directory.NewClient(cfg.DirectoryEndpoint(), directory.WithTimeout(cfg.RequestTimeout()))
	if token := profile.LoadToken(p.ProfileName); token != "" {
		client.SetToken(token)
	}
	return client
}

func provideRealtime(cfg *config.Config, client *directory.Client, b *bus.Bus, logger *zap.Logger) *directory.Realtime {
	return directory.NewRealtime(cfg.RealtimeEndpoint(), client.Token, b, logger)
}

func provideManager(client *directory.Client, machine *session.Machine, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *session.Manager {
	return session.NewManager(client, machine, b, logger, session.Options{
		RequestTimeout:      cfg.RequestTimeout(),
		ProfileTimeout:      cfg.ProfileTimeout(),
		HealthCheckInterval: cfg.HealthCheckInterval(),
	})
}

// currentUserID derives the self-id accessor every store-facing service
// shares: the signed-in user's id, or "" when signed out.
func currentUserID(machine *session.Machine) func() string {
	return func() string {
		status := machine.Current()
		if status.Identity == nil {
			return ""
		}
		return status.Identity.ID
	}
}

func provideTracker(client *directory.Client, db *store.DB, b *bus.Bus, logger *zap.Logger, cfg *config.Config, machine *session.Machine) *presence.Tracker {
	return presence.NewTracker(client, db, b, logger, presence.Options{
		HeartbeatInterval: cfg.HeartbeatInterval(),
		TTL:               cfg.PresenceTTL(),
		RequestTimeout:    cfg.RequestTimeout(),
	}, currentUserID(machine))
}

func provideConversations(client *directory.Client, db *store.DB, b *bus.Bus, logger *zap.Logger, cfg *config.Config, machine *session.Machine) *conversation.Store {
	return conversation.NewStore(client, db, b, logger, cfg.RequestTimeout(), currentUserID(machine))
}

func provideMessages(client *directory.Client, db *store.DB, b *bus.Bus, logger *zap.Logger, machine *session.Machine) *message.Stream {
	return message.NewStream(db, b, logger, client, currentUserID(machine))
}

func provideSender(db *store.DB, client *directory.Client, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *outbox.Sender {
	return outbox.NewSender(db, client, b, logger, cfg.RequestTimeout())
}

func provideSyncEngine(db *store.DB, client *directory.Client, convs *conversation.Store, tracker *presence.Tracker, b *bus.Bus, logger *zap.Logger, cfg *config.Config, machine *session.Machine) *intsync.Engine {
	return intsync.NewEngine(db, client, convs, tracker, b, logger, currentUserID(machine), cfg.RequestTimeout())
}

func provideApp(manager *session.Manager, convs *conversation.Store, msgs *message.Stream, tracker *presence.Tracker) *App {
	return &App{
		Sessions:      manager,
		Conversations: convs,
		Messages:      msgs,
		Presence:      tracker,
	}
}

func registerLifecycle(lc fx.Lifecycle, p Params, app *App, lk *lock.Lock, client *directory.Client, realtime *directory.Realtime, engine *intsync.Engine, sender *outbox.Sender, b *bus.Bus, logger *zap.Logger) {
	runCtx, runCancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			engine.Start(runCtx)
			sender.Start(runCtx)
			app.Sessions.Start(runCtx)
			app.Presence.Start(runCtx)
			realtime.Start(runCtx)

			go persistTokens(runCtx, p.ProfileName, client, b, logger)

			// A stored token means a previous session may still be
			// valid; try to pick it up without blocking startup.
			if client.Token() != "" {
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					defer cancel()
					if _, err := app.Sessions.Restore(ctx); err != nil {
						logger.Info("no session restored", zap.Error(err))
					}
				}()
			}
			return nil
		},
		OnStop: func(_ context.Context) error {
			runCancel()
			realtime.Stop()
			app.Presence.Stop()
			app.Sessions.Stop()
			sender.Stop()
			engine.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}

// persistTokens mirrors the directory client's token to disk as the
// session changes, so the next start can restore without credentials.
func persistTokens(ctx context.Context, profileName string, client *directory.Client, b *bus.Bus, logger *zap.Logger) {
	ch, unsub := b.Subscribe("session.status_changed", 16)
	defer unsub()
	for {
		select {
		case evt := <-ch:
			change, ok := evt.Payload.(session.StatusChange)
			if !ok {
				continue
			}
			switch change.To.State {
			case session.SignedIn:
				if token := client.Token(); token != "" {
					if err := profile.SaveToken(profileName, token); err != nil {
						logger.Warn("failed to persist token", zap.Error(err))
					}
				}
			case session.SignedOut:
				if err := profile.ClearToken(profileName); err != nil {
					logger.Warn("failed to clear token", zap.Error(err))
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

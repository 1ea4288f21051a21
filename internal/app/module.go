// Package app composes the client core with fx.
package app

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/besafe/chat/internal/apiclient"
	"github.com/besafe/chat/internal/bus"
	"github.com/besafe/chat/internal/chat"
	"github.com/besafe/chat/internal/clock"
	"github.com/besafe/chat/internal/config"
	"github.com/besafe/chat/internal/connection"
	"github.com/besafe/chat/internal/delivery"
	"github.com/besafe/chat/internal/events"
	"github.com/besafe/chat/internal/lock"
	"github.com/besafe/chat/internal/logging"
	"github.com/besafe/chat/internal/metrics"
	"github.com/besafe/chat/internal/profile"
	"github.com/besafe/chat/internal/reconcile"
	"github.com/besafe/chat/internal/rooms"
	"github.com/besafe/chat/internal/store"
	"github.com/besafe/chat/internal/transport"
	"github.com/besafe/chat/internal/typing"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
	Config  *config.Config
	// Console also logs to stderr. Off for the terminal UI.
	Console bool
	// AutoConnect opens the realtime connection on start when a token is stored.
	AutoConnect bool
}

// Module returns the fx module for a client process, composing all
// providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("besafe",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideMetrics,
			provideLock,
			provideStore,
			provideDialer,
			provideConnection,
			provideTracker,
			provideEngine,
			provideAPI,
			provideCoordinator,
			provideSignaler,
			provideService,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, p.Config.LogLevel, p.Console)
}

func provideMetrics() *metrics.Client {
	return metrics.NewClient()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired", zap.String("profile", p.Profile))
	return l, nil
}

// provideStore takes the lock so the database is never opened unlocked.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("store initialized",
		zap.String("path", dbPath),
		zap.Uint("version", result.Version),
		zap.Bool("migrated", result.Changed))
	return db, nil
}

func provideDialer(p Params) transport.Dialer {
	return &transport.WebSocketDialer{URL: p.Config.RealtimeURL}
}

func provideConnection(p Params, d transport.Dialer, db *store.DB, logger *zap.Logger, mc *metrics.Client) *connection.Manager {
	return connection.New(connection.Config{
		MaxAttempts:    p.Config.ReconnectAttempts,
		ReconnectDelay: p.Config.ReconnectDelay.Duration,
		AuthTimeout:    p.Config.AuthTimeout.Duration,
	}, d, db, logger.Named("connection"), mc)
}

func provideTracker(conn *connection.Manager, logger *zap.Logger) *rooms.Tracker {
	return rooms.NewTracker(conn, logger.Named("rooms"))
}

func provideEngine(logger *zap.Logger, mc *metrics.Client) *reconcile.Engine {
	return reconcile.NewEngine(logger.Named("reconcile"), mc)
}

func provideAPI(p Params, db *store.DB, logger *zap.Logger) *apiclient.Client {
	return apiclient.New(p.Config.APIURL, db, apiclient.WithLogger(logger.Named("api")))
}

func provideCoordinator(p Params, engine *reconcile.Engine, conn *connection.Manager, api *apiclient.Client, logger *zap.Logger, mc *metrics.Client) *delivery.Coordinator {
	return delivery.New(engine, conn, api,
		delivery.WithPublisher(conn),
		delivery.WithLogger(logger.Named("delivery")),
		delivery.WithMetrics(mc),
		delivery.WithConfirmTimeout(p.Config.ConfirmTimeout.Duration),
	)
}

func provideSignaler(conn *connection.Manager, logger *zap.Logger, mc *metrics.Client) *typing.Signaler {
	return typing.New(conn, conn, clock.Real(), logger.Named("typing"), mc)
}

func provideService(conn *connection.Manager, tracker *rooms.Tracker, engine *reconcile.Engine,
	coord *delivery.Coordinator, sig *typing.Signaler, api *apiclient.Client, logger *zap.Logger) *chat.Service {
	return chat.NewService(conn, tracker, engine, coord, sig, api, logger.Named("chat"))
}

func registerLifecycle(lc fx.Lifecycle, p Params, svc *chat.Service, conn *connection.Manager, db *store.DB, lk *lock.Lock, mc *metrics.Client, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	var userSub bus.Subscription

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			svc.Start()

			// Seed the engine with the last known user so local sends carry a
			// sender before the first authenticate round trip.
			if id, err := db.UserID(ctx); err == nil && id != "" {
				svc.Engine.SetSelf(id)
			}
			userSub = bus.On(conn.Core(), func(e events.Authenticated) {
				if err := db.SetSetting(ctx, store.SettingLastUser, e.User.ID.String()); err != nil {
					logger.Warn("record last user", zap.Error(err))
				}
			})

			if p.Config.MetricsAddr != "" {
				go func() {
					if err := metrics.Serve(ctx, p.Config.MetricsAddr, mc.Handler()); err != nil {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
			}

			if p.AutoConnect {
				go func() {
					token, err := db.Token(ctx)
					if err != nil || token == "" {
						logger.Info("no session token, sign in required")
						return
					}
					if !conn.Connect(ctx) {
						logger.Warn("auto-connect failed")
					}
				}()
			}
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			conn.Core().Off(userSub)
			svc.Stop()
			conn.Disconnect()
			err := db.Close()
			if relErr := lk.Release(); relErr != nil {
				logger.Warn("error releasing lock", zap.Error(relErr))
			}
			logger.Info("client stopped")
			_ = logger.Sync()
			return err
		},
	})
}

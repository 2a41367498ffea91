// Command devserver runs a local Resource API and realtime endpoint for tenantdesk.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/tenantdesk/internal/announce"
	"github.com/memohai/tenantdesk/internal/config"
	"github.com/memohai/tenantdesk/internal/handlers"
	"github.com/memohai/tenantdesk/internal/logger"
	"github.com/memohai/tenantdesk/internal/rooms"
	"github.com/memohai/tenantdesk/internal/server"
	"github.com/memohai/tenantdesk/internal/store"
	"github.com/memohai/tenantdesk/internal/version"
)

func main() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDB,
			provideAuthConfig,
			store.NewActivityStore,
			store.NewRefreshTokenStore,
			rooms.NewHub,
			providePublisher,
			provideAnnouncer,

			provideServerHandler(func(log *slog.Logger, db *store.DB) *handlers.HealthHandler {
				return handlers.NewHealthHandler(log, db)
			}),
			provideServerHandler(handlers.NewAuthHandler),
			provideServerHandler(handlers.NewActivityHandler),
			provideServerHandler(func(log *slog.Logger, hub *rooms.Hub, cfg config.Config) *handlers.RealtimeHandler {
				return handlers.NewRealtimeHandler(log, hub, cfg.Auth.JWTSecret)
			}),
			provideServer,
		),
		fx.Invoke(startAnnouncer, startServer),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDB(lc fx.Lifecycle, cfg config.Config) (*store.DB, error) {
	db, err := store.Open(context.Background(), cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return db.Close()
		},
	})
	return db, nil
}

func provideAuthConfig(log *slog.Logger, cfg config.Config) (handlers.AuthConfig, error) {
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return handlers.AuthConfig{}, errors.New("auth.jwt_secret is required")
	}
	accessTTL, err := config.Duration(cfg.Auth.AccessTokenTTL, config.DefaultAccessTokenTTL)
	if err != nil {
		return handlers.AuthConfig{}, fmt.Errorf("auth.access_token_ttl: %w", err)
	}
	refreshTTL, err := config.Duration(cfg.Auth.RefreshTokenTTL, config.DefaultRefreshTokenTTL)
	if err != nil {
		return handlers.AuthConfig{}, fmt.Errorf("auth.refresh_token_ttl: %w", err)
	}
	if len(cfg.Auth.Users) == 0 {
		log.Warn("no users configured, login will always fail")
	}
	return handlers.AuthConfig{
		JWTSecret:       cfg.Auth.JWTSecret,
		AccessTokenTTL:  accessTTL,
		RefreshTokenTTL: refreshTTL,
		CookieName:      cfg.Auth.CookieName,
		Users:           cfg.Auth.Users,
	}, nil
}

func providePublisher(hub *rooms.Hub) rooms.Publisher {
	return hub
}

func provideAnnouncer(log *slog.Logger, hub rooms.Publisher, cfg config.Config) (*announce.Announcer, error) {
	return announce.NewAnnouncer(log, hub, cfg.Announcements)
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...)
}

func startAnnouncer(lc fx.Lifecycle, a *announce.Announcer) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return a.Start()
		},
		OnStop: a.Stop,
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	fmt.Printf("Starting tenantdesk devserver %s\n", version.Get())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}

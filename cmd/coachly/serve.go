package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/coachly/coachly/internal/batch"
	"github.com/coachly/coachly/internal/broadcast"
	"github.com/coachly/coachly/internal/config"
	"github.com/coachly/coachly/internal/db"
	"github.com/coachly/coachly/internal/handlers"
	"github.com/coachly/coachly/internal/identity"
	"github.com/coachly/coachly/internal/ingest"
	"github.com/coachly/coachly/internal/livesession"
	"github.com/coachly/coachly/internal/logger"
	"github.com/coachly/coachly/internal/server"
	"github.com/coachly/coachly/internal/storage"
	"github.com/coachly/coachly/internal/storage/memory"
	"github.com/coachly/coachly/internal/storage/postgres"
	"github.com/coachly/coachly/internal/storage/sqlite"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook, query and live websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			runServe()
			return nil
		},
	}
}

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideStore,
			provideSessionStore,
			provideTranscriptStore,
			provideHub,
			providePublisher,
			livesession.NewStore,
			identity.NewResolver,
			provideEngine,
			providePipeline,
			provideCron,
			provideServerHandler(provideLiveHandler),
			provideServerHandler(providePingHandler),
			provideServerHandler(handlers.NewTranscriptHandler),
			provideServerHandler(handlers.NewDebugHandler),
			provideServerHandler(provideWebhookHandler),
			provideServerHandler(provideAuthHandler),
			provideServer,
		),
		fx.Invoke(
			startPipeline,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	return loadConfig()
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

// provideStore opens the configured durable backend. It is closed last on
// shutdown, after the final force-save.
func provideStore(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch cfg.Storage.Backend {
	case config.StorageBackendPostgres:
		pool, openErr := db.Open(context.Background(), cfg.Postgres)
		if openErr != nil {
			return nil, fmt.Errorf("db connect: %w", openErr)
		}
		store = postgres.New(log, pool, pool.Close)
	case config.StorageBackendSQLite:
		store, err = sqlite.Open(context.Background(), cfg.Storage.SQLitePath, log)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
	case config.StorageBackendMemory:
		log.Warn("using in-memory storage, transcripts are lost on restart")
		store = memory.New()
	default:
		return nil, fmt.Errorf("unsupported storage backend: %q", cfg.Storage.Backend)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return store.Close() }})
	return store, nil
}

func provideSessionStore(store storage.Store) storage.SessionStore       { return store }
func provideTranscriptStore(store storage.Store) storage.TranscriptStore { return store }

func provideHub(log *slog.Logger, cfg config.Config) *broadcast.Hub {
	return broadcast.NewHub(log, cfg.Broadcast.SendBuffer)
}

func providePublisher(hub *broadcast.Hub) livesession.Publisher { return hub }

func provideEngine(log *slog.Logger, cfg config.Config, live *livesession.Store, resolver *identity.Resolver, store storage.TranscriptStore) *batch.Engine {
	return batch.NewEngine(log, cfg.Batch, live, resolver, store)
}

func providePipeline(log *slog.Logger, cfg config.Config, live *livesession.Store, resolver *identity.Resolver, engine *batch.Engine, publisher livesession.Publisher) *ingest.Pipeline {
	return ingest.NewPipeline(log, cfg.Ingest, live, resolver, engine, publisher)
}

func provideCron(log *slog.Logger) *cron.Cron {
	return cron.New(cron.WithLogger(cronLogger{logger: log.With(slog.String("component", "cron"))}))
}

func provideLiveHandler(log *slog.Logger, hub *broadcast.Hub, cfg config.Config) *handlers.LiveHandler {
	return handlers.NewLiveHandler(log, hub, cfg.Broadcast)
}

func providePingHandler(log *slog.Logger, store storage.Store) *handlers.PingHandler {
	return handlers.NewPingHandler(log, store)
}

func provideWebhookHandler(log *slog.Logger, pipeline *ingest.Pipeline, cfg config.Config) *handlers.WebhookHandler {
	if cfg.Auth.WebhookSecret == "" {
		log.Warn("auth.webhook_secret is empty, webhook requests are not authenticated")
	}
	return handlers.NewWebhookHandler(log, pipeline, cfg.Auth.WebhookSecret)
}

func provideAuthHandler(log *slog.Logger, cfg config.Config) (*handlers.AuthHandler, error) {
	expiresIn, err := time.ParseDuration(cfg.Auth.JWTExpiresIn)
	if err != nil {
		return nil, fmt.Errorf("invalid auth.jwt_expires_in: %w", err)
	}
	return handlers.NewAuthHandler(log, cfg.Auth.JWTSecret, expiresIn), nil
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) (*server.Server, error) {
	if params.Config.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret is required")
	}
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...), nil
}

// startPipeline runs the periodic sweep and idle eviction. On stop it drains
// the ingest queues, force-saves every live session and closes the hub.
func startPipeline(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, c *cron.Cron, engine *batch.Engine, pipeline *ingest.Pipeline, hub *broadcast.Hub) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if _, err := engine.RegisterSweep(c); err != nil {
				return fmt.Errorf("register sweep: %w", err)
			}
			if _, err := pipeline.RegisterCleanup(c, cfg.Live.CleanupSpec, cfg.Live.IdleTimeout); err != nil {
				return fmt.Errorf("register cleanup: %w", err)
			}
			c.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			select {
			case <-c.Stop().Done():
			case <-ctx.Done():
			}
			if err := pipeline.Close(ctx); err != nil {
				log.Warn("ingest drain incomplete", slog.Any("error", err))
			}
			err := engine.Shutdown(ctx)
			hub.Close()
			if err != nil {
				log.Error("final save incomplete", slog.Any("error", err))
			}
			return err
		},
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					log.Error("http server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Stop(ctx)
		},
	})
}

// cronLogger routes robfig/cron logging into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, slog.Any("error", err))...)
}

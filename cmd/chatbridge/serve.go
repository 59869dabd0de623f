package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/chatbridgehq/chatbridge/internal/auth"
	"github.com/chatbridgehq/chatbridge/internal/config"
	"github.com/chatbridgehq/chatbridge/internal/connection"
	"github.com/chatbridgehq/chatbridge/internal/conversation"
	"github.com/chatbridgehq/chatbridge/internal/db"
	"github.com/chatbridgehq/chatbridge/internal/handlers"
	"github.com/chatbridgehq/chatbridge/internal/jobs"
	"github.com/chatbridgehq/chatbridge/internal/logger"
	"github.com/chatbridgehq/chatbridge/internal/metrics"
	"github.com/chatbridgehq/chatbridge/internal/platform"
	"github.com/chatbridgehq/chatbridge/internal/queue"
	"github.com/chatbridgehq/chatbridge/internal/runtime"
	"github.com/chatbridgehq/chatbridge/internal/server"
	"github.com/chatbridgehq/chatbridge/internal/session"
	"github.com/chatbridgehq/chatbridge/internal/tenant"
	"github.com/chatbridgehq/chatbridge/internal/webhook"
	"github.com/chatbridgehq/chatbridge/internal/worker"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook bridge",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return os.Getenv("CONFIG_PATH")
}

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBPool,
			metrics.New,
			provideSignatureVerifier,
			webhook.NewService,
			tenant.NewService,
			conversation.NewService,
			connection.NewService,
			runtime.NewService,
			provideSessionService,
			provideQueueService,
			provideRuntimeClient,
			provideSendClient,
			provideExchanger,
			provideRefresher,
			providePipeline,
			provideDrainer,
			provideJobRunner,
			handlers.NewPingHandler,
			handlers.NewWebhookHandler,
			provideOpsHandler,
			handlers.NewAdminHandler,
			provideServer,
		),
		fx.Invoke(
			startJobs,
			startServer,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	pool, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { pool.Close(); return nil }})
	return pool, nil
}

func provideSignatureVerifier(log *slog.Logger, cfg config.Config) *auth.SignatureVerifier {
	return auth.NewSignatureVerifier(log, cfg.Provider.AppSecret, cfg.Provider.SkipSignature)
}

func provideSessionService(log *slog.Logger, pool *pgxpool.Pool, cfg config.Config) *session.Service {
	return session.NewService(log, pool, time.Duration(cfg.Sessions.TTLDays)*24*time.Hour)
}

func provideQueueService(log *slog.Logger, pool *pgxpool.Pool, cfg config.Config) *queue.Service {
	return queue.NewService(log, pool, cfg.Queue.MaxRetries)
}

func provideRuntimeClient(log *slog.Logger, cfg config.Config) *runtime.Client {
	return runtime.NewClient(log, cfg.Runtime.BaseURL, cfg.Runtime.APIKey,
		time.Duration(cfg.Runtime.TimeoutSecs)*time.Second)
}

func provideSendClient(log *slog.Logger, cfg config.Config) *platform.SendClient {
	return platform.NewSendClient(log, cfg.Provider.GraphBaseURL,
		time.Duration(cfg.Provider.SendTimeoutSecs)*time.Second)
}

func provideExchanger(cfg config.Config) connection.Exchanger {
	return connection.NewGraphExchanger(cfg.Provider.GraphBaseURL, cfg.Provider.AppID, cfg.Provider.AppSecret, 15*time.Second)
}

func provideRefresher(log *slog.Logger, pool *pgxpool.Pool, store *connection.Service, exchanger connection.Exchanger, m *metrics.Metrics, cfg config.Config) *connection.Refresher {
	return connection.NewRefresher(log, pool, store, exchanger, m,
		time.Duration(cfg.Refresh.WindowDays)*24*time.Hour)
}

func providePipeline(log *slog.Logger, connections *connection.Service, sessions *session.Service, conversations *conversation.Service, bindings *runtime.Service, client *runtime.Client, sender *platform.SendClient, q *queue.Service, m *metrics.Metrics) *worker.Pipeline {
	return worker.NewPipeline(log, worker.PipelineDeps{
		Connections:   connections,
		Sessions:      sessions,
		Conversations: conversations,
		Bindings:      bindings,
		Runtime:       client,
		Sender:        sender,
		Queue:         q,
		Metrics:       m,
	})
}

func provideDrainer(log *slog.Logger, pipeline *worker.Pipeline, q *queue.Service, cfg config.Config) *worker.Drainer {
	return worker.NewDrainer(log, pipeline, q,
		time.Duration(cfg.Queue.StaleClaimSecs)*time.Second, 0)
}

func provideJobRunner(log *slog.Logger, cfg config.Config, refresher *connection.Refresher, sessions *session.Service, drainer *worker.Drainer, m *metrics.Metrics) *jobs.Runner {
	return jobs.NewRunner(log, cfg.Jobs, refresher, sessions, drainer, m, cfg.Queue.BatchSize)
}

func provideOpsHandler(log *slog.Logger, drainer *worker.Drainer, sessions *session.Service, tenants *tenant.Service, m *metrics.Metrics, cfg config.Config) *handlers.OpsHandler {
	return handlers.NewOpsHandler(log, drainer, sessions, tenants, m,
		cfg.Provider.AppSecret, cfg.Server.SiteURL, cfg.Queue.BatchSize)
}

func provideServer(log *slog.Logger, cfg config.Config, m *metrics.Metrics, ping *handlers.PingHandler, wh *handlers.WebhookHandler, ops *handlers.OpsHandler, admin *handlers.AdminHandler) *server.Server {
	return server.NewServer(log, cfg.Server.Addr, cfg.Auth.JWTSecret, m, ping, wh, ops, admin)
}

func startJobs(lc fx.Lifecycle, runner *jobs.Runner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return runner.Start() },
		OnStop:  func(ctx context.Context) error { return runner.Stop(ctx) },
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

// Package jobs runs the background loops: scheduled credential refresh,
// expired-session sweeps and the periodic queue drain.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chatbridgehq/chatbridge/internal/config"
	"github.com/chatbridgehq/chatbridge/internal/connection"
	"github.com/chatbridgehq/chatbridge/internal/metrics"
	"github.com/chatbridgehq/chatbridge/internal/session"
	"github.com/chatbridgehq/chatbridge/internal/worker"
)

const jobTimeout = 5 * time.Minute

type Runner struct {
	cfg       config.JobsConfig
	refresher *connection.Refresher
	sessions  *session.Service
	drainer   *worker.Drainer
	metrics   *metrics.Metrics
	batchSize int
	cron      *cron.Cron
	logger    *slog.Logger
}

func NewRunner(log *slog.Logger, cfg config.JobsConfig, refresher *connection.Refresher, sessions *session.Service, drainer *worker.Drainer, m *metrics.Metrics, batchSize int) *Runner {
	if batchSize <= 0 {
		batchSize = 5
	}
	return &Runner{
		cfg:       cfg,
		refresher: refresher,
		sessions:  sessions,
		drainer:   drainer,
		metrics:   m,
		batchSize: batchSize,
		cron:      cron.New(),
		logger:    log.With(slog.String("service", "jobs")),
	}
}

// Start registers the three loops and starts the cron ticker. Schedules come
// from config; an invalid expression fails startup rather than silently
// dropping a loop.
func (r *Runner) Start() error {
	entries := []struct {
		name     string
		schedule string
		run      func(context.Context)
	}{
		{name: "credential_refresh", schedule: r.cfg.RefreshSchedule, run: r.refreshCredentials},
		{name: "session_cleanup", schedule: r.cfg.CleanupSchedule, run: r.cleanupSessions},
		{name: "queue_drain", schedule: r.cfg.DrainSchedule, run: r.drainQueue},
	}

	for _, entry := range entries {
		name, run := entry.name, entry.run
		if _, err := r.cron.AddFunc(entry.schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			run(ctx)
		}); err != nil {
			return err
		}
		r.logger.Info("job scheduled",
			slog.String("job", name),
			slog.String("schedule", entry.schedule))
	}

	r.cron.Start()
	return nil
}

// Stop halts the ticker and waits for any in-flight job to finish.
func (r *Runner) Stop(ctx context.Context) error {
	done := r.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) refreshCredentials(ctx context.Context) {
	results, err := r.refresher.RefreshDue(ctx)
	if err != nil {
		r.logger.Error("credential refresh run failed", slog.Any("error", err))
		return
	}
	refreshed := 0
	for _, result := range results {
		if result.Error == "" {
			refreshed++
		}
	}
	r.logger.Info("credential refresh run finished",
		slog.Int("due", len(results)),
		slog.Int("refreshed", refreshed))
}

func (r *Runner) cleanupSessions(ctx context.Context) {
	cleaned, err := r.sessions.CleanupExpired(ctx)
	if err != nil {
		r.logger.Error("session cleanup failed", slog.Any("error", err))
		return
	}
	if r.metrics != nil {
		r.metrics.SessionsCleaned.Add(float64(cleaned))
	}
	if cleaned > 0 {
		r.logger.Info("expired sessions removed", slog.Int64("count", cleaned))
	}
}

func (r *Runner) drainQueue(ctx context.Context) {
	results, err := r.drainer.Drain(ctx, r.batchSize)
	if err != nil {
		r.logger.Error("queue drain failed", slog.Any("error", err))
		return
	}
	if len(results) > 0 {
		r.logger.Info("queue drained", slog.Int("processed", len(results)))
	}
}

package jobs

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatbridgehq/chatbridge/internal/config"
)

func TestRunnerStartRejectsInvalidSchedule(t *testing.T) {
	t.Parallel()

	r := NewRunner(slog.Default(), config.JobsConfig{
		RefreshSchedule: "not a cron expression",
		CleanupSchedule: config.DefaultCleanupSchedule,
		DrainSchedule:   config.DefaultDrainSchedule,
	}, nil, nil, nil, nil, 5)

	assert.Error(t, r.Start())
}

func TestRunnerStartAcceptsDefaultSchedules(t *testing.T) {
	t.Parallel()

	r := NewRunner(slog.Default(), config.JobsConfig{
		RefreshSchedule: config.DefaultRefreshSchedule,
		CleanupSchedule: config.DefaultCleanupSchedule,
		DrainSchedule:   config.DefaultDrainSchedule,
	}, nil, nil, nil, nil, 0)

	require.NoError(t, r.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))
}

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chatbridgehq/chatbridge/internal/queue"
)

// Drainer claims pending events and pushes them through the pipeline.
// Events for the same thread are processed sequentially in claim order;
// distinct threads run in parallel. Overlapping passes stay ordered too:
// the pipeline holds a per-thread advisory lock through the send and
// defers any event whose thread is busy or has older work outstanding.
type Drainer struct {
	pipeline    *Pipeline
	queue       eventQueue
	logger      *slog.Logger
	staleAfter  time.Duration
	maxParallel int
}

func NewDrainer(log *slog.Logger, pipeline *Pipeline, q *queue.Service, staleAfter time.Duration, maxParallel int) *Drainer {
	if log == nil {
		log = slog.Default()
	}
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Drainer{
		pipeline:    pipeline,
		queue:       q,
		logger:      log.With(slog.String("service", "drainer")),
		staleAfter:  staleAfter,
		maxParallel: maxParallel,
	}
}

// Drain runs one pass: revive abandoned claims, claim a batch, process it.
func (d *Drainer) Drain(ctx context.Context, batchSize int) ([]Result, error) {
	if _, err := d.queue.ReapStale(ctx, d.staleAfter); err != nil {
		d.logger.Error("reap stale claims", slog.Any("error", err))
	}

	events, err := d.queue.ClaimBatch(ctx, batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	if len(events) == 0 {
		return []Result{}, nil
	}

	// Bucket by thread so per-conversation ordering survives the fan-out.
	// ClaimBatch returns events oldest first and append preserves that.
	threads := make(map[string][]queue.Event)
	var order []string
	for _, evt := range events {
		key := string(evt.Platform) + "|" + evt.TenantID + "|" + evt.SenderID
		if _, seen := threads[key]; !seen {
			order = append(order, key)
		}
		threads[key] = append(threads[key], evt)
	}

	var mu sync.Mutex
	results := make([]Result, 0, len(events))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.maxParallel)
	for _, key := range order {
		batch := threads[key]
		g.Go(func() error {
			for _, evt := range batch {
				res := d.pipeline.Process(gctx, evt)
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	d.logger.Info("drain pass finished",
		slog.Int("claimed", len(events)),
		slog.Int("threads", len(threads)))
	return results, nil
}

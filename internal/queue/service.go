package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatbridgehq/chatbridge/internal/db"
	"github.com/chatbridgehq/chatbridge/internal/platform"
)

var ErrEventNotFound = errors.New("queued event not found")

// Service is the durable ingestion queue. All state lives in Postgres;
// claims are atomic conditional updates so concurrent drainers never pick
// the same event twice.
type Service struct {
	pool       *pgxpool.Pool
	logger     *slog.Logger
	maxRetries int
}

func NewService(log *slog.Logger, pool *pgxpool.Pool, maxRetries int) *Service {
	if log == nil {
		log = slog.Default()
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{
		pool:       pool,
		logger:     log.With(slog.String("service", "queue")),
		maxRetries: maxRetries,
	}
}

// Enqueue inserts the event and its "received" trace in one transaction.
// The webhook handler acknowledges the provider only after this returns.
func (s *Service) Enqueue(ctx context.Context, evt platform.RawEvent, tenantID string) (string, error) {
	tenantUUID, err := db.ParseUUID(tenantID)
	if err != nil {
		return "", err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback(ctx)

	var eventID string
	err = tx.QueryRow(ctx, `
		INSERT INTO queued_events (tenant_id, platform, sender_id, recipient_id, raw_payload, event_ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		tenantUUID, string(evt.Platform), evt.SenderID, evt.RecipientID,
		[]byte(evt.Payload), evt.Timestamp).Scan(&eventID)
	if err != nil {
		return "", fmt.Errorf("insert queued event: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO processing_traces (queued_event_id, stage, status)
		VALUES ($1, $2, $3)`,
		eventID, string(StageReceived), TraceCompleted)
	if err != nil {
		return "", fmt.Errorf("insert received trace: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit enqueue: %w", err)
	}
	s.logger.Info("event enqueued",
		slog.String("event_id", eventID),
		slog.String("platform", string(evt.Platform)))
	return eventID, nil
}

// ClaimBatch atomically moves up to batchSize pending events to processing,
// oldest first, bumping retry_count. Events that already burned their retry
// budget are not claimable.
func (s *Service) ClaimBatch(ctx context.Context, batchSize int) ([]Event, error) {
	if batchSize <= 0 {
		batchSize = 5
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE queued_events SET
			status = 'processing',
			retry_count = retry_count + 1,
			last_retry_at = now()
		WHERE id IN (
			SELECT id FROM queued_events
			WHERE status = 'pending' AND retry_count < $1
			ORDER BY created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, tenant_id, platform, sender_id, recipient_id, raw_payload,
		          event_ts, status, retry_count, created_at`,
		s.maxRetries, batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var evt Event
		var plat string
		var payload []byte
		var status string
		err := rows.Scan(&evt.ID, &evt.TenantID, &plat, &evt.SenderID, &evt.RecipientID,
			&payload, &evt.EventTS, &status, &evt.RetryCount, &evt.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan claimed event: %w", err)
		}
		evt.Platform = platform.Platform(plat)
		evt.RawPayload = json.RawMessage(payload)
		evt.Status = Status(status)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim events: %w", err)
	}
	return events, nil
}

// MarkCompleted finalizes a processed event.
func (s *Service) MarkCompleted(ctx context.Context, eventID string) error {
	return s.setStatus(ctx, eventID, `
		UPDATE queued_events SET
			status = 'completed',
			completed_at = now(),
			error = NULL
		WHERE id = $1`)
}

// MarkFailed parks the event; it stays out of the drainer's reach until an
// operator requeues it.
func (s *Service) MarkFailed(ctx context.Context, eventID, cause string) error {
	eventUUID, err := db.ParseUUID(eventID)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE queued_events SET status = 'failed', error = $2
		WHERE id = $1`, eventUUID, cause)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

// Release returns a transiently-failed event to pending. If the retry budget
// is spent the event goes to failed instead; the second return reports
// whether another attempt will happen.
func (s *Service) Release(ctx context.Context, eventID string, retryCount int, cause string) (bool, error) {
	if retryCount >= s.maxRetries {
		if err := s.MarkFailed(ctx, eventID, cause); err != nil {
			return false, err
		}
		return false, nil
	}
	eventUUID, err := db.ParseUUID(eventID)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE queued_events SET status = 'pending', error = $2
		WHERE id = $1 AND status = 'processing'`, eventUUID, cause)
	if err != nil {
		return false, fmt.Errorf("release event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, ErrEventNotFound
	}
	return true, nil
}

// HasEarlierUnfinished reports whether an older event for the same thread
// is still pending or processing. Claiming flips an event to processing
// before anyone checks, so a positive answer is authoritative: the worker
// must defer rather than reply out of order.
func (s *Service) HasEarlierUnfinished(ctx context.Context, evt Event) (bool, error) {
	eventUUID, err := db.ParseUUID(evt.ID)
	if err != nil {
		return false, err
	}
	tenantUUID, err := db.ParseUUID(evt.TenantID)
	if err != nil {
		return false, err
	}
	var exists bool
	err = s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM queued_events
			WHERE tenant_id = $1 AND platform = $2 AND sender_id = $3
			  AND status IN ('pending', 'processing')
			  AND (created_at, id) < ($4, $5)
		)`,
		tenantUUID, string(evt.Platform), evt.SenderID, evt.CreatedAt, eventUUID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check earlier events: %w", err)
	}
	return exists, nil
}

// Defer returns a claimed event to pending without spending retry budget;
// the claim's retry_count bump is undone. Used when the event's thread is
// busy, not when the event itself failed.
func (s *Service) Defer(ctx context.Context, eventID string) error {
	eventUUID, err := db.ParseUUID(eventID)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE queued_events SET
			status = 'pending',
			retry_count = GREATEST(retry_count - 1, 0)
		WHERE id = $1 AND status = 'processing'`, eventUUID)
	if err != nil {
		return fmt.Errorf("defer event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

// Requeue is the operator action that revives a failed event with a fresh
// retry budget.
func (s *Service) Requeue(ctx context.Context, eventID string) error {
	eventUUID, err := db.ParseUUID(eventID)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE queued_events SET
			status = 'pending',
			retry_count = 0,
			error = NULL
		WHERE id = $1 AND status = 'failed'`, eventUUID)
	if err != nil {
		return fmt.Errorf("requeue event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	s.logger.Info("event requeued", slog.String("event_id", eventID))
	return nil
}

// ReapStale reverts processing claims older than the window back to pending.
// Covers workers that died mid-pipeline.
func (s *Service) ReapStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queued_events SET status = 'pending'
		WHERE status = 'processing' AND last_retry_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("reap stale claims: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Warn("stale claims reverted", slog.Int64("count", n))
		return n, nil
	}
	return 0, nil
}

// AddTrace records one pipeline stage outcome for the event.
func (s *Service) AddTrace(ctx context.Context, eventID string, stage Stage, status, cause string, metadata map[string]any) error {
	eventUUID, err := db.ParseUUID(eventID)
	if err != nil {
		return err
	}
	meta := metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal trace metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO processing_traces (queued_event_id, stage, status, error, metadata)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)`,
		eventUUID, string(stage), status, cause, metaRaw)
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}
	return nil
}

// Traces lists an event's pipeline history in write order.
func (s *Service) Traces(ctx context.Context, eventID string) ([]Trace, error) {
	eventUUID, err := db.ParseUUID(eventID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, queued_event_id, stage, status, COALESCE(error, ''), metadata, created_at
		FROM processing_traces
		WHERE queued_event_id = $1
		ORDER BY created_at ASC`, eventUUID)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	var traces []Trace
	for rows.Next() {
		var tr Trace
		var stage string
		var metaRaw []byte
		if err := rows.Scan(&tr.ID, &tr.EventID, &stage, &tr.Status, &tr.Error, &metaRaw, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		tr.Stage = Stage(stage)
		if len(metaRaw) > 0 {
			if err := json.Unmarshal(metaRaw, &tr.Metadata); err != nil {
				return nil, fmt.Errorf("decode trace metadata: %w", err)
			}
		}
		traces = append(traces, tr)
	}
	return traces, rows.Err()
}

// Get loads one event by id.
func (s *Service) Get(ctx context.Context, eventID string) (Event, error) {
	eventUUID, err := db.ParseUUID(eventID)
	if err != nil {
		return Event{}, err
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, platform, sender_id, recipient_id, raw_payload,
		       event_ts, status, retry_count, COALESCE(error, ''), created_at
		FROM queued_events WHERE id = $1`, eventUUID)

	var evt Event
	var plat, status string
	var payload []byte
	err = row.Scan(&evt.ID, &evt.TenantID, &plat, &evt.SenderID, &evt.RecipientID,
		&payload, &evt.EventTS, &status, &evt.RetryCount, &evt.Error, &evt.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Event{}, ErrEventNotFound
		}
		return Event{}, fmt.Errorf("get event: %w", err)
	}
	evt.Platform = platform.Platform(plat)
	evt.RawPayload = json.RawMessage(payload)
	evt.Status = Status(status)
	return evt, nil
}

func (s *Service) setStatus(ctx context.Context, eventID, query string) error {
	eventUUID, err := db.ParseUUID(eventID)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, query, eventUUID)
	if err != nil {
		return fmt.Errorf("update event status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatbridgehq/chatbridge/internal/db"
)

// DeadLetterSink routes terminally-failed events to the dead_letters table
// for operator triage.
type DeadLetterSink struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func (s *Service) DeadLetters() *DeadLetterSink {
	return &DeadLetterSink{pool: s.pool, logger: s.logger}
}

// Add records one dead letter.
func (d *DeadLetterSink) Add(ctx context.Context, tenantID string, payload json.RawMessage, cause string, metadata map[string]any) (string, error) {
	tenantUUID, err := db.ParseUUID(tenantID)
	if err != nil {
		return "", err
	}
	meta := metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal dead letter metadata: %w", err)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	var id string
	err = d.pool.QueryRow(ctx, `
		INSERT INTO dead_letters (tenant_id, original_payload, error, metadata)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		tenantUUID, []byte(payload), cause, metaRaw).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert dead letter: %w", err)
	}
	d.logger.Warn("event dead-lettered",
		slog.String("dead_letter_id", id),
		slog.String("tenant_id", tenantID))
	return id, nil
}

// List returns a tenant's dead letters, newest first. An empty tenantID
// returns everything (admin view).
func (d *DeadLetterSink) List(ctx context.Context, tenantID string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, tenant_id, original_payload, error, metadata, status, retry_count, failed_at
		FROM dead_letters`
	args := []any{limit}
	if tenantID != "" {
		tenantUUID, err := db.ParseUUID(tenantID)
		if err != nil {
			return nil, err
		}
		query += ` WHERE tenant_id = $2`
		args = append(args, tenantUUID)
	}
	query += ` ORDER BY failed_at DESC LIMIT $1`

	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var payload, metaRaw []byte
		err := rows.Scan(&dl.ID, &dl.TenantID, &payload, &dl.Error, &metaRaw,
			&dl.Status, &dl.RetryCount, &dl.FailedAt)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.OriginalPayload = json.RawMessage(payload)
		if len(metaRaw) > 0 {
			if err := json.Unmarshal(metaRaw, &dl.Metadata); err != nil {
				return nil, fmt.Errorf("decode dead letter metadata: %w", err)
			}
		}
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

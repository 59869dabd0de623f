package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatbridgehq/chatbridge/internal/db"
	"github.com/chatbridgehq/chatbridge/internal/platform"
)

var ErrSessionNotFound = errors.New("session not found")

// Session is one participant's durable conversation state with a tenant.
type Session struct {
	ID              string
	TenantID        string
	ParticipantID   string
	Platform        platform.Platform
	Context         map[string]any
	LastInteraction time.Time
	ExpiresAt       time.Time
	CreatedAt       time.Time
}

// Service manages participant sessions. All context writes go through a
// row-locked read-modify-write so concurrent appends never drop each other.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	ttl    time.Duration
}

func NewService(log *slog.Logger, pool *pgxpool.Pool, ttl time.Duration) *Service {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = 365 * 24 * time.Hour
	}
	return &Service{
		pool:   pool,
		logger: log.With(slog.String("service", "sessions")),
		ttl:    ttl,
	}
}

// GetOrCreate returns the most recent live session for the participant,
// extending its TTL, or creates a fresh one.
func (s *Service) GetOrCreate(ctx context.Context, tenantID, participantID string, p platform.Platform) (Session, error) {
	tenantUUID, err := db.ParseUUID(tenantID)
	if err != nil {
		return Session{}, err
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE sessions SET
			last_interaction = now(),
			expires_at = $4
		WHERE id = (
			SELECT id FROM sessions
			WHERE tenant_id = $1 AND participant_id = $2 AND platform = $3
			  AND expires_at > now()
			ORDER BY last_interaction DESC
			LIMIT 1
		)
		RETURNING id, context, last_interaction, expires_at, created_at`,
		tenantUUID, participantID, string(p), time.Now().Add(s.ttl))

	sess := Session{TenantID: tenantID, ParticipantID: participantID, Platform: p}
	var ctxRaw []byte
	err = row.Scan(&sess.ID, &ctxRaw, &sess.LastInteraction, &sess.ExpiresAt, &sess.CreatedAt)
	switch {
	case err == nil:
		if err := json.Unmarshal(ctxRaw, &sess.Context); err != nil {
			return Session{}, fmt.Errorf("decode session context: %w", err)
		}
		return sess, nil
	case errors.Is(err, pgx.ErrNoRows):
		return s.create(ctx, tenantUUID, sess)
	default:
		return Session{}, fmt.Errorf("get session: %w", err)
	}
}

func (s *Service) create(ctx context.Context, tenantUUID pgtype.UUID, sess Session) (Session, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO sessions (tenant_id, participant_id, platform, context, expires_at)
		VALUES ($1, $2, $3, '{}'::jsonb, $4)
		RETURNING id, last_interaction, expires_at, created_at`,
		tenantUUID, sess.ParticipantID, string(sess.Platform), time.Now().Add(s.ttl))
	if err := row.Scan(&sess.ID, &sess.LastInteraction, &sess.ExpiresAt, &sess.CreatedAt); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	sess.Context = map[string]any{}
	s.logger.Info("session created",
		slog.String("session_id", sess.ID),
		slog.String("platform", string(sess.Platform)))
	return sess, nil
}

// AppendHistory records one conversation turn on the session.
func (s *Service) AppendHistory(ctx context.Context, sessionID, role, content string) error {
	return s.mutate(ctx, sessionID, func(c map[string]any) map[string]any {
		return AppendHistory(c, role, content, time.Now())
	})
}

// MergeContext folds runtime-extracted variables into the session context.
func (s *Service) MergeContext(ctx context.Context, sessionID string, vars map[string]any) error {
	if len(vars) == 0 {
		return nil
	}
	return s.mutate(ctx, sessionID, func(c map[string]any) map[string]any {
		return MergeScalars(c, vars, time.Now())
	})
}

// mutate runs a read-modify-write on the session context under a row lock,
// extending the TTL on the way out.
func (s *Service) mutate(ctx context.Context, sessionID string, fn func(map[string]any) map[string]any) error {
	sessionUUID, err := db.ParseUUID(sessionID)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin session update: %w", err)
	}
	defer tx.Rollback(ctx)

	var ctxRaw []byte
	err = tx.QueryRow(ctx,
		`SELECT context FROM sessions WHERE id = $1 FOR UPDATE`, sessionUUID).Scan(&ctxRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("lock session: %w", err)
	}

	var current map[string]any
	if err := json.Unmarshal(ctxRaw, &current); err != nil {
		return fmt.Errorf("decode session context: %w", err)
	}

	updated, err := json.Marshal(fn(current))
	if err != nil {
		return fmt.Errorf("encode session context: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE sessions SET
			context = $2,
			last_interaction = now(),
			expires_at = $3
		WHERE id = $1`, sessionUUID, updated, time.Now().Add(s.ttl))
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return tx.Commit(ctx)
}

// Get loads a session by id.
func (s *Service) Get(ctx context.Context, sessionID string) (Session, error) {
	sessionUUID, err := db.ParseUUID(sessionID)
	if err != nil {
		return Session{}, err
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, participant_id, platform, context,
		       last_interaction, expires_at, created_at
		FROM sessions WHERE id = $1`, sessionUUID)

	var sess Session
	var plat string
	var ctxRaw []byte
	err = row.Scan(&sess.ID, &sess.TenantID, &sess.ParticipantID, &plat,
		&ctxRaw, &sess.LastInteraction, &sess.ExpiresAt, &sess.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	sess.Platform = platform.Platform(plat)
	if err := json.Unmarshal(ctxRaw, &sess.Context); err != nil {
		return Session{}, fmt.Errorf("decode session context: %w", err)
	}
	return sess, nil
}

// CleanupExpired deletes sessions whose TTL has lapsed and reports how many
// went away.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Info("expired sessions removed", slog.Int64("count", n))
		return n, nil
	}
	return 0, nil
}

// DeleteByTenant removes every session belonging to the tenant. Used by the
// data-deletion flow.
func (s *Service) DeleteByTenant(ctx context.Context, tenantID string) (int64, error) {
	tenantUUID, err := db.ParseUUID(tenantID)
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE tenant_id = $1`, tenantUUID)
	if err != nil {
		return 0, fmt.Errorf("delete tenant sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Package tenant manages tenant records and provider-initiated data
// erasure.
package tenant

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatbridgehq/chatbridge/internal/db"
)

var ErrTenantNotFound = errors.New("tenant not found")

// Tenant roles.
const (
	RoleAdmin    = "admin"
	RoleCustomer = "customer"
)

type Tenant struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewService(log *slog.Logger, pool *pgxpool.Pool) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pool:   pool,
		logger: log.With(slog.String("service", "tenants")),
	}
}

// Get loads one tenant by id.
func (s *Service) Get(ctx context.Context, tenantID string) (Tenant, error) {
	tenantUUID, err := db.ParseUUID(tenantID)
	if err != nil {
		return Tenant{}, err
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, role, created_at
		FROM tenants WHERE id = $1 AND deleted_at IS NULL`, tenantUUID)

	var t Tenant
	if err := row.Scan(&t.ID, &t.Email, &t.Role, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tenant{}, ErrTenantNotFound
		}
		return Tenant{}, fmt.Errorf("get tenant: %w", err)
	}
	return t, nil
}

// GetOrCreate finds a tenant by email or registers one.
func (s *Service) GetOrCreate(ctx context.Context, email string) (Tenant, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO tenants (email) VALUES ($1)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, email, role, created_at`, email)

	var t Tenant
	if err := row.Scan(&t.ID, &t.Email, &t.Role, &t.CreatedAt); err != nil {
		return Tenant{}, fmt.Errorf("get or create tenant: %w", err)
	}
	return t, nil
}

// EraseParticipantData removes a participant's footprint across every tenant:
// sessions, conversations and queued events keyed by their provider id.
// Returns a confirmation code for the provider's status callback.
func (s *Service) EraseParticipantData(ctx context.Context, participantID string) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin erasure: %w", err)
	}
	defer tx.Rollback(ctx)

	// Conversation rows cascade into messages.
	if _, err := tx.Exec(ctx,
		`DELETE FROM conversations WHERE participant_id = $1`, participantID); err != nil {
		return "", fmt.Errorf("erase conversations: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM sessions WHERE participant_id = $1`, participantID); err != nil {
		return "", fmt.Errorf("erase sessions: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM queued_events WHERE sender_id = $1`, participantID); err != nil {
		return "", fmt.Errorf("erase queued events: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit erasure: %w", err)
	}

	code, err := ConfirmationCode()
	if err != nil {
		return "", err
	}
	s.logger.Info("participant data erased", slog.String("confirmation_code", code))
	return code, nil
}

const codeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// ConfirmationCode builds an opaque deletion receipt: "DEL" plus 8 uppercase
// base36 characters.
func ConfirmationCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate confirmation code: %w", err)
	}
	code := make([]byte, 0, 11)
	code = append(code, 'D', 'E', 'L')
	for _, b := range buf {
		code = append(code, codeAlphabet[int(b)%len(codeAlphabet)])
	}
	return string(code), nil
}

// Package webhook stores per-tenant webhook endpoints and answers the
// provider's subscription handshake.
package webhook

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatbridgehq/chatbridge/internal/db"
	"github.com/chatbridgehq/chatbridge/internal/platform"
)

var (
	ErrConfigNotFound = errors.New("webhook config not found")
	ErrInvalidMode    = errors.New("invalid hub mode")
	ErrTokenMismatch  = errors.New("verify token mismatch")
)

// PlatformAny configs answer for both provider variants.
const PlatformAny = "any"

// Config is one tenant's webhook endpoint registration. The nonce is part of
// the callback URL so endpoints are not guessable.
type Config struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	Platform          string    `json:"platform"`
	VerificationToken string    `json:"-"`
	Nonce             string    `json:"nonce"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
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
		logger: log.With(slog.String("service", "webhooks")),
	}
}

// Resolve finds the active config addressed by a webhook URL. The nonce must
// match; platform-specific configs take precedence over "any".
func (s *Service) Resolve(ctx context.Context, tenantID string, p platform.Platform, nonce string) (Config, error) {
	tenantUUID, err := db.ParseUUID(tenantID)
	if err != nil {
		return Config{}, err
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, platform, verification_token, webhook_nonce, is_active, created_at
		FROM webhook_configs
		WHERE tenant_id = $1 AND platform IN ($2, $3) AND is_active
		ORDER BY CASE platform WHEN $2 THEN 0 ELSE 1 END
		LIMIT 1`, tenantUUID, string(p), PlatformAny)

	cfg, err := scanConfig(row)
	if err != nil {
		return Config{}, err
	}
	if subtle.ConstantTimeCompare([]byte(cfg.Nonce), []byte(nonce)) != 1 {
		return Config{}, ErrConfigNotFound
	}
	return cfg, nil
}

// VerifyChallenge runs the subscription handshake against a resolved config
// and returns the challenge to echo back.
func (s *Service) VerifyChallenge(cfg Config, mode, verifyToken, challenge string) (string, error) {
	if mode != "subscribe" {
		return "", ErrInvalidMode
	}
	if subtle.ConstantTimeCompare([]byte(cfg.VerificationToken), []byte(verifyToken)) != 1 {
		return "", ErrTokenMismatch
	}
	s.logger.Info("webhook subscription verified",
		slog.String("tenant_id", cfg.TenantID),
		slog.String("platform", cfg.Platform))
	return challenge, nil
}

// Create registers an endpoint for the tenant, deactivating any previous one
// for the same platform.
func (s *Service) Create(ctx context.Context, tenantID, plat, verificationToken string) (Config, error) {
	tenantUUID, err := db.ParseUUID(tenantID)
	if err != nil {
		return Config{}, err
	}
	nonce, err := newNonce()
	if err != nil {
		return Config{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("begin webhook create: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE webhook_configs SET is_active = false
		WHERE tenant_id = $1 AND platform = $2 AND is_active`, tenantUUID, plat)
	if err != nil {
		return Config{}, fmt.Errorf("deactivate previous webhook: %w", err)
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO webhook_configs (tenant_id, platform, verification_token, webhook_nonce)
		VALUES ($1, $2, $3, $4)
		RETURNING id, tenant_id, platform, verification_token, webhook_nonce, is_active, created_at`,
		tenantUUID, plat, verificationToken, nonce)
	cfg, err := scanConfig(row)
	if err != nil {
		return Config{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Config{}, fmt.Errorf("commit webhook create: %w", err)
	}
	return cfg, nil
}

func scanConfig(row pgx.Row) (Config, error) {
	var cfg Config
	err := row.Scan(&cfg.ID, &cfg.TenantID, &cfg.Platform, &cfg.VerificationToken,
		&cfg.Nonce, &cfg.IsActive, &cfg.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Config{}, ErrConfigNotFound
		}
		return Config{}, fmt.Errorf("get webhook config: %w", err)
	}
	return cfg, nil
}

func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate webhook nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatbridgehq/chatbridge/internal/db"
)

var ErrBindingNotFound = errors.New("ai binding not found")

// Service reads tenant-to-runtime project bindings.
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
		logger: log.With(slog.String("service", "runtime_bindings")),
	}
}

// GetByTenant loads the tenant's active binding. Absence is a permanent
// condition for event processing.
func (s *Service) GetByTenant(ctx context.Context, tenantID string) (Binding, error) {
	tenantUUID, err := db.ParseUUID(tenantID)
	if err != nil {
		return Binding{}, err
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, project_id, runtime_config, COALESCE(api_key, ''), created_at
		FROM ai_bindings
		WHERE tenant_id = $1`, tenantUUID)

	var b Binding
	var cfgRaw []byte
	if err := row.Scan(&b.ID, &b.TenantID, &b.ProjectID, &cfgRaw, &b.APIKey, &b.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Binding{}, ErrBindingNotFound
		}
		return Binding{}, fmt.Errorf("get ai binding: %w", err)
	}
	if len(cfgRaw) > 0 {
		if err := json.Unmarshal(cfgRaw, &b.RuntimeConfig); err != nil {
			return Binding{}, fmt.Errorf("decode runtime config: %w", err)
		}
	}
	return b, nil
}

// Upsert stores the tenant's binding, replacing any existing one.
func (s *Service) Upsert(ctx context.Context, b Binding) (Binding, error) {
	tenantUUID, err := db.ParseUUID(b.TenantID)
	if err != nil {
		return Binding{}, err
	}
	cfg := b.RuntimeConfig
	if cfg == nil {
		cfg = map[string]any{}
	}
	cfgRaw, err := json.Marshal(cfg)
	if err != nil {
		return Binding{}, fmt.Errorf("marshal runtime config: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO ai_bindings (tenant_id, project_id, runtime_config, api_key)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (tenant_id) DO UPDATE SET
			project_id = EXCLUDED.project_id,
			runtime_config = EXCLUDED.runtime_config,
			api_key = EXCLUDED.api_key
		RETURNING id, created_at`,
		tenantUUID, b.ProjectID, cfgRaw, b.APIKey)
	if err := row.Scan(&b.ID, &b.CreatedAt); err != nil {
		return Binding{}, fmt.Errorf("upsert ai binding: %w", err)
	}
	return b, nil
}

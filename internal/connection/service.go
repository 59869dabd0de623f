package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatbridgehq/chatbridge/internal/db"
	"github.com/chatbridgehq/chatbridge/internal/platform"
)

var ErrConnectionNotFound = errors.New("social connection not found")

// Service reads and writes social connections.
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
		logger: log.With(slog.String("service", "connections")),
	}
}

const connectionColumns = `
	id, tenant_id, COALESCE(page_id, ''), COALESCE(account_id, ''),
	access_token, token_expiry, COALESCE(refreshed_at, 'epoch'::timestamptz), created_at`

// GetByRecipient resolves the connection serving an inbound event: the
// webhook's recipient id is the provider asset id.
func (s *Service) GetByRecipient(ctx context.Context, tenantID string, p platform.Platform, recipientID string) (Connection, error) {
	tenantUUID, err := db.ParseUUID(tenantID)
	if err != nil {
		return Connection{}, err
	}

	var row pgx.Row
	switch p {
	case platform.PlatformPage:
		row = s.pool.QueryRow(ctx, `
			SELECT `+connectionColumns+`
			FROM social_connections
			WHERE tenant_id = $1 AND page_id = $2`, tenantUUID, recipientID)
	case platform.PlatformPhoto:
		row = s.pool.QueryRow(ctx, `
			SELECT `+connectionColumns+`
			FROM social_connections
			WHERE tenant_id = $1 AND account_id = $2`, tenantUUID, recipientID)
	default:
		return Connection{}, fmt.Errorf("unknown platform %q", p)
	}
	return scanConnection(row)
}

// Get loads one connection by id.
func (s *Service) Get(ctx context.Context, connectionID string) (Connection, error) {
	connUUID, err := db.ParseUUID(connectionID)
	if err != nil {
		return Connection{}, err
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+connectionColumns+`
		FROM social_connections WHERE id = $1`, connUUID)
	return scanConnection(row)
}

// ListByTenant returns a tenant's connections, newest first.
func (s *Service) ListByTenant(ctx context.Context, tenantID string) ([]Connection, error) {
	tenantUUID, err := db.ParseUUID(tenantID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+connectionColumns+`
		FROM social_connections
		WHERE tenant_id = $1
		ORDER BY created_at DESC`, tenantUUID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return collectConnections(rows)
}

// ListExpiring returns connections whose token expires within the window.
func (s *Service) ListExpiring(ctx context.Context, window time.Duration) ([]Connection, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+connectionColumns+`
		FROM social_connections
		WHERE token_expiry < $1
		ORDER BY token_expiry ASC`, time.Now().Add(window))
	if err != nil {
		return nil, fmt.Errorf("list expiring connections: %w", err)
	}
	return collectConnections(rows)
}

// Create registers a connection for the tenant. Exactly one of pageID and
// accountID must be non-empty; the table constraint enforces it too.
func (s *Service) Create(ctx context.Context, tenantID, pageID, accountID, accessToken string, tokenExpiry time.Time) (Connection, error) {
	tenantUUID, err := db.ParseUUID(tenantID)
	if err != nil {
		return Connection{}, err
	}
	if (pageID == "") == (accountID == "") {
		return Connection{}, fmt.Errorf("exactly one of page id and account id required")
	}

	conn := Connection{
		TenantID:    tenantID,
		PageID:      pageID,
		AccountID:   accountID,
		AccessToken: accessToken,
		TokenExpiry: tokenExpiry,
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO social_connections (tenant_id, page_id, account_id, access_token, token_expiry)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5)
		RETURNING id, created_at`,
		tenantUUID, pageID, accountID, accessToken, tokenExpiry)
	if err := row.Scan(&conn.ID, &conn.CreatedAt); err != nil {
		return Connection{}, fmt.Errorf("create connection: %w", err)
	}
	return conn, nil
}

func scanConnection(row pgx.Row) (Connection, error) {
	var conn Connection
	err := row.Scan(&conn.ID, &conn.TenantID, &conn.PageID, &conn.AccountID,
		&conn.AccessToken, &conn.TokenExpiry, &conn.RefreshedAt, &conn.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Connection{}, ErrConnectionNotFound
		}
		return Connection{}, fmt.Errorf("get connection: %w", err)
	}
	if conn.RefreshedAt.Unix() == 0 {
		conn.RefreshedAt = time.Time{}
	}
	return conn, nil
}

func collectConnections(rows pgx.Rows) ([]Connection, error) {
	defer rows.Close()
	var conns []Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

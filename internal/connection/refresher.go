package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatbridgehq/chatbridge/internal/db"
	"github.com/chatbridgehq/chatbridge/internal/metrics"
	"github.com/chatbridgehq/chatbridge/internal/retry"
)

// Exchanger swaps a short-lived provider token for a long-lived one.
type Exchanger interface {
	Exchange(ctx context.Context, token string) (string, time.Time, error)
}

// GraphExchanger calls the provider's long-lived-token exchange endpoint.
type GraphExchanger struct {
	graphBaseURL string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

func NewGraphExchanger(graphBaseURL, clientID, clientSecret string, timeout time.Duration) *GraphExchanger {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GraphExchanger{
		graphBaseURL: strings.TrimRight(graphBaseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

// Tokens without an explicit expires_in get the provider's documented
// long-lived lifetime.
const defaultTokenLifetime = 60 * 24 * time.Hour

func (g *GraphExchanger) Exchange(ctx context.Context, token string) (string, time.Time, error) {
	params := url.Values{}
	params.Set("grant_type", "fb_exchange_token")
	params.Set("client_id", g.clientID)
	params.Set("client_secret", g.clientSecret)
	params.Set("fb_exchange_token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		g.graphBaseURL+"/oauth/access_token?"+params.Encode(), nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build exchange request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read exchange response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, &retry.HTTPStatusError{Status: resp.StatusCode, Body: string(raw)}
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", time.Time{}, fmt.Errorf("parse exchange response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("exchange response missing access token")
	}

	lifetime := defaultTokenLifetime
	if parsed.ExpiresIn > 0 {
		lifetime = time.Duration(parsed.ExpiresIn) * time.Second
	}
	return parsed.AccessToken, time.Now().Add(lifetime), nil
}

// RefreshResult is one connection's outcome in a refresher run.
type RefreshResult struct {
	ConnectionID string     `json:"connection_id"`
	Platform     string     `json:"platform"`
	Status       string     `json:"status"`
	NewExpiry    *time.Time `json:"new_expiry,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Refresher renews tokens that are close to expiring.
type Refresher struct {
	pool      *pgxpool.Pool
	store     *Service
	exchanger Exchanger
	metrics   *metrics.Metrics
	logger    *slog.Logger
	window    time.Duration
}

func NewRefresher(log *slog.Logger, pool *pgxpool.Pool, store *Service, exchanger Exchanger, m *metrics.Metrics, window time.Duration) *Refresher {
	if log == nil {
		log = slog.Default()
	}
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	return &Refresher{
		pool:      pool,
		store:     store,
		exchanger: exchanger,
		metrics:   m,
		logger:    log.With(slog.String("service", "credential_refresher")),
		window:    window,
	}
}

// RefreshDue renews every connection expiring within the window and reports
// per-connection results.
func (r *Refresher) RefreshDue(ctx context.Context) ([]RefreshResult, error) {
	due, err := r.store.ListExpiring(ctx, r.window)
	if err != nil {
		return nil, err
	}

	results := make([]RefreshResult, 0, len(due))
	for _, conn := range due {
		results = append(results, r.refresh(ctx, conn))
	}
	if len(results) > 0 {
		r.logger.Info("credential refresh pass finished", slog.Int("connections", len(results)))
	}
	return results, nil
}

// RefreshOne renews a single connection on operator demand, regardless of
// how close it is to expiry.
func (r *Refresher) RefreshOne(ctx context.Context, connectionID string) (RefreshResult, error) {
	conn, err := r.store.Get(ctx, connectionID)
	if err != nil {
		return RefreshResult{}, err
	}
	return r.refresh(ctx, conn), nil
}

// refresh exchanges and persists one token under a per-connection advisory
// lock so concurrent refresher runs cannot race on the same row.
func (r *Refresher) refresh(ctx context.Context, conn Connection) RefreshResult {
	result := RefreshResult{ConnectionID: conn.ID, Platform: string(conn.Platform())}

	err := r.withLock(ctx, conn.ID, func(ctx context.Context, tx pgx.Tx) error {
		newToken, newExpiry, err := r.exchanger.Exchange(ctx, conn.AccessToken)
		if err != nil {
			return err
		}
		connUUID, err := db.ParseUUID(conn.ID)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE social_connections SET
				access_token = $2,
				token_expiry = $3,
				refreshed_at = now()
			WHERE id = $1`, connUUID, newToken, newExpiry)
		if err != nil {
			return fmt.Errorf("store refreshed token: %w", err)
		}
		result.NewExpiry = &newExpiry
		return nil
	})
	if err != nil {
		result.Status = "error"
		result.Error = err.Error()
		r.observe(result.Status)
		r.logger.Error("credential refresh failed",
			slog.String("connection_id", conn.ID),
			slog.Any("error", err))
		return result
	}

	result.Status = "ok"
	r.observe(result.Status)
	r.logger.Info("credential refreshed",
		slog.String("connection_id", conn.ID),
		slog.String("platform", result.Platform))
	return result
}

func (r *Refresher) observe(status string) {
	if r.metrics != nil {
		r.metrics.TokenRefreshes.WithLabelValues(status).Inc()
	}
}

func (r *Refresher) withLock(ctx context.Context, connectionID string, fn func(context.Context, pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin refresh: %w", err)
	}
	defer tx.Rollback(ctx)

	var acquired bool
	err = tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, lockKey(connectionID)).Scan(&acquired)
	if err != nil {
		return fmt.Errorf("acquire refresh lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("refresh already in progress")
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func lockKey(connectionID string) int64 {
	h := fnv.New64a()
	h.Write([]byte("connection:"))
	h.Write([]byte(connectionID))
	return int64(h.Sum64())
}

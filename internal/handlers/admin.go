package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chatbridgehq/chatbridge/internal/auth"
	"github.com/chatbridgehq/chatbridge/internal/connection"
	"github.com/chatbridgehq/chatbridge/internal/platform"
	"github.com/chatbridgehq/chatbridge/internal/queue"
	"github.com/chatbridgehq/chatbridge/internal/tenant"
	"github.com/chatbridgehq/chatbridge/internal/webhook"
)

// AdminHandler serves the JWT-authed operator surface: connection health,
// on-demand token refreshes, dead-letter inspection and explicit requeues.
type AdminHandler struct {
	tenants     *tenant.Service
	connections *connection.Service
	webhooks    *webhook.Service
	refresher   *connection.Refresher
	deadLetters *queue.DeadLetterSink
	queue       *queue.Service
	logger      *slog.Logger
}

func NewAdminHandler(log *slog.Logger, tenants *tenant.Service, connections *connection.Service, webhooks *webhook.Service, refresher *connection.Refresher, queueSvc *queue.Service) *AdminHandler {
	return &AdminHandler{
		tenants:     tenants,
		connections: connections,
		webhooks:    webhooks,
		refresher:   refresher,
		deadLetters: queueSvc.DeadLetters(),
		queue:       queueSvc,
		logger:      log.With(slog.String("handler", "admin")),
	}
}

func (h *AdminHandler) Register(e *echo.Echo) {
	e.GET("/api/me", h.Me)
	e.GET("/api/connections", h.ListConnections)
	e.POST("/api/connections", h.CreateConnection)
	e.POST("/api/connections/:id/refresh", h.RefreshConnection)
	e.POST("/api/webhooks", h.CreateWebhook)
	e.GET("/api/dead-letters", h.ListDeadLetters)
	e.GET("/api/queue/:id", h.GetEvent)
	e.POST("/api/queue/:id/requeue", h.RequeueEvent)
}

// Me returns the tenant record behind the presented token.
func (h *AdminHandler) Me(c echo.Context) error {
	tenantID, err := auth.TenantIDFromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	t, err := h.tenants.Get(c.Request().Context(), tenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "tenant not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, t)
}

type connectionView struct {
	ID              string    `json:"id"`
	Platform        string    `json:"platform"`
	ExternalID      string    `json:"external_id"`
	TokenExpiry     time.Time `json:"token_expiry"`
	DaysUntilExpiry int       `json:"days_until_expiry"`
	Band            string    `json:"band"`
}

// ListConnections returns the calling tenant's provider connections with
// token expiry bands.
func (h *AdminHandler) ListConnections(c echo.Context) error {
	tenantID, err := auth.TenantIDFromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	conns, err := h.connections.ListByTenant(c.Request().Context(), tenantID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	now := time.Now()
	views := make([]connectionView, 0, len(conns))
	for _, conn := range conns {
		days := connection.DaysUntilExpiry(conn.TokenExpiry, now)
		views = append(views, connectionView{
			ID:              conn.ID,
			Platform:        string(conn.Platform()),
			ExternalID:      conn.ExternalID(),
			TokenExpiry:     conn.TokenExpiry,
			DaysUntilExpiry: days,
			Band:            string(connection.Band(days)),
		})
	}
	return c.JSON(http.StatusOK, views)
}

type createConnectionRequest struct {
	PageID      string    `json:"page_id"`
	AccountID   string    `json:"account_id"`
	AccessToken string    `json:"access_token"`
	TokenExpiry time.Time `json:"token_expiry"`
}

// CreateConnection provisions a provider connection for the tenant. Exactly
// one of page_id and account_id must be set.
func (h *AdminHandler) CreateConnection(c echo.Context) error {
	tenantID, err := auth.TenantIDFromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	var req createConnectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.AccessToken == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "access_token required")
	}

	conn, err := h.connections.Create(c.Request().Context(), tenantID,
		req.PageID, req.AccountID, req.AccessToken, req.TokenExpiry)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, conn)
}

type createWebhookRequest struct {
	Platform          string `json:"platform"`
	VerificationToken string `json:"verification_token"`
}

// CreateWebhook registers a webhook endpoint and returns its nonce path
// segment. Any previous active endpoint for the platform is deactivated.
func (h *AdminHandler) CreateWebhook(c echo.Context) error {
	tenantID, err := auth.TenantIDFromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	var req createWebhookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Platform != webhook.PlatformAny {
		if _, err := platform.Parse(req.Platform); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	if req.VerificationToken == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "verification_token required")
	}

	cfg, err := h.webhooks.Create(c.Request().Context(), tenantID, req.Platform, req.VerificationToken)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, cfg)
}

// RefreshConnection exchanges one connection's token immediately instead of
// waiting for the scheduled run.
func (h *AdminHandler) RefreshConnection(c echo.Context) error {
	if _, err := auth.TenantIDFromContext(c); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	result, err := h.refresher.RefreshOne(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, connection.ErrConnectionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "connection not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

// ListDeadLetters returns the tenant's dead letters, newest first.
func (h *AdminHandler) ListDeadLetters(c echo.Context) error {
	tenantID, err := auth.TenantIDFromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	if auth.RoleFromContext(c) == tenant.RoleAdmin && c.QueryParam("all") == "true" {
		tenantID = ""
	}

	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}

	letters, err := h.deadLetters.List(c.Request().Context(), tenantID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, letters)
}

// GetEvent returns one queued event with its processing traces.
func (h *AdminHandler) GetEvent(c echo.Context) error {
	if _, err := auth.TenantIDFromContext(c); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	eventID := c.Param("id")
	evt, err := h.queue.Get(c.Request().Context(), eventID)
	if err != nil {
		if errors.Is(err, queue.ErrEventNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "event not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	traces, err := h.queue.Traces(c.Request().Context(), eventID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"event":  evt,
		"traces": traces,
	})
}

// RequeueEvent revives a failed event for another pass through the pipeline.
func (h *AdminHandler) RequeueEvent(c echo.Context) error {
	if _, err := auth.TenantIDFromContext(c); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	eventID := c.Param("id")
	if err := h.queue.Requeue(c.Request().Context(), eventID); err != nil {
		if errors.Is(err, queue.ErrEventNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "no failed event with that id")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	h.logger.Info("event requeued", slog.String("event_id", eventID))
	return c.JSON(http.StatusOK, map[string]string{"status": "requeued", "id": eventID})
}

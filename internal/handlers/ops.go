package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/chatbridgehq/chatbridge/internal/auth"
	"github.com/chatbridgehq/chatbridge/internal/metrics"
	"github.com/chatbridgehq/chatbridge/internal/session"
	"github.com/chatbridgehq/chatbridge/internal/tenant"
	"github.com/chatbridgehq/chatbridge/internal/worker"
)

// OpsHandler exposes the control entry points: queue drain, session sweep
// and the provider's data-deletion callback.
type OpsHandler struct {
	drainer   *worker.Drainer
	sessions  *session.Service
	tenants   *tenant.Service
	metrics   *metrics.Metrics
	appSecret string
	siteURL   string
	batchSize int
	logger    *slog.Logger
}

func NewOpsHandler(log *slog.Logger, drainer *worker.Drainer, sessions *session.Service, tenants *tenant.Service, m *metrics.Metrics, appSecret, siteURL string, batchSize int) *OpsHandler {
	if batchSize <= 0 {
		batchSize = 5
	}
	return &OpsHandler{
		drainer:   drainer,
		sessions:  sessions,
		tenants:   tenants,
		metrics:   m,
		appSecret: appSecret,
		siteURL:   strings.TrimRight(siteURL, "/"),
		batchSize: batchSize,
		logger:    log.With(slog.String("handler", "ops")),
	}
}

func (h *OpsHandler) Register(e *echo.Echo) {
	e.GET("/api/drain", h.Drain)
	e.POST("/api/drain", h.Drain)
	e.GET("/api/session-cleanup", h.SessionCleanup)
	e.POST("/api/session-cleanup", h.SessionCleanup)
	e.POST("/api/data-deletion", h.DataDeletion)
}

// Drain claims and processes a batch of pending events. An optional
// batchSize query parameter overrides the configured batch size.
func (h *OpsHandler) Drain(c echo.Context) error {
	batch := h.batchSize
	if raw := c.QueryParam("batchSize"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid batchSize")
		}
		batch = n
	}

	results, err := h.drainer.Drain(c.Request().Context(), batch)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"processed": len(results),
		"results":   results,
	})
}

// SessionCleanup sweeps expired sessions.
func (h *OpsHandler) SessionCleanup(c echo.Context) error {
	cleaned, err := h.sessions.CleanupExpired(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if h.metrics != nil {
		h.metrics.SessionsCleaned.Add(float64(cleaned))
	}
	return c.JSON(http.StatusOK, map[string]any{"cleaned": cleaned})
}

// DataDeletion handles the provider-initiated erasure callback. The signed
// request must verify; the response carries a status URL and a confirmation
// code the participant can quote.
func (h *OpsHandler) DataDeletion(c echo.Context) error {
	raw := c.FormValue("signed_request")
	if raw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "signed_request required")
	}

	req, err := auth.ParseSignedRequest(raw, h.appSecret)
	if err != nil {
		h.logger.Warn("data deletion request rejected", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid signed_request")
	}

	code, err := h.tenants.EraseParticipantData(c.Request().Context(), req.UserID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{
		"url":               h.siteURL + "/deletion-status?code=" + code,
		"confirmation_code": code,
	})
}

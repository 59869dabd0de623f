package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chatbridgehq/chatbridge/internal/auth"
	"github.com/chatbridgehq/chatbridge/internal/metrics"
	"github.com/chatbridgehq/chatbridge/internal/platform"
	"github.com/chatbridgehq/chatbridge/internal/queue"
	"github.com/chatbridgehq/chatbridge/internal/webhook"
)

// Provider webhook bodies are small; anything larger is hostile.
const maxWebhookBody = 1 << 20

// WebhookHandler terminates the provider's webhook callbacks: the GET
// subscription handshake and POST event deliveries.
type WebhookHandler struct {
	verifier *auth.SignatureVerifier
	webhooks *webhook.Service
	queue    *queue.Service
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewWebhookHandler(log *slog.Logger, verifier *auth.SignatureVerifier, webhooks *webhook.Service, q *queue.Service, m *metrics.Metrics) *WebhookHandler {
	return &WebhookHandler{
		verifier: verifier,
		webhooks: webhooks,
		queue:    q,
		metrics:  m,
		logger:   log.With(slog.String("handler", "webhook")),
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	e.GET("/api/webhooks/:tenant/:platform/:nonce", h.VerifySubscription)
	e.POST("/api/webhooks/:tenant/:platform/:nonce", h.ReceiveEvents)
}

// VerifySubscription answers the hub challenge handshake. The response body
// is the challenge verbatim, nothing else.
func (h *WebhookHandler) VerifySubscription(c echo.Context) error {
	plat, err := platform.Parse(c.Param("platform"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	cfg, err := h.webhooks.Resolve(c.Request().Context(), c.Param("tenant"), plat, c.Param("nonce"))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "unknown webhook")
	}

	challenge, err := h.webhooks.VerifyChallenge(cfg,
		c.QueryParam("hub.mode"),
		c.QueryParam("hub.verify_token"),
		c.QueryParam("hub.challenge"))
	switch {
	case errors.Is(err, webhook.ErrInvalidMode):
		return echo.NewHTTPError(http.StatusBadRequest, "invalid hub.mode")
	case errors.Is(err, webhook.ErrTokenMismatch):
		return echo.NewHTTPError(http.StatusUnauthorized, "verify token mismatch")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.String(http.StatusOK, challenge)
}

// ReceiveEvents verifies the signature over the raw body, splits the
// envelope and enqueues each event. After a successful enqueue the provider
// always gets a 200, whatever happens downstream.
func (h *WebhookHandler) ReceiveEvents(c echo.Context) error {
	plat, err := platform.Parse(c.Param("platform"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	tenantID := c.Param("tenant")

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}

	// The signature covers the exact bytes on the wire.
	if err := h.verifier.Verify(c.Request().Header, body); err != nil {
		h.count(plat, "invalid_signature")
		h.logger.Warn("webhook signature rejected",
			slog.String("tenant_id", tenantID),
			slog.Any("error", err))
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	if _, err := h.webhooks.Resolve(c.Request().Context(), tenantID, plat, c.Param("nonce")); err != nil {
		h.count(plat, "unknown_webhook")
		return echo.NewHTTPError(http.StatusNotFound, "unknown webhook")
	}

	events, err := platform.ExtractEvents(plat, body)
	if err != nil {
		h.count(plat, "malformed")
		return echo.NewHTTPError(http.StatusBadRequest, "malformed payload")
	}

	queued := 0
	for _, evt := range events {
		if _, err := h.queue.Enqueue(c.Request().Context(), evt, tenantID); err != nil {
			h.logger.Error("enqueue failed",
				slog.String("tenant_id", tenantID),
				slog.Any("error", err))
			h.count(plat, "error")
			// Never a 5xx back to the provider.
			return c.JSON(http.StatusOK, map[string]any{
				"status": "error",
				"queued": queued,
			})
		}
		queued++
		if h.metrics != nil {
			h.metrics.EventsEnqueued.Inc()
		}
	}

	h.count(plat, "ok")
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"queued":    queued,
		"processed": len(events),
	})
}

func (h *WebhookHandler) count(p platform.Platform, result string) {
	if h.metrics != nil {
		h.metrics.WebhookRequests.WithLabelValues(string(p), result).Inc()
	}
}

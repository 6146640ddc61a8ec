// Package handler exposes the HTTP surface: the provider webhook endpoint
// and the operational health endpoints.
package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"leadsync-service/internal/auditlog"
	"leadsync-service/internal/auth"
	"leadsync-service/internal/model"
	"leadsync-service/internal/normalize"
	"leadsync-service/internal/profile"
	"leadsync-service/internal/provider"
	"leadsync-service/internal/reconcile"
	"leadsync-service/pkg/logger"
	"leadsync-service/prometheus"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Reconciler applies one message event. Satisfied by *reconcile.Engine.
type Reconciler interface {
	Reconcile(ctx context.Context, in reconcile.Input) (*reconcile.Result, error)
}

// TenantStore loads tenant configuration.
type TenantStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Tenant, error)
}

// WebhookHandler handles inbound provider webhook deliveries.
type WebhookHandler struct {
	registry           provider.Registry
	authenticator      *auth.Authenticator
	engine             Reconciler
	tenants            TenantStore
	resolver           profile.Resolver
	audit              auditlog.Recorder
	defaultCountryCode string
}

// NewWebhookHandler creates a WebhookHandler with its dependencies injected.
func NewWebhookHandler(
	registry provider.Registry,
	authenticator *auth.Authenticator,
	engine Reconciler,
	tenants TenantStore,
	resolver profile.Resolver,
	audit auditlog.Recorder,
	defaultCountryCode string,
) *WebhookHandler {
	return &WebhookHandler{
		registry:           registry,
		authenticator:      authenticator,
		engine:             engine,
		tenants:            tenants,
		resolver:           resolver,
		audit:              audit,
		defaultCountryCode: defaultCountryCode,
	}
}

// Handle processes POST /webhook/:provider. Every delivery is either
// acknowledged with 200 (including deliberate no-ops) or rejected with the
// status that tells the provider whether redelivery makes sense.
func (h *WebhookHandler) Handle(c echo.Context) error {
	log := logger.FromContext(c)
	ctx := c.Request().Context()

	slug := c.Param("provider")
	p := model.Provider(slug)
	if !p.Valid() {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":             "unknown_provider",
			"error_description": "unsupported webhook provider: " + slug,
		})
	}
	prometheus.RecordWebhookRequest(slug)

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":             "unreadable_body",
			"error_description": "failed to read request body",
		})
	}

	msgs, err := h.registry[p].Parse(body)
	if err != nil {
		log.Warn("Rejected malformed webhook payload",
			zap.String("provider", slug),
			zap.Error(err))
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":             "malformed_payload",
			"error_description": "request body does not match the provider envelope",
		})
	}

	// A delivery may batch several message events; each is processed on its
	// own, and the first hard failure aborts so the provider redelivers.
	var last *reconcile.Result
	processed := 0
	for _, msg := range msgs {
		if msg.Skip {
			log.Debug("Webhook event skipped",
				zap.String("provider", slug),
				zap.String("reason", msg.SkipReason))
			continue
		}

		res, fail := h.processEvent(ctx, c, log, slug, msg)
		if fail != nil {
			return c.JSON(fail.status, fail.body)
		}
		if res == nil {
			continue
		}

		processed++
		last = res
		prometheus.RecordOutcome(slug, string(res.Action))
		if res.Action == reconcile.ActionCreate {
			prometheus.RecordLeadCreated()
		}
	}

	if last == nil {
		return c.JSON(http.StatusOK, echo.Map{
			"success": true,
			"message": "ignored: no processable events",
		})
	}

	resp := echo.Map{
		"success": true,
		"message": actionMessage(last.Action),
		"action":  string(last.Action),
	}
	if processed > 1 {
		resp["processed"] = processed
	}
	return c.JSON(http.StatusOK, resp)
}

// httpFailure is a terminal per-delivery error with its response body.
type httpFailure struct {
	status int
	body   echo.Map
}

// processEvent runs one message event through the pipeline. A nil result
// with a nil failure means the event was acknowledged as a no-op
// (unsupported identity).
func (h *WebhookHandler) processEvent(ctx context.Context, c echo.Context, log *zap.Logger, slug string, msg *provider.InboundMessage) (*reconcile.Result, *httpFailure) {
	inst, err := h.authenticator.Authenticate(ctx, auth.Input{
		Header:         c.Request().Header,
		Query:          c.QueryParams(),
		PayloadSecrets: msg.SecretCandidates,
		InstanceName:   msg.InstanceName,
	})
	if err != nil {
		status := authStatus(err)
		if status == http.StatusInternalServerError {
			// A downed store is an infrastructure failure, not a credential
			// rejection; 5xx keeps the provider's retry mechanics alive.
			log.Error("Channel instance lookup failed",
				zap.String("provider", slug),
				zap.Error(err))
			return nil, &httpFailure{status: status, body: echo.Map{
				"error":             "internal_error",
				"error_description": "failed to resolve channel instance",
			}}
		}
		reason := auth.FailureReason(err)
		prometheus.RecordAuthFailure(reason)
		log.Warn("Webhook authentication failed",
			zap.String("provider", slug),
			zap.String("reason", reason))
		return nil, &httpFailure{status: status, body: echo.Map{
			"error":             reason,
			"error_description": err.Error(),
		}}
	}

	tenant, err := h.tenants.GetByID(ctx, inst.TenantID)
	if err != nil || tenant == nil {
		log.Error("Failed to load tenant for authenticated instance",
			zap.String("tenant_id", inst.TenantID.String()),
			zap.Error(err))
		return nil, &httpFailure{status: http.StatusInternalServerError, body: echo.Map{
			"error":             "internal_error",
			"error_description": "failed to load tenant configuration",
		}}
	}

	countryCode := tenant.CountryCallingCode
	if countryCode == "" {
		countryCode = h.defaultCountryCode
	}

	identity, err := normalize.Identity(msg.RawIdentity, inst.Provider, countryCode)
	if err != nil {
		// Unsupported identities are acknowledged, not retried: redelivery
		// would fail the same way forever.
		prometheus.RecordIgnoredIdentity(slug)
		h.audit.Record(ctx, auditlog.Entry{
			TenantID:      &tenant.ID,
			InstanceLabel: inst.Name,
			Event:         "webhook.identity_ignored",
			Level:         "warn",
			Message:       "sender identity not usable for lead matching",
			Payload: map[string]interface{}{
				"raw_identity": msg.RawIdentity,
				"reason":       err.Error(),
			},
		})
		return nil, nil
	}

	displayName := h.resolver.DisplayName(ctx, inst, identity, msg.DisplayName)

	res, err := h.engine.Reconcile(ctx, reconcile.Input{
		Tenant:         tenant,
		Instance:       inst,
		Identity:       identity,
		DisplayName:    displayName,
		Content:        msg.Text,
		Direction:      msg.Direction,
		ConversationID: msg.ConversationID,
		EventName:      msg.EventName,
	})
	if err != nil {
		log.Error("Reconciliation failed",
			zap.String("provider", slug),
			zap.String("identity", identity),
			zap.Error(err))
		return nil, &httpFailure{status: http.StatusInternalServerError, body: echo.Map{
			"error":             "internal_error",
			"error_description": "failed to reconcile message event",
		}}
	}

	log.Info("Webhook processed",
		zap.String("provider", slug),
		zap.String("action", string(res.Action)),
		zap.String("identity", identity))

	return res, nil
}

func authStatus(err error) int {
	switch {
	case errors.Is(err, auth.ErrMissingSecret):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrInvalidSecret):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrInstanceMismatch):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func actionMessage(action reconcile.Action) string {
	switch action {
	case reconcile.ActionCreate:
		return "lead created"
	case reconcile.ActionRestore:
		return "lead restored"
	case reconcile.ActionUpdate:
		return "lead updated"
	case reconcile.ActionSkipExcluded:
		return "lead excluded from funnel, activity recorded"
	case reconcile.ActionIgnore:
		return "event ignored"
	}
	return string(action)
}

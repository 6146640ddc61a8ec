// Package auth verifies that an inbound webhook event genuinely originates
// from a configured channel instance and resolves it to a tenant.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"leadsync-service/internal/auditlog"
	"leadsync-service/internal/model"

	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

var (
	// ErrMissingSecret means no candidate secret was present anywhere in the
	// request. Maps to 401.
	ErrMissingSecret = errors.New("auth: missing webhook secret")
	// ErrInvalidSecret means a secret was presented but matched no active
	// channel instance. Maps to 403.
	ErrInvalidSecret = errors.New("auth: invalid webhook secret")
	// ErrInstanceMismatch means the secret matched an instance whose stored
	// name disagrees with the name declared in the event. Maps to 400.
	ErrInstanceMismatch = errors.New("auth: instance name mismatch")
)

// FailureReason labels an authentication failure for metrics and audit logs.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingSecret):
		return "missing_secret"
	case errors.Is(err, ErrInvalidSecret):
		return "invalid_secret"
	case errors.Is(err, ErrInstanceMismatch):
		return "instance_mismatch"
	}
	return "unknown"
}

// ChannelStore looks up active channel instances for authentication.
// All methods must only return instances with is_active = true.
type ChannelStore interface {
	FindBySecret(ctx context.Context, secret string) (*model.ChannelInstance, error)
	FindByAPIKey(ctx context.Context, apiKey string) (*model.ChannelInstance, error)
	FindByName(ctx context.Context, name string) (*model.ChannelInstance, error)
}

// Input carries everything the authenticator may extract a secret from.
type Input struct {
	Header http.Header
	Query  url.Values
	// PayloadSecrets holds provider-specific secret-bearing payload fields
	// (e.g. Evolution's top-level "apikey"), extracted by the adapter.
	PayloadSecrets map[string]string
	// InstanceName is the channel-instance name declared in the payload.
	InstanceName string
}

// Authenticator resolves inbound events to channel instances.
type Authenticator struct {
	store ChannelStore
	audit auditlog.Recorder
	log   *zap.Logger
}

// NewAuthenticator creates an Authenticator with its dependencies injected.
func NewAuthenticator(store ChannelStore, audit auditlog.Recorder, log *zap.Logger) *Authenticator {
	return &Authenticator{store: store, audit: audit, log: log}
}

// secretHeaders in priority order, after the bearer token.
var secretHeaders = []string{"x-webhook-secret", "x-api-key", "apikey"}

// secretQueryParams in priority order.
var secretQueryParams = []string{"secret", "apikey", "token", "key"}

// payloadSecretFields in priority order.
var payloadSecretFields = []string{"apikey", "secret", "token"}

// ExtractSecret finds the candidate channel secret in the request, checking
// in priority order: a non-JWT bearer token, secret headers, query-string
// parameters, then provider payload fields. JWT-shaped bearer tokens belong
// to interactive user sessions and are never treated as channel secrets.
func ExtractSecret(in Input) (string, bool) {
	if authz := in.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		token := strings.TrimSpace(authz[len("Bearer "):])
		if token != "" && !isJWT(token) {
			return token, true
		}
	}

	for _, h := range secretHeaders {
		if v := strings.TrimSpace(in.Header.Get(h)); v != "" {
			return v, true
		}
	}

	for _, p := range secretQueryParams {
		if v := strings.TrimSpace(in.Query.Get(p)); v != "" {
			return v, true
		}
	}

	for _, f := range payloadSecretFields {
		if v := strings.TrimSpace(in.PayloadSecrets[f]); v != "" {
			return v, true
		}
	}

	return "", false
}

// isJWT reports whether the token has the shape of a signed JWT.
func isJWT(token string) bool {
	if strings.Count(token, ".") != 2 {
		return false
	}
	_, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	return err == nil
}

// Authenticate resolves the event to a channel instance, or returns one of
// the auth sentinel errors. Lookup order: dedicated webhook secret, API
// key, then declared instance name as a last resort for deployments that
// cannot propagate a distinct secret. First match wins.
//
// Store failures propagate as non-sentinel errors: a downed database is an
// infrastructure fault, not a credential rejection, and the caller must
// answer with a retryable status.
func (a *Authenticator) Authenticate(ctx context.Context, in Input) (*model.ChannelInstance, error) {
	secret, ok := ExtractSecret(in)
	if !ok {
		return nil, ErrMissingSecret
	}

	inst, err := a.store.FindBySecret(ctx, secret)
	if err != nil {
		return nil, fmt.Errorf("auth: secret lookup: %w", err)
	}
	if inst != nil {
		return a.checkInstanceName(ctx, inst, in.InstanceName)
	}

	inst, err = a.store.FindByAPIKey(ctx, secret)
	if err != nil {
		return nil, fmt.Errorf("auth: api key lookup: %w", err)
	}
	if inst != nil {
		return a.checkInstanceName(ctx, inst, in.InstanceName)
	}

	if in.InstanceName != "" {
		inst, err = a.store.FindByName(ctx, in.InstanceName)
		if err != nil {
			return nil, fmt.Errorf("auth: instance name lookup: %w", err)
		}
		if inst != nil {
			// Weaker than secret auth: flagged on every use so operators can
			// migrate these deployments to real secrets.
			a.log.Warn("Channel instance authenticated by declared name only",
				zap.String("instance", in.InstanceName),
				zap.String("tenant_id", inst.TenantID.String()))
			return inst, nil
		}
	}

	// No tenant was resolved, so the diagnostic entry carries a null tenant
	// and only a short non-reversible preview of the presented secret.
	a.audit.Record(ctx, auditlog.Entry{
		InstanceLabel: in.InstanceName,
		Event:         "webhook.auth_failed",
		Level:         "warn",
		Message:       "no channel instance matched the presented secret",
		Payload: map[string]interface{}{
			"secret_preview": SecretPreview(secret),
			"instance":       in.InstanceName,
		},
	})
	return nil, ErrInvalidSecret
}

func (a *Authenticator) checkInstanceName(ctx context.Context, inst *model.ChannelInstance, declared string) (*model.ChannelInstance, error) {
	if declared != "" && declared != inst.Name {
		a.audit.Record(ctx, auditlog.Entry{
			TenantID:      &inst.TenantID,
			InstanceLabel: declared,
			Event:         "webhook.instance_mismatch",
			Level:         "warn",
			Message:       "declared instance name disagrees with the matched instance",
			Payload: map[string]interface{}{
				"declared": declared,
				"stored":   inst.Name,
			},
		})
		return nil, ErrInstanceMismatch
	}
	return inst, nil
}

// SecretPreview returns the first 8 characters of a secret for diagnostic
// logs. The full value must never be logged.
func SecretPreview(secret string) string {
	if len(secret) <= 8 {
		return secret
	}
	return secret[:8]
}

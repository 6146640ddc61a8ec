// Package profile enriches contact display names by querying the telephony
// provider's profile API. Enrichment is strictly best-effort: any failure
// or timeout falls back to the name the webhook already carried.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"leadsync-service/internal/model"

	"go.uber.org/zap"
)

// Resolver resolves a contact's display name. Implementations never return
// an error; the fallback is the answer when enrichment is unavailable.
type Resolver interface {
	DisplayName(ctx context.Context, inst *model.ChannelInstance, identity, fallback string) string
}

// HTTPResolver queries an Evolution-style profile endpoint.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

// NewHTTPResolver creates a resolver against the given base URL. The
// timeout bounds the whole lookup so a slow provider cannot stall webhook
// processing.
func NewHTTPResolver(baseURL string, timeout time.Duration, log *zap.Logger) *HTTPResolver {
	return &HTTPResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

type profileResponse struct {
	Name     string `json:"name"`
	PushName string `json:"pushName"`
}

// DisplayName looks the contact up on the provider. Platform providers
// already deliver usable display names, so only telephony instances are
// queried.
func (r *HTTPResolver) DisplayName(ctx context.Context, inst *model.ChannelInstance, identity, fallback string) string {
	if r.baseURL == "" || !inst.Provider.Telephony() {
		return fallback
	}

	endpoint := fmt.Sprintf("%s/chat/fetchProfile/%s?number=%s",
		r.baseURL, url.PathEscape(inst.Name), url.QueryEscape(identity))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fallback
	}
	if inst.APIKey != nil {
		req.Header.Set("apikey", *inst.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Debug("Contact profile lookup failed",
			zap.String("instance", inst.Name),
			zap.Error(err))
		return fallback
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.log.Debug("Contact profile lookup returned non-OK status",
			zap.String("instance", inst.Name),
			zap.Int("status", resp.StatusCode))
		return fallback
	}

	var profile profileResponse
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return fallback
	}
	if profile.Name != "" {
		return profile.Name
	}
	if profile.PushName != "" {
		return profile.PushName
	}
	return fallback
}

// NopResolver always answers with the fallback name.
type NopResolver struct{}

func (NopResolver) DisplayName(ctx context.Context, inst *model.ChannelInstance, identity, fallback string) string {
	return fallback
}

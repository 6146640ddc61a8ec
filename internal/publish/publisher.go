// Package publish broadcasts realtime notifications after a reconciliation
// outcome. Broadcasts are cache-invalidation hints only: the lead/activity
// rows are the durable source of truth, so every failure here is logged and
// swallowed, never rolled back into the pipeline result.
package publish

import (
	"context"
	"encoding/json"
	"time"

	"leadsync-service/internal/model"
	"leadsync-service/pkg/valkey"
	"leadsync-service/prometheus"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// publishTimeout bounds each broadcast attempt. One attempt per event, no
// retry queue; loss under transient failure is acceptable.
const publishTimeout = 2 * time.Second

// Publisher sends realtime notifications to connected frontends.
type Publisher interface {
	PublishLeadEvent(ctx context.Context, tenantID, leadID uuid.UUID, action string) error
	PublishMessage(ctx context.Context, tenantID uuid.UUID, conversationID, message string, provider model.Provider) error
}

// ValkeyPublisher broadcasts over a valkey pub/sub channel per tenant.
type ValkeyPublisher struct {
	client *valkey.Client
	log    *zap.Logger
}

// NewValkeyPublisher creates a Publisher backed by the given valkey client.
func NewValkeyPublisher(client *valkey.Client, log *zap.Logger) *ValkeyPublisher {
	return &ValkeyPublisher{client: client, log: log}
}

type leadEvent struct {
	Event    string `json:"event"`
	TenantID string `json:"tenant_id"`
	LeadID   string `json:"lead_id"`
	Action   string `json:"action"`
}

type messageEvent struct {
	Event          string `json:"event"`
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	Provider       string `json:"provider"`
}

// PublishLeadEvent broadcasts a lead mutation hint on the tenant's channel.
func (p *ValkeyPublisher) PublishLeadEvent(ctx context.Context, tenantID, leadID uuid.UUID, action string) error {
	payload, err := json.Marshal(leadEvent{
		Event:    "lead." + action,
		TenantID: tenantID.String(),
		LeadID:   leadID.String(),
		Action:   action,
	})
	if err != nil {
		return err
	}
	return p.publish(ctx, tenantID, string(payload))
}

// PublishMessage broadcasts an inbound message hint on the tenant's channel.
func (p *ValkeyPublisher) PublishMessage(ctx context.Context, tenantID uuid.UUID, conversationID, message string, provider model.Provider) error {
	payload, err := json.Marshal(messageEvent{
		Event:          "message.received",
		TenantID:       tenantID.String(),
		ConversationID: conversationID,
		Message:        message,
		Provider:       string(provider),
	})
	if err != nil {
		return err
	}
	return p.publish(ctx, tenantID, string(payload))
}

func (p *ValkeyPublisher) publish(ctx context.Context, tenantID uuid.UUID, payload string) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	channel := p.client.Key("tenant", tenantID.String(), "events")
	if err := p.client.Publish(ctx, channel, payload); err != nil {
		if prometheus.BroadcastFailureCounter != nil {
			prometheus.BroadcastFailureCounter.Inc()
		}
		p.log.Warn("Realtime broadcast failed",
			zap.String("channel", channel),
			zap.Error(err))
		return err
	}
	return nil
}

// NopPublisher discards all events. Used when no broadcast transport is
// configured and in tests.
type NopPublisher struct{}

func (NopPublisher) PublishLeadEvent(ctx context.Context, tenantID, leadID uuid.UUID, action string) error {
	return nil
}

func (NopPublisher) PublishMessage(ctx context.Context, tenantID uuid.UUID, conversationID, message string, provider model.Provider) error {
	return nil
}

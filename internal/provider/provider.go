// Package provider unwraps provider-specific webhook envelopes into the
// single event shape the reconciliation engine consumes. One adapter per
// platform keeps the engine free of wire-format knowledge.
package provider

import (
	"errors"

	"leadsync-service/internal/model"
)

// ErrMalformedPayload is returned when the request body cannot be decoded
// into the provider's envelope. Maps to 400; nothing is mutated.
var ErrMalformedPayload = errors.New("provider: malformed payload")

// InboundMessage is the provider-agnostic event the pipeline processes.
type InboundMessage struct {
	// EventName is the provider's own event tag ("messages.upsert",
	// "message_created", ...). Kept for audit logs.
	EventName string
	// InstanceName is the channel-instance name the event declares.
	InstanceName string
	// RawIdentity is the un-normalized sender identifier (JID, phone,
	// platform-scoped ID).
	RawIdentity string
	// DisplayName is the contact's self-declared name, when the provider
	// carries one.
	DisplayName string
	// Text is the message text, or a media placeholder.
	Text string
	// Direction is incoming for contact-authored messages, outgoing for
	// agent-authored ones.
	Direction model.Direction
	// ConversationID identifies the provider-side conversation, when known.
	ConversationID string
	// SecretCandidates holds secret-bearing payload fields the
	// authenticator may fall back to.
	SecretCandidates map[string]string
	// Skip marks events the pipeline ignores entirely (batch/array
	// payloads, non-message events). Skipped events are acknowledged with
	// 200 and produce no mutation.
	Skip       bool
	SkipReason string
}

// Adapter decodes one provider's webhook envelope. A delivery may carry
// several message events (Meta page webhooks batch them); adapters for
// single-event envelopes return a one-element slice.
type Adapter interface {
	Provider() model.Provider
	Parse(body []byte) ([]*InboundMessage, error)
}

// Registry maps URL provider slugs to adapters.
type Registry map[model.Provider]Adapter

// NewRegistry builds the default adapter set.
func NewRegistry() Registry {
	return Registry{
		model.ProviderWhatsApp:  &WhatsAppAdapter{},
		model.ProviderChatwoot:  &ChatwootAdapter{},
		model.ProviderFacebook:  &MetaAdapter{provider: model.ProviderFacebook},
		model.ProviderInstagram: &MetaAdapter{provider: model.ProviderInstagram},
	}
}

func direction(fromMe bool) model.Direction {
	if fromMe {
		return model.DirectionOutgoing
	}
	return model.DirectionIncoming
}

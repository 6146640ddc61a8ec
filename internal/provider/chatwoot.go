package provider

import (
	"encoding/json"
	"fmt"
	"strconv"

	"leadsync-service/internal/model"
)

// ChatwootAdapter decodes Chatwoot message_created webhook envelopes.
type ChatwootAdapter struct{}

func (a *ChatwootAdapter) Provider() model.Provider { return model.ProviderChatwoot }

type chatwootEnvelope struct {
	Event       string `json:"event"`
	MessageType string `json:"message_type"`
	Content     string `json:"content"`
	Inbox       struct {
		Name string `json:"name"`
	} `json:"inbox"`
	Conversation struct {
		ID   int64 `json:"id"`
		Meta struct {
			Sender chatwootSender `json:"sender"`
		} `json:"meta"`
	} `json:"conversation"`
	Sender chatwootSender `json:"sender"`
}

type chatwootSender struct {
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
	Identifier  string `json:"identifier"`
}

// Parse decodes the envelope. Only message_created events with a real
// incoming or outgoing message carry traffic; everything else
// (conversation status, typing, bot templates, ...) is skipped.
func (a *ChatwootAdapter) Parse(body []byte) ([]*InboundMessage, error) {
	var env chatwootEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	msg := &InboundMessage{
		EventName:    env.Event,
		InstanceName: env.Inbox.Name,
	}

	if env.Event != "" && env.Event != "message_created" {
		msg.Skip = true
		msg.SkipReason = "non-message event"
		return []*InboundMessage{msg}, nil
	}

	// Chatwoot also emits "template" and activity message types for bot and
	// system traffic; those must not create leads or bump unread counters.
	switch env.MessageType {
	case "incoming":
		msg.Direction = model.DirectionIncoming
	case "outgoing":
		msg.Direction = model.DirectionOutgoing
	default:
		msg.Skip = true
		msg.SkipReason = "unsupported message type: " + env.MessageType
		return []*InboundMessage{msg}, nil
	}

	sender := env.Conversation.Meta.Sender
	if sender.PhoneNumber == "" && sender.Identifier == "" {
		sender = env.Sender
	}

	identity := sender.PhoneNumber
	if identity == "" {
		identity = sender.Identifier
	}
	if identity == "" {
		msg.Skip = true
		msg.SkipReason = "no sender identity"
		return []*InboundMessage{msg}, nil
	}

	msg.RawIdentity = identity
	msg.DisplayName = sender.Name
	msg.Text = env.Content
	if env.Conversation.ID != 0 {
		msg.ConversationID = strconv.FormatInt(env.Conversation.ID, 10)
	}
	return []*InboundMessage{msg}, nil
}

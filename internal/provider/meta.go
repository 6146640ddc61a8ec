package provider

import (
	"encoding/json"
	"fmt"

	"leadsync-service/internal/model"
)

// MetaAdapter decodes Facebook Messenger and Instagram page webhook
// envelopes. The platform-scoped sender ID is the canonical identity for
// these providers; it is stable per user-per-page but is not a phone number.
type MetaAdapter struct {
	provider model.Provider
}

func (a *MetaAdapter) Provider() model.Provider { return a.provider }

type metaEnvelope struct {
	Object string      `json:"object"`
	Entry  []metaEntry `json:"entry"`
}

type metaEntry struct {
	ID        string          `json:"id"`
	Messaging []metaMessaging `json:"messaging"`
}

type metaMessaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message *metaMessage `json:"message"`
}

type metaMessage struct {
	MID         string `json:"mid"`
	Text        string `json:"text"`
	IsEcho      bool   `json:"is_echo"`
	Attachments []struct {
		Type string `json:"type"`
	} `json:"attachments"`
}

// Parse decodes every messaging event of every entry; page webhooks may
// batch several events per delivery and none of them may be dropped.
func (a *MetaAdapter) Parse(body []byte) ([]*InboundMessage, error) {
	var env metaEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var msgs []*InboundMessage
	for _, entry := range env.Entry {
		for _, event := range entry.Messaging {
			msgs = append(msgs, a.message(env.Object, entry.ID, event))
		}
	}

	if len(msgs) == 0 {
		return []*InboundMessage{{
			EventName:  env.Object,
			Skip:       true,
			SkipReason: "no messaging entry",
		}}, nil
	}
	return msgs, nil
}

func (a *MetaAdapter) message(object, pageID string, event metaMessaging) *InboundMessage {
	msg := &InboundMessage{EventName: object, InstanceName: pageID}

	if event.Message == nil {
		msg.Skip = true
		msg.SkipReason = "non-message event"
		return msg
	}

	// Echo events are the page's own outbound messages; the sender and
	// recipient roles are swapped relative to inbound traffic.
	if event.Message.IsEcho {
		msg.Direction = model.DirectionOutgoing
		msg.RawIdentity = event.Recipient.ID
	} else {
		msg.Direction = model.DirectionIncoming
		msg.RawIdentity = event.Sender.ID
	}
	if msg.RawIdentity == "" {
		msg.Skip = true
		msg.SkipReason = "no sender identity"
		return msg
	}

	msg.ConversationID = msg.RawIdentity
	msg.Text = event.Message.Text
	if msg.Text == "" && len(event.Message.Attachments) > 0 {
		msg.Text = "[" + event.Message.Attachments[0].Type + "]"
	}
	if msg.Text == "" {
		msg.Text = "[message]"
	}
	return msg
}

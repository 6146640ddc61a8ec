package provider

import (
	"encoding/json"
	"fmt"

	"leadsync-service/internal/model"
)

// WhatsAppAdapter decodes Evolution-style WhatsApp webhook envelopes.
type WhatsAppAdapter struct{}

func (a *WhatsAppAdapter) Provider() model.Provider { return model.ProviderWhatsApp }

type whatsappEnvelope struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	APIKey   string          `json:"apikey"`
	Secret   string          `json:"secret"`
	Token    string          `json:"token"`
	Data     json.RawMessage `json:"data"`
}

type whatsappData struct {
	Key struct {
		RemoteJID string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
		ID        string `json:"id"`
	} `json:"key"`
	PushName string          `json:"pushName"`
	Message  whatsappMessage `json:"message"`
}

type whatsappMessage struct {
	Conversation        string `json:"conversation"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
	ImageMessage    *whatsappMedia `json:"imageMessage"`
	VideoMessage    *whatsappMedia `json:"videoMessage"`
	AudioMessage    *whatsappMedia `json:"audioMessage"`
	DocumentMessage *struct {
		FileName string `json:"fileName"`
	} `json:"documentMessage"`
	StickerMessage *whatsappMedia `json:"stickerMessage"`
}

type whatsappMedia struct {
	Caption string `json:"caption"`
}

// Parse decodes the envelope. Array data payloads (batch sync events) are
// skipped entirely rather than rejected.
func (a *WhatsAppAdapter) Parse(body []byte) ([]*InboundMessage, error) {
	var env whatsappEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	msg := &InboundMessage{
		EventName:    env.Event,
		InstanceName: env.Instance,
		SecretCandidates: map[string]string{
			"apikey": env.APIKey,
			"secret": env.Secret,
			"token":  env.Token,
		},
	}

	if len(env.Data) == 0 {
		msg.Skip = true
		msg.SkipReason = "no message data"
		return []*InboundMessage{msg}, nil
	}
	if env.Data[0] == '[' {
		msg.Skip = true
		msg.SkipReason = "array payload"
		return []*InboundMessage{msg}, nil
	}

	var data whatsappData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if data.Key.RemoteJID == "" {
		msg.Skip = true
		msg.SkipReason = "no sender identity"
		return []*InboundMessage{msg}, nil
	}

	msg.RawIdentity = data.Key.RemoteJID
	msg.DisplayName = data.PushName
	msg.Direction = direction(data.Key.FromMe)
	msg.ConversationID = data.Key.RemoteJID
	msg.Text = messageContent(data.Message)
	return []*InboundMessage{msg}, nil
}

// messageContent extracts text or builds a media placeholder.
func messageContent(m whatsappMessage) string {
	switch {
	case m.Conversation != "":
		return m.Conversation
	case m.ExtendedTextMessage != nil && m.ExtendedTextMessage.Text != "":
		return m.ExtendedTextMessage.Text
	case m.ImageMessage != nil:
		return withCaption("[image]", m.ImageMessage.Caption)
	case m.VideoMessage != nil:
		return withCaption("[video]", m.VideoMessage.Caption)
	case m.AudioMessage != nil:
		return "[audio]"
	case m.DocumentMessage != nil:
		if m.DocumentMessage.FileName != "" {
			return "[document]:" + m.DocumentMessage.FileName
		}
		return "[document]"
	case m.StickerMessage != nil:
		return "[sticker]"
	}
	return "[message]"
}

func withCaption(placeholder, caption string) string {
	if caption != "" {
		return placeholder + ":" + caption
	}
	return placeholder
}

package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Provider identifies the external messaging platform a channel instance
// is connected to.
type Provider string

const (
	ProviderWhatsApp  Provider = "whatsapp"
	ProviderChatwoot  Provider = "chatwoot"
	ProviderFacebook  Provider = "facebook"
	ProviderInstagram Provider = "instagram"
)

// Telephony reports whether identities for this provider are phone numbers.
// Facebook and Instagram use opaque platform-scoped sender IDs instead.
func (p Provider) Telephony() bool {
	return p == ProviderWhatsApp || p == ProviderChatwoot
}

// Valid reports whether the provider is one of the supported platforms.
func (p Provider) Valid() bool {
	switch p {
	case ProviderWhatsApp, ProviderChatwoot, ProviderFacebook, ProviderInstagram:
		return true
	}
	return false
}

// ChannelInstance represents one configured connection to an external
// messaging provider for one tenant (one WhatsApp number, one Chatwoot
// inbox, one Facebook page). The pipeline only reads these rows; they are
// created and deactivated by the tenant configuration flow.
type ChannelInstance struct {
	ID       uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID uuid.UUID `json:"tenant_id" gorm:"type:uuid;index;not null"`
	Provider Provider  `json:"provider" gorm:"type:varchar(20);index;not null"`
	Name     string    `json:"name" gorm:"type:varchar(120);index;not null"`
	// WebhookSecret is the dedicated per-instance webhook token. Never
	// exposed in JSON responses.
	WebhookSecret *string   `json:"-" gorm:"type:varchar(255);index"`
	APIKey        *string   `json:"-" gorm:"type:varchar(255);index"`
	IsActive      bool      `json:"is_active" gorm:"default:true"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// BeforeCreate hook assigns a UUID primary key when missing
func (ci *ChannelInstance) BeforeCreate(tx *gorm.DB) error {
	if ci.ID == uuid.Nil {
		ci.ID = uuid.New()
	}
	return nil
}

package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Direction distinguishes messages sent by the contact from messages sent
// by the tenant's own agents.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Activity is an immutable, append-only log entry attached to a lead.
// The pipeline creates one per processed message event (fully-ignored
// events excepted) and never updates or deletes rows.
type Activity struct {
	ID       uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	LeadID   uuid.UUID `json:"lead_id" gorm:"type:uuid;index;not null"`
	TenantID uuid.UUID `json:"tenant_id" gorm:"type:uuid;index;not null"`
	// Type carries the provider tag ("whatsapp", "chatwoot", ...).
	Type       string    `json:"type" gorm:"type:varchar(20)"`
	Content    string    `json:"content" gorm:"type:text"`
	Direction  Direction `json:"direction" gorm:"type:varchar(10);not null"`
	ActorLabel string    `json:"actor_label" gorm:"type:varchar(200)"`
	CreatedAt  time.Time `json:"created_at"`
}

// BeforeCreate hook assigns a UUID primary key when missing
func (a *Activity) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

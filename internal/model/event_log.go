package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EventLog is the audit trail of processed webhook events. Rows are written
// best-effort for every pipeline outcome, including rejected and ignored
// events; TenantID is null when authentication never resolved a tenant.
type EventLog struct {
	ID       uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID *uuid.UUID `json:"tenant_id" gorm:"type:uuid;index"`
	// InstanceLabel is the declared channel-instance name from the payload,
	// kept even when it could not be resolved to a real instance.
	InstanceLabel string    `json:"instance_label" gorm:"type:varchar(120)"`
	Event         string    `json:"event" gorm:"type:varchar(60);index;not null"`
	Level         string    `json:"level" gorm:"type:varchar(10);default:info"`
	Message       string    `json:"message" gorm:"type:text"`
	Payload       string    `json:"payload" gorm:"type:jsonb;default:'{}'"`
	CreatedAt     time.Time `json:"created_at" gorm:"index"`
}

// BeforeCreate hook assigns a UUID primary key when missing
func (e *EventLog) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

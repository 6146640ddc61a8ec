package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LeadStatus tracks the coarse lifecycle state shown in the funnel UI.
type LeadStatus string

const (
	LeadStatusNew    LeadStatus = "new"
	LeadStatusActive LeadStatus = "active"
)

// Lead is a CRM contact record tracked through a sales pipeline.
//
// DeletedAt is a plain nullable timestamp rather than gorm.DeletedAt: the
// matcher must see soft-deleted rows on every lookup and clear the mark on
// restore, so the rows can never be hidden by gorm's soft-delete scoping.
//
// At most one non-deleted, non-excluded row may exist per
// (tenant_id, source_channel_instance_id, identity); the partial unique
// index enforcing that is created in pkg/database.
type Lead struct {
	ID       uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID uuid.UUID `json:"tenant_id" gorm:"type:uuid;index;not null"`
	Name     string    `json:"name" gorm:"type:varchar(200)"`
	// Identity is the canonical lookup key: normalized phone digits for
	// telephony providers, the platform-scoped sender ID otherwise.
	Identity                string     `json:"identity" gorm:"type:varchar(120);index;not null"`
	Status                  LeadStatus `json:"status" gorm:"type:varchar(20);default:new"`
	StageID                 *uuid.UUID `json:"stage_id" gorm:"type:uuid;index"`
	SourceChannelInstanceID uuid.UUID  `json:"source_channel_instance_id" gorm:"type:uuid;index;not null"`
	DeletedAt               *time.Time `json:"deleted_at" gorm:"index"`
	// ExcludedFromFunnel is a terminal user-set flag: the pipeline never
	// reactivates an excluded lead, regardless of new traffic.
	ExcludedFromFunnel bool       `json:"excluded_from_funnel" gorm:"default:false"`
	HasUnreadMessages  bool       `json:"has_unread_messages" gorm:"default:false"`
	UnreadMessageCount int        `json:"unread_message_count" gorm:"default:0"`
	LastContactAt      *time.Time `json:"last_contact_at"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// BeforeCreate hook assigns a UUID primary key when missing
func (l *Lead) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

// IsDeleted reports whether the lead is currently soft-deleted.
func (l *Lead) IsDeleted() bool {
	return l.DeletedAt != nil
}

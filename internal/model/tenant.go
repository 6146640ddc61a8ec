package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Tenant represents an isolated customer organization.
// Every other row in the system is partitioned by TenantID.
type Tenant struct {
	ID   uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Name string    `json:"name" gorm:"type:varchar(100);uniqueIndex"`
	// CountryCallingCode is the home calling code used when normalizing
	// phone identities for this tenant (e.g. "55"). Empty means the
	// service-wide default applies.
	CountryCallingCode string    `json:"country_calling_code" gorm:"type:varchar(4)"`
	Active             bool      `json:"active" gorm:"default:true"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// BeforeCreate hook assigns a UUID primary key when missing
func (t *Tenant) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PipelineStage is an ordered funnel stage within a tenant. The stage with
// the lowest position is the landing stage for newly created leads; every
// tenant must have at least one.
type PipelineStage struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID  uuid.UUID `json:"tenant_id" gorm:"type:uuid;index;not null"`
	Name      string    `json:"name" gorm:"type:varchar(100);not null"`
	Position  int       `json:"position" gorm:"not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate hook assigns a UUID primary key when missing
func (s *PipelineStage) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

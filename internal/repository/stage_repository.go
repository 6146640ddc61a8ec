package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leadsync-service/internal/model"
	"leadsync-service/prometheus"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StageRepository implements reconcile.StageStore on Postgres.
type StageRepository struct {
	db *gorm.DB
}

// NewStageRepository creates a StageRepository with the database handle injected.
func NewStageRepository(db *gorm.DB) *StageRepository {
	return &StageRepository{db: db}
}

// FirstStage returns the tenant's stage with the lowest position, or nil
// when the tenant has no stages configured.
func (r *StageRepository) FirstStage(ctx context.Context, tenantID uuid.UUID) (*model.PipelineStage, error) {
	defer prometheus.TrackDBOperation("first_stage")(time.Now())

	var stage model.PipelineStage
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("position ASC").
		First(&stage).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("first stage: %w", err)
	}
	return &stage, nil
}

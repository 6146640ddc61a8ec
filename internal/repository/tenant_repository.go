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

// TenantRepository loads tenant configuration for the pipeline.
type TenantRepository struct {
	db *gorm.DB
}

// NewTenantRepository creates a TenantRepository with the database handle injected.
func NewTenantRepository(db *gorm.DB) *TenantRepository {
	return &TenantRepository{db: db}
}

// GetByID returns the tenant, or nil when it does not exist.
func (r *TenantRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Tenant, error) {
	defer prometheus.TrackDBOperation("get_tenant")(time.Now())

	var tenant model.Tenant
	err := r.db.WithContext(ctx).First(&tenant, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &tenant, nil
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leadsync-service/internal/model"
	"leadsync-service/prometheus"

	"gorm.io/gorm"
)

// ChannelRepository implements auth.ChannelStore on Postgres. Only active
// instances participate in authentication.
type ChannelRepository struct {
	db *gorm.DB
}

// NewChannelRepository creates a ChannelRepository with the database handle injected.
func NewChannelRepository(db *gorm.DB) *ChannelRepository {
	return &ChannelRepository{db: db}
}

func (r *ChannelRepository) FindBySecret(ctx context.Context, secret string) (*model.ChannelInstance, error) {
	return r.findOne(ctx, "webhook_secret = ?", secret)
}

func (r *ChannelRepository) FindByAPIKey(ctx context.Context, apiKey string) (*model.ChannelInstance, error) {
	return r.findOne(ctx, "api_key = ?", apiKey)
}

func (r *ChannelRepository) FindByName(ctx context.Context, name string) (*model.ChannelInstance, error) {
	return r.findOne(ctx, "name = ?", name)
}

func (r *ChannelRepository) findOne(ctx context.Context, query string, arg string) (*model.ChannelInstance, error) {
	defer prometheus.TrackDBOperation("find_channel_instance")(time.Now())

	var inst model.ChannelInstance
	err := r.db.WithContext(ctx).
		Where(query, arg).
		Where("is_active = ?", true).
		First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find channel instance: %w", err)
	}
	return &inst, nil
}

// Package repository provides the gorm-backed implementations of the
// pipeline's storage contracts. Every query filters by tenant_id so
// cross-tenant interference is structurally impossible.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leadsync-service/internal/model"
	"leadsync-service/internal/reconcile"
	"leadsync-service/prometheus"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LeadRepository implements reconcile.LeadStore on Postgres.
type LeadRepository struct {
	db *gorm.DB
}

// NewLeadRepository creates a LeadRepository with the database handle injected.
func NewLeadRepository(db *gorm.DB) *LeadRepository {
	return &LeadRepository{db: db}
}

// FindByIdentity returns the matching lead including soft-deleted and
// excluded rows; the most recently created row wins when history rows
// coexist.
func (r *LeadRepository) FindByIdentity(ctx context.Context, tenantID, instanceID uuid.UUID, identity string) (*model.Lead, error) {
	defer prometheus.TrackDBOperation("find_lead")(time.Now())

	var lead model.Lead
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND source_channel_instance_id = ? AND identity = ?", tenantID, instanceID, identity).
		Order("created_at DESC").
		First(&lead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find lead: %w", err)
	}
	return &lead, nil
}

// CreateIfAbsent inserts the lead with ON CONFLICT DO NOTHING against the
// live-row partial unique index. When the insert is a no-op another
// delivery won the race; the winning row is read back and returned.
func (r *LeadRepository) CreateIfAbsent(ctx context.Context, lead *model.Lead) (*model.Lead, bool, error) {
	defer prometheus.TrackDBOperation("create_lead")(time.Now())

	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "tenant_id"},
			{Name: "source_channel_instance_id"},
			{Name: "identity"},
		},
		TargetWhere: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "deleted_at IS NULL AND excluded_from_funnel = false"},
		}},
		DoNothing: true,
	}).Create(lead)
	if res.Error != nil {
		return nil, false, fmt.Errorf("create lead: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return lead, true, nil
	}

	winner, err := r.FindByIdentity(ctx, lead.TenantID, lead.SourceChannelInstanceID, lead.Identity)
	if err != nil {
		return nil, false, err
	}
	if winner == nil {
		return nil, false, errors.New("lead insert conflicted but no winning row found")
	}
	return winner, false, nil
}

// Restore clears the soft-delete mark and re-enters the lead into the funnel.
func (r *LeadRepository) Restore(ctx context.Context, leadID uuid.UUID, upd reconcile.RestoreUpdate) error {
	defer prometheus.TrackDBOperation("restore_lead")(time.Now())

	updates := map[string]interface{}{
		"deleted_at":                 nil,
		"name":                       upd.Name,
		"stage_id":                   upd.StageID,
		"source_channel_instance_id": upd.SourceChannelInstanceID,
		"last_contact_at":            upd.LastContactAt,
	}
	if upd.Incoming {
		updates["has_unread_messages"] = true
		// Reset, not increment: the pre-deletion counter is stale history.
		updates["unread_message_count"] = 1
	}

	res := r.db.WithContext(ctx).Model(&model.Lead{}).Where("id = ?", leadID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("restore lead: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("restore lead: no row with id %s", leadID)
	}
	return nil
}

// Touch refreshes an active lead. The unread increment is pushed to the
// store as an expression so concurrent bursts cannot lose updates.
func (r *LeadRepository) Touch(ctx context.Context, leadID uuid.UUID, upd reconcile.TouchUpdate) error {
	defer prometheus.TrackDBOperation("touch_lead")(time.Now())

	updates := map[string]interface{}{
		"source_channel_instance_id": upd.SourceChannelInstanceID,
		"last_contact_at":            upd.LastContactAt,
	}
	if upd.IncrementUnread {
		updates["has_unread_messages"] = true
		updates["unread_message_count"] = gorm.Expr("unread_message_count + ?", 1)
	}

	res := r.db.WithContext(ctx).Model(&model.Lead{}).Where("id = ?", leadID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("touch lead: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("touch lead: no row with id %s", leadID)
	}
	return nil
}

// AppendActivity inserts one immutable activity row.
func (r *LeadRepository) AppendActivity(ctx context.Context, activity *model.Activity) error {
	defer prometheus.TrackDBOperation("append_activity")(time.Now())

	if err := r.db.WithContext(ctx).Create(activity).Error; err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

package reconcile

import (
	"context"
	"time"

	"leadsync-service/internal/model"

	"github.com/google/uuid"
)

// LeadStore is the storage contract the engine reconciles against. The
// gorm implementation lives in internal/repository; tests use in-memory
// fakes.
type LeadStore interface {
	// FindByIdentity returns the matching lead regardless of soft-delete or
	// exclusion state, or nil when none exists. When the store holds more
	// than one candidate row the most recently created one wins.
	FindByIdentity(ctx context.Context, tenantID, instanceID uuid.UUID, identity string) (*model.Lead, error)

	// CreateIfAbsent inserts the lead unless a live row for the same
	// (tenant, instance, identity) already exists. It returns the winning
	// row and whether this call created it. Concurrent webhook deliveries
	// for a brand-new contact race here; the unique index makes exactly one
	// of them the creator.
	CreateIfAbsent(ctx context.Context, lead *model.Lead) (*model.Lead, bool, error)

	// Restore clears the soft-delete mark and re-enters the lead into the
	// funnel with the given state.
	Restore(ctx context.Context, leadID uuid.UUID, upd RestoreUpdate) error

	// Touch refreshes an active lead on new traffic. When IncrementUnread
	// is set the unread counter must be incremented atomically at the
	// storage layer, not read-modify-written.
	Touch(ctx context.Context, leadID uuid.UUID, upd TouchUpdate) error

	// AppendActivity inserts one immutable activity row.
	AppendActivity(ctx context.Context, activity *model.Activity) error
}

// RestoreUpdate carries the fields a restore resets.
type RestoreUpdate struct {
	Name                    string
	StageID                 *uuid.UUID
	SourceChannelInstanceID uuid.UUID
	LastContactAt           time.Time
	// Incoming sets the unread flag and resets the counter to exactly 1.
	Incoming bool
}

// TouchUpdate carries the fields an update refreshes.
type TouchUpdate struct {
	SourceChannelInstanceID uuid.UUID
	LastContactAt           time.Time
	// IncrementUnread adds exactly 1 to the unread counter and sets the
	// unread flag.
	IncrementUnread bool
}

// StageStore resolves the tenant's funnel configuration.
type StageStore interface {
	// FirstStage returns the stage with the lowest position, or nil when
	// the tenant has none configured.
	FirstStage(ctx context.Context, tenantID uuid.UUID) (*model.PipelineStage, error)
}

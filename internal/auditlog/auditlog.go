// Package auditlog writes the best-effort audit trail of processed webhook
// events. Recording never fails the caller: a pipeline outcome must not be
// lost because its log entry could not be written.
package auditlog

import (
	"context"
	"encoding/json"
	"time"

	"leadsync-service/internal/model"
	"leadsync-service/prometheus"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Entry is one audit record. TenantID is nil when the event was rejected
// before a tenant could be resolved (e.g. invalid secret).
type Entry struct {
	TenantID      *uuid.UUID
	InstanceLabel string
	Event         string
	Level         string
	Message       string
	Payload       map[string]interface{}
}

// Recorder appends audit entries.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// DBRecorder persists entries to the event_logs table.
type DBRecorder struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewDBRecorder creates a Recorder backed by the given database handle.
func NewDBRecorder(db *gorm.DB, log *zap.Logger) *DBRecorder {
	return &DBRecorder{db: db, log: log}
}

// Record inserts one event log row. Failures are logged and swallowed.
func (r *DBRecorder) Record(ctx context.Context, e Entry) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("Audit log write panicked", zap.Any("panic", rec))
		}
	}()

	level := e.Level
	if level == "" {
		level = "info"
	}

	payload := "{}"
	if len(e.Payload) > 0 {
		if raw, err := json.Marshal(e.Payload); err == nil {
			payload = string(raw)
		}
	}

	row := model.EventLog{
		TenantID:      e.TenantID,
		InstanceLabel: e.InstanceLabel,
		Event:         e.Event,
		Level:         level,
		Message:       e.Message,
		Payload:       payload,
	}

	defer prometheus.TrackDBOperation("insert_event_log")(time.Now())

	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		r.log.Error("Failed to write audit log entry",
			zap.String("event", e.Event),
			zap.Error(err))
	}
}

// NopRecorder discards all entries. Used in tests and when auditing is disabled.
type NopRecorder struct{}

func (NopRecorder) Record(ctx context.Context, e Entry) {}

// Package reconcile decides, for every inbound or outbound message event,
// whether to create, restore, update, or ignore a lead, and applies the
// decision together with its exactly-once side effects (activity entry,
// unread counters, realtime broadcast, audit log).
package reconcile

import (
	"context"
	"time"

	"leadsync-service/internal/auditlog"
	"leadsync-service/internal/model"
	"leadsync-service/internal/publish"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Action is the reconciliation outcome for one message event.
type Action string

const (
	ActionCreate       Action = "create"
	ActionRestore      Action = "restore"
	ActionUpdate       Action = "update"
	ActionSkipExcluded Action = "skip_excluded"
	ActionIgnore       Action = "ignore"
)

// activityReturnPrefix marks the activity of a restored lead so the
// timeline shows the contact came back after deletion.
const activityReturnPrefix = "[return] "

// Input is one authenticated, normalized message event.
type Input struct {
	Tenant   *model.Tenant
	Instance *model.ChannelInstance
	// Identity is the canonical lookup key produced by the normalizer.
	Identity       string
	DisplayName    string
	Content        string
	Direction      model.Direction
	ConversationID string
	EventName      string
}

// Result reports what the engine did. Lead is nil for ignored events.
type Result struct {
	Action Action
	Lead   *model.Lead
}

// Engine is the reconciliation state machine. All collaborators are
// injected; the engine holds no hidden cross-request state.
type Engine struct {
	leads     LeadStore
	stages    StageStore
	publisher publish.Publisher
	audit     auditlog.Recorder
	log       *zap.Logger
	now       func() time.Time
}

// NewEngine creates an Engine with its dependencies injected.
func NewEngine(leads LeadStore, stages StageStore, publisher publish.Publisher, audit auditlog.Recorder, log *zap.Logger) *Engine {
	return &Engine{
		leads:     leads,
		stages:    stages,
		publisher: publisher,
		audit:     audit,
		log:       log,
		now:       time.Now,
	}
}

// WithClock overrides the engine's time source. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Reconcile maps the event to an action and applies it. Store errors
// propagate so the webhook handler reports failure and the provider
// redelivers; broadcast and audit failures never do.
func (e *Engine) Reconcile(ctx context.Context, in Input) (*Result, error) {
	lead, err := e.leads.FindByIdentity(ctx, in.Tenant.ID, in.Instance.ID, in.Identity)
	if err != nil {
		return nil, err
	}

	if lead == nil {
		if in.Direction == model.DirectionOutgoing {
			// An outbound-only message to an unknown number never creates
			// a lead.
			e.recordOutcome(ctx, in, ActionIgnore, nil, "outgoing message to unknown identity")
			return &Result{Action: ActionIgnore}, nil
		}

		created, winner, err := e.create(ctx, in)
		if err != nil {
			return nil, err
		}
		if created {
			return winner, nil
		}
		// Lost the create race to a concurrent delivery: fall through and
		// treat the winning row as the existing lead.
		lead = winner.Lead
	}

	// Exclusion always takes precedence over soft-delete: an excluded lead
	// is never resurrected by new traffic even if it is also deleted.
	if lead.ExcludedFromFunnel {
		if err := e.appendActivity(ctx, in, lead, in.Content); err != nil {
			return nil, err
		}
		e.recordOutcome(ctx, in, ActionSkipExcluded, lead, "lead excluded from funnel")
		return &Result{Action: ActionSkipExcluded, Lead: lead}, nil
	}

	if lead.IsDeleted() {
		return e.restore(ctx, in, lead)
	}

	return e.update(ctx, in, lead)
}

func (e *Engine) create(ctx context.Context, in Input) (bool, *Result, error) {
	now := e.now()
	stageID := e.firstStageID(ctx, in)

	lead := &model.Lead{
		TenantID:                in.Tenant.ID,
		Name:                    e.contactName(in),
		Identity:                in.Identity,
		Status:                  model.LeadStatusNew,
		StageID:                 stageID,
		SourceChannelInstanceID: in.Instance.ID,
		HasUnreadMessages:       true,
		UnreadMessageCount:      1,
		LastContactAt:           &now,
	}

	winner, created, err := e.leads.CreateIfAbsent(ctx, lead)
	if err != nil {
		return false, nil, err
	}
	if !created {
		return false, &Result{Lead: winner}, nil
	}

	if err := e.appendActivity(ctx, in, winner, in.Content); err != nil {
		return false, nil, err
	}

	e.broadcast(ctx, in, winner, ActionCreate)
	e.recordOutcome(ctx, in, ActionCreate, winner, "lead created")
	return true, &Result{Action: ActionCreate, Lead: winner}, nil
}

func (e *Engine) restore(ctx context.Context, in Input, lead *model.Lead) (*Result, error) {
	now := e.now()
	upd := RestoreUpdate{
		Name:                    e.contactName(in),
		StageID:                 e.firstStageID(ctx, in),
		SourceChannelInstanceID: in.Instance.ID,
		LastContactAt:           now,
		Incoming:                in.Direction == model.DirectionIncoming,
	}
	if err := e.leads.Restore(ctx, lead.ID, upd); err != nil {
		return nil, err
	}

	lead.DeletedAt = nil
	lead.Name = upd.Name
	lead.StageID = upd.StageID
	lead.SourceChannelInstanceID = upd.SourceChannelInstanceID
	lead.LastContactAt = &now
	if upd.Incoming {
		lead.HasUnreadMessages = true
		lead.UnreadMessageCount = 1
	}

	if err := e.appendActivity(ctx, in, lead, activityReturnPrefix+in.Content); err != nil {
		return nil, err
	}

	e.broadcast(ctx, in, lead, ActionRestore)
	e.recordOutcome(ctx, in, ActionRestore, lead, "soft-deleted lead restored")
	return &Result{Action: ActionRestore, Lead: lead}, nil
}

func (e *Engine) update(ctx context.Context, in Input, lead *model.Lead) (*Result, error) {
	now := e.now()
	upd := TouchUpdate{
		SourceChannelInstanceID: in.Instance.ID,
		LastContactAt:           now,
		IncrementUnread:         in.Direction == model.DirectionIncoming,
	}
	if err := e.leads.Touch(ctx, lead.ID, upd); err != nil {
		return nil, err
	}

	lead.SourceChannelInstanceID = upd.SourceChannelInstanceID
	lead.LastContactAt = &now
	if upd.IncrementUnread {
		lead.HasUnreadMessages = true
		lead.UnreadMessageCount++
	}

	if err := e.appendActivity(ctx, in, lead, in.Content); err != nil {
		return nil, err
	}

	e.broadcast(ctx, in, lead, ActionUpdate)
	e.recordOutcome(ctx, in, ActionUpdate, lead, "lead refreshed")
	return &Result{Action: ActionUpdate, Lead: lead}, nil
}

func (e *Engine) appendActivity(ctx context.Context, in Input, lead *model.Lead, content string) error {
	actor := in.DisplayName
	if in.Direction == model.DirectionOutgoing {
		actor = in.Instance.Name
	}
	if actor == "" {
		actor = in.Identity
	}
	return e.leads.AppendActivity(ctx, &model.Activity{
		LeadID:     lead.ID,
		TenantID:   in.Tenant.ID,
		Type:       string(in.Instance.Provider),
		Content:    content,
		Direction:  in.Direction,
		ActorLabel: actor,
	})
}

// firstStageID resolves the tenant's landing stage. A failed lookup logs
// and leaves the stage unset rather than failing the reconciliation.
func (e *Engine) firstStageID(ctx context.Context, in Input) *uuid.UUID {
	stage, err := e.stages.FirstStage(ctx, in.Tenant.ID)
	if err != nil {
		e.log.Warn("First pipeline stage lookup failed",
			zap.String("tenant_id", in.Tenant.ID.String()),
			zap.Error(err))
		return nil
	}
	if stage == nil {
		return nil
	}
	return &stage.ID
}

func (e *Engine) contactName(in Input) string {
	if in.DisplayName != "" {
		return in.DisplayName
	}
	return in.Identity
}

// broadcast sends the realtime hints. At most one attempt per event; the
// publisher logs its own failures and the engine discards them.
func (e *Engine) broadcast(ctx context.Context, in Input, lead *model.Lead, action Action) {
	_ = e.publisher.PublishLeadEvent(ctx, in.Tenant.ID, lead.ID, string(action))
	if in.Direction == model.DirectionIncoming && in.ConversationID != "" {
		_ = e.publisher.PublishMessage(ctx, in.Tenant.ID, in.ConversationID, in.Content, in.Instance.Provider)
	}
}

func (e *Engine) recordOutcome(ctx context.Context, in Input, action Action, lead *model.Lead, message string) {
	payload := map[string]interface{}{
		"action":    string(action),
		"identity":  in.Identity,
		"direction": string(in.Direction),
		"event":     in.EventName,
	}
	if lead != nil {
		payload["lead_id"] = lead.ID.String()
	}
	e.audit.Record(ctx, auditlog.Entry{
		TenantID:      &in.Tenant.ID,
		InstanceLabel: in.Instance.Name,
		Event:         "reconcile." + string(action),
		Message:       message,
		Payload:       payload,
	})
}

package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"leadsync-service/internal/auditlog"
	"leadsync-service/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeLeadStore mimics the storage contract in memory, including the
// unique-index semantics of CreateIfAbsent and atomic unread increments.
type fakeLeadStore struct {
	mu         sync.Mutex
	leads      []*model.Lead
	activities []*model.Activity
}

func key(l *model.Lead) string {
	return l.TenantID.String() + "/" + l.SourceChannelInstanceID.String() + "/" + l.Identity
}

func (f *fakeLeadStore) FindByIdentity(_ context.Context, tenantID, instanceID uuid.UUID, identity string) (*model.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found *model.Lead
	for _, l := range f.leads {
		if l.TenantID == tenantID && l.SourceChannelInstanceID == instanceID && l.Identity == identity {
			if found == nil || l.CreatedAt.After(found.CreatedAt) {
				found = l
			}
		}
	}
	return found, nil
}

func (f *fakeLeadStore) CreateIfAbsent(_ context.Context, lead *model.Lead) (*model.Lead, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.leads {
		if key(l) == key(lead) && l.DeletedAt == nil && !l.ExcludedFromFunnel {
			return l, false, nil
		}
	}
	if lead.ID == uuid.Nil {
		lead.ID = uuid.New()
	}
	lead.CreatedAt = time.Now()
	f.leads = append(f.leads, lead)
	return lead, true, nil
}

func (f *fakeLeadStore) Restore(_ context.Context, leadID uuid.UUID, upd RestoreUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.leads {
		if l.ID == leadID {
			l.DeletedAt = nil
			l.Name = upd.Name
			l.StageID = upd.StageID
			l.SourceChannelInstanceID = upd.SourceChannelInstanceID
			t := upd.LastContactAt
			l.LastContactAt = &t
			if upd.Incoming {
				l.HasUnreadMessages = true
				l.UnreadMessageCount = 1
			}
			return nil
		}
	}
	return errors.New("lead not found")
}

func (f *fakeLeadStore) Touch(_ context.Context, leadID uuid.UUID, upd TouchUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.leads {
		if l.ID == leadID {
			l.SourceChannelInstanceID = upd.SourceChannelInstanceID
			t := upd.LastContactAt
			l.LastContactAt = &t
			if upd.IncrementUnread {
				l.HasUnreadMessages = true
				l.UnreadMessageCount++
			}
			return nil
		}
	}
	return errors.New("lead not found")
}

func (f *fakeLeadStore) AppendActivity(_ context.Context, a *model.Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	f.activities = append(f.activities, a)
	return nil
}

type fakeStageStore struct {
	stage *model.PipelineStage
	err   error
}

func (f *fakeStageStore) FirstStage(_ context.Context, _ uuid.UUID) (*model.PipelineStage, error) {
	return f.stage, f.err
}

type failingPublisher struct {
	calls atomic.Int32
}

func (p *failingPublisher) PublishLeadEvent(context.Context, uuid.UUID, uuid.UUID, string) error {
	p.calls.Add(1)
	return errors.New("realtime transport unavailable")
}

func (p *failingPublisher) PublishMessage(context.Context, uuid.UUID, string, string, model.Provider) error {
	p.calls.Add(1)
	return errors.New("realtime transport unavailable")
}

type testFixture struct {
	engine *Engine
	store  *fakeLeadStore
	tenant *model.Tenant
	inst   *model.ChannelInstance
	stage  *model.PipelineStage
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	tenant := &model.Tenant{ID: uuid.New(), Name: "T1", CountryCallingCode: "55"}
	inst := &model.ChannelInstance{
		ID:       uuid.New(),
		TenantID: tenant.ID,
		Provider: model.ProviderWhatsApp,
		Name:     "I1",
		IsActive: true,
	}
	stage := &model.PipelineStage{ID: uuid.New(), TenantID: tenant.ID, Name: "Novo", Position: 0}
	store := &fakeLeadStore{}
	engine := NewEngine(store, &fakeStageStore{stage: stage}, failingBroadcastOK(), auditlog.NopRecorder{}, zap.NewNop())
	return &testFixture{engine: engine, store: store, tenant: tenant, inst: inst, stage: stage}
}

// failingBroadcastOK returns a publisher that always errors, asserting
// throughout the suite that broadcast failure never fails reconciliation.
func failingBroadcastOK() *failingPublisher { return &failingPublisher{} }

func (fx *testFixture) input(direction model.Direction) Input {
	return Input{
		Tenant:         fx.tenant,
		Instance:       fx.inst,
		Identity:       "11987654321",
		DisplayName:    "Maria",
		Content:        "Oi",
		Direction:      direction,
		ConversationID: "conv-1",
		EventName:      "messages.upsert",
	}
}

func TestReconcile_CreateOnIncomingUnknown(t *testing.T) {
	fx := newFixture(t)

	res, err := fx.engine.Reconcile(context.Background(), fx.input(model.DirectionIncoming))
	require.NoError(t, err)
	assert.Equal(t, ActionCreate, res.Action)

	require.Len(t, fx.store.leads, 1)
	lead := fx.store.leads[0]
	assert.Equal(t, "Maria", lead.Name)
	assert.Equal(t, "11987654321", lead.Identity)
	assert.True(t, lead.HasUnreadMessages)
	assert.Equal(t, 1, lead.UnreadMessageCount)
	require.NotNil(t, lead.StageID)
	assert.Equal(t, fx.stage.ID, *lead.StageID)

	require.Len(t, fx.store.activities, 1)
	assert.Equal(t, model.DirectionIncoming, fx.store.activities[0].Direction)
	assert.Equal(t, "Oi", fx.store.activities[0].Content)
}

func TestReconcile_OutgoingToUnknownIsIgnored(t *testing.T) {
	fx := newFixture(t)

	res, err := fx.engine.Reconcile(context.Background(), fx.input(model.DirectionOutgoing))
	require.NoError(t, err)
	assert.Equal(t, ActionIgnore, res.Action)
	assert.Nil(t, res.Lead)

	assert.Empty(t, fx.store.leads, "never create a lead from an outbound-only message")
	assert.Empty(t, fx.store.activities)
}

func TestReconcile_ExcludedLeadIsNeverResurrected(t *testing.T) {
	fx := newFixture(t)
	deleted := time.Now().Add(-24 * time.Hour)
	stage := uuid.New()
	fx.store.leads = append(fx.store.leads, &model.Lead{
		ID:                      uuid.New(),
		TenantID:                fx.tenant.ID,
		Identity:                "11987654321",
		SourceChannelInstanceID: fx.inst.ID,
		// Excluded AND deleted: exclusion must win the precedence check.
		DeletedAt:          &deleted,
		ExcludedFromFunnel: true,
		UnreadMessageCount: 3,
		StageID:            &stage,
		CreatedAt:          time.Now().Add(-48 * time.Hour),
	})

	for _, dir := range []model.Direction{model.DirectionIncoming, model.DirectionOutgoing, model.DirectionIncoming} {
		res, err := fx.engine.Reconcile(context.Background(), fx.input(dir))
		require.NoError(t, err)
		assert.Equal(t, ActionSkipExcluded, res.Action)
	}

	lead := fx.store.leads[0]
	assert.NotNil(t, lead.DeletedAt)
	assert.True(t, lead.ExcludedFromFunnel)
	assert.Equal(t, 3, lead.UnreadMessageCount)
	assert.Equal(t, stage, *lead.StageID)
	// One audit activity per message, even though the lead never changes.
	assert.Len(t, fx.store.activities, 3)
}

func TestReconcile_RestoreSoftDeletedLead(t *testing.T) {
	fx := newFixture(t)
	deleted := time.Now().Add(-24 * time.Hour)
	oldStage := uuid.New()
	fx.store.leads = append(fx.store.leads, &model.Lead{
		ID:                      uuid.New(),
		TenantID:                fx.tenant.ID,
		Name:                    "Old Name",
		Identity:                "11987654321",
		SourceChannelInstanceID: fx.inst.ID,
		DeletedAt:               &deleted,
		UnreadMessageCount:      7,
		StageID:                 &oldStage,
		CreatedAt:               time.Now().Add(-48 * time.Hour),
	})

	res, err := fx.engine.Reconcile(context.Background(), fx.input(model.DirectionIncoming))
	require.NoError(t, err)
	assert.Equal(t, ActionRestore, res.Action)

	lead := fx.store.leads[0]
	assert.Nil(t, lead.DeletedAt)
	assert.Equal(t, "Maria", lead.Name, "name refreshed from contact display name")
	assert.Equal(t, 1, lead.UnreadMessageCount, "restore resets the counter, never increments it")
	require.NotNil(t, lead.StageID)
	assert.Equal(t, fx.stage.ID, *lead.StageID, "stage reset to the tenant's first stage")

	require.Len(t, fx.store.activities, 1)
	assert.Equal(t, "[return] Oi", fx.store.activities[0].Content)
}

func TestReconcile_RestoreOnOutgoingLeavesUnreadUntouched(t *testing.T) {
	fx := newFixture(t)
	deleted := time.Now().Add(-24 * time.Hour)
	fx.store.leads = append(fx.store.leads, &model.Lead{
		ID:                      uuid.New(),
		TenantID:                fx.tenant.ID,
		Name:                    "Old Name",
		Identity:                "11987654321",
		SourceChannelInstanceID: fx.inst.ID,
		DeletedAt:               &deleted,
		UnreadMessageCount:      7,
		CreatedAt:               time.Now().Add(-48 * time.Hour),
	})

	res, err := fx.engine.Reconcile(context.Background(), fx.input(model.DirectionOutgoing))
	require.NoError(t, err)
	assert.Equal(t, ActionRestore, res.Action)

	lead := fx.store.leads[0]
	assert.Nil(t, lead.DeletedAt, "agent traffic restores the lead too")
	assert.Equal(t, 7, lead.UnreadMessageCount, "only contact messages touch the unread counter")
	assert.False(t, lead.HasUnreadMessages)

	require.Len(t, fx.store.activities, 1)
	assert.Equal(t, "[return] Oi", fx.store.activities[0].Content)
	assert.Equal(t, model.DirectionOutgoing, fx.store.activities[0].Direction)
}

func TestReconcile_UpdateActiveLead(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.engine.Reconcile(context.Background(), fx.input(model.DirectionIncoming))
	require.NoError(t, err)

	// N sequential incoming messages increment by exactly N.
	for i := 0; i < 4; i++ {
		res, err := fx.engine.Reconcile(context.Background(), fx.input(model.DirectionIncoming))
		require.NoError(t, err)
		assert.Equal(t, ActionUpdate, res.Action)
	}

	require.Len(t, fx.store.leads, 1, "provider retries must not duplicate leads")
	assert.Equal(t, 5, fx.store.leads[0].UnreadMessageCount)
	assert.Len(t, fx.store.activities, 5)

	// Outgoing traffic refreshes the lead without touching the counter.
	res, err := fx.engine.Reconcile(context.Background(), fx.input(model.DirectionOutgoing))
	require.NoError(t, err)
	assert.Equal(t, ActionUpdate, res.Action)
	assert.Equal(t, 5, fx.store.leads[0].UnreadMessageCount)
}

func TestReconcile_ConcurrentIncrementsAreNotLost(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.engine.Reconcile(context.Background(), fx.input(model.DirectionIncoming))
	require.NoError(t, err)

	const burst = 20
	var wg sync.WaitGroup
	for i := 0; i < burst; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.engine.Reconcile(context.Background(), fx.input(model.DirectionIncoming))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, fx.store.leads, 1)
	assert.Equal(t, 1+burst, fx.store.leads[0].UnreadMessageCount)
}

func TestReconcile_LostCreateRaceBecomesUpdate(t *testing.T) {
	fx := newFixture(t)

	// Simulate the race: another delivery inserts the live row between this
	// request's lookup and its insert.
	raceStore := &raceLeadStore{fakeLeadStore: fx.store, fx: fx}
	engine := NewEngine(raceStore, &fakeStageStore{stage: fx.stage}, failingBroadcastOK(), auditlog.NopRecorder{}, zap.NewNop())

	res, err := engine.Reconcile(context.Background(), fx.input(model.DirectionIncoming))
	require.NoError(t, err)
	assert.Equal(t, ActionUpdate, res.Action, "the race loser must update the winner's row")
	require.Len(t, fx.store.leads, 1)
	assert.Equal(t, 2, fx.store.leads[0].UnreadMessageCount)
}

// raceLeadStore returns "no lead" on the first lookup but already holds a
// concurrent winner by the time CreateIfAbsent runs.
type raceLeadStore struct {
	*fakeLeadStore
	fx       *testFixture
	lookedUp bool
}

func (r *raceLeadStore) FindByIdentity(ctx context.Context, tenantID, instanceID uuid.UUID, identity string) (*model.Lead, error) {
	if !r.lookedUp {
		r.lookedUp = true
		now := time.Now()
		r.fakeLeadStore.leads = append(r.fakeLeadStore.leads, &model.Lead{
			ID:                      uuid.New(),
			TenantID:                tenantID,
			Identity:                identity,
			SourceChannelInstanceID: instanceID,
			HasUnreadMessages:       true,
			UnreadMessageCount:      1,
			LastContactAt:           &now,
			CreatedAt:               now,
		})
		return nil, nil
	}
	return r.fakeLeadStore.FindByIdentity(ctx, tenantID, instanceID, identity)
}

func TestReconcile_BroadcastFailureDoesNotFailReconciliation(t *testing.T) {
	fx := newFixture(t)
	pub := &failingPublisher{}
	engine := NewEngine(fx.store, &fakeStageStore{stage: fx.stage}, pub, auditlog.NopRecorder{}, zap.NewNop())

	res, err := engine.Reconcile(context.Background(), fx.input(model.DirectionIncoming))
	require.NoError(t, err)
	assert.Equal(t, ActionCreate, res.Action)
	assert.Positive(t, pub.calls.Load(), "a broadcast attempt must have been made")
	require.Len(t, fx.store.leads, 1)
}

func TestReconcile_StageLookupFailureDoesNotBlockCreate(t *testing.T) {
	fx := newFixture(t)
	engine := NewEngine(fx.store, &fakeStageStore{err: errors.New("stage table unavailable")}, failingBroadcastOK(), auditlog.NopRecorder{}, zap.NewNop())

	res, err := engine.Reconcile(context.Background(), fx.input(model.DirectionIncoming))
	require.NoError(t, err)
	assert.Equal(t, ActionCreate, res.Action)
	assert.Nil(t, fx.store.leads[0].StageID)
}

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"leadsync-service/internal/auditlog"
	"leadsync-service/internal/auth"
	"leadsync-service/internal/model"
	"leadsync-service/internal/profile"
	"leadsync-service/internal/provider"
	"leadsync-service/internal/reconcile"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeChannelStore struct {
	bySecret map[string]*model.ChannelInstance
	byAPIKey map[string]*model.ChannelInstance
	byName   map[string]*model.ChannelInstance
}

func (s *fakeChannelStore) FindBySecret(ctx context.Context, secret string) (*model.ChannelInstance, error) {
	return s.bySecret[secret], nil
}

func (s *fakeChannelStore) FindByAPIKey(ctx context.Context, apiKey string) (*model.ChannelInstance, error) {
	return s.byAPIKey[apiKey], nil
}

func (s *fakeChannelStore) FindByName(ctx context.Context, name string) (*model.ChannelInstance, error) {
	return s.byName[name], nil
}

// downChannelStore simulates a database outage during authentication.
type downChannelStore struct {
	err error
}

func (d *downChannelStore) FindBySecret(context.Context, string) (*model.ChannelInstance, error) {
	return nil, d.err
}

func (d *downChannelStore) FindByAPIKey(context.Context, string) (*model.ChannelInstance, error) {
	return nil, d.err
}

func (d *downChannelStore) FindByName(context.Context, string) (*model.ChannelInstance, error) {
	return nil, d.err
}

type fakeTenantStore struct {
	tenant *model.Tenant
	err    error
}

func (s *fakeTenantStore) GetByID(ctx context.Context, id uuid.UUID) (*model.Tenant, error) {
	return s.tenant, s.err
}

type fakeEngine struct {
	result *reconcile.Result
	err    error
	gotIn  *reconcile.Input
	calls  int
}

func (f *fakeEngine) Reconcile(ctx context.Context, in reconcile.Input) (*reconcile.Result, error) {
	f.calls++
	f.gotIn = &in
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &reconcile.Result{Action: reconcile.ActionCreate, Lead: &model.Lead{ID: uuid.New()}}, nil
}

type webhookFixture struct {
	handler  *WebhookHandler
	engine   *fakeEngine
	tenant   *model.Tenant
	inst     *model.ChannelInstance
	channels *fakeChannelStore
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()

	tenant := &model.Tenant{
		ID:                 uuid.New(),
		Name:               "acme",
		CountryCallingCode: "55",
		Active:             true,
	}
	secret := "evo-secret-123"
	inst := &model.ChannelInstance{
		ID:            uuid.New(),
		TenantID:      tenant.ID,
		Provider:      model.ProviderWhatsApp,
		Name:          "sales",
		WebhookSecret: &secret,
		IsActive:      true,
	}

	channels := &fakeChannelStore{
		bySecret: map[string]*model.ChannelInstance{secret: inst},
		byAPIKey: map[string]*model.ChannelInstance{},
		byName:   map[string]*model.ChannelInstance{},
	}
	engine := &fakeEngine{}

	h := NewWebhookHandler(
		provider.NewRegistry(),
		auth.NewAuthenticator(channels, auditlog.NopRecorder{}, zap.NewNop()),
		engine,
		&fakeTenantStore{tenant: tenant},
		profile.NopResolver{},
		auditlog.NopRecorder{},
		"55",
	)

	return &webhookFixture{handler: h, engine: engine, tenant: tenant, inst: inst, channels: channels}
}

func (f *webhookFixture) deliver(t *testing.T, slug, body string) *httptest.ResponseRecorder {
	t.Helper()

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/webhook/"+slug, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/webhook/:provider")
	c.SetParamNames("provider")
	c.SetParamValues(slug)

	require.NoError(t, f.handler.Handle(c))
	return rec
}

func whatsappBody(instance, apikey, remoteJID, pushName, text string, fromMe bool) string {
	env := map[string]interface{}{
		"event":    "messages.upsert",
		"instance": instance,
		"apikey":   apikey,
		"data": map[string]interface{}{
			"key": map[string]interface{}{
				"remoteJid": remoteJID,
				"fromMe":    fromMe,
				"id":        "MSG1",
			},
			"pushName": pushName,
			"message":  map[string]interface{}{"conversation": text},
		},
	}
	raw, _ := json.Marshal(env)
	return string(raw)
}

func TestWebhook_CreateFlow(t *testing.T) {
	f := newWebhookFixture(t)

	rec := f.deliver(t, "whatsapp",
		whatsappBody("sales", "evo-secret-123", "5511987654321@s.whatsapp.net", "Maria", "Oi", false))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "create", resp["action"])

	require.NotNil(t, f.engine.gotIn)
	assert.Equal(t, "11987654321", f.engine.gotIn.Identity)
	assert.Equal(t, "Maria", f.engine.gotIn.DisplayName)
	assert.Equal(t, "Oi", f.engine.gotIn.Content)
	assert.Equal(t, model.DirectionIncoming, f.engine.gotIn.Direction)
	assert.Equal(t, f.tenant.ID, f.engine.gotIn.Tenant.ID)
	assert.Equal(t, f.inst.ID, f.engine.gotIn.Instance.ID)
}

func TestWebhook_UnknownProviderRejected(t *testing.T) {
	f := newWebhookFixture(t)

	rec := f.deliver(t, "telegram", `{}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, f.engine.calls)
}

func TestWebhook_MalformedPayloadRejected(t *testing.T) {
	f := newWebhookFixture(t)

	rec := f.deliver(t, "whatsapp", `{"event": not-json`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "malformed_payload", resp["error"])
	assert.Zero(t, f.engine.calls)
}

func TestWebhook_MissingSecretUnauthorized(t *testing.T) {
	f := newWebhookFixture(t)

	rec := f.deliver(t, "whatsapp",
		whatsappBody("sales", "", "5511987654321@s.whatsapp.net", "Maria", "Oi", false))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, f.engine.calls)
}

func TestWebhook_InvalidSecretForbidden(t *testing.T) {
	f := newWebhookFixture(t)

	rec := f.deliver(t, "whatsapp",
		whatsappBody("unknown-instance", "wrong-secret", "5511987654321@s.whatsapp.net", "Maria", "Oi", false))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, f.engine.calls)
}

func TestWebhook_InstanceMismatchRejected(t *testing.T) {
	f := newWebhookFixture(t)

	// Valid secret but the payload declares a different instance name.
	rec := f.deliver(t, "whatsapp",
		whatsappBody("marketing", "evo-secret-123", "5511987654321@s.whatsapp.net", "Maria", "Oi", false))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, f.engine.calls)
}

func TestWebhook_ArrayPayloadAcknowledgedWithoutProcessing(t *testing.T) {
	f := newWebhookFixture(t)

	body := `{"event":"messages.upsert","instance":"sales","apikey":"evo-secret-123","data":[{"key":{}}]}`
	rec := f.deliver(t, "whatsapp", body)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, f.engine.calls)
}

func TestWebhook_UnsupportedIdentityAcknowledged(t *testing.T) {
	f := newWebhookFixture(t)

	// Group JIDs carry composite identifiers that never normalize to a
	// home-format phone number.
	rec := f.deliver(t, "whatsapp",
		whatsappBody("sales", "evo-secret-123", "123456789012345678@g.us", "Grupo", "Oi", false))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	assert.Zero(t, f.engine.calls)
}

func TestWebhook_AuthStoreOutageReturns500(t *testing.T) {
	f := newWebhookFixture(t)
	f.handler.authenticator = auth.NewAuthenticator(
		&downChannelStore{err: errors.New("connection refused")},
		auditlog.NopRecorder{},
		zap.NewNop(),
	)

	rec := f.deliver(t, "whatsapp",
		whatsappBody("sales", "evo-secret-123", "5511987654321@s.whatsapp.net", "Maria", "Oi", false))

	// A downed store must not look like a credential rejection: 4xx would
	// stop the provider from retrying and silently drop the delivery.
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "internal_error", resp["error"])
	assert.Zero(t, f.engine.calls)
}

func TestWebhook_MetaBatchProcessesEveryEvent(t *testing.T) {
	f := newWebhookFixture(t)
	metaSecret := "meta-secret-456"
	f.channels.bySecret[metaSecret] = &model.ChannelInstance{
		ID:            uuid.New(),
		TenantID:      f.tenant.ID,
		Provider:      model.ProviderFacebook,
		Name:          "page-1",
		WebhookSecret: &metaSecret,
		IsActive:      true,
	}

	body := `{
		"object": "page",
		"entry": [{
			"id": "page-1",
			"messaging": [
				{"sender": {"id": "psid-1"}, "recipient": {"id": "page-1"}, "message": {"mid": "m_1", "text": "First"}},
				{"sender": {"id": "psid-2"}, "recipient": {"id": "page-1"}, "message": {"mid": "m_2", "text": "Second"}},
				{"sender": {"id": "psid-3"}, "recipient": {"id": "page-1"}, "message": {"mid": "m_3", "text": "Third"}}
			]
		}]
	}`

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/webhook/facebook", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("x-webhook-secret", metaSecret)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/webhook/:provider")
	c.SetParamNames("provider")
	c.SetParamValues("facebook")

	require.NoError(t, f.handler.Handle(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, f.engine.calls, "every batched messaging event must be reconciled")
	assert.Equal(t, "psid-3", f.engine.gotIn.Identity)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(3), resp["processed"])
}

func TestWebhook_StoreFailureReturns500(t *testing.T) {
	f := newWebhookFixture(t)
	f.engine.err = errors.New("connection refused")

	rec := f.deliver(t, "whatsapp",
		whatsappBody("sales", "evo-secret-123", "5511987654321@s.whatsapp.net", "Maria", "Oi", false))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebhook_TenantLookupFailureReturns500(t *testing.T) {
	f := newWebhookFixture(t)
	f.handler.tenants = &fakeTenantStore{err: errors.New("connection refused")}

	rec := f.deliver(t, "whatsapp",
		whatsappBody("sales", "evo-secret-123", "5511987654321@s.whatsapp.net", "Maria", "Oi", false))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Zero(t, f.engine.calls)
}

func TestWebhook_SkipExcludedStillSucceeds(t *testing.T) {
	f := newWebhookFixture(t)
	f.engine.result = &reconcile.Result{
		Action: reconcile.ActionSkipExcluded,
		Lead:   &model.Lead{ID: uuid.New(), ExcludedFromFunnel: true},
	}

	rec := f.deliver(t, "whatsapp",
		whatsappBody("sales", "evo-secret-123", "5511987654321@s.whatsapp.net", "Maria", "Oi", false))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "skip_excluded", resp["action"])
}

func TestWebhook_SecretFromHeaderInsteadOfPayload(t *testing.T) {
	f := newWebhookFixture(t)

	e := echo.New()
	body := whatsappBody("sales", "", "5511987654321@s.whatsapp.net", "Maria", "Oi", false)
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("x-webhook-secret", "evo-secret-123")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/webhook/:provider")
	c.SetParamNames("provider")
	c.SetParamValues("whatsapp")

	require.NoError(t, f.handler.Handle(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.engine.calls)
}

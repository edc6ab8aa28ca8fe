package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/combinado/internal/auth"
	"github.com/mbd888/combinado/internal/config"
	"github.com/mbd888/combinado/internal/store/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		RateLimitRPM:      6000,
		RateLimitBurst:    1000,
		SweepInterval:     time.Minute,
		SweepBatchSize:    100,
		ReconcileInterval: time.Hour,
		Settings:          config.Defaults(),
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(cfg, WithStore(memory.New()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type caller struct {
	userID string
	roles  string
	phone  string
}

var (
	admin    = caller{userID: "ops", roles: "admin"}
	client   = caller{userID: "client-1", roles: "cliente"}
	provider = caller{userID: "provider-1", roles: "prestador", phone: "+5511988887777"}
)

func do(t *testing.T, s *Server, who *caller, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if who != nil {
		req.Header.Set(auth.HeaderUserID, who.userID)
		req.Header.Set(auth.HeaderUserRoles, who.roles)
		if who.phone != "" {
			req.Header.Set(auth.HeaderUserPhone, who.phone)
		}
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func field(t *testing.T, m map[string]any, keys ...string) any {
	t.Helper()
	var cur any = m
	for _, k := range keys {
		obj, ok := cur.(map[string]any)
		require.True(t, ok, "expected object at %q", k)
		cur = obj[k]
	}
	return cur
}

func amount(t *testing.T, v any) decimal.Decimal {
	t.Helper()
	s, ok := v.(string)
	require.True(t, ok, "expected decimal string, got %v", v)
	return decimal.RequireFromString(s)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(t, s, nil, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run has started the background jobs.
	w = do(t, s, nil, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(t, s, nil, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", decode(t, w)["status"])

	w = do(t, s, nil, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestIdentityRequired(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(t, s, nil, http.MethodGet, "/v1/wallet", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, &client, http.MethodGet, "/v1/wallet", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, &client, http.MethodPost, "/v1/admin/reconcile", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, s, &admin, http.MethodGet, "/v1/admin/settings", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "platform", decode(t, w)["platformUserId"])
}

func TestGatewaySecret(t *testing.T) {
	cfg := testConfig()
	cfg.GatewaySecret = "s3cret"
	s := newTestServer(t, cfg)

	// Identity headers are ignored without the secret.
	w := do(t, s, &client, http.MethodGet, "/v1/wallet", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/wallet", nil)
	req.Header.Set(auth.HeaderUserID, client.userID)
	req.Header.Set(auth.HeaderGatewaySecret, "s3cret")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPM = 1
	cfg.RateLimitBurst = 2
	s := newTestServer(t, cfg)

	for i := 0; i < 2; i++ {
		w := do(t, s, &client, http.MethodGet, "/v1/wallet", nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := do(t, s, &client, http.MethodGet, "/v1/wallet", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// Buckets are per caller.
	w = do(t, s, &provider, http.MethodGet, "/v1/wallet", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInvitationToSettlementOverHTTP(t *testing.T) {
	s := newTestServer(t, testConfig())

	var w *httptest.ResponseRecorder
	for user, amt := range map[string]string{client.userID: "1000", provider.userID: "100"} {
		w = do(t, s, &admin, http.MethodPost, "/v1/admin/wallets/"+user+"/deposit",
			gin.H{"amount": amt, "description": "top up"})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w = do(t, s, &client, http.MethodPost, "/v1/invitations", gin.H{
		"providerPhone": "+55 (11) 98888-7777",
		"title":         "Pintura da sala",
		"description":   "Duas demãos, tinta inclusa",
		"category":      "pintura",
		"value":         "300",
		"deliveryDate":  time.Now().Add(10 * 24 * time.Hour).UTC().Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	invitationID := field(t, decode(t, w), "invitation", "id").(string)

	w = do(t, s, &provider, http.MethodPost, "/v1/invitations/"+invitationID+"/accept?as=prestador", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, &client, http.MethodPost, "/v1/invitations/"+invitationID+"/accept?as=cliente", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	accepted := decode(t, w)
	preOrderID := field(t, accepted, "preOrder", "id").(string)
	assert.Equal(t, "convertido_pre_ordem", field(t, accepted, "invitation", "status"))

	w = do(t, s, &client, http.MethodPost, "/v1/invitations/"+invitationID+"/accept?as=admin", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, &client, http.MethodPost, "/v1/pre-orders/"+preOrderID+"/accept-terms", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, &provider, http.MethodPost, "/v1/pre-orders/"+preOrderID+"/accept-terms", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	converted := decode(t, w)
	orderID := field(t, converted, "order", "id").(string)
	assert.Equal(t, "CONVERTIDA", field(t, converted, "preOrder", "status"))
	assert.Equal(t, "aceita", field(t, converted, "order", "status"))

	w = do(t, s, &client, http.MethodGet, "/v1/wallet", nil)
	require.Equal(t, http.StatusOK, w.Code)
	wallet := decode(t, w)
	assert.True(t, amount(t, field(t, wallet, "account", "balance")).Equal(decimal.NewFromInt(690)))
	assert.True(t, amount(t, field(t, wallet, "account", "escrowBalance")).Equal(decimal.NewFromInt(310)))

	for _, step := range []struct {
		who    *caller
		action string
		status string
	}{
		{&provider, "start", "em_andamento"},
		{&provider, "complete", "servico_executado"},
		{&client, "confirm", "concluida"},
	} {
		w = do(t, s, step.who, http.MethodPost, "/v1/orders/"+orderID+"/"+step.action, nil)
		require.Equal(t, http.StatusOK, w.Code, "%s: %s", step.action, w.Body.String())
		assert.Equal(t, step.status, field(t, decode(t, w), "order", "status"))
	}

	// A stranger cannot see the order.
	stranger := caller{userID: "stranger", roles: "cliente"}
	w = do(t, s, &stranger, http.MethodGet, "/v1/orders/"+orderID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, s, &client, http.MethodGet, "/v1/wallet", nil)
	wallet = decode(t, w)
	assert.True(t, amount(t, field(t, wallet, "account", "balance")).Equal(decimal.NewFromInt(700)))
	assert.True(t, amount(t, field(t, wallet, "account", "escrowBalance")).IsZero())

	w = do(t, s, &provider, http.MethodGet, "/v1/wallet", nil)
	wallet = decode(t, w)
	assert.True(t, amount(t, field(t, wallet, "account", "balance")).Equal(decimal.NewFromInt(385)))
	assert.True(t, amount(t, field(t, wallet, "account", "escrowBalance")).IsZero())

	w = do(t, s, &admin, http.MethodPost, "/v1/admin/reconcile", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["ok"])

	w = do(t, s, &admin, http.MethodPost, "/v1/admin/sweeps/run", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{
		"invitation_expiry": float64(0),
		"pre_order_expiry":  float64(0),
		"auto_confirm":      float64(0),
	}, decode(t, w)["processed"])
}

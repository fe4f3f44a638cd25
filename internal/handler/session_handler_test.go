package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gp-session-sync/internal/bucketing"
	"gp-session-sync/internal/cache"
	"gp-session-sync/internal/config"
	"gp-session-sync/internal/hashing"
	"gp-session-sync/internal/models"
	"gp-session-sync/internal/service"
	"gp-session-sync/internal/testutil"
)

const (
	apiUser     = "middleware"
	apiPassword = "s3cret"
)

type testServer struct {
	*httptest.Server
	gw      *testutil.FakeGateway
	ise     *testutil.FakeIdentity

	mu      sync.Mutex
	healthy map[string]error
}

func (ts *testServer) setHealth(h map[string]error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.healthy = h
}

func (ts *testServer) health(context.Context) map[string]error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.healthy
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		gw:      testutil.NewFakeGateway(),
		ise:     testutil.NewFakeIdentity(),
		healthy: map[string]error{"persistence": nil},
	}
	clock := testutil.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	gwTarget := testutil.StaticEndpoint("fw-a")
	iseTarget := testutil.StaticEndpoint("ise-a")

	sessions := cache.NewSessionCache(ts.gw, gwTarget, nil, 30*time.Second, clock, zap.NewNop())
	identities := cache.NewIdentityCache(ts.ise, iseTarget, nil,
		cache.IdentityOptions{RecordTTL: 5 * time.Minute, ListTTL: 10 * time.Minute},
		bucketing.NewLockTable(8), clock, zap.NewNop())

	cfg := config.Default()
	factory := service.NewServiceFactory(sessions, identities, gwTarget, iseTarget, nil, nil, cfg, clock, zap.NewNop())

	hasher := hashing.NewHasher(config.HashingConfig{Argon2MemoryCost: 1024, Argon2TimeCost: 1, Argon2Parallelism: 1})
	hash, err := hasher.Hash(apiPassword)
	require.NoError(t, err)

	h := NewSessionHandler(factory.SessionService(), zap.NewNop())
	router := NewRouter(h, config.ServerConfig{}, BasicAuth(apiUser, hash, hasher, zap.NewNop()),
		ts.health, zap.NewNop())
	ts.Server = httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts
}

type apiResponse struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data"`
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
}

func (ts *testServer) do(t *testing.T, method, path, body string, authed bool) (int, apiResponse) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.SetBasicAuth(apiUser, apiPassword)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out apiResponse
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func eventBody(name string, attrs models.SessionAttributes) string {
	var ev InternalUserEvent
	ev.InternalUser.Name = name
	ev.InternalUser.CustomAttributes = attrs.Custom()
	data, _ := json.Marshal(ev)
	return string(data)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	status, _ := ts.do(t, http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, status)

	ts.setHealth(map[string]error{"persistence": errors.New("redis down")})
	status, _ = ts.do(t, http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestAPIRequiresCredentials(t *testing.T) {
	ts := newTestServer(t)

	status, _ := ts.do(t, http.MethodGet, "/api/v1/stats", "", false)
	assert.Equal(t, http.StatusUnauthorized, status)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/stats", nil)
	require.NoError(t, err)
	req.SetBasicAuth(apiUser, "wrong")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	status, out := ts.do(t, http.MethodGet, "/api/v1/stats", "", true)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, out.Success)
}

func TestConnectedAccepted(t *testing.T) {
	ts := newTestServer(t)
	ts.ise.AddUser("alice", nil)

	body := eventBody("Alice", models.SessionAttributes{Hostname: "H1", OS: "Windows", SourceIP: "1.1.1.1", Version: "6.1.0"})
	status, out := ts.do(t, http.MethodPost, "/api/v1/connected", body, true)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "connected", out.Data["action"])
	assert.Equal(t, "H1", ts.ise.Attributes("alice").Hostname)
}

func TestConnectedDuplicateIsConflict(t *testing.T) {
	ts := newTestServer(t)
	ts.gw.SetSessions(testutil.Session("bob", "H1", "Windows", "1.1.1.1"))
	ts.ise.AddConnected("bob", "H1", "Windows", "1.1.1.1")

	body := eventBody("bob", models.SessionAttributes{Hostname: "H2", OS: "Mac", SourceIP: "5.5.5.5", Version: "6.1.0"})
	status, out := ts.do(t, http.MethodPost, "/api/v1/connected", body, true)
	require.Equal(t, http.StatusConflict, status)
	assert.False(t, out.Success)
	assert.Equal(t, "conflict", out.Data["decision"])
	assert.Empty(t, ts.ise.Puts())
}

func TestConnectedUnknownUserIsSkipped(t *testing.T) {
	ts := newTestServer(t)
	ts.ise.AddUser("alice", nil)

	status, out := ts.do(t, http.MethodPost, "/api/v1/connected", `{"InternalUser":{"name":"mallory"}}`, true)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, out.Success)
	assert.Equal(t, "skipped", out.Data["action"])
}

func TestConnectedUnreachableGateway(t *testing.T) {
	ts := newTestServer(t)
	ts.ise.AddConnected("bob", "H1", "Windows", "1.1.1.1")
	ts.gw.FailList(testutil.Unreachable("gateway.list_sessions", "fw-a"))

	body := eventBody("bob", models.SessionAttributes{Hostname: "H2", Version: "6.1.0"})
	status, out := ts.do(t, http.MethodPost, "/api/v1/connected", body, true)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.False(t, out.Success)
}

func TestConnectedBadBodies(t *testing.T) {
	ts := newTestServer(t)

	for _, body := range []string{
		`not json`,
		`{"InternalUser":{"name":"  "}}`,
		`{"InternalUser":{"name":"<script>alert(1)</script>"}}`,
	} {
		status, _ := ts.do(t, http.MethodPost, "/api/v1/connected", body, true)
		assert.Equal(t, http.StatusBadRequest, status, body)
	}
}

func TestDisconnectedWithoutAttributes(t *testing.T) {
	ts := newTestServer(t)
	ts.ise.AddConnected("bob", "H1", "Windows", "1.1.1.1")

	status, out := ts.do(t, http.MethodPost, "/api/v1/disconnected", `{"InternalUser":{"name":"bob"}}`, true)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "disconnected", out.Data["action"])
	assert.Equal(t, models.NotConnected, ts.ise.Attributes("bob").Version)
}

func TestSyncEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.gw.SetSessions(testutil.Session("alice", "H1", "Windows", "1.1.1.1"))
	ts.ise.AddUser("alice", nil)

	status, out := ts.do(t, http.MethodPost, "/api/v1/sync?initial=true", "", true)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, out.Data["connected"])

	status, _ = ts.do(t, http.MethodPost, "/api/v1/sync?initial=maybe", "", true)
	assert.Equal(t, http.StatusBadRequest, status)

	status, out = ts.do(t, http.MethodPost, "/api/v1/sync/alice", "", true)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "none", out.Data["action"])

	status, out = ts.do(t, http.MethodGet, "/api/v1/stats", "", true)
	require.Equal(t, http.StatusOK, status)
	assert.NotNil(t, out.Data["last_sync"])
}

func TestSyncErrorsMapToStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.gw.SetSessions(testutil.Session("alice", "H1", "Windows", "1.1.1.1"))
	ts.ise.FailList(&models.RemoteError{Op: "identity.list_users", Endpoint: "ise-a", Kind: models.ErrMalformedPayload})

	status, _ := ts.do(t, http.MethodPost, "/api/v1/sync", "", true)
	assert.Equal(t, http.StatusBadGateway, status)

	ts.ise.FailList(nil)
	ts.gw.FailList(testutil.Unreachable("gateway.list_sessions", "fw-a"))
	status, _ = ts.do(t, http.MethodPost, "/api/v1/sync?initial=true", "", true)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t)
	status, _ := ts.do(t, http.MethodGet, "/nope", "", false)
	assert.Equal(t, http.StatusNotFound, status)
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gp-session-sync/internal/models"
	"gp-session-sync/internal/repository"
	"gp-session-sync/internal/testutil"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newSessionCache(gw *testutil.FakeGateway, store repository.BlobStore) (*SessionCache, *testutil.FakeClock) {
	clock := testutil.NewFakeClock(epoch)
	return NewSessionCache(gw, testutil.StaticEndpoint("fw-a"), store, 30*time.Second, clock, zap.NewNop()), clock
}

func TestSessionCacheRespectsTTL(t *testing.T) {
	gw := testutil.NewFakeGateway()
	gw.SetSessions(testutil.Session("alice", "H1", "Windows", "1.1.1.1"))
	c, clock := newSessionCache(gw, testutil.NewMemoryStore())
	ctx := context.Background()

	_, err := c.GetConnectedSessions(ctx, false)
	require.NoError(t, err)
	clock.Advance(10 * time.Second)
	_, err = c.GetConnectedSessions(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, gw.ListCalls())

	_, err = c.GetConnectedSessions(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, gw.ListCalls())

	clock.Advance(31 * time.Second)
	_, err = c.GetConnectedSessions(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 3, gw.ListCalls())
}

func TestSessionCacheGroupsCaseInsensitively(t *testing.T) {
	gw := testutil.NewFakeGateway()
	gw.SetSessions(
		testutil.Session("Alice", "H1", "Windows", "1.1.1.1"),
		testutil.Session(" alice ", "H2", "Mac", "2.2.2.2"),
		testutil.Session("bob", "B1", "Linux", "3.3.3.3"),
	)
	c, _ := newSessionCache(gw, nil)

	sessions, err := c.GetConnectedSessions(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Len(t, sessions["alice"], 2)
	assert.Equal(t, "H1", sessions["alice"][0].Hostname)
	assert.Equal(t, "H2", sessions["alice"][1].Hostname)
}

func TestSessionCacheFailedFetchKeepsPreviousTable(t *testing.T) {
	gw := testutil.NewFakeGateway()
	gw.SetSessions(testutil.Session("alice", "H1", "Windows", "1.1.1.1"))
	c, _ := newSessionCache(gw, nil)
	ctx := context.Background()

	_, err := c.GetConnectedSessions(ctx, false)
	require.NoError(t, err)

	gw.FailList(testutil.Unreachable("gateway.list_sessions", "fw-a"))
	_, err = c.GetConnectedSessions(ctx, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSourceUnreachable)

	gw.FailList(nil)
	gw.SetSessions()
	c.ttl = time.Hour
	// Nothing was replaced by the failed refresh, so the cached table is still alice.
	sessions, err := c.GetConnectedSessions(ctx, false)
	require.NoError(t, err)
	assert.Contains(t, sessions, "alice")
}

func TestSessionCacheMalformedFetchIsUnreachable(t *testing.T) {
	gw := testutil.NewFakeGateway()
	gw.FailList(&models.RemoteError{Op: "gateway.list_sessions", Kind: models.ErrMalformedPayload})
	c, _ := newSessionCache(gw, nil)

	_, err := c.GetConnectedSessions(context.Background(), true)
	assert.ErrorIs(t, err, models.ErrSourceUnreachable)
	assert.ErrorIs(t, err, models.ErrMalformedPayload)
}

func TestSessionCacheReturnsCopies(t *testing.T) {
	gw := testutil.NewFakeGateway()
	gw.SetSessions(testutil.Session("alice", "H1", "Windows", "1.1.1.1"))
	c, _ := newSessionCache(gw, nil)

	first, err := c.GetConnectedSessions(context.Background(), false)
	require.NoError(t, err)
	delete(first, "alice")

	second, err := c.GetConnectedSessions(context.Background(), false)
	require.NoError(t, err)
	assert.Contains(t, second, "alice")
}

func TestSessionCachePersistsAndRestores(t *testing.T) {
	gw := testutil.NewFakeGateway()
	gw.SetSessions(testutil.Session("alice", "H1", "Windows", "1.1.1.1"))
	store := testutil.NewMemoryStore()
	c, clock := newSessionCache(gw, store)
	ctx := context.Background()

	_, err := c.GetConnectedSessions(ctx, false)
	require.NoError(t, err)
	c.SetResolutions(ctx, map[string]models.ActiveEndpoint{"fw-a|fw-b": {Address: "fw-b", VerifiedAt: epoch}})
	assert.Equal(t, 2, store.Saves(repository.BlobGatewayState))

	restored := NewSessionCache(gw, testutil.StaticEndpoint("fw-a"), store, 30*time.Second, clock, zap.NewNop())
	resolutions, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fw-b", resolutions["fw-a|fw-b"].Address)

	sessions, err := restored.GetConnectedSessions(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "H1", sessions["alice"][0].Hostname)
	assert.Equal(t, 1, gw.ListCalls(), "restored table is fresh within its TTL")
	assert.Equal(t, 1, restored.Stats().Users)
}

func TestSessionCacheCorruptBlob(t *testing.T) {
	store := testutil.NewMemoryStore()
	store.Put(repository.BlobGatewayState, []byte("{not json"))
	c, _ := newSessionCache(testutil.NewFakeGateway(), store)

	_, err := c.Restore(context.Background())
	assert.ErrorIs(t, err, models.ErrCacheCorrupt)
	assert.False(t, store.Has(repository.BlobGatewayState))
	assert.Equal(t, 0, c.Stats().Users)
}

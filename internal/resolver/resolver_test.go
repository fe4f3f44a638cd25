package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gp-session-sync/internal/models"
	"gp-session-sync/internal/testutil"
)

var pair = Peers{Primary: "fw-a", Secondary: "fw-b"}

func newTestResolver() (*Resolver, *testutil.FakeClock) {
	clock := testutil.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(DefaultTTL, clock, zap.NewNop()), clock
}

func haActive() models.HAState  { return models.HAState{Enabled: true, LocalState: "active", PeerState: "passive"} }
func haPassive() models.HAState { return models.HAState{Enabled: true, LocalState: "passive", PeerState: "active"} }

func TestResolvePrimaryActive(t *testing.T) {
	r, _ := newTestResolver()
	gw := testutil.NewFakeGateway()
	gw.SetHA("fw-a", haActive())

	addr, err := r.Resolve(context.Background(), pair, gw.Probe)
	require.NoError(t, err)
	assert.Equal(t, "fw-a", addr)
	assert.Equal(t, 0, gw.ProbeCalls("fw-b"))
}

func TestResolvePrimaryReportsPeerActive(t *testing.T) {
	r, _ := newTestResolver()
	gw := testutil.NewFakeGateway()
	gw.SetHA("fw-a", haPassive())

	addr, err := r.Resolve(context.Background(), pair, gw.Probe)
	require.NoError(t, err)
	assert.Equal(t, "fw-b", addr)
}

func TestResolveFailsOverAndCachesWithinWindow(t *testing.T) {
	r, clock := newTestResolver()
	gw := testutil.NewFakeGateway()
	gw.Down("fw-a")
	gw.SetHA("fw-b", haActive())

	addr, err := r.Resolve(context.Background(), pair, gw.Probe)
	require.NoError(t, err)
	assert.Equal(t, "fw-b", addr)

	clock.Advance(59 * time.Second)
	addr, err = r.Resolve(context.Background(), pair, gw.Probe)
	require.NoError(t, err)
	assert.Equal(t, "fw-b", addr)
	assert.Equal(t, 1, gw.ProbeCalls("fw-a"))
	assert.Equal(t, 1, gw.ProbeCalls("fw-b"))

	clock.Advance(2 * time.Second)
	_, err = r.Resolve(context.Background(), pair, gw.Probe)
	require.NoError(t, err)
	assert.Equal(t, 2, gw.ProbeCalls("fw-a"))
}

func TestResolveBothUnreachable(t *testing.T) {
	r, _ := newTestResolver()
	gw := testutil.NewFakeGateway()
	gw.Down("fw-a")
	gw.Down("fw-b")

	_, err := r.Resolve(context.Background(), pair, gw.Probe)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrNoActiveEndpoint)
	assert.ErrorIs(t, err, models.ErrSourceUnreachable)

	// Failures are not cached.
	gw.SetHA("fw-a", haActive())
	addr, err := r.Resolve(context.Background(), pair, gw.Probe)
	require.NoError(t, err)
	assert.Equal(t, "fw-a", addr)
}

func TestResolveAmbiguousState(t *testing.T) {
	r, _ := newTestResolver()
	gw := testutil.NewFakeGateway()
	unknown := models.HAState{Enabled: true, LocalState: "initial", PeerState: "initial"}
	gw.SetHA("fw-a", unknown)
	gw.SetHA("fw-b", unknown)

	_, err := r.Resolve(context.Background(), pair, gw.Probe)
	assert.ErrorIs(t, err, models.ErrNoActiveEndpoint)
	assert.NotErrorIs(t, err, models.ErrSourceUnreachable)
}

func TestResolveSecondaryPointsBackAtUnknownPrimary(t *testing.T) {
	r, _ := newTestResolver()
	gw := testutil.NewFakeGateway()
	gw.SetHA("fw-a", models.HAState{Enabled: true, LocalState: "suspended"})
	gw.SetHA("fw-b", haPassive())

	addr, err := r.Resolve(context.Background(), pair, gw.Probe)
	require.NoError(t, err)
	assert.Equal(t, "fw-a", addr)
}

func TestResolveDownPrimaryAndPassiveSecondaryFails(t *testing.T) {
	r, _ := newTestResolver()
	gw := testutil.NewFakeGateway()
	gw.Down("fw-a")
	gw.SetHA("fw-b", haPassive())

	_, err := r.Resolve(context.Background(), pair, gw.Probe)
	assert.ErrorIs(t, err, models.ErrNoActiveEndpoint)
}

func TestResolveStandaloneSkipsProbe(t *testing.T) {
	r, _ := newTestResolver()
	gw := testutil.NewFakeGateway()

	addr, err := r.Resolve(context.Background(), Peers{Primary: "fw-a"}, gw.Probe)
	require.NoError(t, err)
	assert.Equal(t, "fw-a", addr)
	assert.Equal(t, 0, gw.ProbeCalls("fw-a"))
}

func TestHADisabledCountsAsActive(t *testing.T) {
	r, _ := newTestResolver()
	gw := testutil.NewFakeGateway()
	gw.SetHA("fw-a", models.HAState{Enabled: false})

	addr, err := r.Resolve(context.Background(), pair, gw.Probe)
	require.NoError(t, err)
	assert.Equal(t, "fw-a", addr)
}

func TestSnapshotRestoreAndOnChange(t *testing.T) {
	r, clock := newTestResolver()
	gw := testutil.NewFakeGateway()
	gw.SetHA("fw-a", haPassive())

	var seen map[string]models.ActiveEndpoint
	r.OnChange(func(s map[string]models.ActiveEndpoint) { seen = s })

	target := r.Bind(pair, gw.Probe)
	addr, err := target.ActiveEndpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fw-b", addr)
	require.Len(t, seen, 1)

	restored := New(DefaultTTL, clock, zap.NewNop())
	restored.Restore(r.Snapshot())
	addr, err = restored.Resolve(context.Background(), pair, gw.Probe)
	require.NoError(t, err)
	assert.Equal(t, "fw-b", addr)
	assert.Equal(t, 1, gw.ProbeCalls("fw-a"))

	restored.Invalidate(pair)
	_, err = restored.Resolve(context.Background(), pair, gw.Probe)
	require.NoError(t, err)
	assert.Equal(t, 2, gw.ProbeCalls("fw-a"))
}

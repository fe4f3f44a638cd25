package testutil

import (
	"context"
	"net/http"
	"sync"
	"time"

	"gp-session-sync/internal/models"
)

// FakeGateway is an in-memory gateway. The zero value reports no sessions and, for every
// endpoint, HA disabled.
type FakeGateway struct {
	mu         sync.Mutex
	sessions   []models.ConnectedSession
	listErr    error
	listCalls  int
	ha         map[string]models.HAState
	haErr      map[string]error
	probeCalls map[string]int

	listGate    chan struct{}
	listEntered chan struct{}
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		ha:         make(map[string]models.HAState),
		haErr:      make(map[string]error),
		probeCalls: make(map[string]int),
	}
}

// Session builds a gateway session.
func Session(username, hostname, os, ip string) models.ConnectedSession {
	return models.ConnectedSession{
		Username: username,
		Hostname: hostname,
		OS:       os,
		SourceIP: ip,
		Region:   "US",
		Raw: map[string]string{
			"username":  username,
			"computer":  hostname,
			"client":    os,
			"client-ip": ip,
		},
		ObservedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// SetSessions replaces the live session table.
func (g *FakeGateway) SetSessions(sessions ...models.ConnectedSession) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions = append([]models.ConnectedSession(nil), sessions...)
}

// FailList makes ListConnectedSessions fail as unreachable until cleared with nil.
func (g *FakeGateway) FailList(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listErr = err
}

func (g *FakeGateway) SetHA(endpoint string, state models.HAState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ha[endpoint] = state
	delete(g.haErr, endpoint)
}

// Down makes every call against endpoint fail as unreachable.
func (g *FakeGateway) Down(endpoint string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.haErr[endpoint] = Unreachable("gateway.ha_state", endpoint)
}

func (g *FakeGateway) ListCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.listCalls
}

func (g *FakeGateway) ProbeCalls(endpoint string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.probeCalls[endpoint]
}

// HoldList makes every ListConnectedSessions call block until release is called. Each
// blocked call is announced on entered.
func (g *FakeGateway) HoldList() (entered <-chan struct{}, release func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listGate = make(chan struct{})
	g.listEntered = make(chan struct{}, 16)
	gate := g.listGate
	var once sync.Once
	return g.listEntered, func() { once.Do(func() { close(gate) }) }
}

// ListConnectedSessions fails with ctx's error when ctx is done once a held call is released.
func (g *FakeGateway) ListConnectedSessions(ctx context.Context, _ string) ([]models.ConnectedSession, error) {
	g.mu.Lock()
	g.listCalls++
	gate, entered := g.listGate, g.listEntered
	g.mu.Unlock()

	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listErr != nil {
		return nil, g.listErr
	}
	return append([]models.ConnectedSession(nil), g.sessions...), nil
}

func (g *FakeGateway) ProbeHAState(_ context.Context, endpoint string) (models.HAState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.probeCalls[endpoint]++
	if err := g.haErr[endpoint]; err != nil {
		return models.HAState{}, err
	}
	return g.ha[endpoint], nil
}

// Probe classifies endpoint the way the real gateway client does.
func (g *FakeGateway) Probe(ctx context.Context, endpoint string) (models.HARole, error) {
	state, err := g.ProbeHAState(ctx, endpoint)
	if err != nil {
		return models.HARoleUnknown, err
	}
	return state.Role(), nil
}

// Unreachable returns the error a client reports after exhausting its retries.
func Unreachable(op, endpoint string) error {
	return &models.RemoteError{Op: op, Endpoint: endpoint, StatusCode: http.StatusServiceUnavailable, Kind: models.ErrSourceUnreachable}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"gp-session-sync/internal/cache"
	"gp-session-sync/internal/models"
	"gp-session-sync/internal/util"
)

// Action is what a reconciliation step did to one identity record.
type Action string

const (
	ActionNone         Action = "none"
	ActionConnected    Action = "connected"
	ActionDisconnected Action = "disconnected"
	ActionRepaired     Action = "repaired"
	ActionSkipped      Action = "skipped"
)

// SyncResult summarises one full reconciliation pass.
type SyncResult struct {
	ID      string `json:"id"`
	Initial bool   `json:"initial"`
	// Sessions is the gateway session table the pass worked from.
	Sessions     map[string][]models.ConnectedSession `json:"-"`
	Users        int                                  `json:"users"`
	Connected    int                                  `json:"connected"`
	Disconnected int                                  `json:"disconnected"`
	Repaired     int                                  `json:"repaired"`
	Skipped      int                                  `json:"skipped"`
	Failed       int                                  `json:"failed"`
	StartedAt    time.Time                            `json:"started_at"`
	Duration     time.Duration                        `json:"duration"`
}

type counters struct {
	connected, disconnected, repaired, skipped, failed atomic.Int64
}

func (c *counters) record(action Action, err error) {
	if err != nil {
		c.failed.Add(1)
		return
	}
	switch action {
	case ActionConnected:
		c.connected.Add(1)
	case ActionDisconnected:
		c.disconnected.Add(1)
	case ActionRepaired:
		c.repaired.Add(1)
	case ActionSkipped:
		c.skipped.Add(1)
	}
}

// Reconciler converges identity-store session attributes onto the gateway's session table.
type Reconciler struct {
	sessions       *cache.SessionCache
	identities     *cache.IdentityCache
	gatewayTarget  cache.EndpointSource
	identityTarget cache.EndpointSource
	concurrency    int
	clock          util.Clock
	logger         *zap.Logger

	group  singleflight.Group
	passMu sync.Mutex

	// lifetime bounds detached passes; Close cancels it.
	lifetime context.Context
	stop     context.CancelFunc
	running  sync.WaitGroup

	lastMu sync.RWMutex
	last   *SyncResult
}

func NewReconciler(
	sessions *cache.SessionCache,
	identities *cache.IdentityCache,
	gatewayTarget, identityTarget cache.EndpointSource,
	concurrency int,
	clock util.Clock,
	logger *zap.Logger,
) *Reconciler {
	if concurrency < 1 {
		concurrency = 1
	}
	if clock == nil {
		clock = util.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	lifetime, stop := context.WithCancel(context.Background())
	return &Reconciler{
		lifetime:       lifetime,
		stop:           stop,
		sessions:       sessions,
		identities:     identities,
		gatewayTarget:  gatewayTarget,
		identityTarget: identityTarget,
		concurrency:    concurrency,
		clock:          clock,
		logger:         logger,
	}
}

// Sync runs one full reconciliation pass. Concurrent callers share the in-flight pass, and
// passes never overlap. The pass runs on the reconciler's own context: a caller that gives up
// gets ctx's error while the pass runs on for the others. Per-user write failures are counted and logged; only
// failures that prevent reading the session table or the user list abort the pass.
func (r *Reconciler) Sync(ctx context.Context, initial bool) (*SyncResult, error) {
	key := "full-sync"
	if initial {
		key = "full-sync:initial"
	}
	ch := r.group.DoChan(key, func() (interface{}, error) {
		r.running.Add(1)
		defer r.running.Done()

		r.passMu.Lock()
		defer r.passMu.Unlock()
		return r.sync(r.lifetime, initial)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			r.logger.Debug("Joined in-flight sync pass", zap.Bool("initial", initial))
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*SyncResult), nil
	}
}

// Close cancels any pass still running and waits for it to return.
func (r *Reconciler) Close() {
	r.stop()
	r.running.Wait()
}

func (r *Reconciler) sync(ctx context.Context, initial bool) (*SyncResult, error) {
	result := &SyncResult{ID: uuid.NewString(), Initial: initial, StartedAt: r.clock.Now()}
	logger := r.logger.With(zap.String("pass_id", result.ID), zap.Bool("initial", initial))

	gateway, err := r.gatewayTarget.ActiveEndpoint(ctx)
	if err != nil {
		logger.Error("Sync aborted: no active gateway", zap.Error(err))
		return nil, fmt.Errorf("resolve gateway: %w", err)
	}
	identity, err := r.identityTarget.ActiveEndpoint(ctx)
	if err != nil {
		logger.Error("Sync aborted: no active identity node", zap.Error(err))
		return nil, fmt.Errorf("resolve identity store: %w", err)
	}

	live, err := r.sessions.GetConnectedSessions(ctx, initial)
	if err != nil {
		logger.Error("Sync aborted: session table unavailable", zap.Error(err))
		return nil, err
	}
	users, err := r.identities.GetAllUsers(ctx, false)
	if err != nil {
		logger.Error("Sync aborted: identity user list unavailable", zap.Error(err))
		return nil, err
	}
	if initial {
		r.enrich(ctx, users, live, logger)
	}
	believed := r.identities.ConnectedUsers()

	var (
		tally counters
		g     errgroup.Group
	)
	g.SetLimit(r.concurrency)

	for key, list := range live {
		key, list := key, list
		g.Go(func() error {
			var (
				action Action
				err    error
			)
			if _, ok := believed[key]; ok && !initial {
				action, err = r.repair(ctx, key, list)
			} else {
				action, err = r.connect(ctx, key, list, initial)
			}
			tally.record(action, err)
			if err != nil {
				logger.Error("Failed to reconcile connected user", util.Username(key), zap.Error(err))
			}
			return nil
		})
	}

	for key, rec := range believed {
		if _, ok := live[key]; ok {
			continue
		}
		key, rec := key, rec
		g.Go(func() error {
			action, err := r.disconnect(ctx, key, rec)
			tally.record(action, err)
			if err != nil {
				logger.Error("Failed to reconcile disconnected user", util.Username(key), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Sessions = live
	result.Users = len(live)
	result.Connected = int(tally.connected.Load())
	result.Disconnected = int(tally.disconnected.Load())
	result.Repaired = int(tally.repaired.Load())
	result.Skipped = int(tally.skipped.Load())
	result.Failed = int(tally.failed.Load())
	result.Duration = r.clock.Now().Sub(result.StartedAt)

	r.lastMu.Lock()
	r.last = result
	r.lastMu.Unlock()

	logger.Info("Sync pass complete",
		util.Endpoint(gateway),
		zap.String("identity_endpoint", identity),
		zap.Int("users", result.Users),
		zap.Int("connected", result.Connected),
		zap.Int("disconnected", result.Disconnected),
		zap.Int("repaired", result.Repaired),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// enrich point-fetches every listed record whose attributes were never read, so a cold cache
// learns which users the identity store already marks connected. Users in the session table
// are skipped; the connect step re-reads them anyway.
func (r *Reconciler) enrich(ctx context.Context, users map[string]models.IdentityRecord, live map[string][]models.ConnectedSession, logger *zap.Logger) {
	var (
		g      errgroup.Group
		failed atomic.Int64
	)
	g.SetLimit(r.concurrency)
	for key, rec := range users {
		if _, ok := live[key]; ok || !rec.FetchedAt.IsZero() {
			continue
		}
		key := key
		g.Go(func() error {
			if _, err := r.identities.GetUser(ctx, key); err != nil && !errors.Is(err, models.ErrUserNotFound) {
				failed.Add(1)
				logger.Warn("Failed to read identity record", util.Username(key), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	if n := failed.Load(); n > 0 {
		logger.Warn("Some identity records could not be read", zap.Int64("failed", n))
	}
}

// SyncUser reconciles one user against a forced refresh of the session table.
func (r *Reconciler) SyncUser(ctx context.Context, username string) (Action, error) {
	key := models.NormalizeUsername(username)
	live, err := r.sessions.GetConnectedSessions(ctx, true)
	if err != nil {
		return ActionNone, err
	}

	if list, ok := live[key]; ok {
		return r.connect(ctx, key, list, true)
	}

	rec, err := r.identities.GetUser(ctx, key)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			return ActionSkipped, nil
		}
		return ActionNone, err
	}
	if !rec.Connected() {
		return ActionNone, nil
	}
	return r.disconnect(ctx, key, rec)
}

// LastSync returns the most recent completed pass, or nil.
func (r *Reconciler) LastSync() *SyncResult {
	r.lastMu.RLock()
	defer r.lastMu.RUnlock()
	return r.last
}

// connect fetches the user's record and marks it connected with the unknown-version marker.
// A record that already carries the connected marker only gets its drift repaired. With
// refetch set the cached record is re-read from the identity store first.
func (r *Reconciler) connect(ctx context.Context, key string, list []models.ConnectedSession, refetch bool) (Action, error) {
	if refetch {
		r.identities.Invalidate(key)
	}
	rec, err := r.identities.GetUser(ctx, key)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			r.logger.Warn("Connected user has no identity record", util.Username(key))
			return ActionSkipped, nil
		}
		return ActionNone, err
	}

	if rec.Connected() {
		return r.repairRecord(ctx, key, rec, list)
	}

	session := chooseSession(rec, list)
	if err := r.identities.UpdateAttributes(ctx, rec.Name, session.Attributes(models.VersionUnknown)); err != nil {
		return ActionNone, err
	}
	return ActionConnected, nil
}

func (r *Reconciler) repair(ctx context.Context, key string, list []models.ConnectedSession) (Action, error) {
	rec, err := r.identities.GetUser(ctx, key)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			return ActionSkipped, nil
		}
		return ActionNone, err
	}
	if !rec.Connected() {
		return r.connect(ctx, key, list, false)
	}
	return r.repairRecord(ctx, key, rec, list)
}

// repairRecord rewrites hostname, OS and source IP when they drifted from the live session,
// keeping the record's version marker.
func (r *Reconciler) repairRecord(ctx context.Context, key string, rec models.IdentityRecord, list []models.ConnectedSession) (Action, error) {
	stored := rec.Attributes()
	session := chooseSession(rec, list)
	current := session.Attributes(stored.Version)
	if current.SameEndpoint(stored) {
		return ActionNone, nil
	}

	r.logger.Info("Session attributes drifted",
		util.Username(key),
		zap.String("stored_hostname", stored.Hostname),
		zap.String("live_hostname", current.Hostname))
	if err := r.identities.UpdateAttributes(ctx, rec.Name, current); err != nil {
		return ActionNone, err
	}
	return ActionRepaired, nil
}

func (r *Reconciler) disconnect(ctx context.Context, key string, rec models.IdentityRecord) (Action, error) {
	if err := r.identities.UpdateAttributes(ctx, rec.Name, models.DisconnectedAttributes()); err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			return ActionSkipped, nil
		}
		return ActionNone, err
	}
	r.logger.Info("User no longer connected", util.Username(key))
	return ActionDisconnected, nil
}

// chooseSession prefers the live session matching the record's stored endpoint so a user
// with several sessions does not flap between them.
func chooseSession(rec models.IdentityRecord, list []models.ConnectedSession) models.ConnectedSession {
	stored := rec.Attributes()
	for _, s := range list {
		if s.Attributes("").SameEndpoint(stored) {
			return s
		}
	}
	return list[0]
}

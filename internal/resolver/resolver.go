package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"gp-session-sync/internal/models"
	"gp-session-sync/internal/util"
)

// DefaultTTL bounds how often a verified resolution is re-probed.
const DefaultTTL = 60 * time.Second

// Peers is an HA pair. An empty Secondary means the system is not clustered.
type Peers struct {
	Primary   string
	Secondary string
}

func (p Peers) key() string {
	return p.Primary + "|" + p.Secondary
}

// ProbeFunc asks endpoint which peer it considers active.
type ProbeFunc func(ctx context.Context, endpoint string) (models.HARole, error)

// Resolver picks the authoritative peer of an HA pair. Successful resolutions are cached per
// pair for the TTL; failures are never cached.
type Resolver struct {
	ttl    time.Duration
	clock  util.Clock
	logger *zap.Logger

	mu       sync.Mutex
	cache    map[string]models.ActiveEndpoint
	onChange func(map[string]models.ActiveEndpoint)
}

func New(ttl time.Duration, clock util.Clock, logger *zap.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = util.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		ttl:    ttl,
		clock:  clock,
		logger: logger,
		cache:  make(map[string]models.ActiveEndpoint),
	}
}

// OnChange registers fn to receive a snapshot whenever a new resolution is cached.
func (r *Resolver) OnChange(fn func(map[string]models.ActiveEndpoint)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Resolve returns the address of the active peer.
func (r *Resolver) Resolve(ctx context.Context, peers Peers, probe ProbeFunc) (string, error) {
	if peers.Secondary == "" {
		return peers.Primary, nil
	}

	now := r.clock.Now()
	r.mu.Lock()
	cached, ok := r.cache[peers.key()]
	r.mu.Unlock()
	if ok && now.Sub(cached.VerifiedAt) < r.ttl {
		return cached.Address, nil
	}

	address, err := r.probePair(ctx, peers, probe)
	if err != nil {
		r.logger.Warn("Active endpoint resolution failed",
			zap.String("primary", peers.Primary),
			zap.String("secondary", peers.Secondary),
			zap.Error(err))
		return "", err
	}

	r.mu.Lock()
	r.cache[peers.key()] = models.ActiveEndpoint{Address: address, VerifiedAt: now}
	snapshot := r.snapshotLocked()
	onChange := r.onChange
	r.mu.Unlock()

	if !ok || cached.Address != address {
		r.logger.Info("Active endpoint resolved",
			zap.String("primary", peers.Primary),
			zap.String("secondary", peers.Secondary),
			util.Endpoint(address))
	}
	if onChange != nil {
		onChange(snapshot)
	}
	return address, nil
}

func (r *Resolver) probePair(ctx context.Context, peers Peers, probe ProbeFunc) (string, error) {
	role, primaryErr := probe(ctx, peers.Primary)
	if primaryErr == nil {
		switch role {
		case models.HARoleSelfActive:
			return peers.Primary, nil
		case models.HARolePeerActive:
			return peers.Secondary, nil
		}
	}

	role, secondaryErr := probe(ctx, peers.Secondary)
	if secondaryErr == nil {
		switch role {
		case models.HARoleSelfActive:
			return peers.Secondary, nil
		case models.HARolePeerActive:
			// The secondary points back at a primary that answered but could not say.
			if primaryErr == nil {
				return peers.Primary, nil
			}
		}
	}

	if primaryErr != nil && secondaryErr != nil {
		return "", fmt.Errorf("%w: both peers failed: %w", models.ErrNoActiveEndpoint,
			errors.Join(models.ErrSourceUnreachable, primaryErr, secondaryErr))
	}
	return "", fmt.Errorf("%w: ambiguous HA state between %s and %s", models.ErrNoActiveEndpoint, peers.Primary, peers.Secondary)
}

// Invalidate forgets the cached resolution for peers, forcing the next call to probe.
func (r *Resolver) Invalidate(peers Peers) {
	r.mu.Lock()
	delete(r.cache, peers.key())
	r.mu.Unlock()
}

// Snapshot returns a copy of the cached resolutions keyed by pair.
func (r *Resolver) Snapshot() map[string]models.ActiveEndpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Resolver) snapshotLocked() map[string]models.ActiveEndpoint {
	out := make(map[string]models.ActiveEndpoint, len(r.cache))
	for k, v := range r.cache {
		out[k] = v
	}
	return out
}

// Restore seeds the cache from persisted state. Entries keep their original verification
// time, so stale ones expire normally.
func (r *Resolver) Restore(state map[string]models.ActiveEndpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range state {
		r.cache[k] = v
	}
}

// Target binds an HA pair to its probe.
type Target struct {
	resolver *Resolver
	peers    Peers
	probe    ProbeFunc
}

func (r *Resolver) Bind(peers Peers, probe ProbeFunc) *Target {
	return &Target{resolver: r, peers: peers, probe: probe}
}

// ActiveEndpoint resolves the pair.
func (t *Target) ActiveEndpoint(ctx context.Context) (string, error) {
	return t.resolver.Resolve(ctx, t.peers, t.probe)
}

func (t *Target) Peers() Peers {
	return t.peers
}

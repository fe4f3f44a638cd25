package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"gp-session-sync/internal/models"
	"gp-session-sync/internal/repository"
	"gp-session-sync/internal/util"
)

// SessionSource lists the gateway's live sessions.
type SessionSource interface {
	ListConnectedSessions(ctx context.Context, endpoint string) ([]models.ConnectedSession, error)
}

type gatewayState struct {
	Sessions    map[string][]models.ConnectedSession `json:"sessions"`
	RefreshedAt time.Time                             `json:"refreshed_at"`
	Resolutions map[string]models.ActiveEndpoint      `json:"resolutions,omitempty"`
}

// SessionCache mirrors the gateway's connected-session table. The whole table is fetched in
// one call and replaced wholesale; a failed fetch leaves the previous table in place.
type SessionCache struct {
	source SessionSource
	target EndpointSource
	store  repository.BlobStore
	ttl    time.Duration
	clock  util.Clock
	logger *zap.Logger

	group singleflight.Group

	mu          sync.RWMutex
	sessions    map[string][]models.ConnectedSession
	refreshedAt time.Time
	resolutions map[string]models.ActiveEndpoint

	persistMu sync.Mutex
}

func NewSessionCache(source SessionSource, target EndpointSource, store repository.BlobStore, ttl time.Duration, clock util.Clock, logger *zap.Logger) *SessionCache {
	if clock == nil {
		clock = util.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionCache{
		source:   source,
		target:   target,
		store:    store,
		ttl:      ttl,
		clock:    clock,
		logger:   logger,
		sessions: make(map[string][]models.ConnectedSession),
	}
}

// GetConnectedSessions returns the session table keyed by canonical username. The cached
// table is returned while it is younger than the TTL unless forceRefresh is set.
func (c *SessionCache) GetConnectedSessions(ctx context.Context, forceRefresh bool) (map[string][]models.ConnectedSession, error) {
	if !forceRefresh {
		c.mu.RLock()
		fresh := !c.refreshedAt.IsZero() && c.clock.Now().Sub(c.refreshedAt) < c.ttl
		var out map[string][]models.ConnectedSession
		if fresh {
			out = copySessions(c.sessions)
		}
		c.mu.RUnlock()
		if fresh {
			return out, nil
		}
	}

	v, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return copySessions(v.(map[string][]models.ConnectedSession)), nil
}

func (c *SessionCache) refresh(ctx context.Context) (map[string][]models.ConnectedSession, error) {
	endpoint, err := c.target.ActiveEndpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve gateway: %w", err)
	}

	list, err := c.source.ListConnectedSessions(ctx, endpoint)
	if err != nil {
		c.logger.Error("Gateway session refresh failed, keeping previous table",
			util.Endpoint(endpoint), zap.Error(err))
		if errors.Is(err, models.ErrSourceUnreachable) {
			return nil, fmt.Errorf("refresh gateway sessions: %w", err)
		}
		return nil, fmt.Errorf("%w: refresh gateway sessions: %w", models.ErrSourceUnreachable, err)
	}

	grouped := models.GroupSessions(list)

	c.mu.Lock()
	c.sessions = grouped
	c.refreshedAt = c.clock.Now()
	c.mu.Unlock()

	c.logger.Info("Gateway sessions refreshed",
		util.Endpoint(endpoint),
		zap.Int("users", len(grouped)),
		zap.Int("sessions", len(list)))

	c.persist(ctx)
	return grouped, nil
}

// SetResolutions records HA resolutions so they survive a restart, and persists them.
func (c *SessionCache) SetResolutions(ctx context.Context, resolutions map[string]models.ActiveEndpoint) {
	c.mu.Lock()
	c.resolutions = resolutions
	c.mu.Unlock()
	c.persist(ctx)
}

// Restore loads the persisted table and returns the persisted HA resolutions. A corrupt
// blob is discarded, the cache starts empty and the models.ErrCacheCorrupt error is returned.
func (c *SessionCache) Restore(ctx context.Context) (map[string]models.ActiveEndpoint, error) {
	var state gatewayState
	if err := loadBlob(ctx, c.store, repository.BlobGatewayState, &state, c.logger); err != nil {
		return nil, err
	}

	sessions := make(map[string][]models.ConnectedSession, len(state.Sessions))
	for key, list := range state.Sessions {
		if key = models.NormalizeUsername(key); key != "" {
			sessions[key] = append(sessions[key], list...)
		}
	}

	c.mu.Lock()
	c.sessions = sessions
	c.refreshedAt = state.RefreshedAt
	c.resolutions = state.Resolutions
	c.mu.Unlock()

	c.logger.Info("Gateway session cache restored",
		zap.Int("users", len(sessions)),
		zap.Time("refreshed_at", state.RefreshedAt))
	return state.Resolutions, nil
}

func (c *SessionCache) persist(ctx context.Context) {
	if c.store == nil {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.RLock()
	state := gatewayState{
		Sessions:    copySessions(c.sessions),
		RefreshedAt: c.refreshedAt,
		Resolutions: c.resolutions,
	}
	c.mu.RUnlock()

	if err := saveBlob(ctx, c.store, repository.BlobGatewayState, state); err != nil {
		c.logger.Error("Failed to persist gateway session cache", zap.Error(err))
	}
}

// SessionStats describes the cached table.
type SessionStats struct {
	Users       int       `json:"users"`
	Sessions    int       `json:"sessions"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

func (c *SessionCache) Stats() SessionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := SessionStats{Users: len(c.sessions), RefreshedAt: c.refreshedAt}
	for _, list := range c.sessions {
		stats.Sessions += len(list)
	}
	return stats
}

func copySessions(in map[string][]models.ConnectedSession) map[string][]models.ConnectedSession {
	out := make(map[string][]models.ConnectedSession, len(in))
	for k, v := range in {
		out[k] = append([]models.ConnectedSession(nil), v...)
	}
	return out
}

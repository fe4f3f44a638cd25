package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"gp-session-sync/internal/bucketing"
	"gp-session-sync/internal/models"
	"gp-session-sync/internal/repository"
	"gp-session-sync/internal/util"
)

// IdentitySource is the identity-store surface the cache reads and writes through.
type IdentitySource interface {
	ListUsers(ctx context.Context, endpoint, page string) ([]models.IdentityRecord, string, error)
	GetUser(ctx context.Context, endpoint, id string) (models.IdentityRecord, error)
	PutUser(ctx context.Context, endpoint string, rec models.IdentityRecord, attrs map[string]string) error
}

type IdentityOptions struct {
	// RecordTTL bounds how long a point-fetched record is served without re-fetching.
	RecordTTL time.Duration
	// ListTTL bounds how long the bulk listing is trusted.
	ListTTL time.Duration
	// MissTTL is how long a username that was not found after a reload keeps answering
	// not-found without reloading again. Zero reloads on every miss.
	MissTTL time.Duration
}

type identityState struct {
	Records  map[string]models.IdentityRecord `json:"records"`
	ListedAt time.Time                        `json:"listed_at"`
}

// IdentityCache is a read-through, write-back mirror of identity-store users keyed by
// canonical username. Writes to one username are serialised through a striped lock table.
type IdentityCache struct {
	source IdentitySource
	target EndpointSource
	store  repository.BlobStore
	opts   IdentityOptions
	locks  *bucketing.LockTable
	clock  util.Clock
	logger *zap.Logger

	group singleflight.Group

	mu       sync.RWMutex
	records  map[string]models.IdentityRecord
	listedAt time.Time
	misses   map[string]time.Time

	persistMu sync.Mutex
}

func NewIdentityCache(source IdentitySource, target EndpointSource, store repository.BlobStore, opts IdentityOptions, locks *bucketing.LockTable, clock util.Clock, logger *zap.Logger) *IdentityCache {
	if locks == nil {
		locks = bucketing.NewLockTable(64)
	}
	if clock == nil {
		clock = util.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityCache{
		source:  source,
		target:  target,
		store:   store,
		opts:    opts,
		locks:   locks,
		clock:   clock,
		logger:  logger,
		records: make(map[string]models.IdentityRecord),
		misses:  make(map[string]time.Time),
	}
}

// GetAllUsers returns every known user. The bulk listing is reloaded when forced, when it
// was never loaded, or when it is older than ListTTL.
func (c *IdentityCache) GetAllUsers(ctx context.Context, forceRefresh bool) (map[string]models.IdentityRecord, error) {
	if forceRefresh || c.listStale() {
		if err := c.loadAll(ctx); err != nil {
			return nil, err
		}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyRecords(c.records), nil
}

// GetUser returns the record for username. A record fetched within RecordTTL is served from
// cache; otherwise it is fetched, merged field by field into the cached copy and persisted.
// An unknown username reloads the listing unless it already missed within MissTTL.
func (c *IdentityCache) GetUser(ctx context.Context, username string) (models.IdentityRecord, error) {
	key := models.NormalizeUsername(username)

	rec, ok := c.Peek(key)
	if !ok && c.shouldReload(key) {
		if err := c.loadAll(ctx); err != nil {
			return models.IdentityRecord{}, err
		}
		rec, ok = c.Peek(key)
	}
	if !ok {
		c.recordMiss(key)
		return models.IdentityRecord{}, fmt.Errorf("%w: %s", models.ErrUserNotFound, username)
	}

	if c.fresh(rec) {
		return rec, nil
	}
	return c.fetch(ctx, key, rec)
}

func (c *IdentityCache) fresh(rec models.IdentityRecord) bool {
	return !rec.FetchedAt.IsZero() && c.clock.Now().Sub(rec.FetchedAt) < c.opts.RecordTTL
}

func (c *IdentityCache) shouldReload(key string) bool {
	if c.listStale() {
		return true
	}
	c.mu.RLock()
	missedAt, ok := c.misses[key]
	c.mu.RUnlock()
	return !ok || c.clock.Now().Sub(missedAt) >= c.opts.MissTTL
}

func (c *IdentityCache) recordMiss(key string) {
	c.mu.Lock()
	c.misses[key] = c.clock.Now()
	c.mu.Unlock()
}

// Peek returns the cached record without contacting the identity store.
func (c *IdentityCache) Peek(username string) (models.IdentityRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[models.NormalizeUsername(username)]
	if !ok {
		return models.IdentityRecord{}, false
	}
	return rec.Clone(), true
}

// ConnectedUsers returns the cached records that carry the connected marker.
func (c *IdentityCache) ConnectedUsers() map[string]models.IdentityRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]models.IdentityRecord)
	for key, rec := range c.records {
		if rec.Connected() {
			out[key] = rec.Clone()
		}
	}
	return out
}

// UpdateAttributes writes attrs to the identity store on top of the user's current custom
// attributes and, on success, merges them into the cache and persists. The read-merge-write
// is atomic per username.
func (c *IdentityCache) UpdateAttributes(ctx context.Context, username string, attrs models.SessionAttributes) error {
	key := models.NormalizeUsername(username)

	if _, ok := c.Peek(key); !ok {
		if _, err := c.GetUser(ctx, key); err != nil {
			return err
		}
	}

	unlock := c.locks.Lock(key)
	defer unlock()

	rec, ok := c.Peek(key)
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrUserNotFound, username)
	}

	endpoint, err := c.target.ActiveEndpoint(ctx)
	if err != nil {
		return fmt.Errorf("resolve identity store: %w", err)
	}

	rec.MergeAttributes(attrs.Custom())
	if err := c.source.PutUser(ctx, endpoint, rec, rec.CustomAttributes); err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			c.forget(ctx, key)
		}
		return fmt.Errorf("update %s: %w", rec.Name, err)
	}

	rec.FetchedAt = c.clock.Now()
	c.mu.Lock()
	c.records[key] = rec
	c.mu.Unlock()
	c.persist(ctx)

	c.logger.Info("Identity record updated",
		util.Username(key),
		util.Endpoint(endpoint),
		zap.String("hostname", attrs.Hostname),
		zap.String("version", attrs.Version))
	return nil
}

// Invalidate marks the cached record stale so the next GetUser re-fetches it.
func (c *IdentityCache) Invalidate(username string) {
	key := models.NormalizeUsername(username)
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[key]; ok {
		rec.FetchedAt = time.Time{}
		c.records[key] = rec
	}
}

// fetch holds the key's lock across the remote read so a write cannot land between the
// read and the merge.
func (c *IdentityCache) fetch(ctx context.Context, key string, cached models.IdentityRecord) (models.IdentityRecord, error) {
	unlock := c.locks.Lock(key)
	defer unlock()

	if current, ok := c.Peek(key); ok {
		if c.fresh(current) {
			return current, nil
		}
		cached = current
	}

	endpoint, err := c.target.ActiveEndpoint(ctx)
	if err != nil {
		return models.IdentityRecord{}, fmt.Errorf("resolve identity store: %w", err)
	}

	fetched, err := c.source.GetUser(ctx, endpoint, cached.ID)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			c.forget(ctx, key)
		}
		return models.IdentityRecord{}, err
	}

	rec := cached.Clone()
	if fetched.Name != "" {
		rec.Name = fetched.Name
	}
	rec.MergeAttributes(fetched.CustomAttributes)
	rec.FetchedAt = c.clock.Now()

	c.mu.Lock()
	c.records[key] = rec
	c.mu.Unlock()

	c.persist(ctx)
	return rec.Clone(), nil
}

func (c *IdentityCache) forget(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.records, key)
	c.mu.Unlock()
	c.persist(ctx)
	c.logger.Warn("Identity record no longer exists", util.Username(key))
}

func (c *IdentityCache) listStale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.listedAt.IsZero() || c.clock.Now().Sub(c.listedAt) >= c.opts.ListTTL
}

func (c *IdentityCache) loadAll(ctx context.Context) error {
	_, err, _ := c.group.Do("list", func() (interface{}, error) {
		return nil, c.doLoadAll(ctx)
	})
	return err
}

// doLoadAll follows page tokens until none remain. Nothing is replaced unless every page
// was fetched.
func (c *IdentityCache) doLoadAll(ctx context.Context) error {
	endpoint, err := c.target.ActiveEndpoint(ctx)
	if err != nil {
		return fmt.Errorf("resolve identity store: %w", err)
	}

	var (
		listed []models.IdentityRecord
		page   string
		seen   = make(map[string]bool)
	)
	for {
		records, next, err := c.source.ListUsers(ctx, endpoint, page)
		if err != nil {
			c.logger.Error("Identity user listing failed, keeping previous cache",
				util.Endpoint(endpoint), zap.Error(err))
			return fmt.Errorf("list identity users: %w", err)
		}
		listed = append(listed, records...)
		if next == "" {
			break
		}
		if seen[next] {
			return fmt.Errorf("%w: page token %q repeated", models.ErrMalformedPayload, next)
		}
		seen[next] = true
		page = next
	}

	c.mu.Lock()
	merged := make(map[string]models.IdentityRecord, len(listed))
	for _, rec := range listed {
		key := rec.Key()
		if key == "" {
			continue
		}
		if existing, ok := c.records[key]; ok && existing.ID == rec.ID {
			existing.Name = rec.Name
			merged[key] = existing
			continue
		}
		merged[key] = rec
	}
	c.records = merged
	c.listedAt = c.clock.Now()
	for key, missedAt := range c.misses {
		if _, ok := merged[key]; ok || c.listedAt.Sub(missedAt) >= c.opts.MissTTL {
			delete(c.misses, key)
		}
	}
	c.mu.Unlock()

	c.logger.Info("Identity users loaded",
		util.Endpoint(endpoint),
		zap.Int("users", len(merged)),
		zap.Int("pages", len(seen)+1))

	c.persist(ctx)
	return nil
}

// Restore loads persisted records. A corrupt blob is discarded, the cache starts empty and
// the models.ErrCacheCorrupt error is returned.
func (c *IdentityCache) Restore(ctx context.Context) error {
	var state identityState
	if err := loadBlob(ctx, c.store, repository.BlobIdentityRecords, &state, c.logger); err != nil {
		return err
	}

	records := make(map[string]models.IdentityRecord, len(state.Records))
	for _, rec := range state.Records {
		if key := rec.Key(); key != "" {
			records[key] = rec
		}
	}

	c.mu.Lock()
	c.records = records
	c.listedAt = state.ListedAt
	c.mu.Unlock()

	c.logger.Info("Identity cache restored", zap.Int("users", len(records)))
	return nil
}

func (c *IdentityCache) persist(ctx context.Context) {
	if c.store == nil {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.RLock()
	state := identityState{Records: copyRecords(c.records), ListedAt: c.listedAt}
	c.mu.RUnlock()

	if err := saveBlob(ctx, c.store, repository.BlobIdentityRecords, state); err != nil {
		c.logger.Error("Failed to persist identity cache", zap.Error(err))
	}
}

// IdentityStats describes the cached users.
type IdentityStats struct {
	Users     int       `json:"users"`
	Connected int       `json:"connected"`
	ListedAt  time.Time `json:"listed_at"`
}

func (c *IdentityCache) Stats() IdentityStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := IdentityStats{Users: len(c.records), ListedAt: c.listedAt}
	for _, rec := range c.records {
		if rec.Connected() {
			stats.Connected++
		}
	}
	return stats
}

func copyRecords(in map[string]models.IdentityRecord) map[string]models.IdentityRecord {
	out := make(map[string]models.IdentityRecord, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}

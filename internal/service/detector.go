package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gp-session-sync/internal/cache"
	"gp-session-sync/internal/models"
	"gp-session-sync/internal/util"
)

// AuditSink records duplicate-session events.
type AuditSink interface {
	Append(ctx context.Context, event models.DuplicateSessionEvent) error
}

// Notifier delivers duplicate-session events to a human.
type Notifier interface {
	Notify(ctx context.Context, event models.DuplicateSessionEvent) error
}

// notifyTimeout bounds one background notification.
const notifyTimeout = 30 * time.Second

type Decision string

const (
	Accept   Decision = "accept"
	Conflict Decision = "conflict"
)

// Detection is the outcome of a duplicate-session check.
type Detection struct {
	Decision Decision
	// Record is the identity record the claim was checked against.
	Record models.IdentityRecord
	// Event is set for a Conflict.
	Event *models.DuplicateSessionEvent
	// Corrected is set when a stale connected marker was cleared during the check.
	Corrected bool
}

type fieldMatcher func(a, b models.SessionAttributes) bool

var matchers = map[string]fieldMatcher{
	"hostname": func(a, b models.SessionAttributes) bool { return models.EqualFold(a.Hostname, b.Hostname) },
	"os":       func(a, b models.SessionAttributes) bool { return models.EqualFold(a.OS, b.OS) },
	"ip":       func(a, b models.SessionAttributes) bool { return models.EqualFold(a.SourceIP, b.SourceIP) },
}

// Detector decides whether a user claiming a new session already holds a different one.
type Detector struct {
	sessions   *cache.SessionCache
	identities *cache.IdentityCache
	audit      AuditSink
	notifier   Notifier
	keys       []fieldMatcher
	clock      util.Clock
	logger     *zap.Logger

	pending sync.WaitGroup
}

// NewDetector compares claims on keys (hostname, os, ip); unknown keys are ignored and an
// empty set means hostname. audit and notifier may be nil.
func NewDetector(sessions *cache.SessionCache, identities *cache.IdentityCache, audit AuditSink, notifier Notifier, keys []string, clock util.Clock, logger *zap.Logger) *Detector {
	var selected []fieldMatcher
	for _, k := range keys {
		if m, ok := matchers[strings.ToLower(strings.TrimSpace(k))]; ok {
			selected = append(selected, m)
		}
	}
	if len(selected) == 0 {
		selected = []fieldMatcher{matchers["hostname"]}
	}
	if clock == nil {
		clock = util.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		sessions:   sessions,
		identities: identities,
		audit:      audit,
		notifier:   notifier,
		keys:       selected,
		clock:      clock,
		logger:     logger,
	}
}

// CheckDuplicate checks claimed against the user's recorded session. A user not marked
// connected is accepted. A user marked connected but missing from a freshly fetched session
// table has a stale record, which is corrected and accepted. Otherwise a claim differing
// on any comparison key is a Conflict; it is audited, a notification is dispatched in the
// background and the record is left untouched.
func (d *Detector) CheckDuplicate(ctx context.Context, username string, claimed models.SessionAttributes) (Detection, error) {
	key := models.NormalizeUsername(username)
	rec, err := d.identities.GetUser(ctx, key)
	if err != nil {
		return Detection{}, err
	}
	det := Detection{Decision: Accept, Record: rec}
	if !rec.Connected() {
		return det, nil
	}

	live, err := d.sessions.GetConnectedSessions(ctx, true)
	if err != nil {
		return Detection{}, fmt.Errorf("duplicate check for %s: %w", key, err)
	}

	if _, ok := live[key]; !ok {
		d.logger.Info("Connected marker is stale, clearing it", util.Username(key))
		if err := d.identities.UpdateAttributes(ctx, rec.Name, models.DisconnectedAttributes()); err != nil {
			d.logger.Error("Failed to clear stale connected marker", util.Username(key), zap.Error(err))
		} else {
			det.Corrected = true
			if updated, ok := d.identities.Peek(key); ok {
				det.Record = updated
			}
		}
		return det, nil
	}

	original := rec.Attributes()
	if d.matches(original, claimed) {
		return det, nil
	}

	event := models.DuplicateSessionEvent{
		ID:         uuid.NewString(),
		Username:   rec.Name,
		Original:   original,
		Attempted:  claimed,
		DetectedAt: d.clock.Now(),
	}
	det.Decision = Conflict
	det.Event = &event

	d.logger.Warn("Duplicate session detected",
		util.Username(key),
		util.EventID(event.ID),
		zap.String("original_hostname", original.Hostname),
		zap.String("attempted_hostname", claimed.Hostname),
		zap.String("attempted_ip", claimed.SourceIP))

	if d.audit != nil {
		if err := d.audit.Append(ctx, event); err != nil {
			d.logger.Error("Failed to audit duplicate session", util.EventID(event.ID), zap.Error(err))
		}
	}
	if d.notifier != nil {
		d.pending.Add(1)
		go d.notify(context.WithoutCancel(ctx), event)
	}
	return det, nil
}

// notify runs detached from the caller; a failure is only logged.
func (d *Detector) notify(ctx context.Context, event models.DuplicateSessionEvent) {
	defer d.pending.Done()
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := d.notifier.Notify(ctx, event); err != nil {
		d.logger.Error("Failed to notify duplicate session", util.EventID(event.ID), zap.Error(err))
	}
}

// Wait blocks until every notification already dispatched has finished.
func (d *Detector) Wait() {
	d.pending.Wait()
}

func (d *Detector) matches(original, claimed models.SessionAttributes) bool {
	for _, m := range d.keys {
		if !m(original, claimed) {
			return false
		}
	}
	return true
}

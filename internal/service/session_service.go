package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"gp-session-sync/internal/cache"
	"gp-session-sync/internal/models"
	"gp-session-sync/internal/util"
)

var (
	ErrInvalidInput = errors.New("invalid input")
)

// Outcome reports what a single-user operation did.
type Outcome struct {
	Username string                        `json:"username"`
	Action   Action                        `json:"action"`
	Decision Decision                      `json:"decision,omitempty"`
	Event    *models.DuplicateSessionEvent `json:"event,omitempty"`
}

// Stats describes the caches and the last reconciliation pass.
type Stats struct {
	Sessions cache.SessionStats  `json:"sessions"`
	Identity cache.IdentityStats `json:"identity"`
	LastSync *SyncResult         `json:"last_sync,omitempty"`
}

// SessionService serves the single-user webhook operations and the sync triggers.
type SessionService struct {
	sessions   *cache.SessionCache
	identities *cache.IdentityCache
	reconciler *Reconciler
	detector   *Detector
	logger     *zap.Logger
}

func NewSessionService(sessions *cache.SessionCache, identities *cache.IdentityCache, reconciler *Reconciler, detector *Detector, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{
		sessions:   sessions,
		identities: identities,
		reconciler: reconciler,
		detector:   detector,
		logger:     logger,
	}
}

// Connected handles a user claiming a session with attrs. A conflicting claim is reported and
// nothing is written. An accepted claim is written unless the record already holds it.
func (s *SessionService) Connected(ctx context.Context, username string, attrs models.SessionAttributes) (Outcome, error) {
	key := models.NormalizeUsername(username)
	if key == "" {
		return Outcome{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	out := Outcome{Username: key, Action: ActionNone}

	det, err := s.detector.CheckDuplicate(ctx, key, attrs)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			s.logger.Warn("Connected event for unknown user", util.Username(key))
			out.Action = ActionSkipped
			return out, err
		}
		return out, err
	}
	out.Decision = det.Decision
	if det.Decision == Conflict {
		out.Event = det.Event
		return out, nil
	}

	if !attrs.Connected() {
		attrs.Version = models.VersionUnknown
	}
	stored := det.Record.Attributes()
	if det.Record.Connected() && stored.SameEndpoint(attrs) && stored.Version == attrs.Version {
		return out, nil
	}

	if err := s.identities.UpdateAttributes(ctx, det.Record.Name, attrs); err != nil {
		return out, err
	}
	out.Action = ActionConnected
	return out, nil
}

// Disconnected clears the user's session attributes when the reported endpoint is the one on
// record. A disconnect for another hostname, such as a denied duplicate, is ignored.
func (s *SessionService) Disconnected(ctx context.Context, username string, attrs models.SessionAttributes) (Outcome, error) {
	key := models.NormalizeUsername(username)
	if key == "" {
		return Outcome{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	out := Outcome{Username: key, Action: ActionNone}

	rec, err := s.identities.GetUser(ctx, key)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			out.Action = ActionSkipped
		}
		return out, err
	}
	if !rec.Connected() {
		return out, nil
	}

	recorded := strings.TrimSpace(rec.Attributes().Hostname)
	reported := strings.TrimSpace(attrs.Hostname)
	if recorded != "" && reported != "" && !models.EqualFold(recorded, reported) {
		s.logger.Info("Ignoring disconnect for a session not on record",
			util.Username(key),
			zap.String("recorded_hostname", recorded),
			zap.String("reported_hostname", reported))
		return out, nil
	}

	if err := s.identities.UpdateAttributes(ctx, rec.Name, models.DisconnectedAttributes()); err != nil {
		return out, err
	}
	out.Action = ActionDisconnected
	return out, nil
}

// SyncUser reconciles one user against the live session table.
func (s *SessionService) SyncUser(ctx context.Context, username string) (Outcome, error) {
	key := models.NormalizeUsername(username)
	if key == "" {
		return Outcome{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	action, err := s.reconciler.SyncUser(ctx, key)
	return Outcome{Username: key, Action: action}, err
}

// Sync runs a full reconciliation pass.
func (s *SessionService) Sync(ctx context.Context, initial bool) (*SyncResult, error) {
	return s.reconciler.Sync(ctx, initial)
}

func (s *SessionService) Stats() Stats {
	return Stats{
		Sessions: s.sessions.Stats(),
		Identity: s.identities.Stats(),
		LastSync: s.reconciler.LastSync(),
	}
}

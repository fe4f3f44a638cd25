package service

import (
	"go.uber.org/zap"

	"gp-session-sync/internal/cache"
	"gp-session-sync/internal/config"
	"gp-session-sync/internal/util"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	sessions       *cache.SessionCache
	identities     *cache.IdentityCache
	gatewayTarget  cache.EndpointSource
	identityTarget cache.EndpointSource
	audit          AuditSink
	notifier       Notifier
	cfg            *config.Config
	clock          util.Clock
	logger         *zap.Logger

	reconciler     *Reconciler
	detector       *Detector
	sessionService *SessionService
}

// NewServiceFactory creates a new service factory. audit and notifier may be nil.
func NewServiceFactory(
	sessions *cache.SessionCache,
	identities *cache.IdentityCache,
	gatewayTarget, identityTarget cache.EndpointSource,
	audit AuditSink,
	notifier Notifier,
	cfg *config.Config,
	clock util.Clock,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		sessions:       sessions,
		identities:     identities,
		gatewayTarget:  gatewayTarget,
		identityTarget: identityTarget,
		audit:          audit,
		notifier:       notifier,
		cfg:            cfg,
		clock:          clock,
		logger:         logger,
	}
}

// Reconciler returns the reconciler instance (singleton)
func (f *ServiceFactory) Reconciler() *Reconciler {
	if f.reconciler == nil {
		f.reconciler = NewReconciler(
			f.sessions,
			f.identities,
			f.gatewayTarget,
			f.identityTarget,
			f.cfg.Sync.WriteConcurrency,
			f.clock,
			f.logger.Named("reconciler"),
		)
	}
	return f.reconciler
}

// Detector returns the duplicate-session detector (singleton)
func (f *ServiceFactory) Detector() *Detector {
	if f.detector == nil {
		var notifier Notifier
		if f.cfg.Duplicate.Notify {
			notifier = f.notifier
		}
		f.detector = NewDetector(
			f.sessions,
			f.identities,
			f.audit,
			notifier,
			f.cfg.Duplicate.Keys,
			f.clock,
			f.logger.Named("detector"),
		)
	}
	return f.detector
}

// SessionService returns the session service instance (singleton)
func (f *ServiceFactory) SessionService() *SessionService {
	if f.sessionService == nil {
		f.sessionService = NewSessionService(
			f.sessions,
			f.identities,
			f.Reconciler(),
			f.Detector(),
			f.logger,
		)
	}
	return f.sessionService
}

// Close stops any running sync pass and waits for dispatched notifications.
func (f *ServiceFactory) Close() {
	if f.reconciler != nil {
		f.reconciler.Close()
	}
	if f.detector != nil {
		f.detector.Wait()
	}
}

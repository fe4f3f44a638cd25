package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"

	"gp-session-sync/internal/audit"
	"gp-session-sync/internal/bucketing"
	"gp-session-sync/internal/cache"
	"gp-session-sync/internal/client"
	"gp-session-sync/internal/config"
	"gp-session-sync/internal/encryption"
	"gp-session-sync/internal/hashing"
	"gp-session-sync/internal/models"
	"gp-session-sync/internal/notify"
	"gp-session-sync/internal/repository"
	"gp-session-sync/internal/repository/file"
	redisstore "gp-session-sync/internal/repository/redis"
	"gp-session-sync/internal/repository/scylla"
	"gp-session-sync/internal/resolver"
	"gp-session-sync/internal/service"
	"gp-session-sync/internal/tls"
	"gp-session-sync/internal/util"
)

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager
	secrets    *encryption.SecretResolver

	// Remote systems
	gatewayClient  *client.GatewayClient
	identityClient *client.IdentityClient
	resolver       *resolver.Resolver
	gatewayTarget  *resolver.Target
	identityTarget *resolver.Target

	// Persistence and audit backends
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	store            repository.BlobStore

	sessionCache  *cache.SessionCache
	identityCache *cache.IdentityCache
	auditSink     *audit.MultiSink
	mailer        *notify.Mailer
	hasher        *hashing.Hasher

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory resolves secrets in cfg and builds every dependency. Optional audit backends
// that cannot be reached are skipped outside production.
func NewFactory(ctx context.Context, cfg *config.Config) (*Factory, error) {
	f := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if err := f.initializeSecrets(ctx); err != nil {
		return nil, err
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(cfg.Server, cfg.IsProduction())
	}

	f.initializeRemotes()

	if err := f.initializeStore(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize persistence: %w", err)
	}
	f.initializeCaches(ctx)

	if err := f.initializeAudit(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize audit: %w", err)
	}

	if cfg.Mail.Enabled {
		mailer, err := notify.NewMailer(cfg.Mail, util.Named("mailer"))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to initialize mailer: %w", err)
		}
		f.mailer = mailer
	}

	f.hasher = hashing.NewHasher(cfg.Hashing)

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("persistence", cfg.Persistence.Backend),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("mail_enabled", f.mailer != nil),
	)
	return f, nil
}

// initializeSecrets replaces env:, b64: and kms: references in the config with plaintext.
func (f *Factory) initializeSecrets(ctx context.Context) error {
	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}
	f.secrets = encryption.NewSecretResolver(kmsClient, f.config.KMS.KeyID)
	if err := f.config.ResolveSecrets(ctx, f.secrets); err != nil {
		return fmt.Errorf("failed to resolve secrets: %w", err)
	}
	return nil
}

func (f *Factory) initializeRemotes() {
	cfg := f.config
	retry := util.RetryPolicy{
		Attempts:   cfg.Retry.Attempts,
		Delay:      cfg.Retry.Delay,
		Multiplier: cfg.Retry.Multiplier,
	}

	f.gatewayClient = client.NewGatewayClient(cfg.Gateway, retry, util.Named("gateway"))
	f.identityClient = client.NewIdentityClient(cfg.Identity, retry, util.Named("identity"))

	f.resolver = resolver.New(cfg.Cache.HATTL, util.SystemClock{}, util.Named("resolver"))
	f.gatewayTarget = f.resolver.Bind(
		resolver.Peers{Primary: cfg.Gateway.Primary, Secondary: cfg.Gateway.Secondary},
		f.gatewayClient.Probe,
	)
	f.identityTarget = f.resolver.Bind(
		resolver.Peers{Primary: cfg.Identity.Primary, Secondary: cfg.Identity.Secondary},
		f.identityClient.Prober(cfg.Identity.Primary, cfg.Identity.Secondary),
	)
}

func (f *Factory) initializeStore() error {
	cfg := f.config
	switch cfg.Persistence.Backend {
	case "redis":
		rc, err := client.NewRedisClient(cfg.Redis, util.Get())
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = rc
		f.store = redisstore.NewBlobStore(rc, cfg.Persistence.KeyPrefix)
	case "scylla":
		sc, err := scylla.NewScyllaClient(cfg.Scylla, util.Get())
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = sc
		f.store = scylla.NewBlobStore(sc)
	default:
		fs, err := file.NewBlobStore(cfg.Persistence.Dir)
		if err != nil {
			return fmt.Errorf("file: %w", err)
		}
		f.store = fs
	}
	util.Info("Persistence backend ready", util.String("backend", cfg.Persistence.Backend))
	return nil
}

// initializeCaches builds both caches and restores their persisted state. A corrupt blob
// has already been discarded by the cache; the process starts cold for that cache.
func (f *Factory) initializeCaches(ctx context.Context) {
	cfg := f.config
	clock := util.SystemClock{}

	f.sessionCache = cache.NewSessionCache(
		f.gatewayClient, f.gatewayTarget, f.store, cfg.Cache.SessionTTL, clock, util.Named("session_cache"))
	f.identityCache = cache.NewIdentityCache(
		f.identityClient, f.identityTarget, f.store,
		cache.IdentityOptions{RecordTTL: cfg.Cache.RecordTTL, ListTTL: cfg.Cache.UserListTTL, MissTTL: cfg.Cache.MissTTL},
		bucketing.NewLockTable(cfg.Cache.LockStripes), clock, util.Named("identity_cache"))

	resolutions, err := f.sessionCache.Restore(ctx)
	if err != nil {
		logRestoreError("gateway", err)
	}
	if len(resolutions) > 0 {
		f.resolver.Restore(resolutions)
	}
	f.resolver.OnChange(func(snapshot map[string]models.ActiveEndpoint) {
		f.sessionCache.SetResolutions(context.Background(), snapshot)
	})

	if err := f.identityCache.Restore(ctx); err != nil {
		logRestoreError("identity", err)
	}
}

func logRestoreError(name string, err error) {
	if errors.Is(err, models.ErrCacheCorrupt) {
		util.Warn("Discarded corrupt cache state", util.String("cache", name), util.ErrorField(err))
		return
	}
	util.Warn("Cache state not restored", util.String("cache", name), util.ErrorField(err))
}

// initializeAudit opens the TSV log and any enabled secondary sinks.
func (f *Factory) initializeAudit(ctx context.Context) error {
	cfg := f.config
	primary, err := audit.NewFileSink(cfg.Audit.File)
	if err != nil {
		return fmt.Errorf("audit file: %w", err)
	}

	var (
		secondaries []audit.Sink
		initErrors  []error
	)

	if cfg.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(cfg.Kafka, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
			secondaries = append(secondaries, audit.NewKafkaSink(producer, cfg.Kafka.Topic))
		}
	}

	if cfg.Elasticsearch.Enabled {
		if es, err := client.NewElasticsearchClient(cfg.Elasticsearch, cfg.IsDevelopment(), util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = es
			secondaries = append(secondaries, audit.NewElasticsearchSink(es, cfg.Elasticsearch.Index))
		}
	}

	if cfg.Clickhouse.Enabled {
		if ch, err := client.NewClickHouseClient(cfg.Clickhouse, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = ch
			sink, err := audit.NewClickHouseSink(ctx, ch, cfg.Clickhouse.Table)
			if err != nil {
				initErrors = append(initErrors, fmt.Errorf("clickhouse table: %w", err))
			} else {
				secondaries = append(secondaries, sink)
			}
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("audit backend initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Audit backend unavailable, continuing without it", util.ErrorField(err))
		}
	}

	f.auditSink = audit.NewMultiSink(util.Named("audit"), primary, secondaries...)
	return nil
}

// ServiceFactory returns the service factory (singleton)
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		var notifier service.Notifier
		if f.mailer != nil {
			notifier = f.mailer
		}
		var sink service.AuditSink
		if f.auditSink != nil {
			sink = f.auditSink
		}
		f.serviceFactory = service.NewServiceFactory(
			f.sessionCache,
			f.identityCache,
			f.gatewayTarget,
			f.identityTarget,
			sink,
			notifier,
			f.config,
			util.SystemClock{},
			util.Get(),
		)
	}
	return f.serviceFactory
}

// HealthCheck contacts the active gateway and identity node and every configured backend.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if endpoint, err := f.gatewayTarget.ActiveEndpoint(ctx); err != nil {
		healthErrors["gateway"] = err
	} else if _, err := f.gatewayClient.ProbeHAState(ctx, endpoint); err != nil {
		healthErrors["gateway"] = err
	}
	if endpoint, err := f.identityTarget.ActiveEndpoint(ctx); err != nil {
		healthErrors["identity"] = err
	} else if _, err := f.identityClient.GetActiveNodes(ctx, endpoint); err != nil {
		healthErrors["identity"] = err
	}

	if hc, ok := f.store.(healthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			healthErrors["persistence"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}
	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	return len(f.HealthCheck(ctx)) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.serviceFactory != nil {
			f.serviceFactory.Close()
			util.Info("Sync passes and notifications drained")
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.secrets != nil {
			f.secrets.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})
	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) GatewayClient() *client.GatewayClient {
	return f.gatewayClient
}

func (f *Factory) GatewayTarget() *resolver.Target {
	return f.gatewayTarget
}

func (f *Factory) Hasher() *hashing.Hasher {
	return f.hasher
}

// Logger returns the process logger; handlers log through it.
func (f *Factory) Logger() *zap.Logger {
	return util.Get()
}

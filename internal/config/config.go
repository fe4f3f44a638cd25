package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const DefaultConfigFile = "config.yaml"

var (
	ErrInvalidConfig = errors.New("invalid configuration")

	current   *Config
	currentMu sync.RWMutex
)

type Config struct {
	Environment   string              `yaml:"environment"`
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	API           APIConfig           `yaml:"api"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Identity      IdentityConfig      `yaml:"identity"`
	Cache         CacheConfig         `yaml:"cache"`
	Retry         RetryConfig         `yaml:"retry"`
	Sync          SyncConfig          `yaml:"sync"`
	Duplicate     DuplicateConfig     `yaml:"duplicate"`
	Persistence   PersistenceConfig   `yaml:"persistence"`
	Redis         RedisConfig         `yaml:"redis"`
	Scylla        ScyllaConfig        `yaml:"scylla"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Clickhouse    ClickhouseConfig    `yaml:"clickhouse"`
	Audit         AuditConfig         `yaml:"audit"`
	Mail          MailConfig          `yaml:"mail"`
	KMS           KMSConfig           `yaml:"kms"`
	Hashing       HashingConfig       `yaml:"hashing"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	EnableTLS       bool          `yaml:"enable_tls"`
	AutoCert        bool          `yaml:"auto_cert"`
	Domain          string        `yaml:"domain"`
	CertFile        string        `yaml:"cert_file"`
	KeyFile         string        `yaml:"key_file"`
	AutoCertDir     string        `yaml:"auto_cert_dir"`
	Email           string        `yaml:"email"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// APIConfig guards the webhook surface. An empty User disables authentication.
type APIConfig struct {
	User         string `yaml:"user"`
	PasswordHash string `yaml:"password_hash"`
}

type GatewayConfig struct {
	Primary   string        `yaml:"primary"`
	Secondary string        `yaml:"secondary"`
	APIKey    string        `yaml:"api_key"`
	VerifyTLS bool          `yaml:"verify_tls"`
	Timeout   time.Duration `yaml:"timeout"`
}

type IdentityConfig struct {
	Primary   string        `yaml:"primary"`
	Secondary string        `yaml:"secondary"`
	Port      int           `yaml:"port"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	Token     string        `yaml:"token"`
	VerifyTLS bool          `yaml:"verify_tls"`
	Timeout   time.Duration `yaml:"timeout"`
	PageSize  int           `yaml:"page_size"`
}

type CacheConfig struct {
	SessionTTL  time.Duration `yaml:"session_ttl"`
	UserListTTL time.Duration `yaml:"user_list_ttl"`
	RecordTTL   time.Duration `yaml:"record_ttl"`
	MissTTL     time.Duration `yaml:"miss_ttl"`
	HATTL       time.Duration `yaml:"ha_ttl"`
	LockStripes int           `yaml:"lock_stripes"`
}

type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Delay      time.Duration `yaml:"delay"`
	Multiplier float64       `yaml:"multiplier"`
}

type SyncConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	WriteConcurrency int           `yaml:"write_concurrency"`
}

// DuplicateConfig selects the endpoint fields compared by the duplicate-session check.
// Valid keys are hostname, os and ip.
type DuplicateConfig struct {
	Keys   []string `yaml:"keys"`
	Notify bool     `yaml:"notify"`
}

type PersistenceConfig struct {
	Backend   string `yaml:"backend"`
	Dir       string `yaml:"dir"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RedisConfig points at the cache-state Redis. A rediss:// URL enables TLS; CertFile and
// KeyFile add a client certificate.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type ScyllaConfig struct {
	Nodes    []string `yaml:"nodes"`
	Keyspace string   `yaml:"keyspace"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	CAFile   string   `yaml:"ca_file"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type ElasticsearchConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Index    string `yaml:"index"`
}

type ClickhouseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
}

type AuditConfig struct {
	File string `yaml:"file"`
}

type MailConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Security string   `yaml:"security"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	Subject  string   `yaml:"subject"`
}

type KMSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Region  string `yaml:"region"`
	KeyID   string `yaml:"key_id"`
}

type HashingConfig struct {
	Argon2MemoryCost  int `yaml:"argon2_memory_cost"`
	Argon2TimeCost    int `yaml:"argon2_time_cost"`
	Argon2Parallelism int `yaml:"argon2_parallelism"`
}

// Default returns the configuration used for any field the file and environment leave unset.
func Default() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  60 * time.Second,
			AllowedOrigins:  []string{"*"},
			AutoCertDir:     "certs",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Gateway: GatewayConfig{Timeout: 3 * time.Second},
		Identity: IdentityConfig{
			Port:     9060,
			Timeout:  3 * time.Second,
			PageSize: 100,
		},
		Cache: CacheConfig{
			SessionTTL:  30 * time.Second,
			UserListTTL: 10 * time.Minute,
			RecordTTL:   5 * time.Minute,
			MissTTL:     30 * time.Second,
			HATTL:       60 * time.Second,
			LockStripes: 64,
		},
		Retry: RetryConfig{Attempts: 3, Delay: time.Second},
		Sync: SyncConfig{
			Enabled:          true,
			Interval:         60 * time.Second,
			WriteConcurrency: 4,
		},
		Duplicate:   DuplicateConfig{Keys: []string{"hostname"}, Notify: true},
		Persistence: PersistenceConfig{Backend: "file", Dir: "data", KeyPrefix: "gpsync:"},
		Redis:       RedisConfig{URL: "redis://localhost:6379/0", PoolSize: 10},
		Scylla:      ScyllaConfig{Nodes: []string{"localhost:9042"}, Keyspace: "gpsync"},
		Kafka:       KafkaConfig{Topic: "duplicate-sessions"},
		Elasticsearch: ElasticsearchConfig{
			URL:   "http://localhost:9200",
			Index: "duplicate-sessions",
		},
		Clickhouse: ClickhouseConfig{
			URL:      "http://localhost:8123",
			Database: "default",
			Table:    "duplicate_sessions",
		},
		Audit: AuditConfig{File: "logs/duplicate_sessions.tsv"},
		Mail: MailConfig{
			Port:     25,
			Security: "tls",
			Subject:  "Duplicate VPN session denied",
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  64 * 1024,
			Argon2TimeCost:    3,
			Argon2Parallelism: 2,
		},
	}
}

// Load reads .env, then the YAML file at path (CONFIG_FILE or config.yaml when path is
// empty), then environment overrides, and validates the result. A missing file is not an
// error; the defaults and environment still apply.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = getEnv("CONFIG_FILE", DefaultConfigFile)
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	currentMu.Lock()
	current = cfg
	currentMu.Unlock()
	return cfg, nil
}

// Get returns the most recently loaded configuration, or the defaults.
func Get() *Config {
	currentMu.RLock()
	defer currentMu.RUnlock()
	if current == nil {
		return Default()
	}
	return current
}

func (c *Config) applyEnv() {
	overrideString(&c.Environment, "ENVIRONMENT")
	overrideString(&c.Logging.Level, "LOG_LEVEL")
	overrideString(&c.Gateway.Primary, "FW_IP")
	overrideString(&c.Gateway.Secondary, "FW_SECONDARY_IP")
	overrideString(&c.Gateway.APIKey, "FW_API_KEY")
	overrideString(&c.Identity.Primary, "ISE_IP")
	overrideString(&c.Identity.Secondary, "ISE_SECONDARY_IP")
	overrideString(&c.Identity.Username, "ISE_UNAME")
	overrideString(&c.Identity.Password, "ISE_PWD")
	overrideString(&c.Identity.Token, "ISE_TOKEN")
	overrideString(&c.Redis.URL, "REDIS_URL")
	overrideString(&c.Persistence.Backend, "PERSISTENCE_BACKEND")
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Gateway.Primary) == "" {
		errs = append(errs, errors.New("gateway.primary is required"))
	}
	if strings.TrimSpace(c.Identity.Primary) == "" {
		errs = append(errs, errors.New("identity.primary is required"))
	}
	if c.Identity.Token == "" && c.Identity.Username == "" {
		errs = append(errs, errors.New("identity.token or identity.username is required"))
	}
	if c.Retry.Attempts < 1 {
		errs = append(errs, errors.New("retry.attempts must be at least 1"))
	}
	if c.Sync.WriteConcurrency < 1 {
		errs = append(errs, errors.New("sync.write_concurrency must be at least 1"))
	}
	if c.Sync.Enabled && c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	for _, key := range c.Duplicate.Keys {
		switch strings.ToLower(key) {
		case "hostname", "os", "ip":
		default:
			errs = append(errs, fmt.Errorf("duplicate.keys: unknown key %q", key))
		}
	}
	switch c.Persistence.Backend {
	case "file", "redis", "scylla":
	default:
		errs = append(errs, fmt.Errorf("persistence.backend: unknown backend %q", c.Persistence.Backend))
	}
	switch c.Mail.Security {
	case "tls", "cleartext":
	default:
		errs = append(errs, fmt.Errorf("mail.security: unknown mode %q", c.Mail.Security))
	}
	if c.Mail.Enabled && (c.Mail.Host == "" || len(c.Mail.To) == 0) {
		errs = append(errs, errors.New("mail.host and mail.to are required when mail is enabled"))
	}
	if c.API.User != "" && c.API.PasswordHash == "" {
		errs = append(errs, errors.New("api.password_hash is required when api.user is set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// SecretResolver turns a secret reference into its plaintext.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// ResolveSecrets replaces every credential field with its resolved value.
func (c *Config) ResolveSecrets(ctx context.Context, r SecretResolver) error {
	fields := map[string]*string{
		"gateway.api_key":        &c.Gateway.APIKey,
		"identity.password":      &c.Identity.Password,
		"identity.token":         &c.Identity.Token,
		"mail.password":          &c.Mail.Password,
		"redis.password":         &c.Redis.Password,
		"scylla.password":        &c.Scylla.Password,
		"elasticsearch.password": &c.Elasticsearch.Password,
		"clickhouse.password":    &c.Clickhouse.Password,
	}
	for name, field := range fields {
		if *field == "" {
			continue
		}
		v, err := r.Resolve(ctx, *field)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", name, err)
		}
		*field = v
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func overrideString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

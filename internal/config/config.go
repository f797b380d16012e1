package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvProduction  = "production"
	EnvStaging     = "staging"
	EnvDevelopment = "development"
)

type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Store         StoreConfig
	Scylla        ScyllaConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Bucketing     BucketingConfig
	Auth          AuthConfig
	Webhook       WebhookConfig
	Wallet        WalletConfig
	Onboarding    OnboardingConfig
	Admin         AdminConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	EnableTLS   bool
	AutoCert    bool
	Domain      string
	CertFile    string
	KeyFile     string
	AutoCertDir string
	Email       string

	AllowedOrigins []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// StoreConfig selects the user record store. "scylla" in deployed
// environments, "memory" for local development.
type StoreConfig struct {
	Driver string
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
	TLS      bool
	CAPath   string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Brokers    []string
	UserTopic  string
	Enabled    bool
	ClientID   string
	TLSEnabled bool
}

type ElasticsearchConfig struct {
	URL       string
	Username  string
	Password  string
	UserIndex string
}

type ClickhouseConfig struct {
	URL        string
	Username   string
	Password   string
	Database   string
	AuditTable string
	CAFile     string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

// AuthConfig describes how session tokens issued by the identity provider are verified.
type AuthConfig struct {
	JWTPublicKeyPath  string
	Issuer            string
	AuthorizedParties []string
	ClockSkew         time.Duration
}

type WebhookConfig struct {
	Secret    string
	ReplayTTL time.Duration
}

type WalletConfig struct {
	Driver         string // "privy" or "dev"
	Chain          string
	PrivyAppID     string
	PrivyAppSecret string
	PrivyBaseURL   string
	Timeout        time.Duration
}

type OnboardingConfig struct {
	RateLimit  int
	RateWindow time.Duration
	Policy     string // "approve" or "review"
}

type AdminConfig struct {
	APIToken string
}

// LoadConfig reads configuration from the environment. A .env file in the
// working directory is loaded first when present; real environment variables win.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("APP_ENV", EnvDevelopment),
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvInt("SERVER_PORT", 8080),
			TLSPort:        getEnvInt("SERVER_TLS_PORT", 8443),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			EnableTLS:      getEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:       getEnvBool("SERVER_AUTO_CERT", false),
			Domain:         getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:       getEnv("SERVER_CERT_FILE", ""),
			KeyFile:        getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:    getEnv("SERVER_AUTO_CERT_DIR", "./certs"),
			Email:          getEnv("SERVER_ACME_EMAIL", ""),
			AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Store: StoreConfig{
			Driver: getEnv("STORE_DRIVER", "scylla"),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvList("SCYLLA_NODES", []string{"127.0.0.1:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "haven"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
			TLS:      getEnvBool("SCYLLA_TLS", false),
			CAPath:   getEnv("SCYLLA_CA_PATH", ""),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 20),
		},
		Kafka: KafkaConfig{
			Brokers:    getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			UserTopic:  getEnv("KAFKA_USER_TOPIC", "haven.user-lifecycle"),
			Enabled:    getEnvBool("KAFKA_ENABLED", true),
			ClientID:   getEnv("KAFKA_CLIENT_ID", "haven-service"),
			TLSEnabled: getEnvBool("KAFKA_TLS", false),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:       getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:  getEnv("ELASTICSEARCH_USERNAME", ""),
			Password:  getEnv("ELASTICSEARCH_PASSWORD", ""),
			UserIndex: getEnv("ELASTICSEARCH_USER_INDEX", "haven-users"),
		},
		Clickhouse: ClickhouseConfig{
			URL:        getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username:   getEnv("CLICKHOUSE_USERNAME", "default"),
			Password:   getEnv("CLICKHOUSE_PASSWORD", ""),
			Database:   getEnv("CLICKHOUSE_DATABASE", "haven"),
			AuditTable: getEnv("CLICKHOUSE_AUDIT_TABLE", "user_audit_events"),
			CAFile:     getEnv("CLICKHOUSE_CA_FILE", ""),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("AWS_REGION", "us-east-1"),
		},
		Bucketing: BucketingConfig{
			UserBuckets:  getEnvInt("BUCKETING_USER_BUCKETS", 64),
			EventBuckets: getEnvInt("BUCKETING_EVENT_BUCKETS", 16),
		},
		Auth: AuthConfig{
			JWTPublicKeyPath:  getEnv("JWT_PUBLIC_KEY_PATH", "./keys/clerk_public.pem"),
			Issuer:            getEnv("JWT_ISSUER", ""),
			AuthorizedParties: getEnvList("JWT_AUTHORIZED_PARTIES", nil),
			ClockSkew:         getEnvDuration("JWT_CLOCK_SKEW", 5*time.Second),
		},
		Webhook: WebhookConfig{
			Secret:    getEnv("WEBHOOK_SECRET", ""),
			ReplayTTL: getEnvDuration("WEBHOOK_REPLAY_TTL", 24*time.Hour),
		},
		Wallet: WalletConfig{
			Driver:         getEnv("WALLET_DRIVER", "privy"),
			Chain:          getEnv("WALLET_CHAIN", "solana"),
			PrivyAppID:     getEnv("PRIVY_APP_ID", ""),
			PrivyAppSecret: getEnv("PRIVY_SECRET_KEY", ""),
			PrivyBaseURL:   getEnv("PRIVY_BASE_URL", "https://api.privy.io"),
			Timeout:        getEnvDuration("PRIVY_TIMEOUT", 15*time.Second),
		},
		Onboarding: OnboardingConfig{
			RateLimit:  getEnvInt("ONBOARDING_RATE_LIMIT", 10),
			RateWindow: getEnvDuration("ONBOARDING_RATE_WINDOW", time.Minute),
			Policy:     getEnv("ONBOARDING_POLICY", "approve"),
		},
		Admin: AdminConfig{
			APIToken: getEnv("ADMIN_API_TOKEN", ""),
		},
	}

	return cfg
}

// Validate reports configuration that would make the service unusable.
func (c *Config) Validate() error {
	var problems []string

	if c.Webhook.Secret == "" {
		problems = append(problems, "WEBHOOK_SECRET is required")
	}
	if c.Wallet.Driver == "privy" && (c.Wallet.PrivyAppID == "" || c.Wallet.PrivyAppSecret == "") {
		problems = append(problems, "PRIVY_APP_ID and PRIVY_SECRET_KEY are required for the privy wallet driver")
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		problems = append(problems, "KMS_KEY_ID is required when KMS is enabled")
	}
	if c.Bucketing.UserBuckets <= 0 {
		problems = append(problems, "BUCKETING_USER_BUCKETS must be positive")
	}
	if c.Onboarding.Policy != "approve" && c.Onboarding.Policy != "review" {
		problems = append(problems, "ONBOARDING_POLICY must be approve or review")
	}
	if c.IsProduction() && c.Store.Driver == "memory" {
		problems = append(problems, "the memory store is not allowed in production")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DevJWTSecret is the insecure fallback used when JWT_SECRET is unset.
// It must never survive into a production deployment; LoadConfig refuses
// to start production with it.
const DevJWTSecret = "dev-only-insecure-jwt-secret"

type Config struct {
	Environment string

	Logging       LoggingConfig
	Server        ServerConfig
	Scylla        ScyllaConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	Auth          AuthConfig
	Gateway       GatewayConfig
	Directory     DirectoryConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
}

type LoggingConfig struct {
	Level  string
	Format string
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	EnableTLS    bool
	CertFile     string
	KeyFile      string
}

type ScyllaConfig struct {
	Hosts    []string
	Keyspace string
	Username string
	Password string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Enabled     bool
	Brokers     []string
	EventsTopic string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Database string
	Username string
	Password string
}

type ElasticsearchConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type AuthConfig struct {
	JWTSecret        string
	UsingDevSecret   bool
	SessionTTL       time.Duration
	MaxLoginAttempts int
	LockDuration     time.Duration
	LoginCounterTTL  time.Duration
}

type GatewayConfig struct {
	AllowedOrigin        string
	IdleTimeout          time.Duration
	IdleSweepInterval    time.Duration
	SessionSweepInterval time.Duration
	SendBufferSize       int
	WriteWait            time.Duration
	PongWait             time.Duration
	MaxMessageSize       int64
}

type DirectoryConfig struct {
	DeviceHistoryLimit  int
	ActiveWindow        time.Duration
	SessionSweepHorizon time.Duration
	StatsConcurrency    int
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
}

type BucketingConfig struct {
	UserBuckets int
}

// LoadConfig reads configuration from the environment. In development a
// .env file is honored if present. SCYLLA_HOSTS is the only hard
// requirement: the directory store cannot run without its backing store.
func LoadConfig() (*Config, error) {
	env := getEnv("ENVIRONMENT", "development")
	if env != "production" {
		_ = godotenv.Load()
		// Re-read in case .env sets it
		env = getEnv("ENVIRONMENT", "development")
	}

	scyllaHosts := getEnv("SCYLLA_HOSTS", "")
	if scyllaHosts == "" {
		return nil, fmt.Errorf("SCYLLA_HOSTS is required")
	}

	jwtSecret := getEnv("JWT_SECRET", "")
	usingDevSecret := false
	if jwtSecret == "" {
		if env == "production" {
			return nil, fmt.Errorf("JWT_SECRET is required in production")
		}
		jwtSecret = DevJWTSecret
		usingDevSecret = true
	}

	cfg := &Config{
		Environment: env,
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Server: ServerConfig{
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
			CertFile:     getEnv("SERVER_CERT_FILE", ""),
			KeyFile:      getEnv("SERVER_KEY_FILE", ""),
		},
		Scylla: ScyllaConfig{
			Hosts:    splitAndTrim(scyllaHosts),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "realtime"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Kafka: KafkaConfig{
			Enabled:     getEnv("KAFKA_BROKERS", "") != "",
			Brokers:     splitAndTrim(getEnv("KAFKA_BROKERS", "")),
			EventsTopic: getEnv("KAFKA_EVENTS_TOPIC", "user-events"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnv("CLICKHOUSE_URL", "") != "",
			URL:      getEnv("CLICKHOUSE_URL", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "analytics"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:  getEnv("ELASTICSEARCH_URL", "") != "",
			URL:      getEnv("ELASTICSEARCH_URL", ""),
			Username: getEnv("ELASTICSEARCH_USERNAME", ""),
			Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("AWS_REGION", "ap-south-1"),
		},
		Auth: AuthConfig{
			JWTSecret:        jwtSecret,
			UsingDevSecret:   usingDevSecret,
			SessionTTL:       getEnvDuration("SESSION_TTL", 7*24*time.Hour),
			MaxLoginAttempts: getEnvInt("MAX_LOGIN_ATTEMPTS", 5),
			LockDuration:     getEnvDuration("ACCOUNT_LOCK_DURATION", 30*time.Minute),
			LoginCounterTTL:  getEnvDuration("LOGIN_COUNTER_TTL", time.Hour),
		},
		Gateway: GatewayConfig{
			AllowedOrigin:        getEnv("WS_ALLOWED_ORIGIN", "*"),
			IdleTimeout:          getEnvDuration("WS_IDLE_TIMEOUT", 5*time.Minute),
			IdleSweepInterval:    getEnvDuration("WS_IDLE_SWEEP_INTERVAL", 2*time.Minute),
			SessionSweepInterval: getEnvDuration("WS_SESSION_SWEEP_INTERVAL", time.Hour),
			SendBufferSize:       getEnvInt("WS_SEND_BUFFER", 64),
			WriteWait:            getEnvDuration("WS_WRITE_WAIT", 10*time.Second),
			PongWait:             getEnvDuration("WS_PONG_WAIT", 60*time.Second),
			MaxMessageSize:       int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 4096)),
		},
		Directory: DirectoryConfig{
			DeviceHistoryLimit:  getEnvInt("DEVICE_HISTORY_LIMIT", 10),
			ActiveWindow:        getEnvDuration("ACTIVE_WINDOW", 5*time.Minute),
			SessionSweepHorizon: getEnvDuration("SESSION_SWEEP_HORIZON", 30*24*time.Hour),
			StatsConcurrency:    getEnvInt("STATS_CONCURRENCY", 8),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_COST", 64*1024),
			Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 3),
			Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 2),
		},
		Bucketing: BucketingConfig{
			UserBuckets: getEnvInt("USER_BUCKETS", 16),
		},
	}

	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
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

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

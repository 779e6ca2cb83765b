// Package config loads and validates marketplace configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, Marketplace, KeyVault, Escrow,
// Similarity, Blobs, Gateway, etc.). A Config is loaded once at process start
// and passed by value to constructors; nothing re-reads it afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Redis       RedisConfig       `yaml:"redis"`
	Marketplace MarketplaceConfig `yaml:"marketplace"`
	KeyVault    KeyVaultConfig    `yaml:"keyVault"`
	Escrow      EscrowConfig      `yaml:"escrow"`
	Similarity  SimilarityConfig  `yaml:"similarity"`
	Blobs       BlobConfig        `yaml:"blobs"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds SQL connection parameters. Driver is "postgres" in
// production; "sqlite3" is accepted for single-node development, in which
// case Database is the file path.
type PostgresConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a data source name for the configured driver.
func (p PostgresConfig) DSN() string {
	if p.Driver == "sqlite3" {
		return p.Database
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	MarketplaceEvents string `yaml:"marketplaceEvents"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// MarketplaceConfig holds the pricing and service-auth settings consumed by
// the content service.
type MarketplaceConfig struct {
	MaxChunkPrice         float64 `yaml:"maxChunkPrice"`
	DocumentPricePerChunk float64 `yaml:"documentPricePerChunk"`
	ServiceSecret         string  `yaml:"serviceSecret"`
	DefaultResults        int     `yaml:"defaultResults"`
	MaxResults            int     `yaml:"maxResults"`
}

// KeyVaultConfig is shared by the custodian process (Identity, DataDir) and
// its callers (BaseURL, Endpoints). Endpoints maps a custodian identity to
// its base URL; identities without an entry use BaseURL. StorePassphrase
// encrypts the custodian's key store at rest.
type KeyVaultConfig struct {
	BaseURL         string            `yaml:"baseURL"`
	Endpoints       map[string]string `yaml:"endpoints"`
	SharedSecret    string            `yaml:"sharedSecret"`
	Identity        string            `yaml:"identity"`
	DataDir         string            `yaml:"dataDir"`
	StorePassphrase string            `yaml:"storePassphrase"`
	RequestTimeout  time.Duration     `yaml:"requestTimeout"`
}

// EscrowConfig holds the ledger contract connection and deferred-work
// queue settings.
type EscrowConfig struct {
	RPCURL          string        `yaml:"rpcURL"`
	ContractAddress string        `yaml:"contractAddress"`
	ContractABIPath string        `yaml:"contractABIPath"`
	OperatorKey     string        `yaml:"operatorKey"`
	GasLimit        uint64        `yaml:"gasLimit"`
	CallTimeout     time.Duration `yaml:"callTimeout"`
	QueueSize       int           `yaml:"queueSize"`
	JobTimeout      time.Duration `yaml:"jobTimeout"`
}

// SimilarityConfig selects and configures the nearest-neighbour oracle.
type SimilarityConfig struct {
	Provider   string        `yaml:"provider"`
	QdrantURL  string        `yaml:"qdrantURL"`
	Collection string        `yaml:"collection"`
	VectorDim  int           `yaml:"vectorDim"`
	CacheTTL   time.Duration `yaml:"cacheTTL"`
}

// BlobConfig selects where raw (encrypted) and decrypted document files live.
type BlobConfig struct {
	Provider string `yaml:"provider"`
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// GatewayConfig holds the API gateway port and upstream service URLs.
type GatewayConfig struct {
	Port            int           `yaml:"port"`
	ContentURL      string        `yaml:"contentUrl"`
	AnalyticsURL    string        `yaml:"analyticsUrl"`
	RateLimitWindow time.Duration `yaml:"rateLimitWindow"`
	AdminToken      string        `yaml:"adminToken"`
	AllowOrigins    []string      `yaml:"allowOrigins"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Validate checks the settings the purchase core cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Marketplace.MaxChunkPrice <= 0 {
		errs = append(errs, fmt.Errorf("marketplace.maxChunkPrice must be positive, got %v", c.Marketplace.MaxChunkPrice))
	}
	if c.Marketplace.DocumentPricePerChunk <= 0 {
		errs = append(errs, fmt.Errorf("marketplace.documentPricePerChunk must be positive, got %v", c.Marketplace.DocumentPricePerChunk))
	}
	if c.KeyVault.SharedSecret == "" {
		errs = append(errs, errors.New("keyVault.sharedSecret is required"))
	}
	if c.Marketplace.ServiceSecret == "" {
		errs = append(errs, errors.New("marketplace.serviceSecret is required"))
	}
	return errors.Join(errs...)
}

// defaultConfig returns a Config with defaults suitable for local development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			Database:        "marketplace",
			User:            "marketplace",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "marketplace-analytics",
			Topics: KafkaTopics{
				MarketplaceEvents: "marketplace-events",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Marketplace: MarketplaceConfig{
			MaxChunkPrice:         5,
			DocumentPricePerChunk: 2,
			DefaultResults:        2,
			MaxResults:            50,
		},
		KeyVault: KeyVaultConfig{
			BaseURL:        "http://localhost:8001",
			DataDir:        "keyvault-data",
			RequestTimeout: 30 * time.Second,
		},
		Escrow: EscrowConfig{
			RPCURL:          "http://localhost:7546",
			ContractABIPath: "contract/KeyContract.json",
			GasLimit:        600000,
			CallTimeout:     60 * time.Second,
			QueueSize:       1024,
			JobTimeout:      2 * time.Minute,
		},
		Similarity: SimilarityConfig{
			Provider:   "memory",
			QdrantURL:  "http://localhost:6333",
			Collection: "chunks",
			CacheTTL:   60 * time.Second,
		},
		Blobs: BlobConfig{
			Provider: "local",
			Dir:      "documents",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Gateway: GatewayConfig{
			Port:            8082,
			ContentURL:      "http://localhost:8000",
			AnalyticsURL:    "http://localhost:8083",
			RateLimitWindow: time.Minute,
			AllowOrigins:    []string{"*"},
		},
	}
}

// applyEnvOverrides reads ECM_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	setInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	setFloat := func(name string, dst *float64) {
		if v := os.Getenv(name); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	setInt("ECM_SERVER_PORT", &cfg.Server.Port)
	setString("ECM_POSTGRES_DRIVER", &cfg.Postgres.Driver)
	setString("ECM_POSTGRES_HOST", &cfg.Postgres.Host)
	setInt("ECM_POSTGRES_PORT", &cfg.Postgres.Port)
	setString("ECM_POSTGRES_DATABASE", &cfg.Postgres.Database)
	setString("ECM_POSTGRES_USER", &cfg.Postgres.User)
	setString("ECM_POSTGRES_PASSWORD", &cfg.Postgres.Password)
	setString("ECM_POSTGRES_SSLMODE", &cfg.Postgres.SSLMode)
	if v := os.Getenv("ECM_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	setString("ECM_REDIS_ADDR", &cfg.Redis.Addr)
	setString("ECM_REDIS_PASSWORD", &cfg.Redis.Password)

	setFloat("ECM_MAX_CHUNK_PRICE", &cfg.Marketplace.MaxChunkPrice)
	setFloat("ECM_DOCUMENT_PRICE_PER_CHUNK", &cfg.Marketplace.DocumentPricePerChunk)
	setString("ECM_SERVICE_SECRET", &cfg.Marketplace.ServiceSecret)

	setString("ECM_KEYVAULT_URL", &cfg.KeyVault.BaseURL)
	setString("ECM_KEYVAULT_SECRET", &cfg.KeyVault.SharedSecret)
	setString("ECM_KEYVAULT_IDENTITY", &cfg.KeyVault.Identity)
	setString("ECM_KEYVAULT_DATA_DIR", &cfg.KeyVault.DataDir)
	setString("ECM_KEYVAULT_STORE_PASSPHRASE", &cfg.KeyVault.StorePassphrase)

	setString("ECM_ESCROW_RPC_URL", &cfg.Escrow.RPCURL)
	setString("ECM_ESCROW_CONTRACT_ADDRESS", &cfg.Escrow.ContractAddress)
	setString("ECM_ESCROW_CONTRACT_ABI", &cfg.Escrow.ContractABIPath)
	setString("ECM_ESCROW_OPERATOR_KEY", &cfg.Escrow.OperatorKey)

	setString("ECM_SIMILARITY_PROVIDER", &cfg.Similarity.Provider)
	setString("ECM_QDRANT_URL", &cfg.Similarity.QdrantURL)
	setString("ECM_QDRANT_COLLECTION", &cfg.Similarity.Collection)
	setInt("ECM_QDRANT_VECTOR_DIM", &cfg.Similarity.VectorDim)

	setString("ECM_BLOBS_PROVIDER", &cfg.Blobs.Provider)
	setString("ECM_BLOBS_DIR", &cfg.Blobs.Dir)
	setString("ECM_BLOBS_BUCKET", &cfg.Blobs.Bucket)

	setString("ECM_LOGGING_LEVEL", &cfg.Logging.Level)
	setString("ECM_LOGGING_FORMAT", &cfg.Logging.Format)

	setInt("ECM_GATEWAY_PORT", &cfg.Gateway.Port)
	setString("ECM_GATEWAY_CONTENT_URL", &cfg.Gateway.ContentURL)
	setString("ECM_GATEWAY_ANALYTICS_URL", &cfg.Gateway.AnalyticsURL)
	setString("ECM_GATEWAY_ADMIN_TOKEN", &cfg.Gateway.AdminToken)
	if v := os.Getenv("ECM_GATEWAY_ALLOW_ORIGINS"); v != "" {
		cfg.Gateway.AllowOrigins = strings.Split(v, ",")
	}
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend names accepted by LINK_STORE and BATCH_STORE
const (
	BackendMySQL  = "mysql"
	BackendMongo  = "mongo"
	BackendMinIO  = "minio"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort string
	ServiceName string
	LogLevel    string

	// Bot configuration
	BotToken       string
	TelegramAPIURL string
	UpdateChannel  string
	LogChannel     string
	AdminIDs       []int64
	PollTimeout    time.Duration
	TransportRPS   float64
	TransportBurst int

	// Link lifecycle
	LinkTTL       time.Duration
	TokenLength   int
	MintRetries   int
	LinkStore     string
	BatchStore    string
	BatchIdleTTL  time.Duration
	ExpiryJournal bool

	// MySQL / TiDB configuration
	MySQLHost     string
	MySQLPort     string
	MySQLUser     string
	MySQLPassword string
	MySQLDatabase string

	// MongoDB configuration
	MongoURI      string
	MongoDatabase string

	// MinIO configuration
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucketName string
	MinIOUseSSL     bool

	// Redis configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Jaeger configuration
	JaegerEndpoint string
	TracingEnabled bool
}

// LoadConfig loads configuration from environment variables with sensible defaults.
// A .env file in the working directory, if present, is read first; real environment
// variables take precedence over it.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	adminIDs, err := getEnvAsInt64List("ADMIN_IDS")
	if err != nil {
		return nil, err
	}

	config := &Config{
		// Service defaults
		ServicePort: getEnv("PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "permastore"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Bot defaults
		BotToken:       getEnv("BOT_TOKEN", ""),
		TelegramAPIURL: getEnv("TELEGRAM_API_URL", "https://api.telegram.org"),
		UpdateChannel:  getEnv("UPDATE_CHANNEL", ""),
		LogChannel:     getEnv("LOG_CHANNEL", ""),
		AdminIDs:       adminIDs,
		PollTimeout:    getEnvAsDuration("POLL_TIMEOUT", 30*time.Second),
		TransportRPS:   getEnvAsFloat("TRANSPORT_RPS", 25),
		TransportBurst: getEnvAsInt("TRANSPORT_BURST", 5),

		// Link lifecycle defaults
		LinkTTL:       getEnvAsDuration("LINK_TTL", 600*time.Second),
		TokenLength:   getEnvAsInt("TOKEN_LENGTH", 10),
		MintRetries:   getEnvAsInt("MINT_RETRIES", 5),
		LinkStore:     strings.ToLower(getEnv("LINK_STORE", BackendMySQL)),
		BatchStore:    strings.ToLower(getEnv("BATCH_STORE", BackendRedis)),
		BatchIdleTTL:  getEnvAsDuration("BATCH_IDLE_TTL", 0),
		ExpiryJournal: getEnvAsBool("EXPIRY_JOURNAL", true),

		// MySQL defaults (TiDB speaks the same protocol on 4000)
		MySQLHost:     getEnv("MYSQL_HOST", "localhost"),
		MySQLPort:     getEnv("MYSQL_PORT", "4000"),
		MySQLUser:     getEnv("MYSQL_USER", "root"),
		MySQLPassword: getEnv("MYSQL_PASSWORD", ""),
		MySQLDatabase: getEnv("MYSQL_DATABASE", "permastore"),

		// MongoDB defaults
		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: getEnv("MONGO_DATABASE", "permastore"),

		// MinIO defaults
		MinIOEndpoint:   getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey:  getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey:  getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucketName: getEnv("MINIO_BUCKET_NAME", "permastore"),
		MinIOUseSSL:     getEnvAsBool("MINIO_USE_SSL", false),

		// Redis defaults
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// Jaeger defaults
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "localhost:4318"),
		TracingEnabled: getEnvAsBool("TRACING_ENABLED", true),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks required settings and value ranges
func (c *Config) Validate() error {
	var errs []error
	if c.BotToken == "" {
		errs = append(errs, errors.New("BOT_TOKEN is required"))
	}
	if c.UpdateChannel == "" {
		errs = append(errs, errors.New("UPDATE_CHANNEL is required"))
	}
	if c.LogChannel == "" {
		errs = append(errs, errors.New("LOG_CHANNEL is required"))
	}
	if c.LinkTTL <= 0 {
		errs = append(errs, fmt.Errorf("LINK_TTL must be positive, got %s", c.LinkTTL))
	}
	if c.TokenLength <= 0 {
		errs = append(errs, fmt.Errorf("TOKEN_LENGTH must be positive, got %d", c.TokenLength))
	}
	if c.MintRetries <= 0 {
		errs = append(errs, fmt.Errorf("MINT_RETRIES must be positive, got %d", c.MintRetries))
	}
	switch c.LinkStore {
	case BackendMySQL, BackendMongo, BackendMinIO, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("LINK_STORE %q is not one of mysql, mongo, minio, memory", c.LinkStore))
	}
	switch c.BatchStore {
	case BackendRedis, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("BATCH_STORE %q is not one of redis, memory", c.BatchStore))
	}
	return errors.Join(errs...)
}

// GetDSN returns the MySQL connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.MySQLUser,
		c.MySQLPassword,
		c.MySQLHost,
		c.MySQLPort,
		c.MySQLDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// UsesRedis reports whether any component needs a Redis connection
func (c *Config) UsesRedis() bool {
	return c.BatchStore == BackendRedis || c.ExpiryJournal
}

// IsAdmin reports whether userID may upload items
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("10m") or plain seconds ("600")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsInt64List parses a comma or space separated id list
func getEnvAsInt64List(key string) ([]int64, error) {
	fields := strings.FieldsFunc(getEnv(key, ""), func(r rune) bool {
		return r == ',' || r == ' '
	})
	ids := make([]int64, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid id %q: %w", key, f, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

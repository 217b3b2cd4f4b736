package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	Server    ServerConfig    `mapstructure:"server"`
	Lock      LockConfig      `mapstructure:"lock"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// StorageConfig holds storage-related configuration
type StorageConfig struct {
	Type string `mapstructure:"type" validate:"oneof=sheets postgresql mongodb dynamodb memory"`

	// Google Sheets
	SpreadsheetID     string `mapstructure:"spreadsheet_id" validate:"required_if=Type sheets"`
	GoogleCredentials string `mapstructure:"google_credentials"`
	SheetsEndpoint    string `mapstructure:"sheets_endpoint"`
	LogRange          string `mapstructure:"log_range" validate:"required"`
	MetricsSheet      string `mapstructure:"metrics_sheet" validate:"required"`

	// Table-backed stores
	TableName    string `mapstructure:"table_name" validate:"required"`
	LogTableName string `mapstructure:"log_table_name" validate:"required"`
	Region       string `mapstructure:"region"`   // For AWS DynamoDB
	Endpoint     string `mapstructure:"endpoint"` // Custom endpoint for local testing
	MongoDBURI   string `mapstructure:"mongodb_uri" validate:"required_if=Type mongodb"`
	MongoDBName  string `mapstructure:"mongodb_database"`
	PostgresURI  string `mapstructure:"postgres_uri" validate:"required_if=Type postgresql"`
}

// ProviderConfig holds metrics provider configuration
type ProviderConfig struct {
	BaseURL           string        `mapstructure:"base_url" validate:"required,url"`
	Token             string        `mapstructure:"token"`
	ActorID           string        `mapstructure:"actor_id" validate:"required"`
	Timeout           time.Duration `mapstructure:"timeout" validate:"min=0"`
	PollInterval      time.Duration `mapstructure:"poll_interval" validate:"min=0"`
	MaxPolls          int           `mapstructure:"max_polls" validate:"min=1"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"min=0"`
}

// IngestionConfig holds batching, retry, pacing and scheduling configuration
type IngestionConfig struct {
	BatchSize           int           `mapstructure:"batch_size" validate:"min=1"`
	BatchDelay          time.Duration `mapstructure:"batch_delay" validate:"min=0"`
	MaxRetries          int           `mapstructure:"max_retries" validate:"min=1"`
	InitialDelay        time.Duration `mapstructure:"initial_delay" validate:"min=0"`
	UpdateBatchSize     int           `mapstructure:"update_batch_size" validate:"min=1"`
	InsertBatchSize     int           `mapstructure:"insert_batch_size" validate:"min=1"`
	WriteDelay          time.Duration `mapstructure:"write_delay" validate:"min=0"`
	WriteBatchDelay     time.Duration `mapstructure:"write_batch_delay" validate:"min=0"`
	PlaceholderPatterns []string      `mapstructure:"placeholder_patterns"`
	TimeZone            string        `mapstructure:"time_zone"`
	Interval            time.Duration `mapstructure:"interval" validate:"min=0"`
	ScheduleType        string        `mapstructure:"schedule_type" validate:"omitempty,oneof=single multiple month all"`
	ScheduleValue       string        `mapstructure:"schedule_value"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LockConfig holds run serialization configuration
type LockConfig struct {
	Type          string        `mapstructure:"type" validate:"oneof=none local redis"`
	RedisAddr     string        `mapstructure:"redis_addr" validate:"required_if=Type redis"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db" validate:"min=0"`
	Key           string        `mapstructure:"key"`
	TTL           time.Duration `mapstructure:"ttl" validate:"min=0"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// defaults are keyed by viper path.
var defaults = map[string]any{
	"storage.type":             "sheets",
	"storage.log_range":        "Sheet1!A:D",
	"storage.metrics_sheet":    "PostMetrics",
	"storage.table_name":       "post_metrics",
	"storage.log_table_name":   "logged_posts",
	"storage.region":           "us-west-2",
	"storage.mongodb_database": "post_metrics",

	"provider.base_url":            "https://api.apify.com",
	"provider.actor_id":            "kaitoeasyapi~twitter-x-data-tweet-scraper-pay-per-result-cheapest",
	"provider.timeout":             30 * time.Second,
	"provider.poll_interval":       5 * time.Second,
	"provider.max_polls":           60,
	"provider.requests_per_second": 2.0,

	"ingestion.batch_size":           15,
	"ingestion.batch_delay":          2 * time.Second,
	"ingestion.max_retries":          3,
	"ingestion.initial_delay":        time.Second,
	"ingestion.update_batch_size":    10,
	"ingestion.insert_batch_size":    10,
	"ingestion.write_delay":          500 * time.Millisecond,
	"ingestion.write_batch_delay":    2 * time.Second,
	"ingestion.placeholder_patterns": []string{"From KaitoEasyAPI, a reminder"},
	"ingestion.time_zone":            "Local",
	"ingestion.interval":             time.Duration(0),
	"ingestion.schedule_type":        "all",

	"server.port":          3000,
	"server.read_timeout":  15 * time.Second,
	"server.write_timeout": 15 * time.Minute,

	"lock.type": "local",
	"lock.key":  "post-metrics:run",
	"lock.ttl":  30 * time.Minute,

	"logging.level":  "info",
	"logging.format": "json",
}

// envBindings maps viper paths to environment variables, first match wins.
var envBindings = map[string][]string{
	"storage.type":               {"STORAGE_TYPE"},
	"storage.spreadsheet_id":     {"SPREADSHEET_ID"},
	"storage.google_credentials": {"GOOGLE_CREDENTIALS"},
	"storage.sheets_endpoint":    {"SHEETS_ENDPOINT"},
	"storage.log_range":          {"LOG_RANGE"},
	"storage.metrics_sheet":      {"METRICS_SHEET"},
	"storage.table_name":         {"TABLE_NAME"},
	"storage.log_table_name":     {"LOG_TABLE_NAME"},
	"storage.region":             {"AWS_REGION"},
	"storage.endpoint":           {"DYNAMODB_ENDPOINT"},
	"storage.mongodb_uri":        {"MONGODB_URI"},
	"storage.mongodb_database":   {"MONGODB_DATABASE"},
	"storage.postgres_uri":       {"POSTGRES_URI"},

	"provider.base_url":            {"PROVIDER_BASE_URL"},
	"provider.token":               {"APIFY_TOKEN"},
	"provider.actor_id":            {"PROVIDER_ACTOR_ID"},
	"provider.timeout":             {"API_TIMEOUT"},
	"provider.poll_interval":       {"PROVIDER_POLL_INTERVAL"},
	"provider.max_polls":           {"PROVIDER_MAX_POLLS"},
	"provider.requests_per_second": {"PROVIDER_RPS"},

	"ingestion.batch_size":        {"BATCH_SIZE"},
	"ingestion.batch_delay":       {"BATCH_DELAY"},
	"ingestion.max_retries":       {"RETRY_COUNT"},
	"ingestion.initial_delay":     {"RETRY_INITIAL_DELAY"},
	"ingestion.update_batch_size": {"UPDATE_BATCH_SIZE"},
	"ingestion.insert_batch_size": {"INSERT_BATCH_SIZE"},
	"ingestion.write_delay":       {"WRITE_DELAY"},
	"ingestion.write_batch_delay": {"WRITE_BATCH_DELAY"},
	"ingestion.time_zone":         {"TIME_ZONE"},
	"ingestion.interval":          {"INGESTION_INTERVAL"},
	"ingestion.schedule_type":     {"SCHEDULE_TYPE"},
	"ingestion.schedule_value":    {"SCHEDULE_VALUE"},

	"server.port":          {"SERVER_PORT", "PORT"},
	"server.read_timeout":  {"SERVER_READ_TIMEOUT"},
	"server.write_timeout": {"SERVER_WRITE_TIMEOUT"},

	"lock.type":           {"LOCK_TYPE"},
	"lock.redis_addr":     {"REDIS_ADDR"},
	"lock.redis_password": {"REDIS_PASSWORD"},
	"lock.redis_db":       {"REDIS_DB"},
	"lock.key":            {"LOCK_KEY"},
	"lock.ttl":            {"LOCK_TTL"},

	"logging.level":  {"LOG_LEVEL"},
	"logging.format": {"LOG_FORMAT"},
}

// Load loads configuration from defaults, an optional YAML file named by
// CONFIG_PATH, and environment variables (which take precedence)
func Load() (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Patterns may contain commas, so the env form is pipe separated.
	if patterns := os.Getenv("PLACEHOLDER_PATTERNS"); patterns != "" {
		cfg.Ingestion.PlaceholderPatterns = strings.Split(patterns, "|")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration against its struct constraints
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// Location resolves the configured time zone used for month selections
func (c IngestionConfig) Location() (*time.Location, error) {
	if c.TimeZone == "" || strings.EqualFold(c.TimeZone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid time zone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

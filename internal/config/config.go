package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Records   RecordsConfig   `json:"records"`
	Engine    EngineConfig    `json:"engine"`
	Cache     CacheConfig     `json:"cache"`
	Dashboard DashboardConfig `json:"dashboard"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Auth      AuthConfig      `json:"auth"`
	Logging   LoggingConfig   `json:"logging"`
	Catalog   CatalogConfig   `json:"catalog"`
	Plugin    PluginConfig    `json:"plugin"`
}

// Duration is a time.Duration that reads "90s" style strings from JSON.
// Plain numbers are taken as nanoseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host         string   `json:"host"`
	Port         int      `json:"port" validate:"min=1,max=65535"`
	ReadTimeout  Duration `json:"read_timeout" validate:"gte=0"`
	WriteTimeout Duration `json:"write_timeout" validate:"gte=0"`
	IdleTimeout  Duration `json:"idle_timeout" validate:"gte=0"`
	Mode         string   `json:"mode" validate:"oneof=debug release test"`
}

// DatabaseConfig is the PostgreSQL database holding report definitions
// when the catalog's report source is "database".
type DatabaseConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port" validate:"min=1,max=65535"`
	User           string   `json:"user"`
	Password       string   `json:"password"`
	DBName         string   `json:"db_name"`
	SSLMode        string   `json:"ssl_mode"`
	MaxConnections int      `json:"max_connections" validate:"gte=0"`
	MaxIdleConns   int      `json:"max_idle_conns" validate:"gte=0"`
	MaxLifetime    Duration `json:"max_lifetime" validate:"gte=0"`
}

// Record store backends.
const (
	BackendMemory     = "memory"
	BackendPostgres   = "postgres"
	BackendClickHouse = "clickhouse"
	BackendMongo      = "mongo"
	BackendElastic    = "elastic"
)

// RecordsConfig selects and configures the record store
type RecordsConfig struct {
	Backend string `json:"backend" validate:"oneof=memory postgres clickhouse mongo elastic"`
	// DSN is used by the postgres and clickhouse backends.
	DSN string `json:"dsn" validate:"required_if=Backend postgres,required_if=Backend clickhouse"`
	// Tables maps object names to table names for SQL backends.
	Tables        map[string]string `json:"tables,omitempty"`
	MongoURI      string            `json:"mongo_uri" validate:"required_if=Backend mongo"`
	MongoDatabase string            `json:"mongo_database" validate:"required_if=Backend mongo"`
	ElasticURLs   []string          `json:"elastic_urls" validate:"required_if=Backend elastic,dive,url"`
	ElasticUser   string            `json:"elastic_user"`
	ElasticPass   string            `json:"elastic_password"`
	IndexPrefix   string            `json:"index_prefix"`
	// RateLimit caps queries per second against the store. Zero disables it.
	RateLimit float64 `json:"rate_limit" validate:"gte=0"`
	RateBurst int     `json:"rate_burst" validate:"gte=0"`
}

// EngineConfig bounds ad-hoc report executions
type EngineConfig struct {
	ExecutionTimeout Duration `json:"execution_timeout" validate:"gte=0"`
}

// CacheConfig configures the report result cache
type CacheConfig struct {
	DefaultTTL      Duration `json:"default_ttl" validate:"gt=0"`
	MaxEntries      int      `json:"max_entries" validate:"gt=0"`
	CleanupInterval Duration `json:"cleanup_interval" validate:"gte=0"`
}

// DashboardConfig configures widget resolution
type DashboardConfig struct {
	MaxConcurrency int      `json:"max_concurrency" validate:"gt=0"`
	WidgetTimeout  Duration `json:"widget_timeout" validate:"gte=0"`
}

// SchedulerConfig configures the report scheduler and its state store
type SchedulerConfig struct {
	Enabled        bool     `json:"enabled"`
	PollInterval   Duration `json:"poll_interval" validate:"gt=0"`
	MaxAttempts    int      `json:"max_attempts" validate:"gt=0"`
	InitialBackoff Duration `json:"initial_backoff" validate:"gte=0"`
	MaxBackoff     Duration `json:"max_backoff" validate:"gte=0"`
	RunTimeout     Duration `json:"run_timeout" validate:"gte=0"`
	Store          string   `json:"store" validate:"oneof=memory dynamodb"`
	DynamoTable    string   `json:"dynamo_table" validate:"required_if=Store dynamodb"`
}

// DeliveryConfig configures the sinks scheduled reports can be sent to.
// A sink is enabled when its section is filled in.
type DeliveryConfig struct {
	AWS     AWSConfig     `json:"aws"`
	SMTP    SMTPConfig    `json:"smtp"`
	SES     SESConfig     `json:"ses"`
	SNS     SNSConfig     `json:"sns"`
	S3      S3Config      `json:"s3"`
	Webhook WebhookConfig `json:"webhook"`
}

// AWSConfig is shared by the SES, SNS, S3 and DynamoDB clients
type AWSConfig struct {
	Region          string `json:"region"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Endpoint        string `json:"endpoint" validate:"omitempty,url"`
}

type SMTPConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port" validate:"gte=0,lte=65535"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	FromAddress string `json:"from_address" validate:"required_with=Host,omitempty,email"`
	FromName    string `json:"from_name"`
}

type SESConfig struct {
	FromAddress string `json:"from_address" validate:"omitempty,email"`
	FromName    string `json:"from_name"`
}

type SNSConfig struct {
	TopicARN string `json:"topic_arn"`
}

type S3Config struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`
}

type WebhookConfig struct {
	Timeout Duration          `json:"timeout" validate:"gte=0"`
	Headers map[string]string `json:"headers,omitempty"`
}

// AuthConfig configures bearer token verification
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" validate:"omitempty,min=16"`
	Issuer    string `json:"issuer"`
}

// LoggingConfig configures the zap logger
type LoggingConfig struct {
	Level  string `json:"level" validate:"oneof=debug info warn error"`
	Format string `json:"format" validate:"oneof=json console"`
	// File, when set, receives logs rotated by size.
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `json:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `json:"max_age_days" validate:"gte=0"`
	Compress   bool   `json:"compress"`
}

// CatalogConfig points at the definitions catalog
type CatalogConfig struct {
	Path string `json:"path"`
	// ReportSource is "catalog" to serve reports from the catalog file or
	// "database" to read them from PostgreSQL.
	ReportSource string `json:"report_source" validate:"oneof=catalog database"`
}

// PluginConfig describes the plugin to the host
type PluginConfig struct {
	Name    string `json:"name" validate:"required"`
	Version string `json:"version" validate:"required"`
}

// Default returns the configuration used before any file or environment
// values are applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  Duration(15 * time.Second),
			WriteTimeout: Duration(60 * time.Second),
			IdleTimeout:  Duration(2 * time.Minute),
			Mode:         "release",
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			User:           os.Getenv("USER"),
			DBName:         "analytics",
			SSLMode:        "disable",
			MaxConnections: 25,
			MaxIdleConns:   5,
			MaxLifetime:    Duration(time.Hour),
		},
		Records: RecordsConfig{
			Backend:   BackendMemory,
			RateBurst: 1,
		},
		Engine: EngineConfig{
			ExecutionTimeout: Duration(2 * time.Minute),
		},
		Cache: CacheConfig{
			DefaultTTL:      Duration(5 * time.Minute),
			MaxEntries:      1000,
			CleanupInterval: Duration(time.Minute),
		},
		Dashboard: DashboardConfig{
			MaxConcurrency: 4,
			WidgetTimeout:  Duration(30 * time.Second),
		},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			PollInterval:   Duration(30 * time.Second),
			MaxAttempts:    3,
			InitialBackoff: Duration(time.Second),
			MaxBackoff:     Duration(30 * time.Second),
			RunTimeout:     Duration(5 * time.Minute),
			Store:          "memory",
		},
		Delivery: DeliveryConfig{
			SMTP:    SMTPConfig{Port: 587},
			S3:      S3Config{Prefix: "reports"},
			Webhook: WebhookConfig{Timeout: Duration(10 * time.Second)},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Catalog: CatalogConfig{
			Path:         "catalog.json",
			ReportSource: "catalog",
		},
		Plugin: PluginConfig{
			Name:    "analytics-engine",
			Version: "1.0.0",
		},
	}
}

// LoadConfig loads configuration from file and environment variables.
// A missing file is not an error; a malformed one is. A .env file in the
// working directory is loaded before environment overrides are applied and
// never replaces variables that are already set.
func LoadConfig(configPath string) (*Config, error) {
	config := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := overrideWithEnv(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

type envVar struct {
	name  string
	apply func(string) error
}

func str(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func integer(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func float(dst *float64) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst = f
		return nil
	}
}

func boolean(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func duration(dst *Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = Duration(d)
		return nil
	}
}

func list(dst *[]string) func(string) error {
	return func(v string) error {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*dst = out
		return nil
	}
}

func overrideWithEnv(config *Config) error {
	vars := []envVar{
		{"SERVER_HOST", str(&config.Server.Host)},
		{"SERVER_PORT", integer(&config.Server.Port)},
		{"DATABASE_HOST", str(&config.Database.Host)},
		{"DATABASE_PORT", integer(&config.Database.Port)},
		{"DATABASE_USER", str(&config.Database.User)},
		{"DATABASE_PASSWORD", str(&config.Database.Password)},
		{"DATABASE_DBNAME", str(&config.Database.DBName)},
		{"DATABASE_SSLMODE", str(&config.Database.SSLMode)},

		{"ANALYTICS_SERVER_MODE", str(&config.Server.Mode)},
		{"ANALYTICS_RECORDS_BACKEND", str(&config.Records.Backend)},
		{"ANALYTICS_RECORDS_DSN", str(&config.Records.DSN)},
		{"ANALYTICS_MONGO_URI", str(&config.Records.MongoURI)},
		{"ANALYTICS_MONGO_DATABASE", str(&config.Records.MongoDatabase)},
		{"ANALYTICS_ELASTIC_URLS", list(&config.Records.ElasticURLs)},
		{"ANALYTICS_ELASTIC_USER", str(&config.Records.ElasticUser)},
		{"ANALYTICS_ELASTIC_PASSWORD", str(&config.Records.ElasticPass)},
		{"ANALYTICS_RECORDS_RATE_LIMIT", float(&config.Records.RateLimit)},
		{"ANALYTICS_EXECUTION_TIMEOUT", duration(&config.Engine.ExecutionTimeout)},
		{"ANALYTICS_CACHE_TTL", duration(&config.Cache.DefaultTTL)},
		{"ANALYTICS_CACHE_MAX_ENTRIES", integer(&config.Cache.MaxEntries)},
		{"ANALYTICS_DASHBOARD_CONCURRENCY", integer(&config.Dashboard.MaxConcurrency)},
		{"ANALYTICS_SCHEDULER_ENABLED", boolean(&config.Scheduler.Enabled)},
		{"ANALYTICS_SCHEDULER_POLL_INTERVAL", duration(&config.Scheduler.PollInterval)},
		{"ANALYTICS_SCHEDULER_STORE", str(&config.Scheduler.Store)},
		{"ANALYTICS_SCHEDULER_DYNAMO_TABLE", str(&config.Scheduler.DynamoTable)},
		{"ANALYTICS_AWS_REGION", str(&config.Delivery.AWS.Region)},
		{"ANALYTICS_AWS_ACCESS_KEY_ID", str(&config.Delivery.AWS.AccessKeyID)},
		{"ANALYTICS_AWS_SECRET_ACCESS_KEY", str(&config.Delivery.AWS.SecretAccessKey)},
		{"ANALYTICS_AWS_ENDPOINT", str(&config.Delivery.AWS.Endpoint)},
		{"ANALYTICS_SMTP_HOST", str(&config.Delivery.SMTP.Host)},
		{"ANALYTICS_SMTP_PORT", integer(&config.Delivery.SMTP.Port)},
		{"ANALYTICS_SMTP_USERNAME", str(&config.Delivery.SMTP.Username)},
		{"ANALYTICS_SMTP_PASSWORD", str(&config.Delivery.SMTP.Password)},
		{"ANALYTICS_SMTP_FROM", str(&config.Delivery.SMTP.FromAddress)},
		{"ANALYTICS_SES_FROM", str(&config.Delivery.SES.FromAddress)},
		{"ANALYTICS_SNS_TOPIC_ARN", str(&config.Delivery.SNS.TopicARN)},
		{"ANALYTICS_S3_BUCKET", str(&config.Delivery.S3.Bucket)},
		{"ANALYTICS_JWT_SECRET", str(&config.Auth.JWTSecret)},
		{"ANALYTICS_JWT_ISSUER", str(&config.Auth.Issuer)},
		{"ANALYTICS_LOG_LEVEL", str(&config.Logging.Level)},
		{"ANALYTICS_LOG_FORMAT", str(&config.Logging.Format)},
		{"ANALYTICS_LOG_FILE", str(&config.Logging.File)},
		{"ANALYTICS_CATALOG_PATH", str(&config.Catalog.Path)},
		{"ANALYTICS_REPORT_SOURCE", str(&config.Catalog.ReportSource)},
	}

	for _, v := range vars {
		raw, ok := os.LookupEnv(v.name)
		if !ok || raw == "" {
			continue
		}
		if err := v.apply(raw); err != nil {
			return fmt.Errorf("invalid %s: %w", v.name, err)
		}
	}
	return nil
}

// GetDatabaseURL returns the database connection string
func (c *DatabaseConfig) GetDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/timmy/triage/internal/logger"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Qdrant     QdrantConfig     `mapstructure:"qdrant"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Digest     DigestConfig     `mapstructure:"digest"`
	Connectors ConnectorsConfig `mapstructure:"connectors"`
	Priority   PriorityConfig   `mapstructure:"priority"`
	Chunker    ChunkerConfig    `mapstructure:"chunker"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Log        LogConfig        `mapstructure:"log"`
}

// LogConfig selects level, format and an optional rotated log file. The
// LOG_LEVEL, LOG_FORMAT and LOG_FILE environment variables override it.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	ServiceName string `mapstructure:"service_name"`
	File        string `mapstructure:"file"`
	FileOnly    bool   `mapstructure:"file_only"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// Options converts the section for logger.New.
func (c LogConfig) Options() logger.Options {
	return logger.Options{
		Level:       c.Level,
		Format:      c.Format,
		ServiceName: c.ServiceName,
		File:        c.File,
		FileOnly:    c.FileOnly,
		MaxSizeMB:   c.MaxSizeMB,
		MaxBackups:  c.MaxBackups,
		MaxAgeDays:  c.MaxAgeDays,
		Compress:    c.Compress,
	}
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite or postgres
	Path            string        `mapstructure:"path"`   // sqlite file path
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// DSN builds the driver-specific connection string.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
			c.Host, c.Port, c.User, c.Password, c.DBName, sslMode)
	}
	return c.Path
}

type QdrantConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Collection string `mapstructure:"collection"`
	APIKey     string `mapstructure:"api_key"`
	UseTLS     bool   `mapstructure:"use_tls"`
}

// StorageConfig configures the S3-compatible raw record archive.
type StorageConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Type      string `mapstructure:"type"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
}

type NotifyConfig struct {
	Driver       string        `mapstructure:"driver"` // webhook, kafka, log
	WebhookURL   string        `mapstructure:"webhook_url"`
	WebhookToken string        `mapstructure:"webhook_token"`
	KafkaBrokers string        `mapstructure:"kafka_brokers"`
	KafkaTopic   string        `mapstructure:"kafka_topic"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type DigestConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Model   string        `mapstructure:"model"`
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Window  time.Duration `mapstructure:"window"`
	Limit   int           `mapstructure:"limit"`
}

type ConnectorsConfig struct {
	Mail ConnectorConfig `mapstructure:"mail"`
	Chat ConnectorConfig `mapstructure:"chat"`
}

// ConnectorConfig points at the connector service that speaks a provider's API.
type ConnectorConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Driver   string        `mapstructure:"driver"` // http or staging
	Path     string        `mapstructure:"path"`   // staging directory
	BaseURL  string        `mapstructure:"base_url"`
	Token    string        `mapstructure:"token"`
	PageSize int           `mapstructure:"page_size"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// PriorityConfig holds the scoring weights and label thresholds.
type PriorityConfig struct {
	CriticalThreshold      float64       `mapstructure:"critical_threshold"`
	ImportantThreshold     float64       `mapstructure:"important_threshold"`
	IntrusiveThreshold     float64       `mapstructure:"intrusive_threshold"`
	RequiresResponseWeight float64       `mapstructure:"requires_response_weight"`
	UrgencyWeight          float64       `mapstructure:"urgency_weight"`
	HighUrgency            float64       `mapstructure:"high_urgency"`
	OverdueWeight          float64       `mapstructure:"overdue_weight"`
	DueSoonWeight          float64       `mapstructure:"due_soon_weight"`
	DueSoonWindow          time.Duration `mapstructure:"due_soon_window"`
	SenderWeight           float64       `mapstructure:"sender_weight"`
	ImportantSender        float64       `mapstructure:"important_sender"`
	MentionWeight          float64       `mapstructure:"mention_weight"`
}

type ChunkerConfig struct {
	MaxTokens int `mapstructure:"max_tokens"`
}

type QueueConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	StuckAfter  time.Duration `mapstructure:"stuck_after"`
}

type WorkerConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	BatchLimit        int           `mapstructure:"batch_limit"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	Tenants           []string      `mapstructure:"tenants"`
	DrainSchedule     string        `mapstructure:"drain_schedule"`
	IngestSchedule    string        `mapstructure:"ingest_schedule"`
	EmbeddingSchedule string        `mapstructure:"embedding_schedule"`
	RecoverSchedule   string        `mapstructure:"recover_schedule"`
	DigestSchedule    string        `mapstructure:"digest_schedule"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.host", "DATABASE_HOST")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("qdrant.host", "QDRANT_HOST")
	v.BindEnv("qdrant.port", "QDRANT_PORT")
	v.BindEnv("qdrant.api_key", "QDRANT_API_KEY")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("embedding.api_key", "EMBEDDING_API_KEY")
	v.BindEnv("embedding.base_url", "EMBEDDING_BASE_URL")
	v.BindEnv("digest.api_key", "OPENAI_API_KEY")
	v.BindEnv("digest.base_url", "OPENAI_BASE_URL")
	v.BindEnv("notify.webhook_url", "NOTIFY_WEBHOOK_URL")
	v.BindEnv("notify.webhook_token", "NOTIFY_WEBHOOK_TOKEN")
	v.BindEnv("notify.kafka_brokers", "KAFKA_BROKERS")
	v.BindEnv("connectors.mail.token", "MAIL_CONNECTOR_TOKEN")
	v.BindEnv("connectors.chat.token", "CHAT_CONNECTOR_TOKEN")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.service_name", "triage")
	v.SetDefault("log.file", "")
	v.SetDefault("log.file_only", false)
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/triage.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("qdrant.enabled", false)
	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.collection", "activity_chunks")

	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.bucket", "raw-activities")

	v.SetDefault("embedding.name", "default")
	v.SetDefault("embedding.provider", "jina")
	v.SetDefault("embedding.model", "jina-embeddings-v3")
	v.SetDefault("embedding.dimensions", 1024)
	v.SetDefault("embedding.batch_size", 32)
	v.SetDefault("embedding.api_key_env", "JINA_API_KEY")

	v.SetDefault("notify.driver", "log")
	v.SetDefault("notify.kafka_topic", "escalation-notifications")
	v.SetDefault("notify.timeout", 5*time.Second)

	v.SetDefault("digest.enabled", false)
	v.SetDefault("digest.model", "gpt-4o-mini")
	v.SetDefault("digest.base_url", "https://api.openai.com/v1")
	v.SetDefault("digest.window", 24*time.Hour)
	v.SetDefault("digest.limit", 50)

	for _, name := range []string{"mail", "chat"} {
		v.SetDefault("connectors."+name+".enabled", false)
		v.SetDefault("connectors."+name+".driver", "http")
		v.SetDefault("connectors."+name+".path", "./data/staging")
		v.SetDefault("connectors."+name+".page_size", 50)
		v.SetDefault("connectors."+name+".timeout", 30*time.Second)
	}

	v.SetDefault("priority.critical_threshold", 0.8)
	v.SetDefault("priority.important_threshold", 0.5)
	v.SetDefault("priority.intrusive_threshold", 0.9)
	v.SetDefault("priority.requires_response_weight", 0.3)
	v.SetDefault("priority.urgency_weight", 0.5)
	v.SetDefault("priority.high_urgency", 0.7)
	v.SetDefault("priority.overdue_weight", 0.2)
	v.SetDefault("priority.due_soon_weight", 0.1)
	v.SetDefault("priority.due_soon_window", 24*time.Hour)
	v.SetDefault("priority.sender_weight", 0.15)
	v.SetDefault("priority.important_sender", 0.8)
	v.SetDefault("priority.mention_weight", 0.1)

	v.SetDefault("chunker.max_tokens", 550)

	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.stuck_after", 30*time.Minute)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.batch_limit", 25)
	v.SetDefault("worker.poll_interval", 2*time.Second)
	v.SetDefault("worker.tenants", []string{})
	v.SetDefault("worker.drain_schedule", "@every 1m")
	v.SetDefault("worker.ingest_schedule", "@every 15m")
	v.SetDefault("worker.embedding_schedule", "@every 5m")
	v.SetDefault("worker.recover_schedule", "@every 10m")
	v.SetDefault("worker.digest_schedule", "0 7 * * *")
}

// Validate checks cross-field constraints that defaults cannot guarantee.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database: unknown driver %q", c.Database.Driver)
	}
	p := c.Priority
	if p.ImportantThreshold <= 0 || p.ImportantThreshold > p.CriticalThreshold || p.CriticalThreshold > 1 {
		return fmt.Errorf("priority: thresholds must satisfy 0 < important (%.2f) <= critical (%.2f) <= 1",
			p.ImportantThreshold, p.CriticalThreshold)
	}
	if c.Chunker.MaxTokens <= 0 {
		return fmt.Errorf("chunker: max_tokens must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue: max_attempts must be positive")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log: unknown format %q", c.Log.Format)
	}
	switch c.Notify.Driver {
	case "log":
	case "webhook":
		if c.Notify.WebhookURL == "" {
			return fmt.Errorf("notify: webhook_url is required for the webhook driver")
		}
	case "kafka":
		if c.Notify.KafkaBrokers == "" || c.Notify.KafkaTopic == "" {
			return fmt.Errorf("notify: kafka_brokers and kafka_topic are required for the kafka driver")
		}
	default:
		return fmt.Errorf("notify: unknown driver %q", c.Notify.Driver)
	}
	return nil
}

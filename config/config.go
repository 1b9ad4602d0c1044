package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the hive service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Queen     QueenConfig     `mapstructure:"queen"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// Provider types understood by the model gateway.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// LLMConfig describes the two model paths: the low-cost primary and the metered fallback.
type LLMConfig struct {
	Primary       PrimaryProviderConfig  `mapstructure:"primary"`
	Fallback      FallbackProviderConfig `mapstructure:"fallback"`
	ForceFallback bool                   `mapstructure:"force_fallback"` // queen only
}

// PrimaryProviderConfig configures the local/low-cost provider.
type PrimaryProviderConfig struct {
	Type       string        `mapstructure:"type"` // ollama or openai (any OpenAI-compatible endpoint)
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// FallbackProviderConfig configures the metered provider used only by the queen.
type FallbackProviderConfig struct {
	Type            string        `mapstructure:"type"`
	APIKey          string        `mapstructure:"api_key"`
	Model           string        `mapstructure:"model"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxCostUSD      float64       `mapstructure:"max_cost_usd"`
	MaxCalls        int64         `mapstructure:"max_calls"`
	BudgetWindow    time.Duration `mapstructure:"budget_window"` // 0 = lifetime of the process
	CostPer1KInput  float64       `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64       `mapstructure:"cost_per_1k_output"`
}

func (c LLMConfig) Validate() error {
	switch c.Primary.Type {
	case ProviderOllama, ProviderOpenAI:
	default:
		return fmt.Errorf("llm.primary.type must be %q or %q, got %q", ProviderOllama, ProviderOpenAI, c.Primary.Type)
	}
	if strings.TrimSpace(c.Primary.BaseURL) == "" {
		return fmt.Errorf("llm.primary.base_url required")
	}
	if c.Fallback.Type != "" && c.Fallback.Type != ProviderAnthropic {
		return fmt.Errorf("llm.fallback.type must be %q when set", ProviderAnthropic)
	}
	if c.Fallback.MaxCostUSD < 0 {
		return fmt.Errorf("llm.fallback.max_cost_usd cannot be negative")
	}
	if c.Fallback.MaxCalls < 0 || c.Fallback.BudgetWindow < 0 {
		return fmt.Errorf("llm.fallback.max_calls and budget_window cannot be negative")
	}
	if c.ForceFallback && c.Fallback.Type == "" {
		return fmt.Errorf("llm.force_fallback requires llm.fallback.type")
	}
	return nil
}

// QueenConfig controls the controller agent.
type QueenConfig struct {
	Name            string        `mapstructure:"name"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	KnowledgeTopK   int           `mapstructure:"knowledge_top_k"`
	RecentDecisions int           `mapstructure:"recent_decisions"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens"`
}

// WorkerConfig controls subordinate loops.
type WorkerConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	BatchSize          int           `mapstructure:"batch_size"`
	KnowledgeTopK      int           `mapstructure:"knowledge_top_k"`
	EscalationPriority int           `mapstructure:"escalation_priority"`
	MinPromptLength    int           `mapstructure:"min_prompt_length"`
	DefaultModel       string        `mapstructure:"default_model"`
	Temperature        float64       `mapstructure:"temperature"`
	MaxTokens          int           `mapstructure:"max_tokens"`
}

// Normalize applies defaults for unset worker values.
func (w WorkerConfig) Normalize() WorkerConfig {
	if w.PollInterval <= 0 {
		w.PollInterval = 8 * time.Second
	}
	if w.BatchSize <= 0 {
		w.BatchSize = 3
	}
	if w.KnowledgeTopK <= 0 {
		w.KnowledgeTopK = 3
	}
	if w.EscalationPriority <= 0 {
		w.EscalationPriority = 7
	}
	if w.MinPromptLength <= 0 {
		w.MinPromptLength = 50
	}
	if strings.TrimSpace(w.DefaultModel) == "" {
		w.DefaultModel = "llama3.1:8b"
	}
	if w.MaxTokens <= 0 {
		w.MaxTokens = 1024
	}
	return w
}

// Normalize applies defaults for unset queen values.
func (q QueenConfig) Normalize() QueenConfig {
	if strings.TrimSpace(q.Name) == "" {
		q.Name = "Sophia"
	}
	if q.PollInterval <= 0 {
		q.PollInterval = 5 * time.Second
	}
	if q.BatchSize <= 0 {
		q.BatchSize = 5
	}
	if q.KnowledgeTopK <= 0 {
		q.KnowledgeTopK = 5
	}
	if q.RecentDecisions <= 0 {
		q.RecentDecisions = 5
	}
	if q.MaxTokens <= 0 {
		q.MaxTokens = 2048
	}
	return q
}

// KnowledgeConfig controls the knowledge connector.
type KnowledgeConfig struct {
	ResyncCron string `mapstructure:"resync_cron"`
	MaxDocs    int    `mapstructure:"max_docs"`
}

// MonitorConfig controls the anomaly sweep.
type MonitorConfig struct {
	Cron           string        `mapstructure:"cron"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	StuckAfter     time.Duration `mapstructure:"stuck_after"`
	ErrorWindow    time.Duration `mapstructure:"error_window"`
	ErrorThreshold int           `mapstructure:"error_threshold"`
	AlertPriority  int           `mapstructure:"alert_priority"`
}

// Validate checks the monitor thresholds.
func (m MonitorConfig) Validate() error {
	if m.StaleAfter <= 0 || m.StuckAfter <= 0 || m.ErrorWindow <= 0 {
		return fmt.Errorf("monitor stale_after, stuck_after and error_window must be positive")
	}
	if m.AlertPriority < 0 || m.AlertPriority > 10 {
		return fmt.Errorf("monitor alert_priority must be between 0 and 10")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	OTLPEndpoint   string        `mapstructure:"otlp_endpoint"`
	SampleRatio    float64       `mapstructure:"sample_ratio"`
	ExportInterval time.Duration `mapstructure:"export_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.default_timeout", 30*time.Second)
	v.SetDefault("server.address", ":10001")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.timeout", 5*time.Second)
	v.SetDefault("llm.primary.type", ProviderOllama)
	v.SetDefault("llm.primary.base_url", "http://localhost:11434")
	v.SetDefault("llm.primary.model", "llama3.1:8b")
	v.SetDefault("llm.primary.timeout", 120*time.Second)
	v.SetDefault("llm.primary.max_retries", 1)
	v.SetDefault("llm.fallback.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("llm.fallback.max_tokens", 2048)
	v.SetDefault("llm.fallback.timeout", 60*time.Second)
	v.SetDefault("llm.fallback.cost_per_1k_input", 0.003)
	v.SetDefault("llm.fallback.cost_per_1k_output", 0.015)
	v.SetDefault("llm.fallback.budget_window", 24*time.Hour)
	v.SetDefault("queen.temperature", 0.4)
	v.SetDefault("worker.temperature", 0.3)
	v.SetDefault("knowledge.resync_cron", "*/30 * * * *")
	v.SetDefault("knowledge.max_docs", 5000)
	v.SetDefault("monitor.cron", "*/15 * * * *")
	v.SetDefault("monitor.stale_after", 10*time.Minute)
	v.SetDefault("monitor.stuck_after", 30*time.Minute)
	v.SetDefault("monitor.error_window", time.Hour)
	v.SetDefault("monitor.error_threshold", 10)
	v.SetDefault("monitor.alert_priority", 8)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.export_interval", 15*time.Second)
}

// LoadConfig loads config from file and HIVE_* environment variables.
// A missing config file is not an error when path is empty: defaults and env still apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		v.SetConfigName("config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, ".."))
		v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("HIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Queen = cfg.Queen.Normalize()
	cfg.Worker = cfg.Worker.Normalize()

	if err := cfg.Storage.Postgres.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Storage.Redis.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.LLM.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Monitor.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

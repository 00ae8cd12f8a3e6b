package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir    string           `mapstructure:"data_dir" yaml:"data_dir"`
	LogLevel   string           `mapstructure:"log_level" yaml:"log_level"`
	LogFormat  string           `mapstructure:"log_format" yaml:"log_format"`
	HTTP       HTTPConfig       `mapstructure:"http" yaml:"http"`
	Bus        BusConfig        `mapstructure:"bus" yaml:"bus"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit" yaml:"rate_limit"`
	Dedup      DedupConfig      `mapstructure:"dedup" yaml:"dedup"`
	Retry      RetryConfig      `mapstructure:"retry" yaml:"retry"`
	QuietHours QuietHoursConfig `mapstructure:"quiet_hours" yaml:"quiet_hours"`
	Agent      AgentConfig      `mapstructure:"agent" yaml:"agent"`
	ExecLog    ExecLogConfig    `mapstructure:"execlog" yaml:"execlog"`
	Email      EmailConfig      `mapstructure:"email" yaml:"email"`
	Worker     WorkerConfig     `mapstructure:"worker" yaml:"worker"`
	DBTrigger  DBTriggerConfig  `mapstructure:"db_trigger" yaml:"db_trigger"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Repository RepositoryConfig `mapstructure:"repository" yaml:"repository"`
	LLM        LLMConfig        `mapstructure:"llm" yaml:"llm"`
	Delivery   DeliveryConfig   `mapstructure:"delivery" yaml:"delivery"`
	Workflow   WorkflowConfig   `mapstructure:"workflow" yaml:"workflow"`
	Escalation EscalationConfig `mapstructure:"escalation" yaml:"escalation"`
}

type HTTPConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen        string `mapstructure:"listen" yaml:"listen"`
	WebhookSecret string `mapstructure:"webhook_secret" yaml:"webhook_secret"`
}

type BusConfig struct {
	HistorySize int `mapstructure:"history_size" yaml:"history_size"`
}

type RateLimitConfig struct {
	WindowSeconds   int `mapstructure:"window_seconds" yaml:"window_seconds"`
	PerWindow       int `mapstructure:"per_window" yaml:"per_window"`
	PerHour         int `mapstructure:"per_hour" yaml:"per_hour"`
	PerDay          int `mapstructure:"per_day" yaml:"per_day"`
	GlobalPerWindow int `mapstructure:"global_per_window" yaml:"global_per_window"`
	UrgentBurst     int `mapstructure:"urgent_burst" yaml:"urgent_burst"`
}

func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

type DedupConfig struct {
	WindowSeconds        int `mapstructure:"window_seconds" yaml:"window_seconds"`
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`
}

func (c DedupConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

type RetryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelayMs int `mapstructure:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMs  int `mapstructure:"max_delay_ms" yaml:"max_delay_ms"`
}

// QuietHoursConfig is the default policy for recipients without their own.
type QuietHoursConfig struct {
	Enabled     bool     `mapstructure:"enabled" yaml:"enabled"`
	Start       string   `mapstructure:"start" yaml:"start"`
	End         string   `mapstructure:"end" yaml:"end"`
	Timezone    string   `mapstructure:"timezone" yaml:"timezone"`
	Days        []string `mapstructure:"days" yaml:"days"`
	AllowUrgent bool     `mapstructure:"allow_urgent" yaml:"allow_urgent"`
}

type AgentConfig struct {
	AutoExecuteThreshold     float64  `mapstructure:"auto_execute_threshold" yaml:"auto_execute_threshold"`
	RequireApprovalThreshold float64  `mapstructure:"require_approval_threshold" yaml:"require_approval_threshold"`
	MaxActionsPerMinute      int      `mapstructure:"max_actions_per_minute" yaml:"max_actions_per_minute"`
	MaxActionsPerHour        int      `mapstructure:"max_actions_per_hour" yaml:"max_actions_per_hour"`
	MaxConcurrent            int      `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	HighImpactActions        []string `mapstructure:"high_impact_actions" yaml:"high_impact_actions"`
}

type ExecLogConfig struct {
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
}

type EmailConfig struct {
	SkipAutoReplies bool `mapstructure:"skip_auto_replies" yaml:"skip_auto_replies"`
	SkipBounces     bool `mapstructure:"skip_bounces" yaml:"skip_bounces"`
	SkipSpam        bool `mapstructure:"skip_spam" yaml:"skip_spam"`
	SkipNewsletters bool `mapstructure:"skip_newsletters" yaml:"skip_newsletters"`
}

type WorkerConfig struct {
	SkipProgress bool        `mapstructure:"skip_progress" yaml:"skip_progress"`
	Kafka        KafkaConfig `mapstructure:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
	Group   string   `mapstructure:"group" yaml:"group"`
}

type DBTriggerConfig struct {
	DSN            string   `mapstructure:"dsn" yaml:"dsn"`
	Channel        string   `mapstructure:"channel" yaml:"channel"`
	IgnoredTables  []string `mapstructure:"ignored_tables" yaml:"ignored_tables"`
	IgnoredColumns []string `mapstructure:"ignored_columns" yaml:"ignored_columns"`
}

type StoreConfig struct {
	Backend  string `mapstructure:"backend" yaml:"backend"`
	RedisURL string `mapstructure:"redis_url" yaml:"redis_url"`
}

type RepositoryConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	Path    string `mapstructure:"path" yaml:"path"`
}

type LLMConfig struct {
	BaseURL        string  `mapstructure:"base_url" yaml:"base_url"`
	APIKey         string  `mapstructure:"api_key" yaml:"api_key"`
	Model          string  `mapstructure:"model" yaml:"model"`
	MaxTokens      int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature    float32 `mapstructure:"temperature" yaml:"temperature"`
	MaxInputTokens int     `mapstructure:"max_input_tokens" yaml:"max_input_tokens"`
}

type DeliveryConfig struct {
	TelegramToken string     `mapstructure:"telegram_token" yaml:"telegram_token"`
	SMSGatewayURL string     `mapstructure:"sms_gateway_url" yaml:"sms_gateway_url"`
	SMTP          SMTPConfig `mapstructure:"smtp" yaml:"smtp"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	From     string `mapstructure:"from" yaml:"from"`
}

type WorkflowConfig struct {
	BaseURL        string            `mapstructure:"base_url" yaml:"base_url"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	Registry       map[string]string `mapstructure:"registry" yaml:"registry,omitempty"`
}

type EscalationConfig struct {
	OperatorRecipient string `mapstructure:"operator_recipient" yaml:"operator_recipient"`
	Channel           string `mapstructure:"channel" yaml:"channel"`
}

// DefaultPath is where the CLI looks for the config when --config is not given.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".astralis", "config.yaml")
}

// Default returns the documented defaults for every option.
func Default() *Config {
	cfg := &Config{
		DataDir:   filepath.Join(os.Getenv("HOME"), ".astralis"),
		LogLevel:  "info",
		LogFormat: "text",
	}
	cfg.HTTP = HTTPConfig{Enabled: true, Listen: ":8080"}
	cfg.Bus.HistorySize = 500
	cfg.RateLimit = RateLimitConfig{
		WindowSeconds:   60,
		PerWindow:       10,
		PerHour:         100,
		PerDay:          500,
		GlobalPerWindow: 200,
		UrgentBurst:     5,
	}
	cfg.Dedup = DedupConfig{WindowSeconds: 300, SweepIntervalSeconds: 60}
	cfg.Retry = RetryConfig{MaxAttempts: 5, BaseDelayMs: 1000, MaxDelayMs: 30000}
	cfg.QuietHours = QuietHoursConfig{Start: "22:00", End: "07:00", Timezone: "UTC", AllowUrgent: true}
	cfg.Agent = AgentConfig{
		AutoExecuteThreshold:     0.85,
		RequireApprovalThreshold: 0.6,
		MaxActionsPerMinute:      30,
		MaxActionsPerHour:        500,
		MaxConcurrent:            4,
		HighImpactActions:        []string{"send_bulk_notification", "cancel_event", "notify_external"},
	}
	cfg.ExecLog.Capacity = 1000
	cfg.Email = EmailConfig{SkipAutoReplies: true, SkipBounces: true, SkipSpam: true}
	cfg.Worker.SkipProgress = true
	cfg.Worker.Kafka.Group = "astralis-worker-events"
	cfg.DBTrigger.Channel = "astralis_changes"
	cfg.DBTrigger.IgnoredColumns = []string{"updated_at"}
	cfg.Store.Backend = "memory"
	cfg.Repository.Backend = "sqlite"
	cfg.LLM = LLMConfig{
		BaseURL:        "https://api.openai.com/v1",
		Model:          "gpt-4o-mini",
		MaxTokens:      1000,
		Temperature:    0.2,
		MaxInputTokens: 6000,
	}
	cfg.Delivery.SMTP.Port = 587
	cfg.Workflow.TimeoutSeconds = 15
	cfg.Escalation.Channel = "email"
	return cfg
}

// Load reads the YAML config at path on top of Default(), writing the
// defaults when the file does not exist. ASTRALIS_* environment variables
// override file values (e.g. ASTRALIS_RATE_LIMIT_PER_WINDOW).
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := Save(path, Default()); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	defaults, err := ToMap(Default())
	if err != nil {
		return nil, err
	}
	for k, val := range Flatten(defaults) {
		v.SetDefault(k, val)
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ASTRALIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Conventional provider variables win over everything else.
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Delivery.TelegramToken = tgToken
	}
	if cfg.Repository.Path == "" {
		cfg.Repository.Path = filepath.Join(cfg.DataDir, "astralis.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects option combinations the runtime cannot honor.
func (c *Config) Validate() error {
	a := c.Agent
	if a.AutoExecuteThreshold < 0 || a.AutoExecuteThreshold > 1 {
		return fmt.Errorf("config.agent.auto_execute_threshold must be within [0,1]")
	}
	if a.RequireApprovalThreshold < 0 || a.RequireApprovalThreshold > a.AutoExecuteThreshold {
		return fmt.Errorf("config.agent.require_approval_threshold must be within [0,auto_execute_threshold]")
	}
	if c.RateLimit.WindowSeconds <= 0 || c.RateLimit.PerWindow <= 0 {
		return fmt.Errorf("config.rate_limit.window_seconds and per_window must be positive")
	}
	if c.Dedup.WindowSeconds <= 0 {
		return fmt.Errorf("config.dedup.window_seconds must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config.retry.max_attempts must be at least 1")
	}
	if c.Retry.MaxDelayMs < c.Retry.BaseDelayMs {
		return fmt.Errorf("config.retry.max_delay_ms must not be below base_delay_ms")
	}
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("config.store.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.store.backend must be memory or redis, got %q", c.Store.Backend)
	}
	switch c.Repository.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("config.repository.backend must be memory or sqlite, got %q", c.Repository.Backend)
	}
	if c.QuietHours.Enabled {
		if _, err := time.LoadLocation(c.QuietHours.Timezone); err != nil {
			return fmt.Errorf("config.quiet_hours.timezone: %w", err)
		}
	}
	return nil
}

// Save writes cfg as YAML using an atomic temp-file rename.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg into the nested map form used by the YAML file.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	m := make(map[string]any)
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config map: %w", err)
	}
	return m, nil
}

// ListValues returns every option as a flat dot-separated map, with
// secrets masked when mask is set.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

func readFlat(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	m := make(map[string]any)
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return Flatten(m), nil
}

// GetValue returns the value stored in the file for a dot-separated key.
func GetValue(path, key string) (any, error) {
	flat, err := readFlat(path)
	if err != nil {
		return nil, err
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under key in the existing config file. The value
// is parsed as a YAML scalar, so "16" becomes an int and "true" a bool.
func SetValue(path, key, value string) error {
	flat, err := readFlat(path)
	if err != nil {
		return err
	}
	var parsed any
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil || parsed == nil {
		parsed = value
	}
	flat[key] = parsed
	data, err := yaml.Marshal(Unflatten(flat))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

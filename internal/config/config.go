package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	HTTP           HTTPConfig       `mapstructure:"http"`
	Log            LogConfig        `mapstructure:"log"`
	MySQL          DatabaseConfig   `mapstructure:"mysql"`
	ClickHouse     DatabaseConfig   `mapstructure:"clickhouse"`
	Redis          RedisConfig      `mapstructure:"redis"`
	Kafka          KafkaConfig      `mapstructure:"kafka"`
	RateLimit      RateLimitConfig  `mapstructure:"rate_limit"`
	Quota          QuotaConfig      `mapstructure:"quota"`
	Dispatcher     DispatcherConfig `mapstructure:"dispatcher"`
	EmailProviders []ProviderConfig `mapstructure:"email_providers"`
	SMSProviders   []ProviderConfig `mapstructure:"sms_providers"`
	SMTP           SMTPConfig       `mapstructure:"smtp"`
	Sender         SenderConfig     `mapstructure:"sender"`
	Webhooks       WebhooksConfig   `mapstructure:"webhooks"`
	Scheduler      SchedulerConfig  `mapstructure:"scheduler"`
	Events         EventsConfig     `mapstructure:"events"`
}

// ---- Leaf structs ----

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	GroupID        string   `mapstructure:"group_id"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

type RateLimitConfig struct {
	RPS          int `mapstructure:"rps"`
	Burst        int `mapstructure:"burst"`
	AnonymousRPS int `mapstructure:"anonymous_rps"`
}

type PlanLimitsConfig struct {
	Email int64 `mapstructure:"email"`
	SMS   int64 `mapstructure:"sms"`
	API   int64 `mapstructure:"api"`
}

type QuotaConfig struct {
	ResetWindow             time.Duration               `mapstructure:"reset_window"`
	RefundOnProviderFailure bool                        `mapstructure:"refund_on_provider_failure"`
	DefaultPlan             string                      `mapstructure:"default_plan"`
	Plans                   map[string]PlanLimitsConfig `mapstructure:"plans"`
}

type DispatcherConfig struct {
	MaxRetryAttempts MaxRetryAttempts `mapstructure:"max_retry_attempts"`
}

type MaxRetryAttempts struct {
	Email int `mapstructure:"email"`
	SMS   int `mapstructure:"sms"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type ProviderConfig struct {
	Name      string        `mapstructure:"name"`
	Enabled   bool          `mapstructure:"enabled"`
	Kind      string        `mapstructure:"kind"` // http | smtp
	BaseURL   string        `mapstructure:"base_url"`
	SendPath  string        `mapstructure:"send_path"`
	APIKey    string        `mapstructure:"api_key"`
	TimeoutMs int           `mapstructure:"timeout_ms"`
	Breaker   BreakerConfig `mapstructure:"breaker"`
}

type SMTPConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	StartTLS bool   `mapstructure:"starttls"`
	Domain   string `mapstructure:"domain"` // Message-Id domain
}

type SenderConfig struct {
	EmailFrom         string `mapstructure:"email_from"`
	SMSFrom           string `mapstructure:"sms_from"`
	StatusCallbackURL string `mapstructure:"status_callback_url"`
	TrackingBaseURL   string `mapstructure:"tracking_base_url"`
}

type WebhooksConfig struct {
	Token string `mapstructure:"token"`
}

type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	DispatchLease time.Duration `mapstructure:"dispatch_lease"`
}

type EventsConfig struct {
	Topic     string        `mapstructure:"topic"`
	BatchSize int           `mapstructure:"batch_size"`
	BatchWait time.Duration `mapstructure:"batch_wait"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (CGW_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (CGW_MYSQL_DSN, CGW_WEBHOOKS_TOKEN, ...)
	v.SetEnvPrefix("CGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var knownPlans = map[string]bool{"free": true, "starter": true, "professional": true}

// Validate rejects settings the services cannot start with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.MySQL.DSN) == "" {
		return fmt.Errorf("mysql.dsn is empty")
	}
	if c.Quota.ResetWindow <= 0 {
		return fmt.Errorf("quota.reset_window must be positive")
	}
	if !knownPlans[c.Quota.DefaultPlan] {
		return fmt.Errorf("quota.default_plan %q is not a known plan", c.Quota.DefaultPlan)
	}
	for name, l := range c.Quota.Plans {
		if !knownPlans[name] {
			return fmt.Errorf("quota.plans: unknown plan %q", name)
		}
		if l.Email < 0 || l.SMS < 0 || l.API < 0 {
			return fmt.Errorf("quota.plans.%s: limits must not be negative", name)
		}
	}
	return nil
}

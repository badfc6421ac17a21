package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"trove-guardian/internal/logging"
	"trove-guardian/internal/strategy"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Snapshot    SnapshotConfig    `mapstructure:"snapshot"`
	Ethereum    EthereumConfig    `mapstructure:"ethereum"`
	TxBuilder   TxBuilderConfig   `mapstructure:"txbuilder"`
	Remediation RemediationConfig `mapstructure:"remediation"`
	Events      EventsConfig      `mapstructure:"events"`
	Server      ServerConfig      `mapstructure:"server"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Export      ExportConfig      `mapstructure:"export"`
	Watch       []WatchConfig     `mapstructure:"watch"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates the optional PostgreSQL event archive.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs polling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunImmediately  bool          `mapstructure:"run_immediately"`
	Concurrency     int           `mapstructure:"concurrency"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SnapshotConfig points at the position data API.
type SnapshotConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	UserAgent       string        `mapstructure:"user_agent"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	Burst           int           `mapstructure:"burst"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

// EthereumConfig covers the delegated signer.
type EthereumConfig struct {
	RPCURL             string         `mapstructure:"rpc_url"`
	ChainID            int64          `mapstructure:"chain_id"`
	SignerKey          string         `mapstructure:"signer_key"`
	AuthContract       string         `mapstructure:"auth_contract"`
	AuthorizedOwners   []string       `mapstructure:"authorized_owners"`
	BorrowerOperations []BranchConfig `mapstructure:"borrower_operations"`
	MaxUpfrontFee      string         `mapstructure:"max_upfront_fee"`
	RequestTimeout     time.Duration  `mapstructure:"request_timeout"`
	ReceiptTimeout     time.Duration  `mapstructure:"receipt_timeout"`
	PollInterval       time.Duration  `mapstructure:"poll_interval"`
	Confirmations      uint64         `mapstructure:"confirmations"`
	GasLimitMultiplier float64        `mapstructure:"gas_limit_multiplier"`
}

// BranchConfig maps a collateral branch to its borrower operations contract.
type BranchConfig struct {
	Branch  int    `mapstructure:"branch"`
	Address string `mapstructure:"address"`
}

// BranchTargets indexes borrower operations contracts by branch.
func (e EthereumConfig) BranchTargets() map[int]string {
	out := make(map[int]string, len(e.BorrowerOperations))
	for _, b := range e.BorrowerOperations {
		out[b.Branch] = b.Address
	}
	return out
}

// SignerEnabled reports whether the direct execution path is configured.
func (e EthereumConfig) SignerEnabled() bool {
	return e.RPCURL != "" && e.SignerKey != ""
}

// TxBuilderConfig points at the unsigned-transaction service.
type TxBuilderConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

// RemediationConfig toggles automatic execution.
type RemediationConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// EventsConfig bounds the history and live subscriptions.
type EventsConfig struct {
	HistoryCapacity   int           `mapstructure:"history_capacity"`
	MaxPerAddress     int           `mapstructure:"max_per_address"`
	MaxConnections    int           `mapstructure:"max_connections"`
	MailboxSize       int           `mapstructure:"mailbox_size"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Addr           string        `mapstructure:"addr"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// AlertingConfig defines danger notifications.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// WatchConfig seeds one registration at startup.
type WatchConfig struct {
	Address  string `mapstructure:"address"`
	Strategy string `mapstructure:"strategy"`
	AgentID  string `mapstructure:"agent_id"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TROVEGUARDIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "trove-guardian")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "60s")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x74726f76))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_immediately", true)
	v.SetDefault("scheduler.concurrency", 16)
	v.SetDefault("scheduler.shutdown_timeout", "30s")

	v.SetDefault("snapshot.base_url", "")
	v.SetDefault("snapshot.request_timeout", "10s")
	v.SetDefault("snapshot.user_agent", "trove-guardian/1.0")
	v.SetDefault("snapshot.rate_limit", 20.0)
	v.SetDefault("snapshot.burst", 5)
	v.SetDefault("snapshot.breaker_failures", 5)
	v.SetDefault("snapshot.breaker_cooldown", "30s")

	v.SetDefault("ethereum.rpc_url", "")
	v.SetDefault("ethereum.signer_key", "")
	v.SetDefault("ethereum.auth_contract", "")
	v.SetDefault("ethereum.chain_id", 1)
	v.SetDefault("ethereum.max_upfront_fee", "0")
	v.SetDefault("ethereum.request_timeout", "15s")
	v.SetDefault("ethereum.receipt_timeout", "3m")
	v.SetDefault("ethereum.poll_interval", "3s")
	v.SetDefault("ethereum.confirmations", 1)
	v.SetDefault("ethereum.gas_limit_multiplier", 1.2)

	v.SetDefault("txbuilder.base_url", "")
	v.SetDefault("txbuilder.api_key", "")
	v.SetDefault("txbuilder.request_timeout", "15s")
	v.SetDefault("txbuilder.breaker_failures", 5)
	v.SetDefault("txbuilder.breaker_cooldown", "30s")

	v.SetDefault("remediation.enabled", false)

	v.SetDefault("events.history_capacity", 1000)
	v.SetDefault("events.max_per_address", 5)
	v.SetDefault("events.max_connections", 100)
	v.SetDefault("events.mailbox_size", 32)
	v.SetDefault("events.keepalive_interval", "30s")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.Concurrency <= 0 {
		return fmt.Errorf("scheduler.concurrency must be greater than zero")
	}
	if c.Snapshot.RequestTimeout <= 0 {
		return fmt.Errorf("snapshot.request_timeout must be greater than zero")
	}
	if c.Events.HistoryCapacity <= 0 {
		return fmt.Errorf("events.history_capacity must be greater than zero")
	}
	if c.Events.MaxPerAddress <= 0 || c.Events.MaxConnections <= 0 {
		return fmt.Errorf("events connection limits must be greater than zero")
	}
	if c.Events.KeepaliveInterval <= 0 {
		return fmt.Errorf("events.keepalive_interval must be greater than zero")
	}
	if c.Ethereum.SignerKey != "" && c.Ethereum.RPCURL == "" {
		return fmt.Errorf("ethereum.rpc_url is required when ethereum.signer_key is set")
	}
	if c.Ethereum.SignerEnabled() && len(c.Ethereum.BorrowerOperations) == 0 {
		return fmt.Errorf("ethereum.borrower_operations is required when the signer is enabled")
	}
	if _, ok := new(big.Int).SetString(c.Ethereum.MaxUpfrontFee, 10); !ok {
		return fmt.Errorf("ethereum.max_upfront_fee must be an integer amount of base units")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	for i, w := range c.Watch {
		if strings.TrimSpace(w.Address) == "" {
			return fmt.Errorf("watch[%d].address is required", i)
		}
		if _, err := strategy.Parse(w.Strategy); err != nil {
			return fmt.Errorf("watch[%d]: %w", i, err)
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

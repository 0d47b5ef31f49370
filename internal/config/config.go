package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"vault-liquidator/internal/logging"
)

// Operating modes selectable through app.mode.
const (
	ModeContinuous = "continuous"
	ModeEnumerate  = "enumerate"
)

// Bad-debt strategies selectable through execution.bad_debt_strategy.
const (
	BadDebtStrategyNone      = "none"
	BadDebtStrategyFlashloan = "flashloan"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig                `mapstructure:"app"`
	Logging   logging.Config           `mapstructure:"logging"`
	Networks  map[string]NetworkConfig `mapstructure:"networks"`
	Ethereum  EthereumConfig           `mapstructure:"ethereum"`
	Risk      RiskConfig               `mapstructure:"risk"`
	Execution ExecutionConfig          `mapstructure:"execution"`
	Scheduler SchedulerConfig          `mapstructure:"scheduler"`
	Alerting  AlertingConfig           `mapstructure:"alerting"`
	Database  DatabaseConfig           `mapstructure:"database"`
	Server    ServerConfig             `mapstructure:"server"`
	Export    ExportConfig             `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Network     string `mapstructure:"network"`
	Mode        string `mapstructure:"mode"`
}

// NetworkConfig holds the per-chain deployment the bot watches.
type NetworkConfig struct {
	RPCURL              string `mapstructure:"rpc_url"`
	ChainID             int64  `mapstructure:"chain_id"`
	PrivateKey          string `mapstructure:"private_key"`
	Comptroller         string `mapstructure:"comptroller"`
	CollateralMarket    string `mapstructure:"collateral_market"`
	DebtMarket          string `mapstructure:"debt_market"`
	Vault               string `mapstructure:"vault"`
	Oracle              string `mapstructure:"oracle"`
	SettlementToken     string `mapstructure:"settlement_token"`
	FromBlock           uint64 `mapstructure:"from_block"`
	MaxTestVaultBalance string `mapstructure:"max_test_vault_balance"`
	SwapMarkets         bool   `mapstructure:"swap_markets"`
}

// EthereumConfig covers RPC behaviour shared by all networks.
type EthereumConfig struct {
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
	MaxRequestsPerSecond  float64       `mapstructure:"max_requests_per_second"`
	LogChunkSize          uint64        `mapstructure:"log_chunk_size"`
	ReceiptTimeout        time.Duration `mapstructure:"receipt_timeout"`
	ReceiptPollInterval   time.Duration `mapstructure:"receipt_poll_interval"`
	GasLimitMultiplierPct uint64        `mapstructure:"gas_limit_multiplier_pct"`
}

// RiskConfig tunes snapshot building and classification.
type RiskConfig struct {
	CollateralFactor     string        `mapstructure:"collateral_factor"`
	OverLeverageLTVPct   float64       `mapstructure:"over_leverage_ltv_pct"`
	CollateralBufferPct  int64         `mapstructure:"collateral_buffer_pct"`
	SafetyMargin         string        `mapstructure:"safety_margin"`
	StandardCap          string        `mapstructure:"standard_cap"`
	RateLimitBackoff     time.Duration `mapstructure:"rate_limit_backoff"`
	RateLimitMaxAttempts uint          `mapstructure:"rate_limit_max_attempts"`
}

// ExecutionConfig governs how plans turn into transactions.
type ExecutionConfig struct {
	RetryLadder      []int  `mapstructure:"retry_ladder"`
	FlashloanEnabled bool   `mapstructure:"flashloan_enabled"`
	BadDebtStrategy  string `mapstructure:"bad_debt_strategy"`
	SwapToInput      bool   `mapstructure:"swap_to_input"`
	ApproveOnStart   bool   `mapstructure:"approve_on_start"`
	DryRun           bool   `mapstructure:"dry_run"`
}

// SchedulerConfig governs cycle cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	FixedDelay      bool          `mapstructure:"fixed_delay"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// AlertingConfig defines alert cooldown and routing.
type AlertingConfig struct {
	Enabled       bool           `mapstructure:"enabled"`
	Cooldown      time.Duration  `mapstructure:"cooldown"`
	Channels      []string       `mapstructure:"channels"`
	CooldownStore string         `mapstructure:"cooldown_store"`
	Email         EmailConfig    `mapstructure:"email"`
	Telegram      TelegramConfig `mapstructure:"telegram"`
	Redis         RedisConfig    `mapstructure:"redis"`
}

// EmailConfig describes the SMTP relay used for alert mail.
type EmailConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	From      string        `mapstructure:"from"`
	FromName  string        `mapstructure:"from_name"`
	To        []string      `mapstructure:"to"`
	TLSPolicy string        `mapstructure:"tls_policy"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// TelegramConfig describes the Telegram alert channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// RedisConfig points the shared cooldown store at a Redis instance.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string          `mapstructure:"dsn"`
	MaxOpenConns    int             `mapstructure:"max_open_conns"`
	MaxIdleConns    int             `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration   `mapstructure:"conn_max_lifetime"`
	Retention       RetentionConfig `mapstructure:"retention"`
}

// RetentionConfig schedules pruning of historical rows.
type RetentionConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"`
	Keep     time.Duration `mapstructure:"keep"`
}

// ServerConfig controls the health/metrics HTTP endpoint.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int    `mapstructure:"max_data_points"`
	OutputDir     string `mapstructure:"output_dir"`
}

// Load builds configuration from defaults, file, dotenv and environment.
func Load(path, envFile string) (*Config, error) {
	if err := loadDotenv(envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("LIQUIDATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// CHAIN is the variable the first deployments were started with.
	if err := v.BindEnv("app.network", "LIQUIDATOR_APP_NETWORK", "CHAIN"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

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

func loadDotenv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "vault-liquidator")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.mode", ModeContinuous)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 7)
	v.SetDefault("logging.file.max_age_days", 7)

	v.SetDefault("ethereum.request_timeout", "15s")
	v.SetDefault("ethereum.max_requests_per_second", 0)
	v.SetDefault("ethereum.log_chunk_size", 50000)
	v.SetDefault("ethereum.receipt_timeout", "2m")
	v.SetDefault("ethereum.receipt_poll_interval", "1s")
	v.SetDefault("ethereum.gas_limit_multiplier_pct", 120)

	v.SetDefault("risk.collateral_factor", "0.95")
	v.SetDefault("risk.over_leverage_ltv_pct", 110)
	v.SetDefault("risk.collateral_buffer_pct", 102)
	v.SetDefault("risk.safety_margin", "1")
	v.SetDefault("risk.standard_cap", "300000")
	v.SetDefault("risk.rate_limit_backoff", "3s")
	v.SetDefault("risk.rate_limit_max_attempts", 0)

	v.SetDefault("execution.retry_ladder", []int{100, 90, 80, 70, 60, 50, 40, 30, 20})
	v.SetDefault("execution.flashloan_enabled", true)
	v.SetDefault("execution.bad_debt_strategy", BadDebtStrategyNone)
	v.SetDefault("execution.swap_to_input", true)
	v.SetDefault("execution.approve_on_start", true)
	v.SetDefault("execution.dry_run", false)

	v.SetDefault("scheduler.interval", "30s")
	v.SetDefault("scheduler.fixed_delay", false)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6c697164))

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "2m")
	v.SetDefault("alerting.channels", []string{"email"})
	v.SetDefault("alerting.cooldown_store", "memory")
	v.SetDefault("alerting.email.host", "smtp.gmail.com")
	v.SetDefault("alerting.email.port", 587)
	v.SetDefault("alerting.email.from_name", "Vault Monitor")
	v.SetDefault("alerting.email.tls_policy", "opportunistic")
	v.SetDefault("alerting.email.timeout", "15s")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.redis.key_prefix", "liquidator:cooldown")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.retention.enabled", false)
	v.SetDefault("database.retention.schedule", "@daily")
	v.SetDefault("database.retention.keep", "720h")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.addr", ":3000")

	v.SetDefault("export.max_data_points", 100000)
	v.SetDefault("export.output_dir", ".")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.App.Mode != ModeContinuous && c.App.Mode != ModeEnumerate {
		return fmt.Errorf("app.mode must be %q or %q", ModeContinuous, ModeEnumerate)
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if len(c.Execution.RetryLadder) == 0 {
		return fmt.Errorf("execution.retry_ladder must not be empty")
	}
	for _, pct := range c.Execution.RetryLadder {
		if pct <= 0 || pct > 100 {
			return fmt.Errorf("execution.retry_ladder entries must be within (0,100], got %d", pct)
		}
	}
	switch c.Execution.BadDebtStrategy {
	case BadDebtStrategyNone, BadDebtStrategyFlashloan:
	default:
		return fmt.Errorf("execution.bad_debt_strategy must be %q or %q", BadDebtStrategyNone, BadDebtStrategyFlashloan)
	}
	if c.Risk.OverLeverageLTVPct <= 0 {
		return fmt.Errorf("risk.over_leverage_ltv_pct must be greater than zero")
	}
	if c.Risk.CollateralBufferPct <= 0 {
		return fmt.Errorf("risk.collateral_buffer_pct must be greater than zero")
	}
	if c.Alerting.Cooldown < 0 {
		return fmt.Errorf("alerting.cooldown cannot be negative")
	}
	switch c.Alerting.CooldownStore {
	case "memory":
	case "redis":
		if c.Alerting.Redis.Addr == "" {
			return fmt.Errorf("alerting.redis.addr is required when cooldown_store is redis")
		}
	default:
		return fmt.Errorf("alerting.cooldown_store must be memory or redis")
	}
	if c.Alerting.Email.Enabled {
		if c.Alerting.Email.Host == "" || c.Alerting.Email.From == "" {
			return fmt.Errorf("alerting.email.host and alerting.email.from are required")
		}
		if len(c.Alerting.Email.To) == 0 {
			return fmt.Errorf("alerting.email.to needs at least one recipient")
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	if c.Database.Retention.Enabled && c.Database.Retention.Keep <= 0 {
		return fmt.Errorf("database.retention.keep must be greater than zero")
	}
	for name, network := range c.Networks {
		if err := network.Validate(); err != nil {
			return fmt.Errorf("networks.%s: %w", name, err)
		}
	}
	return nil
}

// Validate checks that every contract address parses.
func (n NetworkConfig) Validate() error {
	addresses := map[string]string{
		"comptroller":       n.Comptroller,
		"collateral_market": n.CollateralMarket,
		"debt_market":       n.DebtMarket,
		"vault":             n.Vault,
		"oracle":            n.Oracle,
		"settlement_token":  n.SettlementToken,
	}
	keys := make([]string, 0, len(addresses))
	for key := range addresses {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if !common.IsHexAddress(addresses[key]) {
			return fmt.Errorf("%s is not a valid address: %q", key, addresses[key])
		}
	}
	return nil
}

// Network resolves the network selected by app.network (or the override).
func (c *Config) Network(override string) (string, NetworkConfig, error) {
	name := override
	if name == "" {
		name = c.App.Network
	}
	if name == "" {
		return "", NetworkConfig{}, errors.New("no network selected; pass --network or set app.network / CHAIN")
	}
	network, ok := c.Networks[name]
	if !ok {
		return "", NetworkConfig{}, fmt.Errorf("unknown network %q (available: %s)", name, strings.Join(c.NetworkNames(), ", "))
	}
	return name, network, nil
}

// NetworkNames lists configured networks in stable order.
func (c *Config) NetworkNames() []string {
	names := make([]string, 0, len(c.Networks))
	for name := range c.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

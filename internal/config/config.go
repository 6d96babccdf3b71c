package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

// Config holds application configuration. Values come from defaults, then
// the optional TOML file named by CONFIG_FILE, then environment variables.
type Config struct {
	Port         string        `toml:"port"`
	ReadTimeout  time.Duration `toml:"read_timeout"`
	WriteTimeout time.Duration `toml:"write_timeout"`
	RedisAddr    string        `toml:"redis_addr"`
	ServiceName  string        `toml:"service_name"`

	// Event database (ad events and conversion queue)
	DBDriver          string        `toml:"db_driver"`
	DBDSN             string        `toml:"db_dsn"`
	DBMaxOpenConns    int           `toml:"db_max_open_conns"`
	DBMaxIdleConns    int           `toml:"db_max_idle_conns"`
	DBConnMaxLifetime time.Duration `toml:"db_conn_max_lifetime"`
	DBConnMaxIdleTime time.Duration `toml:"db_conn_max_idle_time"`

	// Transaction ledger
	LedgerEnabled bool   `toml:"ledger_enabled"`
	ClickHouseDSN string `toml:"clickhouse_dsn"`

	// Ads server
	AdsServerURL     string        `toml:"ads_server_url"`
	AdsServerTimeout time.Duration `toml:"ads_server_timeout"`
	AdsServerRPS     float64       `toml:"ads_server_rps"`
	AdsServerBurst   int           `toml:"ads_server_burst"`
	BuildChannel     string        `toml:"build_channel"`
	Platform         string        `toml:"platform"`

	// Wallet and rewards state
	WalletPaymentID    string `toml:"wallet_payment_id"`
	WalletRecoverySeed string `toml:"wallet_recovery_seed"`
	RewardsEnabled     bool   `toml:"rewards_enabled"`

	// Token pools and schedules
	MinUnblindedTokens      int           `toml:"min_unblinded_tokens"`
	MaxUnblindedTokens      int           `toml:"max_unblinded_tokens"`
	RefillRetryDelay        time.Duration `toml:"refill_retry_delay"`
	MaxBackoffDelay         time.Duration `toml:"max_backoff_delay"`
	ConfirmationRetryDelay  time.Duration `toml:"confirmation_retry_delay"`
	TokenRedemptionInterval time.Duration `toml:"token_redemption_interval"`
	PayoutPastDueDelay      time.Duration `toml:"payout_past_due_delay"`
	PayoutRetryDelay        time.Duration `toml:"payout_retry_delay"`

	// Ad events and conversions
	AdEventRetention            time.Duration `toml:"ad_event_retention"`
	ConversionProcessDelay      time.Duration `toml:"conversion_process_delay"`
	ConversionObservationWindow time.Duration `toml:"conversion_observation_window"`

	// Maintenance
	IssuersRefreshInterval time.Duration `toml:"issuers_refresh_interval"`
	PurgeInterval          time.Duration `toml:"purge_interval"`
	ConversionInterval     time.Duration `toml:"conversion_interval"`

	// Tracing configuration
	TracingEnabled    bool    `toml:"tracing_enabled"`
	TempoEndpoint     string  `toml:"tempo_endpoint"`
	TracingSampleRate float64 `toml:"tracing_sample_rate"`
	Environment       string  `toml:"environment"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		Port:         "8787",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		RedisAddr:    "localhost:6379",
		ServiceName:  "adconfirm",

		DBDriver:          "sqlite",
		DBDSN:             "file:adconfirm.db?_pragma=busy_timeout(5000)",
		DBMaxOpenConns:    25,
		DBMaxIdleConns:    5,
		DBConnMaxLifetime: 5 * time.Minute,
		DBConnMaxIdleTime: 1 * time.Minute,

		LedgerEnabled: false,
		ClickHouseDSN: "clickhouse://default:@localhost:9000/default",

		AdsServerURL:     "http://localhost:8080",
		AdsServerTimeout: 10 * time.Second,
		AdsServerRPS:     5,
		AdsServerBurst:   10,
		BuildChannel:     "release",
		Platform:         "linux",

		RewardsEnabled: true,

		MinUnblindedTokens:      20,
		MaxUnblindedTokens:      50,
		RefillRetryDelay:        15 * time.Second,
		MaxBackoffDelay:         time.Hour,
		ConfirmationRetryDelay:  15 * time.Second,
		TokenRedemptionInterval: 24 * time.Hour,
		PayoutPastDueDelay:      time.Minute,
		PayoutRetryDelay:        time.Minute,

		AdEventRetention:            90 * 24 * time.Hour,
		ConversionProcessDelay:      24 * time.Hour,
		ConversionObservationWindow: 30 * 24 * time.Hour,

		IssuersRefreshInterval: time.Hour,
		PurgeInterval:          24 * time.Hour,
		ConversionInterval:     time.Minute,

		TracingEnabled:    false,
		TempoEndpoint:     "tempo:4317",
		TracingSampleRate: 1.0,
		Environment:       "development",
	}
}

// Load parses the optional config file and environment variables and
// returns a Config populated with defaults when values are absent. A config
// file that cannot be read is logged and skipped.
func Load() Config {
	cfg, err := LoadFile(os.Getenv("CONFIG_FILE"))
	if err != nil {
		zap.L().Warn("ignoring config file", zap.Error(err))
		cfg = Defaults()
	}
	return applyEnv(cfg)
}

// LoadFile decodes a TOML file over the defaults. An empty path returns the
// defaults unchanged.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Defaults(), fmt.Errorf("config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		zap.L().Warn("unknown config keys", zap.String("file", path), zap.Any("keys", undecoded))
	}
	return cfg, nil
}

func applyEnv(cfg Config) Config {
	cfg.Port = getenv("PORT", cfg.Port)
	cfg.ReadTimeout = envDuration("READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = envDuration("WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.RedisAddr = getenv("REDIS_ADDR", cfg.RedisAddr)
	cfg.ServiceName = getenv("SERVICE_NAME", cfg.ServiceName)

	cfg.DBDriver = getenv("DB_DRIVER", cfg.DBDriver)
	cfg.DBDSN = getenv("DB_DSN", cfg.DBDSN)
	cfg.DBMaxOpenConns = envInt("DB_MAX_OPEN_CONNS", cfg.DBMaxOpenConns)
	cfg.DBMaxIdleConns = envInt("DB_MAX_IDLE_CONNS", cfg.DBMaxIdleConns)
	cfg.DBConnMaxLifetime = envDuration("DB_CONN_MAX_LIFETIME", cfg.DBConnMaxLifetime)
	cfg.DBConnMaxIdleTime = envDuration("DB_CONN_MAX_IDLE_TIME", cfg.DBConnMaxIdleTime)

	cfg.LedgerEnabled = envBool("LEDGER_ENABLED", cfg.LedgerEnabled)
	cfg.ClickHouseDSN = getenv("CLICKHOUSE_DSN", cfg.ClickHouseDSN)

	cfg.AdsServerURL = getenv("ADS_SERVER_URL", cfg.AdsServerURL)
	cfg.AdsServerTimeout = envDuration("ADS_SERVER_TIMEOUT", cfg.AdsServerTimeout)
	cfg.AdsServerRPS = envFloat("ADS_SERVER_RPS", cfg.AdsServerRPS)
	cfg.AdsServerBurst = envInt("ADS_SERVER_BURST", cfg.AdsServerBurst)
	cfg.BuildChannel = getenv("BUILD_CHANNEL", cfg.BuildChannel)
	cfg.Platform = getenv("PLATFORM", cfg.Platform)

	cfg.WalletPaymentID = getenv("WALLET_PAYMENT_ID", cfg.WalletPaymentID)
	cfg.WalletRecoverySeed = getenv("WALLET_RECOVERY_SEED", cfg.WalletRecoverySeed)
	cfg.RewardsEnabled = envBool("REWARDS_ENABLED", cfg.RewardsEnabled)

	cfg.MinUnblindedTokens = envInt("MIN_UNBLINDED_TOKENS", cfg.MinUnblindedTokens)
	cfg.MaxUnblindedTokens = envInt("MAX_UNBLINDED_TOKENS", cfg.MaxUnblindedTokens)
	cfg.RefillRetryDelay = envDuration("REFILL_RETRY_DELAY", cfg.RefillRetryDelay)
	cfg.MaxBackoffDelay = envDuration("MAX_BACKOFF_DELAY", cfg.MaxBackoffDelay)
	cfg.ConfirmationRetryDelay = envDuration("CONFIRMATION_RETRY_DELAY", cfg.ConfirmationRetryDelay)
	cfg.TokenRedemptionInterval = envDuration("TOKEN_REDEMPTION_INTERVAL", cfg.TokenRedemptionInterval)
	cfg.PayoutPastDueDelay = envDuration("PAYOUT_PAST_DUE_DELAY", cfg.PayoutPastDueDelay)
	cfg.PayoutRetryDelay = envDuration("PAYOUT_RETRY_DELAY", cfg.PayoutRetryDelay)

	cfg.AdEventRetention = envDuration("AD_EVENT_RETENTION", cfg.AdEventRetention)
	cfg.ConversionProcessDelay = envDuration("CONVERSION_PROCESS_DELAY", cfg.ConversionProcessDelay)
	cfg.ConversionObservationWindow = envDuration("CONVERSION_OBSERVATION_WINDOW", cfg.ConversionObservationWindow)

	cfg.IssuersRefreshInterval = envDuration("ISSUERS_REFRESH_INTERVAL", cfg.IssuersRefreshInterval)
	cfg.PurgeInterval = envDuration("PURGE_INTERVAL", cfg.PurgeInterval)
	cfg.ConversionInterval = envDuration("CONVERSION_INTERVAL", cfg.ConversionInterval)

	cfg.TracingEnabled = envBool("TRACING_ENABLED", cfg.TracingEnabled)
	cfg.TempoEndpoint = getenv("TEMPO_ENDPOINT", cfg.TempoEndpoint)
	cfg.TracingSampleRate = envFloat("TRACING_SAMPLE_RATE", cfg.TracingSampleRate)
	cfg.Environment = getenv("ENVIRONMENT", cfg.Environment)

	return cfg
}

// getenv returns the value of the environment variable if set, otherwise def.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDuration parses an environment variable into a time.Duration.
// The value can be a duration string (e.g. "5s") or a number of seconds.
// If the variable is unset or invalid, def is returned.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// envBool parses a boolean environment variable. Accepted values are those
// supported by strconv.ParseBool. When unset or invalid, def is returned.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return def
}

// envInt parses an integer environment variable. When unset or invalid, def is returned.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

// envFloat parses a float64 environment variable. When unset or invalid, def is returned.
func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return def
}

package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DB_URL        string `mapstructure:"DB_URL"`
	MigrateOnBoot bool   `mapstructure:"MIGRATE_ON_BOOT"`

	RedisAddr     string        `mapstructure:"REDIS_ADDR"`
	RedisPassword string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int           `mapstructure:"REDIS_DB"`
	SessionTTL    time.Duration `mapstructure:"SESSION_TTL"`

	Network     string `mapstructure:"NETWORK"`
	ChainAPIURL string `mapstructure:"CHAIN_API_URL"`

	LndHost         string `mapstructure:"LND_HOST"`
	LndTLSCertPath  string `mapstructure:"LND_TLS_CERT_PATH"`
	LndMacaroonPath string `mapstructure:"LND_MACAROON_PATH"`
	FeeLimitSat     int64  `mapstructure:"FEE_LIMIT_SAT"`
	FeeLimitPPM     int64  `mapstructure:"FEE_LIMIT_PPM"`
	LnMinSendable   int64  `mapstructure:"LN_MIN_SENDABLE"`
	LnMaxSendable   int64  `mapstructure:"LN_MAX_SENDABLE"`

	WalletMasterXpub string `mapstructure:"WALLET_MASTER_XPUBS"`
	RequiredSigs     int    `mapstructure:"REQUIRED_SIGS"`
	CosignerURL      string `mapstructure:"COSIGNER_URL"`
	CustodyUserID    string `mapstructure:"CUSTODY_USER_ID"`

	HTTPAddr  string `mapstructure:"HTTP_ADDR"`
	JWTSecret string `mapstructure:"JWT_SECRET"`
	PublicURL string `mapstructure:"PUBLIC_URL"`

	RequestExpiry     time.Duration `mapstructure:"REQUEST_EXPIRY"`
	RateLimitInterval time.Duration `mapstructure:"RATE_LIMIT_INTERVAL"`
	SkipVerification  bool          `mapstructure:"SKIP_VERIFICATION"`
	BtcMinAvail       int64         `mapstructure:"BTC_MIN_AVAIL"`
	LnMinAvail        int64         `mapstructure:"LN_MIN_AVAIL"`

	BatchInterval       time.Duration `mapstructure:"BATCH_INTERVAL"`
	BatchSize           int           `mapstructure:"BATCH_SIZE"`
	BatchReservationTTL time.Duration `mapstructure:"BATCH_RESERVATION_TIMEOUT"`
	ConfirmationTarget  int           `mapstructure:"CONFIRMATION_TARGET"`
	ConfirmPollInterval time.Duration `mapstructure:"CONFIRM_POLL_INTERVAL"`
	ConfirmRetryDelay   time.Duration `mapstructure:"CONFIRM_RETRY_DELAY"`
	MinFeeRate          int64         `mapstructure:"MIN_FEE_RATE"`
	MaxChangeOutput     int64         `mapstructure:"MAX_CHANGE_OUTPUT"`
	DepositScanInterval time.Duration `mapstructure:"DEPOSIT_SCAN_INTERVAL"`

	TelegramBotToken string `mapstructure:"TELEGRAM_BOT_TOKEN"`
	AdminChatID      int64  `mapstructure:"ADMIN_CHAT_ID"`

	LoopRestartDelay time.Duration `mapstructure:"LOOP_RESTART_DELAY"`
}

func setDefaults() {
	viper.SetDefault("LOG_LEVEL", "debug")
	viper.SetDefault("DB_URL", "")
	viper.SetDefault("MIGRATE_ON_BOOT", true)

	viper.SetDefault("REDIS_ADDR", "")
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("SESSION_TTL", "24h")

	viper.SetDefault("NETWORK", "testnet")
	viper.SetDefault("CHAIN_API_URL", "https://mempool.space/testnet/api")

	viper.SetDefault("LND_HOST", "localhost:10009")
	viper.SetDefault("LND_TLS_CERT_PATH", "")
	viper.SetDefault("LND_MACAROON_PATH", "")
	viper.SetDefault("FEE_LIMIT_SAT", 30)
	viper.SetDefault("FEE_LIMIT_PPM", 50000)
	viper.SetDefault("LN_MIN_SENDABLE", 1)
	viper.SetDefault("LN_MAX_SENDABLE", 10_000_000)

	viper.SetDefault("WALLET_MASTER_XPUBS", "")
	viper.SetDefault("REQUIRED_SIGS", 2)
	viper.SetDefault("COSIGNER_URL", "")
	viper.SetDefault("CUSTODY_USER_ID", "custody")

	viper.SetDefault("HTTP_ADDR", ":8080")
	viper.SetDefault("JWT_SECRET", "")
	viper.SetDefault("PUBLIC_URL", "http://localhost:8080")

	viper.SetDefault("REQUEST_EXPIRY", "5m")
	viper.SetDefault("RATE_LIMIT_INTERVAL", "60s")
	viper.SetDefault("SKIP_VERIFICATION", false)
	viper.SetDefault("BTC_MIN_AVAIL", 1000)
	viper.SetDefault("LN_MIN_AVAIL", 1)

	viper.SetDefault("BATCH_INTERVAL", "10m")
	viper.SetDefault("BATCH_SIZE", 20)
	viper.SetDefault("BATCH_RESERVATION_TIMEOUT", "30m")
	viper.SetDefault("CONFIRMATION_TARGET", 2)
	viper.SetDefault("CONFIRM_POLL_INTERVAL", "60s")
	viper.SetDefault("CONFIRM_RETRY_DELAY", "30s")
	viper.SetDefault("MIN_FEE_RATE", 1)
	viper.SetDefault("MAX_CHANGE_OUTPUT", 5_000_000)
	viper.SetDefault("DEPOSIT_SCAN_INTERVAL", "5m")

	viper.SetDefault("TELEGRAM_BOT_TOKEN", "")
	viper.SetDefault("ADMIN_CHAT_ID", 0)

	viper.SetDefault("LOOP_RESTART_DELAY", "5s")
}

func LoadConfig(path string) (config Config, err error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return config, fmt.Errorf("failed to resolve config path: %w", err)
	}

	viper.AddConfigPath(filepath.Dir(absPath))
	viper.SetConfigName(filepath.Base(absPath))
	viper.SetConfigType("env")
	viper.AutomaticEnv()
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := viper.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("failed to decode config: %w", err)
	}

	if config.DB_URL == "" {
		return config, fmt.Errorf("DB_URL is required")
	}

	return config, nil
}

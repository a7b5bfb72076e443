package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/joho/godotenv"
)

type Config struct {
	Development bool
	// API configuration
	APIPort int
	// Postgres configuration
	PostgresUser     string
	PostgresPassword string
	PostgresHost     string
	PostgresPort     int
	PostgresDB       string
	// DatabaseURL overrides the individual Postgres settings
	DatabaseURL string
	// SQLitePath selects a SQLite store instead of Postgres
	SQLitePath string

	// Blockchain configuration
	BitcoinNetwork        string
	BtcdHost              string
	BtcdUser              string
	BtcdPassword          string
	BtcdCertPath          string
	BtcdDisableTLS        bool
	WatchingKey           string
	ConfirmationThreshold int64
	EventWorkers          int

	// Notification configuration
	HMACKey             string
	NotificationTimeout time.Duration
	TelegramBotToken    string
	TelegramAlertChatID string

	// Exchange rate configuration
	TickerURL       string
	TickerExchange  string
	Currencies      []string
	DefaultCurrency string
	ExchangeRateTTL time.Duration
}

var networks = map[string]*chaincfg.Params{
	"mainnet":  &chaincfg.MainNetParams,
	"testnet3": &chaincfg.TestNet3Params,
	"regtest":  &chaincfg.RegressionNetParams,
	"simnet":   &chaincfg.SimNetParams,
	"signet":   &chaincfg.SigNetParams,
}

// ChainParams returns the parameters of BitcoinNetwork, testnet3 when unknown.
func (c *Config) ChainParams() *chaincfg.Params {
	if params, ok := networks[strings.ToLower(c.BitcoinNetwork)]; ok {
		return params
	}
	return &chaincfg.TestNet3Params
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Development:      getEnvAsBool("DEVELOPMENT", false),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "password"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnvAsInt("POSTGRES_PORT", 5432),
		PostgresDB:       getEnv("POSTGRES_DB", "pfennig"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		SQLitePath:       getEnv("SQLITE_PATH", ""),

		BitcoinNetwork:        getEnv("BITCOIN_NETWORK", "testnet3"),
		BtcdHost:              getEnv("BTCD_HOST", "localhost:18334"),
		BtcdUser:              getEnv("BTCD_USER", ""),
		BtcdPassword:          getEnv("BTCD_PASSWORD", ""),
		BtcdCertPath:          getEnv("BTCD_CERT_PATH", ""),
		BtcdDisableTLS:        getEnvAsBool("BTCD_DISABLE_TLS", false),
		WatchingKey:           getEnv("WATCHING_KEY", ""),
		ConfirmationThreshold: int64(getEnvAsInt("CONFIRMATION_THRESHOLD", 2)),
		EventWorkers:          getEnvAsInt("EVENT_WORKERS", 4),

		HMACKey:             getEnv("HMAC_KEY", ""),
		NotificationTimeout: getEnvAsDuration("NOTIFICATION_TIMEOUT", 5*time.Second),
		TelegramBotToken:    getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramAlertChatID: getEnv("TELEGRAM_ALERT_CHAT_ID", ""),

		TickerURL:       getEnv("TICKER_URL", "https://api.bitcoinaverage.com/exchanges"),
		TickerExchange:  getEnv("TICKER_EXCHANGE", "kraken"),
		Currencies:      getEnvAsList("CURRENCIES", []string{"EUR", "USD"}),
		DefaultCurrency: strings.ToUpper(getEnv("DEFAULT_CURRENCY", "EUR")),
		ExchangeRateTTL: getEnvAsDuration("EXCHANGE_RATE_TTL", 5*time.Minute),

		APIPort: getEnvAsInt("API_PORT", 4567),
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are properly set
func (c *Config) Validate() error {
	if _, ok := networks[strings.ToLower(c.BitcoinNetwork)]; !ok {
		return fmt.Errorf("unknown BITCOIN_NETWORK %q", c.BitcoinNetwork)
	}

	if c.WatchingKey == "" {
		return fmt.Errorf("WATCHING_KEY is required")
	}

	if c.BtcdHost == "" {
		return fmt.Errorf("BTCD_HOST is required")
	}

	if c.ConfirmationThreshold < 1 {
		return fmt.Errorf("CONFIRMATION_THRESHOLD must be at least 1")
	}

	if c.EventWorkers < 1 {
		return fmt.Errorf("EVENT_WORKERS must be at least 1")
	}

	if c.NotificationTimeout <= 0 {
		return fmt.Errorf("NOTIFICATION_TIMEOUT must be positive")
	}

	if c.TickerURL == "" {
		return fmt.Errorf("TICKER_URL is required")
	}

	if c.DefaultCurrency == "" {
		return fmt.Errorf("DEFAULT_CURRENCY is required")
	}

	if c.ExchangeRateTTL <= 0 {
		return fmt.Errorf("EXCHANGE_RATE_TTL must be positive")
	}

	if c.SQLitePath == "" && c.DatabaseURL == "" {
		if c.PostgresDB == "" {
			return fmt.Errorf("POSTGRES_DB is required")
		}

		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required")
		}
	}

	return nil
}

// Helper functions to read environment variables
func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(name string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsBool(name string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsDuration(name string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

// getEnvAsList splits a comma separated value, dropping blanks.
func getEnvAsList(name string, defaultValue []string) []string {
	valueStr, exists := os.LookupEnv(name)
	if !exists {
		return defaultValue
	}
	var values []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.ToUpper(strings.TrimSpace(item)); item != "" {
			values = append(values, item)
		}
	}
	if len(values) == 0 {
		return defaultValue
	}
	return values
}

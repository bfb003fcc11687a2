package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Poller    PollerConfig
	Exchange  ExchangeConfig
	Telegram  TelegramConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig

	// NetworksFile points at the JSON network registry (see LoadNetworks).
	NetworksFile string
	// OperatorAPIKey guards the manual verification endpoint.
	OperatorAPIKey string
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DatabaseConfig struct {
	Path string
}

type PollerConfig struct {
	Interval       time.Duration
	Workers        int
	RequestTimeout time.Duration
	// InvoiceTTL expires invoices that never received a confirmed payment.
	InvoiceTTL time.Duration
}

type ExchangeConfig struct {
	// Enabled switches the low-latency exchange lookup on; when off the
	// router goes straight to the chain clients.
	Enabled   bool
	BaseURL   string
	APIKey    string
	APISecret string
}

type TelegramConfig struct {
	BotToken string
	ChatID   int64
}

type RateLimitConfig struct {
	RequestsPerSecond int
	BurstSize         int
}

type LoggingConfig struct {
	Level  string
	Pretty bool
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  time.Duration(getEnvAsInt("READ_TIMEOUT", 10)) * time.Second,
			WriteTimeout: time.Duration(getEnvAsInt("WRITE_TIMEOUT", 10)) * time.Second,
		},
		Database: DatabaseConfig{
			Path: getEnv("DB_PATH", "./paywatch.db"),
		},
		Poller: PollerConfig{
			Interval:       time.Duration(getEnvAsInt("POLL_INTERVAL", 30)) * time.Second,
			Workers:        getEnvAsInt("POLL_WORKERS", 4),
			RequestTimeout: time.Duration(getEnvAsInt("VERIFY_TIMEOUT", 10)) * time.Second,
			InvoiceTTL:     time.Duration(getEnvAsInt("INVOICE_TTL_HOURS", 72)) * time.Hour,
		},
		Exchange: ExchangeConfig{
			Enabled:   getEnvAsBool("EXCHANGE_ENABLED", false),
			BaseURL:   getEnv("EXCHANGE_BASE_URL", ""),
			APIKey:    getEnv("EXCHANGE_API_KEY", ""),
			APISecret: getEnv("EXCHANGE_API_SECRET", ""),
		},
		Telegram: TelegramConfig{
			BotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
			ChatID:   int64(getEnvAsInt("TELEGRAM_CHAT_ID", 0)),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_RPS", 10),
			BurstSize:         getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Pretty: getEnvAsBool("LOG_PRETTY", false),
		},
		NetworksFile:   getEnv("NETWORKS_FILE", "networks.json"),
		OperatorAPIKey: getEnv("OPERATOR_API_KEY", ""),
	}
}

// NetworkConfig describes one blockchain the service watches. Credentials
// are handed to the matching chain client constructor, never read from the
// environment inside the client.
type NetworkConfig struct {
	Name          string `json:"name"`
	Kind          string `json:"kind"` // "account", "utxo" or "ton"
	Endpoint      string `json:"endpoint"`
	APIKey        string `json:"api_key"`
	Confirmations int    `json:"confirmations"`
	Decimals      int32  `json:"decimals"`
	Testnet       bool   `json:"testnet"`
}

type networksFile struct {
	Networks []NetworkConfig `json:"networks"`
}

// LoadNetworks reads the network registry file. Adding a chain means adding
// an entry here and a client registration in cmd/api, nothing else.
func LoadNetworks(path string) ([]NetworkConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read networks file: %w", err)
	}

	var f networksFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse networks file: %w", err)
	}
	if len(f.Networks) == 0 {
		return nil, fmt.Errorf("networks file %s defines no networks", path)
	}
	return f.Networks, nil
}

func getEnv(key string, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultVal
}

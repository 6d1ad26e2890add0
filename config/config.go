package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"apexbt/internal/adapters/logger" // Import the logger package for LogLevel
)

// Config holds all application configuration.
type Config struct {
	// Risk Parameters
	StopLossFactor  float64 // Trailing stop as a fraction of the ATH (e.g., 0.95 for -5%)
	PositionSizeUSD float64 // Fixed notional per position (e.g., 100)
	UpdateInterval  time.Duration

	// Price Sources
	PriceSources []string // Ordered fallback chain, e.g. ["codex", "dexscreener"]
	CodexAPIKey  string
	CodexBaseURL string

	// Optional CEX price source
	BinanceAPIKey    string
	BinanceSecretKey string

	// Rate Limits (requests per window)
	PriceRateCapacity     int
	PriceRateWindow       time.Duration
	DispatchRateCapacity  int
	DispatchRateWindow    time.Duration
	FailureAlertThreshold int

	// Signal Relay (optional; disabled when base URL is empty)
	SignalAPIBaseURL  string
	SignalAPIUsername string
	SignalAPIPassword string

	// Telegram (optional; disabled when token is empty)
	TelegramBotToken string
	TelegramChatID   string

	// HTTP API
	ListenAddr string

	// Database
	DBPath string

	// Logging
	LogLevel logger.LogLevel // Use the LogLevel type from the logger adapter
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Risk Parameters
	cfg.StopLossFactor, err = getEnvAsFloatRequired("STOP_LOSS_FACTOR", 0.95)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid STOP_LOSS_FACTOR: %v", err))
	} else if cfg.StopLossFactor <= 0 || cfg.StopLossFactor >= 1.0 {
		errs = append(errs, "STOP_LOSS_FACTOR must be between 0.0 and 1.0 (exclusive)")
	}

	cfg.PositionSizeUSD, err = getEnvAsFloatRequired("POSITION_SIZE_USD", 100.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid POSITION_SIZE_USD: %v", err))
	} else if cfg.PositionSizeUSD <= 0 {
		errs = append(errs, "POSITION_SIZE_USD must be positive")
	}

	intervalSeconds, err := getEnvAsIntRequired("UPDATE_INTERVAL_SECONDS", 60)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid UPDATE_INTERVAL_SECONDS: %v", err))
	} else if intervalSeconds <= 0 {
		errs = append(errs, "UPDATE_INTERVAL_SECONDS must be positive")
	}
	cfg.UpdateInterval = time.Duration(intervalSeconds) * time.Second

	// Price Sources
	sourcesStr := getEnv("PRICE_SOURCES", "codex,dexscreener")
	for _, s := range strings.Split(sourcesStr, ",") {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			cfg.PriceSources = append(cfg.PriceSources, s)
		}
	}
	if len(cfg.PriceSources) == 0 {
		errs = append(errs, "PRICE_SOURCES must name at least one source")
	}
	for _, s := range cfg.PriceSources {
		switch s {
		case "codex", "dexscreener", "binance":
		default:
			errs = append(errs, fmt.Sprintf("unknown price source %q (expected codex, dexscreener or binance)", s))
		}
	}

	cfg.CodexAPIKey = getEnv("CODEX_API_KEY", "")
	cfg.CodexBaseURL = getEnv("CODEX_BASE_URL", "")
	if contains(cfg.PriceSources, "codex") && cfg.CodexAPIKey == "" {
		errs = append(errs, "CODEX_API_KEY must be set when codex is a price source")
	}

	cfg.BinanceAPIKey = getEnv("BINANCE_API_KEY", "")
	cfg.BinanceSecretKey = getEnv("BINANCE_API_SECRET", "")

	// Rate Limits
	cfg.PriceRateCapacity = getEnvAsInt("PRICE_RATE_CAPACITY", 5)
	priceWindowSeconds := getEnvAsInt("PRICE_RATE_WINDOW_SECONDS", 1)
	if cfg.PriceRateCapacity <= 0 || priceWindowSeconds <= 0 {
		errs = append(errs, "price rate limit capacity and window must be positive")
	}
	cfg.PriceRateWindow = time.Duration(priceWindowSeconds) * time.Second

	cfg.DispatchRateCapacity = getEnvAsInt("DISPATCH_RATE_CAPACITY", 20)
	dispatchWindowSeconds := getEnvAsInt("DISPATCH_RATE_WINDOW_SECONDS", 60)
	if cfg.DispatchRateCapacity <= 0 || dispatchWindowSeconds <= 0 {
		errs = append(errs, "dispatch rate limit capacity and window must be positive")
	}
	cfg.DispatchRateWindow = time.Duration(dispatchWindowSeconds) * time.Second

	cfg.FailureAlertThreshold = getEnvAsInt("FAILURE_ALERT_THRESHOLD", 3)
	if cfg.FailureAlertThreshold <= 0 {
		errs = append(errs, "FAILURE_ALERT_THRESHOLD must be positive")
	}

	// Signal Relay (all-or-nothing)
	cfg.SignalAPIBaseURL = getEnv("SIGNAL_API_BASE_URL", "")
	cfg.SignalAPIUsername = getEnv("SIGNAL_API_USERNAME", "")
	cfg.SignalAPIPassword = getEnv("SIGNAL_API_PASSWORD", "")
	if cfg.SignalAPIBaseURL != "" && (cfg.SignalAPIUsername == "" || cfg.SignalAPIPassword == "") {
		errs = append(errs, "SIGNAL_API_USERNAME and SIGNAL_API_PASSWORD must be set when SIGNAL_API_BASE_URL is set")
	}

	// Telegram (all-or-nothing)
	cfg.TelegramBotToken = getEnv("TELEGRAM_BOT_TOKEN", "")
	cfg.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", "")
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID == "" {
		errs = append(errs, "TELEGRAM_CHAT_ID must be set when TELEGRAM_BOT_TOKEN is set")
	}

	// HTTP API
	cfg.ListenAddr = getEnv("LISTEN_ADDR", ":8080")

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/apexbt.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Log warning? For non-required fields, default is often acceptable.
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

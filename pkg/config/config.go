package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every setting for the tracker. Values come from an optional
// YAML file first, then environment variables (loaded via .env if present);
// the environment always wins.
type Config struct {
	// Binance primary account
	BinanceAPIKey    string `yaml:"binance_api_key"`
	BinanceAPISecret string `yaml:"binance_api_secret"`
	BinanceTestnet   bool   `yaml:"binance_testnet"`

	// Mirror account
	MirrorEnabled     bool    `yaml:"mirror_enabled"`
	MirrorAPIKey      string  `yaml:"mirror_api_key"`
	MirrorAPISecret   string  `yaml:"mirror_api_secret"`
	MirrorCoefficient float64 `yaml:"mirror_coefficient"`

	// Telegram
	TelegramToken      string `yaml:"telegram_token"`
	TelegramChatID     string `yaml:"telegram_chat_id"`
	MirrorTelegramChat string `yaml:"mirror_telegram_chat_id"`

	// Storage
	DBPath             string `yaml:"db_path"`
	EventRetentionDays int    `yaml:"event_retention_days"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	// Monthly report
	MonthlyReportEnabled bool    `yaml:"monthly_report_enabled"`
	MonthlyReportOnStart bool    `yaml:"monthly_report_on_start"`
	RealDeposit          float64 `yaml:"real_deposit"`
	FakeDeposit          float64 `yaml:"fake_deposit"`
	ScaleReportToFake    bool    `yaml:"scale_report_to_fake"`

	// Status API
	APIEnabled bool   `yaml:"api_enabled"`
	APIAddr    string `yaml:"api_addr"`
}

func defaults() *Config {
	return &Config{
		MirrorCoefficient:    1.0,
		DBPath:               "./data/tracker.db",
		EventRetentionDays:   60,
		LogLevel:             "info",
		LogFile:              "logs/tracker.log",
		MonthlyReportEnabled: true,
		RealDeposit:          20000,
		FakeDeposit:          3000000,
		ScaleReportToFake:    true,
		APIEnabled:           true,
		APIAddr:              ":8080",
	}
}

// Load builds the configuration. The YAML file path comes from CONFIG_FILE
// (default ./config.yaml); a missing file is not an error.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := defaults()

	path := getEnv("CONFIG_FILE", "./config.yaml")
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	overlayEnv(cfg)

	if cfg.MirrorEnabled && cfg.MirrorCoefficient <= 0 {
		return nil, fmt.Errorf("mirror coefficient must be positive, got %v", cfg.MirrorCoefficient)
	}
	return cfg, nil
}

func overlayEnv(cfg *Config) {
	setStr(&cfg.BinanceAPIKey, "BINANCE_API_KEY")
	setStr(&cfg.BinanceAPISecret, "BINANCE_API_SECRET")
	setBool(&cfg.BinanceTestnet, "BINANCE_TESTNET")

	setBool(&cfg.MirrorEnabled, "MIRROR_ENABLED")
	setStr(&cfg.MirrorAPIKey, "MIRROR_B_API_KEY")
	setStr(&cfg.MirrorAPISecret, "MIRROR_B_API_SECRET")
	setFloat(&cfg.MirrorCoefficient, "MIRROR_COEFFICIENT")

	setStr(&cfg.TelegramToken, "TELEGRAM_BOT_TOKEN")
	setStr(&cfg.TelegramChatID, "TELEGRAM_CHAT_ID")
	setStr(&cfg.MirrorTelegramChat, "MIRROR_B_TG_CHAT_ID")

	setStr(&cfg.DBPath, "DB_PATH")
	setInt(&cfg.EventRetentionDays, "FUTURES_EVENTS_RETENTION_DAYS")

	setStr(&cfg.LogLevel, "LOG_LEVEL")
	setStr(&cfg.LogFile, "LOG_FILE")

	setBool(&cfg.MonthlyReportEnabled, "MONTHLY_REPORT_ENABLED")
	setBool(&cfg.MonthlyReportOnStart, "MONTHLY_REPORT_ON_START")
	setFloat(&cfg.RealDeposit, "REAL_DEPOSIT")
	setFloat(&cfg.FakeDeposit, "FAKE_DEPOSIT")
	setBool(&cfg.ScaleReportToFake, "TRADE_FAKE_REPORT")

	setBool(&cfg.APIEnabled, "API_ENABLED")
	setStr(&cfg.APIAddr, "API_ADDR")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	switch os.Getenv(key) {
	case "1", "true", "yes", "TRUE", "True":
		*dst = true
	case "0", "false", "no", "FALSE", "False":
		*dst = false
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

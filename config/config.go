// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	// Spreadsheet endpoint (Apps Script web app) and its shared secret.
	SheetsURL    string `mapstructure:"sheets_url"`
	SheetsSecret string `mapstructure:"sheets_secret"`

	// Direct Sheets API sink, used only when SheetsURL is empty.
	SpreadsheetID   string `mapstructure:"sheets_spreadsheet_id"`
	SheetsRange     string `mapstructure:"sheets_range"`
	CredentialsJSON string `mapstructure:"google_credentials_json"`

	BotToken      string `mapstructure:"telegram_bot_token"`
	WebhookSecret string `mapstructure:"telegram_webhook_secret"`
	TelegramAPI   string `mapstructure:"telegram_api_url"`
	WebAppURL     string `mapstructure:"webapp_url"`
	DebugToChat   bool   `mapstructure:"debug_to_chat"`

	Port     string `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

// envBindings maps config keys to the environment variables read for them,
// in order of precedence.
var envBindings = map[string][]string{
	"sheets_url":              {"SHEETS_URL"},
	"sheets_secret":           {"SHEETS_SECRET"},
	"sheets_spreadsheet_id":   {"SHEETS_SPREADSHEET_ID"},
	"sheets_range":            {"SHEETS_RANGE"},
	"google_credentials_json": {"GOOGLE_CREDENTIALS_JSON"},
	"telegram_bot_token":      {"TELEGRAM_BOT_TOKEN", "BOT_TOKEN"},
	"telegram_webhook_secret": {"TELEGRAM_WEBHOOK_SECRET", "WEBHOOK_SECRET"},
	"telegram_api_url":        {"TELEGRAM_API_URL"},
	"webapp_url":              {"WEBAPP_URL"},
	"debug_to_chat":           {"DEBUG_TO_CHAT"},
	"port":                    {"PORT"},
	"log_level":               {"LOG_LEVEL"},
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("sheets_range", "Sheet1!A:E")
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")

	for key, envs := range envBindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.SheetsURL = strings.TrimSpace(cfg.SheetsURL)
	cfg.WebAppURL = strings.TrimSpace(cfg.WebAppURL)
	return &cfg, nil
}

// HasEnv reports which spreadsheet settings are present, for the intake
// healthcheck. Values are never exposed.
func (c *Config) HasEnv() map[string]bool {
	return map[string]bool{
		"SHEETS_URL":            c.SheetsURL != "",
		"SHEETS_SECRET":         c.SheetsSecret != "",
		"SHEETS_SPREADSHEET_ID": c.SpreadsheetID != "",
	}
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

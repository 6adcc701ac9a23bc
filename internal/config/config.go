// Package config holds runtime configuration for UniFi Monitor, loaded by
// viper from cobra flags and UNIFIMON_* environment variables.
package config

import (
	"github.com/spf13/viper"

	"github.com/kestrelhome/unifimon/internal/unifierr"
)

// Config holds all runtime configuration for UniFi Monitor.
type Config struct {
	ApplianceHost     string
	ApplianceUsername string
	AppliancePassword string

	ChatBotToken string
	ChatTargetID string

	DBPath            string
	DBBudgetMB        int
	ListenAddr        string
	SessionExpiryDays int
	InviteExpirySecs  int
	MaxNotifyRetries  int

	LogDir      string
	LogBudgetMB int
}

// Load reads configuration from viper, which merges flag values, env vars,
// and defaults set up by the cobra command in cmd/unifimonitor.
func Load() Config {
	return Config{
		ApplianceHost:     viper.GetString("appliance_host"),
		ApplianceUsername: viper.GetString("appliance_username"),
		AppliancePassword: viper.GetString("appliance_password"),
		ChatBotToken:      viper.GetString("chat_bot_token"),
		ChatTargetID:      viper.GetString("chat_target_id"),
		DBPath:            viper.GetString("db_path"),
		DBBudgetMB:        viper.GetInt("db_budget_mb"),
		ListenAddr:        viper.GetString("listen_addr"),
		SessionExpiryDays: viper.GetInt("session_expiry_days"),
		InviteExpirySecs:  viper.GetInt("invite_expiry_secs"),
		MaxNotifyRetries:  viper.GetInt("max_notify_retries"),
		LogDir:            viper.GetString("log_dir"),
		LogBudgetMB:       viper.GetInt("log_budget_mb"),
	}
}

// Validate fails fast on missing required configuration. Returned errors
// are ConfigError so the process fails fast at startup (wrapped by the caller).
func (c Config) Validate() error {
	switch {
	case c.ApplianceHost == "":
		return errRequired("appliance-host")
	case c.ApplianceUsername == "":
		return errRequired("appliance-username")
	case c.AppliancePassword == "":
		return errRequired("appliance-password")
	case c.DBPath == "":
		return errRequired("db-path")
	}
	return nil
}

type missingFlagError string

func (e missingFlagError) Error() string { return "missing required config: " + string(e) }

func errRequired(flag string) error {
	return unifierr.ConfigError("validate config", missingFlagError(flag))
}

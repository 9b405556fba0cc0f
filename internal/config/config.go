package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main quill configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Vault path
	VaultPath string `json:"vault_path" mapstructure:"vault_path"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Backend configuration
	Backend BackendConfig `json:"backend" mapstructure:"backend"`

	// Scheduler configuration
	Scheduler SchedulerConfig `json:"scheduler" mapstructure:"scheduler"`

	// Connector configuration
	Connector ConnectorConfig `json:"connector" mapstructure:"connector"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Host          string `json:"host" mapstructure:"host"`
	Port          int    `json:"port" mapstructure:"port"`
	TokenSecret   string `json:"token_secret" mapstructure:"token_secret"`
	TokenTTLDays  int    `json:"token_ttl_days" mapstructure:"token_ttl_days"`
	IssuePassword string `json:"issue_password" mapstructure:"issue_password"`
	ChatTimeout   int    `json:"chat_timeout" mapstructure:"chat_timeout"` // seconds
}

// BackendConfig holds conversational backend configuration
type BackendConfig struct {
	Command string   `json:"command" mapstructure:"command"`
	Args    []string `json:"args" mapstructure:"args"`
}

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	TickSeconds   int    `json:"tick_seconds" mapstructure:"tick_seconds"`
	HistoryFile   string `json:"history_file" mapstructure:"history_file"`
	VaultSyncCron string `json:"vault_sync_cron" mapstructure:"vault_sync_cron"`
}

// ConnectorConfig holds connector registry configuration
type ConnectorConfig struct {
	SweepSeconds int    `json:"sweep_seconds" mapstructure:"sweep_seconds"`
	AuditFile    string `json:"audit_file" mapstructure:"audit_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         8787,
			TokenTTLDays: 90,
			ChatTimeout:  120,
		},
		Backend: BackendConfig{
			Command: "quill-backend",
		},
		Scheduler: SchedulerConfig{
			TickSeconds:   60,
			VaultSyncCron: "0 * * * *",
		},
		Connector: ConnectorConfig{
			SweepSeconds: 30,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port must be between 1 and 65535, got %d", c.Gateway.Port)
	}
	if c.Gateway.TokenSecret == "" {
		return fmt.Errorf("gateway token_secret is required")
	}
	if len(c.Gateway.TokenSecret) < 16 {
		return fmt.Errorf("gateway token_secret must be at least 16 characters")
	}
	if c.Backend.Command == "" {
		return fmt.Errorf("backend command is required")
	}
	if c.Scheduler.TickSeconds <= 0 {
		return fmt.Errorf("scheduler tick_seconds must be positive, got %d", c.Scheduler.TickSeconds)
	}
	if c.Connector.SweepSeconds <= 0 {
		return fmt.Errorf("connector sweep_seconds must be positive, got %d", c.Connector.SweepSeconds)
	}

	switch c.Logging.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}

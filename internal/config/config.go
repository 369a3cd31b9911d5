package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the server configuration, loaded from a YAML file with
// environment-variable overrides for the addresses.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`
	RedisAddr  string `yaml:"redis_addr"`

	// Admins is the moderation allow-list. Injected here rather than
	// baked into source.
	Admins []string `yaml:"admins"`

	// AdminPassword, when set, resets the credential of every listed
	// admin at boot so the accounts always exist.
	AdminPassword string `yaml:"admin_password"`

	CooldownMs   int `yaml:"cooldown_ms"`
	MaxMessages  int `yaml:"max_messages"`
	HistoryLimit int `yaml:"history_limit"`
	MaxWhispers  int `yaml:"max_whispers"`
	AuditLimit   int `yaml:"audit_limit"`

	MaxConns       int `yaml:"max_conns"`
	IdleTimeoutSec int `yaml:"idle_timeout_sec"`

	// UpgradeRateLimit caps websocket upgrades per IP per minute.
	UpgradeRateLimit int `yaml:"upgrade_rate_limit"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		ListenAddr:       ":8080",
		DataDir:          "data",
		CooldownMs:       2000,
		MaxMessages:      500,
		HistoryLimit:     50,
		MaxWhispers:      1000,
		AuditLimit:       1000,
		UpgradeRateLimit: 30,
	}
}

// Load reads the config file at path, applying defaults for absent
// fields and environment overrides on top. An empty path or a missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.RedisAddr = addr
	}
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	return cfg, nil
}

// Cooldown returns the chat cooldown as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownMs) * time.Millisecond
}

// IdleTimeout returns the connection idle timeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

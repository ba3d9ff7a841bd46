package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AccountConfig identifies the mail account.
type AccountConfig struct {
	EmailAddress string `mapstructure:"email" yaml:"email"`
	RealName     string `mapstructure:"name" yaml:"name"`
}

// ServerConfig holds connection settings for one mail server.
type ServerConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`

	// Security is "tls", "starttls" or "none".
	Security string `mapstructure:"security" yaml:"security"`

	// UpdateBatchSize caps the number of UIDs per sync event. IMAP only.
	UpdateBatchSize int `mapstructure:"update_batch_size" yaml:"update_batch_size"`
}

// StoreConfig selects the local store backend.
type StoreConfig struct {
	// Backend is "sqlite" or "badger".
	Backend string `mapstructure:"backend" yaml:"backend"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
}

// SyncConfig tunes the orchestrator.
type SyncConfig struct {
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval" yaml:"reconnect_interval"`

	// IgnoreUploadOnSent lists SMTP host patterns whose providers file sent
	// mail on their own.
	IgnoreUploadOnSent []string `mapstructure:"ignore_upload_on_sent" yaml:"ignore_upload_on_sent"`
}

// OutboxConfig tunes the outbox queue.
type OutboxConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
}

// SecurityConfig controls certificate pinning.
type SecurityConfig struct {
	TrustNewCertificates bool `mapstructure:"trust_new_certificates" yaml:"trust_new_certificates"`
}

// NetworkConfig controls host connectivity probing.
type NetworkConfig struct {
	ProbeAddress  string        `mapstructure:"probe_address" yaml:"probe_address"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Account  AccountConfig  `mapstructure:"account" yaml:"account"`
	IMAP     ServerConfig   `mapstructure:"imap" yaml:"imap"`
	SMTP     ServerConfig   `mapstructure:"smtp" yaml:"smtp"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Sync     SyncConfig     `mapstructure:"sync" yaml:"sync"`
	Outbox   OutboxConfig   `mapstructure:"outbox" yaml:"outbox"`
	Security SecurityConfig `mapstructure:"security" yaml:"security"`
	Network  NetworkConfig  `mapstructure:"network" yaml:"network"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

// DefaultDataDir returns the directory holding local mail databases.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "data")
	}
	return filepath.Join(home, ".local", "share", "mailsync")
}

// DefaultAppConfig returns a sensible default configuration.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		IMAP: ServerConfig{
			Port:            993,
			Security:        "tls",
			UpdateBatchSize: 25,
		},
		SMTP: ServerConfig{
			Port:     465,
			Security: "tls",
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Dir:     DefaultDataDir(),
		},
		Sync: SyncConfig{
			ReconnectInterval:  10 * time.Second,
			IgnoreUploadOnSent: []string{`\.gmail\.com$`, `\.googlemail\.com$`},
		},
		Outbox: OutboxConfig{
			CheckInterval: 5 * time.Second,
		},
		Network: NetworkConfig{
			ProbeInterval: 15 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
	}
}

func setDefaults(v *viper.Viper, cfg *AppConfig) {
	v.SetDefault("account.email", cfg.Account.EmailAddress)
	v.SetDefault("account.name", cfg.Account.RealName)
	v.SetDefault("imap.host", cfg.IMAP.Host)
	v.SetDefault("imap.port", cfg.IMAP.Port)
	v.SetDefault("imap.username", cfg.IMAP.Username)
	v.SetDefault("imap.security", cfg.IMAP.Security)
	v.SetDefault("imap.update_batch_size", cfg.IMAP.UpdateBatchSize)
	v.SetDefault("smtp.host", cfg.SMTP.Host)
	v.SetDefault("smtp.port", cfg.SMTP.Port)
	v.SetDefault("smtp.username", cfg.SMTP.Username)
	v.SetDefault("smtp.security", cfg.SMTP.Security)
	v.SetDefault("store.backend", cfg.Store.Backend)
	v.SetDefault("store.dir", cfg.Store.Dir)
	v.SetDefault("sync.reconnect_interval", cfg.Sync.ReconnectInterval)
	v.SetDefault("sync.ignore_upload_on_sent", cfg.Sync.IgnoreUploadOnSent)
	v.SetDefault("outbox.check_interval", cfg.Outbox.CheckInterval)
	v.SetDefault("security.trust_new_certificates", cfg.Security.TrustNewCertificates)
	v.SetDefault("network.probe_address", cfg.Network.ProbeAddress)
	v.SetDefault("network.probe_interval", cfg.Network.ProbeInterval)
	v.SetDefault("network.probe_timeout", cfg.Network.ProbeTimeout)
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// MAILSYNC_* environment variables override file values, e.g.
// MAILSYNC_IMAP_HOST. If the file does not exist, defaults are used.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("mailsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, DefaultAppConfig())

	if err := v.ReadInConfig(); err != nil {
		_, pathErr := err.(*os.PathError)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !pathErr && !notFound {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// The account address doubles as the login name unless one is given.
	if cfg.IMAP.Username == "" {
		cfg.IMAP.Username = cfg.Account.EmailAddress
	}
	if cfg.SMTP.Username == "" {
		cfg.SMTP.Username = cfg.Account.EmailAddress
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("account", cfg.Account)
	v.Set("imap", cfg.IMAP)
	v.Set("smtp", cfg.SMTP)
	v.Set("store", cfg.Store)
	v.Set("sync", map[string]any{
		"reconnect_interval":    cfg.Sync.ReconnectInterval.String(),
		"ignore_upload_on_sent": cfg.Sync.IgnoreUploadOnSent,
	})
	v.Set("outbox", map[string]any{
		"check_interval": cfg.Outbox.CheckInterval.String(),
	})
	v.Set("security", cfg.Security)
	v.Set("network", map[string]any{
		"probe_address":  cfg.Network.ProbeAddress,
		"probe_interval": cfg.Network.ProbeInterval.String(),
		"probe_timeout":  cfg.Network.ProbeTimeout.String(),
	})

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

// Package config loads and validates zn-vault-agent configuration from a
// YAML file with environment-variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the agent.
type Config struct {
	VaultURL string `mapstructure:"vault_url"`
	TenantID string `mapstructure:"tenant_id"`
	Insecure bool   `mapstructure:"insecure"`

	Auth    AuthConfig       `mapstructure:"auth"`
	Managed ManagedKeyConfig `mapstructure:"managed_key"`

	Targets       []CertificateTargetConfig `mapstructure:"targets"`
	SecretTargets []SecretTargetConfig      `mapstructure:"secret_targets"`
	PollInterval  time.Duration             `mapstructure:"poll_interval"`

	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Health     HealthConfig     `mapstructure:"health"`
	Secrets    SecretsFSConfig  `mapstructure:"secrets_fs"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
}

// AuthConfig carries the credential the agent uses to authenticate to the
// vault. Either APIKey or Username/Password must be set.
type AuthConfig struct {
	APIKey   string `mapstructure:"api_key"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// ManagedKeyConfig names the managed API key this agent binds to, if any.
// An empty Name means the agent runs outside managed-key mode and
// internal/keycontrol is never started.
type ManagedKeyConfig struct {
	Name           string    `mapstructure:"name"`
	NextRotationAt time.Time `mapstructure:"next_rotation_at"`
	GraceExpiresAt time.Time `mapstructure:"grace_expires_at"`
	RotationMode   string    `mapstructure:"rotation_mode"`
}

// CertificateTargetConfig is the on-disk declaration of a CertificateTarget.
type CertificateTargetConfig struct {
	Name          string            `mapstructure:"name"`
	RemoteID      string            `mapstructure:"remote_id"`
	OutputPaths   map[string]string `mapstructure:"output_paths"`
	Mode          string            `mapstructure:"mode"`
	Owner         string            `mapstructure:"owner"`
	ReloadCommand string            `mapstructure:"reload_command"`
	ReloadTimeout time.Duration     `mapstructure:"reload_timeout"`
	HealthCheck   string            `mapstructure:"health_check"`
}

// SecretTargetConfig is the on-disk declaration of a SecretTarget.
type SecretTargetConfig struct {
	RemoteID      string        `mapstructure:"remote_id"`
	Name          string        `mapstructure:"name"`
	Format        string        `mapstructure:"format"`
	Path          string        `mapstructure:"path"`
	EnvPrefix     string        `mapstructure:"env_prefix"`
	RawKey        string        `mapstructure:"raw_key"`
	TemplatePath  string        `mapstructure:"template_path"`
	Mode          string        `mapstructure:"mode"`
	Owner         string        `mapstructure:"owner"`
	ReloadCommand string        `mapstructure:"reload_command"`
	ReloadTimeout time.Duration `mapstructure:"reload_timeout"`
}

// LogConfig configures pkg/logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// HealthConfig configures the /health, /ready, /live, /metrics server.
type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// SecretsFSConfig configures the tmpfs directory used to hand secrets to a
// supervised child process via *_FILE env vars.
type SecretsFSConfig struct {
	Dir string `mapstructure:"dir"`
}

// SupervisorConfig configures the optional child-process supervisor (C9).
type SupervisorConfig struct {
	Enabled     bool              `mapstructure:"enabled"`
	Command     string            `mapstructure:"command"`
	Args        []string          `mapstructure:"args"`
	Env         map[string]string `mapstructure:"env"`
	MaxRestarts int               `mapstructure:"max_restarts"`
}

// Load reads configuration from configPath (if non-empty) and overlays
// environment variables, following the precedence rule in spec.md §6:
// environment overrides file.
func Load(configPath string) (*Config, error) {
	setDefaults()

	viper.SetEnvPrefix("ZNVA")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	bindEnvAliases()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// bindEnvAliases wires the legacy flat environment variable names from
// spec.md §6 (_URL, _TENANT_ID, _API_KEY, _USERNAME, _PASSWORD, _INSECURE)
// onto their nested mapstructure keys.
func bindEnvAliases() {
	aliases := map[string]string{
		"vault_url":     "ZNVA_URL",
		"tenant_id":     "ZNVA_TENANT_ID",
		"auth.api_key":  "ZNVA_API_KEY",
		"auth.username": "ZNVA_USERNAME",
		"auth.password": "ZNVA_PASSWORD",
		"insecure":      "ZNVA_INSECURE",
	}
	for key, env := range aliases {
		_ = viper.BindEnv(key, env)
	}
}

func setDefaults() {
	viper.SetDefault("insecure", false)
	viper.SetDefault("poll_interval", "1h")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output", "stdout")

	viper.SetDefault("metrics.enabled", true)

	viper.SetDefault("health.enabled", true)
	viper.SetDefault("health.addr", ":9090")

	viper.SetDefault("secrets_fs.dir", "/run/zn-vault-agent/secrets")

	viper.SetDefault("supervisor.enabled", false)
	viper.SetDefault("supervisor.max_restarts", 5)
}

// Validate checks invariants that every component relies on.
func (c *Config) Validate() error {
	if c.VaultURL == "" {
		return fmt.Errorf("vault_url is required")
	}
	if c.Auth.APIKey == "" && c.Auth.Username == "" {
		return fmt.Errorf("auth requires either api_key or username/password")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	for i, t := range c.Targets {
		if t.Name == "" || t.RemoteID == "" {
			return fmt.Errorf("targets[%d]: name and remote_id are required", i)
		}
		if len(t.OutputPaths) == 0 {
			return fmt.Errorf("targets[%d] %q: at least one output path is required", i, t.Name)
		}
	}
	for i, s := range c.SecretTargets {
		if s.RemoteID == "" || s.Name == "" {
			return fmt.Errorf("secret_targets[%d]: remote_id and name are required", i)
		}
		if s.Format != "none" && s.Path == "" {
			return fmt.Errorf("secret_targets[%d] %q: path is required unless format is \"none\"", i, s.Name)
		}
	}
	return nil
}

// IsManagedKeyMode reports whether the agent should run the
// Managed-Key Controller (C7).
func (c *Config) IsManagedKeyMode() bool {
	return c.Managed.Name != ""
}

package config

import (
	"encoding/json"
)

// ConfigSanitizer sanitizes sensitive configuration data before it is
// logged or exposed over the health server.
type ConfigSanitizer interface {
	Sanitize(cfg *Config) *Config
}

// DefaultConfigSanitizer implements ConfigSanitizer.
type DefaultConfigSanitizer struct {
	redactionValue string
}

// NewDefaultConfigSanitizer creates a new DefaultConfigSanitizer.
func NewDefaultConfigSanitizer() ConfigSanitizer {
	return &DefaultConfigSanitizer{redactionValue: "***REDACTED***"}
}

// NewConfigSanitizer creates a ConfigSanitizer with a custom redaction value.
func NewConfigSanitizer(redactionValue string) ConfigSanitizer {
	return &DefaultConfigSanitizer{redactionValue: redactionValue}
}

// Sanitize redacts secret material: the vault auth credential (API key
// and password) and every value of the supervisor's env mapping.
func (s *DefaultConfigSanitizer) Sanitize(cfg *Config) *Config {
	sanitized := s.deepCopy(cfg)

	if sanitized.Auth.APIKey != "" {
		sanitized.Auth.APIKey = s.redactionValue
	}
	if sanitized.Auth.Password != "" {
		sanitized.Auth.Password = s.redactionValue
	}

	for i := range sanitized.Supervisor.Env {
		sanitized.Supervisor.Env[i] = s.redactionValue
	}

	return sanitized
}

// deepCopy creates a deep copy of Config using JSON serialization so that
// redaction never mutates the live configuration.
func (s *DefaultConfigSanitizer) deepCopy(cfg *Config) *Config {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}

	var configCopy Config
	if err := json.Unmarshal(configJSON, &configCopy); err != nil {
		return cfg
	}

	return &configCopy
}

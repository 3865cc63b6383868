package config

import (
	"strings"

	"github.com/zncore/vault-agent/internal/domain"
)

// CertificateTargets converts the configured certificate target
// declarations into the domain.CertificateTarget instances the Sync
// Engine and Deployer operate on. Called once at startup; the returned
// targets are owned by the caller for the rest of the process lifetime.
func (c *Config) CertificateTargets() []*domain.CertificateTarget {
	out := make([]*domain.CertificateTarget, 0, len(c.Targets))
	for _, t := range c.Targets {
		out = append(out, &domain.CertificateTarget{
			Name:          t.Name,
			RemoteID:      t.RemoteID,
			OutputPaths:   t.OutputPaths,
			Mode:          t.Mode,
			Owner:         t.Owner,
			ReloadCommand: t.ReloadCommand,
			ReloadTimeout: t.ReloadTimeout,
			HealthCheck:   t.HealthCheck,
		})
	}
	return out
}

// SecretTargetList converts the configured secret target declarations
// into domain.SecretTarget instances.
func (c *Config) SecretTargetList() []*domain.SecretTarget {
	out := make([]*domain.SecretTarget, 0, len(c.SecretTargets))
	for _, s := range c.SecretTargets {
		out = append(out, &domain.SecretTarget{
			RemoteID:      s.RemoteID,
			Name:          s.Name,
			Format:        domain.OutputFormat(strings.ToLower(s.Format)),
			Path:          s.Path,
			EnvPrefix:     s.EnvPrefix,
			RawKey:        s.RawKey,
			TemplatePath:  s.TemplatePath,
			Mode:          s.Mode,
			Owner:         s.Owner,
			ReloadCommand: s.ReloadCommand,
			ReloadTimeout: s.ReloadTimeout,
		})
	}
	return out
}

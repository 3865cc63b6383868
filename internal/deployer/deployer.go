// Package deployer implements the fetch/format/write/reload/rollback
// pipeline (C4) for both certificate and secret targets.
package deployer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/zncore/vault-agent/internal/domain"
	"github.com/zncore/vault-agent/internal/eventsink"
	"github.com/zncore/vault-agent/internal/formatter"
	"github.com/zncore/vault-agent/internal/vaultclient"
	"github.com/zncore/vault-agent/pkg/metrics"
)

// CertificateMaterial and SecretData mirror the vaultclient response
// shapes the deployer needs, kept as narrow local aliases so this
// package depends on vaultclient only for its DTOs.
type CertificateMaterial = vaultclient.CertificateMaterial
type SecretData = vaultclient.SecretData

// VaultSource is the subset of the vault client the deployer calls.
type VaultSource interface {
	DecryptCertificate(ctx context.Context, token, id, purpose string) (*CertificateMaterial, error)
	GetSecret(ctx context.Context, token, idOrAlias string) (*SecretData, error)
	AckDelivery(ctx context.Context, token, id, hostname string, version int64) error
}

// Writer is the subset of atomicwriter.Writer the deployer calls.
type Writer interface {
	Write(path string, data []byte, mode, owner string) error
	Backup(path string) error
	RestoreBackup(path string) error
}

// EventEmitter is the subset of eventsink.Emitter the deployer calls.
type EventEmitter interface {
	Emit(ev eventsink.Event)
}

// Result is the outcome of a single deploy call, per spec §4.4.
type Result struct {
	Success           bool
	Message           string
	FilesWritten      []string
	Fingerprint       string
	Version           int64
	ReloadOutput      string
	RolledBack        bool
	HealthCheckPassed *bool
}

// Deployer runs deploy/deployAll. Per-target deploys are serialized by
// targetLocks so two concurrent events for the same target never race on
// the same destination files; distinct targets may deploy concurrently.
type Deployer struct {
	vault    VaultSource
	writer   Writer
	events   EventEmitter
	hostname string
	logger   *slog.Logger
	metrics  *metrics.DeployerMetrics

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a Deployer.
func New(vault VaultSource, writer Writer, events EventEmitter, hostname string, logger *slog.Logger, m *metrics.DeployerMetrics) *Deployer {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.DefaultRegistry().Deployer()
	}
	return &Deployer{
		vault:    vault,
		writer:   writer,
		events:   events,
		hostname: hostname,
		logger:   logger,
		metrics:  m,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (d *Deployer) lockFor(name string) *sync.Mutex {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()
	l, ok := d.locks[name]
	if !ok {
		l = &sync.Mutex{}
		d.locks[name] = l
	}
	return l
}

var pemBlockPattern = regexp.MustCompile(`(?s)-----BEGIN ([^-]+)-----.*?-----END [^-]+-----\n?`)

// splitPEMBundle splits a PEM bundle into {cert, key, chain, fullchain,
// combined}. The first non-key block is the leaf certificate; any block
// whose label contains "PRIVATE KEY" is the key; every other block,
// concatenated in order, is the chain. fullchain is always cert+chain so
// the round-trip invariant in spec §8 holds by construction.
func splitPEMBundle(bundle string) map[string]string {
	blocks := pemBlockPattern.FindAllString(bundle, -1)

	var certBlock, keyBlock string
	var chainBuilder strings.Builder
	for _, b := range blocks {
		switch {
		case strings.Contains(b, "PRIVATE KEY"):
			keyBlock = b
		case certBlock == "":
			certBlock = b
		default:
			chainBuilder.WriteString(b)
		}
	}

	chain := chainBuilder.String()
	return map[string]string{
		"cert":      certBlock,
		"key":       keyBlock,
		"chain":     chain,
		"fullchain": certBlock + chain,
		"combined":  certBlock + keyBlock + chain,
	}
}

// DeployCertificate runs the C4 sequence for a certificate target.
func (d *Deployer) DeployCertificate(ctx context.Context, target *domain.CertificateTarget, token string, force bool) Result {
	lock := d.lockFor(target.Name)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	defer func() {
		d.metrics.DeployDuration.WithLabelValues(target.Name).Observe(time.Since(start).Seconds())
	}()

	material, err := d.vault.DecryptCertificate(ctx, token, target.RemoteID, "deploy")
	if err != nil {
		d.metrics.DeploysTotal.WithLabelValues(target.Name, "error").Inc()
		return Result{Success: false, Message: err.Error()}
	}

	if !force && target.HasDeployed() && material.PEMBundle != "" && fingerprintOf(material.PEMBundle) == target.LastFingerprint {
		d.metrics.DeploysTotal.WithLabelValues(target.Name, "unchanged").Inc()
		return Result{Success: true, Message: "unchanged"}
	}

	components := splitPEMBundle(material.PEMBundle)

	var written []string
	for name, path := range target.OutputPaths {
		content, ok := components[name]
		if !ok {
			continue
		}
		if err := d.writer.Backup(path); err != nil {
			d.logger.Warn("backup before write failed", "target", target.Name, "path", path, "error", err)
		}
		if err := d.writer.Write(path, []byte(content), target.Mode, target.Owner); err != nil {
			d.metrics.DeploysTotal.WithLabelValues(target.Name, "error").Inc()
			return Result{Success: false, Message: fmt.Sprintf("write %s: %v", path, err), FilesWritten: written}
		}
		written = append(written, path)
	}

	result := Result{Success: true, FilesWritten: written, Fingerprint: fingerprintOf(material.PEMBundle), Version: material.Version}

	if target.ReloadCommand != "" {
		output, err := d.runReload(ctx, target.Name, target.ReloadCommand, target.ReloadTimeout)
		result.ReloadOutput = output
		if err != nil {
			return d.rollback(target, written, fmt.Sprintf("reload failed: %v", err), "reload_failed")
		}
	}

	if target.HealthCheck != "" {
		passed := d.runHealthCheck(ctx, target.HealthCheck)
		result.HealthCheckPassed = &passed
		if !passed {
			rolledBack := d.rollback(target, written, "health check failed", "health_check_failed")
			rolledBack.HealthCheckPassed = &passed
			return rolledBack
		}
	}

	target.UpdateSyncState(result.Fingerprint, result.Version, time.Now())
	_ = d.vault.AckDelivery(ctx, token, target.RemoteID, d.hostname, result.Version)
	d.events.Emit(eventsink.Event{Topic: "certificateDeployed", Data: map[string]any{"target": target.Name, "version": result.Version}})
	d.metrics.DeploysTotal.WithLabelValues(target.Name, "success").Inc()
	d.metrics.LastDeploySuccessTimestamp.WithLabelValues(target.Name).SetToCurrentTime()

	return result
}

// DeploySecret runs the C4 sequence for a secret target.
func (d *Deployer) DeploySecret(ctx context.Context, target *domain.SecretTarget, token string, force bool) Result {
	lock := d.lockFor(target.Name)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	defer func() {
		d.metrics.DeployDuration.WithLabelValues(target.Name).Observe(time.Since(start).Seconds())
	}()

	secret, err := d.vault.GetSecret(ctx, token, target.RemoteID)
	if err != nil {
		d.metrics.DeploysTotal.WithLabelValues(target.Name, "error").Inc()
		return Result{Success: false, Message: err.Error()}
	}

	if !force && target.LastVersion > 0 && secret.Version == target.LastVersion {
		d.metrics.DeploysTotal.WithLabelValues(target.Name, "unchanged").Inc()
		return Result{Success: true, Message: "unchanged"}
	}

	if target.Format == domain.FormatNone {
		target.UpdateSyncState(secret.Version, time.Now())
		d.events.Emit(eventsink.Event{Topic: "secretDeployed", Data: map[string]any{"target": target.Name, "version": secret.Version, "notifyOnly": true}})
		d.metrics.DeploysTotal.WithLabelValues(target.Name, "success").Inc()
		return Result{Success: true, Version: secret.Version}
	}

	opts := formatter.Options{EnvPrefix: target.EnvPrefix, RawKey: target.RawKey}
	if target.Format == domain.FormatTemplate {
		body, err := os.ReadFile(target.TemplatePath)
		if err != nil {
			d.metrics.DeploysTotal.WithLabelValues(target.Name, "error").Inc()
			return Result{Success: false, Message: fmt.Sprintf("read template: %v", err)}
		}
		opts.TemplateBody = string(body)
	}

	content, err := formatter.Render(secret.Data, target.Format, opts)
	if err != nil {
		d.metrics.DeploysTotal.WithLabelValues(target.Name, "error").Inc()
		return Result{Success: false, Message: err.Error()}
	}

	if err := d.writer.Backup(target.Path); err != nil {
		d.logger.Warn("backup before write failed", "target", target.Name, "path", target.Path, "error", err)
	}
	if err := d.writer.Write(target.Path, content, target.Mode, target.Owner); err != nil {
		d.metrics.DeploysTotal.WithLabelValues(target.Name, "error").Inc()
		return Result{Success: false, Message: fmt.Sprintf("write %s: %v", target.Path, err)}
	}
	written := []string{target.Path}

	result := Result{Success: true, FilesWritten: written, Version: secret.Version}

	if target.ReloadCommand != "" {
		output, err := d.runReload(ctx, target.Name, target.ReloadCommand, target.ReloadTimeout)
		result.ReloadOutput = output
		if err != nil {
			return d.rollbackSecret(target, written, fmt.Sprintf("reload failed: %v", err))
		}
	}

	target.UpdateSyncState(secret.Version, time.Now())
	d.events.Emit(eventsink.Event{Topic: "secretDeployed", Data: map[string]any{"target": target.Name, "version": secret.Version}})
	d.metrics.DeploysTotal.WithLabelValues(target.Name, "success").Inc()
	d.metrics.LastDeploySuccessTimestamp.WithLabelValues(target.Name).SetToCurrentTime()

	return result
}

func (d *Deployer) rollback(target *domain.CertificateTarget, written []string, message, reason string) Result {
	for _, path := range written {
		if err := d.writer.RestoreBackup(path); err != nil {
			d.logger.Error("rollback restore failed", "target", target.Name, "path", path, "error", err)
		}
	}
	d.metrics.RollbacksTotal.WithLabelValues(target.Name, reason).Inc()
	d.metrics.DeploysTotal.WithLabelValues(target.Name, "error").Inc()
	return Result{Success: false, Message: message, FilesWritten: written, RolledBack: true}
}

func (d *Deployer) rollbackSecret(target *domain.SecretTarget, written []string, message string) Result {
	for _, path := range written {
		if err := d.writer.RestoreBackup(path); err != nil {
			d.logger.Error("rollback restore failed", "target", target.Name, "path", path, "error", err)
		}
	}
	d.metrics.RollbacksTotal.WithLabelValues(target.Name, "reload_failed").Inc()
	d.metrics.DeploysTotal.WithLabelValues(target.Name, "error").Inc()
	return Result{Success: false, Message: message, FilesWritten: written, RolledBack: true}
}

func (d *Deployer) runReload(ctx context.Context, targetName, command string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err != nil {
		d.metrics.ReloadFailuresTotal.WithLabelValues(targetName).Inc()
		return out.String(), fmt.Errorf("reload command exited with error: %w", err)
	}
	return out.String(), nil
}

func (d *Deployer) runHealthCheck(ctx context.Context, command string) bool {
	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	return cmd.Run() == nil
}

// DeployAllCertificates iterates targets sequentially to preserve
// predictable reload ordering, per spec §4.4.
func (d *Deployer) DeployAllCertificates(ctx context.Context, targets []*domain.CertificateTarget, token string, force bool) []Result {
	results := make([]Result, 0, len(targets))
	for _, t := range targets {
		results = append(results, d.DeployCertificate(ctx, t, token, force))
	}
	return results
}

// DeployAllSecrets iterates targets sequentially to preserve predictable
// reload ordering, per spec §4.4.
func (d *Deployer) DeployAllSecrets(ctx context.Context, targets []*domain.SecretTarget, token string, force bool) []Result {
	results := make([]Result, 0, len(targets))
	for _, t := range targets {
		results = append(results, d.DeploySecret(ctx, t, token, force))
	}
	return results
}

func fingerprintOf(bundle string) string {
	sum := sha256.Sum256([]byte(bundle))
	return hex.EncodeToString(sum[:])
}

// Package metrics provides centralized metrics management for zn-vault-agent.
//
// This package implements a unified taxonomy for Prometheus metrics, one
// category per instrumented component:
//   - VaultClient: requests to the vault API, retries, token refreshes
//   - EventChannel: websocket connection state, reconnects, events received
//   - Deployer: fetch/render/write/reload/rollback outcomes
//   - ManagedKey: rotation, grace-period, and heartbeat state
//   - DynamicCreds: credential lease lifecycle and pool occupancy
//   - Supervisor: child-process restarts and exit codes
//
// All metrics are namespaced zn_vault_agent_<category>_<metric_name>.
//
// Example:
//
//	registry := metrics.DefaultRegistry()
//	registry.VaultClient().RequestsTotal.WithLabelValues("get_secret", "200").Inc()
package metrics

import (
	"sync"
)

// MetricsRegistry is the central registry for all Prometheus metrics.
// Provides organized access to metrics by component.
//
// Thread-safe: All Prometheus metrics are thread-safe by design.
// Singleton: use DefaultRegistry() to get the global instance.
type MetricsRegistry struct {
	namespace string

	vaultClient  *VaultClientMetrics
	eventChannel *EventChannelMetrics
	deployer     *DeployerMetrics
	managedKey   *ManagedKeyMetrics
	dynamicCreds *DynamicCredsMetrics
	supervisor   *SupervisorMetrics

	vaultClientOnce  sync.Once
	eventChannelOnce sync.Once
	deployerOnce     sync.Once
	managedKeyOnce   sync.Once
	dynamicCredsOnce sync.Once
	supervisorOnce   sync.Once
}

var (
	defaultRegistry     *MetricsRegistry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the global singleton MetricsRegistry.
// Safe for concurrent use. Initialized once on first call.
func DefaultRegistry() *MetricsRegistry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewMetricsRegistry("zn_vault_agent")
	})
	return defaultRegistry
}

// NewMetricsRegistry creates a new MetricsRegistry with the given namespace.
// For most use cases, use DefaultRegistry() instead.
func NewMetricsRegistry(namespace string) *MetricsRegistry {
	if namespace == "" {
		namespace = "zn_vault_agent"
	}
	return &MetricsRegistry{namespace: namespace}
}

// VaultClient returns the vault-client metrics manager (C1). Lazy-initialized.
func (r *MetricsRegistry) VaultClient() *VaultClientMetrics {
	r.vaultClientOnce.Do(func() {
		r.vaultClient = NewVaultClientMetrics(r.namespace)
	})
	return r.vaultClient
}

// EventChannel returns the event-channel metrics manager (C5). Lazy-initialized.
func (r *MetricsRegistry) EventChannel() *EventChannelMetrics {
	r.eventChannelOnce.Do(func() {
		r.eventChannel = NewEventChannelMetrics(r.namespace)
	})
	return r.eventChannel
}

// Deployer returns the deployer metrics manager (C4). Lazy-initialized.
func (r *MetricsRegistry) Deployer() *DeployerMetrics {
	r.deployerOnce.Do(func() {
		r.deployer = NewDeployerMetrics(r.namespace)
	})
	return r.deployer
}

// ManagedKey returns the managed-key controller metrics manager (C7). Lazy-initialized.
func (r *MetricsRegistry) ManagedKey() *ManagedKeyMetrics {
	r.managedKeyOnce.Do(func() {
		r.managedKey = NewManagedKeyMetrics(r.namespace)
	})
	return r.managedKey
}

// DynamicCreds returns the dynamic-credentials metrics manager (C8). Lazy-initialized.
func (r *MetricsRegistry) DynamicCreds() *DynamicCredsMetrics {
	r.dynamicCredsOnce.Do(func() {
		r.dynamicCreds = NewDynamicCredsMetrics(r.namespace)
	})
	return r.dynamicCreds
}

// Supervisor returns the child-process supervisor metrics manager (C9). Lazy-initialized.
func (r *MetricsRegistry) Supervisor() *SupervisorMetrics {
	r.supervisorOnce.Do(func() {
		r.supervisor = NewSupervisorMetrics(r.namespace)
	})
	return r.supervisor
}

// Namespace returns the configured namespace for this registry.
func (r *MetricsRegistry) Namespace() string {
	return r.namespace
}

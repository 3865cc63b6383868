package dynamiccreds

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zncore/vault-agent/internal/domain"
	"github.com/zncore/vault-agent/pkg/metrics"
)

const defaultPoolCacheSize = 256

// dialFunc opens a DBClient for cfg. Overridable in tests.
type dialFunc func(ctx context.Context, cfg domain.DynamicSecretsConfig) (DBClient, error)

// Agent is the Dynamic-Credential Agent (C8): it holds per-connection
// configuration pushed by the vault, a cached pool of database clients
// keyed by connection ID, and the in-flight leases it has generated, and
// answers config-push/config-revoke/generate/revoke/renew requests.
type Agent struct {
	keys    *KeyPair
	store   *store
	pool    *poolCache
	dial    dialFunc
	logger  *slog.Logger
	metrics *metrics.DynamicCredsMetrics

	leasesMu sync.Mutex
	leases   map[string]domain.Lease
}

// NewAgent constructs an Agent whose long-term keypair keys is used to
// open every config-push envelope it receives.
func NewAgent(keys *KeyPair, poolCacheSize int, logger *slog.Logger, m *metrics.DynamicCredsMetrics) *Agent {
	if poolCacheSize <= 0 {
		poolCacheSize = defaultPoolCacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.DefaultRegistry().DynamicCreds()
	}
	return &Agent{
		keys:    keys,
		store:   newStore(),
		pool:    newPoolCache(poolCacheSize, m),
		dial:    defaultDial,
		logger:  logger.With("component", "dynamic_creds_agent"),
		metrics: m,
		leases:  make(map[string]domain.Lease),
	}
}

func defaultDial(ctx context.Context, cfg domain.DynamicSecretsConfig) (DBClient, error) {
	switch cfg.Engine {
	case domain.EnginePostgreSQL:
		return NewPGClient(ctx, cfg.DSN, cfg.MaxPoolSize)
	case domain.EngineMySQL:
		return NewMySQLClient(ctx, cfg.DSN, cfg.MaxPoolSize)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEngine, cfg.Engine)
	}
}

// Shutdown closes every cached connection pool in parallel.
func (a *Agent) Shutdown() {
	a.pool.closeAll()
}

// HandleConfigPush decrypts and stores a connection configuration,
// per spec §4.8: decrypt under the agent's long-term key, parse into a
// DynamicSecretsConfig, store only if strictly newer.
func (a *Agent) HandleConfigPush(push ConfigPush) ConfigAck {
	plaintext, err := decryptEnvelope(a.keys, push.EncryptedConfig)
	if err != nil {
		a.metrics.DecryptFailuresTotal.Inc()
		a.logger.Error("config envelope decryption failed", "connection_id", push.ConnectionID, "error", err)
		return ConfigAck{ConnectionID: push.ConnectionID, Status: ConfigAckFailed}
	}

	cfg, err := parseConfig(push.ConnectionID, push.ConfigVersion, plaintext)
	if err != nil {
		a.logger.Error("config parse failed", "connection_id", push.ConnectionID, "error", err)
		return ConfigAck{ConnectionID: push.ConnectionID, Status: ConfigAckFailed}
	}

	if !a.store.put(cfg) {
		a.logger.Warn("stale config version rejected", "connection_id", push.ConnectionID, "version", push.ConfigVersion)
		return ConfigAck{ConnectionID: push.ConnectionID, Status: ConfigAckFailed}
	}

	a.pool.remove(push.ConnectionID)
	a.logger.Info("dynamic secrets config loaded", "connection_id", push.ConnectionID, "version", push.ConfigVersion)
	return ConfigAck{ConnectionID: push.ConnectionID, Status: ConfigAckLoaded}
}

// HandleConfigRevoke removes a connection's configuration and closes its
// cached database client.
func (a *Agent) HandleConfigRevoke(revoke ConfigRevoke) {
	a.store.remove(revoke.ConnectionID)
	a.pool.remove(revoke.ConnectionID)
	a.logger.Info("dynamic secrets config revoked", "connection_id", revoke.ConnectionID)
}

// HandleGenerate synthesizes a new dynamic credential per spec §4.8:
// lookup role config, render the username, generate a random password,
// run every create statement against the cached pooled client, encrypt
// the password for the vault, and reply.
func (a *Agent) HandleGenerate(ctx context.Context, req GenerateRequest) (GeneratedReply, ErrorReply, error) {
	cfg, role, err := a.lookupRole(req.ConnectionID, req.RoleID)
	if err != nil {
		return GeneratedReply{}, a.errorReply(req.RequestID, err), err
	}

	client, err := a.clientFor(ctx, cfg)
	if err != nil {
		return GeneratedReply{}, a.errorReply(req.RequestID, err), err
	}

	usernameTemplate := req.UsernameTemplate
	if usernameTemplate == "" {
		usernameTemplate = role.UsernameTemplate
	}
	username, err := renderUsername(usernameTemplate, role.RoleName)
	if err != nil {
		return GeneratedReply{}, a.errorReply(req.RequestID, err), err
	}

	password, err := generatePassword()
	if err != nil {
		return GeneratedReply{}, a.errorReply(req.RequestID, err), err
	}

	for _, stmt := range role.CreateStatements {
		rendered := renderStatement(stmt, username, password, req.ExpiresAt)
		if err := client.Exec(ctx, rendered); err != nil {
			a.metrics.LeasesGeneratedTotal.WithLabelValues(string(cfg.Engine), "failed").Inc()
			a.logger.Error("create statement failed", "connection_id", req.ConnectionID, "role", req.RoleID,
				"statement", redactStatement(rendered, password), "error", err)
			return GeneratedReply{}, a.errorReply(req.RequestID, err), err
		}
	}

	encryptedPassword, err := encryptForVault(req.VaultPublicKey, []byte(password))
	if err != nil {
		return GeneratedReply{}, a.errorReply(req.RequestID, err), err
	}

	leaseID, err := newLeaseID()
	if err != nil {
		return GeneratedReply{}, a.errorReply(req.RequestID, err), err
	}

	a.leasesMu.Lock()
	a.leases[leaseID] = domain.Lease{
		LeaseID:      leaseID,
		ConnectionID: req.ConnectionID,
		RoleName:     role.RoleName,
		Username:     username,
		ExpiresAt:    req.ExpiresAt,
	}
	a.leasesMu.Unlock()

	a.metrics.LeasesGeneratedTotal.WithLabelValues(string(cfg.Engine), "success").Inc()
	return GeneratedReply{
		RequestID:         req.RequestID,
		LeaseID:           leaseID,
		Username:          username,
		EncryptedPassword: encryptedPassword,
		ExpiresAt:         req.ExpiresAt,
	}, ErrorReply{}, nil
}

// HandleRevoke runs a lease's revocation statements against its
// connection's pooled client.
func (a *Agent) HandleRevoke(ctx context.Context, req RevokeRequest) (RevokedReply, ErrorReply, error) {
	a.leasesMu.Lock()
	lease, ok := a.leases[req.LeaseID]
	a.leasesMu.Unlock()
	if !ok {
		err := ErrConfigNotFound
		return RevokedReply{}, a.errorReply(req.RequestID, err), err
	}

	cfg, role, err := a.lookupRoleByName(lease.ConnectionID, lease.RoleName)
	if err != nil {
		return RevokedReply{}, a.errorReply(req.RequestID, err), err
	}

	client, err := a.clientFor(ctx, cfg)
	if err != nil {
		return RevokedReply{}, a.errorReply(req.RequestID, err), err
	}

	username := req.Username
	if username == "" {
		username = lease.Username
	}

	for _, stmt := range role.RevokeStatements {
		rendered := renderStatement(stmt, username, "", time.Time{})
		if err := client.Exec(ctx, rendered); err != nil {
			a.metrics.LeasesRevokedTotal.WithLabelValues(string(cfg.Engine), "failed").Inc()
			return RevokedReply{}, a.errorReply(req.RequestID, err), err
		}
	}

	a.leasesMu.Lock()
	delete(a.leases, req.LeaseID)
	a.leasesMu.Unlock()

	a.metrics.LeasesRevokedTotal.WithLabelValues(string(cfg.Engine), "requested").Inc()
	return RevokedReply{RequestID: req.RequestID, LeaseID: req.LeaseID}, ErrorReply{}, nil
}

// HandleRenew runs a lease's renewal statements and extends its tracked
// expiry.
func (a *Agent) HandleRenew(ctx context.Context, req RenewRequest) (RenewedReply, ErrorReply, error) {
	a.leasesMu.Lock()
	lease, ok := a.leases[req.LeaseID]
	a.leasesMu.Unlock()
	if !ok {
		err := ErrConfigNotFound
		return RenewedReply{}, a.errorReply(req.RequestID, err), err
	}

	cfg, role, err := a.lookupRoleByName(lease.ConnectionID, lease.RoleName)
	if err != nil {
		return RenewedReply{}, a.errorReply(req.RequestID, err), err
	}

	client, err := a.clientFor(ctx, cfg)
	if err != nil {
		return RenewedReply{}, a.errorReply(req.RequestID, err), err
	}

	username := req.Username
	if username == "" {
		username = lease.Username
	}

	for _, stmt := range role.RenewStatements {
		rendered := renderStatement(stmt, username, "", req.NewExpiresAt)
		if err := client.Exec(ctx, rendered); err != nil {
			a.metrics.LeasesRenewedTotal.WithLabelValues(string(cfg.Engine), "failed").Inc()
			return RenewedReply{}, a.errorReply(req.RequestID, err), err
		}
	}

	lease.ExpiresAt = req.NewExpiresAt
	a.leasesMu.Lock()
	a.leases[req.LeaseID] = lease
	a.leasesMu.Unlock()

	a.metrics.LeasesRenewedTotal.WithLabelValues(string(cfg.Engine), "success").Inc()
	return RenewedReply{RequestID: req.RequestID, LeaseID: req.LeaseID, ExpiresAt: req.NewExpiresAt}, ErrorReply{}, nil
}

func (a *Agent) lookupRole(connectionID, roleID string) (domain.DynamicSecretsConfig, domain.RoleConfig, error) {
	return a.lookupRoleByName(connectionID, roleID)
}

func (a *Agent) lookupRoleByName(connectionID, roleName string) (domain.DynamicSecretsConfig, domain.RoleConfig, error) {
	cfg, ok := a.store.get(connectionID)
	if !ok {
		return domain.DynamicSecretsConfig{}, domain.RoleConfig{}, ErrConfigNotFound
	}
	role, ok := cfg.Roles[roleName]
	if !ok {
		return domain.DynamicSecretsConfig{}, domain.RoleConfig{}, ErrRoleNotFound
	}
	return cfg, role, nil
}

func (a *Agent) clientFor(ctx context.Context, cfg domain.DynamicSecretsConfig) (DBClient, error) {
	if client, ok := a.pool.get(cfg.ConnectionID); ok {
		return client, nil
	}
	client, err := a.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.pool.put(cfg.ConnectionID, client)
	return client, nil
}

func (a *Agent) errorReply(requestID string, err error) ErrorReply {
	return ErrorReply{RequestID: requestID, Code: CodeFor(err), Message: err.Error()}
}

func newLeaseID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("dynamiccreds: generate lease id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

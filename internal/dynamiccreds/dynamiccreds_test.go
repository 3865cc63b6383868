package dynamiccreds

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"

	"github.com/zncore/vault-agent/internal/domain"
	"github.com/zncore/vault-agent/pkg/metrics"
)

type fakeDBClient struct {
	mu         sync.Mutex
	statements []string
	failAlways bool
	closed     bool
}

func (f *fakeDBClient) Exec(ctx context.Context, statement string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAlways {
		return ErrSQLExecutionFailed
	}
	f.statements = append(f.statements, statement)
	return nil
}

func (f *fakeDBClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func sealConfig(t *testing.T, keys *KeyPair, wire configWire) domain.EncryptedConfigEnvelope {
	t.Helper()
	plaintext, err := json.Marshal(wire)
	require.NoError(t, err)

	messageKey := make([]byte, chacha20poly1305.KeySize)
	_, err = rand.Read(messageKey)
	require.NoError(t, err)

	aead, err := chacha20poly1305.New(messageKey)
	require.NoError(t, err)

	nonce := make([]byte, aead.NonceSize())
	_, err = rand.Read(nonce)
	require.NoError(t, err)

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-aead.Overhead()]
	authTag := sealed[len(sealed)-aead.Overhead():]

	wrappedKey, err := box.SealAnonymous(nil, messageKey, keys.Public, rand.Reader)
	require.NoError(t, err)

	return domain.EncryptedConfigEnvelope{
		Ciphertext: ciphertext,
		Nonce:      nonce,
		AuthTag:    authTag,
		WrappedKey: wrappedKey,
	}
}

func newTestAgent(t *testing.T) (*Agent, *KeyPair) {
	t.Helper()
	keys, err := GenerateKeyPair()
	require.NoError(t, err)
	reg := metrics.NewMetricsRegistry("zn_vault_agent_test_dynamiccreds_" + t.Name())
	agent := NewAgent(keys, 0, nil, reg.DynamicCreds())
	return agent, keys
}

func testRoleWire() roleConfigWire {
	return roleConfigWire{
		RoleName:         "readonly",
		UsernameTemplate: "svc_{{role}}_{{random:6}}",
		CreateStatements: []string{"CREATE ROLE {{username}} PASSWORD '{{password}}' VALID UNTIL '{{expiration}}'"},
		RenewStatements:  []string{"ALTER ROLE {{username}} VALID UNTIL '{{expiration}}'"},
		RevokeStatements: []string{"DROP ROLE {{username}}"},
		DefaultTTLSecs:   3600,
		MaxTTLSecs:       7200,
	}
}

func pushTestConfig(t *testing.T, agent *Agent, keys *KeyPair, connectionID string, version int64) ConfigAck {
	t.Helper()
	wire := configWire{
		Engine:      string(domain.EnginePostgreSQL),
		DSN:         "postgres://example",
		MaxPoolSize: 4,
		Roles:       map[string]roleConfigWire{"readonly": testRoleWire()},
	}
	env := sealConfig(t, keys, wire)
	return agent.HandleConfigPush(ConfigPush{ConnectionID: connectionID, ConfigVersion: version, EncryptedConfig: env})
}

func TestHandleConfigPush_DecryptsAndStoresConfig(t *testing.T) {
	agent, keys := newTestAgent(t)
	ack := pushTestConfig(t, agent, keys, "conn-1", 1)
	assert.Equal(t, ConfigAckLoaded, ack.Status)

	cfg, ok := agent.store.get("conn-1")
	require.True(t, ok)
	assert.Equal(t, domain.EnginePostgreSQL, cfg.Engine)
	assert.Contains(t, cfg.Roles, "readonly")
}

func TestHandleConfigPush_StaleVersionRejected(t *testing.T) {
	agent, keys := newTestAgent(t)
	require.Equal(t, ConfigAckLoaded, pushTestConfig(t, agent, keys, "conn-1", 5).Status)

	ack := pushTestConfig(t, agent, keys, "conn-1", 3)
	assert.Equal(t, ConfigAckFailed, ack.Status)

	cfg, ok := agent.store.get("conn-1")
	require.True(t, ok)
	assert.Equal(t, int64(5), cfg.ConfigVersion)
}

func TestHandleConfigPush_UndecryptableEnvelopeFails(t *testing.T) {
	agent, _ := newTestAgent(t)
	bogus := domain.EncryptedConfigEnvelope{
		Ciphertext: []byte("garbage"),
		Nonce:      make([]byte, chacha20poly1305.NonceSize),
		AuthTag:    make([]byte, 16),
		WrappedKey: make([]byte, box.AnonymousOverhead+32),
	}
	ack := agent.HandleConfigPush(ConfigPush{ConnectionID: "conn-x", ConfigVersion: 1, EncryptedConfig: bogus})
	assert.Equal(t, ConfigAckFailed, ack.Status)
}

func TestHandleConfigRevoke_RemovesConfigAndClosesPool(t *testing.T) {
	agent, keys := newTestAgent(t)
	pushTestConfig(t, agent, keys, "conn-1", 1)

	client := &fakeDBClient{}
	agent.dial = func(ctx context.Context, cfg domain.DynamicSecretsConfig) (DBClient, error) { return client, nil }

	vaultPub, _, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, _, err = agent.HandleGenerate(context.Background(), GenerateRequest{
		RequestID: "r1", ConnectionID: "conn-1", RoleID: "readonly",
		ExpiresAt: time.Now().Add(time.Hour), VaultPublicKey: vaultPub[:],
	})
	require.NoError(t, err)

	agent.HandleConfigRevoke(ConfigRevoke{ConnectionID: "conn-1"})

	_, ok := agent.store.get("conn-1")
	assert.False(t, ok)
	assert.True(t, client.closed)
}

func TestHandleGenerate_RendersUsernameAndStatementsAndEncryptsPassword(t *testing.T) {
	agent, keys := newTestAgent(t)
	pushTestConfig(t, agent, keys, "conn-1", 1)

	client := &fakeDBClient{}
	agent.dial = func(ctx context.Context, cfg domain.DynamicSecretsConfig) (DBClient, error) { return client, nil }

	vaultPub, vaultPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)
	reply, errReply, err := agent.HandleGenerate(context.Background(), GenerateRequest{
		RequestID: "r1", ConnectionID: "conn-1", RoleID: "readonly",
		ExpiresAt: expiresAt, VaultPublicKey: vaultPub[:],
	})
	require.NoError(t, err)
	assert.Empty(t, errReply.Code)
	assert.Regexp(t, `^svc_readonly_[a-z0-9]{6}$`, reply.Username)
	assert.NotEmpty(t, reply.LeaseID)

	require.Len(t, client.statements, 1)
	assert.Contains(t, client.statements[0], reply.Username)
	assert.NotContains(t, client.statements[0], "{{password}}")

	decrypted, ok := box.OpenAnonymous(nil, reply.EncryptedPassword, vaultPub, vaultPriv)
	require.True(t, ok)
	assert.NotEmpty(t, decrypted)
}

func TestHandleGenerate_UnknownRoleReturnsConfigNotFoundError(t *testing.T) {
	agent, keys := newTestAgent(t)
	pushTestConfig(t, agent, keys, "conn-1", 1)

	vaultPub, _, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	_, errReply, err := agent.HandleGenerate(context.Background(), GenerateRequest{
		RequestID: "r1", ConnectionID: "conn-1", RoleID: "nonexistent",
		ExpiresAt: time.Now().Add(time.Hour), VaultPublicKey: vaultPub[:],
	})
	require.Error(t, err)
	assert.Equal(t, CodeConfigNotFound, errReply.Code)
}

func TestHandleGenerate_StatementFailureReportsSQLExecutionFailed(t *testing.T) {
	agent, keys := newTestAgent(t)
	pushTestConfig(t, agent, keys, "conn-1", 1)

	client := &fakeDBClient{}
	agent.dial = func(ctx context.Context, cfg domain.DynamicSecretsConfig) (DBClient, error) { return client, nil }

	vaultPub, _, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	expiresAt := time.Now().Add(time.Hour)
	client.failAlways = true

	_, errReply, err := agent.HandleGenerate(context.Background(), GenerateRequest{
		RequestID: "r2", ConnectionID: "conn-1", RoleID: "readonly",
		UsernameTemplate: "fixed_user", ExpiresAt: expiresAt, VaultPublicKey: vaultPub[:],
	})
	require.Error(t, err)
	assert.Equal(t, CodeSQLExecutionFailed, errReply.Code)
}

func TestHandleRevokeAndRenew_RoundTripAgainstGeneratedLease(t *testing.T) {
	agent, keys := newTestAgent(t)
	pushTestConfig(t, agent, keys, "conn-1", 1)

	client := &fakeDBClient{}
	agent.dial = func(ctx context.Context, cfg domain.DynamicSecretsConfig) (DBClient, error) { return client, nil }

	vaultPub, _, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	reply, _, err := agent.HandleGenerate(context.Background(), GenerateRequest{
		RequestID: "r1", ConnectionID: "conn-1", RoleID: "readonly",
		ExpiresAt: time.Now().Add(time.Hour), VaultPublicKey: vaultPub[:],
	})
	require.NoError(t, err)

	newExpiry := time.Now().Add(2 * time.Hour)
	renewed, errReply, err := agent.HandleRenew(context.Background(), RenewRequest{
		RequestID: "r2", LeaseID: reply.LeaseID, NewExpiresAt: newExpiry,
	})
	require.NoError(t, err)
	assert.Empty(t, errReply.Code)
	assert.Equal(t, reply.LeaseID, renewed.LeaseID)
	assert.Contains(t, client.statements[len(client.statements)-1], "ALTER ROLE")

	revoked, errReply, err := agent.HandleRevoke(context.Background(), RevokeRequest{
		RequestID: "r3", LeaseID: reply.LeaseID,
	})
	require.NoError(t, err)
	assert.Empty(t, errReply.Code)
	assert.Equal(t, reply.LeaseID, revoked.LeaseID)
	assert.Contains(t, client.statements[len(client.statements)-1], "DROP ROLE")

	_, _, err = agent.HandleRevoke(context.Background(), RevokeRequest{RequestID: "r4", LeaseID: reply.LeaseID})
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestPoolCache_EvictionClosesClient(t *testing.T) {
	reg := metrics.NewMetricsRegistry("zn_vault_agent_test_dynamiccreds_" + t.Name())
	pc := newPoolCache(1, reg.DynamicCreds())

	first := &fakeDBClient{}
	second := &fakeDBClient{}
	pc.put("conn-1", first)
	pc.put("conn-2", second)

	assert.True(t, first.closed)
	_, ok := pc.get("conn-1")
	assert.False(t, ok)
	_, ok = pc.get("conn-2")
	assert.True(t, ok)
}

func TestPoolCache_CloseAllClosesEveryClient(t *testing.T) {
	reg := metrics.NewMetricsRegistry("zn_vault_agent_test_dynamiccreds_" + t.Name())
	pc := newPoolCache(8, reg.DynamicCreds())

	clients := []*fakeDBClient{{}, {}, {}}
	for i, c := range clients {
		pc.put(string(rune('a'+i)), c)
	}
	pc.closeAll()

	for _, c := range clients {
		assert.True(t, c.closed)
	}
}

func TestStore_PutRejectsNonIncreasingVersion(t *testing.T) {
	s := newStore()
	assert.True(t, s.put(domain.DynamicSecretsConfig{ConnectionID: "c1", ConfigVersion: 2}))
	assert.False(t, s.put(domain.DynamicSecretsConfig{ConnectionID: "c1", ConfigVersion: 2}))
	assert.False(t, s.put(domain.DynamicSecretsConfig{ConnectionID: "c1", ConfigVersion: 1}))
	assert.True(t, s.put(domain.DynamicSecretsConfig{ConnectionID: "c1", ConfigVersion: 3}))
}

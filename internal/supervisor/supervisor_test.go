package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zncore/vault-agent/internal/eventsink"
	"github.com/zncore/vault-agent/internal/vaultclient"
	"github.com/zncore/vault-agent/pkg/metrics"
)

type fakeVault struct {
	secrets map[string]*vaultclient.SecretData
	binds   map[string]*vaultclient.BindManagedKeyResponse
	bindCalls int
}

func (f *fakeVault) GetSecret(ctx context.Context, token, idOrAlias string) (*vaultclient.SecretData, error) {
	s, ok := f.secrets[idOrAlias]
	if !ok {
		return nil, assert.AnError
	}
	return s, nil
}

func (f *fakeVault) BindManagedAPIKey(ctx context.Context, token, name string) (*vaultclient.BindManagedKeyResponse, error) {
	f.bindCalls++
	b, ok := f.binds[name]
	if !ok {
		return nil, assert.AnError
	}
	return b, nil
}

func TestEnvBuilder_ResolvesLiteral(t *testing.T) {
	b := newEnvBuilder(&fakeVault{}, "token")
	resolved, err := b.resolve(context.Background(), map[string]string{"FOO": "literal:bar"})
	require.NoError(t, err)
	assert.Equal(t, "bar", resolved["FOO"])
}

func TestEnvBuilder_ResolvesAPIKeyAndCachesBind(t *testing.T) {
	vault := &fakeVault{binds: map[string]*vaultclient.BindManagedKeyResponse{
		"svc": {Key: "k-123"},
	}}
	b := newEnvBuilder(vault, "token")

	resolved, err := b.resolve(context.Background(), map[string]string{
		"A": "api-key:svc",
		"B": "api-key:svc",
	})
	require.NoError(t, err)
	assert.Equal(t, "k-123", resolved["A"])
	assert.Equal(t, "k-123", resolved["B"])
	assert.Equal(t, 1, vault.bindCalls)
}

func TestEnvBuilder_ResolvesAliasWithKeyProjection(t *testing.T) {
	vault := &fakeVault{secrets: map[string]*vaultclient.SecretData{
		"alias:db/creds": {Data: map[string]any{"username": "admin", "password": "hunter2"}},
	}}
	b := newEnvBuilder(vault, "token")

	resolved, err := b.resolve(context.Background(), map[string]string{
		"DB_USER": "alias:db/creds.username",
	})
	require.NoError(t, err)
	assert.Equal(t, "admin", resolved["DB_USER"])
}

func TestEnvBuilder_ResolvesAliasWithoutKeyStringifiesMap(t *testing.T) {
	vault := &fakeVault{secrets: map[string]*vaultclient.SecretData{
		"db/creds": {Data: map[string]any{"username": "admin"}},
	}}
	b := newEnvBuilder(vault, "token")

	resolved, err := b.resolve(context.Background(), map[string]string{"DB": "uuid:db/creds"})
	require.NoError(t, err)
	assert.Contains(t, resolved["DB"], "admin")
}

func TestEnvBuilder_UnknownPrefixErrors(t *testing.T) {
	b := newEnvBuilder(&fakeVault{}, "token")
	_, err := b.resolve(context.Background(), map[string]string{"X": "weird:thing"})
	assert.Error(t, err)
}

func TestIsSensitiveName(t *testing.T) {
	assert.True(t, isSensitiveName("DB_PASSWORD"))
	assert.True(t, isSensitiveName("API_KEY"))
	assert.True(t, isSensitiveName("SECRET_TOKEN"))
	assert.False(t, isSensitiveName("LOG_LEVEL"))
}

func TestSecretsFS_WriteThenCleanupZeroesAndUnlinks(t *testing.T) {
	dir := t.TempDir()
	fs, err := newSecretsFS(dir)
	require.NoError(t, err)

	path, err := fs.write("DB_PASSWORD", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "DB_PASSWORD"), path)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(content))

	fs.cleanup()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func newTestSupervisor(t *testing.T, cfg Config, vault VaultClient) *Supervisor {
	t.Helper()
	reg := metrics.NewMetricsRegistry("zn_vault_agent_test_supervisor_" + t.Name())
	cfg.SecretsDir = t.TempDir()
	sup, err := New(cfg, vault, "token", nil, reg.Supervisor(), eventsink.New(nil))
	require.NoError(t, err)
	return sup
}

func TestRun_SuccessfulExitDoesNotRestart(t *testing.T) {
	sup := newTestSupervisor(t, Config{Command: "/bin/true"}, &fakeVault{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := sup.Run(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, sup.restartCount)
}

func TestRun_InjectsResolvedEnvIntoChild(t *testing.T) {
	outFile := filepath.Join(t.TempDir(), "out.txt")
	sup := newTestSupervisor(t, Config{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo $GREETING > " + outFile},
		Env:     map[string]string{"GREETING": "literal:hello"},
	}, &fakeVault{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Run(ctx))

	content, err := os.ReadFile(outFile)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(content))
}

func TestRun_SensitiveEnvDeliveredAsFile(t *testing.T) {
	outFile := filepath.Join(t.TempDir(), "out.txt")
	sup := newTestSupervisor(t, Config{
		Command: "/bin/sh",
		Args:    []string{"-c", "cat $DB_PASSWORD_FILE > " + outFile},
		Env:     map[string]string{"DB_PASSWORD": "literal:s3cr3t"},
	}, &fakeVault{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Run(ctx))

	content, err := os.ReadFile(outFile)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", string(content))
}

func TestRun_CrashRestartsThenSucceeds(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "attempts")
	sup := newTestSupervisor(t, Config{
		Command: "/bin/sh",
		Args: []string{"-c", `
			if [ -f ` + marker + ` ]; then exit 0; fi
			touch ` + marker + `
			exit 1
		`},
		MaxRestarts: 3,
	}, &fakeVault{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := sup.Run(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, sup.restartCount)
}

func TestRun_GivesUpAfterMaxRestarts(t *testing.T) {
	sup := newTestSupervisor(t, Config{
		Command:     "/bin/false",
		MaxRestarts: 1,
	}, &fakeVault{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := sup.Run(ctx)
	assert.Error(t, err)
	assert.Equal(t, 2, sup.restartCount)
}

func TestRequestRestart_CausesOneExtraRunOfSuccessfulChild(t *testing.T) {
	sup := newTestSupervisor(t, Config{
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 0.2"},
	}, &fakeVault{})

	sup.RequestRestart(RestartTriggerRotation)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := sup.Run(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, sup.restartCount)
}

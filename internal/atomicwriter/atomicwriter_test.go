package atomicwriter

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrite_CreatesFileWithMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cert.pem")
	w := New(false)

	require.NoError(t, w.Write(path, []byte("pem-bytes"), "0600", ""))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "pem-bytes", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestWrite_NoTempFileLeftBehindOnSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.env")
	w := New(false)

	require.NoError(t, w.Write(path, []byte("A=1"), "0644", ""))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "secret.env", entries[0].Name())
}

func TestValidatePath_RejectsRelativeAndTraversal(t *testing.T) {
	assert.Error(t, ValidatePath("relative/path"))
	assert.Error(t, ValidatePath("/etc/../../etc/passwd"))
	assert.Error(t, ValidatePath("/etc/x\x00y"))
	assert.NoError(t, ValidatePath("/etc/zn-vault-agent/cert.pem"))
}

func TestSanitizeFragment_ReplacesMetacharacters(t *testing.T) {
	assert.Equal(t, "web_app_1", SanitizeFragment("web;app|1"))
	assert.Equal(t, "web-app.1", SanitizeFragment("web-app.1"))
}

func TestCleanOrphans_RemovesStaleTempAndOldBackups(t *testing.T) {
	dir := t.TempDir()

	stalePath := filepath.Join(dir, ".cert.pem.12345.tmp")
	require.NoError(t, os.WriteFile(stalePath, []byte("x"), 0600))

	oldBackup := filepath.Join(dir, "cert.pem.bak")
	require.NoError(t, os.WriteFile(oldBackup, []byte("x"), 0600))
	oldTime := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldBackup, oldTime, oldTime))

	freshBackup := filepath.Join(dir, "key.pem.bak")
	require.NoError(t, os.WriteFile(freshBackup, []byte("x"), 0600))

	keepFile := filepath.Join(dir, "cert.pem")
	require.NoError(t, os.WriteFile(keepFile, []byte("x"), 0600))

	w := New(false)
	require.NoError(t, w.CleanOrphans(dir))

	_, err := os.Stat(stalePath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(oldBackup)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(freshBackup)
	assert.NoError(t, err)
	_, err = os.Stat(keepFile)
	assert.NoError(t, err)
}

func TestBackupAndRestore_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cert.pem")
	w := New(false)

	require.NoError(t, w.Write(path, []byte("v1"), "0644", ""))
	require.NoError(t, w.Backup(path))
	require.NoError(t, w.Write(path, []byte("v2-broken"), "0644", ""))

	require.NoError(t, w.RestoreBackup(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
}

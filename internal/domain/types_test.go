package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCertificateTarget_UpdateSyncState(t *testing.T) {
	target := &CertificateTarget{Name: "web"}
	assert.False(t, target.HasDeployed())

	now := time.Now()
	target.UpdateSyncState("fp-1", 1, now)
	assert.True(t, target.HasDeployed())
	assert.Equal(t, int64(1), target.LastVersion)

	target.UpdateSyncState("fp-2", 2, now.Add(time.Minute))
	assert.Equal(t, "fp-2", target.LastFingerprint)
}

func TestCertificateTarget_UpdateSyncState_RejectsBackwardsVersion(t *testing.T) {
	target := &CertificateTarget{LastVersion: 5}
	assert.Panics(t, func() {
		target.UpdateSyncState("fp", 4, time.Now())
	})
}

func TestSecretTarget_UpdateSyncState_RejectsBackwardsVersion(t *testing.T) {
	target := &SecretTarget{LastVersion: 3}
	assert.Panics(t, func() {
		target.UpdateSyncState(2, time.Now())
	})
}

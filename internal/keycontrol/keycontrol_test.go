package keycontrol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zncore/vault-agent/internal/vaultclient"
	"github.com/zncore/vault-agent/pkg/metrics"
)

type fakeBinder struct {
	mu        sync.Mutex
	responses []*BindResponse
	errs      []error
	calls     int
}

func (f *fakeBinder) BindManagedAPIKey(ctx context.Context, name string) (*BindResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return f.responses[len(f.responses)-1], nil
}

func newTestController(t *testing.T, binder Binder) *Controller {
	t.Helper()
	reg := metrics.NewMetricsRegistry("zn_vault_agent_test_keycontrol_" + t.Name())
	return New("agent-key", binder, nil, reg.ManagedKey())
}

func TestStart_BindsOnceAndStoresKey(t *testing.T) {
	binder := &fakeBinder{responses: []*BindResponse{{Key: "k0", NextRotationAt: time.Now().Add(time.Hour)}}}
	c := newTestController(t, binder)
	defer c.Stop()

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, "k0", c.CurrentKey())
	assert.Equal(t, 1, binder.calls)
}

func TestRefresh_DifferentKeyFiresOnKeyChangedOnce(t *testing.T) {
	binder := &fakeBinder{responses: []*BindResponse{
		{Key: "k0"},
		{Key: "k1"},
	}}
	c := newTestController(t, binder)
	defer c.Stop()

	require.NoError(t, c.Start(context.Background()))

	var changedTo []string
	c.OnKeyChanged = func(newKey string) { changedTo = append(changedTo, newKey) }

	require.NoError(t, c.refresh(context.Background(), "test"))
	assert.Equal(t, []string{"k1"}, changedTo)
	assert.Equal(t, "k1", c.CurrentKey())
}

func TestRefresh_SameKeyDoesNotFireOnKeyChanged(t *testing.T) {
	binder := &fakeBinder{responses: []*BindResponse{{Key: "k0"}, {Key: "k0"}}}
	c := newTestController(t, binder)
	defer c.Stop()
	require.NoError(t, c.Start(context.Background()))

	var fired bool
	c.OnKeyChanged = func(newKey string) { fired = true }
	require.NoError(t, c.refresh(context.Background(), "test"))
	assert.False(t, fired)
}

func TestNextRefreshDelay_PrefersNextRotationAt(t *testing.T) {
	now := time.Now()
	next := now.Add(2 * time.Minute)
	d := nextRefreshDelay(next, time.Time{}, now)
	assert.InDelta(t, 90*time.Second, d, float64(time.Second))
}

func TestNextRefreshDelay_ClampsToMinimum(t *testing.T) {
	now := time.Now()
	next := now.Add(10 * time.Second)
	d := nextRefreshDelay(next, time.Time{}, now)
	assert.Equal(t, minRefreshDelay, d)
}

func TestNextRefreshDelay_FallsBackToGraceMidpoint(t *testing.T) {
	now := time.Now()
	grace := now.Add(10 * time.Minute)
	d := nextRefreshDelay(time.Time{}, grace, now)
	assert.InDelta(t, 5*time.Minute, d, float64(time.Second))
}

func TestNextRefreshDelay_FixedIntervalWhenNeitherKnown(t *testing.T) {
	d := nextRefreshDelay(time.Time{}, time.Time{}, time.Now())
	assert.Equal(t, fixedInterval, d)
}

func TestHandleRotationEvent_IgnoresMismatchedKeyName(t *testing.T) {
	binder := &fakeBinder{responses: []*BindResponse{{Key: "k0"}}}
	c := newTestController(t, binder)
	defer c.Stop()
	require.NoError(t, c.Start(context.Background()))

	c.HandleRotationEvent(context.Background(), "other-key")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, binder.calls)
}

func TestHandleRotationEvent_TriggersRefresh(t *testing.T) {
	binder := &fakeBinder{responses: []*BindResponse{{Key: "k0"}, {Key: "k1"}}}
	c := newTestController(t, binder)
	defer c.Stop()
	require.NoError(t, c.Start(context.Background()))

	c.HandleRotationEvent(context.Background(), "agent-key")
	require.Eventually(t, func() bool { return c.CurrentKey() == "k1" }, time.Second, 5*time.Millisecond)
}

func TestOnAuthFailure_SuccessfulRefreshClearsStale(t *testing.T) {
	binder := &fakeBinder{responses: []*BindResponse{{Key: "k0"}, {Key: "k1"}}}
	c := newTestController(t, binder)
	defer c.Stop()
	require.NoError(t, c.Start(context.Background()))

	c.OnAuthFailure(context.Background())
	assert.False(t, c.StaleKeyDetected())
}

func TestOnAuthFailure_DoubleUnauthorizedSetsStale(t *testing.T) {
	unauthorized := &vaultclient.HTTPError{StatusCode: 401, Path: "/v1/agent/bind", Body: "unauthorized"}
	binder := &fakeBinder{
		responses: []*BindResponse{{Key: "k0"}},
		errs:      []error{nil, unauthorized},
	}
	c := newTestController(t, binder)
	defer c.Stop()
	require.NoError(t, c.Start(context.Background()))

	c.OnAuthFailure(context.Background())
	assert.True(t, c.StaleKeyDetected())
}

func TestOnAuthFailure_NonAuthErrorLeavesStaleUnset(t *testing.T) {
	binder := &fakeBinder{
		responses: []*BindResponse{{Key: "k0"}},
		errs:      []error{nil, errors.New("network blip")},
	}
	c := newTestController(t, binder)
	defer c.Stop()
	require.NoError(t, c.Start(context.Background()))

	c.OnAuthFailure(context.Background())
	assert.False(t, c.StaleKeyDetected())
}

// Package keycontrol implements the Managed-Key Controller (C7): the
// serialization point for the agent's own bound credential. It is the
// only writer of the agent's API key and is responsible for keeping it
// fresh across scheduled rotations, missed events, and authentication
// failures against the agent's own vault identity.
//
// Grounded on the pack's credential-renewal reference files (ahead-of-
// expiry scheduling from a teleport-style renewer, bind-then-cache-
// then-schedule-refresh from an infra agent's vault credential
// manager) rather than any single teacher file, since the teacher
// service has no notion of its own rotating identity.
package keycontrol

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/zncore/vault-agent/internal/vaultclient"
	"github.com/zncore/vault-agent/pkg/metrics"
)

const (
	minRefreshDelay  = 60 * time.Second
	fixedInterval    = 5 * time.Minute
	minGracePoll     = 10 * time.Second
	heartbeatPeriod  = 60 * time.Second
	heartbeatGrace   = 60 * time.Second
	reconnectSettle  = 2 * time.Second
	maxRetryAttempts = 5
)

// BindResponse is what a bindManagedApiKey call returns.
type BindResponse struct {
	Key            string
	NextRotationAt time.Time
	GraceExpiresAt time.Time
	RotationMode   string
}

// Binder is the subset of the vault client the controller calls.
type Binder interface {
	BindManagedAPIKey(ctx context.Context, name string) (*BindResponse, error)
}

// RotationTracking mirrors domain.RotationTracking; kept local so this
// package doesn't need to import the config-update interface's exact
// shape.
type RotationTracking struct {
	LastWSEventAt        time.Time
	ExpectedRotationAt   time.Time
	WSEventReceived      bool
	MissedRotationsCount int
}

// Controller runs the bind/refresh/schedule state machine for one
// managed key name. Exactly one goroutine set runs per Controller, and
// refresh itself is serialized by refreshMu so concurrent triggers
// (WS event + heartbeat + grace poll landing together) never race.
type Controller struct {
	name    string
	binder  Binder
	logger  *slog.Logger
	metrics *metrics.ManagedKeyMetrics

	// OnKeyChanged fires exactly once per detected rotation, after the
	// new key is stored, so the Event Channel can force a reconnect.
	OnKeyChanged func(newKey string)

	refreshMu        sync.Mutex
	currentKey       string
	nextRotationAt   time.Time
	graceExpiresAt   time.Time
	rotationMode     string
	staleKeyDetected bool
	tracking         RotationTracking

	retryAttempt int

	stopOnce sync.Once
	stop     chan struct{}
	timersWG sync.WaitGroup
}

// New creates a Controller for the given managed-key name.
func New(name string, binder Binder, logger *slog.Logger, m *metrics.ManagedKeyMetrics) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.DefaultRegistry().ManagedKey()
	}
	return &Controller{
		name:    name,
		binder:  binder,
		logger:  logger.With("component", "managed_key_controller", "key", name),
		metrics: m,
		stop:    make(chan struct{}),
	}
}

// CurrentKey returns the currently bound key.
func (c *Controller) CurrentKey() string {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.currentKey
}

// StaleKeyDetected reports whether the controller gave up after a
// double-401.
func (c *Controller) StaleKeyDetected() bool {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.staleKeyDetected
}

// Start performs the initial bind and launches the heartbeat monitor.
// It blocks until the first bind succeeds or ctx is cancelled.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.refresh(ctx, "initial"); err != nil {
		return err
	}
	c.timersWG.Add(1)
	go c.heartbeatLoop(ctx)
	return nil
}

// Stop halts background timers. It does not clear the currently bound
// key.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.timersWG.Wait()
}

// refresh performs one bind-and-reschedule cycle. It is the single
// serialization point: refreshMu ensures only one refresh body runs
// concurrently regardless of which trigger invoked it.
func (c *Controller) refresh(ctx context.Context, source string) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	resp, err := c.binder.BindManagedAPIKey(ctx, c.name)
	if err != nil {
		c.metrics.RefreshFailuresTotal.WithLabelValues(source).Inc()
		c.logger.Warn("managed key refresh failed", "source", source, "error", err)
		return err
	}

	rotated := c.currentKey != "" && resp.Key != c.currentKey
	c.currentKey = resp.Key
	c.nextRotationAt = resp.NextRotationAt
	c.graceExpiresAt = resp.GraceExpiresAt
	c.rotationMode = resp.RotationMode
	c.tracking.WSEventReceived = false
	c.staleKeyDetected = false

	if !resp.NextRotationAt.IsZero() {
		c.metrics.GraceRemainingSeconds.Set(time.Until(resp.GraceExpiresAt).Seconds())
	}

	if rotated {
		c.metrics.RotationsTotal.WithLabelValues(source).Inc()
		c.metrics.LastRotationTimestamp.SetToCurrentTime()
		c.logger.Info("managed key rotated", "source", source)

		if isFallbackSource(source) {
			c.metrics.PollFallbacksTotal.WithLabelValues(source).Inc()
			c.tracking.MissedRotationsCount++
			c.logger.Warn("rotation caught by poll fallback, ws event was missed",
				"source", source,
				"missed_rotations_count", c.tracking.MissedRotationsCount,
			)
		}

		if c.OnKeyChanged != nil {
			c.OnKeyChanged(resp.Key)
		}
	}

	if !resp.GraceExpiresAt.IsZero() {
		c.armGracePoll(ctx, resp.GraceExpiresAt)
	}

	return nil
}

// isFallbackSource reports whether source is a polling path that only
// runs because the WS rotation event may have been missed, as opposed
// to the ws_event/initial/reconnect paths (the auth-failure hook also
// refreshes under the reconnect source).
func isFallbackSource(source string) bool {
	return source == "grace_poll" || source == "heartbeat"
}

// nextRefreshDelay implements the spec's priority rules.
func nextRefreshDelay(nextRotationAt, graceExpiresAt time.Time, now time.Time) time.Duration {
	if !nextRotationAt.IsZero() {
		d := nextRotationAt.Add(-30 * time.Second).Sub(now)
		if d < minRefreshDelay {
			d = minRefreshDelay
		}
		return d
	}
	if !graceExpiresAt.IsZero() {
		mid := now.Add(graceExpiresAt.Sub(now) / 2)
		d := mid.Sub(now)
		if d < minRefreshDelay {
			d = minRefreshDelay
		}
		return d
	}
	return fixedInterval
}

func (c *Controller) armGracePoll(ctx context.Context, graceExpiresAt time.Time) {
	remaining := time.Until(graceExpiresAt)
	if remaining <= 0 {
		return
	}
	delay := remaining / 2
	if delay < minGracePoll {
		delay = minGracePoll
	}

	c.timersWG.Add(1)
	go func() {
		defer c.timersWG.Done()
		select {
		case <-time.After(delay):
			c.refreshMu.Lock()
			wsReceived := c.tracking.WSEventReceived
			c.refreshMu.Unlock()
			if !wsReceived {
				c.metrics.GracePollsTotal.Inc()
				_ = c.refresh(ctx, "grace_poll")
			}
		case <-c.stop:
		case <-ctx.Done():
		}
	}()
}

func (c *Controller) heartbeatLoop(ctx context.Context) {
	defer c.timersWG.Done()
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.metrics.HeartbeatChecksTotal.Inc()

			c.refreshMu.Lock()
			graceRemaining := time.Until(c.graceExpiresAt)
			if graceRemaining < 0 {
				graceRemaining = 0
			}
			expected := c.nextRotationAt
			wsReceived := c.tracking.WSEventReceived
			c.refreshMu.Unlock()

			c.metrics.GraceRemainingSeconds.Set(graceRemaining.Seconds())

			if !expected.IsZero() && time.Now().After(expected.Add(heartbeatGrace)) && !wsReceived {
				c.metrics.Stale.Set(1)
				_ = c.refresh(ctx, "heartbeat")
			} else {
				c.metrics.Stale.Set(0)
			}
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// HandleRotationEvent handles a key.rotated WS event for keyName. If
// keyName doesn't match the configured name the event is ignored. On
// refresh failure it retries with capped exponential backoff up to
// maxRetryAttempts.
func (c *Controller) HandleRotationEvent(ctx context.Context, keyName string) {
	if keyName != c.name {
		return
	}

	c.refreshMu.Lock()
	c.tracking.WSEventReceived = true
	c.tracking.LastWSEventAt = time.Now()
	c.refreshMu.Unlock()
	c.metrics.WSEventsTotal.Inc()

	go c.refreshWithRetry(ctx, "ws_event")
}

func (c *Controller) refreshWithRetry(ctx context.Context, source string) {
	for attempt := 0; attempt <= maxRetryAttempts; attempt++ {
		if err := c.refresh(ctx, source); err == nil {
			return
		}
		if attempt == maxRetryAttempts {
			c.logger.Error("managed key refresh exhausted retries", "source", source, "attempts", attempt+1)
			return
		}
		delay := time.Duration(1<<uint(attempt)) * time.Second
		if delay > 60*time.Second {
			delay = 60 * time.Second
		}
		jitter := time.Duration(rand.Int63n(int64(time.Second) / 4))
		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		}
	}
}

// OnReconnected is the Event Channel's reconnect hook: wait for the
// connection to settle, then refresh to pick up any rotation missed
// during the outage.
func (c *Controller) OnReconnected(ctx context.Context) {
	go func() {
		select {
		case <-time.After(reconnectSettle):
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
		_ = c.refresh(ctx, "reconnect")
	}()
}

// OnAuthFailure is the Event Channel's handshake-401 hook. It attempts
// an emergency refresh; a second 401 means the stored key is truly
// invalid, at which point the controller stops trying and the operator
// must intervene.
func (c *Controller) OnAuthFailure(ctx context.Context) {
	err := c.refresh(ctx, "reconnect")
	if err == nil {
		return
	}

	if !vaultclient.IsUnauthorized(err) {
		return
	}

	c.refreshMu.Lock()
	c.staleKeyDetected = true
	c.refreshMu.Unlock()
	c.metrics.Stale.Set(1)
	c.logger.Error("managed key is stale; manual intervention required",
		"key", c.name,
		"action", "rebind the agent's managed API key out of band, then restart the agent",
	)
}

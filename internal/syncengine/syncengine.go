// Package syncengine implements the Sync Engine (C6): it owns the
// agent's starting/running/draining/stopped lifecycle, routes events
// from the Event Channel to the target they address, and runs a
// periodic fallback poll as a safety net for events the channel
// missed. Grounded on the teacher's cmd/server main/signal handling —
// signal.Notify plus a context.WithTimeout-bounded graceful shutdown —
// generalized from an HTTP server's drain to this engine's
// active-deployment drain.
package syncengine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zncore/vault-agent/internal/domain"
)

// State is the engine's lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const defaultDrainTimeout = 30 * time.Second

// CertDeployFunc and SecretDeployFunc close over a *deployer.Deployer
// and a bearer token so the engine itself stays free of vault-client
// and deployer-result concerns; it only needs to know when a deploy
// starts and ends.
type CertDeployFunc func(ctx context.Context, target *domain.CertificateTarget, force bool)
type SecretDeployFunc func(ctx context.Context, target *domain.SecretTarget, force bool)

// Targets is a borrowed read view over the configuration layer's
// target declarations; the engine and the deployer never own this
// data, only reference it (spec §4 Ownership).
type Targets struct {
	Certificates []*domain.CertificateTarget
	Secrets      []*domain.SecretTarget
}

// FindCertificate returns the certificate target whose RemoteID matches id, if any.
func (t Targets) FindCertificate(id string) *domain.CertificateTarget {
	for _, c := range t.Certificates {
		if c.RemoteID == id {
			return c
		}
	}
	return nil
}

// FindSecret returns the secret target whose RemoteID matches id or alias, if any.
func (t Targets) FindSecret(idOrAlias string) *domain.SecretTarget {
	for _, s := range t.Secrets {
		if s.RemoteID == idOrAlias {
			return s
		}
	}
	return nil
}

// Engine runs the starting -> running -> draining -> stopped lifecycle.
type Engine struct {
	targets      Targets
	deployCert   CertDeployFunc
	deploySecret SecretDeployFunc
	pollInterval time.Duration
	drainTimeout time.Duration
	logger       *slog.Logger

	state          atomic.Int32
	activeDeploys  atomic.Int64
	stopPollOnce   sync.Once
	stopPoll       chan struct{}
}

// New creates an Engine. pollInterval defaults to 3600s if zero.
func New(targets Targets, deployCert CertDeployFunc, deploySecret SecretDeployFunc, pollInterval time.Duration, logger *slog.Logger) *Engine {
	if pollInterval <= 0 {
		pollInterval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		targets:      targets,
		deployCert:   deployCert,
		deploySecret: deploySecret,
		pollInterval: pollInterval,
		drainTimeout: defaultDrainTimeout,
		logger:       logger.With("component", "sync_engine"),
		stopPoll:     make(chan struct{}),
	}
	e.state.Store(int32(StateStarting))
	return e
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// ActiveDeployments returns the number of deploys currently in flight.
func (e *Engine) ActiveDeployments() int64 {
	return e.activeDeploys.Load()
}

// Start transitions starting -> running, performs the initial sync
// across all targets with force=false, and launches the poll-fallback
// timer. ctx governs the initial sync and the poll timer's lifetime.
func (e *Engine) Start(ctx context.Context) {
	e.initialSync(ctx)
	e.state.Store(int32(StateRunning))
	go e.pollLoop(ctx)
}

func (e *Engine) initialSync(ctx context.Context) {
	for _, t := range e.targets.Certificates {
		e.runCertDeploy(ctx, t, false)
	}
	for _, t := range e.targets.Secrets {
		e.runSecretDeploy(ctx, t, false)
	}
}

func (e *Engine) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.logger.Debug("poll fallback firing")
			for _, t := range e.targets.Certificates {
				e.runCertDeploy(ctx, t, false)
			}
			for _, t := range e.targets.Secrets {
				e.runSecretDeploy(ctx, t, false)
			}
		case <-e.stopPoll:
			return
		case <-ctx.Done():
			return
		}
	}
}

// HandleCertificateEvent routes a certificate event to its target and
// force-deploys it. Dropped (logged, not deployed) while draining.
func (e *Engine) HandleCertificateEvent(ctx context.Context, certID string) {
	if e.State() == StateDraining {
		e.logger.Debug("dropping certificate event while draining", "certId", certID)
		return
	}
	target := e.targets.FindCertificate(certID)
	if target == nil {
		e.logger.Warn("certificate event for unknown target", "certId", certID)
		return
	}
	go e.runCertDeploy(ctx, target, true)
}

// HandleSecretEvent routes a secret event to its target and force-deploys it.
func (e *Engine) HandleSecretEvent(ctx context.Context, secretIDOrAlias string) {
	if e.State() == StateDraining {
		e.logger.Debug("dropping secret event while draining", "secretId", secretIDOrAlias)
		return
	}
	target := e.targets.FindSecret(secretIDOrAlias)
	if target == nil {
		e.logger.Warn("secret event for unknown target", "secretId", secretIDOrAlias)
		return
	}
	go e.runSecretDeploy(ctx, target, true)
}

func (e *Engine) runCertDeploy(ctx context.Context, target *domain.CertificateTarget, force bool) {
	e.activeDeploys.Add(1)
	defer e.activeDeploys.Add(-1)
	e.deployCert(ctx, target, force)
}

func (e *Engine) runSecretDeploy(ctx context.Context, target *domain.SecretTarget, force bool) {
	e.activeDeploys.Add(1)
	defer e.activeDeploys.Add(-1)
	e.deploySecret(ctx, target, force)
}

// Drain transitions running -> draining -> stopped: it stops the poll
// timer, invokes onDisconnect/onStopManagedKey (if provided), and
// waits up to the drain timeout for active deploys to reach zero
// before reporting stopped. Per spec §4.6.
func (e *Engine) Drain(onDisconnect, onStopManagedKey func()) {
	e.state.Store(int32(StateDraining))
	e.stopPollOnce.Do(func() { close(e.stopPoll) })

	if onDisconnect != nil {
		onDisconnect()
	}
	if onStopManagedKey != nil {
		onStopManagedKey()
	}

	deadline := time.Now().Add(e.drainTimeout)
	for time.Now().Before(deadline) {
		if e.activeDeploys.Load() == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	remaining := e.activeDeploys.Load()
	if remaining > 0 {
		e.logger.Warn("drain timeout exceeded with deployments still active", "active", remaining)
	}
	e.state.Store(int32(StateStopped))
}

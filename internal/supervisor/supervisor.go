package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/zncore/vault-agent/internal/eventsink"
	"github.com/zncore/vault-agent/pkg/metrics"
)

const (
	baseRestartDelay = 1 * time.Second
	maxRestartDelay  = 60 * time.Second

	exitCodeSIGINT  = 130
	exitCodeSIGTERM = 143
)

// Topic names the supervisor emits on its event sink.
const (
	TopicRestarted   = "supervisorRestarted"
	TopicMaxRestarts = "supervisorMaxRestarts"
)

// Config describes the child process to supervise and how its
// environment is built, mirroring config.SupervisorConfig.
type Config struct {
	Command     string
	Args        []string
	Env         map[string]string // name -> mapping (literal:/api-key:/alias:/uuid:)
	MaxRestarts int
	SecretsDir  string
}

// RestartTrigger identifies why a restart was requested.
type RestartTrigger string

const (
	RestartTriggerCrash    RestartTrigger = "crash"
	RestartTriggerRotation RestartTrigger = "rotation"
)

// Supervisor launches cfg.Command as a child process, rebuilding its
// environment from the configured secret mappings, and restarts it on
// crash (bounded exponential backoff, stopping after MaxRestarts) or,
// once the child has exited, on an explicit request from a secret-deploy
// or key-rotation event. A request does not stop a running child.
type Supervisor struct {
	cfg     Config
	vault   VaultClient
	token   string
	logger  *slog.Logger
	metrics *metrics.SupervisorMetrics
	emitter *eventsink.Emitter

	secrets *secretsFS

	restartMu sync.Mutex
	restartCh chan RestartTrigger

	restartCount int
}

// New constructs a Supervisor. token is the bearer token used to resolve
// api-key/alias/uuid mappings; it may be refreshed externally via
// SetToken if the managed key rotates.
func New(cfg Config, vault VaultClient, token string, logger *slog.Logger, m *metrics.SupervisorMetrics, emitter *eventsink.Emitter) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.DefaultRegistry().Supervisor()
	}
	if emitter == nil {
		emitter = eventsink.New(logger)
	}

	secrets, err := newSecretsFS(cfg.SecretsDir)
	if err != nil {
		return nil, err
	}

	return &Supervisor{
		cfg:       cfg,
		vault:     vault,
		token:     token,
		logger:    logger.With("component", "supervisor"),
		metrics:   m,
		emitter:   emitter,
		secrets:   secrets,
		restartCh: make(chan RestartTrigger, 1),
	}, nil
}

// SetToken updates the bearer token used for subsequent env resolutions
// (called by the Managed-Key Controller's OnKeyChanged hook).
func (s *Supervisor) SetToken(token string) {
	s.restartMu.Lock()
	s.token = token
	s.restartMu.Unlock()
}

// RequestRestart asks the supervisor to relaunch its child when the
// current run exits, e.g. after a secret deploy or key rotation. It does
// not signal or stop a running child. Non-blocking: a restart already
// pending is not queued twice.
func (s *Supervisor) RequestRestart(trigger RestartTrigger) {
	select {
	case s.restartCh <- trigger:
	default:
	}
}

// Run launches and supervises the child process until ctx is cancelled.
// It does not return until the child has exited and no further restart
// is scheduled.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.secrets.cleanup()

	for {
		exitErr := s.runOnce(ctx)

		if ctx.Err() != nil {
			return nil
		}

		restarted, err := s.maybeRestart(ctx, exitErr)
		if err != nil {
			return err
		}
		if !restarted {
			return exitErr
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	s.restartMu.Lock()
	token := s.token
	s.restartMu.Unlock()

	env, err := s.buildEnv(ctx, token)
	if err != nil {
		return fmt.Errorf("supervisor: build child environment: %w", err)
	}

	cmd := exec.CommandContext(ctx, s.cfg.Command, s.cfg.Args...)
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	s.logger.Info("starting supervised process", "command", s.cfg.Command, "args", s.cfg.Args)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: start child: %w", err)
	}
	s.metrics.RunningGauge.Set(1)

	waitErr := cmd.Wait()
	s.metrics.RunningGauge.Set(0)
	s.secrets.cleanup()

	code := exitCode(cmd, waitErr)
	s.metrics.ExitCodeLast.Set(float64(code))
	s.logger.Info("supervised process exited", "exit_code", code)

	return waitErr
}

func (s *Supervisor) buildEnv(ctx context.Context, token string) ([]string, error) {
	resolved, err := newEnvBuilder(s.vault, token).resolve(ctx, s.cfg.Env)
	if err != nil {
		return nil, err
	}

	env := make([]string, 0, len(resolved))
	for name, value := range resolved {
		if isSensitiveName(name) {
			path, err := s.secrets.write(name, value)
			if err != nil {
				return nil, err
			}
			env = append(env, fmt.Sprintf("%s_FILE=%s", name, path))
			continue
		}
		env = append(env, fmt.Sprintf("%s=%s", name, value))
	}
	return env, nil
}

// maybeRestart decides whether to relaunch the child after exitErr,
// honoring any pending explicit restart request and the crash-backoff
// policy. Returns false once MaxRestarts has been exhausted.
func (s *Supervisor) maybeRestart(ctx context.Context, exitErr error) (bool, error) {
	select {
	case trigger := <-s.restartCh:
		s.logger.Info("restarting supervised process", "trigger", trigger)
		s.metrics.RestartsTotal.WithLabelValues(string(trigger)).Inc()
		s.emitter.Emit(eventsink.Event{Topic: TopicRestarted, Data: map[string]any{"trigger": string(trigger)}})
		return true, nil
	default:
	}

	if exitErr == nil {
		return false, nil
	}

	s.restartMu.Lock()
	s.restartCount++
	count := s.restartCount
	s.restartMu.Unlock()

	if s.cfg.MaxRestarts > 0 && count > s.cfg.MaxRestarts {
		s.logger.Error("supervised process exceeded max restarts, giving up", "max_restarts", s.cfg.MaxRestarts)
		s.emitter.Emit(eventsink.Event{Topic: TopicMaxRestarts, Data: map[string]any{"max_restarts": s.cfg.MaxRestarts}})
		return false, nil
	}

	delay := restartBackoffDelay(count - 1)
	s.logger.Warn("supervised process crashed, restarting after backoff", "attempt", count, "delay", delay, "error", exitErr)
	s.metrics.RestartsTotal.WithLabelValues(string(RestartTriggerCrash)).Inc()

	select {
	case <-time.After(delay):
		return true, nil
	case <-ctx.Done():
		return false, nil
	}
}

func restartBackoffDelay(attempt int) time.Duration {
	base := baseRestartDelay * time.Duration(1<<uint(attempt))
	if base > maxRestartDelay {
		base = maxRestartDelay
	}
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	delay := base + jitter
	if delay > maxRestartDelay {
		delay = maxRestartDelay
	}
	return delay
}

// exitCode maps a process's termination into the agent's documented
// exit codes: the signal conventions from spec §4.9 for SIGINT/SIGTERM,
// or the child's own exit status otherwise.
func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		return -1
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return exitErr.ExitCode()
	}
	if status.Signaled() {
		switch status.Signal() {
		case syscall.SIGINT:
			return exitCodeSIGINT
		case syscall.SIGTERM:
			return exitCodeSIGTERM
		default:
			return 128 + int(status.Signal())
		}
	}
	return status.ExitStatus()
}

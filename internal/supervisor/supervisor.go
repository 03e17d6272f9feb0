// Package supervisor runs the backend application server as a child process,
// waits for it to become healthy and restarts it when it crashes.
//
// Readiness is observable through State and Snapshot. Nothing here blocks the
// HTTP server: a backend that never starts only shows up as a degraded
// /health and as connection errors on forwarded requests.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"pontohub-proxy-go/internal/config"
	"pontohub-proxy-go/internal/metrics"
	"pontohub-proxy-go/internal/model"
)

// ErrStartup marks a backend that could not be spawned.
var ErrStartup = errors.New("backend startup failed")

// errUnexpectedExit is reported when the backend exits with status 0.
var errUnexpectedExit = errors.New("backend exited unexpectedly")

// HealthChecker probes the backend health path once.
type HealthChecker interface {
	CheckHealth(ctx context.Context) model.BackendStatus
}

// Supervisor owns the backend process. It is safe for concurrent use.
type Supervisor struct {
	command []string
	workDir string
	env     []string

	grace       time.Duration
	interval    time.Duration
	maxAttempts int
	stopTimeout time.Duration

	restart     bool
	maxRestarts int
	backoff     time.Duration

	checker HealthChecker
	logger  *slog.Logger
	output  *slog.Logger
	metrics *metrics.Metrics

	mu   sync.RWMutex
	snap Snapshot

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Supervisor from the backend section of cfg.
// The metrics parameter is optional; pass nil to disable metrics recording.
func New(cfg *config.Config, checker HealthChecker, logger *slog.Logger, m *metrics.Metrics) *Supervisor {
	b := cfg.Backend

	workDir := b.WorkDir
	if abs, err := filepath.Abs(workDir); err == nil {
		workDir = abs
	}

	env := map[string]string{"PORT": strconv.Itoa(b.Port)}
	for k, v := range b.Env {
		env[k] = v
	}

	return &Supervisor{
		command:     b.Command,
		workDir:     workDir,
		env:         mergeEnv(os.Environ(), env),
		grace:       time.Duration(b.StartupGraceSeconds) * time.Second,
		interval:    time.Duration(b.HealthIntervalSeconds) * time.Second,
		maxAttempts: b.HealthMaxAttempts,
		stopTimeout: time.Duration(b.StopTimeoutSeconds) * time.Second,
		restart:     b.RestartEnabled(),
		maxRestarts: b.Restart.MaxRestarts,
		backoff:     time.Duration(b.Restart.BackoffSeconds) * time.Second,
		checker:     checker,
		logger:      logger.With("component", "supervisor"),
		output:      logger.With("component", "backend"),
		metrics:     m,
	}
}

// mergeEnv appends overrides to base in a stable order. exec.Cmd keeps the
// last value of a duplicated key, so overrides win.
func mergeEnv(base []string, overrides map[string]string) []string {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(keys))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// State returns the current lifecycle state of the backend.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.State
}

// Snapshot returns a copy of the backend process handle.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.snap.State = st
	s.mu.Unlock()

	if s.metrics != nil {
		if st == StateHealthy {
			s.metrics.BackendUp.Set(1)
		} else {
			s.metrics.BackendUp.Set(0)
		}
	}
}

func (s *Supervisor) terminated(err error) {
	s.mu.Lock()
	s.snap.PID = 0
	if err != nil {
		s.snap.LastError = err.Error()
	}
	s.mu.Unlock()
	s.setState(StateTerminated)
}

// Process is one spawned backend.
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error // valid after done is closed
}

// PID returns the operating system process ID.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Done is closed once the process has exited and its output is flushed.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit error. It is only meaningful after Done is closed.
func (p *Process) Err() error { return p.err }

// Start spawns the backend process. The process is bound to ctx: cancelling
// it terminates the process group, escalating to SIGKILL after the stop
// timeout. Readiness is observed separately via PollHealth.
func (s *Supervisor) Start(ctx context.Context) (*Process, error) {
	if len(s.command) == 0 {
		err := fmt.Errorf("%w: no command configured", ErrStartup)
		s.terminated(err)
		return nil, err
	}

	stdout := newLineLogger(s.output, slog.LevelInfo, "stdout")
	stderr := newLineLogger(s.output, slog.LevelWarn, "stderr")

	cmd := exec.CommandContext(ctx, s.command[0], s.command[1:]...)
	cmd.Dir = s.workDir
	cmd.Env = s.env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = s.stopTimeout
	configureProcess(cmd)

	s.logger.Info("starting backend",
		"command", s.command,
		"dir", s.workDir,
	)

	if err := cmd.Start(); err != nil {
		err = fmt.Errorf("%w: %w", ErrStartup, err)
		s.terminated(err)
		return nil, err
	}

	s.mu.Lock()
	s.snap.PID = cmd.Process.Pid
	s.snap.StartedAt = time.Now()
	s.snap.LastError = ""
	s.mu.Unlock()
	s.setState(StateStarting)
	if s.metrics != nil {
		s.metrics.BackendStarts.Inc()
	}

	p := &Process{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		stdout.Flush()
		stderr.Flush()
		close(p.done)
	}()

	s.logger.Info("backend spawned", "pid", cmd.Process.Pid)
	return p, nil
}

// PollHealth waits for the startup grace delay, then probes the backend up
// to maxAttempts times, interval apart. It returns true on the first healthy
// probe. There is no exponential backoff, so the worst-case startup latency is
// grace + maxAttempts*(probe timeout) + (maxAttempts-1)*interval.
func (s *Supervisor) PollHealth(ctx context.Context, maxAttempts int, interval time.Duration) bool {
	if !sleep(ctx, s.grace) {
		return false
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if s.checker.CheckHealth(ctx) == model.BackendOK {
			if ctx.Err() != nil {
				return false
			}
			s.setState(StateHealthy)
			s.logger.Info("backend is healthy", "attempt", attempt)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		s.logger.Info("backend not ready yet", "attempt", attempt, "max_attempts", maxAttempts)
		if attempt < maxAttempts && !sleep(ctx, interval) {
			return false
		}
	}

	s.setState(StateUnresponsive)
	s.logger.Error("backend did not become healthy", "attempts", maxAttempts)
	return false
}

// sleep waits for d or until ctx is done. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Run supervises the backend until ctx is cancelled: spawn, poll for
// readiness, and restart on exit within the configured budget. A backend
// that cannot be spawned is not retried. Run returns nil on cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	sup := suture.New("pontohub-proxy", suture.Spec{
		EventHook: func(e suture.Event) {
			s.logger.Warn("supervisor event", "event", e.String())
		},
		FailureBackoff: s.backoff,
		Timeout:        s.stopTimeout + time.Second,
	})
	sup.Add(&backendService{s: s})

	err := sup.Serve(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Launch runs the supervisor in the background. It is a no-op if already running.
func (s *Supervisor) Launch() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done

	go func() {
		defer close(done)
		if err := s.Run(ctx); err != nil {
			s.logger.Error("supervisor stopped", "err", err)
		}
	}()
}

// Stop terminates the backend and waits for the supervisor to return or ctx
// to expire.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.runMu.Unlock()
	if done == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop supervisor: %w", ctx.Err())
	}
}

// backendService adapts one backend lifetime to suture.Service.
type backendService struct {
	s *Supervisor
}

func (b *backendService) String() string { return "backend" }

func (b *backendService) Serve(ctx context.Context) error {
	s := b.s

	p, err := s.Start(ctx)
	if err != nil {
		s.logger.Error("backend could not be started; proxy keeps serving", "err", err)
		if s.metrics != nil {
			s.metrics.BackendExits.WithLabelValues("spawn_failed").Inc()
		}
		return suture.ErrDoNotRestart
	}

	pollCtx, cancelPoll := context.WithCancel(ctx)
	polled := make(chan struct{})
	go func() {
		defer close(polled)
		s.PollHealth(pollCtx, s.maxAttempts, s.interval)
	}()

	<-p.Done()
	cancelPoll()
	<-polled

	if ctx.Err() != nil {
		s.logger.Info("backend stopped", "err", p.Err())
		s.terminated(nil)
		if s.metrics != nil {
			s.metrics.BackendExits.WithLabelValues("shutdown").Inc()
		}
		return ctx.Err()
	}

	exitErr := p.Err()
	if exitErr == nil {
		exitErr = errUnexpectedExit
	}
	s.logger.Error("backend exited", "err", exitErr)
	s.terminated(exitErr)
	if s.metrics != nil {
		s.metrics.BackendExits.WithLabelValues("crash").Inc()
	}

	if !s.restart {
		s.logger.Warn("backend restart disabled")
		return suture.ErrDoNotRestart
	}

	s.mu.Lock()
	exhausted := s.snap.Restarts >= s.maxRestarts
	if !exhausted {
		s.snap.Restarts++
	}
	restarts := s.snap.Restarts
	s.mu.Unlock()

	if exhausted {
		s.logger.Error("backend restart budget exhausted", "restarts", restarts)
		return suture.ErrDoNotRestart
	}
	s.logger.Warn("restarting backend", "restart", restarts, "max_restarts", s.maxRestarts)
	return fmt.Errorf("backend exited: %w", exitErr)
}

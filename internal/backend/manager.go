package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/scrybelabs/scrybe-core/internal/config"
	"github.com/scrybelabs/scrybe-core/internal/provider"
)

// ErrUnavailable is returned when the inference backend cannot be reached
// within its health budget.
var ErrUnavailable = errors.New("backend: unavailable")

// Manager owns the lifecycle of the local inference backend process. With
// an empty command the backend is externally managed and the manager only
// health-checks it. All control transitions are serialized.
type Manager struct {
	cfg    config.BackendConfig
	logger *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	waitDone chan struct{}
	lastUsed time.Time

	clock func() time.Time
}

func NewManager(cfg config.BackendConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.With("component", "backend"),
		clock:  time.Now,
	}
}

// StartIfNeeded ensures the backend answers health checks, spawning the
// configured command on a cold start. Safe to call before every inference.
func (m *Manager) StartIfNeeded(ctx context.Context, asrModel, llmModel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastUsed = m.clock()
	if m.healthyLocked(ctx) {
		return nil
	}
	if m.cfg.Command == "" {
		// Externally managed. Give it the warm budget and bail.
		if m.waitHealthyLocked(ctx, time.Duration(m.cfg.HealthShortMS)*time.Millisecond) {
			return nil
		}
		return fmt.Errorf("%w: %s not responding", ErrUnavailable, m.cfg.Endpoint)
	}

	if m.cmd == nil {
		if err := m.spawnLocked(asrModel, llmModel); err != nil {
			return err
		}
	}
	if m.waitHealthyLocked(ctx, time.Duration(m.cfg.HealthLongMS)*time.Millisecond) {
		return nil
	}
	return fmt.Errorf("%w: %s not responding after start", ErrUnavailable, m.cfg.Endpoint)
}

func (m *Manager) spawnLocked(asrModel, llmModel string) error {
	args, err := shellwords.Parse(m.cfg.Command)
	if err != nil {
		return fmt.Errorf("parse backend command: %w", err)
	}
	if len(args) == 0 {
		return errors.New("backend: empty command")
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = append(os.Environ(),
		"SCRYBE_BACKEND_ASR_MODEL="+asrModel,
		"SCRYBE_BACKEND_LLM_MODEL="+llmModel,
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start backend: %w", err)
	}
	m.logger.Info("backend started", "pid", cmd.Process.Pid, "asr_model", asrModel, "llm_model", llmModel)

	go m.drain(stdout, slog.LevelDebug)
	go m.drain(stderr, slog.LevelWarn)

	done := make(chan struct{})
	go func() {
		err := cmd.Wait()
		m.logger.Info("backend exited", "pid", cmd.Process.Pid, "error", err)
		close(done)
		m.mu.Lock()
		if m.cmd == cmd {
			m.cmd = nil
			m.waitDone = nil
		}
		m.mu.Unlock()
	}()

	m.cmd = cmd
	m.waitDone = done
	return nil
}

func (m *Manager) drain(r io.Reader, level slog.Level) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		m.logger.Log(context.Background(), level, "backend output", "line", scanner.Text())
	}
}

// StopIfIdle stops an owned backend process that has seen no use for the
// configured idle timeout.
func (m *Manager) StopIfIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd == nil || m.cfg.IdleTimeoutSec <= 0 {
		return
	}
	if m.clock().Sub(m.lastUsed) < time.Duration(m.cfg.IdleTimeoutSec)*time.Second {
		return
	}
	m.stopLocked()
}

// Stop terminates an owned backend process. Externally managed backends are
// left alone.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	if m.cmd == nil {
		return
	}
	cmd := m.cmd
	done := m.waitDone
	m.cmd = nil
	m.waitDone = nil
	m.logger.Info("stopping backend", "pid", cmd.Process.Pid)
	_ = cmd.Process.Signal(os.Interrupt)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		<-done
	}
}

// Healthy reports whether the backend answers its health probe right now.
func (m *Manager) Healthy(ctx context.Context) bool {
	return provider.HealthCheck(ctx, m.cfg.Endpoint)
}

func (m *Manager) healthyLocked(ctx context.Context) bool {
	return provider.HealthCheck(ctx, m.cfg.Endpoint)
}

func (m *Manager) waitHealthyLocked(ctx context.Context, budget time.Duration) bool {
	deadline := m.clock().Add(budget)
	poll := time.Duration(m.cfg.HealthPollMS) * time.Millisecond
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	for {
		if m.healthyLocked(ctx) {
			return true
		}
		if m.clock().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(poll):
		}
	}
}

// RunIdleReaper periodically stops an owned backend that has gone idle.
// Blocks until ctx is cancelled.
func (m *Manager) RunIdleReaper(ctx context.Context) {
	if m.cfg.IdleTimeoutSec <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(time.Duration(m.cfg.IdleTimeoutSec) * time.Second / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.StopIfIdle()
		}
	}
}

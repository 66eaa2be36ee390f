// Package supervisor manages the backend child process lifecycle: launch with
// a port environment override, continuous output draining, and graceful
// termination with a bounded wait.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"mcp-health-proxy/internal/config"
	"mcp-health-proxy/internal/metrics"
)

// Supervisor owns the single backend process handle. Start is called once at
// startup and Stop once at shutdown; the two phases never overlap.
type Supervisor struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	cmd      *exec.Cmd
	waitCh   chan error
	started  bool
	stopped  bool
	stopping atomic.Bool
}

// New creates a Supervisor for the configured backend command.
// The metrics parameter is optional; pass nil to disable exit counting.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		logger:  logger.With("component", "supervisor"),
		metrics: m,
	}
}

// Start spawns the backend process exactly once. The child inherits the
// parent environment with the configured port variable overridden to the
// private port. Stdout and stderr are merged and drained on a dedicated
// goroutine so the child never blocks on a full pipe.
func (s *Supervisor) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("supervisor: backend already started")
	}

	cmd := exec.Command(s.cfg.Backend.Command, s.cfg.Backend.Args...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", s.cfg.Backend.PortEnv, s.cfg.Backend.Port))

	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("supervisor: create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	s.logger.Info("starting backend",
		"command", s.cfg.Backend.Command,
		"port", s.cfg.Backend.Port,
		"port_env", s.cfg.Backend.PortEnv,
	)

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return fmt.Errorf("supervisor: start backend: %w", err)
	}

	// Close the parent's copy of the write end so the reader sees EOF once
	// the child exits.
	_ = pw.Close()

	s.cmd = cmd
	s.started = true
	s.waitCh = make(chan error, 1)

	go s.drainOutput(pr)

	go func() {
		err := cmd.Wait()
		if !s.stopping.Load() {
			s.logger.Error("backend exited unexpectedly", "err", err)
			if s.metrics != nil {
				s.metrics.BackendExits.Inc()
			}
		}
		s.waitCh <- err
	}()

	s.logger.Info("backend started", "pid", cmd.Process.Pid)
	return nil
}

// Stop sends SIGTERM to the backend and waits up to the configured grace
// period for it to exit. If the deadline is missed the supervisor returns
// anyway; termination is best effort and is not escalated to SIGKILL.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.stopped || s.cmd == nil {
		return nil
	}
	s.stopped = true

	s.stopping.Store(true)
	s.logger.Info("stopping backend", "pid", s.cmd.Process.Pid)

	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process already gone; collect its exit below.
		s.logger.Warn("signaling backend", "err", err)
	}

	grace := time.Duration(s.cfg.Backend.ShutdownGraceSeconds) * time.Second
	select {
	case err := <-s.waitCh:
		s.logger.Info("backend exited", "err", err)
		return nil
	case <-time.After(grace):
		s.logger.Warn("backend did not exit within grace period", "grace", grace)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainOutput reads the child's combined output line by line until EOF,
// forwarding each line to the log unless the noise filter suppresses it.
func (s *Supervisor) drainOutput(r *os.File) {
	defer func() { _ = r.Close() }()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if suppressLine(line) {
			continue
		}
		s.logger.Info("backend output", "line", line)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("reading backend output", "err", err)
	}
}

// suppressLine reports whether a backend log line is routine noise. Only
// "GET /health" accesses that also report a 404 are suppressed: they are
// expected artifacts of health probes arriving before the proxy route existed.
// This is a pure substring match, not a log parser.
func suppressLine(line string) bool {
	return strings.Contains(line, "GET /health") && strings.Contains(line, "404")
}

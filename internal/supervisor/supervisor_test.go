package supervisor

import (
	"bytes"
	"context"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"mcp-health-proxy/internal/config"
	"mcp-health-proxy/internal/metrics"
)

// syncBuffer is a goroutine-safe log sink for assertions.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("supervisor tests require a POSIX shell")
	}
}

func shellConfig(script string) *config.Config {
	return &config.Config{
		Backend: config.BackendConfig{
			Command:              "/bin/sh",
			Args:                 []string{"-c", script},
			Host:                 "127.0.0.1",
			Port:                 8052,
			PortEnv:              "TEST_MCP_PORT",
			SettleSeconds:        1,
			ShutdownGraceSeconds: 5,
		},
	}
}

// waitForLog polls the log sink until it contains want or the deadline passes.
func waitForLog(t *testing.T, buf *syncBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(buf.String(), want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("log output %q does not contain %q", buf.String(), want)
}

func TestSupervisor_Start_EnvOverride(t *testing.T) {
	requireShell(t)

	buf := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(buf, nil))

	cfg := shellConfig(`echo "port is $TEST_MCP_PORT"; echo "path is $PATH"`)
	s := New(cfg, logger, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-s.waitCh

	// The port variable is injected with the private port value.
	waitForLog(t, buf, "port is 8052")
	// Inherited environment passes through unchanged.
	waitForLog(t, buf, "path is /")
}

func TestSupervisor_Start_Twice(t *testing.T) {
	requireShell(t)

	logger := slog.New(slog.NewTextHandler(&syncBuffer{}, nil))
	s := New(shellConfig("sleep 30"), logger, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = s.Stop(context.Background()) }()

	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start() should fail; the backend is launched exactly once")
	}
}

func TestSupervisor_Start_BadCommand(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&syncBuffer{}, nil))
	cfg := &config.Config{
		Backend: config.BackendConfig{
			Command: "/nonexistent/binary",
			PortEnv: "TEST_MCP_PORT",
			Port:    8052,
		},
	}
	s := New(cfg, logger, nil)

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start() expected error for missing binary, got nil")
	}
}

func TestSupervisor_OutputFilter(t *testing.T) {
	requireShell(t)

	buf := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(buf, nil))

	script := `
echo 'INFO: GET /health HTTP/1.1 404 Not Found'
echo 'INFO: GET /health HTTP/1.1 200 OK'
echo 'INFO: GET /other HTTP/1.1 404 Not Found'
echo 'backend ready'
`
	s := New(shellConfig(script), logger, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-s.waitCh

	waitForLog(t, buf, "backend ready")
	out := buf.String()

	if strings.Contains(out, "GET /health HTTP/1.1 404") {
		t.Error("health-probe 404 line should be suppressed")
	}
	if !strings.Contains(out, "GET /health HTTP/1.1 200") {
		t.Error("health 200 line should not be suppressed")
	}
	if !strings.Contains(out, "GET /other HTTP/1.1 404") {
		t.Error("404 lines for other paths should not be suppressed")
	}
}

func TestSuppressLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want bool
	}{
		{"health 404 suppressed", `"GET /health HTTP/1.1" 404 Not Found`, true},
		{"health 200 kept", `"GET /health HTTP/1.1" 200 OK`, false},
		{"other 404 kept", `"GET /mcp HTTP/1.1" 404 Not Found`, false},
		{"plain line kept", "server listening on 8052", false},
		{"empty line kept", "", false},
		{"substring order irrelevant", "status 404 for GET /health", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := suppressLine(tt.line); got != tt.want {
				t.Errorf("suppressLine(%q) = %v, want %v", tt.line, got, tt.want)
			}
		})
	}
}

func TestSupervisor_Stop_Graceful(t *testing.T) {
	requireShell(t)

	logger := slog.New(slog.NewTextHandler(&syncBuffer{}, nil))
	s := New(shellConfig("sleep 30"), logger, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	start := time.Now()
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	elapsed := time.Since(start)

	// The child dies on SIGTERM immediately; Stop must not sit out the grace period.
	if elapsed > 2*time.Second {
		t.Errorf("Stop() took %v, expected prompt return after SIGTERM", elapsed)
	}
}

func TestSupervisor_Stop_GraceBound(t *testing.T) {
	requireShell(t)

	logger := slog.New(slog.NewTextHandler(&syncBuffer{}, nil))
	cfg := shellConfig(`trap '' TERM; sleep 30`)
	cfg.Backend.ShutdownGraceSeconds = 1
	s := New(cfg, logger, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// Give the shell a moment to install the trap.
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	elapsed := time.Since(start)

	// The child ignores SIGTERM; Stop waits out the grace period and returns
	// anyway without escalating.
	if elapsed < 1*time.Second {
		t.Errorf("Stop() returned after %v, expected to wait the 1s grace period", elapsed)
	}
	if elapsed > 3*time.Second {
		t.Errorf("Stop() took %v, expected to return shortly after the 1s grace period", elapsed)
	}

	// Clean up the stubborn child.
	_ = s.cmd.Process.Kill()
}

func TestSupervisor_Stop_WithoutStart(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&syncBuffer{}, nil))
	s := New(shellConfig("true"), logger, nil)

	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop() before Start() should be a no-op, got %v", err)
	}
}

func TestSupervisor_EarlyExitCounted(t *testing.T) {
	requireShell(t)

	buf := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(buf, nil))
	m := metrics.New()
	s := New(shellConfig("exit 3"), logger, m)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-s.waitCh

	waitForLog(t, buf, "backend exited unexpectedly")

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() == "mcp_proxy_backend_exits_total" {
			if v := f.GetMetric()[0].GetCounter().GetValue(); v != 1 {
				t.Errorf("mcp_proxy_backend_exits_total = %v, want 1", v)
			}
			return
		}
	}
	t.Error("expected mcp_proxy_backend_exits_total in gathered metrics")
}

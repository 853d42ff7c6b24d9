package e2e

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"testing"
	"time"

	"receiptlog/internal/app"
	"receiptlog/internal/config"
)

type systemUnderTest struct {
	BaseURL  string
	shutdown func()
	restart  func(t *testing.T)
}

func (s *systemUnderTest) Close() {
	if s.shutdown != nil {
		s.shutdown()
	}
}

func startSystemUnderTest(t *testing.T) *systemUnderTest {
	t.Helper()

	if cmd := os.Getenv("RECEIPTLOG_SERVER_CMD"); cmd != "" {
		sut, err := startExternalServer(t, cmd)
		if err != nil {
			t.Fatalf("start external server: %v", err)
		}
		return sut
	}

	if url := os.Getenv("RECEIPTLOG_SERVER_URL"); url != "" {
		t.Logf("RECEIPTLOG_SERVER_URL set; using existing server at %s", url)
		// neither stopped nor restarted
		return &systemUnderTest{BaseURL: url}
	}

	sut, err := startInProcessServer(t)
	if err != nil {
		t.Fatalf("start in-process server: %v", err)
	}
	return sut
}

// startInProcessServer runs the real server wiring on a temp data dir. A
// restart closes it (flushing the commit log) and reopens the same directory
// on the same address.
func startInProcessServer(t *testing.T) (*systemUnderTest, error) {
	t.Helper()

	cfg := &config.Config{
		HTTPAddr:             "127.0.0.1:0",
		DataDir:              t.TempDir(),
		LogLevel:             "warn",
		LogFormat:            "json",
		Compression:          "snappy",
		FlushIntervalMillis:  20,
		EnqueueTimeoutMillis: 500,
		MaxEnqueued:          256,
		BufferBytes:          1 << 20,
		PartitionCacheSize:   64,
		MetricsIntervalSec:   60,
	}
	a, err := app.Start(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	cfg.HTTPAddr = a.HTTPAddr()

	restart := func(t *testing.T) {
		t.Helper()
		if err := a.Close(); err != nil {
			t.Fatalf("stop server: %v", err)
		}
		var err error
		a, err = app.Start(context.Background(), cfg)
		if err != nil {
			t.Fatalf("restart server: %v", err)
		}
	}

	return &systemUnderTest{
		BaseURL:  "http://" + cfg.HTTPAddr,
		shutdown: func() { _ = a.Close() },
		restart:  restart,
	}, nil
}

// serverProcess is a server binary started through the shell. Its data dir
// and ports survive restarts.
type serverProcess struct {
	script   string
	env      []string
	baseURL  string
	cmd      *exec.Cmd
	stopProc context.CancelFunc
}

func startExternalServer(t *testing.T, script string) (*systemUnderTest, error) {
	t.Helper()

	httpAddr, err := freeAddr()
	if err != nil {
		return nil, fmt.Errorf("pick http addr: %w", err)
	}
	respAddr, err := freeAddr()
	if err != nil {
		return nil, fmt.Errorf("pick resp addr: %w", err)
	}
	p := &serverProcess{
		script:  script,
		baseURL: "http://" + httpAddr,
		env: []string{
			config.EnvPrefix + "_HTTP_ADDR=" + httpAddr,
			config.EnvPrefix + "_RESP_ADDR=" + respAddr,
			config.EnvPrefix + "_DATA_DIR=" + t.TempDir(),
			config.EnvPrefix + "_FLUSH_INTERVAL_MS=10",
		},
	}
	if err := p.start(); err != nil {
		return nil, err
	}

	return &systemUnderTest{
		BaseURL:  p.baseURL,
		shutdown: p.kill,
		restart: func(t *testing.T) {
			t.Helper()
			// acknowledged writes reach disk within one flush interval
			time.Sleep(100 * time.Millisecond)
			p.kill()
			if err := p.start(); err != nil {
				t.Fatalf("restart server: %v", err)
			}
		},
	}, nil
}

func (p *serverProcess) start() error {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", p.script)
	cmd.Env = append(os.Environ(), p.env...)
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start %q: %w", p.script, err)
	}
	p.cmd, p.stopProc = cmd, cancel
	if err := awaitHealthy(p.baseURL, 10*time.Second); err != nil {
		p.kill()
		return err
	}
	return nil
}

// kill stops the process without a graceful shutdown.
func (p *serverProcess) kill() {
	if p.cmd == nil {
		return
	}
	_ = p.cmd.Process.Kill()
	_ = p.cmd.Wait()
	p.stopProc()
	p.cmd = nil
}

func awaitHealthy(baseURL string, within time.Duration) error {
	client := &http.Client{Timeout: time.Second}
	for stop := time.Now().Add(within); time.Now().Before(stop); time.Sleep(50 * time.Millisecond) {
		resp, err := client.Get(baseURL + "/health")
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return nil
		}
	}
	return fmt.Errorf("%s not healthy after %s", baseURL, within)
}

func freeAddr() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	addr := ln.Addr().String()
	return addr, ln.Close()
}

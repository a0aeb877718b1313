package worker

import (
	"testing"
	"time"

	"github.com/joeycumines/go-ngxcore/internal/config"
	"github.com/joeycumines/go-ngxcore/internal/logging"
)

func newTestProcess(t *testing.T) *Process {
	t.Helper()
	cfg := config.Defaults()
	cfg.ThreadPoolSize = 1
	cfg.FileCache.MaxItems = 4
	p, err := NewProcess(0, cfg, logging.NoOp(), nil, nil)
	if err != nil {
		t.Fatalf("NewProcess() error = %v", err)
	}
	return p
}

func TestNewProcessNoListeners(t *testing.T) {
	p := newTestProcess(t)
	if len(p.listeners) != 0 {
		t.Fatalf("listeners = %d, want 0 with no inherited fds", len(p.listeners))
	}
	if len(p.writers) != 0 {
		t.Fatal("expected a fresh writers map")
	}
	p.Shutdown()
}

func TestProcessOnTickNoListenersIsNoop(t *testing.T) {
	p := newTestProcess(t)
	defer p.Shutdown()

	// Must not panic or block with nothing to accept.
	p.onTick(time.Now())
}

func TestProcessRunAndShutdown(t *testing.T) {
	p := newTestProcess(t)

	done := make(chan error, 1)
	go func() { done <- p.Run() }()

	time.Sleep(10 * time.Millisecond)
	p.Shutdown()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected Shutdown to unblock Run")
	}
}

func TestProcessShutdownBeforeRunIsSafe(t *testing.T) {
	p := newTestProcess(t)

	// Shutting down a process whose loop never started must not panic
	// or deadlock; a subsequent Run should fail fast instead of
	// blocking forever on an already-terminating loop.
	p.Shutdown()

	if err := p.Run(); err == nil {
		t.Fatal("expected Run to fail fast once Shutdown has already terminated the loop")
	}
}

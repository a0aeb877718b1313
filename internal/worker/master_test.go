package worker

import (
	"testing"
	"time"

	"github.com/joeycumines/go-ngxcore/internal/config"
	"github.com/joeycumines/go-ngxcore/internal/logging"
)

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.Listeners = []config.Listener{{Address: "127.0.0.1:0"}}
	// Zero workers: Run() still blocks on the shutdown signal without
	// actually exec'ing a child process, keeping this test hermetic.
	cfg.WorkerProcesses = 0
	return cfg
}

func TestNewMasterBindsListener(t *testing.T) {
	m, err := NewMaster(testConfig(), logging.NoOp(), nil)
	if err != nil {
		t.Fatalf("NewMaster() error = %v", err)
	}
	if len(m.listeners) != 1 {
		t.Fatalf("len(listeners) = %d, want 1", len(m.listeners))
	}
	if m.listeners[0].FD <= 0 {
		t.Fatalf("listener FD = %d, want a valid positive fd", m.listeners[0].FD)
	}
	defer m.Close()
}

func TestNewMasterOpensAcceptMutexByDefault(t *testing.T) {
	m, err := NewMaster(testConfig(), logging.NoOp(), nil)
	if err != nil {
		t.Fatalf("NewMaster() error = %v", err)
	}
	defer m.Close()

	if m.mutex == nil {
		t.Fatal("expected NewMaster to open an accept mutex when cfg.AcceptMutex is true")
	}
	if !m.mutex.TryLock() {
		t.Fatal("expected a freshly opened accept mutex to be lockable")
	}
	m.mutex.Unlock()
}

func TestNewMasterSkipsAcceptMutexWhenDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.AcceptMutex = false

	m, err := NewMaster(cfg, logging.NoOp(), nil)
	if err != nil {
		t.Fatalf("NewMaster() error = %v", err)
	}
	defer m.Close()

	if m.mutex != nil {
		t.Fatal("expected no accept mutex when cfg.AcceptMutex is false")
	}
}

func TestNewMasterAdoptsInheritedFD(t *testing.T) {
	cfg := testConfig()
	inherited := map[string]int{"127.0.0.1:0": 42}

	m, err := NewMaster(cfg, logging.NoOp(), inherited)
	if err != nil {
		t.Fatalf("NewMaster() error = %v", err)
	}
	defer m.Close()
	if len(m.listeners) != 1 || m.listeners[0].FD != 42 {
		t.Fatalf("listeners = %+v, want fd 42 adopted rather than freshly bound", m.listeners)
	}
}

func TestMasterRunAndShutdown(t *testing.T) {
	m, err := NewMaster(testConfig(), logging.NoOp(), nil)
	if err != nil {
		t.Fatalf("NewMaster() error = %v", err)
	}
	defer m.Close()

	done := make(chan error, 1)
	go func() { done <- m.Run() }()

	time.Sleep(10 * time.Millisecond)
	m.Shutdown(false)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected Shutdown to unblock Run")
	}
}

func TestWorkerArgsMirrorsOSArgs(t *testing.T) {
	got := workerArgs()
	if len(got) != 0 {
		// os.Args[1:] under `go test` normally carries test flags; this
		// just guards against workerArgs dropping or mangling them.
		for i, a := range got {
			if a == "" {
				t.Fatalf("workerArgs()[%d] is empty", i)
			}
		}
	}
}

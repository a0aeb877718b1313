package worker

import (
	"os"
	"time"

	"github.com/joeycumines/go-ngxcore/internal/config"
	"github.com/joeycumines/go-ngxcore/internal/conn"
	"github.com/joeycumines/go-ngxcore/internal/filecache"
	"github.com/joeycumines/go-ngxcore/internal/ioevent"
	"github.com/joeycumines/go-ngxcore/internal/iopipeline"
	"github.com/joeycumines/go-ngxcore/internal/logging"
	"github.com/joeycumines/go-ngxcore/internal/loop"
	"github.com/joeycumines/go-ngxcore/internal/resolver"
	"github.com/joeycumines/go-ngxcore/internal/slab"
	"github.com/joeycumines/go-ngxcore/internal/threadpool"
)

// Process is one worker's runtime: the event loop plus the subsystems
// it drives each tick (connection pool, accept arbitration, resolver,
// file cache, thread pool). Unlike Master, Process is exactly where
// spec.md's core (C1-C12) lives and runs.
type Process struct {
	cfg  config.Config
	log  logging.Logger
	loop *loop.Loop

	connPool  *conn.Pool
	keepAlive *conn.KeepAliveQueue
	arbiter   *conn.AcceptArbiter
	listeners []*conn.Listener

	pool      *threadpool.Pool
	resolver  *resolver.Resolver
	fileCache *filecache.Cache

	rates   map[time.Duration]int
	writers map[int]*iopipeline.WriteFilter
}

// NewProcess builds a worker Process from inherited listener fds
// (passed down via ExtraFiles from the master, keyed by listener
// index), the shared configuration, and the shared accept-mutex
// segment attached by the caller (nil when accept_mutex is disabled).
func NewProcess(id int, cfg config.Config, log logging.Logger, listenerFiles []*os.File, mutex *slab.AcceptMutex) (*Process, error) {
	log = log.WithCategory("worker")
	l, err := loop.New(loop.WithWorkerID(int64(id)), loop.WithLogger(log), loop.WithShutdownTimeout(cfg.ShutdownTimeout))
	if err != nil {
		return nil, err
	}

	pool := threadpool.New(cfg.ThreadPoolSize, l.Submit, log)

	rates := map[time.Duration]int{}
	for _, rl := range cfg.RateLimits {
		rates[rl.Window] = rl.Events
	}

	fc, err := filecache.New(cfg.FileCache.MaxItems, cfg.FileCache.MinUses, cfg.FileCache.Inactive, log)
	if err != nil {
		return nil, err
	}

	res := resolver.New(cfg.Resolver.Nameservers, cfg.Resolver.Timeout, cfg.Resolver.CacheValid, cfg.Resolver.StaleGrace, cfg.Resolver.MaxCacheItems, pool, log)

	var listeners []*conn.Listener
	for i, f := range listenerFiles {
		addr := ""
		if i < len(cfg.Listeners) {
			addr = cfg.Listeners[i].Address
		}
		listeners = append(listeners, &conn.Listener{FD: int(f.Fd()), Address: addr})
	}

	p := &Process{
		cfg:       cfg,
		log:       log,
		loop:      l,
		connPool:  conn.NewPool(cfg.WorkerConnections),
		keepAlive: conn.NewKeepAliveQueue(),
		arbiter:   conn.NewAcceptArbiter(cfg.AcceptMutexDelay, mutex, log),
		listeners: listeners,
		pool:      pool,
		resolver:  res,
		fileCache: fc,
		rates:     rates,
		writers:   make(map[int]*iopipeline.WriteFilter),
	}

	l.OnTick(p.onTick)
	return p, nil
}

// onTick runs the worker-tick hook: recompute this worker's
// accept-disabled backoff from current pool occupancy, make one
// non-blocking attempt at the cross-worker accept mutex, and — only if
// acquired — attempt one non-blocking accept per listener, registering
// readable connections with the loop's notifier. A worker that loses
// the mutex race, or is still counting down its accept-disabled
// backoff, simply retries next tick (spec.md §4.6 step 2, testable
// invariant #8.4).
func (p *Process) onTick(now time.Time) {
	p.arbiter.UpdateAcceptDisabled(p.connPool.Capacity(), p.connPool.InUse())
	if !p.arbiter.TryAcquireMutex() {
		return
	}
	defer p.arbiter.ReleaseMutex()

	for _, l := range p.listeners {
		fd, err := l.Accept()
		if err != nil {
			p.arbiter.ShouldRetry(l.FD)
			continue
		}
		if fd < 0 {
			continue
		}

		// Fewer than 1/16 of the pool free: evict the oldest reusable
		// connection proactively, before Get forces the issue by
		// failing outright (spec.md §4.7).
		if cap := p.connPool.Capacity(); cap > 0 {
			if free := cap - p.connPool.InUse(); free*16 < cap {
				if victim, ok := p.keepAlive.StealOldest(); ok {
					p.connPool.Put(victim)
				}
			}
		}

		c, err := p.connPool.Get(fd)
		if err != nil {
			// still exhausted even after the proactive eviction above
			// (e.g. nothing reusable was idle): steal the oldest idle
			// connection to make room, matching nginx's "reusable
			// connections" behavior under load.
			if victim, ok := p.keepAlive.StealOldest(); ok {
				p.connPool.Put(victim)
				c, err = p.connPool.Get(fd)
			}
			if err != nil {
				continue
			}
		}
		c.State = conn.StateActive
		p.writers[fd] = iopipeline.NewWriteFilter(fd, p.rates)
		_ = p.loop.Notifier().AddConn(fd, ioevent.LevelTriggered, func(events ioevent.Events) {
			p.onConnReady(c, events)
		})
	}
}

// onConnReady is invoked on the loop goroutine whenever a connection's
// fd becomes readable, writable, or half-closed. The actual
// request/response handling is an application-layer concern out of
// scope for the core (see spec.md §1); this hook is where such a
// handler attaches in a full deployment, parking the connection on the
// keep-alive queue once it goes idle.
func (p *Process) onConnReady(c *conn.Connection, events ioevent.Events) {
	if events&(ioevent.Error|ioevent.Hangup|ioevent.EOF) != 0 {
		_ = p.loop.Notifier().DelConn(c.FD)
		p.keepAlive.Remove(c)
		p.connPool.Put(c)
		delete(p.writers, c.FD)
	}
}

// Run starts the worker's event loop. Blocks until Shutdown.
func (p *Process) Run() error {
	return p.loop.Run()
}

// Shutdown requests a graceful stop of this worker's event loop.
func (p *Process) Shutdown() {
	p.loop.Shutdown()
	p.pool.Close()
	p.fileCache.Close()
	_ = p.arbiter.Close()
}

package conn

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/joeycumines/go-catrate"
	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-ngxcore/internal/logging"
	"github.com/joeycumines/go-ngxcore/internal/slab"
)

// Listener wraps a bound, listening socket fd and its address. The
// per-listener backlog and SO_REUSEPORT settings are applied by OpenTCP
// and are not kept on the Listener.
type Listener struct {
	FD      int
	Address string
}

// OpenTCP binds and listens on address, applying SO_REUSEADDR and,
// when reusePort is set, SO_REUSEPORT so multiple workers can each own
// an independent accept queue on the same port (nginx's own
// reuseport directive).
func OpenTCP(address string, backlog int, reusePort bool) (*Listener, error) {
	sa, domain, err := resolveSockaddr(address)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("conn: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("conn: SO_REUSEADDR: %w", err)
	}
	if reusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("conn: SO_REUSEPORT: %w", err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("conn: bind %s: %w", address, err)
	}
	if backlog <= 0 {
		backlog = 511
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("conn: listen: %w", err)
	}
	return &Listener{FD: fd, Address: address}, nil
}

// Accept performs one non-blocking accept4 call. A nil error with fd
// == -1 means no connection was pending (EAGAIN); callers should treat
// that as "wait for the next readiness event", not as EMFILE backoff.
func (l *Listener) Accept() (fd int, err error) {
	nfd, _, err := unix.Accept4(l.FD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN {
			return -1, nil
		}
		return -1, err
	}
	return nfd, nil
}

// Close closes the listening socket.
func (l *Listener) Close() error { return unix.Close(l.FD) }

// AcceptArbiter throttles how aggressively a worker retries Accept
// after a resource-exhaustion error (EMFILE/ENFILE), mirroring nginx's
// accept_mutex_delay/ngx_accept_disabled backoff, and — when wired to a
// shared slab.AcceptMutex — serializes actual Accept attempts across
// every worker process sharing that segment, the cross-worker
// accept-serialization lock spec.md §4.6 step 2 calls for. EMFILE/
// ENFILE pacing is delegated to github.com/joeycumines/go-catrate's
// sliding-window limiter rather than a hand-rolled token bucket.
type AcceptArbiter struct {
	limiter *catrate.Limiter
	delay   time.Duration
	log     logging.Logger

	mutex          *slab.AcceptMutex
	acceptDisabled int
	holding        bool
	heldSince      time.Time
}

// NewAcceptArbiter builds an arbiter that allows at most one accept
// retry per delay window after a resource-exhaustion error. mutex may
// be nil, meaning accept_mutex is disabled (e.g. every listener uses
// SO_REUSEPORT and the kernel already load-balances accepts, so no
// cross-worker serialization is needed).
func NewAcceptArbiter(delay time.Duration, mutex *slab.AcceptMutex, log logging.Logger) *AcceptArbiter {
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return &AcceptArbiter{
		limiter: catrate.NewLimiter(map[time.Duration]int{delay: 1}),
		log:     log.WithCategory("accept"),
		delay:   delay,
		mutex:   mutex,
	}
}

// UpdateAcceptDisabled recomputes the worker-local backoff counter from
// the connection pool's current occupancy, mirroring nginx's
// ngx_accept_disabled = connection_n/8 - free_connection_n: once more
// than 7/8 of the pool is checked out the worker counts down before it
// will even attempt to acquire the accept mutex again, giving other,
// less-loaded workers first refusal on new connections.
func (a *AcceptArbiter) UpdateAcceptDisabled(capacity, inUse int) {
	if capacity <= 0 {
		return
	}
	free := capacity - inUse
	if disabled := capacity/8 - free; disabled > a.acceptDisabled {
		a.acceptDisabled = disabled
	}
}

// TryAcquireMutex reports whether this worker may attempt Accept this
// tick. A worker currently backing off under UpdateAcceptDisabled never
// attempts acquisition — it just decrements its counter and returns
// false, per spec.md's testable invariant #8.4. A worker already
// holding the mutex from a prior tick keeps it without recontending,
// deferring any actual release to ReleaseMutex's grace period.
// Otherwise it makes one non-blocking attempt at the shared mutex; a
// nil mutex (accept_mutex disabled) always succeeds immediately.
func (a *AcceptArbiter) TryAcquireMutex() bool {
	if a.holding {
		return true
	}
	if a.acceptDisabled > 0 {
		a.acceptDisabled--
		return false
	}
	if a.mutex == nil {
		a.holding = true
		return true
	}
	if !a.mutex.TryLock() {
		return false
	}
	a.holding = true
	a.heldSince = time.Now()
	return true
}

// ReleaseMutex is called once per tick after a successful
// TryAcquireMutex. It enforces the grace period spec.md §4.6 step 2
// calls for ("the worker enforces a grace period before re-releasing")
// using the same delay as the EMFILE/ENFILE backoff: the mutex stays
// held across ticks until delay has elapsed since acquisition, then is
// actually released so another worker gets a turn.
func (a *AcceptArbiter) ReleaseMutex() {
	if !a.holding {
		return
	}
	if a.mutex != nil && time.Since(a.heldSince) < a.delay {
		return
	}
	a.holding = false
	if a.mutex != nil {
		a.mutex.Unlock()
	}
}

// Close releases the underlying shared-memory segment, if any.
func (a *AcceptArbiter) Close() error {
	if a.mutex != nil {
		return a.mutex.Close()
	}
	return nil
}

// ShouldRetry reports whether the caller may attempt another Accept
// call right now, given a prior resource-exhaustion error. The
// category key distinguishes listeners so one overloaded listener's
// backoff doesn't throttle another.
func (a *AcceptArbiter) ShouldRetry(listenerFD int) (time.Time, bool) {
	next, ok := a.limiter.Allow(listenerFD)
	if !ok {
		a.log.Log(logging.LogEntry{
			Level:   logging.LevelWarn,
			Message: "accept backoff in effect",
			Context: map[string]any{"listener_fd": listenerFD, "retry_at": next},
		})
	}
	return next, ok
}

func resolveSockaddr(address string) (unix.Sockaddr, int, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, 0, fmt.Errorf("conn: invalid address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, 0, fmt.Errorf("conn: invalid port in %q: %w", address, err)
	}

	var ip net.IP
	if host == "" {
		ip = net.IPv4zero
	} else {
		ip = net.ParseIP(host)
		if ip == nil {
			addrs, err := net.LookupIP(host)
			if err != nil || len(addrs) == 0 {
				return nil, 0, fmt.Errorf("conn: cannot resolve host %q: %w", host, err)
			}
			ip = addrs[0]
		}
	}

	if ip4 := ip.To4(); ip4 != nil {
		var sa unix.SockaddrInet4
		sa.Port = port
		copy(sa.Addr[:], ip4)
		return &sa, unix.AF_INET, nil
	}
	var sa unix.SockaddrInet6
	sa.Port = port
	copy(sa.Addr[:], ip.To16())
	return &sa, unix.AF_INET6, nil
}

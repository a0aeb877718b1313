package loop

import (
	"fmt"
	"runtime"
	"time"

	"github.com/joeycumines/go-ngxcore/internal/ioevent"
	"github.com/joeycumines/go-ngxcore/internal/logging"
	"github.com/joeycumines/go-ngxcore/internal/timer"
)

// defaultPollTimeout bounds how long a tick blocks in Poll when no
// timer is scheduled, so the loop still wakes periodically to notice
// e.g. a shutdown request delivered only via state, not a wakeup.
const defaultPollTimeout = time.Second

// Option configures a Loop at construction time, the same functional-
// options pattern the teacher's eventloop/options.go uses.
type Option func(*options)

type options struct {
	workerID        int64
	logger          logging.Logger
	strictOrdering  bool
	shutdownTimeout time.Duration
}

// WithWorkerID tags every log entry this loop emits with id.
func WithWorkerID(id int64) Option {
	return func(o *options) { o.workerID = id }
}

// WithLogger installs a structured logger; defaults to logging.NoOp().
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStrictMicrotaskOrdering forces the internal queue to fully drain
// (including work posted by callbacks run during this drain) before a
// tick moves on to timers, matching the teacher's strict-ordering
// option; left optional because most worker ticks favor bounded
// per-tick latency over perfect ordering.
func WithStrictMicrotaskOrdering() Option {
	return func(o *options) { o.strictOrdering = true }
}

// WithShutdownTimeout bounds how long Shutdown waits for queued work
// and armed non-cancelable timers to drain naturally before forcing
// termination, matching spec.md §4.6's shutdown_timeout deadline. Zero
// (the default) means wait indefinitely for NoTimersLeft, same as
// nginx's worker_shutdown_timeout 0.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) { o.shutdownTimeout = d }
}

func resolveOptions(opts []Option) options {
	o := options{logger: logging.NoOp()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Loop is one worker process's cooperative event-loop scheduler: a
// single-goroutine tick (poll readiness, expire timers, drain posted
// work) fed by cross-goroutine Submit calls through an eventfd-backed
// wakeup, directly grounded on the teacher's eventloop/loop.go Loop.
type Loop struct {
	id       int64
	log      logging.Logger
	notifier *ioevent.Notifier
	timers   *timer.Tree

	internal *chunkedIngress // loop-thread-only, no locking
	external *externalQueue  // cross-goroutine submissions

	state          fastState
	strictOrdering bool

	shutdownTimeout  time.Duration
	shutdownDeadline time.Time

	tickAnchor      time.Time
	tickElapsedTime time.Duration
	emptyStreak     int

	onTick func(now time.Time) // worker-tick hook: accept arbitration, etc.
}

// New constructs a Loop. Callers must call Run to start ticking.
func New(opts ...Option) (*Loop, error) {
	o := resolveOptions(opts)

	notifier, err := ioevent.New()
	if err != nil {
		return nil, fmt.Errorf("loop: new notifier: %w", err)
	}

	l := &Loop{
		id:              o.workerID,
		log:             o.logger.WithCategory("loop"),
		notifier:        notifier,
		timers:          timer.New(),
		internal:        newChunkedIngress(),
		external:        newExternalQueue(),
		strictOrdering:  o.strictOrdering,
		shutdownTimeout: o.shutdownTimeout,
	}
	l.state.Store(StateAwake)
	return l, nil
}

// Notifier exposes the loop's event-notifier so owners (internal/conn,
// internal/iopipeline) can register connection fds against the same
// epoll instance the loop polls.
func (l *Loop) Notifier() *ioevent.Notifier { return l.notifier }

// Timers exposes the loop's timer tree so callers can schedule
// deadlines (keepalive timeouts, resolver retries, rate-limit
// backoffs) that fire on this loop's own goroutine.
func (l *Loop) Timers() *timer.Tree { return l.timers }

// OnTick installs the per-tick worker hook (e.g. accept-mutex
// arbitration), run once near the start of every tick before polling.
func (l *Loop) OnTick(fn func(now time.Time)) { l.onTick = fn }

// Submit enqueues fn to run on the loop's own goroutine, safe to call
// from any goroutine. If the loop is currently blocked in Poll, Submit
// wakes it immediately via the notifier's eventfd.
func (l *Loop) Submit(fn func()) bool {
	if !l.state.CanAcceptWork() {
		return false
	}
	l.external.Push(fn)
	l.notifier.Notify()
	return true
}

// SubmitInternal enqueues fn onto the loop-thread-only internal queue.
// Only safe to call from the loop's own goroutine (e.g. from within a
// callback already running on this tick) — using it from any other
// goroutine races with Run's use of the same queue.
func (l *Loop) SubmitInternal(fn func()) {
	l.internal.Push(fn)
}

// Run ticks until Shutdown transitions the loop to StateTerminating and
// every queue has drained, locking the calling goroutine to its OS
// thread for the duration, the same way the teacher pins the poller to
// one thread to keep epoll_wait and registration changes coherent.
func (l *Loop) Run() error {
	if !l.state.TryTransition(StateAwake, StateRunning) {
		return fmt.Errorf("loop: cannot run from state %s", l.state.Load())
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.tickAnchor = time.Now()

	for {
		if l.state.Load() == StateTerminating {
			if l.drainedCompletely(time.Now()) {
				l.state.Store(StateTerminated)
				return nil
			}
		}
		l.tick()
	}
}

// Shutdown requests a graceful stop: no new external work is accepted,
// but queued work and armed timers are allowed to run to completion (or
// be canceled) until Tree.NoTimersLeft is satisfied across
// requiredEmptyChecks consecutive ticks (guarding against a callback
// that keeps re-posting work forever), or until shutdownTimeout elapses
// and the loop terminates regardless, per spec.md §4.6.
func (l *Loop) Shutdown() {
	for {
		cur := l.state.Load()
		if cur == StateTerminating || cur == StateTerminated {
			return
		}
		if l.state.TryTransition(cur, StateTerminating) {
			if l.shutdownTimeout > 0 {
				l.shutdownDeadline = time.Now().Add(l.shutdownTimeout)
			}
			l.notifier.Notify()
			return
		}
	}
}

const requiredEmptyChecks = 3

func (l *Loop) drainedCompletely(now time.Time) bool {
	if l.internal.Length() == 0 && l.timers.NoTimersLeft() {
		l.emptyStreak++
	} else {
		l.emptyStreak = 0
	}
	if l.emptyStreak >= requiredEmptyChecks {
		return true
	}
	return !l.shutdownDeadline.IsZero() && !now.Before(l.shutdownDeadline)
}

// tick runs one full iteration: update the anchor time, run the
// worker-tick hook, drain posted work, run due timers, then poll for
// I/O readiness bounded by the next timer deadline.
func (l *Loop) tick() {
	now := time.Now()
	l.tickElapsedTime = now.Sub(l.tickAnchor)
	l.tickAnchor = now

	if l.onTick != nil {
		l.safeExecute(func() { l.onTick(now) })
	}

	l.drainExternal()
	l.drainInternal()
	l.runTimers(now)

	timeoutMs := l.calculateTimeout(now)
	if _, err := l.notifier.Poll(timeoutMs); err != nil {
		l.log.Log(logging.LogEntry{Level: logging.LevelError, Message: "poll error", Err: err})
	}
}

func (l *Loop) drainExternal() {
	l.external.DrainInto(l.internal)
}

// drainInternal runs every callback currently queued. With
// WithStrictMicrotaskOrdering, work posted by those callbacks via
// SubmitInternal is also drained before the tick moves on to timers;
// otherwise only a snapshot of what was queued at drain start runs,
// bounding how long a single tick can spend on self-resubmitting work.
func (l *Loop) drainInternal() {
	if l.strictOrdering {
		for {
			fn, ok := l.internal.Pop()
			if !ok {
				return
			}
			l.safeExecute(fn)
		}
	}

	n := l.internal.Length()
	for i := 0; i < n; i++ {
		fn, ok := l.internal.Pop()
		if !ok {
			return
		}
		l.safeExecute(fn)
	}
}

func (l *Loop) runTimers(now time.Time) {
	due := l.timers.Expire(now)
	for _, e := range due {
		cb := e.Callback
		l.safeExecute(func() { cb(now) })
	}
}

// calculateTimeout bounds the next Poll call by the earliest scheduled
// timer deadline, capped at defaultPollTimeout so the loop still wakes
// periodically even with no timers pending.
func (l *Loop) calculateTimeout(now time.Time) int {
	deadline, ok := l.timers.NextDeadline()
	if !ok {
		return int(defaultPollTimeout / time.Millisecond)
	}
	d := deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	if d > defaultPollTimeout {
		d = defaultPollTimeout
	}
	return int(d / time.Millisecond)
}

// safeExecute runs fn, recovering a panic into a log entry so one
// misbehaving callback cannot bring down the worker process — matching
// the teacher's own safeExecute wrapper around every user callback.
func (l *Loop) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Log(logging.LogEntry{
				Level:   logging.LevelError,
				Message: "recovered panic in loop callback",
				Err:     fmt.Errorf("panic: %v", r),
			})
		}
	}()
	fn()
}

// CurrentTickTime returns the monotonic "now" this tick anchored on,
// the value every callback invoked during this tick should treat as
// "now" for consistency, matching the teacher's tick-anchor idiom.
func (l *Loop) CurrentTickTime() time.Time { return l.tickAnchor }

// State returns the loop's current lifecycle state.
func (l *Loop) State() State { return l.state.Load() }

// Close releases the notifier. Call only after Run has returned.
func (l *Loop) Close() error { return l.notifier.Close() }

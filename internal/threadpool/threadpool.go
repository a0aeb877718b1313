// Package threadpool implements the thread task pool (C12): a bounded
// pool of workers draining a FIFO task queue, with completion signaled
// back to the event loop via a notifier, for offloading blocking
// syscalls (file reads, resolver queries) off the single-threaded
// worker loop — the same role nginx's ngx_thread_pool_t fills for
// disk I/O. Go's runtime multiplexes goroutines onto OS threads, so a
// bounded goroutine pool performing blocking calls is this runtime's
// idiomatic equivalent of a bounded native thread pool; the FIFO queue
// itself reuses internal/structs' Queue, grounded on the teacher's own
// FIFO-queue idiom (ChunkedIngress).
package threadpool

import (
	"sync"

	"github.com/joeycumines/go-ngxcore/internal/logging"
	"github.com/joeycumines/go-ngxcore/internal/structs"
)

// Task is a unit of blocking work plus the callback to run (on the
// submitting loop, via OnComplete) once it finishes.
type Task struct {
	Run        func() (any, error)
	OnComplete func(result any, err error)
}

// Pool is a bounded pool of worker goroutines draining a shared FIFO
// task queue.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   *structs.Queue[Task]
	closed  bool
	wg      sync.WaitGroup
	log     logging.Logger
	notify  func(func()) // schedules OnComplete back onto the owning loop
}

// New starts size worker goroutines. notify, if non-nil, is used to
// marshal OnComplete callbacks back onto the event loop's own
// goroutine (typically Loop.Submit) instead of running them on the
// worker goroutine, preserving the single-writer discipline the rest
// of ngxcore depends on.
func New(size int, notify func(func()), log logging.Logger) *Pool {
	if size <= 0 {
		size = 32
	}
	p := &Pool{
		queue:  structs.NewQueue[Task](),
		log:    log.WithCategory("threadpool"),
		notify: notify,
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues a task that just runs fn with no result plumbing,
// the common case (e.g. the resolver's background revalidation).
func (p *Pool) Submit(fn func()) {
	p.SubmitTask(Task{Run: func() (any, error) { fn(); return nil, nil }})
}

// SubmitTask enqueues t. Safe to call from any goroutine.
func (p *Pool) SubmitTask(t Task) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue.PushBack(t)
	p.mu.Unlock()
	p.cond.Signal()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for p.queue.Len() == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed && p.queue.Len() == 0 {
			p.mu.Unlock()
			return
		}
		t, ok := p.queue.PopFront()
		p.mu.Unlock()
		if !ok {
			continue
		}

		result, err := p.safeRun(t.Run)
		if t.OnComplete == nil {
			continue
		}
		if p.notify != nil {
			p.notify(func() { t.OnComplete(result, err) })
		} else {
			t.OnComplete(result, err)
		}
	}
}

func (p *Pool) safeRun(fn func() (any, error)) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Log(logging.LogEntry{
				Level:   logging.LevelError,
				Message: "recovered panic in thread pool task",
			})
			err = errPanic
		}
	}()
	return fn()
}

var errPanic = &panicError{}

type panicError struct{}

func (*panicError) Error() string { return "threadpool: task panicked" }

// Close stops accepting new tasks and waits for in-flight and queued
// tasks to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}

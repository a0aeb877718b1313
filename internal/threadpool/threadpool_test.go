package threadpool

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-ngxcore/internal/logging"
)

func TestSubmitRunsOnWorker(t *testing.T) {
	p := New(4, nil, logging.NoOp())
	defer p.Close()

	done := make(chan struct{})
	p.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected the submitted function to run")
	}
}

func TestSubmitTaskCompletionNotified(t *testing.T) {
	p := New(2, nil, logging.NoOp())
	defer p.Close()

	done := make(chan struct{})
	var gotResult any
	var gotErr error
	p.SubmitTask(Task{
		Run: func() (any, error) { return 42, nil },
		OnComplete: func(result any, err error) {
			gotResult, gotErr = result, err
			close(done)
		},
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected OnComplete to be called")
	}
	if gotErr != nil {
		t.Fatalf("gotErr = %v, want nil", gotErr)
	}
	if gotResult != 42 {
		t.Fatalf("gotResult = %v, want 42", gotResult)
	}
}

func TestSubmitTaskNotifyMarshalsBack(t *testing.T) {
	var mu sync.Mutex
	var notifiedOn string

	notify := func(fn func()) {
		mu.Lock()
		notifiedOn = "loop"
		mu.Unlock()
		fn()
	}

	p := New(2, notify, logging.NoOp())
	defer p.Close()

	done := make(chan struct{})
	p.SubmitTask(Task{
		Run:        func() (any, error) { return nil, nil },
		OnComplete: func(any, error) { close(done) },
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected completion callback to run")
	}

	mu.Lock()
	defer mu.Unlock()
	if notifiedOn != "loop" {
		t.Fatal("expected OnComplete to be marshaled through notify")
	}
}

func TestPanicRecovered(t *testing.T) {
	p := New(2, nil, logging.NoOp())
	defer p.Close()

	done := make(chan error, 1)
	p.SubmitTask(Task{
		Run:        func() (any, error) { panic("boom") },
		OnComplete: func(_ any, err error) { done <- err },
	})

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected a non-nil error after a panicking task")
		}
	case <-time.After(time.Second):
		t.Fatal("expected the worker to recover and still call OnComplete")
	}
}

func TestCloseWaitsForQueuedWork(t *testing.T) {
	p := New(1, nil, logging.NoOp())

	ran := false
	p.Submit(func() {
		time.Sleep(10 * time.Millisecond)
		ran = true
	})
	p.Close()

	if !ran {
		t.Fatal("expected Close to wait for in-flight work to finish")
	}

	// Submitting after Close must be a silent no-op, not a panic.
	p.Submit(func() {})
}

func TestSubmitTaskRejectedAfterClose(t *testing.T) {
	p := New(1, nil, logging.NoOp())
	p.Close()

	called := false
	p.SubmitTask(Task{
		Run:        func() (any, error) { return nil, errors.New("unreachable") },
		OnComplete: func(any, error) { called = true },
	})
	time.Sleep(10 * time.Millisecond)
	if called {
		t.Fatal("expected a task submitted after Close to never run")
	}
}

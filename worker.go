package mediaplugin

import (
	"sync"
	"sync/atomic"
)

// Worker is the single goroutine that owns a plugin service's channel and
// every host-side actor. Work reaches it two ways: tasks posted by callers
// (Dispatch, RunSync) and events posted by the channel reader, which carry
// replies and codec callbacks in arrival order.
//
// RunSync must not be called from the worker itself; it would deadlock.
type Worker struct {
	name   string
	tasks  chan func()
	events chan func()
	quit   chan struct{}
	done   chan struct{}

	stopOnce sync.Once
	tasksRun atomic.Uint64
}

// NewWorker starts a worker goroutine.
func NewWorker(name string) *Worker {
	w := &Worker{
		name:   name,
		tasks:  make(chan func(), 16),
		events: make(chan func(), 256),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

// Name returns the name given to NewWorker.
func (w *Worker) Name() string { return w.name }

func (w *Worker) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			return
		case fn := <-w.tasks:
			fn()
			w.tasksRun.Add(1)
		case ev := <-w.events:
			ev()
		}
	}
}

// Dispatch queues fn to run on the worker and returns immediately.
func (w *Worker) Dispatch(fn func()) error {
	select {
	case <-w.quit:
		return ErrWorkerStopped
	default:
	}
	select {
	case <-w.quit:
		return ErrWorkerStopped
	case w.tasks <- fn:
		return nil
	}
}

// RunSync runs fn on the worker and blocks until it returns. Tasks run in
// the order they were submitted. There is no cancellation: once queued, fn
// runs to completion unless the worker is stopped first.
func (w *Worker) RunSync(fn func() error) error {
	result := make(chan error, 1)
	if err := w.Dispatch(func() { result <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-w.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrWorkerStopped
		}
	}
}

// RunSyncValue is RunSync for tasks that produce a value.
func RunSyncValue[T any](w *Worker, fn func() (T, error)) (T, error) {
	var out T
	err := w.RunSync(func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

// post queues an event from the channel reader. Events are dropped once the
// worker has stopped.
func (w *Worker) post(ev func()) {
	select {
	case <-w.quit:
	case w.events <- ev:
	}
}

// await runs events on the worker until done is closed. It is only called
// from a task, so the events it runs (replies and callbacks) keep the order
// in which the peer sent them.
func (w *Worker) await(done <-chan struct{}) error {
	for {
		select {
		case <-done:
			return nil
		default:
		}
		select {
		case <-w.quit:
			return ErrWorkerStopped
		case ev := <-w.events:
			ev()
		}
	}
}

// TasksRun returns the number of tasks completed so far.
func (w *Worker) TasksRun() uint64 { return w.tasksRun.Load() }

// Stop stops the worker after the task in progress, if any, returns.
// Queued tasks do not run. Stop is safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
	<-w.done
}

// Stopped reports whether Stop has been called.
func (w *Worker) Stopped() bool {
	select {
	case <-w.quit:
		return true
	default:
		return false
	}
}

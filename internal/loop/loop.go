// Package loop runs every state-touching task on one goroutine. Timers,
// commands and I/O completions submit tasks; blocking I/O runs off the loop
// through Go and hands its result back with another Submit.
package loop

import (
	"context"
	"errors"
	"sync"

	"github.com/sourcegraph/conc"

	appLog "calbot/internal/log"
)

// ErrStopped is returned by Do once the loop has shut down.
var ErrStopped = errors.New("loop stopped")

// Task runs on the loop goroutine.
type Task func(ctx context.Context)

type Loop struct {
	tasks chan Task
	io    conc.WaitGroup

	mu      sync.Mutex
	ctx     context.Context
	closing bool
	stopped chan struct{}
}

// New creates a loop with room for buffer pending tasks.
func New(buffer int) *Loop {
	if buffer <= 0 {
		buffer = 64
	}
	return &Loop{
		tasks:   make(chan Task, buffer),
		ctx:     context.Background(),
		stopped: make(chan struct{}),
	}
}

// Submit queues t. It reports false when the loop has stopped.
func (l *Loop) Submit(t Task) bool {
	select {
	case <-l.stopped:
		return false
	default:
	}
	select {
	case l.tasks <- t:
		return true
	case <-l.stopped:
		return false
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn Task) error {
	done := make(chan struct{})
	ok := l.Submit(func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	})
	if !ok {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		return ErrStopped
	}
}

// Go runs blocking work off the loop. fn must not touch loop-owned state;
// it submits a follow-up Task for that. Run waits for pending work on exit.
func (l *Loop) Go(fn func(ctx context.Context)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing {
		return
	}
	ctx := l.ctx

	l.io.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				appLog.Error("loop: background task panicked", errors.New("panic"), "recovered", r)
			}
		}()
		fn(ctx)
	})
}

// Run processes tasks until ctx is cancelled, then waits for work started
// with Go. Tasks queued after cancellation are dropped.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	l.ctx = ctx
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.closing = true
		close(l.stopped)
		l.mu.Unlock()
		l.io.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-l.tasks:
			l.run(ctx, t)
		}
	}
}

func (l *Loop) run(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			appLog.Error("loop: task panicked", errors.New("panic"), "recovered", r)
		}
	}()
	t(ctx)
}

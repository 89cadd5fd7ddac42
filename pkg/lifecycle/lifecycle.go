package lifecycle

import (
	"context"
	"errors"
	"sync"
)

var ErrFatal = errors.New("fatal error")

type TaskSpawner func(func(ctx context.Context) error)

// Lifecycle runs a group of long-lived tasks under one context and collects
// their errors. The first fatal error cancels every task.
type Lifecycle struct {
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu   sync.Mutex
	errs []error
}

func NewLifecycle(parent context.Context) *Lifecycle {
	ctx, cancel := context.WithCancelCause(parent)
	return &Lifecycle{
		ctx:    ctx,
		cancel: cancel,
	}
}

func (l *Lifecycle) Spawner() TaskSpawner {
	return func(fn func(ctx context.Context) error) {
		l.Go(fn)
	}
}

// Go runs fn in its own goroutine. A non-nil error other than the context's
// own cancellation is kept for Shutdown.
func (l *Lifecycle) Go(fn func(ctx context.Context) error) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := fn(l.ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.mu.Lock()
			l.errs = append(l.errs, err)
			l.mu.Unlock()
		}
	}()
}

// Fatal cancels every task with err as the cause.
func (l *Lifecycle) Fatal(err error) {
	if err == nil {
		err = ErrFatal
	}
	l.cancel(err)
}

// Shutdown cancels the tasks, waits for them and returns what they reported.
func (l *Lifecycle) Shutdown() error {
	l.cancel(nil)
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	errs := append([]error(nil), l.errs...)
	if cause := context.Cause(l.ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		errs = append(errs, cause)
	}
	return errors.Join(errs...)
}

func (l *Lifecycle) Context() context.Context {
	return l.ctx
}

package tracker

import (
	"fmt"
	"sync"
)

type job struct {
	fn  func() error
	res chan error
}

// worker runs jobs one at a time in submission order on a single goroutine.
// Submitting never blocks.
type worker struct {
	mu     sync.Mutex
	queue  []job
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newWorker() *worker {
	return &worker{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (w *worker) submit(fn func() error) <-chan error {
	res := make(chan error, 1)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		res <- ErrSessionDisposed
		return res
	}
	w.queue = append(w.queue, job{fn: fn, res: res})
	w.mu.Unlock()

	w.signal()
	return res
}

func (w *worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) run() {
	defer close(w.done)

	for {
		w.mu.Lock()
		if w.closed {
			pending := w.queue
			w.queue = nil
			w.mu.Unlock()
			for _, j := range pending {
				j.res <- ErrSessionDisposed
			}
			return
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			<-w.wake
			continue
		}
		j := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		j.res <- w.exec(j.fn)
	}
}

func (w *worker) exec(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tracker worker recovered: %v", r)
		}
	}()
	return fn()
}

// stop rejects queued and future jobs. The job currently running, if any, is
// left to finish.
func (w *worker) stop() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.signal()
}

package tracker

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/google/uuid"

	"github.com/agaabrieel/swarmclient/pkg/messaging"
)

type State uint8

const (
	Disconnected State = iota
	Connected
	Disposed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Disposed:
		return "disposed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// session is the state machine shared by both transports. It owns the lock
// guarding the state, the serial worker, and the context cancelled on
// disposal. Transport fields that must be consistent with the state are
// guarded by mu too.
type session struct {
	id      string
	url     *url.URL
	emitter *eventEmitter

	mu        sync.Mutex
	state     State
	announced bool

	worker *worker
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newSession(u *url.URL, router *messaging.Router) *session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	s := &session{
		id:      id,
		url:     u,
		emitter: newEventEmitter(router, id, u.String()),
		state:   Disconnected,
		worker:  newWorker(),
		ctx:     ctx,
		cancel:  cancel,
	}
	go s.worker.run()
	return s
}

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setStateLocked moves to state unless the session is already disposed. The
// caller holds mu.
func (s *session) setStateLocked(state State) (previous State, ok bool) {
	previous = s.state
	if previous == Disposed {
		return previous, false
	}
	s.state = state
	return previous, true
}

// connected records a successful handshake and reports whether this was a
// transition out of Disconnected.
func (s *session) connected() (changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, ok := s.setStateLocked(Connected)
	if !ok {
		return false, ErrSessionDisposed
	}
	return previous == Disconnected, nil
}

// disconnected falls back after a failed exchange. A disposed session stays
// disposed and ErrSessionDisposed replaces err, since the failure was most
// likely caused by the disposal itself.
func (s *session) disconnected(err error) error {
	s.mu.Lock()
	previous, ok := s.setStateLocked(Disconnected)
	s.mu.Unlock()

	if !ok {
		return ErrSessionDisposed
	}
	if previous == Connected {
		s.emitter.disconnected(err.Error())
	}
	return err
}

// nextEvent is "started" until an announce of this session succeeds, unless
// the caller asks for a specific event.
func (s *session) nextEvent(requested string) string {
	if requested != "" {
		return requested
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.announced {
		return EventStarted
	}
	return EventNone
}

func (s *session) markAnnounced() {
	s.mu.Lock()
	s.announced = true
	s.mu.Unlock()
}

// submit queues fn on the worker. fn runs with a context that is cancelled
// when either ctx or the session ends.
func (s *session) submit(ctx context.Context, fn func(ctx context.Context) error) <-chan error {
	return s.worker.submit(func() error {
		if s.State() == Disposed {
			return ErrSessionDisposed
		}

		jobCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(s.ctx, cancel)
		defer stop()

		return fn(jobCtx)
	})
}

// do submits fn and waits for it, or for ctx.
func (s *session) do(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case err := <-s.submit(ctx, fn):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispose is idempotent. release runs once, after the state is Disposed and
// the worker has stopped accepting jobs; it must close the transport so that
// a blocked exchange returns.
func (s *session) dispose(release func()) {
	s.once.Do(func() {
		s.mu.Lock()
		s.state = Disposed
		s.mu.Unlock()

		s.worker.stop()
		s.cancel()
		if release != nil {
			release()
		}
		s.emitter.disconnected("disposed")
	})
}

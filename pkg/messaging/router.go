package messaging

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const subscriptionBufferSize = 256

// Router delivers messages to registered components by id and to topic
// subscribers by pattern. Delivery never blocks the sender: a message that
// does not fit in the receiver's buffer is dropped.
type Router struct {
	Registry      map[string]chan<- Message
	subscriptions map[string]*Subscription
	dropped       atomic.Uint64
	mu            sync.RWMutex
}

type Subscription struct {
	id      string
	pattern string
	ch      chan<- Message
	owned   chan Message
	router  *Router
	once    sync.Once
	done    chan struct{}
}

func NewRouter() *Router {
	return &Router{
		Registry:      make(map[string]chan<- Message, 1024),
		subscriptions: make(map[string]*Subscription),
	}
}

func (r *Router) RegisterComponent(id string, ch chan Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.Registry[id]; !ok {
		r.Registry[id] = ch
		return nil
	}
	return fmt.Errorf("component id %v already registered", id)
}

func (r *Router) UnregisterComponent(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.Registry, id)
}

func stamp(msg *Message) {
	if msg.Id == "" {
		msg.Id = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
}

// Send delivers msg to one registered component.
func (r *Router) Send(destId string, msg Message) error {
	stamp(&msg)

	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.Registry[destId]
	if !ok {
		return fmt.Errorf("invalid destination id %s", destId)
	}
	select {
	case ch <- msg:
		return nil
	default:
		r.dropped.Add(1)
		return fmt.Errorf("channel of %s is blocked, dropping message", destId)
	}
}

// Broadcast delivers msg to every registered component.
func (r *Router) Broadcast(msg Message) {
	stamp(&msg)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, ch := range r.Registry {
		select {
		case ch <- msg:
		default:
			r.dropped.Add(1)
		}
	}
}

// Publish delivers msg to each subscription whose pattern matches msg.Topic,
// at most once per subscription.
func (r *Router) Publish(msg Message) {
	stamp(&msg)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sub := range r.subscriptions {
		if !MatchTopic(sub.pattern, msg.Topic) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			r.dropped.Add(1)
		}
	}
}

// SubscribeChan routes messages matching pattern into ch. The caller owns ch
// and must keep draining it until the subscription is closed.
func (r *Router) SubscribeChan(pattern string, ch chan<- Message) *Subscription {
	sub := &Subscription{
		id:      uuid.NewString(),
		pattern: pattern,
		ch:      ch,
		router:  r,
		done:    make(chan struct{}),
	}
	close(sub.done)

	r.mu.Lock()
	r.subscriptions[sub.id] = sub
	r.mu.Unlock()

	return sub
}

// Subscribe runs handler on its own goroutine for every message matching
// pattern. A panicking handler loses that message only.
func (r *Router) Subscribe(pattern string, handler func(Message)) *Subscription {
	ch := make(chan Message, subscriptionBufferSize)
	sub := &Subscription{
		id:      uuid.NewString(),
		pattern: pattern,
		ch:      ch,
		owned:   ch,
		router:  r,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		for msg := range ch {
			deliver(handler, msg)
		}
	}()

	r.mu.Lock()
	r.subscriptions[sub.id] = sub
	r.mu.Unlock()

	return sub
}

func deliver(handler func(Message), msg Message) {
	defer func() {
		_ = recover()
	}()
	handler(msg)
}

// Dropped returns how many messages could not be delivered.
func (r *Router) Dropped() uint64 {
	return r.dropped.Load()
}

func (s *Subscription) Pattern() string {
	return s.pattern
}

// Close stops delivery. Messages already queued for a handler are still
// processed; Done is closed once the handler goroutine exits.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.router.mu.Lock()
		delete(s.router.subscriptions, s.id)
		s.router.mu.Unlock()

		if s.owned != nil {
			close(s.owned)
		}
	})
}

func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

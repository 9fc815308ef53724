// Package eventbus delivers typed notifications from DTX components to
// subscribers. Handlers are registered per event kind. Each registration is
// either serial (run in the publisher's goroutine, one event at a time) or
// concurrent (own goroutine and FIFO queue). Delivery is at least once: a
// handler that returns an error is retried. Events nobody subscribed to are
// handed to a dead-event sink, which logs them by default.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind names a family of events.
type Kind string

// Event is anything published on the bus.
type Event interface {
	EventKind() Kind
}

// Handler processes one event. A non-nil error triggers redelivery.
type Handler func(ctx context.Context, ev Event) error

// DeadSink receives events that had no subscriber.
type DeadSink func(ev Event)

type Options struct {
	Logger *zap.Logger
	// MaxAttempts bounds deliveries per handler and event; default 3.
	MaxAttempts int
	// RetryDelay is the pause between attempts for concurrent handlers.
	RetryDelay time.Duration
	DeadSink   DeadSink
	// OnDead is called after the sink, e.g. to count dead events.
	OnDead func(ev Event)
}

type Bus struct {
	logger      *zap.Logger
	maxAttempts int
	retryDelay  time.Duration
	dead        DeadSink
	onDead      func(Event)

	mu     sync.RWMutex
	subs   map[Kind][]*subscription
	nextID uint64
	closed bool

	serialMu sync.Mutex
	wg       sync.WaitGroup
}

func New(opts Options) *Bus {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 10 * time.Millisecond
	}
	b := &Bus{
		logger:      opts.Logger.Named("eventbus"),
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		onDead:      opts.OnDead,
		subs:        make(map[Kind][]*subscription),
	}
	b.dead = opts.DeadSink
	if b.dead == nil {
		b.dead = b.logDead
	}
	return b
}

func (b *Bus) logDead(ev Event) {
	b.logger.Warn("dead event: no subscriber", zap.String("kind", string(ev.EventKind())), zap.String("event", fmt.Sprintf("%+v", ev)))
}

type subscription struct {
	id      uint64
	kind    Kind
	name    string
	handler Handler
	serial  bool

	mu      sync.Mutex
	queue   []Event
	wake    chan struct{}
	closing bool
}

type SubscribeOption func(*subscription)

// Serial runs the handler inline in Publish, serialized with every other
// serial handler on the bus.
func Serial() SubscribeOption {
	return func(s *subscription) { s.serial = true }
}

// Named labels the subscription in logs.
func Named(name string) SubscribeOption {
	return func(s *subscription) { s.name = name }
}

// Subscribe registers h for kind and returns a function that removes it.
func (b *Bus) Subscribe(kind Kind, h Handler, opts ...SubscribeOption) (unsubscribe func()) {
	s := &subscription{kind: kind, handler: h, wake: make(chan struct{}, 1)}
	for _, o := range opts {
		o(s)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.nextID++
	s.id = b.nextID
	if s.name == "" {
		s.name = fmt.Sprintf("%s#%d", kind, s.id)
	}
	b.subs[kind] = append(b.subs[kind], s)
	if !s.serial {
		b.wg.Add(1)
		go b.run(s)
	}
	b.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { b.remove(s) }) }
}

// SubscribeTyped registers a handler that only sees events of type T.
func SubscribeTyped[T Event](b *Bus, kind Kind, h func(ctx context.Context, ev T) error, opts ...SubscribeOption) func() {
	return b.Subscribe(kind, func(ctx context.Context, ev Event) error {
		typed, ok := ev.(T)
		if !ok {
			return nil
		}
		return h(ctx, typed)
	}, opts...)
}

func (b *Bus) remove(s *subscription) {
	b.mu.Lock()
	list := b.subs[s.kind]
	for i, cur := range list {
		if cur == s {
			b.subs[s.kind] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	s.close()
}

// Publish delivers ev to every subscriber of its kind. Serial handlers have
// run when Publish returns; concurrent handlers have the event queued.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.subs[ev.EventKind()]...)
	closed := b.closed
	b.mu.RUnlock()

	if closed || len(subs) == 0 {
		b.dead(ev)
		if b.onDead != nil {
			b.onDead(ev)
		}
		return
	}
	var serial []*subscription
	for _, s := range subs {
		if s.serial {
			serial = append(serial, s)
			continue
		}
		s.enqueue(ev)
	}
	if len(serial) == 0 {
		return
	}
	b.serialMu.Lock()
	defer b.serialMu.Unlock()
	for _, s := range serial {
		b.deliver(ctx, s, ev, 0)
	}
}

// Close stops accepting subscriptions, drains queued events and waits for
// concurrent handlers to finish.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscription
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.mu.Unlock()

	for _, s := range all {
		s.close()
	}
	b.wg.Wait()
}

func (s *subscription) enqueue(ev Event) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest queued event. done is true once the subscription is
// closing and the queue is empty.
func (s *subscription) next() (ev Event, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		ev = s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		return ev, false
	}
	return nil, s.closing
}

func (b *Bus) run(s *subscription) {
	defer b.wg.Done()
	for {
		ev, done := s.next()
		if done {
			return
		}
		if ev == nil {
			<-s.wake
			continue
		}
		b.deliver(context.Background(), s, ev, b.retryDelay)
	}
}

func (b *Bus) deliver(ctx context.Context, s *subscription, ev Event, delay time.Duration) {
	var err error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		if err = safeCall(ctx, s.handler, ev); err == nil {
			return
		}
		b.logger.Debug("event handler failed",
			zap.String("subscription", s.name),
			zap.String("kind", string(ev.EventKind())),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if delay > 0 && attempt < b.maxAttempts {
			time.Sleep(delay * time.Duration(attempt))
		}
	}
	b.logger.Warn("event dropped after retries",
		zap.String("subscription", s.name),
		zap.String("kind", string(ev.EventKind())),
		zap.Int("attempts", b.maxAttempts),
		zap.Error(err))
}

func safeCall(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

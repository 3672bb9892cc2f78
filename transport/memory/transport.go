package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/beehub/beehub-go/logger"
	"github.com/beehub/beehub-go/transport"
)

// ErrNotStarted is returned by Publish when the transport is not running.
var ErrNotStarted = errors.New("transport not started")

type message struct {
	payload []byte
	headers map[string]string
}

// subscription is an unbounded queue consumed by a dedicated goroutine.
// Messages enqueued before close are still drained.
type subscription struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []message
	closed bool
}

func newSubscription() *subscription {
	s := &subscription{}
	s.cond = sync.NewCond(&s.mu)

	return s
}

func (s *subscription) enqueue(m message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, m)
	s.cond.Signal()
}

// next blocks until a message is available or the queue is closed and empty.
func (s *subscription) next() (message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return message{}, false
	}
	m := s.queue[0]
	s.queue = s.queue[1:]

	return m, true
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

// Transport is the in-process implementation of transport.Transport. It keeps
// one independent queue per subscriber and fans every published message out to
// all queues registered for the address at publish time. It is not durable: a
// message published with zero active subscribers is dropped, and a handler
// failure is not retried.
type Transport struct {
	mu      sync.Mutex
	subs    map[string][]*subscription
	started bool
	wg      sync.WaitGroup
	logger  logger.Logger
	onError func(address string, err error)
}

var _ transport.Transport = (*Transport)(nil)
var _ logger.Loggable = (*Transport)(nil)

// opt allows optional configuration.
type opt func(t *Transport)

// WithErrorCallback surfaces handler failures, which are otherwise dropped
// after logging. The delivery semantics stay at-most-once per subscriber
// either way.
func WithErrorCallback(fn func(address string, err error)) opt {
	return func(t *Transport) {
		t.onError = fn
	}
}

func New(options ...opt) *Transport {
	t := &Transport{
		subs:   make(map[string][]*subscription),
		logger: &logger.NopLogger{},
	}
	for _, o := range options {
		o(t)
	}

	return t
}

// SetLogger sets an optional logger.
func (t *Transport) SetLogger(l logger.Logger) {
	t.logger = l
}

func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = true

	return nil
}

// Stop closes all subscriber queues and waits for the consumption loops to
// drain their in-flight items and exit.
func (t *Transport) Stop() error {
	t.mu.Lock()
	t.started = false
	for _, subs := range t.subs {
		for _, s := range subs {
			s.close()
		}
	}
	t.subs = make(map[string][]*subscription)
	t.mu.Unlock()

	t.wg.Wait()

	return nil
}

// Close releases all resources. Idempotent with Stop.
func (t *Transport) Close() error {
	return t.Stop()
}

// Publish enqueues the message onto every queue currently registered for the
// address. It returns once the message is enqueued, not once it is handled.
func (t *Transport) Publish(_ context.Context, address string, payload []byte, headers map[string]string) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return ErrNotStarted
	}
	subs := make([]*subscription, len(t.subs[address]))
	copy(subs, t.subs[address])
	t.mu.Unlock()

	for _, s := range subs {
		s.enqueue(message{payload: payload, headers: headers})
	}

	return nil
}

// Subscribe registers a handler and starts its consumption loop. The loop
// processes messages strictly in enqueue order and swallows handler errors so
// a failing message never stops the loop. Subscriptions may be registered
// before Start; they only receive messages published while started.
func (t *Transport) Subscribe(address string, handler transport.Handler) error {
	if handler == nil {
		panic("handler is mandatory")
	}

	t.mu.Lock()
	s := newSubscription()
	t.subs[address] = append(t.subs[address], s)
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		for {
			m, ok := s.next()
			if !ok {
				return
			}
			if err := handler(context.Background(), m.payload, m.headers); err != nil {
				t.logger.Debug(fmt.Sprintf("handler failed for address '%s': %v", address, err))
				if t.onError != nil {
					t.onError(address, err)
				}
			}
		}
	}()

	return nil
}

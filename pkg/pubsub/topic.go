// Package pubsub provides bounded multi-consumer topics.
//
// A Topic keeps the last capacity published values in a ring buffer. Every
// subscriber reads the stream through its own cursor. Publishing never
// blocks: when the ring is full the oldest value is overwritten, and a
// subscriber that falls more than capacity values behind gets a
// *LaggedError telling it how many values it missed before reading resumes
// at the oldest retained value.
//
// Delivery is therefore best effort. Consumers must not assume they see
// every published value; anything that needs the complete state should
// consult its authoritative source (for blocks, the block store).
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrClosed is returned by Recv and TryRecv once the topic is closed and
	// every retained value has been delivered, or after Unsubscribe.
	ErrClosed = errors.New("topic closed")

	// ErrEmpty is returned by TryRecv when no value is waiting.
	ErrEmpty = errors.New("no value available")

	// ErrLagged matches every *LaggedError.
	ErrLagged = errors.New("subscriber lagged")
)

// LaggedError reports values a subscriber missed because the ring wrapped.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged behind, missed %d values", e.Missed)
}

// Is makes errors.Is(err, ErrLagged) hold.
func (e *LaggedError) Is(target error) bool {
	return target == ErrLagged
}

// Topic is a bounded broadcast channel.
type Topic[T any] struct {
	mu     sync.Mutex
	ring   []T
	head   uint64 // sequence number of the next published value
	closed bool

	// notify is closed and replaced on every Publish and on Close.
	notify chan struct{}

	subs map[*Subscription[T]]struct{}
}

// NewTopic creates a topic retaining capacity values. It panics if capacity
// is less than one.
func NewTopic[T any](capacity int) *Topic[T] {
	if capacity < 1 {
		panic(fmt.Sprintf("pubsub: invalid topic capacity %d", capacity))
	}
	return &Topic[T]{
		ring:   make([]T, capacity),
		notify: make(chan struct{}),
		subs:   make(map[*Subscription[T]]struct{}),
	}
}

// Publish appends v and wakes waiting subscribers. It never blocks and
// returns the number of subscribers at the time of publishing. Publishing to
// a closed topic is a no-op returning zero.
func (t *Topic[T]) Publish(v T) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0
	}

	t.ring[t.head%uint64(len(t.ring))] = v
	t.head++

	close(t.notify)
	t.notify = make(chan struct{})

	return len(t.subs)
}

// Subscribe returns a subscription that starts at the next published value.
func (t *Topic[T]) Subscribe() *Subscription[T] {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &Subscription[T]{topic: t, next: t.head}
	if t.closed {
		s.done = true
		return s
	}
	t.subs[s] = struct{}{}
	return s
}

// SubscriberCount returns the number of active subscriptions.
func (t *Topic[T]) SubscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close stops the topic. Subscribers drain the retained values they have
// not read yet and then receive ErrClosed. Close is idempotent.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	close(t.notify)
}

// oldest returns the sequence number of the oldest retained value.
func (t *Topic[T]) oldest() uint64 {
	size := uint64(len(t.ring))
	if t.head < size {
		return 0
	}
	return t.head - size
}

// Subscription is one consumer's cursor into a Topic. A subscription must
// not be used from more than one goroutine at a time.
type Subscription[T any] struct {
	topic *Topic[T]
	next  uint64
	done  bool
}

// Recv returns the next value, blocking until one is published, ctx is
// done, or the topic is closed.
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	for {
		v, wait, err := s.poll()
		if wait == nil {
			return v, err
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-wait:
		}
	}
}

// TryRecv returns the next value without blocking, or ErrEmpty.
func (s *Subscription[T]) TryRecv() (T, error) {
	v, wait, err := s.poll()
	if wait != nil {
		return v, ErrEmpty
	}
	return v, err
}

// poll returns either a value or error, or a channel to wait on.
func (s *Subscription[T]) poll() (T, <-chan struct{}, error) {
	var zero T

	t := s.topic
	t.mu.Lock()
	defer t.mu.Unlock()

	if s.done {
		return zero, nil, ErrClosed
	}

	if oldest := t.oldest(); s.next < oldest {
		missed := oldest - s.next
		s.next = oldest
		return zero, nil, &LaggedError{Missed: missed}
	}

	if s.next < t.head {
		v := t.ring[s.next%uint64(len(t.ring))]
		s.next++
		return v, nil, nil
	}

	if t.closed {
		return zero, nil, ErrClosed
	}

	return zero, t.notify, nil
}

// Resubscribe returns a new subscription on the same topic starting at the
// next published value. The receiver is not affected.
func (s *Subscription[T]) Resubscribe() *Subscription[T] {
	return s.topic.Subscribe()
}

// Unsubscribe detaches the subscription. Further reads return ErrClosed.
func (s *Subscription[T]) Unsubscribe() {
	t := s.topic
	t.mu.Lock()
	defer t.mu.Unlock()

	s.done = true
	delete(t.subs, s)
}

package events

import (
	"sync"
)

// Bus fans domain events out to any number of subscribers. Publish never
// blocks: each subscriber has its own mailbox in which pending progress
// for the same urlId is collapsed to the latest value. Every other event
// is kept.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	bus *Bus
	id  uint64

	mu      sync.Mutex
	pending []any
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once

	out chan any
}

// Subscribe registers a new subscriber. The returned subscription must be
// closed when no longer needed.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{
		bus:  b,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan any),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.once.Do(func() { close(s.done) })
		close(s.out)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.mu.Unlock()

	go s.pump()
	return s
}

// Publish delivers msg to every current subscriber.
func (b *Bus) Publish(msg any) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.push(msg)
	}
}

// Len returns the number of live subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close detaches every subscriber and closes their channels. Undelivered
// events are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

// C returns the channel on which events arrive. It is closed when the
// subscription or the bus is closed.
func (s *Subscription) C() <-chan any {
	return s.out
}

// Close detaches the subscriber from the bus.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.stop()
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) push(msg any) {
	s.mu.Lock()
	if p, ok := msg.(ProgressMsg); ok {
		replaced := false
		for i := len(s.pending) - 1; i >= 0; i-- {
			if prev, ok := s.pending[i].(ProgressMsg); ok && prev.URLID == p.URLID {
				s.pending[i] = p
				replaced = true
				break
			}
			// Never move progress ahead of a lifecycle event of the same item.
			if URLIDOf(s.pending[i]) == p.URLID {
				break
			}
		}
		if !replaced {
			s.pending = append(s.pending, p)
		}
	} else {
		s.pending = append(s.pending, msg)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var (
			next any
			ok   bool
		)
		if len(s.pending) > 0 {
			next, ok = s.pending[0], true
			s.pending[0] = nil
			s.pending = s.pending[1:]
		}
		s.mu.Unlock()

		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}

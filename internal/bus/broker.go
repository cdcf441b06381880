// Package bus provides the in-process execution-report broadcast.
//
// The streaming dispatcher publishes every execution report once; each
// subscriber receives every report in wire order on its own bounded queue.
// Per-subscriber overflow policy decides whether a slow consumer applies
// backpressure to the dispatcher (Block) or loses its oldest buffered
// reports (DropOldest).
package bus

import (
	"log/slog"
	"sync"

	"mep-arb/pkg/types"
)

// OverflowPolicy selects the behavior when a subscriber's queue is full.
type OverflowPolicy int

const (
	// Block makes Publish wait for queue space. Use for consumers that must
	// see every report (the position reconciler).
	Block OverflowPolicy = iota
	// DropOldest evicts the oldest buffered report to admit the new one.
	// Acceptable for consumers that filter by client order id anyway.
	DropOldest
)

// Subscription is one consumer's view of the broadcast. Receive from C;
// Close when done.
type Subscription struct {
	name   string
	ch     chan types.ExecReport
	done   chan struct{}
	policy OverflowPolicy
	once   sync.Once
	broker *Broker
}

// C returns the receive channel. It is closed when the subscription or the
// broker closes.
func (s *Subscription) C() <-chan types.ExecReport { return s.ch }

// Close detaches the subscription. Idempotent; pending Publish calls
// blocked on this subscriber unblock immediately.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.broker.remove(s)
	})
}

// Broker fans execution reports out to all live subscriptions.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*Subscription]bool
	closed bool
	logger *slog.Logger
}

// NewBroker creates an empty broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		subs:   make(map[*Subscription]bool),
		logger: logger.With("component", "er-bus"),
	}
}

// Subscribe registers a consumer with a queue of the given size.
// Subscribing on a closed broker returns a subscription whose channel is
// already closed.
func (b *Broker) Subscribe(name string, size int, policy OverflowPolicy) *Subscription {
	if size < 1 {
		size = 1
	}
	s := &Subscription{
		name:   name,
		ch:     make(chan types.ExecReport, size),
		done:   make(chan struct{}),
		policy: policy,
		broker: b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		close(s.done)
		return s
	}
	b.subs[s] = true
	b.logger.Debug("subscriber attached", "name", name, "size", size)
	return s
}

// Publish delivers the report to every subscription. Order is preserved per
// subscriber as long as Publish is called from a single goroutine, which is
// the dispatcher's contract. Publishing after Close is a no-op.
func (b *Broker) Publish(er types.ExecReport) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for s := range b.subs {
		switch s.policy {
		case Block:
			select {
			case s.ch <- er:
			case <-s.done:
			}
		case DropOldest:
			for {
				select {
				case s.ch <- er:
				default:
					select {
					case <-s.ch:
						b.logger.Warn("subscriber queue full, dropping oldest", "name", s.name)
					default:
					}
					continue
				}
				break
			}
		}
	}
}

// Close shuts the broker down and closes every subscriber channel.
// Channels are closed outside the broker lock: a subscription closing itself
// at the same moment holds its once while waiting for the lock in remove.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
		delete(b.subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.once.Do(func() { close(s.done) })
		close(s.ch)
	}
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[s] {
		delete(b.subs, s)
		close(s.ch)
	}
}

// Package events provides a fan-out pub/sub bus for project state changes.
// The proxy uses it to wait for a resuming project; the admin API streams
// it to clients polling project status.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/slipway-dev/slipway/internal/project"
)

// StateChange is published every time a project's persisted state moves.
type StateChange struct {
	Project   project.Name `json:"project"`
	Kind      project.Kind `json:"kind"`
	Timestamp time.Time    `json:"timestamp"`
}

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Bus is a fan-out pub/sub bus. Subscribers receive all events published
// after they subscribe. Slow subscribers that fall behind have events
// dropped rather than blocking the worker.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan StateChange
	next uint64
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]chan StateChange)}
}

// Publish sends an event to all current subscribers. If a subscriber's
// buffer is full the event is dropped for that subscriber.
func (b *Bus) Publish(evt StateChange) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe returns a channel receiving all future events and a cancel
// function that unsubscribes and closes the channel.
func (b *Bus) Subscribe() (<-chan StateChange, func()) {
	ch := make(chan StateChange, subscriberBufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// WaitFor blocks until a state change for name satisfies pred, or the
// context expires. The subscription is taken before the caller's own
// re-check of current state should happen, so races with a change landing
// between check and wait still deliver the event.
func (b *Bus) WaitFor(ctx context.Context, name project.Name, pred func(project.Kind) bool) (project.Kind, error) {
	ch, cancel := b.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case evt, ok := <-ch:
			if !ok {
				return "", context.Canceled
			}
			if evt.Project == name && pred(evt.Kind) {
				return evt.Kind, nil
			}
		}
	}
}

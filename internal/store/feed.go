package store

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Operation classifies a change event.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// ChangeEvent describes one committed write.
type ChangeEvent struct {
	Operation  Operation
	ID         string
	Document   Document
	Previous   Document
	Checkpoint Checkpoint
}

func operationFor(previous, written Document) Operation {
	switch {
	case written.Deleted():
		return OpDelete
	case previous == nil || previous.Deleted():
		return OpInsert
	default:
		return OpUpdate
	}
}

// Subscription receives change events in commit order. When a subscriber
// falls behind by more than its buffer, it is dropped: Overflowed becomes
// true and the channel is closed.
type Subscription struct {
	ch         chan ChangeEvent
	feed       *feed
	overflowed atomic.Bool
}

// Events returns the event channel. It is closed on Close, overflow or database destroy.
func (s *Subscription) Events() <-chan ChangeEvent {
	return s.ch
}

// Overflowed reports whether events were dropped for this subscriber.
func (s *Subscription) Overflowed() bool {
	return s.overflowed.Load()
}

// Close deregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.feed.remove(s)
}

type feed struct {
	mu     sync.Mutex
	subs   map[*Subscription]logrus.FieldLogger
	closed bool
}

func newFeed() *feed {
	return &feed{subs: make(map[*Subscription]logrus.FieldLogger)}
}

func (f *feed) subscribe(buffer int, log logrus.FieldLogger) *Subscription {
	sub := &Subscription{ch: make(chan ChangeEvent, buffer), feed: f}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(sub.ch)
		return sub
	}
	f.subs[sub] = log
	return sub
}

func (f *feed) publish(ev ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub, log := range f.subs {
		select {
		case sub.ch <- ev:
		default:
			log.WithField("buffer", cap(sub.ch)).Warn("store: dropping slow change subscriber")
			sub.overflowed.Store(true)
			delete(f.subs, sub)
			close(sub.ch)
		}
	}
}

func (f *feed) remove(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub]; ok {
		delete(f.subs, sub)
		close(sub.ch)
	}
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for sub := range f.subs {
		delete(f.subs, sub)
		close(sub.ch)
	}
}

// Subscribers returns the number of registered subscriptions.
func (c *Collection) Subscribers() int {
	c.feed.mu.Lock()
	defer c.feed.mu.Unlock()
	return len(c.feed.subs)
}

package stream

import (
	"sync"
	"sync/atomic"

	"github.com/xraph/escrow/entity"
)

type sendResult int

const (
	sendDelivered sendResult = iota
	sendQueued
	sendSkipped
	sendFailed
)

// Subscriber receives events from the topics it is subscribed to.
//
// A subscriber remembers the last record version it received per entity
// and silently skips anything at or below it, so a snapshot and a live
// event for the same write are never both delivered and events for one
// entity never arrive out of commit order.
type Subscriber struct {
	// id uniquely identifies this subscriber.
	id string

	// ch is the buffered channel events are sent on.
	ch chan *Event

	mu     sync.Mutex
	topics map[string]struct{}

	// versions holds the last delivered version per entity.
	versions map[entity.Key]int64

	// Until primed, events are held in pending so the initial snapshot
	// is always the first thing a subscriber sees.
	primed  bool
	pending []*Event

	// closed prevents double-close of the channel.
	closed atomic.Bool
}

// NewSubscriber creates a primed subscriber with the given buffer size.
func NewSubscriber(id string, bufferSize int) *Subscriber {
	s := newSubscriber(id, bufferSize)
	s.primed = true
	return s
}

func newSubscriber(id string, bufferSize int) *Subscriber {
	return &Subscriber{
		id:       id,
		ch:       make(chan *Event, bufferSize),
		topics:   make(map[string]struct{}),
		versions: make(map[entity.Key]int64),
	}
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the read-only event channel. It is closed when the subscriber
// is removed.
func (s *Subscriber) C() <-chan *Event { return s.ch }

// Closed reports whether the subscriber has been closed.
func (s *Subscriber) Closed() bool { return s.closed.Load() }

func (s *Subscriber) addTopic(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

func (s *Subscriber) removeTopic(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

// Topics returns a copy of all subscribed topic names.
func (s *Subscriber) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// send attempts to deliver an event without blocking.
func (s *Subscriber) send(evt *Event) sendResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return sendFailed
	}
	if !s.primed {
		if len(s.pending) >= cap(s.ch) {
			return sendFailed
		}
		s.pending = append(s.pending, evt)
		return sendQueued
	}
	return s.deliverLocked(evt)
}

// prime delivers the optional snapshot followed by any events that
// arrived while it was being read, then switches to live delivery.
func (s *Subscriber) prime(snapshot *Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.pending
	s.pending = nil
	s.primed = true

	if snapshot != nil && s.deliverLocked(snapshot) == sendFailed {
		return false
	}
	for _, evt := range pending {
		if s.deliverLocked(evt) == sendFailed {
			return false
		}
	}
	return true
}

func (s *Subscriber) deliverLocked(evt *Event) sendResult {
	if s.closed.Load() {
		return sendFailed
	}

	key, err := evt.Key()
	if err == nil {
		if evt.Type == EventEntityDeleted {
			delete(s.versions, key)
		} else if last, ok := s.versions[key]; ok && evt.Version <= last {
			return sendSkipped
		}
	}

	select {
	case s.ch <- evt:
	default:
		return sendFailed
	}

	if err == nil && evt.Type != EventEntityDeleted {
		s.versions[key] = evt.Version
	}
	return sendDelivered
}

// Close closes the subscriber channel. Safe to call multiple times.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

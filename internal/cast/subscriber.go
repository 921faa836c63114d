package cast

import (
	"sync"
	"time"
)

// maxSubscriberQueue bounds how many undelivered events a slow
// subscriber may accumulate before the drop policy kicks in (§4.9).
const maxSubscriberQueue = 256

// Subscriber is one active subscription to a session's event stream.
// Its outbound queue is a plain slice guarded by mu rather than a Go
// channel, because the backpressure policy needs to select and remove
// a specific queued item (the oldest Stdout frame) rather than just the
// head of the queue.
type Subscriber struct {
	SessionID string
	opts      SubscribeOptions

	mu             sync.Mutex
	queue          []Event
	lastSnapshotAt time.Time

	notify chan struct{}
	out    chan Event
	stopCh chan struct{}
	stopOnce sync.Once

	reader   *reader
}

func newSubscriber(sessionID string, opts SubscribeOptions, r *reader) *Subscriber {
	s := &Subscriber{
		SessionID: sessionID,
		opts:      opts,
		notify:    make(chan struct{}, 1),
		out:       make(chan Event),
		stopCh:    make(chan struct{}),
		reader:    r,
	}
	go s.pump()
	return s
}

// Events returns the channel subscribers read delivered events from.
func (s *Subscriber) Events() <-chan Event {
	return s.out
}

// Close unsubscribes: the pump goroutine exits and the subscriber is
// removed from its reader's fan-out set right away, so the reader stops
// delivering to it.
func (s *Subscriber) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.reader != nil {
			s.reader.removeSubscriber(s)
		}
	})
}

// pump drains the internal queue and blocks on handing each event to
// the consumer via the exported channel, so enqueue (called from the
// reader goroutine) never itself blocks on a slow consumer.
func (s *Subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
			case <-s.stopCh:
				return
			}
			s.mu.Lock()
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.stopCh:
			return
		}
	}
}

// enqueue applies the slow-consumer policy: Stdout is dropped oldest-
// first to make room; Header, Exit, Error, and Event frames are never
// dropped and may push the queue briefly over its soft capacity.
// Snapshot frames are coalesced — a newly queued snapshot replaces any
// snapshot still waiting in the queue, since only the latest matters.
func (s *Subscriber) enqueue(ev Event) {
	s.mu.Lock()

	if ev.Kind == KindSnapshot {
		s.replaceQueuedSnapshotLocked(ev)
		s.mu.Unlock()
		s.wake()
		return
	}

	if len(s.queue) >= maxSubscriberQueue {
		dropped := s.dropOldestOutputLocked()
		if !dropped && ev.Kind == KindOutput {
			// No victim to evict and the new frame is itself droppable:
			// the queue is saturated with non-droppable frames, so the
			// newest Stdout frame is the one that gets sacrificed.
			s.mu.Unlock()
			return
		}
	}

	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscriber) dropOldestOutputLocked() bool {
	for i, e := range s.queue {
		if e.Kind == KindOutput {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Subscriber) replaceQueuedSnapshotLocked(ev Event) {
	for i, e := range s.queue {
		if e.Kind == KindSnapshot {
			s.queue[i] = ev
			return
		}
	}
	s.queue = append(s.queue, ev)
}

// dueForSnapshot reports whether enough time has passed to emit another
// snapshot: at least SnapshotMinInterval since the last one, unless
// SnapshotMaxInterval has elapsed, which forces one through regardless
// of recent activity.
func (s *Subscriber) dueForSnapshot(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSnapshotAt.IsZero() {
		return true
	}
	elapsed := now.Sub(s.lastSnapshotAt)
	if s.opts.SnapshotMaxInterval > 0 && elapsed >= time.Duration(s.opts.SnapshotMaxInterval)*time.Millisecond {
		return true
	}
	return elapsed >= time.Duration(s.opts.SnapshotMinInterval)*time.Millisecond
}

func (s *Subscriber) markSnapshotSent(now time.Time) {
	s.mu.Lock()
	s.lastSnapshotAt = now
	s.mu.Unlock()
}

package scxml

import (
	"sort"
	"sync"
	"time"
)

// DelayScheduler delivers delayed <send> events at their scheduled instant.
// Entries are keyed by sendid for cancellation. A single worker goroutine
// waits for the earliest deadline, so deliveries happen in instant order
// with ties broken by submission order.
type DelayScheduler struct {
	clock Clock

	mu      sync.Mutex
	pending []*delayEntry
	byID    map[string][]*delayEntry
	seq     uint64
	stopped bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

type delayEntry struct {
	sendID  string
	when    time.Time
	seq     uint64
	event   *Event
	deliver func(*Event)
}

// NewDelayScheduler starts a scheduler over the given clock.
func NewDelayScheduler(clock Clock) *DelayScheduler {
	s := &DelayScheduler{
		clock: clock,
		byID:  make(map[string][]*delayEntry),
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Schedule registers ev for delivery after d through deliver. The same
// sendid may be scheduled more than once; Cancel revokes all of them.
func (s *DelayScheduler) Schedule(sendID string, d time.Duration, ev *Event, deliver func(*Event)) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.seq++
	e := &delayEntry{
		sendID:  sendID,
		when:    s.clock.Now().Add(d),
		seq:     s.seq,
		event:   ev,
		deliver: deliver,
	}
	s.pending = append(s.pending, e)
	sort.SliceStable(s.pending, func(i, j int) bool {
		if s.pending[i].when.Equal(s.pending[j].when) {
			return s.pending[i].seq < s.pending[j].seq
		}
		return s.pending[i].when.Before(s.pending[j].when)
	})
	s.byID[sendID] = append(s.byID[sendID], e)
	s.mu.Unlock()
	s.poke()
}

// Cancel revokes every pending delivery with the given sendid. Returns true
// if at least one entry was revoked.
func (s *DelayScheduler) Cancel(sendID string) bool {
	s.mu.Lock()
	entries := s.byID[sendID]
	if len(entries) == 0 {
		s.mu.Unlock()
		return false
	}
	delete(s.byID, sendID)
	removed := make(map[*delayEntry]bool, len(entries))
	for _, e := range entries {
		removed[e] = true
	}
	kept := s.pending[:0]
	for _, e := range s.pending {
		if !removed[e] {
			kept = append(kept, e)
		}
	}
	s.pending = kept
	s.mu.Unlock()
	s.poke()
	return true
}

// PendingIDs returns the sendids with undelivered entries.
func (s *DelayScheduler) PendingIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop revokes every outstanding timer and ends the worker.
func (s *DelayScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.pending = nil
	s.byID = make(map[string][]*delayEntry)
	s.mu.Unlock()
	close(s.quit)
	<-s.done
}

func (s *DelayScheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *DelayScheduler) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		if len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.quit:
				return
			}
		}
		next := s.pending[0].when
		d := next.Sub(s.clock.Now())
		s.mu.Unlock()
		if d > 0 {
			timer := s.clock.NewTimer(d)
			select {
			case <-timer.C():
			case <-s.wake:
				timer.Stop()
				continue
			case <-s.quit:
				timer.Stop()
				return
			}
		}
		s.dispatchDue()
	}
}

// dispatchDue delivers every entry whose instant has arrived, in order.
func (s *DelayScheduler) dispatchDue() {
	s.mu.Lock()
	now := s.clock.Now()
	var due []*delayEntry
	for len(s.pending) > 0 && !s.pending[0].when.After(now) {
		e := s.pending[0]
		s.pending = s.pending[1:]
		due = append(due, e)
		rest := s.byID[e.sendID][:0]
		for _, other := range s.byID[e.sendID] {
			if other != e {
				rest = append(rest, other)
			}
		}
		if len(rest) == 0 {
			delete(s.byID, e.sendID)
		} else {
			s.byID[e.sendID] = rest
		}
	}
	s.mu.Unlock()
	for _, e := range due {
		e.deliver(e.event)
	}
}

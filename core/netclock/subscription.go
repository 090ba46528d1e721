package netclock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// OffsetEvent reports a published network offset. Stale is set when no
// server is usable and Offset is the last known good value.
type OffsetEvent struct {
	RunID  string        `json:"runId"`
	Offset time.Duration `json:"offset"`
	Stale  bool          `json:"stale"`
	At     time.Time     `json:"at"`
}

// Subscription receives offset events on a bounded channel. When the
// channel is full the oldest event is dropped.
type Subscription struct {
	id  uuid.UUID
	clk *NetworkClock

	mu     sync.Mutex
	ch     chan OffsetEvent
	closed bool
}

func (s *Subscription) ID() string { return s.id.String() }

// C returns the event channel. It is closed by Cancel.
func (s *Subscription) C() <-chan OffsetEvent { return s.ch }

// Cancel unregisters the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.clk.unsubscribe(s.id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *Subscription) send(ev OffsetEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

package notify

import (
	"context"
	"sync"
)

// Recorder collects events in memory. It is the Publisher double the
// stage tests use to assert on emitted events.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

var _ Publisher = (*Recorder)(nil)

// Publish appends the event to the in-memory log.
func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)

	return nil
}

// Events returns a snapshot of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, len(r.events))
	copy(out, r.events)

	return out
}

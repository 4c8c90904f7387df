// Package schedule emits application-defined events at their due time.
// Events are held in a time-ordered collection shared between caller
// goroutines and the polling control loop; cancellation matches events
// by identity, so two events sharing a due time never collide.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrEventNotFound reports a cancel of an event that is not pending:
// already fired, already cancelled, or never scheduled.
var ErrEventNotFound = errors.New("schedule: event not found")

// pollInterval is the control loop's fixed poll granularity.
const pollInterval = 100 * time.Millisecond

// Producer is a deferred payload: evaluated at fire time, and a nil
// result suppresses the emission entirely.
type Producer func() any

// Handle identifies a scheduled event for cancellation. The identity
// token disambiguates events that share a due time.
type Handle struct {
	id  uuid.UUID
	due time.Time
}

// Due returns the event's due time.
func (h Handle) Due() time.Time { return h.due }

type event struct {
	due     time.Time
	id      uuid.UUID
	payload any
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithFiredFunc registers a callback invoked after each fired event.
func WithFiredFunc(fn func()) Option {
	return func(s *Scheduler) {
		s.onFired = fn
	}
}

// Scheduler owns the pending-event collection and the control loop
// that fires due events into the registered sink.
type Scheduler struct {
	mu      sync.Mutex
	pending []event

	sink    func(any)
	logger  *slog.Logger
	onFired func()
}

// New creates an idle Scheduler. Call OnFire to install the sink, then
// Run to start the control loop.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnFire installs the sink invoked for each fired event. May be
// changed at runtime; only events not yet fired are affected.
func (s *Scheduler) OnFire(fn func(any)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = fn
}

// At schedules a payload to emit at an absolute time. The payload may
// be a Producer, evaluated at fire time.
func (s *Scheduler) At(when time.Time, payload any) Handle {
	ev := event{due: when, id: uuid.New(), payload: payload}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Order-preserving insert: the collection is scanned every poll
	// tick but written comparatively rarely. Ties go after existing
	// events so equal due times fire in schedule order.
	i := sort.Search(len(s.pending), func(i int) bool {
		return s.pending[i].due.After(when)
	})
	s.pending = append(s.pending, event{})
	copy(s.pending[i+1:], s.pending[i:])
	s.pending[i] = ev

	return Handle{id: ev.id, due: ev.due}
}

// After schedules a payload to emit after a delay.
func (s *Scheduler) After(delay time.Duration, payload any) Handle {
	return s.At(time.Now().Add(delay), payload)
}

// Now schedules a payload to emit as soon as possible.
func (s *Scheduler) Now(payload any) Handle {
	return s.At(time.Now(), payload)
}

// Cancel removes a pending event. Returns ErrEventNotFound if the
// handle's event is no longer pending, including when other events
// share its due time. Safe to call from within a firing event's own
// sink invocation.
func (s *Scheduler) Cancel(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Find the due-time bucket, then walk it comparing identity.
	i := sort.Search(len(s.pending), func(i int) bool {
		return !s.pending[i].due.Before(h.due)
	})
	for ; i < len(s.pending) && s.pending[i].due.Equal(h.due); i++ {
		if s.pending[i].id == h.id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: due %s", ErrEventNotFound, h.due.Format(time.RFC3339Nano))
}

// Pending returns the number of events awaiting their due time.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Run starts the control loop: drain all due events, then sleep one
// poll interval. Blocks until ctx is cancelled. Sink failures are
// isolated; the loop always survives them.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		for {
			ev, ok := s.popDue(time.Now())
			if !ok {
				break
			}
			s.fire(ev)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// popDue removes and returns the earliest event if it is due.
func (s *Scheduler) popDue(now time.Time) (event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 || s.pending[0].due.After(now) {
		return event{}, false
	}
	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, true
}

// fire resolves the event payload and hands it to the sink. The sink
// runs outside the collection lock, so a fired event may schedule or
// cancel without deadlocking the loop.
func (s *Scheduler) fire(ev event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event sink panicked", "panic", r, "due", ev.due)
		}
	}()

	payload := ev.payload
	switch produce := payload.(type) {
	case Producer:
		payload = produce()
	case func() any:
		payload = produce()
	}
	if payload == nil {
		return
	}

	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		s.logger.Warn("dropping fired event, no sink installed", "due", ev.due)
		return
	}

	sink(payload)
	if s.onFired != nil {
		s.onFired()
	}
}

// Package order restores strict sequence order over an unordered,
// at-least-once stream of update envelopes. Premature arrivals are
// buffered for up to a configurable hold time; sequence ids that never
// arrive are skipped once that hold expires, so one lost update can
// never stall the stream. In-order arrivals pass through with no added
// latency.
package order

import (
	"context"
	"log/slog"
	"time"

	"github.com/lsm/relay/internal/update"
)

// DefaultMaxHold is how long a premature arrival may wait for a
// missing smaller sequence id before that id is permanently skipped.
const DefaultMaxHold = 3 * time.Second

const defaultQueueSize = 256

// slot is one position in the lookahead buffer: either a buffered
// out-of-order envelope, or a deadline marking "this id has not yet
// arrived and is skipped once the deadline passes".
type slot struct {
	filled bool
	env    update.Envelope
	expiry time.Time
}

// Option configures an Orderer.
type Option func(*Orderer)

// WithMaxHold sets the maximum wait for a missing sequence id.
func WithMaxHold(d time.Duration) Option {
	return func(o *Orderer) {
		if d > 0 {
			o.maxHold = d
		}
	}
}

// WithUnordered disables reordering entirely: every envelope is
// delivered immediately on receipt. For sources that already
// guarantee order.
func WithUnordered() Option {
	return func(o *Orderer) {
		o.unordered = true
	}
}

// WithQueueSize sets the input queue capacity.
func WithQueueSize(n int) Option {
	return func(o *Orderer) {
		if n > 0 {
			o.in = make(chan update.Envelope, n)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orderer) {
		o.logger = logger
	}
}

// WithSkipFunc registers a callback invoked with each sequence id that
// is permanently skipped.
func WithSkipFunc(fn func(seq int64)) Option {
	return func(o *Orderer) {
		o.onSkip = fn
	}
}

// WithDepthFunc registers a callback invoked with the buffer depth
// after every receive or timeout cycle.
func WithDepthFunc(fn func(depth int)) Option {
	return func(o *Orderer) {
		o.onDepth = fn
	}
}

// Orderer owns the reordering state. The buffer, last-delivered id and
// wait deadline are touched only by the Run goroutine; the input
// channel is the sole cross-goroutine hand-off.
type Orderer struct {
	in        chan update.Envelope
	deliver   func(update.Envelope)
	maxHold   time.Duration
	unordered bool
	logger    *slog.Logger
	onSkip    func(int64)
	onDepth   func(int)

	primed  bool
	lastSeq int64
	buf     []slot
}

// New creates an Orderer that hands in-order envelopes to deliver.
func New(deliver func(update.Envelope), opts ...Option) *Orderer {
	o := &Orderer{
		in:      make(chan update.Envelope, defaultQueueSize),
		deliver: deliver,
		maxHold: DefaultMaxHold,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Feed hands an envelope to the orderer. Blocks while the input queue
// is full.
func (o *Orderer) Feed(ctx context.Context, env update.Envelope) error {
	select {
	case o.in <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes the input queue and delivers envelopes in strictly
// increasing sequence order. Blocks until ctx is cancelled.
func (o *Orderer) Run(ctx context.Context) error {
	if o.unordered {
		for {
			select {
			case env := <-o.in:
				o.deliver(env)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		// Never wait past the front slot's deadline: buffered
		// envelopes behind an expired gap are due for release.
		var wakeup <-chan time.Time
		wait, bounded := o.nextWait()
		if bounded {
			timer.Reset(wait)
			wakeup = timer.C
		}

		fired := false
		select {
		case env := <-o.in:
			o.accept(env)
		case <-wakeup:
			fired = true
			o.flushExpired()
		case <-ctx.Done():
			return ctx.Err()
		}

		if bounded && !fired && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if o.onDepth != nil {
			o.onDepth(len(o.buf))
		}
	}
}

func (o *Orderer) accept(env update.Envelope) {
	switch seq := env.Seq; {
	case !o.primed:
		// First envelope of the session anchors the sequence.
		o.primed = true
		o.emit(env)

	case seq == o.lastSeq+1:
		o.emit(env)
		if len(o.buf) > 0 {
			// Slot 0 belonged to the id just delivered.
			o.buf = o.buf[1:]
			o.drainFront()
		}

	case seq > o.lastSeq+1:
		o.bufferPremature(env)

	default:
		o.logger.Debug("discarding stale update", "seq", seq, "last_delivered", o.lastSeq)
	}
}

func (o *Orderer) emit(env update.Envelope) {
	o.deliver(env)
	o.lastSeq = env.Seq
}

// drainFront delivers contiguous buffered envelopes from the front of
// the buffer, stopping at the first still-missing id.
func (o *Orderer) drainFront() {
	for len(o.buf) > 0 && o.buf[0].filled {
		o.emit(o.buf[0].env)
		o.buf = o.buf[1:]
	}
}

// bufferPremature places an envelope that skipped ahead of the stream.
// The buffer index for sequence id s is s-lastSeq-1; slot 0 always
// corresponds to lastSeq+1. Gaps opened by the placement are stamped
// with this arrival's hold deadline; deadlines stamped by earlier
// arrivals are left untouched.
func (o *Orderer) bufferPremature(env update.Envelope) {
	idx := int(env.Seq - o.lastSeq - 1)
	if idx < len(o.buf) {
		if o.buf[idx].filled {
			o.logger.Debug("discarding duplicate buffered update", "seq", env.Seq)
			return
		}
		o.buf[idx] = slot{filled: true, env: env}
		return
	}

	expiry := time.Now().Add(o.maxHold)
	for i := len(o.buf); i < idx; i++ {
		o.buf = append(o.buf, slot{expiry: expiry})
	}
	o.buf = append(o.buf, slot{filled: true, env: env})
}

// flushExpired releases what the buffer no longer has reason to hold:
// filled slots at the front are delivered, expired gaps are skipped by
// advancing past their ids. Stops at the first unexpired gap. A skip
// only advances lastSeq; the skipped id is never delivered afterwards.
func (o *Orderer) flushExpired() {
	now := time.Now()
	for len(o.buf) > 0 {
		front := o.buf[0]
		if front.filled {
			o.emit(front.env)
			o.buf = o.buf[1:]
			continue
		}
		if front.expiry.After(now) {
			return
		}
		o.lastSeq++
		o.buf = o.buf[1:]
		o.logger.Warn("skipping missing update", "seq", o.lastSeq, "max_hold", o.maxHold)
		if o.onSkip != nil {
			o.onSkip(o.lastSeq)
		}
	}
}

// nextWait returns the time until the front slot's deadline, clamped
// to non-negative. With an empty buffer there is no deadline and the
// orderer may wait indefinitely.
func (o *Orderer) nextWait() (time.Duration, bool) {
	if len(o.buf) == 0 {
		return 0, false
	}
	if o.buf[0].filled {
		return 0, true
	}
	wait := time.Until(o.buf[0].expiry)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

package order

import (
	"context"
	"testing"
	"time"

	"github.com/lsm/relay/internal/update"
)

func env(seq int64) update.Envelope {
	return update.Envelope{
		Seq:    seq,
		Update: update.Update{Kind: "message", Fields: map[string]any{"update_id": seq}},
	}
}

// startOrderer runs an Orderer in the background and returns it along
// with the delivery channel.
func startOrderer(t *testing.T, opts ...Option) (*Orderer, <-chan int64) {
	t.Helper()

	out := make(chan int64, 64)
	o := New(func(e update.Envelope) { out <- e.Seq }, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go o.Run(ctx)

	return o, out
}

func feed(t *testing.T, o *Orderer, seqs ...int64) {
	t.Helper()
	for _, seq := range seqs {
		if err := o.Feed(context.Background(), env(seq)); err != nil {
			t.Fatalf("Feed(%d): %v", seq, err)
		}
	}
}

func expectDelivered(t *testing.T, out <-chan int64, want ...int64) {
	t.Helper()
	for _, seq := range want {
		select {
		case got := <-out:
			if got != seq {
				t.Fatalf("delivered seq %d, want %d", got, seq)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for seq %d", seq)
		}
	}
}

func expectNothing(t *testing.T, out <-chan int64, wait time.Duration) {
	t.Helper()
	select {
	case got := <-out:
		t.Fatalf("unexpected delivery of seq %d", got)
	case <-time.After(wait):
	}
}

func TestInOrderPassThrough(t *testing.T) {
	o, out := startOrderer(t)

	feed(t, o, 1, 2, 3)
	expectDelivered(t, out, 1, 2, 3)
}

func TestFirstEnvelopeAnchorsSequence(t *testing.T) {
	o, out := startOrderer(t)

	// Arbitrary starting id: whatever arrives first defines the stream.
	feed(t, o, 41, 42, 43)
	expectDelivered(t, out, 41, 42, 43)
}

func TestReordersSingleGap(t *testing.T) {
	o, out := startOrderer(t)

	feed(t, o, 1, 3, 2)
	expectDelivered(t, out, 1, 2, 3)
}

func TestReordersBurst(t *testing.T) {
	o, out := startOrderer(t)

	feed(t, o, 5)
	expectDelivered(t, out, 5)

	feed(t, o, 8, 6, 7)
	expectDelivered(t, out, 6, 7, 8)
}

func TestHoldsPrematureUntilGapFills(t *testing.T) {
	o, out := startOrderer(t)

	feed(t, o, 1, 3)
	expectDelivered(t, out, 1)
	expectNothing(t, out, 50*time.Millisecond)

	feed(t, o, 2)
	expectDelivered(t, out, 2, 3)
}

func TestSkipsMissingAfterMaxHold(t *testing.T) {
	skipped := make(chan int64, 8)
	o, out := startOrderer(t,
		WithMaxHold(50*time.Millisecond),
		WithSkipFunc(func(seq int64) { skipped <- seq }),
	)

	feed(t, o, 1, 3)
	expectDelivered(t, out, 1)

	// Seq 2 never arrives: after the hold expires the buffered 3 is
	// released past it.
	expectDelivered(t, out, 3)

	select {
	case seq := <-skipped:
		if seq != 2 {
			t.Fatalf("skipped seq %d, want 2", seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for skip callback")
	}

	// A skip is permanent: the late arrival of 2 is stale now.
	feed(t, o, 2)
	expectNothing(t, out, 50*time.Millisecond)

	feed(t, o, 4)
	expectDelivered(t, out, 4)
}

func TestDuplicateDeliveredExactlyOnce(t *testing.T) {
	o, out := startOrderer(t)

	feed(t, o, 1, 2, 2, 3)
	expectDelivered(t, out, 1, 2, 3)
	expectNothing(t, out, 50*time.Millisecond)
}

func TestDuplicateBufferedArrivalDiscarded(t *testing.T) {
	o, out := startOrderer(t)

	feed(t, o, 1, 3, 3, 2)
	expectDelivered(t, out, 1, 2, 3)
	expectNothing(t, out, 50*time.Millisecond)
}

func TestIndependentHoldDeadlinesPerBurst(t *testing.T) {
	o, out := startOrderer(t, WithMaxHold(200*time.Millisecond))

	feed(t, o, 1, 3)
	expectDelivered(t, out, 1)

	// 5 arrives later, so the gap at 4 gets its own later deadline.
	time.Sleep(100 * time.Millisecond)
	feed(t, o, 5)

	// First deadline passes: 2 skipped, 3 released, 4 still held.
	expectDelivered(t, out, 3)
	expectNothing(t, out, 40*time.Millisecond)

	// Second deadline passes: 4 skipped, 5 released.
	expectDelivered(t, out, 5)
}

func TestUnorderedModeDeliversOnReceipt(t *testing.T) {
	o, out := startOrderer(t, WithUnordered())

	feed(t, o, 3, 1, 2)
	expectDelivered(t, out, 3, 1, 2)
}

func TestDepthCallback(t *testing.T) {
	depths := make(chan int, 64)
	o, out := startOrderer(t, WithDepthFunc(func(d int) { depths <- d }))

	feed(t, o, 1, 4)
	expectDelivered(t, out, 1)

	// After buffering seq 4 the buffer spans ids 2..4.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case d := <-depths:
			if d == 3 {
				return
			}
		case <-deadline:
			t.Fatal("never observed buffer depth 3")
		}
	}
}

func TestFeedHonorsContext(t *testing.T) {
	o := New(func(update.Envelope) {}, WithQueueSize(1))

	// Fill the queue; nothing is draining it.
	if err := o.Feed(context.Background(), env(1)); err != nil {
		t.Fatalf("Feed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := o.Feed(ctx, env(2)); err != context.Canceled {
		t.Fatalf("Feed with cancelled ctx: got %v, want context.Canceled", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	o := New(func(update.Envelope) {})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lsm/relay/internal/dlq"
	"github.com/lsm/relay/internal/route"
	"github.com/lsm/relay/internal/schedule"
	"github.com/lsm/relay/internal/source"
	"github.com/lsm/relay/internal/update"
)

// fakeSource replays a fixed set of raw envelopes, then blocks.
type fakeSource struct {
	events [][]byte

	mu     sync.Mutex
	closed bool
}

func (s *fakeSource) Start(ctx context.Context, handler func(context.Context, source.Event) error) error {
	for _, e := range s.events {
		if err := handler(ctx, source.Event{Value: e, Transport: "fake"}); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// fakePublisher records DLQ publishes.
type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	values [][]byte
}

func (p *fakePublisher) Publish(_ context.Context, topic string, _, value []byte, _ map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.values = append(p.values, value)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func rawMessage(seq int64) []byte {
	return []byte(fmt.Sprintf(`{"update_id": %d, "message": {"n": %d}}`, seq, seq))
}

// startGateway wires a gateway over the given source with a single
// message route that reports each dispatched update's n field.
func startGateway(t *testing.T, cfg Config, src source.Source, dlqHandler *dlq.Handler) (*Gateway, <-chan int64) {
	t.Helper()

	got := make(chan int64, 64)
	g := New(cfg, src, dlqHandler)
	g.SetRouter(route.New(route.ByKind(), route.Table{
		"message": func(u update.Update) {
			n, _ := u.Fields["n"].(float64)
			got <- int64(n)
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go g.Run(ctx)

	return g, got
}

func expectDispatched(t *testing.T, got <-chan int64, want ...int64) {
	t.Helper()
	for _, n := range want {
		select {
		case v := <-got:
			if v != n {
				t.Fatalf("dispatched %d, want %d", v, n)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d", n)
		}
	}
}

func TestOutOfOrderSourceDispatchedInOrder(t *testing.T) {
	src := &fakeSource{events: [][]byte{
		rawMessage(1),
		rawMessage(3),
		rawMessage(2),
	}}

	_, got := startGateway(t, Config{Name: "t"}, src, dlq.NewHandler(&dlq.NoopPublisher{}))
	expectDispatched(t, got, 1, 2, 3)
}

func TestUnorderedModeDispatchesOnReceipt(t *testing.T) {
	src := &fakeSource{events: [][]byte{
		rawMessage(3),
		rawMessage(1),
		rawMessage(2),
	}}

	_, got := startGateway(t, Config{Name: "t", Mode: "unordered"}, src, dlq.NewHandler(&dlq.NoopPublisher{}))
	expectDispatched(t, got, 3, 1, 2)
}

func TestMalformedEnvelopeSkippedAndDeadLettered(t *testing.T) {
	pub := &fakePublisher{}
	src := &fakeSource{events: [][]byte{
		rawMessage(1),
		[]byte(`this is not json`),
		rawMessage(2),
	}}

	_, got := startGateway(t, Config{Name: "t"}, src, dlq.NewHandler(pub))
	expectDispatched(t, got, 1, 2)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.topics) != 1 {
		t.Fatalf("DLQ publishes = %d, want 1", len(pub.topics))
	}
	if pub.topics[0] != "relay-dlq-t" {
		t.Errorf("DLQ topic = %q, want relay-dlq-t", pub.topics[0])
	}
	if string(pub.values[0]) != "this is not json" {
		t.Errorf("DLQ value = %q", pub.values[0])
	}
}

func TestScheduledEventsShareDispatchPath(t *testing.T) {
	got := make(chan int64, 64)
	g := New(Config{Name: "t"}, &fakeSource{}, dlq.NewHandler(&dlq.NoopPublisher{}))
	g.SetRouter(route.New(route.ByKind(), route.Table{
		"message": func(u update.Update) {
			n, _ := u.Fields["n"].(float64)
			got <- int64(n)
		},
	}))

	s := schedule.New()
	g.AttachScheduler(s)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go g.Run(ctx)
	go s.Run(ctx)

	// Retry until Run has installed the OnFire sink; an event fired
	// before that is dropped, not queued.
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.Now(update.Update{Kind: "message", Fields: map[string]any{"n": float64(42)}})
		select {
		case v := <-got:
			if v != 42 {
				t.Fatalf("dispatched %d, want 42", v)
			}
			return
		case <-time.After(100 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatal("scheduled event never dispatched")
			}
		}
	}
}

func TestSchedulerMapPayloadCoerced(t *testing.T) {
	u, ok := coerceUpdate(map[string]any{
		"kind":    "message",
		"payload": map[string]any{"text": "hi"},
	})
	if !ok || u.Kind != "message" {
		t.Fatalf("coerceUpdate: got (%+v, %v)", u, ok)
	}

	// A map without a recognizable shape still dispatches, tagged as a
	// bare event.
	u, ok = coerceUpdate(map[string]any{"custom": true})
	if !ok || u.Kind != "event" {
		t.Fatalf("coerceUpdate: got (%+v, %v)", u, ok)
	}

	if _, ok := coerceUpdate(42); ok {
		t.Fatal("coerceUpdate accepted an int")
	}
}

func TestSinkHandlerEncodesCloudEvent(t *testing.T) {
	delivered := make(chan []byte, 1)
	g := New(Config{Name: "gw"}, &fakeSource{}, nil)

	h := g.SinkHandler(&fakeSink{delivered: delivered})
	h(update.Update{Kind: "message", Fields: map[string]any{"text": "out"}})

	select {
	case body := <-delivered:
		var obj map[string]any
		if err := json.Unmarshal(body, &obj); err != nil {
			t.Fatalf("delivered body is not JSON: %v", err)
		}
		if obj["type"] != "relay.update.message" {
			t.Errorf("type = %v", obj["type"])
		}
		if obj["source"] != "relay/gw" {
			t.Errorf("source = %v", obj["source"])
		}
	case <-time.After(time.Second):
		t.Fatal("sink never received the update")
	}
}

func TestSetRouterConcurrentWithDispatch(t *testing.T) {
	g := New(Config{Name: "t"}, &fakeSource{}, dlq.NewHandler(&dlq.NoopPublisher{}))
	g.SetRouter(route.New(route.ByKind(), route.Table{
		"message": func(update.Update) {},
	}))

	u := update.Update{Kind: "message", Fields: map[string]any{"n": float64(1)}}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			g.SetRouter(route.New(route.ByKind(), route.Table{
				"message": func(update.Update) {},
			}))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if err := g.dispatch(u); err != nil {
				t.Errorf("dispatch: %v", err)
				return
			}
		}
	}()
	wg.Wait()
}

func TestShutdownClosesSource(t *testing.T) {
	src := &fakeSource{}
	g := New(Config{Name: "t"}, src, dlq.NewHandler(&dlq.NoopPublisher{}))

	if err := g.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if !src.closed {
		t.Fatal("source not closed")
	}
}

type fakeSink struct {
	delivered chan []byte
}

func (s *fakeSink) Deliver(_ context.Context, body []byte, _ map[string]string) error {
	s.delivered <- body
	return nil
}

func (s *fakeSink) Close() error { return nil }

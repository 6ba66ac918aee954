package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"masterflow/api/internal/flow"
)

func sampleTransition() flow.Transition {
	return flow.Transition{
		TenantID:        "acme",
		DocumentID:      "doc-1",
		Title:           "Purchase order",
		Event:           flow.EventAdvance,
		From:            flow.State{Phase: flow.PhaseStepActive, Step: 1},
		To:              flow.State{Phase: flow.PhaseStepActive, Step: 2},
		AffectedUserIDs: []string{"d1", "d2"},
		At:              time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func setupPublisher(t *testing.T) (*RedisPublisher, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	publisher, err := NewRedisPublisher("redis://"+s.Addr(), "")
	if err != nil {
		t.Fatalf("NewRedisPublisher() error = %v", err)
	}
	t.Cleanup(func() { _ = publisher.Close() })
	return publisher, s
}

func TestNewRedisPublisherBadURL(t *testing.T) {
	if _, err := NewRedisPublisher("not-a-url", ""); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRedisPublisherPublishesAndKeepsHistory(t *testing.T) {
	publisher, s := setupPublisher(t)
	ctx := context.Background()

	sub := publisher.client.Subscribe(ctx, publisher.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := publisher.Notify(ctx, sampleTransition()); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	receiveCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(receiveCtx)
	if err != nil {
		t.Fatalf("ReceiveMessage() error = %v", err)
	}
	if msg.Channel != defaultChannel {
		t.Fatalf("expected channel %s, got %s", defaultChannel, msg.Channel)
	}
	var payload message
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.From != "step_active(1)" || payload.To != "step_active(2)" || payload.Event != "advance" || len(payload.AffectedUserIDs) != 2 {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	recent, err := publisher.Recent(ctx, "acme", "doc-1", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 1 || recent[0]["document_id"] != "doc-1" {
		t.Fatalf("unexpected history: %+v", recent)
	}
	if ttl := s.TTL(historyPrefix + "acme:doc-1"); ttl <= 0 {
		t.Fatalf("expected history key to expire, ttl=%v", ttl)
	}
}

func TestRedisPublisherTrimsHistory(t *testing.T) {
	publisher, _ := setupPublisher(t)
	ctx := context.Background()
	for i := 0; i < historyLimit+5; i++ {
		if err := publisher.Notify(ctx, sampleTransition()); err != nil {
			t.Fatalf("Notify() error = %v", err)
		}
	}
	recent, err := publisher.Recent(ctx, "acme", "doc-1", 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != historyLimit {
		t.Fatalf("expected history capped at %d, got %d", historyLimit, len(recent))
	}
}

func TestRedisPublisherFailsWhenRedisIsDown(t *testing.T) {
	publisher, s := setupPublisher(t)
	s.SetError("LOADING redis is loading")
	if err := publisher.Notify(context.Background(), sampleTransition()); err == nil {
		t.Fatal("expected publish error with redis down")
	}
}

type countingNotifier struct {
	calls atomic.Int32
	err   error
	delay time.Duration
}

func (n *countingNotifier) Notify(ctx context.Context, _ flow.Transition) error {
	if n.delay > 0 {
		select {
		case <-time.After(n.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.calls.Add(1)
	return n.err
}

func TestFanoutDeliversToEverySink(t *testing.T) {
	failure := errors.New("smtp down")
	ok := &countingNotifier{}
	bad := &countingNotifier{err: failure}
	err := Fanout{ok, bad, Log{}}.Notify(context.Background(), sampleTransition())
	if !errors.Is(err, failure) {
		t.Fatalf("expected joined failure, got %v", err)
	}
	if ok.calls.Load() != 1 || bad.calls.Load() != 1 {
		t.Fatalf("expected every sink to be called once, got %d/%d", ok.calls.Load(), bad.calls.Load())
	}
	if err := (Fanout{}).Notify(context.Background(), sampleTransition()); err != nil {
		t.Fatalf("expected empty fanout to succeed, got %v", err)
	}
}

func TestFanoutJoinsEveryFailure(t *testing.T) {
	smtpDown := errors.New("smtp down")
	redisDown := errors.New("redis down")
	err := Fanout{&countingNotifier{err: smtpDown}, &countingNotifier{}, &countingNotifier{err: redisDown}}.Notify(context.Background(), sampleTransition())
	if !errors.Is(err, smtpDown) || !errors.Is(err, redisDown) {
		t.Fatalf("expected both failures, got %v", err)
	}
}

func TestAsyncDeliversInBackgroundAndDrains(t *testing.T) {
	next := &countingNotifier{delay: 20 * time.Millisecond, err: errors.New("ignored")}
	async := NewAsync(next, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := async.Notify(ctx, sampleTransition()); err != nil {
				t.Errorf("Notify() error = %v", err)
			}
		}()
	}
	wg.Wait()
	// Request contexts end before delivery; deliveries must not be cut short.
	cancel()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer closeCancel()
	if err := async.Close(closeCtx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := next.calls.Load(); got != 3 {
		t.Fatalf("expected 3 deliveries, got %d", got)
	}

	if err := async.Notify(context.Background(), sampleTransition()); err != nil {
		t.Fatalf("Notify() after close error = %v", err)
	}
	if got := next.calls.Load(); got != 3 {
		t.Fatalf("expected no delivery after close, got %d", got)
	}
}

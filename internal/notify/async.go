package notify

import (
	"context"
	"log"
	"sync"
	"time"

	"masterflow/api/internal/flow"
)

// Async hands transitions to the wrapped notifier in the background so the
// request that committed them returns immediately. Close waits for in-flight
// deliveries.
type Async struct {
	next    flow.Notifier
	timeout time.Duration
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

func NewAsync(next flow.Notifier, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Async{next: next, timeout: timeout}
}

func (a *Async) Notify(ctx context.Context, transition flow.Transition) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		log.Printf("notify: dropped %s %s -> %s after shutdown", transition.DocumentID, transition.From, transition.To)
		return nil
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		deliverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		if err := a.next.Notify(deliverCtx, transition); err != nil {
			log.Printf("notify: deliver %s %s -> %s failed: %v", transition.DocumentID, transition.From, transition.To, err)
		}
	}()
	return nil
}

// Close stops accepting transitions and waits for pending deliveries or ctx.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

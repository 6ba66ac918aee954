package notify

import (
	"context"
	"errors"
	"log"

	"golang.org/x/sync/errgroup"

	"masterflow/api/internal/flow"
)

// Fanout delivers a transition to every notifier concurrently. One failing
// sink does not stop the others; their errors are joined.
type Fanout []flow.Notifier

func (f Fanout) Notify(ctx context.Context, transition flow.Transition) error {
	// A plain Group does not cancel siblings, so every sink runs.
	var g errgroup.Group
	errs := make([]error, len(f))
	for i, notifier := range f {
		g.Go(func() error {
			errs[i] = notifier.Notify(ctx, transition)
			return errs[i]
		})
	}
	if err := g.Wait(); err == nil {
		return nil
	}
	return errors.Join(errs...)
}

// Log writes transitions to the process log. It is the fallback sink when
// nothing else is configured.
type Log struct{}

func (Log) Notify(_ context.Context, transition flow.Transition) error {
	log.Printf("notify: %s/%s %s -> %s (%s) users=%v",
		transition.TenantID, transition.DocumentID, transition.From, transition.To, transition.Event, transition.AffectedUserIDs)
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"masterflow/api/internal/quorum"
)

func seedDocument(t *testing.T, s *MemoryStore) Document {
	t.Helper()
	doc := Document{ID: "doc-1", TenantID: "acme", Title: "Purchase order", OwnerID: "owner", State: "draft"}
	if err := s.InsertDocument(context.Background(), doc); err != nil {
		t.Fatalf("InsertDocument() error = %v", err)
	}
	return doc
}

func TestMemoryStoreCommitsOnlyOnSuccess(t *testing.T) {
	s := NewMemoryStore(0)
	seedDocument(t, s)
	ctx := context.Background()

	failure := errors.New("boom")
	err := s.WithDocumentLock(ctx, "acme", "doc-1", func(tx Tx) error {
		if _, err := tx.CreateRecordsForStep(ctx, "s1", []Member{{Approver: Approver{UserID: "alice"}}}); err != nil {
			return err
		}
		doc, _ := tx.GetDocument(ctx)
		doc.State = "step_active"
		if err := tx.UpdateDocument(ctx, doc); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("expected callback error, got %v", err)
	}
	records, _ := s.ListApprovalRecords(ctx, "acme", "doc-1")
	if len(records) != 0 {
		t.Fatalf("expected rollback to discard records, got %d", len(records))
	}
	doc, _ := s.GetDocument(ctx, "acme", "doc-1")
	if doc.State != "draft" {
		t.Fatalf("expected state draft after rollback, got %q", doc.State)
	}

	err = s.WithDocumentLock(ctx, "acme", "doc-1", func(tx Tx) error {
		created, err := tx.CreateRecordsForStep(ctx, "s1", []Member{
			{Approver: Approver{UserID: "alice"}, GroupKey: "s1:legal", Policy: quorum.PolicyAnyOne},
			{Approver: Approver{Email: "bob@example.com"}, GroupKey: "s1:legal", Policy: quorum.PolicyAnyOne},
		})
		if err != nil {
			return err
		}
		if err := tx.SaveDecision(ctx, created[0].ID, Decision{Status: quorum.StatusApproved, DecidedAt: time.Now()}); err != nil {
			return err
		}
		return tx.InsertAuditEvent(ctx, AuditEvent{EventType: "decision.recorded", ActorID: "alice"})
	})
	if err != nil {
		t.Fatalf("WithDocumentLock() error = %v", err)
	}

	group, _ := s.ListGroupRecords(ctx, "acme", "doc-1", "s1:legal")
	if len(group) != 2 {
		t.Fatalf("expected 2 group records, got %d", len(group))
	}
	if group[0].Status != quorum.StatusApproved || group[0].DecidedAt == nil {
		t.Fatalf("expected first record approved, got %+v", group[0])
	}
	events, _ := s.ListAuditEvents(ctx, "acme", "doc-1")
	if len(events) != 1 || events[0].ID != 1 || events[0].DocumentID != "doc-1" {
		t.Fatalf("unexpected audit events: %+v", events)
	}
}

func TestMemoryStoreSaveDecisionIsWriteOnce(t *testing.T) {
	s := NewMemoryStore(0)
	seedDocument(t, s)
	ctx := context.Background()

	err := s.WithDocumentLock(ctx, "acme", "doc-1", func(tx Tx) error {
		created, err := tx.CreateRecordsForStep(ctx, "s1", []Member{{Approver: Approver{UserID: "alice"}}})
		if err != nil {
			return err
		}
		if err := tx.SaveDecision(ctx, created[0].ID, Decision{Status: quorum.StatusRejected}); err != nil {
			return err
		}
		if err := tx.SaveDecision(ctx, created[0].ID, Decision{Status: quorum.StatusApproved}); err == nil {
			t.Fatal("expected second decision to fail")
		}
		if err := tx.SaveDecision(ctx, "missing", Decision{Status: quorum.StatusApproved}); !errors.Is(err, sql.ErrNoRows) {
			t.Fatalf("expected sql.ErrNoRows for unknown record, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithDocumentLock() error = %v", err)
	}
}

func TestMemoryStoreLockHonoursContext(t *testing.T) {
	s := NewMemoryStore(0)
	seedDocument(t, s)

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithDocumentLock(context.Background(), "acme", "doc-1", func(Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.WithDocumentLock(ctx, "acme", "doc-1", func(Tx) error {
		t.Fatal("callback must not run without the lock")
		return nil
	})
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("holder error = %v", err)
	}
}

func TestMemoryStoreLockUnknownDocument(t *testing.T) {
	s := NewMemoryStore(0)
	err := s.WithDocumentLock(context.Background(), "acme", "nope", func(Tx) error { return nil })
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestMemoryStoreTenantIsolationAndInbox(t *testing.T) {
	s := NewMemoryStore(0)
	seedDocument(t, s)
	ctx := context.Background()
	if err := s.InsertDocument(ctx, Document{ID: "doc-1", TenantID: "globex", State: "draft"}); err != nil {
		t.Fatalf("InsertDocument() error = %v", err)
	}

	for _, tenant := range []string{"acme", "globex"} {
		err := s.WithDocumentLock(ctx, tenant, "doc-1", func(tx Tx) error {
			_, err := tx.CreateRecordsForStep(ctx, "s1", []Member{{Approver: Approver{UserID: "alice", Email: "alice@example.com"}}})
			return err
		})
		if err != nil {
			t.Fatalf("WithDocumentLock(%s) error = %v", tenant, err)
		}
	}

	inbox, err := s.ListPendingForApprover(ctx, "acme", "alice@example.com")
	if err != nil {
		t.Fatalf("ListPendingForApprover() error = %v", err)
	}
	if len(inbox) != 1 || inbox[0].TenantID != "acme" {
		t.Fatalf("expected one acme record, got %+v", inbox)
	}
	if _, err := s.GetDocument(ctx, "initech", "doc-1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for other tenant, got %v", err)
	}
}

func TestMemoryStoreStepsForFlowAreOrderedCopies(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	flow := Masterflow{
		ID:       "purchase",
		TenantID: "acme",
		Name:     "Purchase",
		Steps: []Step{
			{ID: "finance", Order: 2, Required: true, Approvers: []Approver{{UserID: "carol"}}},
			{ID: "manager", Order: 1, Required: true, Approvers: []Approver{{UserID: "alice"}}},
		},
	}
	if err := s.UpsertMasterflow(ctx, flow); err != nil {
		t.Fatalf("UpsertMasterflow() error = %v", err)
	}

	steps, err := s.StepsForFlow(ctx, "acme", "purchase")
	if err != nil {
		t.Fatalf("StepsForFlow() error = %v", err)
	}
	if steps[0].ID != "manager" || steps[1].ID != "finance" {
		t.Fatalf("expected steps ordered by Order, got %s,%s", steps[0].ID, steps[1].ID)
	}

	steps[0].Approvers[0].UserID = "mallory"
	again, _ := s.StepsForFlow(ctx, "acme", "purchase")
	if again[0].Approvers[0].UserID != "alice" {
		t.Fatal("expected stored template to be unaffected by caller mutation")
	}

	if _, err := s.StepsForFlow(ctx, "acme", "missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestMemoryStoreLockTimeout(t *testing.T) {
	s := NewMemoryStore(20 * time.Millisecond)
	seedDocument(t, s)

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithDocumentLock(context.Background(), "acme", "doc-1", func(Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	started := time.Now()
	err := s.WithDocumentLock(context.Background(), "acme", "doc-1", func(Tx) error {
		t.Fatal("callback must not run without the lock")
		return nil
	})
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if waited := time.Since(started); waited > time.Second {
		t.Fatalf("lock wait should stop after the lock timeout, waited %s", waited)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("holder error = %v", err)
	}
}

func TestMemoryStoreEmailDirectory(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	if got, err := s.EmailFor(ctx, "acme", "olga"); err != nil || got != "" {
		t.Fatalf("unknown user: got %q, %v", got, err)
	}
	if err := s.RememberEmail(ctx, "acme", "olga", "olga@acme.test"); err != nil {
		t.Fatalf("RememberEmail() error = %v", err)
	}
	if err := s.RememberEmail(ctx, "acme", "olga", "olga@new.acme.test"); err != nil {
		t.Fatalf("RememberEmail() error = %v", err)
	}
	if got, _ := s.EmailFor(ctx, "acme", "olga"); got != "olga@new.acme.test" {
		t.Fatalf("expected latest address, got %q", got)
	}
	if got, _ := s.EmailFor(ctx, "globex", "olga"); got != "" {
		t.Fatalf("directory must be tenant scoped, got %q", got)
	}
}

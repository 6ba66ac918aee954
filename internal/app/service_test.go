package app

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"masterflow/api/internal/config"
	"masterflow/api/internal/export"
	"masterflow/api/internal/flow"
	"masterflow/api/internal/quorum"
	"masterflow/api/internal/rbac"
	"masterflow/api/internal/store"
)

const (
	testTenant = "acme"
	testSecret = "test-secret"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func reviewFlow() store.Masterflow {
	return store.Masterflow{
		ID:       "review",
		TenantID: testTenant,
		Name:     "Contract review",
		Steps: []store.Step{
			{ID: "review", Order: 1, Name: "Review", Required: true,
				Approvers: []store.Approver{{UserID: "dana"}},
				Groups: []store.StepGroup{{
					Name:    "legal",
					Policy:  quorum.PolicyAnyOne,
					Members: []store.Approver{{Email: "dana@acme.test"}, {UserID: "erin"}},
				}},
			},
		},
	}
}

type fakeHistory struct {
	recentFn func(context.Context, string, string, int) ([]map[string]any, error)
}

func (f *fakeHistory) Recent(ctx context.Context, tenantID, documentID string, limit int) ([]map[string]any, error) {
	if f.recentFn != nil {
		return f.recentFn(ctx, tenantID, documentID, limit)
	}
	return []map[string]any{}, nil
}

func newTestService(t *testing.T, opts Options) (*Service, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore(0)
	if err := mem.UpsertMasterflow(context.Background(), reviewFlow()); err != nil {
		t.Fatalf("UpsertMasterflow() error = %v", err)
	}
	controller := flow.NewController(mem, mem, flow.Options{Timeout: time.Second, Now: func() time.Time { return testNow }})
	cfg := config.Config{JWTSecret: testSecret}
	return New(cfg, mem, controller, opts), mem
}

func session(userID string, role rbac.Role) Session {
	return Session{UserID: userID, UserName: userID, TenantID: testTenant, Role: role}
}

func expectDomainStatus(t *testing.T, err error, status int, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError %s, got %v", code, err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("expected %d %s, got %d %s", status, code, domainErr.Status, domainErr.Code)
	}
}

func TestServiceAuthorizesByRole(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	_, err := svc.CreateDocument(ctx, session("vic", rbac.RoleViewer), CreateDocumentInput{Title: "NDA", FlowID: "review"})
	expectDomainStatus(t, err, http.StatusForbidden, "FORBIDDEN")

	_, err = svc.CreateDocument(ctx, session("erin", rbac.RoleApprover), CreateDocumentInput{Title: "NDA", FlowID: "review"})
	expectDomainStatus(t, err, http.StatusForbidden, "FORBIDDEN")

	_, err = svc.Decide(ctx, session("vic", rbac.RoleViewer), "doc", "rec", DecisionRequest{Status: "approved"})
	expectDomainStatus(t, err, http.StatusForbidden, "FORBIDDEN")

	_, err = svc.SaveMasterflow(ctx, session("olga", rbac.RoleAuthor), "review", []byte("id: review"))
	expectDomainStatus(t, err, http.StatusForbidden, "FORBIDDEN")

	doc, err := svc.CreateDocument(ctx, session("olga", rbac.RoleAuthor), CreateDocumentInput{Title: "  NDA  ", FlowID: "review"})
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	if doc.OwnerID != "olga" || doc.Title != "NDA" || doc.TenantID != testTenant {
		t.Fatalf("unexpected document: %+v", doc)
	}
}

func TestServiceDecisionFlowAndInbox(t *testing.T) {
	svc, mem := newTestService(t, Options{})
	ctx := context.Background()
	owner := session("olga", rbac.RoleAuthor)

	doc, err := svc.CreateDocument(ctx, owner, CreateDocumentInput{Title: "Supplier contract", FlowID: "review"})
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	if _, err := svc.SubmitDocument(ctx, owner, doc.ID); err != nil {
		t.Fatalf("SubmitDocument() error = %v", err)
	}

	dana := Session{UserID: "dana", Email: "dana@acme.test", TenantID: testTenant, Role: rbac.RoleApprover}
	inbox, err := svc.Inbox(ctx, dana)
	if err != nil {
		t.Fatalf("Inbox() error = %v", err)
	}
	if len(inbox) != 2 {
		t.Fatalf("expected records under both identities, got %d", len(inbox))
	}

	var legalRecord store.ApprovalRecord
	for _, item := range inbox {
		if item.Record.GroupKey == flow.GroupKey("review", "legal") {
			legalRecord = item.Record
		}
	}
	if legalRecord.ID == "" {
		t.Fatal("expected legal group record in inbox")
	}
	state, err := svc.Decide(ctx, dana, doc.ID, legalRecord.ID, DecisionRequest{Status: " Approved ", Comment: "ok"})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if state.Phase != flow.PhaseStepActive {
		t.Fatalf("step still waits for dana's own record, got %s", state.Phase)
	}

	inbox, err = svc.Inbox(ctx, dana)
	if err != nil {
		t.Fatalf("Inbox() error = %v", err)
	}
	if len(inbox) != 1 || inbox[0].Record.ApproverID != "dana" {
		t.Fatalf("expected only the direct record left, got %+v", inbox)
	}
	state, err = svc.Decide(ctx, dana, doc.ID, inbox[0].Record.ID, DecisionRequest{Status: "approved"})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if state.Phase != flow.PhaseApproved {
		t.Fatalf("expected approved, got %s", state.Phase)
	}

	events, err := svc.AuditTrail(ctx, session("vic", rbac.RoleViewer), doc.ID)
	if err != nil {
		t.Fatalf("AuditTrail() error = %v", err)
	}
	stored, _ := mem.ListAuditEvents(ctx, testTenant, doc.ID)
	if len(events) == 0 || len(events) != len(stored) {
		t.Fatalf("expected full audit trail, got %d of %d", len(events), len(stored))
	}
}

func TestServiceAuditTrailUnknownDocument(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	_, err := svc.AuditTrail(context.Background(), session("vic", rbac.RoleViewer), "doc_missing")
	if !errors.Is(err, flow.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestServiceSaveMasterflow(t *testing.T) {
	svc, mem := newTestService(t, Options{})
	ctx := context.Background()
	admin := session("root", rbac.RoleAdmin)

	body := []byte(`
id: expenses
tenant: globex
steps:
  - id: finance
    approvers:
      - user: fin
`)
	saved, err := svc.SaveMasterflow(ctx, admin, "expenses", body)
	if err != nil {
		t.Fatalf("SaveMasterflow() error = %v", err)
	}
	if saved.TenantID != testTenant {
		t.Fatalf("flow must land in the caller's tenant, got %s", saved.TenantID)
	}
	flows, _ := mem.ListMasterflows(ctx, testTenant)
	if len(flows) != 2 {
		t.Fatalf("expected 2 flows for tenant, got %d", len(flows))
	}

	_, err = svc.SaveMasterflow(ctx, admin, "other", body)
	expectDomainStatus(t, err, http.StatusUnprocessableEntity, "INVALID_MASTERFLOW")

	_, err = svc.SaveMasterflow(ctx, admin, "expenses", []byte("id: expenses\nsteps: []\n"))
	expectDomainStatus(t, err, http.StatusUnprocessableEntity, "INVALID_MASTERFLOW")
}

func TestServiceOptionalIntegrations(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()
	viewer := session("vic", rbac.RoleViewer)

	_, err := svc.Transitions(ctx, viewer, "doc", 10)
	expectDomainStatus(t, err, http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE")

	_, err = svc.Certificate(ctx, session("erin", rbac.RoleApprover), "doc", export.FormatHTML)
	expectDomainStatus(t, err, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE")

	_, err = svc.Certificate(ctx, viewer, "doc", export.FormatHTML)
	expectDomainStatus(t, err, http.StatusForbidden, "FORBIDDEN")
}

func TestServiceTransitionsScopedToTenant(t *testing.T) {
	var gotTenant, gotDocument string
	var gotLimit int
	history := &fakeHistory{recentFn: func(_ context.Context, tenantID, documentID string, limit int) ([]map[string]any, error) {
		gotTenant, gotDocument, gotLimit = tenantID, documentID, limit
		return []map[string]any{{"event": "submit"}}, nil
	}}
	svc, _ := newTestService(t, Options{History: history})
	ctx := context.Background()
	owner := session("olga", rbac.RoleAuthor)
	doc, err := svc.CreateDocument(ctx, owner, CreateDocumentInput{Title: "NDA", FlowID: "review"})
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}

	items, err := svc.Transitions(ctx, owner, doc.ID, 5)
	if err != nil {
		t.Fatalf("Transitions() error = %v", err)
	}
	if len(items) != 1 || gotTenant != testTenant || gotDocument != doc.ID || gotLimit != 5 {
		t.Fatalf("unexpected history call: %s %s %d", gotTenant, gotDocument, gotLimit)
	}

	other := Session{UserID: "olga", TenantID: "globex", Role: rbac.RoleAuthor}
	if _, err := svc.Transitions(ctx, other, doc.ID, 5); !errors.Is(err, flow.ErrNotFound) {
		t.Fatalf("expected not found across tenants, got %v", err)
	}
}

type countingDirectory struct {
	*store.MemoryStore
	writes int
	err    error
}

func (d *countingDirectory) RememberEmail(ctx context.Context, tenantID, userID, email string) error {
	d.writes++
	if d.err != nil {
		return d.err
	}
	return d.MemoryStore.RememberEmail(ctx, tenantID, userID, email)
}

func TestServiceSessionRemembersEmail(t *testing.T) {
	mem := store.NewMemoryStore(0)
	dir := &countingDirectory{MemoryStore: mem}
	svc := New(config.Config{JWTSecret: testSecret}, mem, nil, Options{Directory: dir})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.SessionFromToken(ctx, issue(t, "olga", "author", "olga@acme.test")); err != nil {
			t.Fatalf("SessionFromToken() error = %v", err)
		}
	}
	if got, _ := mem.EmailFor(ctx, testTenant, "olga"); got != "olga@acme.test" {
		t.Fatalf("expected remembered email, got %q", got)
	}
	if dir.writes != 1 {
		t.Fatalf("expected a single directory write for repeated sessions, got %d", dir.writes)
	}

	if _, err := svc.SessionFromToken(ctx, issue(t, "olga", "author", "olga@new.acme.test")); err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	if got, _ := mem.EmailFor(ctx, testTenant, "olga"); got != "olga@new.acme.test" || dir.writes != 2 {
		t.Fatalf("expected changed email to be written, got %q after %d writes", got, dir.writes)
	}

	if _, err := svc.SessionFromToken(ctx, issue(t, "erin", "approver", "")); err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	if dir.writes != 2 {
		t.Fatalf("token without email should not touch the directory, got %d writes", dir.writes)
	}
}

func TestServiceSessionSurvivesDirectoryFailure(t *testing.T) {
	mem := store.NewMemoryStore(0)
	dir := &countingDirectory{MemoryStore: mem, err: errors.New("directory down")}
	svc := New(config.Config{JWTSecret: testSecret}, mem, nil, Options{Directory: dir})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		session, err := svc.SessionFromToken(ctx, issue(t, "olga", "author", "olga@acme.test"))
		if err != nil {
			t.Fatalf("SessionFromToken() error = %v", err)
		}
		if session.Email != "olga@acme.test" {
			t.Fatalf("unexpected session: %+v", session)
		}
	}
	if dir.writes != 2 {
		t.Fatalf("failed writes should be retried on the next session, got %d", dir.writes)
	}
}

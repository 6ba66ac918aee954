package app

import (
	"context"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"masterflow/api/internal/auth"
	"masterflow/api/internal/config"
	"masterflow/api/internal/export"
	"masterflow/api/internal/flow"
	"masterflow/api/internal/masterflow"
	"masterflow/api/internal/quorum"
	"masterflow/api/internal/rbac"
	"masterflow/api/internal/store"
)

type Session struct {
	UserID    string
	UserName  string
	Email     string
	TenantID  string
	Role      rbac.Role
	ExpiresAt time.Time
}

type CreateDocumentInput struct {
	Title     string           `json:"title"`
	FlowID    string           `json:"flowId"`
	Approvers []store.Approver `json:"approvers"`
}

type DecisionRequest struct {
	Status  string `json:"status"`
	Reason  string `json:"reason"`
	Comment string `json:"comment"`
}

type dataStore interface {
	Ping(ctx context.Context) error
	ListMasterflows(ctx context.Context, tenantID string) ([]store.Masterflow, error)
	UpsertMasterflow(ctx context.Context, flow store.Masterflow) error
	ListAuditEvents(ctx context.Context, tenantID, documentID string) ([]store.AuditEvent, error)
}

type approvals interface {
	Create(ctx context.Context, tenantID string, input flow.CreateInput) (store.Document, error)
	Submit(ctx context.Context, tenantID, documentID, actorID string) (flow.DocumentState, error)
	Cancel(ctx context.Context, tenantID, documentID, actorID string) (flow.DocumentState, error)
	RecordDecision(ctx context.Context, tenantID string, input flow.DecisionInput) (flow.DocumentState, error)
	GetDocumentState(ctx context.Context, tenantID, documentID string) (flow.DocumentState, error)
	EvaluateGroup(ctx context.Context, tenantID, documentID, groupKey string) (flow.GroupResult, error)
	EvaluateStep(ctx context.Context, tenantID, documentID, stepID string) (flow.StepResult, error)
	EvaluateAllGroups(ctx context.Context, tenantID, documentID string) (map[string]flow.GroupResult, error)
	PendingFor(ctx context.Context, tenantID, approver string) ([]flow.InboxItem, error)
}

type certificates interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

// directory learns user addresses from token email claims so notifications
// can reach owners and approvers referenced by user id.
type directory interface {
	RememberEmail(ctx context.Context, tenantID, userID, email string) error
}

type transitionLog interface {
	Recent(ctx context.Context, tenantID, documentID string, limit int) ([]map[string]any, error)
}

// Check is an extra readiness check, such as the event bus.
type Check func(ctx context.Context) error

type Options struct {
	Certificates certificates
	History      transitionLog
	Directory    directory
	Checks       map[string]Check
}

type Service struct {
	cfg          config.Config
	store        dataStore
	flows        approvals
	certificates certificates
	history      transitionLog
	directory    directory
	checks       map[string]Check

	// tenant/user -> last email written to the directory
	knownEmails sync.Map
}

func New(cfg config.Config, dataStore dataStore, flows approvals, opts Options) *Service {
	return &Service{
		cfg:          cfg,
		store:        dataStore,
		flows:        flows,
		certificates: opts.Certificates,
		history:      opts.History,
		directory:    opts.Directory,
		checks:       opts.Checks,
	}
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	session := Session{
		UserID:   claims.Subject,
		UserName: claims.Name,
		Email:    strings.TrimSpace(claims.Email),
		TenantID: claims.Tenant,
		Role:     rbac.Normalize(claims.Role),
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	s.rememberEmail(ctx, session)
	return session, nil
}

func (s *Service) rememberEmail(ctx context.Context, session Session) {
	if s.directory == nil || session.Email == "" || session.Email == session.UserID {
		return
	}
	key := session.TenantID + "/" + session.UserID
	if known, ok := s.knownEmails.Load(key); ok && known == session.Email {
		return
	}
	if err := s.directory.RememberEmail(ctx, session.TenantID, session.UserID, session.Email); err != nil {
		log.Printf("app: remember email for %s failed: %v", key, err)
		return
	}
	s.knownEmails.Store(key, session.Email)
}

func authorize(session Session, action rbac.Action) error {
	if !rbac.Can(session.Role, action) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]any{
			"role":   session.Role,
			"action": action,
		})
	}
	return nil
}

func (s *Service) CreateDocument(ctx context.Context, session Session, input CreateDocumentInput) (store.Document, error) {
	if err := authorize(session, rbac.ActionAuthor); err != nil {
		return store.Document{}, err
	}
	return s.flows.Create(ctx, session.TenantID, flow.CreateInput{
		Title:     strings.TrimSpace(input.Title),
		OwnerID:   session.UserID,
		FlowID:    strings.TrimSpace(input.FlowID),
		Approvers: input.Approvers,
	})
}

func (s *Service) SubmitDocument(ctx context.Context, session Session, documentID string) (flow.DocumentState, error) {
	if err := authorize(session, rbac.ActionAuthor); err != nil {
		return flow.DocumentState{}, err
	}
	return s.flows.Submit(ctx, session.TenantID, documentID, session.UserID)
}

func (s *Service) CancelDocument(ctx context.Context, session Session, documentID string) (flow.DocumentState, error) {
	if err := authorize(session, rbac.ActionAuthor); err != nil {
		return flow.DocumentState{}, err
	}
	return s.flows.Cancel(ctx, session.TenantID, documentID, session.UserID)
}

func (s *Service) DocumentState(ctx context.Context, session Session, documentID string) (flow.DocumentState, error) {
	if err := authorize(session, rbac.ActionView); err != nil {
		return flow.DocumentState{}, err
	}
	return s.flows.GetDocumentState(ctx, session.TenantID, documentID)
}

func (s *Service) Decide(ctx context.Context, session Session, documentID, recordID string, input DecisionRequest) (flow.DocumentState, error) {
	if err := authorize(session, rbac.ActionDecide); err != nil {
		return flow.DocumentState{}, err
	}
	return s.flows.RecordDecision(ctx, session.TenantID, flow.DecisionInput{
		DocumentID: documentID,
		RecordID:   recordID,
		ActorID:    session.UserID,
		ActorEmail: session.Email,
		Status:     quorum.Status(strings.ToLower(strings.TrimSpace(input.Status))),
		Reason:     strings.TrimSpace(input.Reason),
		Comment:    strings.TrimSpace(input.Comment),
	})
}

func (s *Service) GroupOutcome(ctx context.Context, session Session, documentID, groupKey string) (flow.GroupResult, error) {
	if err := authorize(session, rbac.ActionView); err != nil {
		return flow.GroupResult{}, err
	}
	return s.flows.EvaluateGroup(ctx, session.TenantID, documentID, groupKey)
}

func (s *Service) StepOutcome(ctx context.Context, session Session, documentID, stepID string) (flow.StepResult, error) {
	if err := authorize(session, rbac.ActionView); err != nil {
		return flow.StepResult{}, err
	}
	return s.flows.EvaluateStep(ctx, session.TenantID, documentID, stepID)
}

func (s *Service) GroupOutcomes(ctx context.Context, session Session, documentID string) (map[string]flow.GroupResult, error) {
	if err := authorize(session, rbac.ActionView); err != nil {
		return nil, err
	}
	return s.flows.EvaluateAllGroups(ctx, session.TenantID, documentID)
}

// Inbox lists actionable records for the caller under both identities.
func (s *Service) Inbox(ctx context.Context, session Session) ([]flow.InboxItem, error) {
	if err := authorize(session, rbac.ActionDecide); err != nil {
		return nil, err
	}
	items, err := s.flows.PendingFor(ctx, session.TenantID, session.UserID)
	if err != nil {
		return nil, err
	}
	if session.Email == "" || session.Email == session.UserID {
		return items, nil
	}
	byEmail, err := s.flows.PendingFor(ctx, session.TenantID, session.Email)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		seen[item.Record.ID] = struct{}{}
	}
	for _, item := range byEmail {
		if _, dup := seen[item.Record.ID]; !dup {
			items = append(items, item)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Record.CreatedAt.Before(items[j].Record.CreatedAt)
	})
	return items, nil
}

func (s *Service) AuditTrail(ctx context.Context, session Session, documentID string) ([]store.AuditEvent, error) {
	if err := authorize(session, rbac.ActionView); err != nil {
		return nil, err
	}
	// Resolves the document first so unknown ids are a 404, not an empty list.
	if _, err := s.flows.GetDocumentState(ctx, session.TenantID, documentID); err != nil {
		return nil, err
	}
	return s.store.ListAuditEvents(ctx, session.TenantID, documentID)
}

func (s *Service) Transitions(ctx context.Context, session Session, documentID string, limit int) ([]map[string]any, error) {
	if err := authorize(session, rbac.ActionView); err != nil {
		return nil, err
	}
	if s.history == nil {
		return nil, domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Transition history is not configured", nil)
	}
	if _, err := s.flows.GetDocumentState(ctx, session.TenantID, documentID); err != nil {
		return nil, err
	}
	return s.history.Recent(ctx, session.TenantID, documentID, limit)
}

func (s *Service) Certificate(ctx context.Context, session Session, documentID string, format export.Format) (*export.Result, error) {
	if err := authorize(session, rbac.ActionExport); err != nil {
		return nil, err
	}
	if s.certificates == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Certificate export is not configured", nil)
	}
	return s.certificates.Export(ctx, export.Request{TenantID: session.TenantID, DocumentID: documentID, Format: format})
}

func (s *Service) ListMasterflows(ctx context.Context, session Session) ([]store.Masterflow, error) {
	if err := authorize(session, rbac.ActionView); err != nil {
		return nil, err
	}
	return s.store.ListMasterflows(ctx, session.TenantID)
}

// SaveMasterflow validates and upserts a template in the caller's tenant.
// Documents already submitted keep their own copy of the steps.
func (s *Service) SaveMasterflow(ctx context.Context, session Session, flowID string, body []byte) (store.Masterflow, error) {
	if err := authorize(session, rbac.ActionAdmin); err != nil {
		return store.Masterflow{}, err
	}
	template, err := masterflow.DecodeDefinition(body, session.TenantID)
	if err != nil {
		return store.Masterflow{}, domainError(http.StatusUnprocessableEntity, "INVALID_MASTERFLOW", err.Error(), nil)
	}
	if template.ID != flowID {
		return store.Masterflow{}, domainError(http.StatusUnprocessableEntity, "INVALID_MASTERFLOW", "flow id in body does not match the path", map[string]any{
			"path": flowID,
			"body": template.ID,
		})
	}
	if err := s.store.UpsertMasterflow(ctx, template); err != nil {
		return store.Masterflow{}, err
	}
	return template, nil
}

// Readiness pings the database and runs any extra checks.
func (s *Service) Readiness(ctx context.Context) (bool, map[string]any) {
	ready := true
	checks := map[string]any{}
	run := func(name string, check Check) {
		if err := check(ctx); err != nil {
			ready = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			return
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	run("database", s.store.Ping)
	for name, check := range s.checks {
		run(name, check)
	}
	return ready, checks
}

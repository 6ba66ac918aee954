package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"masterflow/api/internal/quorum"
	"masterflow/api/internal/util"
)

// MemoryStore keeps every tenant's records in process. It is used for local
// development and tests and follows the same locking contract as
// PostgresStore.
type MemoryStore struct {
	mu        sync.RWMutex
	flows     map[string]Masterflow
	documents map[string]Document
	records   map[string][]ApprovalRecord
	audit     map[string][]AuditEvent
	locks     map[string]chan struct{}
	emails    map[string]string
	auditSeq  int64
	now       func() time.Time

	lockTimeout time.Duration
}

// NewMemoryStore bounds document lock waits by lockTimeout the way
// PostgresStore does; zero waits for as long as the caller's context allows.
func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	return &MemoryStore{
		flows:       make(map[string]Masterflow),
		documents:   make(map[string]Document),
		records:     make(map[string][]ApprovalRecord),
		audit:       make(map[string][]AuditEvent),
		locks:       make(map[string]chan struct{}),
		emails:      make(map[string]string),
		now:         time.Now,
		lockTimeout: lockTimeout,
	}
}

func scopedKey(tenantID, id string) string {
	return tenantID + "/" + id
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) UpsertMasterflow(_ context.Context, flow Masterflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	key := scopedKey(flow.TenantID, flow.ID)
	if existing, ok := s.flows[key]; ok {
		flow.CreatedAt = existing.CreatedAt
	} else {
		flow.CreatedAt = now
	}
	flow.UpdatedAt = now
	flow.Steps = cloneSteps(flow.Steps)
	s.flows[key] = flow
	return nil
}

func (s *MemoryStore) ListMasterflows(_ context.Context, tenantID string) ([]Masterflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Masterflow, 0)
	for _, flow := range s.flows {
		if flow.TenantID != tenantID {
			continue
		}
		flow.Steps = cloneSteps(flow.Steps)
		items = append(items, flow)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

func (s *MemoryStore) StepsForFlow(_ context.Context, tenantID, flowID string) ([]Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	flow, ok := s.flows[scopedKey(tenantID, flowID)]
	if !ok {
		return nil, sql.ErrNoRows
	}
	steps := cloneSteps(flow.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps, nil
}

func (s *MemoryStore) InsertDocument(_ context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scopedKey(doc.TenantID, doc.ID)
	if _, exists := s.documents[key]; exists {
		return fmt.Errorf("insert document: %s already exists", doc.ID)
	}
	now := s.now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	s.documents[key] = cloneDocument(doc)
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, tenantID, documentID string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[scopedKey(tenantID, documentID)]
	if !ok {
		return Document{}, sql.ErrNoRows
	}
	return cloneDocument(doc), nil
}

func (s *MemoryStore) ListApprovalRecords(_ context.Context, tenantID, documentID string) ([]ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRecords(s.records[scopedKey(tenantID, documentID)]), nil
}

func (s *MemoryStore) ListGroupRecords(_ context.Context, tenantID, documentID, groupKey string) ([]ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]ApprovalRecord, 0)
	for _, record := range s.records[scopedKey(tenantID, documentID)] {
		if record.GroupKey == groupKey {
			items = append(items, record)
		}
	}
	return items, nil
}

func (s *MemoryStore) ListPendingForApprover(_ context.Context, tenantID, approver string) ([]ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]ApprovalRecord, 0)
	for _, records := range s.records {
		for _, record := range records {
			if record.TenantID == tenantID && record.Status == quorum.StatusPending && record.AssignedTo(approver) {
				items = append(items, record)
			}
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (s *MemoryStore) ListAuditEvents(_ context.Context, tenantID, documentID string) ([]AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]AuditEvent(nil), s.audit[scopedKey(tenantID, documentID)]...), nil
}

func (s *MemoryStore) RememberEmail(_ context.Context, tenantID, userID, email string) error {
	if userID == "" || email == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emails[scopedKey(tenantID, userID)] = email
	return nil
}

// EmailFor returns "" for users the directory has not seen.
func (s *MemoryStore) EmailFor(_ context.Context, tenantID, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.emails[scopedKey(tenantID, userID)], nil
}

func (s *MemoryStore) WithDocumentLock(ctx context.Context, tenantID, documentID string, fn func(Tx) error) error {
	key := scopedKey(tenantID, documentID)

	s.mu.Lock()
	if _, ok := s.documents[key]; !ok {
		s.mu.Unlock()
		return sql.ErrNoRows
	}
	lock, ok := s.locks[key]
	if !ok {
		lock = make(chan struct{}, 1)
		s.locks[key] = lock
	}
	s.mu.Unlock()

	wait := ctx
	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}
	select {
	case lock <- struct{}{}:
	case <-wait.Done():
		return ErrLockTimeout
	}
	defer func() { <-lock }()

	s.mu.RLock()
	tx := &memoryTx{
		store:   s,
		doc:     cloneDocument(s.documents[key]),
		records: cloneRecords(s.records[key]),
	}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[key] = tx.doc
	s.records[key] = tx.records
	for _, event := range tx.audit {
		s.auditSeq++
		event.ID = s.auditSeq
		s.audit[key] = append(s.audit[key], event)
	}
	return nil
}

type memoryTx struct {
	store   *MemoryStore
	doc     Document
	records []ApprovalRecord
	audit   []AuditEvent
}

func (t *memoryTx) GetDocument(context.Context) (Document, error) {
	return cloneDocument(t.doc), nil
}

func (t *memoryTx) ListApprovalRecords(context.Context) ([]ApprovalRecord, error) {
	return cloneRecords(t.records), nil
}

func (t *memoryTx) SaveDecision(_ context.Context, recordID string, decision Decision) error {
	for i := range t.records {
		if t.records[i].ID != recordID {
			continue
		}
		if t.records[i].Status.Terminal() {
			return fmt.Errorf("save decision: record %s is already %s", recordID, t.records[i].Status)
		}
		decidedAt := decision.DecidedAt
		t.records[i].Status = decision.Status
		t.records[i].DecidedAt = &decidedAt
		t.records[i].RejectionReason = decision.Reason
		t.records[i].Comment = decision.Comment
		return nil
	}
	return sql.ErrNoRows
}

func (t *memoryTx) CreateRecordsForStep(_ context.Context, stepID string, members []Member) ([]ApprovalRecord, error) {
	now := t.store.now().UTC()
	created := make([]ApprovalRecord, 0, len(members))
	for _, member := range members {
		created = append(created, ApprovalRecord{
			ID:            util.NewID("apr"),
			TenantID:      t.doc.TenantID,
			DocumentID:    t.doc.ID,
			StepID:        stepID,
			GroupKey:      member.GroupKey,
			Policy:        member.Policy,
			ApproverID:    member.UserID,
			ApproverEmail: member.Email,
			Order:         member.Order,
			Status:        quorum.StatusPending,
			DueAt:         member.DueAt,
			CreatedAt:     now,
		})
	}
	t.records = append(t.records, created...)
	return cloneRecords(created), nil
}

func (t *memoryTx) UpdateDocument(_ context.Context, doc Document) error {
	doc.ID = t.doc.ID
	doc.TenantID = t.doc.TenantID
	doc.CreatedAt = t.doc.CreatedAt
	doc.UpdatedAt = t.store.now().UTC()
	t.doc = cloneDocument(doc)
	return nil
}

func (t *memoryTx) InsertAuditEvent(_ context.Context, event AuditEvent) error {
	event.TenantID = t.doc.TenantID
	event.DocumentID = t.doc.ID
	if event.CreatedAt.IsZero() {
		event.CreatedAt = t.store.now().UTC()
	}
	t.audit = append(t.audit, event)
	return nil
}

func cloneRecords(records []ApprovalRecord) []ApprovalRecord {
	if records == nil {
		return []ApprovalRecord{}
	}
	return append([]ApprovalRecord(nil), records...)
}

func cloneDocument(doc Document) Document {
	doc.Approvers = append([]Approver(nil), doc.Approvers...)
	doc.Steps = cloneSteps(doc.Steps)
	return doc
}

func cloneSteps(steps []Step) []Step {
	if steps == nil {
		return nil
	}
	out := make([]Step, len(steps))
	for i, step := range steps {
		step.Approvers = append([]Approver(nil), step.Approvers...)
		groups := make([]StepGroup, len(step.Groups))
		for j, group := range step.Groups {
			group.Members = append([]Approver(nil), group.Members...)
			groups[j] = group
		}
		if step.Groups == nil {
			groups = nil
		}
		step.Groups = groups
		out[i] = step
	}
	return out
}

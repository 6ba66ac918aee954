package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"masterflow/api/internal/quorum"
	"masterflow/api/internal/util"
)

// SQLSTATE lock_not_available, raised when lock_timeout expires.
const lockNotAvailable = "55P03"

type PostgresStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

func NewPostgresStore(db *sql.DB, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{db: db, lockTimeout: lockTimeout}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) UpsertMasterflow(ctx context.Context, flow Masterflow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin masterflow tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO masterflows (tenant_id, id, name, description)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, id) DO UPDATE SET name=EXCLUDED.name, description=EXCLUDED.description, updated_at=NOW()
	`, flow.TenantID, flow.ID, flow.Name, flow.Description); err != nil {
		return fmt.Errorf("upsert masterflow: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM masterflow_steps WHERE tenant_id=$1 AND flow_id=$2`, flow.TenantID, flow.ID); err != nil {
		return fmt.Errorf("clear masterflow steps: %w", err)
	}
	for _, step := range flow.Steps {
		approvers, err := json.Marshal(nonNilApprovers(step.Approvers))
		if err != nil {
			return fmt.Errorf("marshal step approvers: %w", err)
		}
		groups, err := json.Marshal(nonNilGroups(step.Groups))
		if err != nil {
			return fmt.Errorf("marshal step groups: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO masterflow_steps (tenant_id, flow_id, id, step_order, name, role, required, sequential, due_hours, approvers, step_groups)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11::jsonb)
		`, flow.TenantID, flow.ID, step.ID, step.Order, step.Name, step.Role, step.Required, step.Sequential, step.DueHours, string(approvers), string(groups)); err != nil {
			return fmt.Errorf("insert masterflow step %s: %w", step.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit masterflow: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMasterflows(ctx context.Context, tenantID string) ([]Masterflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, description, created_at, updated_at
		FROM masterflows
		WHERE tenant_id=$1
		ORDER BY name ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list masterflows: %w", err)
	}
	defer rows.Close()

	items := make([]Masterflow, 0)
	for rows.Next() {
		var item Masterflow
		if err := rows.Scan(&item.ID, &item.TenantID, &item.Name, &item.Description, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan masterflow: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate masterflows: %w", err)
	}
	for i := range items {
		steps, err := s.StepsForFlow(ctx, tenantID, items[i].ID)
		if err != nil {
			return nil, err
		}
		items[i].Steps = steps
	}
	return items, nil
}

func (s *PostgresStore) StepsForFlow(ctx context.Context, tenantID, flowID string) ([]Step, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM masterflows WHERE tenant_id=$1 AND id=$2)`, tenantID, flowID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check masterflow: %w", err)
	}
	if !exists {
		return nil, sql.ErrNoRows
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, step_order, name, role, required, sequential, due_hours, approvers::text, step_groups::text
		FROM masterflow_steps
		WHERE tenant_id=$1 AND flow_id=$2
		ORDER BY step_order ASC
	`, tenantID, flowID)
	if err != nil {
		return nil, fmt.Errorf("list masterflow steps: %w", err)
	}
	defer rows.Close()

	steps := make([]Step, 0)
	for rows.Next() {
		var step Step
		var approvers, groups string
		if err := rows.Scan(&step.ID, &step.Order, &step.Name, &step.Role, &step.Required, &step.Sequential, &step.DueHours, &approvers, &groups); err != nil {
			return nil, fmt.Errorf("scan masterflow step: %w", err)
		}
		if err := json.Unmarshal([]byte(approvers), &step.Approvers); err != nil {
			return nil, fmt.Errorf("decode step approvers: %w", err)
		}
		if err := json.Unmarshal([]byte(groups), &step.Groups); err != nil {
			return nil, fmt.Errorf("decode step groups: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate masterflow steps: %w", err)
	}
	return steps, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document) error {
	approvers, err := json.Marshal(nonNilApprovers(doc.Approvers))
	if err != nil {
		return fmt.Errorf("marshal document approvers: %w", err)
	}
	snapshot, err := json.Marshal(nonNilSteps(doc.Steps))
	if err != nil {
		return fmt.Errorf("marshal flow snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (tenant_id, id, title, owner_id, flow_id, approvers, state, current_step, flow_snapshot)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9::jsonb)
	`, doc.TenantID, doc.ID, doc.Title, doc.OwnerID, nilIfEmpty(doc.FlowID), string(approvers), doc.State, doc.CurrentStep, string(snapshot))
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

const documentColumns = `id, tenant_id, title, owner_id, COALESCE(flow_id, ''), approvers::text, state, current_step, flow_snapshot::text, submitted_at, completed_at, created_at, updated_at`

func (s *PostgresStore) GetDocument(ctx context.Context, tenantID, documentID string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE tenant_id=$1 AND id=$2`, tenantID, documentID)
	return scanDocument(row)
}

const recordColumns = `id, tenant_id, document_id, COALESCE(step_id, ''), COALESCE(group_key, ''), quorum_policy, COALESCE(approver_id, ''), COALESCE(approver_email, ''), record_order, status, decided_at, COALESCE(rejection_reason, ''), COALESCE(comment, ''), due_at, created_at`

func (s *PostgresStore) ListApprovalRecords(ctx context.Context, tenantID, documentID string) ([]ApprovalRecord, error) {
	return queryRecords(ctx, s.db, `
		SELECT `+recordColumns+`
		FROM approval_records
		WHERE tenant_id=$1 AND document_id=$2
		ORDER BY created_at ASC, record_order ASC, id ASC
	`, tenantID, documentID)
}

func (s *PostgresStore) ListGroupRecords(ctx context.Context, tenantID, documentID, groupKey string) ([]ApprovalRecord, error) {
	return queryRecords(ctx, s.db, `
		SELECT `+recordColumns+`
		FROM approval_records
		WHERE tenant_id=$1 AND document_id=$2 AND group_key=$3
		ORDER BY record_order ASC, id ASC
	`, tenantID, documentID, groupKey)
}

func (s *PostgresStore) ListPendingForApprover(ctx context.Context, tenantID, approver string) ([]ApprovalRecord, error) {
	return queryRecords(ctx, s.db, `
		SELECT `+recordColumns+`
		FROM approval_records
		WHERE tenant_id=$1 AND status='pending' AND (approver_id=$2 OR approver_email=$2)
		ORDER BY created_at ASC
	`, tenantID, approver)
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, tenantID, documentID string) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, document_id, record_id, event_type, actor_id, payload::text, created_at
		FROM audit_events
		WHERE tenant_id=$1 AND document_id=$2
		ORDER BY id ASC
	`, tenantID, documentID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEvent, 0)
	for rows.Next() {
		var item AuditEvent
		var payload string
		if err := rows.Scan(&item.ID, &item.TenantID, &item.DocumentID, &item.RecordID, &item.EventType, &item.ActorID, &payload, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &item.Payload); err != nil {
			return nil, fmt.Errorf("decode audit payload: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return items, nil
}

// RememberEmail records the address a user last signed in with.
func (s *PostgresStore) RememberEmail(ctx context.Context, tenantID, userID, email string) error {
	if userID == "" || email == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO user_directory (tenant_id, user_id, email)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, user_id) DO UPDATE SET email=EXCLUDED.email, updated_at=NOW()
		WHERE user_directory.email <> EXCLUDED.email
	`, tenantID, userID, email); err != nil {
		return fmt.Errorf("remember email: %w", err)
	}
	return nil
}

// EmailFor returns "" for users the directory has not seen.
func (s *PostgresStore) EmailFor(ctx context.Context, tenantID, userID string) (string, error) {
	var email string
	err := s.db.QueryRowContext(ctx, `SELECT email FROM user_directory WHERE tenant_id=$1 AND user_id=$2`, tenantID, userID).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup email: %w", err)
	}
	return email, nil
}

// WithDocumentLock runs fn in a transaction holding a row lock on the
// document. Concurrent callers for the same document queue on the lock until
// lock_timeout expires.
func (s *PostgresStore) WithDocumentLock(ctx context.Context, tenantID, documentID string, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin document tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.lockTimeout > 0 {
		if _, err := tx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}

	var locked string
	err = tx.QueryRowContext(ctx, `SELECT id FROM documents WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, documentID).Scan(&locked)
	if err != nil {
		return lockError(err)
	}

	if err := fn(&postgresTx{tx: tx, tenantID: tenantID, documentID: documentID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit document tx: %w", err)
	}
	return nil
}

func lockError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == lockNotAvailable {
		return ErrLockTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrLockTimeout
	}
	return fmt.Errorf("lock document: %w", err)
}

type postgresTx struct {
	tx         *sql.Tx
	tenantID   string
	documentID string
}

func (t *postgresTx) GetDocument(ctx context.Context) (Document, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE tenant_id=$1 AND id=$2`, t.tenantID, t.documentID)
	return scanDocument(row)
}

func (t *postgresTx) ListApprovalRecords(ctx context.Context) ([]ApprovalRecord, error) {
	return queryRecords(ctx, t.tx, `
		SELECT `+recordColumns+`
		FROM approval_records
		WHERE tenant_id=$1 AND document_id=$2
		ORDER BY created_at ASC, record_order ASC, id ASC
	`, t.tenantID, t.documentID)
}

func (t *postgresTx) SaveDecision(ctx context.Context, recordID string, decision Decision) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE approval_records
		SET status=$4, decided_at=$5, rejection_reason=$6, comment=$7
		WHERE tenant_id=$1 AND document_id=$2 AND id=$3 AND status='pending'
	`, t.tenantID, t.documentID, recordID, string(decision.Status), decision.DecidedAt, nilIfEmpty(decision.Reason), nilIfEmpty(decision.Comment))
	if err != nil {
		return fmt.Errorf("save decision: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("save decision: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (t *postgresTx) CreateRecordsForStep(ctx context.Context, stepID string, members []Member) ([]ApprovalRecord, error) {
	created := make([]ApprovalRecord, 0, len(members))
	for _, member := range members {
		record := ApprovalRecord{
			ID:            util.NewID("apr"),
			TenantID:      t.tenantID,
			DocumentID:    t.documentID,
			StepID:        stepID,
			GroupKey:      member.GroupKey,
			Policy:        member.Policy,
			ApproverID:    member.UserID,
			ApproverEmail: member.Email,
			Order:         member.Order,
			Status:        quorum.StatusPending,
			DueAt:         member.DueAt,
		}
		err := t.tx.QueryRowContext(ctx, `
			INSERT INTO approval_records (id, tenant_id, document_id, step_id, group_key, quorum_policy, approver_id, approver_email, record_order, status, due_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending', $10)
			RETURNING created_at
		`, record.ID, record.TenantID, record.DocumentID, nilIfEmpty(stepID), nilIfEmpty(record.GroupKey), string(record.Policy),
			nilIfEmpty(record.ApproverID), nilIfEmpty(record.ApproverEmail), record.Order, record.DueAt).Scan(&record.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("create approval record: %w", err)
		}
		created = append(created, record)
	}
	return created, nil
}

func (t *postgresTx) UpdateDocument(ctx context.Context, doc Document) error {
	snapshot, err := json.Marshal(nonNilSteps(doc.Steps))
	if err != nil {
		return fmt.Errorf("marshal flow snapshot: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE documents
		SET state=$3, current_step=$4, flow_snapshot=$5::jsonb, submitted_at=$6, completed_at=$7, updated_at=NOW()
		WHERE tenant_id=$1 AND id=$2
	`, t.tenantID, t.documentID, doc.State, doc.CurrentStep, string(snapshot), doc.SubmittedAt, doc.CompletedAt)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return nil
}

func (t *postgresTx) InsertAuditEvent(ctx context.Context, event AuditEvent) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO audit_events (tenant_id, document_id, record_id, event_type, actor_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
	`, t.tenantID, t.documentID, event.RecordID, event.EventType, event.ActorID, string(encoded))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanDocument(row rowScanner) (Document, error) {
	var doc Document
	var approvers, snapshot string
	err := row.Scan(&doc.ID, &doc.TenantID, &doc.Title, &doc.OwnerID, &doc.FlowID, &approvers, &doc.State, &doc.CurrentStep, &snapshot,
		&doc.SubmittedAt, &doc.CompletedAt, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, err
		}
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	if err := json.Unmarshal([]byte(approvers), &doc.Approvers); err != nil {
		return Document{}, fmt.Errorf("decode document approvers: %w", err)
	}
	if err := json.Unmarshal([]byte(snapshot), &doc.Steps); err != nil {
		return Document{}, fmt.Errorf("decode flow snapshot: %w", err)
	}
	return doc, nil
}

func queryRecords(ctx context.Context, q queryer, query string, args ...any) ([]ApprovalRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approval records: %w", err)
	}
	defer rows.Close()

	items := make([]ApprovalRecord, 0)
	for rows.Next() {
		var item ApprovalRecord
		var policy, status string
		if err := rows.Scan(&item.ID, &item.TenantID, &item.DocumentID, &item.StepID, &item.GroupKey, &policy, &item.ApproverID, &item.ApproverEmail,
			&item.Order, &status, &item.DecidedAt, &item.RejectionReason, &item.Comment, &item.DueAt, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approval record: %w", err)
		}
		item.Policy = quorum.Policy(policy)
		item.Status = quorum.Status(status)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approval records: %w", err)
	}
	return items, nil
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nonNilApprovers(items []Approver) []Approver {
	if items == nil {
		return []Approver{}
	}
	return items
}

func nonNilGroups(items []StepGroup) []StepGroup {
	if items == nil {
		return []StepGroup{}
	}
	return items
}

func nonNilSteps(items []Step) []Step {
	if items == nil {
		return []Step{}
	}
	return items
}

package store

import (
	"context"
	"errors"
)

// ErrLockTimeout is returned when the document lock could not be acquired
// before the lock timeout or the context deadline.
var ErrLockTimeout = errors.New("document lock timeout")

// Tx is a unit of work bound to one locked document. Writes become visible
// only if the function passed to WithDocumentLock returns nil.
type Tx interface {
	GetDocument(ctx context.Context) (Document, error)
	ListApprovalRecords(ctx context.Context) ([]ApprovalRecord, error)
	SaveDecision(ctx context.Context, recordID string, decision Decision) error
	CreateRecordsForStep(ctx context.Context, stepID string, members []Member) ([]ApprovalRecord, error)
	UpdateDocument(ctx context.Context, doc Document) error
	InsertAuditEvent(ctx context.Context, event AuditEvent) error
}

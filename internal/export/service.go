package export

import (
	"context"
	"fmt"
	"log"
	"time"

	"masterflow/api/internal/flow"
	"masterflow/api/internal/store"
)

// Source defines the data the certificate is built from
type Source interface {
	GetDocument(ctx context.Context, tenantID, documentID string) (store.Document, error)
	ListApprovalRecords(ctx context.Context, tenantID, documentID string) ([]store.ApprovalRecord, error)
}

const archiveLinkTTL = 15 * time.Minute

type Options struct {
	Aggregator flow.Aggregator
	PDF        PDFRenderer
	Archive    Archive
	Now        func() time.Time
}

// Service provides certificate export functionality
type Service struct {
	source     Source
	aggregator flow.Aggregator
	pdf        PDFRenderer
	archive    Archive
	now        func() time.Time
}

// NewService creates a new export service
func NewService(source Source, opts Options) *Service {
	if opts.PDF == nil {
		opts.PDF = ChromePDF("", 0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		source:     source,
		aggregator: opts.Aggregator,
		pdf:        opts.PDF,
		archive:    opts.Archive,
		now:        opts.Now,
	}
}

// Export renders the approval certificate of a submitted document. PDF
// certificates of finished documents are archived when an archive is set.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	doc, err := s.source.GetDocument(ctx, req.TenantID, req.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	if flow.Phase(doc.State) == flow.PhaseDraft {
		return nil, ErrNotSubmitted
	}
	format := req.Format
	if format == "" {
		format = FormatPDF
	}
	if format != FormatPDF && format != FormatHTML {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
	records, err := s.source.ListApprovalRecords(ctx, req.TenantID, req.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("list approval records: %w", err)
	}
	state, err := s.aggregator.EvaluateDocument(doc, records)
	if err != nil {
		return nil, fmt.Errorf("evaluate document: %w", err)
	}

	name := sanitizeFilename(doc.Title)
	archived := s.archive != nil && format == FormatPDF && state.Phase.Terminal()
	key := ArchiveKey(doc.TenantID, doc.ID, FormatPDF)
	if archived {
		// Finished documents never change, so an archived copy is final.
		if data, err := s.archive.Get(ctx, key); err == nil && len(data) > 0 {
			return s.link(ctx, &Result{Data: data, Filename: name + ".pdf", MimeType: "application/pdf", ArchiveKey: key}), nil
		}
	}

	html, err := RenderCertificateHTML(s.certificate(doc, records, state))
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	if format == FormatHTML {
		return &Result{Data: []byte(html), Filename: name + ".html", MimeType: "text/html; charset=utf-8"}, nil
	}

	data, err := s.pdf(ctx, html)
	if err != nil {
		return nil, err
	}
	result := &Result{Data: data, Filename: name + ".pdf", MimeType: "application/pdf"}
	if !archived {
		return result, nil
	}
	if err := s.archive.Put(ctx, key, result); err != nil {
		log.Printf("export: archive %s failed: %v", key, err)
		return result, nil
	}
	result.ArchiveKey = key
	return s.link(ctx, result), nil
}

// link attaches a presigned download URL for an archived certificate.
func (s *Service) link(ctx context.Context, result *Result) *Result {
	url, err := s.archive.URL(ctx, result.ArchiveKey, archiveLinkTTL)
	if err != nil {
		log.Printf("export: presign %s failed: %v", result.ArchiveKey, err)
		return result
	}
	result.ArchiveURL = url
	return result
}

func (s *Service) certificate(doc store.Document, records []store.ApprovalRecord, state flow.DocumentState) Certificate {
	cert := Certificate{
		DocumentID:  doc.ID,
		Title:       doc.Title,
		Owner:       doc.OwnerID,
		Phase:       string(state.Phase),
		Outcome:     string(state.Outcome),
		SubmittedAt: doc.SubmittedAt,
		CompletedAt: doc.CompletedAt,
		GeneratedAt: s.now(),
		Steps:       make([]Step, 0, len(state.Steps)),
	}

	byKey := make(map[string][]store.ApprovalRecord)
	for _, record := range records {
		key := flow.EffectiveGroupKey(record)
		byKey[key] = append(byKey[key], record)
	}

	for _, step := range state.Steps {
		// Steps that never activated have no records to show.
		if len(step.Groups) == 0 {
			continue
		}
		out := Step{
			Order:    step.Order,
			Name:     step.Name,
			Required: step.Required,
			Outcome:  string(step.Outcome),
			Groups:   make([]Group, 0, len(step.Groups)),
		}
		for _, group := range step.Groups {
			members := byKey[group.GroupKey]
			g := Group{
				Label:     groupLabel(group, members),
				Policy:    string(group.Policy),
				Outcome:   string(group.Outcome),
				Threshold: group.Threshold,
				Decisions: make([]Decision, 0, len(members)),
			}
			for _, record := range members {
				g.Decisions = append(g.Decisions, Decision{
					Approver:  record.Approver().Key(),
					Status:    string(record.Status),
					DecidedAt: record.DecidedAt,
					Reason:    record.RejectionReason,
					Comment:   record.Comment,
				})
			}
			out.Groups = append(out.Groups, g)
		}
		cert.Steps = append(cert.Steps, out)
	}
	return cert
}

func groupLabel(group flow.GroupResult, members []store.ApprovalRecord) string {
	if len(members) == 1 && members[0].GroupKey == "" {
		return members[0].Approver().Key()
	}
	if group.StepID != "" && len(group.GroupKey) > len(group.StepID)+1 {
		return group.GroupKey[len(group.StepID)+1:]
	}
	return group.GroupKey
}

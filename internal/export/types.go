// Package export renders approval certificates for documents as HTML or PDF
// and archives finished certificates in object storage.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatHTML Format = "html"
)

// ParseFormat maps a query value to a Format. Empty means PDF.
func ParseFormat(value string) (Format, error) {
	switch Format(value) {
	case "", FormatPDF:
		return FormatPDF, nil
	case FormatHTML:
		return FormatHTML, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Request contains parameters for an export operation
type Request struct {
	TenantID   string
	DocumentID string
	Format     Format
}

// Result contains the export output
type Result struct {
	Data       []byte
	Filename   string
	MimeType   string
	ArchiveKey string
	ArchiveURL string // presigned, empty when not archived
}

// Decision is one approver's entry on the certificate.
type Decision struct {
	Approver  string
	Status    string
	DecidedAt *time.Time
	Reason    string
	Comment   string
}

type Group struct {
	Label     string
	Policy    string
	Outcome   string
	Threshold int
	Decisions []Decision
}

type Step struct {
	Order    int
	Name     string
	Required bool
	Outcome  string
	Groups   []Group
}

// Certificate is the template model of an approval certificate.
type Certificate struct {
	DocumentID  string
	Title       string
	Owner       string
	Phase       string
	Outcome     string
	SubmittedAt *time.Time
	CompletedAt *time.Time
	GeneratedAt time.Time
	Steps       []Step
}

var (
	// ErrNotSubmitted indicates a draft has no approval history to certify.
	ErrNotSubmitted = errors.New("export document not submitted")
	// ErrUnsupportedFormat indicates an unknown export format.
	ErrUnsupportedFormat = errors.New("export format unsupported")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)

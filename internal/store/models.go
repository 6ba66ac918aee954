package store

import (
	"time"

	"masterflow/api/internal/quorum"
)

// Approver identifies who decides a record. Ad-hoc approvers outside the
// tenant only carry an email.
type Approver struct {
	UserID string `json:"userId,omitempty" yaml:"user"`
	Email  string `json:"email,omitempty" yaml:"email"`
}

// Key returns the identity used for assignment checks and notifications.
func (a Approver) Key() string {
	if a.UserID != "" {
		return a.UserID
	}
	return a.Email
}

type StepGroup struct {
	Name    string        `json:"name"`
	Policy  quorum.Policy `json:"policy"`
	Members []Approver    `json:"members"`
}

// Step is one stage of a masterflow. Documents keep a copy of their steps
// taken at submission.
type Step struct {
	ID         string      `json:"id"`
	Order      int         `json:"order"`
	Name       string      `json:"name"`
	Role       string      `json:"role,omitempty"`
	Required   bool        `json:"required"`
	Sequential bool        `json:"sequential,omitempty"`
	DueHours   int         `json:"dueHours,omitempty"`
	Approvers  []Approver  `json:"approvers,omitempty"`
	Groups     []StepGroup `json:"groups,omitempty"`
}

// MemberCount is the number of approval records the step creates.
func (s Step) MemberCount() int {
	count := len(s.Approvers)
	for _, group := range s.Groups {
		count += len(group.Members)
	}
	return count
}

type Masterflow struct {
	ID          string
	TenantID    string
	Name        string
	Description string
	Steps       []Step
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Document struct {
	ID          string
	TenantID    string
	Title       string
	OwnerID     string
	FlowID      string
	Approvers   []Approver // custom ad-hoc flow, used when FlowID is empty
	State       string
	CurrentStep int
	Steps       []Step
	SubmittedAt *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Member is one record to create on step activation.
type Member struct {
	Approver
	GroupKey string
	Policy   quorum.Policy
	Order    int
	DueAt    *time.Time
}

type ApprovalRecord struct {
	ID              string
	TenantID        string
	DocumentID      string
	StepID          string
	GroupKey        string
	Policy          quorum.Policy
	ApproverID      string
	ApproverEmail   string
	Order           int
	Status          quorum.Status
	DecidedAt       *time.Time
	RejectionReason string
	Comment         string
	DueAt           *time.Time
	CreatedAt       time.Time
}

// AssignedTo reports whether actor may decide the record.
func (r ApprovalRecord) AssignedTo(actor string) bool {
	if actor == "" {
		return false
	}
	return actor == r.ApproverID || (r.ApproverEmail != "" && actor == r.ApproverEmail)
}

func (r ApprovalRecord) Approver() Approver {
	return Approver{UserID: r.ApproverID, Email: r.ApproverEmail}
}

type Decision struct {
	Status    quorum.Status
	Reason    string
	Comment   string
	DecidedAt time.Time
}

type AuditEvent struct {
	ID         int64
	TenantID   string
	DocumentID string
	RecordID   *string
	EventType  string
	ActorID    string
	Payload    map[string]any
	CreatedAt  time.Time
}

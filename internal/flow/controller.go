// Package flow sequences a document through the steps of its masterflow.
//
// Every write runs inside Repository.WithDocumentLock: the decision is saved,
// the current step is re-evaluated from the locked record set and the next
// step is activated (or the document finalized) before the lock is released.
// Notifications are sent after commit and never undo a transition.
package flow

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"masterflow/api/internal/quorum"
	"masterflow/api/internal/store"
	"masterflow/api/internal/util"
)

type Repository interface {
	GetDocument(ctx context.Context, tenantID, documentID string) (store.Document, error)
	InsertDocument(ctx context.Context, doc store.Document) error
	ListApprovalRecords(ctx context.Context, tenantID, documentID string) ([]store.ApprovalRecord, error)
	ListGroupRecords(ctx context.Context, tenantID, documentID, groupKey string) ([]store.ApprovalRecord, error)
	ListPendingForApprover(ctx context.Context, tenantID, approver string) ([]store.ApprovalRecord, error)
	WithDocumentLock(ctx context.Context, tenantID, documentID string, fn func(store.Tx) error) error
}

type TemplateProvider interface {
	StepsForFlow(ctx context.Context, tenantID, flowID string) ([]store.Step, error)
}

type Notifier interface {
	Notify(ctx context.Context, transition Transition) error
}

// Transition is published after a state change has been committed.
type Transition struct {
	TenantID        string           `json:"tenantId"`
	DocumentID      string           `json:"documentId"`
	Title           string           `json:"title,omitempty"`
	Event           Event            `json:"event"`
	From            State            `json:"from"`
	To              State            `json:"to"`
	AffectedUserIDs []string         `json:"affectedUserIds"`
	Recipients      []store.Approver `json:"-"`
	At              time.Time        `json:"at"`
}

type Options struct {
	Quorum        quorum.Evaluator
	Notifier      Notifier
	Timeout       time.Duration
	NotifyTimeout time.Duration
	Now           func() time.Time
}

type Controller struct {
	repo          Repository
	templates     TemplateProvider
	notifier      Notifier
	agg           Aggregator
	timeout       time.Duration
	notifyTimeout time.Duration
	now           func() time.Time
}

func NewController(repo Repository, templates TemplateProvider, opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 5 * time.Second
	}
	return &Controller{
		repo:          repo,
		templates:     templates,
		notifier:      opts.Notifier,
		agg:           Aggregator{Quorum: opts.Quorum},
		timeout:       opts.Timeout,
		notifyTimeout: opts.NotifyTimeout,
		now:           opts.Now,
	}
}

// Aggregator exposes the evaluator the controller was configured with.
func (c *Controller) Aggregator() Aggregator {
	return c.agg
}

type CreateInput struct {
	ID        string
	Title     string
	OwnerID   string
	FlowID    string
	Approvers []store.Approver
}

type DecisionInput struct {
	DocumentID string
	RecordID   string
	ActorID    string
	ActorEmail string // alternate identity for approvers added by email
	Status     quorum.Status
	Reason     string
	Comment    string
}

type InboxItem struct {
	Record        store.ApprovalRecord
	DocumentTitle string
	StepName      string
	Overdue       bool
}

// Create stores a draft document bound either to a masterflow or to an
// ordered list of ad-hoc approvers.
func (c *Controller) Create(ctx context.Context, tenantID string, input CreateInput) (store.Document, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	title := strings.TrimSpace(input.Title)
	flowID := strings.TrimSpace(input.FlowID)
	switch {
	case title == "":
		return store.Document{}, validationError("TITLE_REQUIRED", "title is required", nil)
	case strings.TrimSpace(input.OwnerID) == "":
		return store.Document{}, validationError("OWNER_REQUIRED", "owner is required", nil)
	case flowID != "" && len(input.Approvers) > 0:
		return store.Document{}, validationError("FLOW_AMBIGUOUS", "choose a masterflow or a custom approver list, not both", nil)
	case flowID == "" && len(input.Approvers) == 0:
		return store.Document{}, validationError("FLOW_REQUIRED", "a masterflow or at least one approver is required", nil)
	}

	if flowID != "" {
		if _, err := c.templates.StepsForFlow(ctx, tenantID, flowID); err != nil {
			return store.Document{}, classify(err, "masterflow")
		}
	} else if err := validateStep(customStep(input.Approvers)); err != nil {
		return store.Document{}, err
	}

	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = util.NewID("doc")
	}
	doc := store.Document{
		ID:        id,
		TenantID:  tenantID,
		Title:     title,
		OwnerID:   input.OwnerID,
		FlowID:    flowID,
		Approvers: input.Approvers,
		State:     string(PhaseDraft),
	}
	if err := c.repo.InsertDocument(ctx, doc); err != nil {
		return store.Document{}, classify(err, "document")
	}
	created, err := c.repo.GetDocument(ctx, tenantID, id)
	if err != nil {
		return store.Document{}, classify(err, "document")
	}
	return created, nil
}

// Submit snapshots the flow into the document and activates its first step.
func (c *Controller) Submit(ctx context.Context, tenantID, documentID, actorID string) (DocumentState, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	draft, err := c.repo.GetDocument(ctx, tenantID, documentID)
	if err != nil {
		return DocumentState{}, classify(err, "document")
	}
	steps, err := c.snapshotSteps(ctx, draft)
	if err != nil {
		return DocumentState{}, err
	}

	var out DocumentState
	var fired []Transition
	err = c.repo.WithDocumentLock(ctx, tenantID, documentID, func(tx store.Tx) error {
		doc, err := tx.GetDocument(ctx)
		if err != nil {
			return err
		}
		if doc.OwnerID != actorID {
			return validationError("NOT_OWNER", "only the document owner can submit it", nil)
		}
		from := stateOf(doc)
		submitted, err := Fire(from, EventSubmit)
		if err != nil {
			return err
		}
		active, err := Fire(submitted, EventActivate)
		if err != nil {
			return err
		}

		now := c.now().UTC()
		first := steps[0]
		created, err := tx.CreateRecordsForStep(ctx, first.ID, stepMembers(first, now))
		if err != nil {
			return err
		}
		doc.Steps = steps
		doc.SubmittedAt = &now
		doc.State = string(active.Phase)
		doc.CurrentStep = active.Step
		if err := tx.UpdateDocument(ctx, doc); err != nil {
			return err
		}
		if err := c.audit(ctx, tx, "document.submitted", actorID, nil, map[string]any{"steps": len(steps)}); err != nil {
			return err
		}
		if err := c.audit(ctx, tx, "step.activated", actorID, nil, map[string]any{"step": active.Step, "stepId": first.ID, "records": len(created)}); err != nil {
			return err
		}
		fired = append(fired,
			newTransition(doc, EventSubmit, from, submitted, ownerOf(doc), now),
			newTransition(doc, EventActivate, submitted, active, approversOf(created), now),
		)

		records, err := tx.ListApprovalRecords(ctx)
		if err != nil {
			return err
		}
		out, err = c.agg.EvaluateDocument(doc, records)
		return err
	})
	if err != nil {
		return DocumentState{}, classify(err, "document")
	}
	c.notify(ctx, fired)
	return out, nil
}

// RecordDecision saves one approver's decision and progresses the document
// if the decision completes the active step.
func (c *Controller) RecordDecision(ctx context.Context, tenantID string, input DecisionInput) (DocumentState, error) {
	if !input.Status.Terminal() {
		return DocumentState{}, validationError("INVALID_DECISION", "decision must be approved or rejected", map[string]any{"status": input.Status})
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var out DocumentState
	var fired []Transition
	err := c.repo.WithDocumentLock(ctx, tenantID, input.DocumentID, func(tx store.Tx) error {
		doc, err := tx.GetDocument(ctx)
		if err != nil {
			return err
		}
		records, err := tx.ListApprovalRecords(ctx)
		if err != nil {
			return err
		}
		current := stateOf(doc)
		settle := func(note string) error {
			state, err := c.agg.EvaluateDocument(doc, records)
			if err != nil {
				return err
			}
			state.Note = note
			out = state
			return nil
		}

		// A cancellation that won the lock suppresses everything else.
		if current.Phase == PhaseCancelled {
			return settle("document was cancelled; decision ignored")
		}

		idx := indexOfRecord(records, input.RecordID)
		if idx < 0 {
			return notFound("RECORD_NOT_FOUND", "approval record not found")
		}
		record := records[idx]
		if !record.AssignedTo(input.ActorID) && !record.AssignedTo(input.ActorEmail) {
			return validationError("NOT_ASSIGNED", "approval record is assigned to another approver", map[string]any{"recordId": record.ID})
		}
		if record.Status.Terminal() {
			if record.Status == input.Status {
				return settle("already decided")
			}
			return validationError("ALREADY_DECIDED", fmt.Sprintf("approval record was already %s", record.Status), map[string]any{
				"recordId": record.ID,
				"status":   record.Status,
			})
		}
		if current.Phase.Terminal() {
			return settle(fmt.Sprintf("document already %s; decision ignored", current.Phase))
		}
		if current.Phase != PhaseStepActive || current.Step < 1 || current.Step > len(doc.Steps) {
			return validationError("DOCUMENT_NOT_ACTIVE", fmt.Sprintf("document is %s", current), nil)
		}

		group, err := c.agg.EvaluateGroup(groupRecords(records, EffectiveGroupKey(record)))
		if err != nil {
			return err
		}
		if group.Complete {
			return settle("group already decided; decision ignored")
		}
		step := doc.Steps[current.Step-1]
		if record.StepID != step.ID {
			return validationError("STEP_NOT_ACTIVE", "approval record does not belong to the active step", map[string]any{
				"recordId": record.ID,
				"stepId":   record.StepID,
			})
		}
		if step.Sequential {
			if blockers := sequenceBlockers(records, record); len(blockers) > 0 {
				return validationError("OUT_OF_ORDER", "earlier approvers must decide first", map[string]any{"blockers": blockers})
			}
		}

		now := c.now().UTC()
		decision := store.Decision{
			Status:    input.Status,
			Reason:    strings.TrimSpace(input.Reason),
			Comment:   strings.TrimSpace(input.Comment),
			DecidedAt: now,
		}
		if err := tx.SaveDecision(ctx, record.ID, decision); err != nil {
			return err
		}
		records[idx].Status = decision.Status
		records[idx].DecidedAt = &now
		records[idx].RejectionReason = decision.Reason
		records[idx].Comment = decision.Comment
		if err := c.audit(ctx, tx, "decision.recorded", input.ActorID, &record.ID, map[string]any{
			"status":   string(decision.Status),
			"groupKey": EffectiveGroupKey(record),
			"reason":   decision.Reason,
		}); err != nil {
			return err
		}

		stepResult, err := c.agg.EvaluateStep(step.ID, records)
		if err != nil {
			return err
		}
		event := stepEvent(current, stepResult.Outcome, len(doc.Steps))
		if event == "" {
			return settle("")
		}
		next, err := Fire(current, event)
		if err != nil {
			return err
		}

		recipients := ownerOf(doc)
		payload := map[string]any{"from": current.String(), "to": next.String()}
		if event == EventAdvance {
			nextStep := doc.Steps[next.Step-1]
			created, err := tx.CreateRecordsForStep(ctx, nextStep.ID, stepMembers(nextStep, now))
			if err != nil {
				return err
			}
			records = append(records, created...)
			recipients = approversOf(created)
			payload["stepId"] = nextStep.ID
			payload["records"] = len(created)
		} else {
			doc.CompletedAt = &now
		}
		doc.State = string(next.Phase)
		doc.CurrentStep = next.Step
		if err := tx.UpdateDocument(ctx, doc); err != nil {
			return err
		}
		if err := c.audit(ctx, tx, "document."+string(event), input.ActorID, nil, payload); err != nil {
			return err
		}
		fired = append(fired, newTransition(doc, event, current, next, recipients, now))
		return settle("")
	})
	if err != nil {
		return DocumentState{}, classify(err, "document")
	}
	c.notify(ctx, fired)
	return out, nil
}

// Cancel withdraws a document that has not reached a terminal state. Pending
// records are left as they are.
func (c *Controller) Cancel(ctx context.Context, tenantID, documentID, actorID string) (DocumentState, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var out DocumentState
	var fired []Transition
	err := c.repo.WithDocumentLock(ctx, tenantID, documentID, func(tx store.Tx) error {
		doc, err := tx.GetDocument(ctx)
		if err != nil {
			return err
		}
		records, err := tx.ListApprovalRecords(ctx)
		if err != nil {
			return err
		}
		if doc.OwnerID != actorID {
			return validationError("NOT_OWNER", "only the document owner can cancel it", nil)
		}
		current := stateOf(doc)
		note := ""
		if current.Phase == PhaseCancelled {
			note = "already cancelled"
		} else {
			next, err := Fire(current, EventCancel)
			if err != nil {
				return err
			}
			now := c.now().UTC()
			doc.State = string(next.Phase)
			doc.CurrentStep = next.Step
			doc.CompletedAt = &now
			if err := tx.UpdateDocument(ctx, doc); err != nil {
				return err
			}
			if err := c.audit(ctx, tx, "document.cancel", actorID, nil, map[string]any{"from": current.String()}); err != nil {
				return err
			}
			fired = append(fired, newTransition(doc, EventCancel, current, next, pendingApprovers(records), now))
		}
		out, err = c.agg.EvaluateDocument(doc, records)
		out.Note = note
		return err
	})
	if err != nil {
		return DocumentState{}, classify(err, "document")
	}
	c.notify(ctx, fired)
	return out, nil
}

// GetDocumentState is a lock-free read for display.
func (c *Controller) GetDocumentState(ctx context.Context, tenantID, documentID string) (DocumentState, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	doc, err := c.repo.GetDocument(ctx, tenantID, documentID)
	if err != nil {
		return DocumentState{}, classify(err, "document")
	}
	records, err := c.repo.ListApprovalRecords(ctx, tenantID, documentID)
	if err != nil {
		return DocumentState{}, classify(err, "approval records")
	}
	return c.agg.EvaluateDocument(doc, records)
}

func (c *Controller) EvaluateGroup(ctx context.Context, tenantID, documentID, groupKey string) (GroupResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.repo.GetDocument(ctx, tenantID, documentID); err != nil {
		return GroupResult{}, classify(err, "document")
	}
	records, err := c.repo.ListGroupRecords(ctx, tenantID, documentID, groupKey)
	if err != nil {
		return GroupResult{}, classify(err, "approval records")
	}
	// Named groups win; a step called "record" must not shadow its groups.
	if recordID, ok := isSingletonKey(groupKey); ok && len(records) == 0 {
		all, err := c.repo.ListApprovalRecords(ctx, tenantID, documentID)
		if err != nil {
			return GroupResult{}, classify(err, "approval records")
		}
		if idx := indexOfRecord(all, recordID); idx >= 0 && all[idx].GroupKey == "" {
			records = all[idx : idx+1]
		}
	}
	if len(records) == 0 {
		return GroupResult{}, validationError("UNKNOWN_GROUP", "document has no group with this key", map[string]any{"groupKey": groupKey})
	}
	result, err := c.agg.EvaluateGroup(records)
	if err != nil {
		return GroupResult{}, err
	}
	return GroupResult{GroupKey: groupKey, StepID: records[0].StepID, Result: result}, nil
}

func (c *Controller) EvaluateStep(ctx context.Context, tenantID, documentID, stepID string) (StepResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	doc, err := c.repo.GetDocument(ctx, tenantID, documentID)
	if err != nil {
		return StepResult{}, classify(err, "document")
	}
	position := -1
	for i, step := range doc.Steps {
		if step.ID == stepID {
			position = i
			break
		}
	}
	if position < 0 {
		return StepResult{}, validationError("UNKNOWN_STEP", "document has no step with this id", map[string]any{"stepId": stepID})
	}
	records, err := c.repo.ListApprovalRecords(ctx, tenantID, documentID)
	if err != nil {
		return StepResult{}, classify(err, "approval records")
	}
	result, err := c.agg.EvaluateStep(stepID, records)
	if err != nil {
		return StepResult{}, err
	}
	step := doc.Steps[position]
	state := stateOf(doc)
	result.Name = step.Name
	result.Order = step.Order
	result.Required = step.Required
	result.Active = state.Phase == PhaseStepActive && state.Step == position+1
	return result, nil
}

func (c *Controller) EvaluateAllGroups(ctx context.Context, tenantID, documentID string) (map[string]GroupResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.repo.GetDocument(ctx, tenantID, documentID); err != nil {
		return nil, classify(err, "document")
	}
	records, err := c.repo.ListApprovalRecords(ctx, tenantID, documentID)
	if err != nil {
		return nil, classify(err, "approval records")
	}
	return c.agg.EvaluateAllGroups(records)
}

// PendingFor lists the records an approver can act on right now: pending,
// in the active step of an active document, in a group that is still open
// and not waiting on an earlier approver.
func (c *Controller) PendingFor(ctx context.Context, tenantID, approver string) ([]InboxItem, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	pending, err := c.repo.ListPendingForApprover(ctx, tenantID, approver)
	if err != nil {
		return nil, classify(err, "approval records")
	}
	byDocument := make(map[string][]store.ApprovalRecord)
	order := make([]string, 0)
	for _, record := range pending {
		if _, seen := byDocument[record.DocumentID]; !seen {
			order = append(order, record.DocumentID)
		}
		byDocument[record.DocumentID] = append(byDocument[record.DocumentID], record)
	}

	overdue := make(map[string]bool)
	for _, record := range Overdue(pending, c.now()) {
		overdue[record.ID] = true
	}
	items := make([]InboxItem, 0, len(pending))
	for _, documentID := range order {
		doc, err := c.repo.GetDocument(ctx, tenantID, documentID)
		if err != nil {
			return nil, classify(err, "document")
		}
		state := stateOf(doc)
		if state.Phase != PhaseStepActive || state.Step < 1 || state.Step > len(doc.Steps) {
			continue
		}
		step := doc.Steps[state.Step-1]
		records, err := c.repo.ListApprovalRecords(ctx, tenantID, documentID)
		if err != nil {
			return nil, classify(err, "approval records")
		}
		for _, record := range byDocument[documentID] {
			if record.StepID != step.ID {
				continue
			}
			group, err := c.agg.EvaluateGroup(groupRecords(records, EffectiveGroupKey(record)))
			if err != nil || group.Complete {
				continue
			}
			if step.Sequential && len(sequenceBlockers(records, record)) > 0 {
				continue
			}
			items = append(items, InboxItem{
				Record:        record,
				DocumentTitle: doc.Title,
				StepName:      step.Name,
				Overdue:       overdue[record.ID],
			})
		}
	}
	return items, nil
}

func (c *Controller) snapshotSteps(ctx context.Context, doc store.Document) ([]store.Step, error) {
	if doc.FlowID == "" {
		step := customStep(doc.Approvers)
		if err := validateStep(step); err != nil {
			return nil, err
		}
		return []store.Step{step}, nil
	}
	steps, err := c.templates.StepsForFlow(ctx, doc.TenantID, doc.FlowID)
	if err != nil {
		return nil, classify(err, "masterflow")
	}
	return buildSnapshot(steps)
}

// buildSnapshot orders the template steps and keeps those the document will
// walk through: optional steps without members are dropped, as is anything
// after the last required step.
func buildSnapshot(steps []store.Step) ([]store.Step, error) {
	ordered := append([]store.Step(nil), steps...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	last := -1
	for i, step := range ordered {
		if step.Required {
			last = i
		}
	}
	if last < 0 {
		return nil, validationError("NO_REQUIRED_STEP", "masterflow has no required step", nil)
	}

	snapshot := make([]store.Step, 0, last+1)
	for _, step := range ordered[:last+1] {
		if step.MemberCount() == 0 {
			if step.Required {
				return nil, validationError("EMPTY_STEP", "required step has no approvers", map[string]any{"stepId": step.ID})
			}
			continue
		}
		if err := validateStep(step); err != nil {
			return nil, err
		}
		snapshot = append(snapshot, step)
	}
	return snapshot, nil
}

func customStep(approvers []store.Approver) store.Step {
	return store.Step{
		Order:      1,
		Name:       "Approval",
		Required:   true,
		Sequential: true,
		Approvers:  append([]store.Approver(nil), approvers...),
	}
}

func validateStep(step store.Step) error {
	if strings.Contains(step.ID, groupKeySeparator) {
		return validationError("INVALID_STEP_ID", "step ids cannot contain ':'", map[string]any{"stepId": step.ID})
	}
	names := make(map[string]struct{}, len(step.Groups))
	for _, group := range step.Groups {
		name := strings.TrimSpace(group.Name)
		if name == "" {
			return validationError("GROUP_NAME_REQUIRED", "every group needs a name", map[string]any{"stepId": step.ID})
		}
		if strings.Contains(name, groupKeySeparator) {
			return validationError("INVALID_GROUP_NAME", "group names cannot contain ':'", map[string]any{"stepId": step.ID, "group": name})
		}
		if _, dup := names[name]; dup {
			return validationError("DUPLICATE_GROUP", "group names must be unique within a step", map[string]any{"stepId": step.ID, "group": name})
		}
		names[name] = struct{}{}
		if !group.Policy.Valid() && group.Policy != "" {
			return validationError("INVALID_POLICY", "group has an unknown quorum policy", map[string]any{"stepId": step.ID, "group": name, "policy": group.Policy})
		}
		if len(group.Members) == 0 {
			return validationError("EMPTY_GROUP", "group has no members", map[string]any{"stepId": step.ID, "group": name})
		}
	}
	return validateMembers(stepMembers(step, time.Time{}))
}

// validateMembers guards the write path: every member is identifiable,
// appears once per step, and members of one group share a policy.
func validateMembers(members []store.Member) error {
	if len(members) == 0 {
		return validationError("EMPTY_STEP", "step has no approvers", nil)
	}
	seen := make(map[string]struct{}, len(members))
	policies := make(map[string]quorum.Policy)
	for _, member := range members {
		key := strings.TrimSpace(member.Key())
		if key == "" {
			return validationError("APPROVER_REQUIRED", "approver needs a user id or an email", nil)
		}
		if _, dup := seen[key]; dup {
			return validationError("DUPLICATE_APPROVER", "approver appears more than once in a step", map[string]any{"approver": key})
		}
		seen[key] = struct{}{}
		if member.GroupKey == "" {
			continue
		}
		if policy, ok := policies[member.GroupKey]; ok && policy != member.Policy {
			return validationError("POLICY_MISMATCH", "members of one group carry different quorum policies", map[string]any{
				"groupKey": member.GroupKey,
				"policies": []quorum.Policy{policy, member.Policy},
			})
		}
		policies[member.GroupKey] = member.Policy
	}
	return nil
}

func stepMembers(step store.Step, now time.Time) []store.Member {
	var due *time.Time
	if step.DueHours > 0 && !now.IsZero() {
		at := now.Add(time.Duration(step.DueHours) * time.Hour)
		due = &at
	}
	members := make([]store.Member, 0, step.MemberCount())
	order := 0
	for _, approver := range step.Approvers {
		order++
		members = append(members, store.Member{Approver: approver, Policy: quorum.PolicyNone, Order: order, DueAt: due})
	}
	for _, group := range step.Groups {
		policy := group.Policy
		if policy == "" {
			policy = quorum.PolicyNone
		}
		for _, approver := range group.Members {
			order++
			members = append(members, store.Member{
				Approver: approver,
				GroupKey: GroupKey(step.ID, group.Name),
				Policy:   policy,
				Order:    order,
				DueAt:    due,
			})
		}
	}
	return members
}

// sequenceBlockers returns the ungrouped records of the same step that come
// before record and are still pending.
func sequenceBlockers(records []store.ApprovalRecord, record store.ApprovalRecord) []string {
	if record.GroupKey != "" {
		return nil
	}
	blockers := make([]string, 0)
	for _, other := range records {
		if other.StepID == record.StepID && other.GroupKey == "" && other.Order < record.Order && other.Status == quorum.StatusPending {
			blockers = append(blockers, other.Approver().Key())
		}
	}
	return blockers
}

func groupRecords(records []store.ApprovalRecord, groupKey string) []store.ApprovalRecord {
	out := make([]store.ApprovalRecord, 0)
	for _, record := range records {
		if EffectiveGroupKey(record) == groupKey {
			out = append(out, record)
		}
	}
	return out
}

func indexOfRecord(records []store.ApprovalRecord, recordID string) int {
	for i, record := range records {
		if record.ID == recordID {
			return i
		}
	}
	return -1
}

func ownerOf(doc store.Document) []store.Approver {
	return []store.Approver{{UserID: doc.OwnerID}}
}

func approversOf(records []store.ApprovalRecord) []store.Approver {
	out := make([]store.Approver, 0, len(records))
	for _, record := range records {
		out = append(out, record.Approver())
	}
	return out
}

func pendingApprovers(records []store.ApprovalRecord) []store.Approver {
	out := make([]store.Approver, 0)
	for _, record := range records {
		if record.Status == quorum.StatusPending {
			out = append(out, record.Approver())
		}
	}
	return out
}

func newTransition(doc store.Document, event Event, from, to State, recipients []store.Approver, at time.Time) Transition {
	ids := make([]string, 0, len(recipients))
	for _, recipient := range recipients {
		ids = append(ids, recipient.Key())
	}
	return Transition{
		TenantID:        doc.TenantID,
		DocumentID:      doc.ID,
		Title:           doc.Title,
		Event:           event,
		From:            from,
		To:              to,
		AffectedUserIDs: ids,
		Recipients:      recipients,
		At:              at,
	}
}

func (c *Controller) audit(ctx context.Context, tx store.Tx, eventType, actorID string, recordID *string, payload map[string]any) error {
	return tx.InsertAuditEvent(ctx, store.AuditEvent{
		RecordID:  recordID,
		EventType: eventType,
		ActorID:   actorID,
		Payload:   payload,
		CreatedAt: c.now().UTC(),
	})
}

func (c *Controller) notify(ctx context.Context, fired []Transition) {
	if c.notifier == nil {
		return
	}
	for _, transition := range fired {
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.notifyTimeout)
		if err := c.notifier.Notify(notifyCtx, transition); err != nil {
			log.Printf("flow: notify %s %s -> %s failed: %v", transition.DocumentID, transition.From, transition.To, err)
		}
		cancel()
	}
}

func (c *Controller) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

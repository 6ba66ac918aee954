package flow

import (
	"sort"
	"strings"
	"time"

	"masterflow/api/internal/quorum"
	"masterflow/api/internal/store"
)

const (
	groupKeySeparator = ":"
	singletonPrefix   = "record" + groupKeySeparator
)

// GroupKey is the document-unique key of a named group within a step.
// Neither part may contain the separator.
func GroupKey(stepID, groupName string) string {
	return stepID + groupKeySeparator + groupName
}

// EffectiveGroupKey returns the key a record is evaluated under. Ungrouped
// records form a group of their own.
func EffectiveGroupKey(record store.ApprovalRecord) string {
	if record.GroupKey != "" {
		return record.GroupKey
	}
	return singletonPrefix + record.ID
}

type GroupResult struct {
	GroupKey string `json:"groupKey"`
	StepID   string `json:"stepId"`
	quorum.Result
}

type StepResult struct {
	StepID   string        `json:"stepId"`
	Name     string        `json:"name,omitempty"`
	Order    int           `json:"order,omitempty"`
	Required bool          `json:"required"`
	Active   bool          `json:"active"`
	Complete bool          `json:"isComplete"`
	Outcome  quorum.Status `json:"outcome"`
	Groups   []GroupResult `json:"groups"`
}

// Aggregator partitions records by step and group and reduces group outcomes.
type Aggregator struct {
	Quorum quorum.Evaluator
}

// EvaluateGroup evaluates records that share one effective group key.
func (a Aggregator) EvaluateGroup(records []store.ApprovalRecord) (quorum.Result, error) {
	if len(records) == 0 {
		return a.Quorum.Evaluate(quorum.PolicyNone, nil), nil
	}
	policy := records[0].Policy
	if records[0].GroupKey == "" {
		policy = quorum.PolicyNone
	}
	statuses := make([]quorum.Status, 0, len(records))
	for _, record := range records {
		if record.GroupKey != "" && record.Policy != policy {
			return quorum.Result{}, validationError("POLICY_MISMATCH", "records in one group carry different quorum policies", map[string]any{
				"groupKey": record.GroupKey,
				"policies": []quorum.Policy{policy, record.Policy},
			})
		}
		if !record.Status.Valid() {
			return quorum.Result{}, validationError("INVALID_STATUS", "approval record has an unknown status", map[string]any{
				"recordId": record.ID,
				"status":   record.Status,
			})
		}
		statuses = append(statuses, record.Status)
	}
	if !policy.Valid() {
		return quorum.Result{}, validationError("INVALID_POLICY", "group has an unknown quorum policy", map[string]any{
			"groupKey": records[0].GroupKey,
			"policy":   policy,
		})
	}
	return a.Quorum.Evaluate(policy, statuses), nil
}

// EvaluateAllGroups returns one result per effective group key.
func (a Aggregator) EvaluateAllGroups(records []store.ApprovalRecord) (map[string]GroupResult, error) {
	groups, order := partition(records)
	out := make(map[string]GroupResult, len(order))
	for _, key := range order {
		members := groups[key]
		result, err := a.EvaluateGroup(members)
		if err != nil {
			return nil, err
		}
		out[key] = GroupResult{GroupKey: key, StepID: members[0].StepID, Result: result}
	}
	return out, nil
}

// EvaluateStep reduces the groups of one step: any rejected group rejects the
// step, every group approved approves it. A step without records is pending.
func (a Aggregator) EvaluateStep(stepID string, records []store.ApprovalRecord) (StepResult, error) {
	inStep := make([]store.ApprovalRecord, 0, len(records))
	for _, record := range records {
		if record.StepID == stepID {
			inStep = append(inStep, record)
		}
	}
	result := StepResult{StepID: stepID, Outcome: quorum.StatusPending, Groups: []GroupResult{}}
	if len(inStep) == 0 {
		return result, nil
	}

	groups, order := partition(inStep)
	approved := 0
	rejected := false
	for _, key := range order {
		groupResult, err := a.EvaluateGroup(groups[key])
		if err != nil {
			return StepResult{}, err
		}
		result.Groups = append(result.Groups, GroupResult{GroupKey: key, StepID: stepID, Result: groupResult})
		switch groupResult.Outcome {
		case quorum.StatusRejected:
			rejected = true
		case quorum.StatusApproved:
			approved++
		}
	}
	switch {
	case rejected:
		result.Outcome = quorum.StatusRejected
	case approved == len(order):
		result.Outcome = quorum.StatusApproved
	}
	result.Complete = result.Outcome != quorum.StatusPending
	return result, nil
}

// EvaluateDocument derives the document state from its phase, its step
// snapshot and its records. Terminal phases are authoritative: once a
// document is rejected it stays rejected whatever later records say.
func (a Aggregator) EvaluateDocument(doc store.Document, records []store.ApprovalRecord) (DocumentState, error) {
	state := stateOf(doc)
	out := DocumentState{
		DocumentID:  doc.ID,
		Phase:       state.Phase,
		CurrentStep: state.Step,
		Outcome:     quorum.StatusPending,
		Steps:       make([]StepResult, 0, len(doc.Steps)),
		Allowed:     Allowed(state.Phase),
	}

	anyRejected := false
	requiredApproved := true
	hasRequired := false
	for i, step := range doc.Steps {
		result, err := a.EvaluateStep(step.ID, records)
		if err != nil {
			return DocumentState{}, err
		}
		result.Name = step.Name
		result.Order = step.Order
		result.Required = step.Required
		result.Active = state.Phase == PhaseStepActive && state.Step == i+1
		out.Steps = append(out.Steps, result)

		if result.Outcome == quorum.StatusRejected {
			anyRejected = true
		}
		if step.Required {
			hasRequired = true
			if result.Outcome != quorum.StatusApproved {
				requiredApproved = false
			}
		}
	}

	switch state.Phase {
	case PhaseApproved:
		out.Outcome = quorum.StatusApproved
	case PhaseRejected:
		out.Outcome = quorum.StatusRejected
	case PhaseStepActive:
		switch {
		case anyRejected:
			out.Outcome = quorum.StatusRejected
		case hasRequired && requiredApproved:
			out.Outcome = quorum.StatusApproved
		}
	}
	return out, nil
}

// Overdue returns pending records whose due date is before now, oldest first.
func Overdue(records []store.ApprovalRecord, now time.Time) []store.ApprovalRecord {
	out := make([]store.ApprovalRecord, 0)
	for _, record := range records {
		if record.Status == quorum.StatusPending && record.DueAt != nil && record.DueAt.Before(now) {
			out = append(out, record)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DueAt.Before(*out[j].DueAt) })
	return out
}

func partition(records []store.ApprovalRecord) (map[string][]store.ApprovalRecord, []string) {
	groups := make(map[string][]store.ApprovalRecord)
	order := make([]string, 0)
	for _, record := range records {
		key := EffectiveGroupKey(record)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], record)
	}
	return groups, order
}

func isSingletonKey(groupKey string) (string, bool) {
	if !strings.HasPrefix(groupKey, singletonPrefix) {
		return "", false
	}
	return strings.TrimPrefix(groupKey, singletonPrefix), true
}

package quorum

// Result is the evaluation of one group. It is recomputed on every call and
// never persisted.
type Result struct {
	Complete  bool   `json:"isComplete"`
	Outcome   Status `json:"outcome"`
	Total     int    `json:"total"`
	Approved  int    `json:"approvedCount"`
	Rejected  int    `json:"rejectedCount"`
	Pending   int    `json:"pendingCount"`
	Policy    Policy `json:"policy"`
	Threshold int    `json:"threshold,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ThresholdFunc returns the number of approvals a majority group needs.
type ThresholdFunc func(total int) int

// CeilHalf is ceil(total/2): exactly half of an even group counts as a
// majority, so 2 of 4 approves.
func CeilHalf(total int) int {
	return (total + 1) / 2
}

// StrictMajority is floor(total/2)+1.
func StrictMajority(total int) int {
	return total/2 + 1
}

// Evaluator applies quorum policies. The zero value uses CeilHalf.
type Evaluator struct {
	Majority ThresholdFunc
}

var Default = Evaluator{Majority: CeilHalf}

// Evaluate runs the default evaluator.
func Evaluate(policy Policy, statuses []Status) Result {
	return Default.Evaluate(policy, statuses)
}

func Tally(statuses []Status) (approved, rejected, pending int) {
	for _, status := range statuses {
		switch status {
		case StatusApproved:
			approved++
		case StatusRejected:
			rejected++
		default:
			pending++
		}
	}
	return approved, rejected, pending
}

func (e Evaluator) Evaluate(policy Policy, statuses []Status) Result {
	if policy == "" {
		policy = PolicyNone
	}
	result := Result{
		Outcome: StatusPending,
		Total:   len(statuses),
		Policy:  policy,
	}
	if len(statuses) == 0 {
		result.Reason = "group has no approval records"
		return result
	}
	result.Approved, result.Rejected, result.Pending = Tally(statuses)

	switch policy {
	case PolicyAllRequired, PolicyNone:
		switch {
		case result.Rejected > 0:
			result.Outcome = StatusRejected
		case result.Approved == result.Total:
			result.Outcome = StatusApproved
		}
	case PolicyAnyOne:
		switch {
		case result.Approved > 0:
			result.Outcome = StatusApproved
		case result.Rejected == result.Total:
			result.Outcome = StatusRejected
		}
	case PolicyMajority:
		threshold := e.threshold(result.Total)
		result.Threshold = threshold
		switch {
		case result.Approved >= threshold:
			result.Outcome = StatusApproved
		case result.Approved+result.Pending < threshold:
			result.Outcome = StatusRejected
			result.Reason = "majority can no longer be reached"
		}
	default:
		result.Reason = "unknown quorum policy"
		return result
	}

	result.Complete = result.Outcome != StatusPending
	return result
}

func (e Evaluator) threshold(total int) int {
	if e.Majority == nil {
		return CeilHalf(total)
	}
	return e.Majority(total)
}

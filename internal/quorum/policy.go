// Package quorum evaluates the outcome of an approval group from the
// individual decisions of its members.
package quorum

import (
	"fmt"
	"strings"
)

type Policy string

const (
	PolicyNone        Policy = "none"
	PolicyAllRequired Policy = "all_required"
	PolicyAnyOne      Policy = "any_one"
	PolicyMajority    Policy = "majority"
)

// ParsePolicy accepts the canonical names plus the short forms used in
// masterflow templates ("all", "any"). An empty value means PolicyNone.
func ParsePolicy(value string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "none":
		return PolicyNone, nil
	case "all", "all_required", "allrequired":
		return PolicyAllRequired, nil
	case "any", "any_one", "anyone":
		return PolicyAnyOne, nil
	case "majority":
		return PolicyMajority, nil
	default:
		return "", fmt.Errorf("unknown quorum policy %q", value)
	}
}

func (p Policy) Valid() bool {
	switch p {
	case PolicyNone, PolicyAllRequired, PolicyAnyOne, PolicyMajority:
		return true
	default:
		return false
	}
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

func ParseStatus(value string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(value))) {
	case StatusPending:
		return StatusPending, nil
	case StatusApproved:
		return StatusApproved, nil
	case StatusRejected:
		return StatusRejected, nil
	default:
		return "", fmt.Errorf("unknown approval status %q", value)
	}
}

// Terminal reports whether a decision has been recorded.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

func (s Status) Valid() bool {
	return s == StatusPending || s.Terminal()
}

// Package rbac maps tenant roles to the actions the API exposes. Ownership
// and approver assignment are checked by the flow controller, not here.
package rbac

import "strings"

type Role string
type Action string

const (
	RoleViewer   Role = "viewer"
	RoleApprover Role = "approver"
	RoleAuthor   Role = "author"
	RoleAdmin    Role = "admin"
)

const (
	ActionView   Action = "view"
	ActionDecide Action = "decide"
	ActionAuthor Action = "author" // create, submit and cancel documents
	ActionExport Action = "export"
	ActionAdmin  Action = "admin" // manage masterflow templates
)

var grants = map[Role][]Action{
	RoleViewer:   {ActionView},
	RoleApprover: {ActionView, ActionDecide, ActionExport},
	RoleAuthor:   {ActionView, ActionDecide, ActionAuthor, ActionExport},
}

func Can(role Role, action Action) bool {
	if role == RoleAdmin {
		return true
	}
	for _, granted := range grants[role] {
		if granted == action {
			return true
		}
	}
	return false
}

// Normalize maps a token role claim onto a known role. Unknown or missing
// roles get read-only access.
func Normalize(role string) Role {
	switch r := Role(strings.ToLower(strings.TrimSpace(role))); r {
	case RoleViewer, RoleApprover, RoleAuthor, RoleAdmin:
		return r
	default:
		return RoleViewer
	}
}

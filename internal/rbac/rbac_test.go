package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer view", role: RoleViewer, action: ActionView, allow: true},
		{name: "viewer decide", role: RoleViewer, action: ActionDecide, allow: false},
		{name: "viewer export", role: RoleViewer, action: ActionExport, allow: false},
		{name: "approver decide", role: RoleApprover, action: ActionDecide, allow: true},
		{name: "approver author", role: RoleApprover, action: ActionAuthor, allow: false},
		{name: "author author", role: RoleAuthor, action: ActionAuthor, allow: true},
		{name: "author decide", role: RoleAuthor, action: ActionDecide, allow: true},
		{name: "author admin", role: RoleAuthor, action: ActionAdmin, allow: false},
		{name: "admin admin", role: RoleAdmin, action: ActionAdmin, allow: true},
		{name: "unknown role", role: Role("owner"), action: ActionView, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]Role{
		"admin":    RoleAdmin,
		"author":   RoleAuthor,
		"approver": RoleApprover,
		"viewer":   RoleViewer,
		"":         RoleViewer,
		"root":     RoleViewer,
		" Admin ":  RoleAdmin,
		"APPROVER": RoleApprover,
	}
	for input, want := range cases {
		if got := Normalize(input); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", input, got, want)
		}
	}
}

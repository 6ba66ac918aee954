// Package masterflow loads approval flow templates from YAML and validates
// them before they are stored.
package masterflow

import (
	"fmt"
	"strings"

	"masterflow/api/internal/quorum"
	"masterflow/api/internal/store"
)

// File is the top-level document of a flows file. Flows without their own
// tenant inherit Tenant.
type File struct {
	Tenant string       `yaml:"tenant"`
	Flows  []Definition `yaml:"flows"`
}

type Definition struct {
	ID          string    `yaml:"id"`
	Tenant      string    `yaml:"tenant,omitempty"`
	Name        string    `yaml:"name"`
	Description string    `yaml:"description,omitempty"`
	Steps       []StepDef `yaml:"steps"`
}

type StepDef struct {
	ID         string           `yaml:"id"`
	Order      int              `yaml:"order,omitempty"`
	Name       string           `yaml:"name"`
	Role       string           `yaml:"role,omitempty"`
	Required   *bool            `yaml:"required,omitempty"`
	Sequential bool             `yaml:"sequential,omitempty"`
	DueHours   int              `yaml:"due_hours,omitempty"`
	Approvers  []store.Approver `yaml:"approvers,omitempty"`
	Groups     []GroupDef       `yaml:"groups,omitempty"`
}

type GroupDef struct {
	Name    string           `yaml:"name"`
	Policy  string           `yaml:"policy"`
	Members []store.Approver `yaml:"members"`
}

// Masterflow converts the definition into its stored form. Steps without an
// explicit order are numbered by position and steps are required unless
// marked otherwise.
func (def Definition) Masterflow(tenantID string) (store.Masterflow, error) {
	if def.Tenant != "" {
		tenantID = def.Tenant
	}
	flow := store.Masterflow{
		ID:          strings.TrimSpace(def.ID),
		TenantID:    strings.TrimSpace(tenantID),
		Name:        strings.TrimSpace(def.Name),
		Description: strings.TrimSpace(def.Description),
		Steps:       make([]store.Step, 0, len(def.Steps)),
	}
	if flow.Name == "" {
		flow.Name = flow.ID
	}
	for idx, stepDef := range def.Steps {
		step := store.Step{
			ID:         strings.TrimSpace(stepDef.ID),
			Order:      stepDef.Order,
			Name:       strings.TrimSpace(stepDef.Name),
			Role:       strings.TrimSpace(stepDef.Role),
			Required:   stepDef.Required == nil || *stepDef.Required,
			Sequential: stepDef.Sequential,
			DueHours:   stepDef.DueHours,
			Approvers:  append([]store.Approver(nil), stepDef.Approvers...),
		}
		if step.Order == 0 {
			step.Order = idx + 1
		}
		if step.ID == "" {
			step.ID = fmt.Sprintf("step-%d", step.Order)
		}
		if step.Name == "" {
			step.Name = step.ID
		}
		for _, groupDef := range stepDef.Groups {
			policy, err := quorum.ParsePolicy(groupDef.Policy)
			if err != nil {
				return store.Masterflow{}, fmt.Errorf("masterflow %s step %s group %s: %w", flow.ID, step.ID, groupDef.Name, err)
			}
			step.Groups = append(step.Groups, store.StepGroup{
				Name:    strings.TrimSpace(groupDef.Name),
				Policy:  policy,
				Members: append([]store.Approver(nil), groupDef.Members...),
			})
		}
		flow.Steps = append(flow.Steps, step)
	}
	if err := Validate(flow); err != nil {
		return store.Masterflow{}, err
	}
	return flow, nil
}

// Validate checks a masterflow is usable as a template.
func Validate(flow store.Masterflow) error {
	if flow.ID == "" {
		return fmt.Errorf("masterflow: id is required")
	}
	if flow.TenantID == "" {
		return fmt.Errorf("masterflow %s: tenant is required", flow.ID)
	}
	if len(flow.Steps) == 0 {
		return fmt.Errorf("masterflow %s: at least one step is required", flow.ID)
	}

	stepIDs := map[string]struct{}{}
	orders := map[int]struct{}{}
	required := 0
	for idx, step := range flow.Steps {
		if _, dup := stepIDs[step.ID]; dup {
			return fmt.Errorf("masterflow %s: duplicate step id %s", flow.ID, step.ID)
		}
		stepIDs[step.ID] = struct{}{}
		if strings.Contains(step.ID, ":") {
			return fmt.Errorf("masterflow %s: step id %q cannot contain ':'", flow.ID, step.ID)
		}
		if step.Order <= 0 {
			return fmt.Errorf("masterflow %s step[%d]: order must be positive", flow.ID, idx)
		}
		if _, dup := orders[step.Order]; dup {
			return fmt.Errorf("masterflow %s: duplicate step order %d", flow.ID, step.Order)
		}
		orders[step.Order] = struct{}{}
		if step.DueHours < 0 {
			return fmt.Errorf("masterflow %s step %s: due_hours must be >= 0", flow.ID, step.ID)
		}
		if step.Required {
			required++
			if step.MemberCount() == 0 {
				return fmt.Errorf("masterflow %s step %s: required step has no approvers", flow.ID, step.ID)
			}
		}
		if err := validateStepMembers(step); err != nil {
			return fmt.Errorf("masterflow %s step %s: %w", flow.ID, step.ID, err)
		}
	}
	if required == 0 {
		return fmt.Errorf("masterflow %s: at least one step must be required", flow.ID)
	}
	return nil
}

func validateStepMembers(step store.Step) error {
	seen := map[string]struct{}{}
	check := func(approver store.Approver) error {
		key := strings.TrimSpace(approver.Key())
		if key == "" {
			return fmt.Errorf("approver needs a user or an email")
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("approver %s is listed twice", key)
		}
		seen[key] = struct{}{}
		return nil
	}
	for _, approver := range step.Approvers {
		if err := check(approver); err != nil {
			return err
		}
	}
	groups := map[string]struct{}{}
	for _, group := range step.Groups {
		if group.Name == "" {
			return fmt.Errorf("group name is required")
		}
		if strings.Contains(group.Name, ":") {
			return fmt.Errorf("group name %q cannot contain ':'", group.Name)
		}
		if _, dup := groups[group.Name]; dup {
			return fmt.Errorf("duplicate group %s", group.Name)
		}
		groups[group.Name] = struct{}{}
		if !group.Policy.Valid() {
			return fmt.Errorf("group %s: unknown quorum policy %q", group.Name, group.Policy)
		}
		if len(group.Members) == 0 {
			return fmt.Errorf("group %s has no members", group.Name)
		}
		for _, member := range group.Members {
			if err := check(member); err != nil {
				return fmt.Errorf("group %s: %w", group.Name, err)
			}
		}
	}
	return nil
}

package masterflow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"masterflow/api/internal/store"
)

// Parse decodes and validates a flows file. defaultTenant applies when the
// file names no tenant.
func Parse(data []byte, defaultTenant string) ([]store.Masterflow, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("masterflow: flows file is empty")
	}
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("masterflow: decode flows: %w", err)
	}
	tenant := file.Tenant
	if tenant == "" {
		tenant = defaultTenant
	}

	flows := make([]store.Masterflow, 0, len(file.Flows))
	seen := map[string]struct{}{}
	for idx, def := range file.Flows {
		flow, err := def.Masterflow(tenant)
		if err != nil {
			return nil, fmt.Errorf("masterflow: flows[%d]: %w", idx, err)
		}
		key := flow.TenantID + "/" + flow.ID
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("masterflow: duplicate flow %s", key)
		}
		seen[key] = struct{}{}
		flows = append(flows, flow)
	}
	return flows, nil
}

// DecodeDefinition parses a single flow for tenantID, which overrides any
// tenant named in the body. JSON decodes as well; keys keep their YAML names.
func DecodeDefinition(data []byte, tenantID string) (store.Masterflow, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return store.Masterflow{}, fmt.Errorf("masterflow: definition is empty")
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return store.Masterflow{}, fmt.Errorf("masterflow: decode definition: %w", err)
	}
	def.Tenant = ""
	return def.Masterflow(tenantID)
}

func LoadReader(r io.Reader, defaultTenant string) ([]store.Masterflow, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("masterflow: read flows: %w", err)
	}
	return Parse(content, defaultTenant)
}

func LoadFile(path, defaultTenant string) ([]store.Masterflow, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("masterflow: read %s: %w", path, err)
	}
	flows, err := Parse(content, defaultTenant)
	if err != nil {
		return nil, fmt.Errorf("masterflow: %s: %w", path, err)
	}
	return flows, nil
}

type Upserter interface {
	UpsertMasterflow(ctx context.Context, flow store.Masterflow) error
}

// Seed upserts every flow. Documents already submitted keep their snapshot.
func Seed(ctx context.Context, dst Upserter, flows []store.Masterflow) error {
	for _, flow := range flows {
		if err := dst.UpsertMasterflow(ctx, flow); err != nil {
			return fmt.Errorf("masterflow: seed %s/%s: %w", flow.TenantID, flow.ID, err)
		}
		log.Printf("masterflow: seeded %s/%s (%d steps)", flow.TenantID, flow.ID, len(flow.Steps))
	}
	return nil
}

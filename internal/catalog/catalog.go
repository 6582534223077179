// Package catalog loads object schemas, report and dashboard definitions
// and schedules from a JSON or YAML file.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"carbon-scribe/analytics-engine/internal/records"
	"carbon-scribe/analytics-engine/internal/reports"
	"carbon-scribe/analytics-engine/internal/reports/dashboard"
	"carbon-scribe/analytics-engine/internal/reports/scheduler"
	"carbon-scribe/analytics-engine/pkg/errdefs"
)

// Catalog is the decoded definitions file. Data holds inline records for
// the memory record store, keyed by object name.
type Catalog struct {
	Objects    []*records.ObjectSchema      `json:"objects"`
	Data       map[string][]records.Record  `json:"data,omitempty"`
	Reports    []*reports.ReportDefinition  `json:"reports"`
	Dashboards []*dashboard.Definition      `json:"dashboards,omitempty"`
	Schedules  []*scheduler.ScheduledReport `json:"schedules,omitempty"`
}

// Load reads and decodes the catalog at path. Files ending in .yaml or
// .yml are read as YAML, anything else as JSON.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var c *Catalog
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		c, err = DecodeYAML(data)
	default:
		c, err = Decode(bytes.NewReader(data))
	}
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// Decode parses a catalog and checks that ids are unique within each
// section. Unknown top-level fields are rejected.
func Decode(r io.Reader) (*Catalog, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var c Catalog
	if err := dec.Decode(&c); err != nil {
		return nil, errdefs.Validation("catalog", "invalid_json", "failed to parse catalog: %v", err)
	}
	if err := c.checkIDs(); err != nil {
		return nil, err
	}
	return &c, nil
}

// DecodeYAML parses a YAML catalog. The document is re-encoded as JSON and
// goes through Decode, so both forms accept exactly the same fields.
func DecodeYAML(data []byte) (*Catalog, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errdefs.Validation("catalog", "invalid_yaml", "failed to parse catalog: %v", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, errdefs.Validation("catalog", "invalid_yaml", "catalog cannot be represented as JSON: %v", err)
	}
	return Decode(bytes.NewReader(raw))
}

func (c *Catalog) checkIDs() error {
	type section struct {
		name string
		ids  []string
	}
	sections := []section{{name: "objects"}, {name: "reports"}, {name: "dashboards"}, {name: "schedules"}}
	for _, o := range c.Objects {
		sections[0].ids = append(sections[0].ids, o.Name)
	}
	for _, r := range c.Reports {
		sections[1].ids = append(sections[1].ids, r.ID)
	}
	for _, d := range c.Dashboards {
		sections[2].ids = append(sections[2].ids, d.ID)
	}
	for _, s := range c.Schedules {
		sections[3].ids = append(sections[3].ids, s.ID)
	}

	for _, s := range sections {
		seen := make(map[string]bool, len(s.ids))
		for _, id := range s.ids {
			if id == "" {
				return errdefs.Validation(s.name, "required", "%s entry without an id", s.name)
			}
			if seen[id] {
				return errdefs.Validation(s.name, "duplicate", "duplicate %s id %q", s.name, id)
			}
			seen[id] = true
		}
	}
	return nil
}

// Registry builds the schema registry from the catalog's objects.
func (c *Catalog) Registry() (*records.Registry, error) {
	reg, err := records.NewRegistry(c.Objects...)
	if err != nil {
		return nil, fmt.Errorf("invalid object schemas: %w", err)
	}
	return reg, nil
}

// Seed copies inline data into store. Objects without a schema are
// rejected.
func (c *Catalog) Seed(store *records.MemoryStore, reg *records.Registry) error {
	for object, recs := range c.Data {
		if _, err := reg.Get(object); err != nil {
			return fmt.Errorf("inline data: %w", err)
		}
		store.Put(object, recs...)
	}
	return nil
}

// Targets are the managers a catalog is applied to. Dashboards and
// Scheduler may be nil.
type Targets struct {
	Reports    *reports.Service
	Dashboards *dashboard.Manager
	Scheduler  *scheduler.Manager
}

// Apply registers reports first, then dashboards and schedules, since the
// latter two reference reports. It stops at the first invalid definition.
func (c *Catalog) Apply(ctx context.Context, t Targets) error {
	for _, def := range c.Reports {
		if err := t.Reports.RegisterReport(ctx, def); err != nil {
			return err
		}
	}
	if t.Dashboards != nil && len(c.Dashboards) > 0 {
		if err := t.Dashboards.Load(ctx, c.Dashboards); err != nil {
			return err
		}
	}
	if t.Scheduler != nil && len(c.Schedules) > 0 {
		if err := t.Scheduler.Load(ctx, c.Schedules); err != nil {
			return err
		}
	}
	return nil
}

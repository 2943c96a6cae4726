package rubric

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"convoscore/internal/eval"
)

// Rubric names the criteria and weights a transcript is scored against.
// Rubrics are read-only from the core's point of view.
type Rubric struct {
	ID          string           `yaml:"id"`
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Criteria    []RubricCriteria `yaml:"criteria"`
}

// RubricCriteria is one weighted dimension of a rubric.
type RubricCriteria struct {
	Name        string  `yaml:"name"`
	Weight      float64 `yaml:"weight"`
	Description string  `yaml:"description"`
}

// PromptText renders the rubric as plain text for the evaluation call.
func (r *Rubric) PromptText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", r.Name)
	if r.Description != "" {
		fmt.Fprintf(&b, "%s\n", r.Description)
	}
	for i, c := range r.Criteria {
		fmt.Fprintf(&b, "%d. %s (weight %.0f)", i+1, c.Name, c.Weight)
		if c.Description != "" {
			fmt.Fprintf(&b, ": %s", c.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Registry is a read-only lookup of rubrics by id, loaded once from a
// directory of YAML files.
type Registry struct {
	byID      map[string]*Rubric
	defaultID string
}

// NewRegistry loads every *.yaml/*.yml file under dir. A missing directory
// yields a registry with just the built-in default rubric.
func NewRegistry(dir, defaultID string) (*Registry, error) {
	reg := &Registry{
		byID:      map[string]*Rubric{defaultRubric.ID: defaultRubric},
		defaultID: defaultRubric.ID,
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, fmt.Errorf("read rubrics dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name)) // #nosec G304 - enumerated rubric dir
		if err != nil {
			return nil, fmt.Errorf("read rubric %s: %w", name, err)
		}
		var r Rubric
		if err := yaml.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("parse rubric %s: %w", name, err)
		}
		if strings.TrimSpace(r.ID) == "" {
			r.ID = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		}
		if err := validate(&r); err != nil {
			return nil, fmt.Errorf("rubric %s: %w", r.ID, err)
		}
		reg.byID[r.ID] = &r
	}

	if defaultID != "" {
		if _, ok := reg.byID[defaultID]; !ok {
			return nil, fmt.Errorf("default rubric %q not found", defaultID)
		}
		reg.defaultID = defaultID
	}
	return reg, nil
}

func validate(r *Rubric) error {
	if len(r.Criteria) == 0 {
		return fmt.Errorf("no criteria")
	}
	for _, c := range r.Criteria {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("criterion with empty name")
		}
		if c.Weight <= 0 {
			return fmt.Errorf("criterion %q has non-positive weight", c.Name)
		}
	}
	return nil
}

// Get returns the rubric for id, or false if none is registered.
func (reg *Registry) Get(id string) (*Rubric, bool) {
	r, ok := reg.byID[id]
	return r, ok
}

// Default returns the configured default rubric.
func (reg *Registry) Default() *Rubric {
	return reg.byID[reg.defaultID]
}

// IDs lists every registered rubric id, sorted.
func (reg *Registry) IDs() []string {
	ids := make([]string, 0, len(reg.byID))
	for id := range reg.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// defaultRubric mirrors the canonical criteria table so evaluation works out
// of the box without any rubric files on disk.
var defaultRubric = func() *Rubric {
	r := &Rubric{
		ID:   "default",
		Name: "Standard Call Evaluation",
	}
	for _, c := range eval.CanonicalCriteria {
		r.Criteria = append(r.Criteria, RubricCriteria{Name: c.Name, Weight: c.Weight})
	}
	return r
}()

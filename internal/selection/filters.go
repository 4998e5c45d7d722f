package selection

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/spigell/profilegen/internal/kpi"
	"github.com/spigell/profilegen/internal/orgcache"
)

type withoutProfileFilter struct {
	disabled bool
	reason   string
}

// NewWithoutProfile creates a filter that removes positions that already have a profile.
func NewWithoutProfile() Filter {
	return &withoutProfileFilter{}
}

func (f *withoutProfileFilter) Name() string { return "without_profile" }

func (f *withoutProfileFilter) Disable(reason string) {
	f.disabled = true
	f.reason = reason
}

func (f *withoutProfileFilter) IsEnabled() bool { return !f.disabled }

func (f *withoutProfileFilter) Apply(_ context.Context, positions []orgcache.Position) ([]orgcache.Position, Step, error) {
	left, step := keep(positions, func(p orgcache.Position) bool { return !p.ProfileExists })
	return left, step, nil
}

func (f *withoutProfileFilter) Status() Status {
	return Status{Name: f.Name(), Enabled: f.IsEnabled(), Reason: f.reason}
}

type departmentFilter struct {
	prefix []string
}

// NewDepartment creates a filter that keeps positions under the given department path prefix.
// Segments are compared case-insensitively with collapsed whitespace. An empty prefix keeps everything.
func NewDepartment(prefix []string) Filter {
	normalized := make([]string, 0, len(prefix))
	for _, segment := range prefix {
		if s := kpi.Normalize(segment); s != "" {
			normalized = append(normalized, s)
		}
	}
	return &departmentFilter{prefix: normalized}
}

func (f *departmentFilter) Name() string { return "department" }

func (f *departmentFilter) Disable(string) {}

func (f *departmentFilter) IsEnabled() bool { return true }

func (f *departmentFilter) Apply(_ context.Context, positions []orgcache.Position) ([]orgcache.Position, Step, error) {
	if len(f.prefix) == 0 {
		return positions, Step{Initial: len(positions), Left: len(positions)}, nil
	}

	left, step := keep(positions, func(p orgcache.Position) bool {
		if len(p.DepartmentPath) < len(f.prefix) {
			return false
		}
		for i, segment := range f.prefix {
			if kpi.Normalize(p.DepartmentPath[i]) != segment {
				return false
			}
		}
		return true
	})
	return left, step, nil
}

func (f *departmentFilter) Status() Status {
	details := map[string]string{}
	if len(f.prefix) > 0 {
		details["prefix"] = strings.Join(f.prefix, " / ")
	}
	return Status{Name: f.Name(), Enabled: true, Details: details}
}

// ExcludedPositions is the content of an exclude file.
type ExcludedPositions struct {
	Items []string `yaml:"items" json:"items"`
}

// ReadExcludeFile reads position ids from a YAML or JSON exclude file. An empty file excludes nothing.
func ReadExcludeFile(path string) (*ExcludedPositions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var excluded ExcludedPositions
	if len(strings.TrimSpace(string(data))) == 0 {
		return &excluded, nil
	}

	if err := yaml.Unmarshal(data, &excluded); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &excluded, nil
}

type excludeFileFilter struct {
	path string
}

// NewExcludeFile creates a filter that removes positions listed in an exclude file.
func NewExcludeFile(path string) Filter {
	return &excludeFileFilter{path: strings.TrimSpace(path)}
}

func (f *excludeFileFilter) Name() string { return "exclude_file" }

func (f *excludeFileFilter) Disable(string) {}

func (f *excludeFileFilter) IsEnabled() bool { return true }

func (f *excludeFileFilter) Apply(_ context.Context, positions []orgcache.Position) ([]orgcache.Position, Step, error) {
	if f.path == "" {
		return positions, Step{Initial: len(positions), Left: len(positions)}, nil
	}

	excluded, err := ReadExcludeFile(f.path)
	if err != nil {
		return nil, Step{}, fmt.Errorf("getting excluded positions from file: %w", err)
	}

	ids := make(map[string]bool, len(excluded.Items))
	for _, id := range excluded.Items {
		ids[strings.TrimSpace(id)] = true
	}

	left, step := keep(positions, func(p orgcache.Position) bool { return !ids[p.PositionID] })
	return left, step, nil
}

func (f *excludeFileFilter) Status() Status {
	details := map[string]string{}
	if f.path != "" {
		details["path"] = f.path
	}
	return Status{Name: f.Name(), Enabled: true, Details: details}
}

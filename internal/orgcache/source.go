package orgcache

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// catalog is the on-disk layout of a position catalog. JSON files parse as YAML too.
type catalog struct {
	Positions []Position `yaml:"positions"`
}

// FileSource reads the position catalog from a YAML or JSON file on every call.
type FileSource struct {
	Path string
}

// Positions implements Source.
func (s FileSource) Positions(_ context.Context) ([]Position, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %q: %w", s.Path, err)
	}

	var c catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing catalog %q: %w", s.Path, err)
	}

	return c.Positions, nil
}

// StaticSource serves a fixed list of positions.
type StaticSource []Position

// Positions implements Source.
func (s StaticSource) Positions(_ context.Context) ([]Position, error) {
	out := make([]Position, 0, len(s))
	for _, p := range s {
		out = append(out, p.clone())
	}
	return out, nil
}

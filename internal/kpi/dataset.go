package kpi

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/spigell/profilegen/internal/logger"
)

// ErrDatasetNotFound is returned when no dataset file exists for a key.
var ErrDatasetNotFound = errors.New("kpi dataset not found")

// Row is one KPI line of a dataset.
type Row struct {
	Name        string  `json:"name" mapstructure:"name"`
	Unit        string  `json:"unit,omitempty" mapstructure:"unit"`
	Target      string  `json:"target,omitempty" mapstructure:"target"`
	Weight      float64 `json:"weight,omitempty" mapstructure:"weight"`
	Period      string  `json:"period,omitempty" mapstructure:"period"`
	Responsible string  `json:"responsible,omitempty" mapstructure:"responsible"`
}

// Dataset is the KPI set of one department.
type Dataset struct {
	Key        string `json:"key" mapstructure:"-"`
	Department string `json:"department" mapstructure:"department"`
	Rows       []Row  `json:"rows" mapstructure:"rows"`
	// PositionsMap resolves ambiguous column labels (e.g. "Руководитель") to a concrete role.
	PositionsMap map[string]string `json:"positions_map,omitempty" mapstructure:"positions_map"`
}

// Responsible returns the concrete role behind a row's responsible label.
func (d *Dataset) Responsible(r Row) string {
	if role, ok := d.PositionsMap[r.Responsible]; ok {
		return role
	}
	return r.Responsible
}

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	// Dir holds one <key>.yaml file per dataset.
	Dir    string
	Logger *zap.Logger
}

func (c *LoaderConfig) defaults() error {
	if c.Dir == "" {
		return fmt.Errorf("dataset dir is required")
	}
	c.Logger = logger.OrNop(c.Logger).With(zap.String("svc", "kpi"))
	return nil
}

// Loader reads datasets from disk once per key.
type Loader struct {
	cfg LoaderConfig

	mu    sync.Mutex
	cache map[string]*Dataset
}

// NewLoader returns a Loader reading from cfg.Dir.
func NewLoader(cfg LoaderConfig) (*Loader, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Loader{cfg: cfg, cache: map[string]*Dataset{}}, nil
}

// Dataset returns the dataset for key. Returned datasets are shared and must not be modified.
func (l *Loader) Dataset(_ context.Context, key string) (*Dataset, error) {
	if key == "" || key != filepath.Base(key) || strings.HasPrefix(key, ".") {
		return nil, fmt.Errorf("%w: invalid key %q", ErrDatasetNotFound, key)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if d, ok := l.cache[key]; ok {
		return d, nil
	}

	d, err := l.read(key)
	if err != nil {
		return nil, err
	}
	l.cache[key] = d

	l.cfg.Logger.Debug("kpi dataset loaded", zap.String("key", key), zap.Int("rows", len(d.Rows)))

	return d, nil
}

func (l *Loader) read(key string) (*Dataset, error) {
	path := filepath.Join(l.cfg.Dir, key+".yaml")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("reading dataset %q: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing dataset %q: %w", path, err)
	}

	d := &Dataset{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           d,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("decoding dataset %q: %w", path, err)
	}

	d.Key = key
	if d.Department == "" {
		d.Department = key
	}

	return d, nil
}

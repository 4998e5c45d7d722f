package kpi_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/profilegen/internal/kpi"
)

const ditDataset = `department: Департамент информационных технологий
positions_map:
  Руководитель: Директор по информационным технологиям
rows:
  - name: Доступность ключевых систем
    unit: "%"
    target: 99.5
    weight: "0.4"
    period: квартал
    responsible: Руководитель
  - name: Срок закрытия инцидентов
    unit: ч
    target: "4"
    weight: 0.6
    period: месяц
    responsible: Руководитель группы поддержки
`

func TestLoaderDataset(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dit.yaml"), []byte(ditDataset), 0o600))

	l, err := kpi.NewLoader(kpi.LoaderConfig{Dir: dir})
	require.NoError(t, err)

	d, err := l.Dataset(context.Background(), "dit")
	require.NoError(t, err)

	assert.Equal(t, "dit", d.Key)
	assert.Equal(t, "Департамент информационных технологий", d.Department)
	require.Len(t, d.Rows, 2)
	assert.Equal(t, "99.5", d.Rows[0].Target)
	assert.InDelta(t, 0.4, d.Rows[0].Weight, 1e-9)
	assert.Equal(t, "Директор по информационным технологиям", d.Responsible(d.Rows[0]))
	assert.Equal(t, "Руководитель группы поддержки", d.Responsible(d.Rows[1]))
}

func TestLoaderCachesPerKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(ditDataset), 0o600))

	l, err := kpi.NewLoader(kpi.LoaderConfig{Dir: dir})
	require.NoError(t, err)

	first, err := l.Dataset(context.Background(), "dit")
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))

	second, err := l.Dataset(context.Background(), "dit")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestLoaderErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("rows: [\n"), 0o600))

	l, err := kpi.NewLoader(kpi.LoaderConfig{Dir: dir})
	require.NoError(t, err)

	tests := map[string]struct {
		key         string
		expNotFound bool
	}{
		"missing file":   {key: "absent", expNotFound: true},
		"path traversal": {key: "../etc", expNotFound: true},
		"empty key":      {key: "", expNotFound: true},
		"invalid yaml":   {key: "broken", expNotFound: false},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := l.Dataset(context.Background(), test.key)
			require.Error(t, err)
			assert.Equal(t, test.expNotFound, errors.Is(err, kpi.ErrDatasetNotFound))
		})
	}
}

func TestNewLoaderRequiresDir(t *testing.T) {
	_, err := kpi.NewLoader(kpi.LoaderConfig{})
	assert.Error(t, err)
}

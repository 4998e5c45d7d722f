package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/profilegen/internal/storage"
	"github.com/spigell/profilegen/internal/storage/sqlite"
)

func getTestRepository(t *testing.T) *sqlite.Repository {
	t.Helper()

	repo, err := sqlite.NewRepository(context.Background(), sqlite.RepositoryConfig{
		DBPath: filepath.Join(t.TempDir(), "data", "profiles.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	return repo
}

func TestSaveAndGet(t *testing.T) {
	ctx := context.Background()
	repo := getTestRepository(t)
	createdAt := time.Date(2026, 3, 1, 10, 0, 0, 123, time.UTC)

	p := storage.Profile{
		ID:           "p-1",
		PositionID:   "pos-42",
		PositionName: "Аналитик",
		Department:   "Отдел разработки",
		TaskID:       "task-1",
		DatasetKey:   "dit",
		Provider:     "gemini",
		Model:        "gemini-2.5-pro",
		Content:      map[string]any{"position_title": "Аналитик", "responsibilities": []any{"Сбор требований"}},
		CreatedAt:    createdAt,
	}
	require.NoError(t, repo.Save(ctx, p))

	got, err := repo.Get(ctx, "p-1")
	require.NoError(t, err)
	assert.True(t, createdAt.Equal(got.CreatedAt))
	got.CreatedAt = createdAt
	assert.Equal(t, p, *got)

	err = repo.Save(ctx, p)
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestGetByPositionReturnsNewest(t *testing.T) {
	ctx := context.Background()
	repo := getTestRepository(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	profiles := []storage.Profile{
		{ID: "p-2", PositionID: "pos-42", CreatedAt: now.Add(time.Hour), Content: map[string]any{}},
		{ID: "p-1", PositionID: "pos-42", CreatedAt: now, Content: map[string]any{}},
		{ID: "p-3", PositionID: "pos-7", CreatedAt: now, Content: map[string]any{}},
	}
	for _, p := range profiles {
		require.NoError(t, repo.Save(ctx, p))
	}

	got, err := repo.GetByPosition(ctx, "pos-42")
	require.NoError(t, err)
	assert.Equal(t, "p-2", got.ID)

	positions, err := repo.ProfilePositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"pos-42": "p-2", "pos-7": "p-3"}, positions)
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	repo := getTestRepository(t)

	tests := map[string]func() error{
		"get by id": func() error {
			_, err := repo.Get(ctx, "missing")
			return err
		},
		"get by position": func() error {
			_, err := repo.GetByPosition(ctx, "pos-missing")
			return err
		},
	}

	for name, call := range tests {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, call(), storage.ErrNotFound)
		})
	}
}

func TestNewRepositoryRequiresPath(t *testing.T) {
	_, err := sqlite.NewRepository(context.Background(), sqlite.RepositoryConfig{})
	assert.Error(t, err)
}

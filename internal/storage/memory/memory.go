package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"go.uber.org/zap"

	"github.com/spigell/profilegen/internal/logger"
	"github.com/spigell/profilegen/internal/storage"
)

// RepositoryConfig is the configuration for the memory repository.
type RepositoryConfig struct {
	Logger *zap.Logger
}

func (c *RepositoryConfig) defaults() error {
	c.Logger = logger.OrNop(c.Logger).With(zap.String("svc", "storage.Memory"))
	return nil
}

// Repository is an in-memory implementation of storage.Repository.
type Repository struct {
	profiles map[string]storage.Profile
	// latest holds the newest profile id per position.
	latest map[string]string
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewRepository creates a new memory repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Repository{
		profiles: map[string]storage.Profile{},
		latest:   map[string]string{},
		logger:   cfg.Logger,
	}, nil
}

// Save stores a new profile.
func (r *Repository) Save(_ context.Context, p storage.Profile) error {
	if p.ID == "" || p.PositionID == "" {
		return fmt.Errorf("profile id and position id are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.profiles[p.ID]; ok {
		return fmt.Errorf("profile %s: %w", p.ID, storage.ErrAlreadyExists)
	}

	p.Content = maps.Clone(p.Content)
	r.profiles[p.ID] = p

	if currentID, ok := r.latest[p.PositionID]; !ok || !r.profiles[currentID].CreatedAt.After(p.CreatedAt) {
		r.latest[p.PositionID] = p.ID
	}

	r.logger.Debug("profile saved", zap.String("profile_id", p.ID), zap.String(logger.FieldPositionID, p.PositionID))

	return nil
}

// Get retrieves a profile by id.
func (r *Repository) Get(_ context.Context, id string) (*storage.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[id]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", id, storage.ErrNotFound)
	}

	p.Content = maps.Clone(p.Content)
	return &p, nil
}

// GetByPosition retrieves the newest profile of a position.
func (r *Repository) GetByPosition(ctx context.Context, positionID string) (*storage.Profile, error) {
	r.mu.RLock()
	id, ok := r.latest[positionID]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("profile for position %s: %w", positionID, storage.ErrNotFound)
	}
	return r.Get(ctx, id)
}

// ProfilePositions implements storage.Repository.
func (r *Repository) ProfilePositions(_ context.Context) (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return maps.Clone(r.latest), nil
}

package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a profile does not exist.
	ErrNotFound = errors.New("profile not found")
	// ErrAlreadyExists is returned when a profile id is saved twice.
	ErrAlreadyExists = errors.New("profile already exists")
)

// Profile is a generated position profile. A position may have several profiles over time;
// the newest one is current.
type Profile struct {
	ID           string         `json:"id" bson:"_id"`
	PositionID   string         `json:"position_id" bson:"position_id"`
	PositionName string         `json:"position_name" bson:"position_name"`
	Department   string         `json:"department" bson:"department"`
	TaskID       string         `json:"task_id" bson:"task_id"`
	DatasetKey   string         `json:"dataset_key" bson:"dataset_key"`
	Provider     string         `json:"provider" bson:"provider"`
	Model        string         `json:"model" bson:"model"`
	Content      map[string]any `json:"content" bson:"content"`
	CreatedAt    time.Time      `json:"created_at" bson:"created_at"`
}

// Repository is the interface for profile persistence.
type Repository interface {
	Save(ctx context.Context, p Profile) error
	Get(ctx context.Context, id string) (*Profile, error)
	// GetByPosition returns the newest profile of a position.
	GetByPosition(ctx context.Context, positionID string) (*Profile, error)
	// ProfilePositions maps every position with a profile to its newest profile id.
	ProfilePositions(ctx context.Context) (map[string]string, error)
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/spigell/profilegen/internal/logger"
	"github.com/spigell/profilegen/internal/storage"
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS profiles (
	id            TEXT PRIMARY KEY,
	position_id   TEXT NOT NULL,
	position_name TEXT NOT NULL,
	department    TEXT NOT NULL,
	task_id       TEXT NOT NULL,
	dataset_key   TEXT NOT NULL,
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL,
	content       TEXT NOT NULL,
	created_at    INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_profiles_position ON profiles (position_id, created_at)`,
}

// RepositoryConfig is the configuration for the SQLite repository.
type RepositoryConfig struct {
	DBPath string
	Logger *zap.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	c.Logger = logger.OrNop(c.Logger).With(zap.String("svc", "storage.SQLite"))
	return nil
}

// Repository is a SQLite implementation of storage.Repository.
type Repository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRepository opens the database and creates the schema when missing.
func NewRepository(ctx context.Context, cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("could not create schema: %w", err)
		}
	}

	cfg.Logger.Debug("sqlite repository initialized", zap.String("path", cfg.DBPath))

	return &Repository{db: db, logger: cfg.Logger}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error { return r.db.Close() }

// Save stores a new profile.
func (r *Repository) Save(ctx context.Context, p storage.Profile) error {
	if p.ID == "" || p.PositionID == "" {
		return fmt.Errorf("profile id and position id are required")
	}

	content, err := json.Marshal(p.Content)
	if err != nil {
		return fmt.Errorf("could not marshal profile content: %w", err)
	}

	query := `
		INSERT INTO profiles (
			id, position_id, position_name, department,
			task_id, dataset_key, provider, model,
			content, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, query,
		p.ID, p.PositionID, p.PositionName, p.Department,
		p.TaskID, p.DatasetKey, p.Provider, p.Model,
		string(content), p.CreatedAt.UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: profiles.") {
			return fmt.Errorf("profile %s: %w", p.ID, storage.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert profile: %w", err)
	}

	r.logger.Debug("profile saved", zap.String("profile_id", p.ID), zap.String(logger.FieldPositionID, p.PositionID))
	return nil
}

const selectProfile = `
	SELECT
		id, position_id, position_name, department,
		task_id, dataset_key, provider, model,
		content, created_at
	FROM profiles
`

// Get retrieves a profile by id.
func (r *Repository) Get(ctx context.Context, id string) (*storage.Profile, error) {
	p, err := r.scanOne(ctx, selectProfile+` WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("profile %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query profile: %w", err)
	}
	return p, nil
}

// GetByPosition retrieves the newest profile of a position.
func (r *Repository) GetByPosition(ctx context.Context, positionID string) (*storage.Profile, error) {
	query := selectProfile + ` WHERE position_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`

	p, err := r.scanOne(ctx, query, positionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("profile for position %s: %w", positionID, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query profile: %w", err)
	}
	return p, nil
}

// ProfilePositions implements storage.Repository.
func (r *Repository) ProfilePositions(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT position_id, id FROM profiles ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("could not query profiles: %w", err)
	}
	defer rows.Close()

	result := map[string]string{}
	for rows.Next() {
		var positionID, id string
		if err := rows.Scan(&positionID, &id); err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		// Rows are ordered oldest first so the newest profile wins.
		result[positionID] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return result, nil
}

func (r *Repository) scanOne(ctx context.Context, query string, arg any) (*storage.Profile, error) {
	var (
		p         storage.Profile
		content   string
		createdAt int64
	)

	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&p.ID, &p.PositionID, &p.PositionName, &p.Department,
		&p.TaskID, &p.DatasetKey, &p.Provider, &p.Model,
		&content, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(content), &p.Content); err != nil {
		return nil, fmt.Errorf("could not unmarshal profile content: %w", err)
	}
	p.CreatedAt = time.Unix(0, createdAt).UTC()

	return &p, nil
}

package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/spigell/profilegen/internal/logger"
	"github.com/spigell/profilegen/internal/storage"
)

const (
	defaultDatabase   = "profilegen"
	defaultCollection = "profiles"
	connectTimeout    = 10 * time.Second
)

// RepositoryConfig is the configuration for the MongoDB repository.
type RepositoryConfig struct {
	URI        string
	Database   string
	Collection string
	Logger     *zap.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.URI == "" {
		return fmt.Errorf("mongo uri is required")
	}
	if c.Database == "" {
		c.Database = defaultDatabase
	}
	if c.Collection == "" {
		c.Collection = defaultCollection
	}
	c.Logger = logger.OrNop(c.Logger).With(zap.String("svc", "storage.Mongo"))
	return nil
}

// Repository is a MongoDB implementation of storage.Repository.
type Repository struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewRepository connects, pings and ensures the position index.
func NewRepository(ctx context.Context, cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	// Nested profile documents decode into maps so they serialize back to plain JSON.
	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	collection := client.Database(cfg.Database).Collection(cfg.Collection)

	indexModel := mongo.IndexModel{
		Keys: bson.D{{Key: "position_id", Value: 1}, {Key: "created_at", Value: -1}},
	}
	if _, err := collection.Indexes().CreateOne(ctx, indexModel); err != nil {
		cfg.Logger.Warn("position index creation failed", zap.Error(err))
	}

	cfg.Logger.Info("connected to MongoDB",
		zap.String("database", cfg.Database),
		zap.String("collection", cfg.Collection),
	)

	return &Repository{client: client, collection: collection, logger: cfg.Logger}, nil
}

// Close disconnects the client.
func (r *Repository) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}

// Save stores a new profile.
func (r *Repository) Save(ctx context.Context, p storage.Profile) error {
	if p.ID == "" || p.PositionID == "" {
		return fmt.Errorf("profile id and position id are required")
	}

	if _, err := r.collection.InsertOne(ctx, p); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("profile %s: %w", p.ID, storage.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert profile: %w", err)
	}

	r.logger.Debug("profile saved", zap.String("profile_id", p.ID), zap.String(logger.FieldPositionID, p.PositionID))
	return nil
}

// Get retrieves a profile by id.
func (r *Repository) Get(ctx context.Context, id string) (*storage.Profile, error) {
	return r.findOne(ctx, bson.M{"_id": id}, options.FindOne(), fmt.Sprintf("profile %s", id))
}

// GetByPosition retrieves the newest profile of a position.
func (r *Repository) GetByPosition(ctx context.Context, positionID string) (*storage.Profile, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	return r.findOne(ctx, bson.M{"position_id": positionID}, opts, fmt.Sprintf("profile for position %s", positionID))
}

// ProfilePositions implements storage.Repository.
func (r *Repository) ProfilePositions(ctx context.Context) (map[string]string, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetProjection(bson.M{"_id": 1, "position_id": 1})

	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("could not query profiles: %w", err)
	}
	defer cursor.Close(ctx)

	result := map[string]string{}
	for cursor.Next(ctx) {
		var doc struct {
			ID         string `bson:"_id"`
			PositionID string `bson:"position_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("could not decode profile: %w", err)
		}
		result[doc.PositionID] = doc.ID
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("error iterating profiles: %w", err)
	}

	return result, nil
}

func (r *Repository) findOne(ctx context.Context, filter bson.M, opts *options.FindOneOptions, what string) (*storage.Profile, error) {
	var p storage.Profile
	err := r.collection.FindOne(ctx, filter, opts).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("could not query profile: %w", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

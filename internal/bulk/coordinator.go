package bulk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/spigell/profilegen/internal/generation"
	"github.com/spigell/profilegen/internal/logger"
	"github.com/spigell/profilegen/internal/orgcache"
)

const (
	defaultConcurrency    = 3
	defaultMaxConcurrency = 10
)

// ErrNotFound is returned for unknown batch ids.
var ErrNotFound = errors.New("batch not found")

// Tasks is the part of the orchestrator a batch drives.
type Tasks interface {
	Create(ctx context.Context, req generation.Request) (generation.Task, error)
	Run(ctx context.Context, id string) error
	Get(id string) (generation.Task, error)
	Cancel(id string) (generation.Status, generation.Status, error)
	Remove(ids ...string) int
}

// Catalog validates position ids before any task is created.
type Catalog interface {
	Position(ctx context.Context, id string) (orgcache.Position, bool, error)
}

// Config configures a Coordinator.
type Config struct {
	Tasks   Tasks
	Catalog Catalog
	// DefaultConcurrency applies when a request asks for 0.
	DefaultConcurrency int
	// MaxConcurrency caps every request.
	MaxConcurrency int

	Now    func() time.Time
	NewID  func() string
	Logger *zap.Logger
}

func (c *Config) defaults() error {
	if c.Tasks == nil {
		return fmt.Errorf("tasks are required")
	}
	if c.Catalog == nil {
		return fmt.Errorf("catalog is required")
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = defaultMaxConcurrency
	}
	if c.DefaultConcurrency <= 0 {
		c.DefaultConcurrency = defaultConcurrency
	}
	if c.DefaultConcurrency > c.MaxConcurrency {
		c.DefaultConcurrency = c.MaxConcurrency
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewID == nil {
		c.NewID = func() string { return ulid.Make().String() }
	}
	c.Logger = logger.OrNop(c.Logger).With(zap.String("svc", "bulk"))
	return nil
}

// Batch is an accepted bulk request.
type Batch struct {
	ID               string    `json:"batch_id"`
	TaskIDs          []string  `json:"task_ids"`
	ConcurrencyLimit int       `json:"concurrency_limit"`
	CreatedAt        time.Time `json:"created_at"`
}

type batch struct {
	Batch

	cancel context.CancelFunc
	done   chan struct{}
}

// Coordinator fans batches out to the orchestrator under a per-batch concurrency limit.
type Coordinator struct {
	cfg Config

	mu      sync.RWMutex
	batches map[string]*batch

	// slots bounds running items across all batches at MaxConcurrency.
	slots *semaphore.Weighted

	baseCtx  context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		cfg:      cfg,
		batches:  map[string]*batch{},
		slots:    semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		baseCtx:  ctx,
		shutdown: cancel,
	}, nil
}

// Submit validates every position, creates one queued task per distinct position and starts
// dispatching them. Nothing is created when any position is unknown.
func (c *Coordinator) Submit(ctx context.Context, positionIDs []string, concurrencyLimit int) (Batch, error) {
	ids, err := c.validate(ctx, positionIDs)
	if err != nil {
		return Batch{}, err
	}

	limit, err := c.limit(concurrencyLimit)
	if err != nil {
		return Batch{}, err
	}

	b := &batch{
		Batch: Batch{
			ID:               c.cfg.NewID(),
			ConcurrencyLimit: limit,
			CreatedAt:        c.cfg.Now(),
		},
		done: make(chan struct{}),
	}
	log := logger.WithFields(c.cfg.Logger, logger.TaskFields("", "", b.ID)...)

	for _, id := range ids {
		task, err := c.cfg.Tasks.Create(ctx, generation.Request{PositionID: id, BatchID: b.ID})
		if err != nil {
			c.discard(b.TaskIDs)
			return Batch{}, fmt.Errorf("creating task for position %q: %w", id, err)
		}
		b.TaskIDs = append(b.TaskIDs, task.ID)
	}

	runCtx, cancel := context.WithCancel(c.baseCtx)
	b.cancel = cancel

	c.mu.Lock()
	c.batches[b.ID] = b
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatch(runCtx, b, log)
	}()

	log.Info("bulk batch accepted", zap.Int("tasks", len(b.TaskIDs)), zap.Int("concurrency_limit", limit))

	return b.copy(), nil
}

func (c *Coordinator) validate(ctx context.Context, positionIDs []string) ([]string, error) {
	if len(positionIDs) == 0 {
		return nil, fmt.Errorf("%w: position_ids must not be empty", generation.ErrValidation)
	}

	seen := make(map[string]bool, len(positionIDs))
	ids := make([]string, 0, len(positionIDs))
	var unknown []string

	for _, id := range positionIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("%w: position_ids must not contain empty ids", generation.ErrValidation)
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		_, ok, err := c.cfg.Catalog.Position(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolving position %q: %w", id, err)
		}
		if !ok {
			unknown = append(unknown, id)
			continue
		}
		ids = append(ids, id)
	}

	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: unknown positions: %s", generation.ErrValidation, strings.Join(unknown, ", "))
	}
	return ids, nil
}

func (c *Coordinator) limit(requested int) (int, error) {
	switch {
	case requested < 0:
		return 0, fmt.Errorf("%w: concurrency_limit must not be negative", generation.ErrValidation)
	case requested == 0:
		return c.cfg.DefaultConcurrency, nil
	case requested > c.cfg.MaxConcurrency:
		return c.cfg.MaxConcurrency, nil
	}
	return requested, nil
}

// discard cancels and forgets tasks of a batch that failed to be created completely.
func (c *Coordinator) discard(taskIDs []string) {
	for _, id := range taskIDs {
		_, _, _ = c.cfg.Tasks.Cancel(id)
	}
	c.cfg.Tasks.Remove(taskIDs...)
}

// dispatch runs tasks in order. Each task holds a slot of the batch limit and a slot of the
// coordinator-wide limit for its whole run, so neither bound is exceeded.
func (c *Coordinator) dispatch(ctx context.Context, b *batch, log *zap.Logger) {
	defer close(b.done)

	sem := semaphore.NewWeighted(int64(b.ConcurrencyLimit))
	var wg sync.WaitGroup

	for _, id := range b.TaskIDs {
		if err := sem.Acquire(ctx, 1); err != nil {
			log.Info("bulk dispatch stopped", zap.Error(err))
			break
		}
		if err := c.slots.Acquire(ctx, 1); err != nil {
			sem.Release(1)
			log.Info("bulk dispatch stopped", zap.Error(err))
			break
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer sem.Release(1)
			defer c.slots.Release(1)

			if err := c.cfg.Tasks.Run(ctx, id); err != nil {
				log.Error("bulk item run failed", zap.String(logger.FieldTaskID, id), zap.Error(err))
			}
		}(id)
	}

	wg.Wait()
	log.Info("bulk batch dispatched")
}

// Wait blocks until every task of the batch has been dispatched and has returned.
func (c *Coordinator) Wait(ctx context.Context, batchID string) error {
	b, ok := c.lookup(batchID)
	if !ok {
		return fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status recomputes the aggregate from the current state of every task.
func (c *Coordinator) Status(batchID string) (Status, error) {
	b, ok := c.lookup(batchID)
	if !ok {
		return Status{}, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}

	tasks := make([]generation.Task, 0, len(b.TaskIDs))
	for _, id := range b.TaskIDs {
		task, err := c.cfg.Tasks.Get(id)
		if err != nil {
			return Status{}, fmt.Errorf("batch %s item %s: %w", batchID, id, err)
		}
		tasks = append(tasks, task)
	}

	return aggregate(b.Batch, tasks), nil
}

// Cancel stops dispatching and cancels every non-terminal task. Terminal tasks are untouched.
func (c *Coordinator) Cancel(batchID string) (Status, error) {
	b, ok := c.lookup(batchID)
	if !ok {
		return Status{}, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}

	// Cancel tasks first so an item unblocked by the stopped context is already cancelled.
	cancelled := 0
	for _, id := range b.TaskIDs {
		prev, cur, err := c.cfg.Tasks.Cancel(id)
		if err != nil {
			return Status{}, fmt.Errorf("cancelling item %s: %w", id, err)
		}
		if prev != cur {
			cancelled++
		}
	}
	b.cancel()

	c.cfg.Logger.Info("bulk batch cancelled", zap.String(logger.FieldBatchID, batchID), zap.Int("cancelled", cancelled))

	return c.Status(batchID)
}

// Prune forgets finished batches, and their tasks, whose last item finished more than olderThan ago.
func (c *Coordinator) Prune(olderThan time.Duration) int {
	cutoff := c.cfg.Now().Add(-olderThan)

	c.mu.RLock()
	candidates := make([]*batch, 0, len(c.batches))
	for _, b := range c.batches {
		candidates = append(candidates, b)
	}
	c.mu.RUnlock()

	removed := 0
	for _, b := range candidates {
		status, err := c.Status(b.ID)
		if err != nil || !status.Done || status.FinishedAt == nil || status.FinishedAt.After(cutoff) {
			continue
		}

		c.mu.Lock()
		delete(c.batches, b.ID)
		c.mu.Unlock()

		b.cancel()
		c.cfg.Tasks.Remove(b.TaskIDs...)
		removed++
	}

	if removed > 0 {
		c.cfg.Logger.Info("pruned finished batches", zap.Int("count", removed))
	}
	return removed
}

// Close stops every batch and waits for running items to return.
func (c *Coordinator) Close() {
	c.shutdown()
	c.wg.Wait()
}

func (c *Coordinator) lookup(id string) (*batch, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.batches[id]
	return b, ok
}

func (b *batch) copy() Batch {
	out := b.Batch
	out.TaskIDs = append([]string(nil), b.TaskIDs...)
	return out
}

package generation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spigell/profilegen/internal/kpi"
	"github.com/spigell/profilegen/internal/llm"
	"github.com/spigell/profilegen/internal/logger"
	"github.com/spigell/profilegen/internal/orgcache"
	"github.com/spigell/profilegen/internal/profile"
	"github.com/spigell/profilegen/internal/storage"
	"github.com/spigell/profilegen/internal/utils"
)

const (
	defaultTimeout           = 120 * time.Second
	defaultMaxAttempts       = 2
	defaultRetryDelay        = 2 * time.Second
	defaultEstimatedDuration = 60 * time.Second
)

// Catalog resolves positions and is told when a saved profile changes them.
type Catalog interface {
	Position(ctx context.Context, id string) (orgcache.Position, bool, error)
	MarkProfile(positionID, profileID string)
}

// DatasetLoader returns the KPI dataset stored under a key.
type DatasetLoader interface {
	Dataset(ctx context.Context, key string) (*kpi.Dataset, error)
}

// Config configures an Orchestrator.
type Config struct {
	Catalog    Catalog
	Adapter    llm.Adapter
	Repository storage.Repository
	Matcher    *kpi.Matcher
	// Datasets is optional; without it profiles are generated without KPI context.
	Datasets       DatasetLoader
	DefaultDataset string

	// Timeout bounds every single generation call.
	Timeout time.Duration
	// MaxAttempts is the total number of calls made for transient failures.
	MaxAttempts       int
	RetryDelay        time.Duration
	EstimatedDuration time.Duration

	Now    func() time.Time
	NewID  func() string
	Wait   func(ctx context.Context, d time.Duration) error
	Logger *zap.Logger
}

func (c *Config) defaults() error {
	if c.Catalog == nil {
		return fmt.Errorf("catalog is required")
	}
	if c.Adapter == nil {
		return fmt.Errorf("llm adapter is required")
	}
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Matcher == nil {
		c.Matcher = kpi.NewMatcher(nil)
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.EstimatedDuration <= 0 {
		c.EstimatedDuration = defaultEstimatedDuration
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	if c.Wait == nil {
		c.Wait = utils.WaitFor
	}
	c.Logger = logger.OrNop(c.Logger).With(zap.String("svc", "generation"))
	return nil
}

// Request asks for a profile of one position.
type Request struct {
	PositionID string `json:"position_id"`
	BatchID    string `json:"-"`
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	BatchID string
	Status  Status
}

type entry struct {
	task     Task
	position orgcache.Position

	// commitMu serializes the final check-and-save of a run with Cancel.
	commitMu sync.Mutex
	stop     context.CancelFunc
}

// Orchestrator owns the task state machine. Tasks are only mutated here.
type Orchestrator struct {
	cfg Config

	mu    sync.RWMutex
	tasks map[string]*entry

	baseCtx  context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		cfg:      cfg,
		tasks:    map[string]*entry{},
		baseCtx:  ctx,
		shutdown: cancel,
	}, nil
}

// Create validates the request and registers a queued task without starting it.
func (o *Orchestrator) Create(ctx context.Context, req Request) (Task, error) {
	positionID := strings.TrimSpace(req.PositionID)
	if positionID == "" {
		return Task{}, fmt.Errorf("%w: position_id is required", ErrValidation)
	}

	pos, ok, err := o.cfg.Catalog.Position(ctx, positionID)
	if err != nil {
		return Task{}, fmt.Errorf("resolving position %q: %w", positionID, err)
	}
	if !ok {
		return Task{}, fmt.Errorf("%w: unknown position %q", ErrValidation, positionID)
	}

	now := o.cfg.Now()
	task := Task{
		ID:                o.cfg.NewID(),
		PositionID:        pos.PositionID,
		PositionName:      pos.PositionName,
		BusinessUnitName:  pos.Department(),
		BatchID:           req.BatchID,
		Status:            StatusQueued,
		CurrentStep:       StepQueued,
		CreatedAt:         now,
		EstimatedDuration: int(o.cfg.EstimatedDuration.Seconds()),
		UpdatedAt:         now,
	}

	o.mu.Lock()
	o.tasks[task.ID] = &entry{task: task, position: pos}
	o.mu.Unlock()

	o.taskLogger(&task).Info("generation task created")

	return task.clone(), nil
}

// Submit creates a task and runs it in the background.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (Task, error) {
	task, err := o.Create(ctx, req)
	if err != nil {
		return Task{}, err
	}
	o.Start(task.ID)
	return task, nil
}

// Start runs an existing task in the background until Close.
func (o *Orchestrator) Start(id string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.Run(o.baseCtx, id); err != nil {
			o.cfg.Logger.Error("generation run failed", zap.String(logger.FieldTaskID, id), zap.Error(err))
		}
	}()
}

// Close stops background runs and waits for them to finish. Tasks still running end as failed.
func (o *Orchestrator) Close() {
	o.shutdown()
	o.wg.Wait()
}

// Run executes a queued task to a terminal state. It is a no-op for tasks that already left queued.
func (o *Orchestrator) Run(ctx context.Context, id string) error {
	e, ok := o.lookup(id)
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	if !o.begin(e, stop) {
		return nil
	}

	log := o.taskLogger(&e.task)

	defer func() {
		if r := recover(); r != nil {
			log.Error("generation panicked", zap.Any("panic", r))
			o.fail(e, log, llm.KindUnknown, fmt.Sprintf("internal error: %v", r))
		}
	}()

	o.execute(ctx, runCtx, e, log)
	return nil
}

func (o *Orchestrator) execute(ctx, runCtx context.Context, e *entry, log *zap.Logger) {
	pos := e.position

	if !o.advance(e, StepMatchingKPI) {
		return
	}
	match := o.cfg.Matcher.Resolve(pos.DepartmentPath, o.cfg.DefaultDataset)
	log.Debug("kpi dataset matched",
		zap.String("dataset", match.DatasetKey),
		zap.Float64("confidence", match.Confidence),
		zap.Bool("fallback", match.Fallback),
	)

	if !o.advance(e, StepLoadingDataset) {
		return
	}
	dataset, match, err := o.loadDataset(ctx, match, log)
	if err != nil {
		o.fail(e, log, llm.KindUnknown, fmt.Sprintf("loading kpi dataset: %v", err))
		return
	}

	system, prompt, err := profile.BuildPrompt(profile.Input{
		PositionID:     pos.PositionID,
		PositionName:   pos.PositionName,
		BusinessUnit:   pos.Department(),
		DepartmentPath: pos.DepartmentPath,
		Dataset:        dataset,
	})
	if err != nil {
		o.fail(e, log, llm.KindUnknown, fmt.Sprintf("building prompt: %v", err))
		return
	}

	if !o.advance(e, StepCalling) {
		return
	}
	content, err := o.generate(ctx, runCtx, e, llm.Request{System: system, Prompt: prompt, Timeout: o.cfg.Timeout}, log)
	if err != nil {
		if o.status(e) == StatusCancelled {
			log.Info("task cancelled during generation")
			return
		}
		o.fail(e, log, llm.KindOf(err), err.Error())
		return
	}

	if !o.advance(e, StepValidating) {
		log.Info("task cancelled, discarding generated content")
		return
	}
	data, err := profile.Parse(content.Text)
	if err != nil {
		o.fail(e, log, llm.KindOf(err), err.Error())
		return
	}

	if !o.advance(e, StepSaving) {
		return
	}
	o.commit(ctx, e, log, Result{
		Profile:         data,
		DatasetKey:      match.DatasetKey,
		DatasetFallback: match.Fallback,
		MatchConfidence: match.Confidence,
		Provider:        content.Provider,
		Model:           content.Model,
	})
}

// loadDataset returns the matched dataset, substituting the default one when the matched key has no file.
func (o *Orchestrator) loadDataset(ctx context.Context, match kpi.Match, log *zap.Logger) (*kpi.Dataset, kpi.Match, error) {
	if o.cfg.Datasets == nil || match.DatasetKey == "" {
		return nil, match, nil
	}

	d, err := o.cfg.Datasets.Dataset(ctx, match.DatasetKey)
	if err == nil {
		return d, match, nil
	}
	if !errors.Is(err, kpi.ErrDatasetNotFound) {
		return nil, match, err
	}

	log.Warn("kpi dataset missing", zap.String("dataset", match.DatasetKey))
	if match.Fallback || o.cfg.DefaultDataset == "" || match.DatasetKey == o.cfg.DefaultDataset {
		return nil, match, nil
	}

	fallback := kpi.Match{DatasetKey: o.cfg.DefaultDataset, Department: match.Department, Fallback: true}
	d, err = o.cfg.Datasets.Dataset(ctx, fallback.DatasetKey)
	switch {
	case errors.Is(err, kpi.ErrDatasetNotFound):
		log.Warn("default kpi dataset missing", zap.String("dataset", fallback.DatasetKey))
		return nil, fallback, nil
	case err != nil:
		return nil, fallback, err
	}
	return d, fallback, nil
}

// generate calls the adapter, retrying transient failures. Waits between attempts end early on cancel.
func (o *Orchestrator) generate(ctx, runCtx context.Context, e *entry, req llm.Request, log *zap.Logger) (*llm.Content, error) {
	for attempt := 1; ; attempt++ {
		if !o.recordAttempt(e, attempt) {
			return nil, context.Canceled
		}

		content, err := o.call(ctx, req)
		if err == nil {
			return content, nil
		}

		kind := llm.KindOf(err)
		if !kind.Transient() || attempt >= o.cfg.MaxAttempts {
			return nil, err
		}

		delay := utils.Backoff(o.cfg.RetryDelay, 0, attempt-1)
		log.Warn("generation attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.String("kind", string(kind)),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		if err := o.cfg.Wait(runCtx, delay); err != nil {
			return nil, err
		}
	}
}

// call bounds a single adapter call even when the adapter ignores its context.
// A call still running at the deadline is left to finish and its result is dropped.
func (o *Orchestrator) call(ctx context.Context, req llm.Request) (*llm.Content, error) {
	callCtx, cancel := llm.WithTimeout(ctx, req.Timeout)
	defer cancel()

	type outcome struct {
		content *llm.Content
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: llm.Errorf(llm.KindUnknown, nil, "adapter panicked: %v", r)}
			}
		}()
		content, err := o.cfg.Adapter.Generate(callCtx, req)
		done <- outcome{content: content, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil && out.content == nil {
			return nil, llm.Errorf(llm.KindInvalidResponse, nil, "adapter returned no content")
		}
		return out.content, out.err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, llm.Errorf(llm.KindTimeout, callCtx.Err(), "generation call exceeded %s", req.Timeout)
		}
		return nil, callCtx.Err()
	}
}

// commit persists the result unless the task was cancelled meanwhile.
func (o *Orchestrator) commit(ctx context.Context, e *entry, log *zap.Logger, result Result) {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if o.status(e) != StatusProcessing {
		log.Info("task cancelled before commit, discarding result")
		return
	}

	now := o.cfg.Now()
	result.ProfileID = o.cfg.NewID()
	result.GeneratedAt = now

	p := storage.Profile{
		ID:           result.ProfileID,
		PositionID:   e.position.PositionID,
		PositionName: e.position.PositionName,
		Department:   e.position.Department(),
		TaskID:       e.task.ID,
		DatasetKey:   result.DatasetKey,
		Provider:     result.Provider,
		Model:        result.Model,
		Content:      result.Profile,
		CreatedAt:    now,
	}
	if err := o.cfg.Repository.Save(ctx, p); err != nil {
		o.fail(e, log, llm.KindUnknown, fmt.Sprintf("saving profile: %v", err))
		return
	}
	o.cfg.Catalog.MarkProfile(p.PositionID, p.ID)

	o.mu.Lock()
	e.task.Status = StatusCompleted
	e.task.CurrentStep = StepCompleted
	e.task.Progress = stepProgress[StepCompleted]
	e.task.Result = &result
	e.task.UpdatedAt = now
	e.task.FinishedAt = &now
	attempts := e.task.Attempts
	o.mu.Unlock()

	log.Info("profile generated",
		zap.String("profile_id", result.ProfileID),
		zap.String("dataset", result.DatasetKey),
		zap.Int("attempts", attempts),
	)
}

// Get returns a copy of the task.
func (o *Orchestrator) Get(id string) (Task, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	e, ok := o.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return e.task.clone(), nil
}

// Cancel moves a non-terminal task to cancelled and returns the status before and after.
// Cancelling a terminal task changes nothing. A commit in progress finishes first.
func (o *Orchestrator) Cancel(id string) (Status, Status, error) {
	e, ok := o.lookup(id)
	if !ok {
		return "", "", fmt.Errorf("task %s: %w", id, ErrNotFound)
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	o.mu.Lock()
	previous := e.task.Status
	if previous.Terminal() {
		o.mu.Unlock()
		return previous, previous, nil
	}

	now := o.cfg.Now()
	e.task.Status = StatusCancelled
	e.task.CurrentStep = StepCancelled
	e.task.UpdatedAt = now
	e.task.FinishedAt = &now
	stop := e.stop
	task := e.task
	o.mu.Unlock()

	if stop != nil {
		stop()
	}

	o.taskLogger(&task).Info("generation task cancelled", zap.String("previous_status", string(previous)))

	return previous, StatusCancelled, nil
}

// List returns copies of the matching tasks ordered by creation time.
func (o *Orchestrator) List(filter Filter) []Task {
	o.mu.RLock()
	result := make([]Task, 0, len(o.tasks))
	for _, e := range o.tasks {
		if filter.BatchID != "" && e.task.BatchID != filter.BatchID {
			continue
		}
		if filter.Status != "" && e.task.Status != filter.Status {
			continue
		}
		result = append(result, e.task.clone())
	}
	o.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	return result
}

// Remove forgets terminal tasks among ids and returns how many were removed.
func (o *Orchestrator) Remove(ids ...string) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	removed := 0
	for _, id := range ids {
		if e, ok := o.tasks[id]; ok && e.task.Status.Terminal() {
			delete(o.tasks, id)
			removed++
		}
	}
	return removed
}

// Prune forgets standalone terminal tasks finished more than olderThan ago.
// Batch tasks are pruned together with their batch.
func (o *Orchestrator) Prune(olderThan time.Duration) int {
	cutoff := o.cfg.Now().Add(-olderThan)

	o.mu.Lock()
	defer o.mu.Unlock()

	removed := 0
	for id, e := range o.tasks {
		t := e.task
		if t.BatchID != "" || !t.Status.Terminal() || t.FinishedAt == nil || t.FinishedAt.After(cutoff) {
			continue
		}
		delete(o.tasks, id)
		removed++
	}

	if removed > 0 {
		o.cfg.Logger.Info("pruned finished tasks", zap.Int("count", removed))
	}
	return removed
}

func (o *Orchestrator) lookup(id string) (*entry, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.tasks[id]
	return e, ok
}

// begin moves a queued task to processing.
func (o *Orchestrator) begin(e *entry, stop context.CancelFunc) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if e.task.Status != StatusQueued {
		return false
	}

	now := o.cfg.Now()
	e.task.Status = StatusProcessing
	e.task.CurrentStep = StepResolving
	e.task.Progress = stepProgress[StepResolving]
	e.task.StartedAt = &now
	e.task.UpdatedAt = now
	e.stop = stop
	return true
}

// advance records the next step. It reports false once the task is no longer processing.
func (o *Orchestrator) advance(e *entry, step string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if e.task.Status != StatusProcessing {
		return false
	}

	e.task.CurrentStep = step
	if p := stepProgress[step]; p > e.task.Progress {
		e.task.Progress = p
	}
	e.task.UpdatedAt = o.cfg.Now()
	return true
}

func (o *Orchestrator) recordAttempt(e *entry, attempt int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if e.task.Status != StatusProcessing {
		return false
	}
	e.task.Attempts = attempt
	e.task.UpdatedAt = o.cfg.Now()
	return true
}

func (o *Orchestrator) fail(e *entry, log *zap.Logger, kind llm.Kind, message string) {
	o.mu.Lock()
	if e.task.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	if kind == "" {
		kind = llm.KindUnknown
	}

	now := o.cfg.Now()
	e.task.Status = StatusFailed
	e.task.CurrentStep = StepFailed
	e.task.Error = &TaskError{Kind: kind, Message: message}
	e.task.UpdatedAt = now
	e.task.FinishedAt = &now
	o.mu.Unlock()

	fields := []zap.Field{zap.String("kind", string(kind)), zap.String("error", message)}
	if kind == llm.KindUnknown {
		log.Error("generation failed", fields...)
		return
	}
	log.Warn("generation failed", fields...)
}

func (o *Orchestrator) status(e *entry) Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return e.task.Status
}

// taskLogger only reads fields fixed at creation, so it needs no lock.
func (o *Orchestrator) taskLogger(t *Task) *zap.Logger {
	return logger.WithFields(o.cfg.Logger, logger.TaskFields(t.ID, t.PositionID, t.BatchID)...)
}

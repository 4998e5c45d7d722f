package selection

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spigell/profilegen/internal/logger"
	"github.com/spigell/profilegen/internal/orgcache"
)

// Filter represents a single selection step applied to positions.
type Filter interface {
	Name() string
	Disable(reason string)
	IsEnabled() bool

	Apply(ctx context.Context, positions []orgcache.Position) ([]orgcache.Position, Step, error)
}

// Step describes the result of executing a selection step.
type Step struct {
	Initial int
	Dropped int
	Left    int
}

// Status represents runtime information about a filter.
type Status struct {
	Name    string
	Enabled bool
	Reason  string
	Details map[string]string
}

type statusProvider interface {
	Status() Status
}

// DisableByName marks a filter with the provided name as disabled while keeping it in the list.
func DisableByName(steps []Filter, name, reason string) {
	for _, step := range steps {
		if step.Name() == name {
			step.Disable(reason)
		}
	}
}

// Run executes the supplied filters sequentially and returns the positions that survived all of them.
func Run(ctx context.Context, log *zap.Logger, steps []Filter, positions []orgcache.Position) ([]orgcache.Position, error) {
	log = logger.OrNop(log)

	for _, step := range steps {
		if !step.IsEnabled() {
			log.Info("filter disabled", zap.String("name", step.Name()))
			continue
		}

		next, info, err := step.Apply(ctx, positions)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", step.Name(), err)
		}

		log.Info("filter step",
			zap.String("name", step.Name()),
			zap.Int("initial", info.Initial),
			zap.Int("dropped", info.Dropped),
			zap.Int("left", info.Left),
		)

		positions = next
	}

	return positions, nil
}

// Describe returns status entries for the provided filters.
func Describe(steps []Filter) []Status {
	statuses := make([]Status, 0, len(steps))
	for _, step := range steps {
		if reporter, ok := step.(statusProvider); ok {
			statuses = append(statuses, reporter.Status())
			continue
		}

		statuses = append(statuses, Status{
			Name:    step.Name(),
			Enabled: step.IsEnabled(),
		})
	}
	return statuses
}

// IDs returns the position ids in order.
func IDs(positions []orgcache.Position) []string {
	ids := make([]string, 0, len(positions))
	for _, p := range positions {
		ids = append(ids, p.PositionID)
	}
	return ids
}

func keep(positions []orgcache.Position, fn func(orgcache.Position) bool) ([]orgcache.Position, Step) {
	left := make([]orgcache.Position, 0, len(positions))
	for _, p := range positions {
		if fn(p) {
			left = append(left, p)
		}
	}
	return left, Step{Initial: len(positions), Dropped: len(positions) - len(left), Left: len(left)}
}

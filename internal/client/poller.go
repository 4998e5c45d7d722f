package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/profilegen/internal/bulk"
	"github.com/spigell/profilegen/internal/generation"
	"github.com/spigell/profilegen/internal/logger"
	"github.com/spigell/profilegen/internal/utils"
)

const (
	defaultPollInterval    = 3 * time.Second
	defaultPollMaxInterval = 30 * time.Second
)

// Poller fetches a resource until it reaches a terminal state.
// Failed fetches double the wait up to MaxInterval; a successful fetch resets it to Interval.
type Poller[T any] struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Logger      *zap.Logger

	wait func(ctx context.Context, d time.Duration) error
}

// Subscription is one running poll loop.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop ends polling and waits for the loop to exit. It is safe to call more than once,
// but not from inside the poller callbacks.
func (s *Subscription) Stop() {
	s.once.Do(s.cancel)
	<-s.done
}

// Done is closed when the loop exits, either on a terminal state or after Stop.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Start fetches immediately and then keeps polling in the background. onUpdate sees every
// successful snapshot; onTerminal is called once with the terminal one. Either may be nil.
func (p Poller[T]) Start(
	ctx context.Context,
	fetch func(ctx context.Context) (T, error),
	isTerminal func(T) bool,
	onUpdate func(T),
	onTerminal func(T),
) *Subscription {
	if p.Interval <= 0 {
		p.Interval = defaultPollInterval
	}
	if p.MaxInterval < p.Interval {
		p.MaxInterval = max(defaultPollMaxInterval, p.Interval)
	}
	if p.wait == nil {
		p.wait = utils.WaitFor
	}
	log := logger.OrNop(p.Logger)

	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		defer cancel()

		failures := 0
		for {
			v, err := fetch(ctx)
			if ctx.Err() != nil {
				return
			}

			delay := p.Interval
			if err != nil {
				failures++
				delay = utils.Backoff(p.Interval, p.MaxInterval, failures)
				log.Warn("status poll failed", zap.Int("failures", failures), zap.Duration("next_poll", delay), zap.Error(err))
			} else {
				failures = 0
				if onUpdate != nil {
					onUpdate(v)
				}
				if isTerminal(v) {
					if onTerminal != nil {
						onTerminal(v)
					}
					return
				}
			}

			if err := p.wait(ctx, delay); err != nil {
				return
			}
		}
	}()

	return sub
}

// WatchTask polls a single generation task until it is terminal.
func WatchTask(ctx context.Context, c *Client, p Poller[*generation.Task], taskID string, onUpdate, onTerminal func(*generation.Task)) *Subscription {
	return p.Start(ctx,
		func(ctx context.Context) (*generation.Task, error) { return c.Status(ctx, taskID) },
		func(t *generation.Task) bool { return t.Status.Terminal() },
		onUpdate, onTerminal,
	)
}

// WatchBatch polls a bulk batch until every item is terminal.
func WatchBatch(ctx context.Context, c *Client, p Poller[*bulk.Status], batchID string, onUpdate, onTerminal func(*bulk.Status)) *Subscription {
	return p.Start(ctx,
		func(ctx context.Context) (*bulk.Status, error) { return c.BulkStatus(ctx, batchID) },
		func(s *bulk.Status) bool { return s.Done },
		onUpdate, onTerminal,
	)
}

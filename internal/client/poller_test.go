package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	status string
}

type recorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recorder) wait(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

func scripted(results ...func() (snapshot, error)) func(context.Context) (snapshot, error) {
	var mu sync.Mutex
	i := 0
	return func(context.Context) (snapshot, error) {
		mu.Lock()
		defer mu.Unlock()
		r := results[min(i, len(results)-1)]
		i++
		return r()
	}
}

func ok(status string) func() (snapshot, error) {
	return func() (snapshot, error) { return snapshot{status: status}, nil }
}

func failed() (snapshot, error) {
	return snapshot{}, errors.New("connection refused")
}

func terminal(s snapshot) bool { return s.status == "completed" || s.status == "failed" }

func TestPollerBackoff(t *testing.T) {
	tests := map[string]struct {
		results []func() (snapshot, error)
		waits   []time.Duration
	}{
		"three failures then success resets to base": {
			results: []func() (snapshot, error){failed, failed, failed, ok("processing"), ok("completed")},
			waits:   []time.Duration{6 * time.Second, 12 * time.Second, 24 * time.Second, 3 * time.Second},
		},
		"backoff is capped": {
			results: []func() (snapshot, error){failed, failed, failed, failed, failed, ok("completed")},
			waits: []time.Duration{
				6 * time.Second, 12 * time.Second, 24 * time.Second, 30 * time.Second, 30 * time.Second,
			},
		},
		"steady polling uses the base interval": {
			results: []func() (snapshot, error){ok("queued"), ok("processing"), ok("failed")},
			waits:   []time.Duration{3 * time.Second, 3 * time.Second},
		},
		"terminal on first poll never waits": {
			results: []func() (snapshot, error){ok("completed")},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			rec := &recorder{}
			p := Poller[snapshot]{Interval: 3 * time.Second, MaxInterval: 30 * time.Second, wait: rec.wait}

			var terminals []snapshot
			sub := p.Start(context.Background(), scripted(tt.results...), terminal, nil, func(s snapshot) {
				terminals = append(terminals, s)
			})

			select {
			case <-sub.Done():
			case <-time.After(time.Second):
				t.Fatal("poller did not stop on terminal state")
			}

			assert.Equal(t, tt.waits, rec.recorded())
			require.Len(t, terminals, 1)
		})
	}
}

func TestPollerUpdates(t *testing.T) {
	p := Poller[snapshot]{wait: (&recorder{}).wait}

	var seen []string
	sub := p.Start(context.Background(),
		scripted(ok("queued"), failed, ok("processing"), ok("completed")),
		terminal,
		func(s snapshot) { seen = append(seen, s.status) },
		nil,
	)
	<-sub.Done()

	assert.Equal(t, []string{"queued", "processing", "completed"}, seen)
}

func TestSubscriptionStop(t *testing.T) {
	blocking := func(ctx context.Context, _ time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}
	p := Poller[snapshot]{wait: blocking}

	sub := p.Start(context.Background(), scripted(ok("processing")), terminal, nil, func(snapshot) {
		t.Error("terminal callback must not run after stop")
	})

	done := make(chan struct{})
	go func() {
		sub.Stop()
		sub.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}

	select {
	case <-sub.Done():
	default:
		t.Fatal("Done must be closed after Stop")
	}
}

func TestPollerStopsWithParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Poller[snapshot]{wait: func(ctx context.Context, _ time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}}

	sub := p.Start(ctx, scripted(ok("processing")), terminal, nil, nil)
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("poller did not stop with its context")
	}
	sub.Stop()
}

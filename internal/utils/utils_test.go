package utils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		base     time.Duration
		limit    time.Duration
		failures int
		expect   time.Duration
	}{
		{name: "no failures keeps base", base: 3 * time.Second, limit: 30 * time.Second, failures: 0, expect: 3 * time.Second},
		{name: "one failure doubles", base: 3 * time.Second, limit: 30 * time.Second, failures: 1, expect: 6 * time.Second},
		{name: "three failures", base: 3 * time.Second, limit: 30 * time.Second, failures: 3, expect: 24 * time.Second},
		{name: "capped", base: 3 * time.Second, limit: 30 * time.Second, failures: 4, expect: 30 * time.Second},
		{name: "many failures stay capped", base: 3 * time.Second, limit: 30 * time.Second, failures: 100, expect: 30 * time.Second},
		{name: "no limit", base: time.Second, limit: 0, failures: 5, expect: 32 * time.Second},
		{name: "zero base", base: 0, limit: time.Second, failures: 2, expect: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expect, Backoff(tt.base, tt.limit, tt.failures))
		})
	}
}

func TestWaitForHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WaitFor(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitForElapses(t *testing.T) {
	start := time.Now()
	err := WaitFor(context.Background(), 10*time.Millisecond)
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

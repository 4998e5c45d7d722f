package llm_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/spigell/profilegen/internal/llm"
)

func TestKindOf(t *testing.T) {
	tests := map[string]struct {
		err          error
		expKind      llm.Kind
		expTransient bool
	}{
		"nil": {
			err:     nil,
			expKind: "",
		},
		"classified": {
			err:          &llm.Error{Kind: llm.KindRateLimited},
			expKind:      llm.KindRateLimited,
			expTransient: true,
		},
		"wrapped classified": {
			err:     fmt.Errorf("calling: %w", llm.Errorf(llm.KindInvalidResponse, nil, "empty body")),
			expKind: llm.KindInvalidResponse,
		},
		"deadline": {
			err:          fmt.Errorf("request: %w", context.DeadlineExceeded),
			expKind:      llm.KindTimeout,
			expTransient: true,
		},
		"anything else": {
			err:     errors.New("connection reset by peer"),
			expKind: llm.KindUnknown,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			kind := llm.KindOf(test.err)
			assert.Equal(t, test.expKind, kind)
			assert.Equal(t, test.expTransient, kind.Transient())
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := llm.Errorf(llm.KindUnknown, errors.New("dial tcp: refused"), "calling %s", "gemini")

	assert.Equal(t, "unknown: calling gemini: dial tcp: refused", err.Error())
	assert.ErrorContains(t, err, "dial tcp: refused")
	assert.Equal(t, "timeout", (&llm.Error{Kind: llm.KindTimeout}).Error())
}

func TestWithTimeout(t *testing.T) {
	ctx, cancel := llm.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	<-ctx.Done()
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)

	ctx, cancel = llm.WithTimeout(context.Background(), 0)
	_, ok := ctx.Deadline()
	assert.False(t, ok)
	cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

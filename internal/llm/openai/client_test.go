package openai

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/profilegen/internal/llm"
)

type fakeCompleter struct {
	requests []goopenai.ChatCompletionRequest
	resp     goopenai.ChatCompletionResponse
	err      error
	block    bool
}

func (f *fakeCompleter) CreateChatCompletion(ctx context.Context, req goopenai.ChatCompletionRequest) (goopenai.ChatCompletionResponse, error) {
	f.requests = append(f.requests, req)
	if f.block {
		<-ctx.Done()
		return goopenai.ChatCompletionResponse{}, ctx.Err()
	}
	return f.resp, f.err
}

func choice(content string, finish goopenai.FinishReason) goopenai.ChatCompletionResponse {
	return goopenai.ChatCompletionResponse{
		Choices: []goopenai.ChatCompletionChoice{{
			Message:      goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleAssistant, Content: content},
			FinishReason: finish,
		}},
	}
}

func TestGeneratorGenerate(t *testing.T) {
	fake := &fakeCompleter{resp: choice(" {\"ok\":true} ", goopenai.FinishReasonStop)}
	g := newGenerator(fake, Config{Model: "gpt-4o", Temperature: 0.2})

	content, err := g.Generate(context.Background(), llm.Request{System: "sys", Prompt: "msg"})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, content.Text)
	assert.Equal(t, Provider, content.Provider)
	assert.Equal(t, "gpt-4o", content.Model)

	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	require.Len(t, req.Messages, 2)
	assert.Equal(t, goopenai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, "msg", req.Messages[1].Content)
	assert.InDelta(t, 0.2, req.Temperature, 1e-6)
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, goopenai.ChatCompletionResponseFormatTypeJSONObject, req.ResponseFormat.Type)
}

func TestGeneratorClassifiesErrors(t *testing.T) {
	tests := map[string]struct {
		fake    *fakeCompleter
		timeout time.Duration
		expKind llm.Kind
	}{
		"rate limited": {
			fake:    &fakeCompleter{err: &goopenai.APIError{HTTPStatusCode: http.StatusTooManyRequests, Message: "slow down"}},
			expKind: llm.KindRateLimited,
		},
		"request error 429": {
			fake:    &fakeCompleter{err: &goopenai.RequestError{HTTPStatusCode: http.StatusTooManyRequests, Err: errors.New("too many")}},
			expKind: llm.KindRateLimited,
		},
		"gateway timeout": {
			fake:    &fakeCompleter{err: &goopenai.APIError{HTTPStatusCode: http.StatusGatewayTimeout}},
			expKind: llm.KindTimeout,
		},
		"local timeout": {
			fake:    &fakeCompleter{block: true},
			timeout: 10 * time.Millisecond,
			expKind: llm.KindTimeout,
		},
		"server error": {
			fake:    &fakeCompleter{err: &goopenai.APIError{HTTPStatusCode: http.StatusInternalServerError}},
			expKind: llm.KindUnknown,
		},
		"network": {
			fake:    &fakeCompleter{err: errors.New("connection refused")},
			expKind: llm.KindUnknown,
		},
		"no choices": {
			fake:    &fakeCompleter{},
			expKind: llm.KindInvalidResponse,
		},
		"content filter": {
			fake:    &fakeCompleter{resp: choice("partial", goopenai.FinishReasonContentFilter)},
			expKind: llm.KindInvalidResponse,
		},
		"empty content": {
			fake:    &fakeCompleter{resp: choice("", goopenai.FinishReasonStop)},
			expKind: llm.KindInvalidResponse,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			g := newGenerator(test.fake, Config{})

			_, err := g.Generate(context.Background(), llm.Request{Prompt: "msg", Timeout: test.timeout})
			require.Error(t, err)
			assert.Equal(t, test.expKind, llm.KindOf(err))
			assert.Len(t, test.fake.requests, 1)
		})
	}
}

func TestNewGeneratorRequiresKey(t *testing.T) {
	_, err := NewGenerator(Config{})
	assert.Error(t, err)

	g, err := NewGenerator(Config{APIKey: "sk-test", BaseURL: "http://localhost:4000/v1"})
	require.NoError(t, err)
	assert.Equal(t, defaultModel, g.Model())
}

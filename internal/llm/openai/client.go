package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	goopenai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/spigell/profilegen/internal/llm"
	"github.com/spigell/profilegen/internal/logger"
	"github.com/spigell/profilegen/internal/utils"
)

const (
	Provider = "openai"

	defaultModel        = goopenai.GPT4oMini
	defaultMaxLogLength = 200
)

type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req goopenai.ChatCompletionRequest) (goopenai.ChatCompletionResponse, error)
}

// Config configures the OpenAI adapter. BaseURL allows OpenAI-compatible gateways.
type Config struct {
	APIKey       string
	Model        string
	BaseURL      string
	Temperature  float32
	MaxLogLength int
	Logger       *zap.Logger
}

// Generator is an llm.Adapter backed by the chat completions API in JSON mode.
type Generator struct {
	client      chatCompleter
	model       string
	temperature float32
	maxLogLen   int
	logger      *zap.Logger
}

func NewGenerator(cfg Config) (*Generator, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}

	clientCfg := goopenai.DefaultConfig(apiKey)
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		clientCfg.BaseURL = baseURL
	}

	return newGenerator(goopenai.NewClientWithConfig(clientCfg), cfg), nil
}

func newGenerator(client chatCompleter, cfg Config) *Generator {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	maxLogLen := cfg.MaxLogLength
	if maxLogLen <= 0 {
		maxLogLen = defaultMaxLogLength
	}

	return &Generator{
		client:      client,
		model:       model,
		temperature: cfg.Temperature,
		maxLogLen:   maxLogLen,
		logger:      logger.WithCommonFields(logger.OrNop(cfg.Logger), Provider, model),
	}
}

func (g *Generator) Provider() string { return Provider }
func (g *Generator) Model() string    { return g.model }

// Generate performs a single chat completion.
func (g *Generator) Generate(ctx context.Context, req llm.Request) (*llm.Content, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, llm.Errorf(llm.KindUnknown, nil, "prompt must not be empty")
	}

	ctx, cancel := llm.WithTimeout(ctx, req.Timeout)
	defer cancel()

	messages := make([]goopenai.ChatCompletionMessage, 0, 2)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: system})
	}
	messages = append(messages, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: prompt})

	g.logger.Debug("openai chat completion request",
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
		zap.String("prompt_preview", utils.TruncateForLog(prompt, g.maxLogLen)),
		zap.Duration("timeout", req.Timeout),
	)

	resp, err := g.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    messages,
		Temperature: g.temperature,
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, classify(ctx, err)
	}

	if len(resp.Choices) == 0 {
		return nil, llm.Errorf(llm.KindInvalidResponse, nil, "openai returned no choices")
	}
	choice := resp.Choices[0]
	if choice.FinishReason == goopenai.FinishReasonContentFilter {
		return nil, llm.Errorf(llm.KindInvalidResponse, nil, "openai response filtered")
	}

	output := strings.TrimSpace(choice.Message.Content)
	if output == "" {
		return nil, llm.Errorf(llm.KindInvalidResponse, nil, "openai returned empty response")
	}

	g.logger.Debug("openai chat completion response",
		zap.Int("response_length", utf8.RuneCountInString(output)),
		zap.String("response_preview", utils.TruncateForLog(output, g.maxLogLen)),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)

	return &llm.Content{Text: output, Provider: Provider, Model: g.model}, nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return llm.Errorf(llm.KindTimeout, err, "openai call timed out")
	}

	status := 0
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch status {
	case http.StatusTooManyRequests:
		return llm.Errorf(llm.KindRateLimited, err, "openai rate limited")
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return llm.Errorf(llm.KindTimeout, err, "openai request timed out")
	case 0:
		return llm.Errorf(llm.KindUnknown, err, "chat completion")
	}
	return llm.Errorf(llm.KindUnknown, err, "openai api error %d", status)
}

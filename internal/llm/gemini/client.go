package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/spigell/profilegen/internal/llm"
	"github.com/spigell/profilegen/internal/logger"
	"github.com/spigell/profilegen/internal/utils"
)

const (
	Provider = "gemini"

	defaultModel        = "gemini-2.5-pro"
	defaultMaxLogLength = 200
	jsonMIMEType        = "application/json"
)

type chatSession interface {
	SendMessage(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

type chatCreator interface {
	Create(ctx context.Context, model string, config *genai.GenerateContentConfig, history []*genai.Content) (chatSession, error)
}

type genaiChats struct {
	chats *genai.Chats
}

func (c genaiChats) Create(ctx context.Context, model string, config *genai.GenerateContentConfig, history []*genai.Content) (chatSession, error) {
	chat, err := c.chats.Create(ctx, model, config, history)
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// Config configures the Gemini adapter.
type Config struct {
	APIKey       string
	Model        string
	MaxLogLength int
	Logger       *zap.Logger
}

// Generator is an llm.Adapter backed by the Gemini API. Each Generate opens a fresh chat
// and sends a single message.
type Generator struct {
	chats     chatCreator
	model     string
	maxLogLen int
	logger    *zap.Logger
}

// NewGenerator creates a Generator configured for the Gemini API backend.
func NewGenerator(ctx context.Context, cfg Config) (*Generator, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return newGenerator(genaiChats{chats: client.Chats}, cfg), nil
}

func newGenerator(chats chatCreator, cfg Config) *Generator {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	maxLogLen := cfg.MaxLogLength
	if maxLogLen <= 0 {
		maxLogLen = defaultMaxLogLength
	}

	return &Generator{
		chats:     chats,
		model:     model,
		maxLogLen: maxLogLen,
		logger:    logger.WithCommonFields(logger.OrNop(cfg.Logger), Provider, model),
	}
}

func (g *Generator) Provider() string { return Provider }

func (g *Generator) Model() string {
	if g == nil {
		return ""
	}
	return g.model
}

// Generate sends the prompt once and returns the concatenated text of the response.
func (g *Generator) Generate(ctx context.Context, req llm.Request) (*llm.Content, error) {
	if g == nil || g.chats == nil {
		return nil, llm.Errorf(llm.KindUnknown, nil, "gemini generator is not initialized")
	}

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, llm.Errorf(llm.KindUnknown, nil, "prompt must not be empty")
	}

	ctx, cancel := llm.WithTimeout(ctx, req.Timeout)
	defer cancel()

	config := &genai.GenerateContentConfig{ResponseMIMEType: jsonMIMEType}
	if system := strings.TrimSpace(req.System); system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	g.logger.Debug("gemini generate content request",
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
		zap.String("prompt_preview", utils.TruncateForLog(prompt, g.maxLogLen)),
		zap.Duration("timeout", req.Timeout),
	)

	chat, err := g.chats.Create(ctx, g.model, config, nil)
	if err != nil {
		return nil, classify(ctx, err)
	}

	resp, err := chat.SendMessage(ctx, genai.Part{Text: prompt})
	if err != nil {
		return nil, classify(ctx, err)
	}

	output, err := responseText(resp)
	if err != nil {
		return nil, err
	}

	g.logger.Debug("gemini generate content response",
		zap.Int("response_length", utf8.RuneCountInString(output)),
		zap.String("response_preview", utils.TruncateForLog(output, g.maxLogLen)),
	)

	return &llm.Content{Text: output, Provider: Provider, Model: g.model}, nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", llm.Errorf(llm.KindInvalidResponse, nil, "gemini api returned no response")
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", llm.Errorf(llm.KindInvalidResponse, nil, "prompt blocked: %s", resp.PromptFeedback.BlockReason)
	}

	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}

	output := strings.TrimSpace(builder.String())
	if output == "" {
		return "", llm.Errorf(llm.KindInvalidResponse, nil, "gemini api returned empty response")
	}

	return output, nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return llm.Errorf(llm.KindTimeout, err, "gemini call timed out")
	}

	if apiErr, ok := asAPIError(err); ok {
		switch {
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Status == "RESOURCE_EXHAUSTED":
			return llm.Errorf(llm.KindRateLimited, err, "gemini rate limited")
		case apiErr.Code == http.StatusGatewayTimeout || apiErr.Status == "DEADLINE_EXCEEDED":
			return llm.Errorf(llm.KindTimeout, err, "gemini deadline exceeded")
		}
		return llm.Errorf(llm.KindUnknown, err, "gemini api error %d %s", apiErr.Code, apiErr.Status)
	}

	return llm.Errorf(llm.KindUnknown, err, "generate content")
}

func asAPIError(err error) (genai.APIError, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}

	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return *apiErrPtr, true
	}

	return genai.APIError{}, false
}

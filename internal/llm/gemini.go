package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// GeminiClient talks to the Gemini API through the Google GenAI SDK.
type GeminiClient struct {
	client *genai.Client
	log    *zap.Logger
}

// NewGeminiClient creates a Gemini client.
func NewGeminiClient(ctx context.Context, apiKey string, log *zap.Logger) (*GeminiClient, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if apiKey == "" {
		return nil, errors.New("GenAI API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiClient{client: client, log: log.Named("gemini")}, nil
}

// Provider returns the provider name.
func (c *GeminiClient) Provider() string { return "gemini" }

// Generate sends one GenerateContent call.
func (c *GeminiClient) Generate(ctx context.Context, req Request) (*Response, error) {
	cfg := &genai.GenerateContentConfig{}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxOutputTokens)
	}

	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			cfg.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(contents) == 0 {
		return nil, NewError(KindBadRequest, c.Provider(), req.Model,
			errors.New("no user or assistant messages"))
	}

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, NewError(geminiKind(err), c.Provider(), req.Model,
			fmt.Errorf("generate content failed: %w", err))
	}

	text := resp.Text()
	if text == "" {
		return nil, NewError(KindUnknown, c.Provider(), req.Model,
			errors.New("no completion returned"))
	}

	var tokensPrompt, tokensCompletion int
	if resp.UsageMetadata != nil {
		tokensPrompt = int(resp.UsageMetadata.PromptTokenCount)
		tokensCompletion = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	c.log.Debug("generate completed",
		zap.String("model", req.Model),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("tokens_prompt", tokensPrompt),
		zap.Int("tokens_completion", tokensCompletion))

	return &Response{
		Content:          text,
		TokensPrompt:     tokensPrompt,
		TokensCompletion: tokensCompletion,
		Model:            req.Model,
	}, nil
}

// geminiKind classifies GenAI SDK errors.
func geminiKind(err error) Kind {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.Code)
	}
	return transportKind(err)
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIClient talks to the OpenAI Chat Completions API.
type OpenAIClient struct {
	client *openai.Client
	log    *zap.Logger
}

// NewOpenAIClient creates an OpenAI client.
func NewOpenAIClient(apiKey string, timeout time.Duration, log *zap.Logger) *OpenAIClient {
	if log == nil {
		log = zap.NewNop()
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		log:    log.Named("openai"),
	}
}

// Provider returns the provider name.
func (c *OpenAIClient) Provider() string { return "openai" }

// Generate sends one chat completion call.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (*Response, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	apiReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: float32(req.Temperature),
	}
	if req.MaxOutputTokens > 0 {
		apiReq.MaxTokens = req.MaxOutputTokens
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, NewError(openaiKind(err), c.Provider(), req.Model,
			fmt.Errorf("chat completion failed: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, NewError(KindUnknown, c.Provider(), req.Model,
			errors.New("no completion returned"))
	}

	c.log.Debug("generate completed",
		zap.String("model", req.Model),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("tokens_prompt", resp.Usage.PromptTokens),
		zap.Int("tokens_completion", resp.Usage.CompletionTokens))

	return &Response{
		Content:          resp.Choices[0].Message.Content,
		TokensPrompt:     resp.Usage.PromptTokens,
		TokensCompletion: resp.Usage.CompletionTokens,
		Model:            req.Model,
	}, nil
}

// openaiKind classifies go-openai errors by their HTTP status.
func openaiKind(err error) Kind {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode)
	}
	return transportKind(err)
}

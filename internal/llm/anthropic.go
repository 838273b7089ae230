package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

// AnthropicClient talks to the Anthropic Messages API directly.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

// NewAnthropicClient creates an Anthropic client.
func NewAnthropicClient(apiKey string, timeout time.Duration, log *zap.Logger) *AnthropicClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &AnthropicClient{
		apiKey:     apiKey,
		baseURL:    anthropicBaseURL,
		httpClient: &http.Client{Timeout: timeout},
		log:        log.Named("anthropic"),
	}
}

// Provider returns the provider name.
func (c *AnthropicClient) Provider() string { return "anthropic" }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicResponse struct {
	Content []anthropicContentBlock `json:"content"`
	Model   string                  `json:"model"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate sends one Messages API call. Retries are the caller's decision;
// failures come back classified.
func (c *AnthropicClient) Generate(ctx context.Context, req Request) (*Response, error) {
	if c.apiKey == "" {
		return nil, NewError(KindAuthFailed, c.Provider(), req.Model,
			errors.New("API key not configured"))
	}

	body := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxOutputTokens,
		Temperature: req.Temperature,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = 4096
	}
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			// The Messages API carries the system prompt out of band.
			if body.System != "" {
				body.System += "\n\n"
			}
			body.System += m.Content
			continue
		}
		body.Messages = append(body.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	if len(body.Messages) == 0 {
		return nil, NewError(KindBadRequest, c.Provider(), req.Model,
			errors.New("no user or assistant messages"))
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, NewError(KindBadRequest, c.Provider(), req.Model,
			fmt.Errorf("failed to marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, NewError(KindBadRequest, c.Provider(), req.Model,
			fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewError(transportKind(err), c.Provider(), req.Model,
			fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError(transportKind(err), c.Provider(), req.Model,
			fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, NewError(classifyStatus(resp.StatusCode), c.Provider(), req.Model,
			fmt.Errorf("API returned status %d: %s", resp.StatusCode, truncate(string(respBody), 512)))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, NewError(KindUnknown, c.Provider(), req.Model,
			fmt.Errorf("failed to parse response: %w", err))
	}
	if parsed.Error != nil {
		return nil, NewError(KindUnknown, c.Provider(), req.Model,
			fmt.Errorf("API error %s: %s", parsed.Error.Type, parsed.Error.Message))
	}
	if len(parsed.Content) == 0 {
		return nil, NewError(KindUnknown, c.Provider(), req.Model,
			errors.New("no completion returned"))
	}

	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	c.log.Debug("generate completed",
		zap.String("model", req.Model),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("tokens_prompt", parsed.Usage.InputTokens),
		zap.Int("tokens_completion", parsed.Usage.OutputTokens))

	return &Response{
		Content:          sb.String(),
		TokensPrompt:     parsed.Usage.InputTokens,
		TokensCompletion: parsed.Usage.OutputTokens,
		Model:            req.Model,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

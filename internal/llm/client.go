// Package llm adapts model providers behind a single generate operation.
// The Adapter routes by model id, enforces per-model rate limits and the
// request timeout, and prices token usage from the configured table.
package llm

import (
	"context"
	"errors"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes a single generate call.
type Request struct {
	Model           string    `json:"model"`
	Messages        []Message `json:"messages"`
	Temperature     float64   `json:"temperature,omitempty"`
	MaxOutputTokens int       `json:"max-output-tokens,omitempty"`
}

// Validate checks the request for fields no provider can accept.
func (r Request) Validate() error {
	if r.Model == "" {
		return errors.New("model is required")
	}
	if len(r.Messages) == 0 {
		return errors.New("at least one message is required")
	}
	for _, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return errors.New("unknown message role: " + m.Role)
		}
	}
	return nil
}

// Response is the provider's answer plus accounting.
type Response struct {
	Content          string  `json:"content"`
	TokensPrompt     int     `json:"tokens-prompt"`
	TokensCompletion int     `json:"tokens-completion"`
	CostUSD          float64 `json:"cost-usd"`
	Model            string  `json:"model"`
}

// TokensUsed returns the total token count for the call.
func (r *Response) TokensUsed() int {
	return r.TokensPrompt + r.TokensCompletion
}

// Client generates completions. Implementations must respect the caller's
// context deadline and classify failures with this package's error kinds.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	Provider() string
}

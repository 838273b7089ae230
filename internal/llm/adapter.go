package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"codeforge/internal/config"
	"codeforge/internal/metrics"
)

// Adapter is the generate front door. It routes by model id, enforces the
// per-model token bucket and the per-request timeout, prices usage, and
// accounts every call.
type Adapter struct {
	log        *zap.Logger
	providers  map[string]Client // by provider name
	routes     map[string]string // model id → provider name (config override)
	prices     *PriceTable
	limiter    *Limiter
	timeout    time.Duration
	accountant *Accountant
}

// NewAdapter builds an Adapter from configuration, creating a client for
// every provider with an API key. At least one provider must be usable.
func NewAdapter(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Adapter, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("llm")

	timeout := cfg.GetLLMRequestTimeout()
	providers := make(map[string]Client)

	if cfg.LLM.AnthropicAPIKey != "" {
		providers["anthropic"] = NewAnthropicClient(cfg.LLM.AnthropicAPIKey, timeout, log)
	}
	if cfg.LLM.OpenAIAPIKey != "" {
		providers["openai"] = NewOpenAIClient(cfg.LLM.OpenAIAPIKey, timeout, log)
	}
	if cfg.LLM.GeminiAPIKey != "" {
		gc, err := NewGeminiClient(ctx, cfg.LLM.GeminiAPIKey, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini client: %w", err)
		}
		providers["gemini"] = gc
	}
	if len(providers) == 0 {
		return nil, errors.New("no LLM provider configured; set ANTHROPIC_API_KEY, OPENAI_API_KEY, or GEMINI_API_KEY")
	}

	a := NewAdapterWithClients(providers, cfg, log)
	log.Info("llm adapter ready",
		zap.Int("providers", len(providers)),
		zap.Int("priced_models", a.prices.Len()),
		zap.Duration("request_timeout", timeout))
	return a, nil
}

// NewAdapterWithClients builds an Adapter over explicit provider clients.
// Tests use this with mocks.
func NewAdapterWithClients(providers map[string]Client, cfg *config.Config, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	routes := make(map[string]string, len(cfg.LLM.Providers))
	for model, provider := range cfg.LLM.Providers {
		routes[model] = provider
	}
	return &Adapter{
		log:        log,
		providers:  providers,
		routes:     routes,
		prices:     NewPriceTable(cfg.LLM.Prices),
		limiter:    NewLimiter(cfg.LLM.RateLimitRPS, cfg.LLM.RateLimitBurst),
		timeout:    cfg.GetLLMRequestTimeout(),
		accountant: NewAccountant(),
	}
}

// Provider implements Client. The adapter fronts several backends, so it
// reports a fixed name; per-call provider attribution happens in routing.
func (a *Adapter) Provider() string { return "adapter" }

// Prices exposes the adapter's price table for hot reload.
func (a *Adapter) Prices() *PriceTable { return a.prices }

// Usage returns a snapshot of in-process token and cost accounting.
func (a *Adapter) Usage() UsageSnapshot { return a.accountant.Snapshot() }

// Generate routes one request to its provider. It blocks on the model's
// token bucket, bounds the call with the request timeout (never extending
// the caller's deadline), and fills in cost from the price table.
func (a *Adapter) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, NewError(KindBadRequest, "adapter", req.Model, err)
	}

	client, err := a.route(req.Model)
	if err != nil {
		return nil, NewError(KindBadRequest, "adapter", req.Model, err)
	}
	provider := client.Provider()

	if err := a.limiter.Wait(ctx, req.Model); err != nil {
		a.accountant.RecordFailure()
		metrics.LLMRequests.WithLabelValues(provider, req.Model, "rate_wait_aborted").Inc()
		return nil, NewError(KindDeadlineExceeded, provider, req.Model,
			fmt.Errorf("rate limit wait aborted: %w", err))
	}

	callCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := client.Generate(callCtx, req)
	elapsed := time.Since(start)
	metrics.LLMRequestDuration.WithLabelValues(provider).Observe(elapsed.Seconds())

	if err != nil {
		a.accountant.RecordFailure()
		kind := KindOf(err)
		metrics.LLMRequests.WithLabelValues(provider, req.Model, string(kind)).Inc()
		a.log.Warn("generate failed",
			zap.String("provider", provider),
			zap.String("model", req.Model),
			zap.String("kind", string(kind)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return nil, err
	}

	cost, priced := a.prices.Cost(req.Model, resp.TokensPrompt, resp.TokensCompletion)
	if !priced {
		a.log.Warn("model missing from price table", zap.String("model", req.Model))
	}
	resp.CostUSD = cost

	a.accountant.Record(provider, req.Model, resp.TokensPrompt, resp.TokensCompletion, cost)
	metrics.LLMRequests.WithLabelValues(provider, req.Model, "ok").Inc()
	metrics.LLMTokens.WithLabelValues(req.Model, "prompt").Add(float64(resp.TokensPrompt))
	metrics.LLMTokens.WithLabelValues(req.Model, "completion").Add(float64(resp.TokensCompletion))
	metrics.LLMCostUSD.WithLabelValues(req.Model).Add(cost)

	a.log.Debug("generate ok",
		zap.String("provider", provider),
		zap.String("model", req.Model),
		zap.Duration("elapsed", elapsed),
		zap.Int("tokens", resp.TokensUsed()),
		zap.Float64("cost_usd", cost))
	return resp, nil
}

// route resolves a model id to a provider client: explicit config routes
// first, then model-name prefixes.
func (a *Adapter) route(model string) (Client, error) {
	if name, ok := a.routes[model]; ok {
		if c, ok := a.providers[name]; ok {
			return c, nil
		}
		return nil, fmt.Errorf("model %s routed to unconfigured provider %s", model, name)
	}

	var name string
	switch {
	case strings.HasPrefix(model, "claude"):
		name = "anthropic"
	case strings.HasPrefix(model, "gpt") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3"):
		name = "openai"
	case strings.HasPrefix(model, "gemini"):
		name = "gemini"
	default:
		return nil, fmt.Errorf("no provider for model %s", model)
	}

	c, ok := a.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %s for model %s is not configured", name, model)
	}
	return c, nil
}

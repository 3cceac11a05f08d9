// Package llm wraps the OpenAI chat and embedding APIs behind the two
// calls the enrichment stage needs. The wrapper owns upstream error
// classification, per-call timeouts, and the shared rate limit.
package llm

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ragline/ragline/internal/errors"
)

// DefaultCallTimeout bounds each chat or embedding call.
const DefaultCallTimeout = 30 * time.Second

// Config configures the client.
type Config struct {
	APIKey         string
	BaseURL        string
	ChatModel      string
	EmbeddingModel string
	Dimensions     int

	// RequestsPerSecond and Burst parameterize the shared token bucket.
	RequestsPerSecond float64
	Burst             int

	// CallTimeout overrides DefaultCallTimeout when positive.
	CallTimeout time.Duration
}

// Client is safe for concurrent use by all workers.
type Client struct {
	api     *openai.Client
	limiter *Limiter
	breaker *errors.CircuitBreaker
	cfg     Config
}

// New creates a client. The underlying HTTP client pools connections; one
// Client serves the whole process.
func New(cfg Config) *Client {
	if cfg.ChatModel == "" {
		cfg.ChatModel = openai.GPT4oMini
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = string(openai.SmallEmbedding3)
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 1536
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}

	return &Client{
		api:     openai.NewClientWithConfig(apiCfg),
		limiter: NewLimiter(cfg.RequestsPerSecond, cfg.Burst),
		breaker: errors.NewCircuitBreaker("openai"),
		cfg:     cfg,
	}
}

// Dimensions returns the configured embedding width.
func (c *Client) Dimensions() int {
	return c.cfg.Dimensions
}

// Complete sends one chat completion and returns the assistant text.
func (c *Client) Complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", errors.Wrap(errors.KindCancelled, "rate limit wait aborted", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: c.cfg.ChatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	}
	if maxTokens > 0 {
		req.MaxTokens = maxTokens
	}

	start := time.Now()
	var resp openai.ChatCompletionResponse
	err := c.breaker.Execute(func() error {
		var callErr error
		resp, callErr = c.api.CreateChatCompletion(callCtx, req)
		if callErr != nil {
			return classify(ctx, "chat completion", callErr)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New(errors.KindUpstreamUnavailable, "chat completion returned no choices")
	}

	slog.Debug("llm call",
		slog.String("model", c.cfg.ChatModel),
		slog.Duration("elapsed", time.Since(start)),
		slog.Int("prompt_tokens", resp.Usage.PromptTokens))
	return resp.Choices[0].Message.Content, nil
}

// Embed computes the embedding for one input string.
// The returned vector length always equals Dimensions.
func (c *Client) Embed(ctx context.Context, input string) ([]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(errors.KindCancelled, "rate limit wait aborted", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	var resp openai.EmbeddingResponse
	err := c.breaker.Execute(func() error {
		var callErr error
		resp, callErr = c.api.CreateEmbeddings(callCtx, openai.EmbeddingRequest{
			Model:      openai.EmbeddingModel(c.cfg.EmbeddingModel),
			Input:      []string{input},
			Dimensions: c.cfg.Dimensions,
		})
		if callErr != nil {
			return classify(ctx, "embedding", callErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, errors.New(errors.KindUpstreamUnavailable, "embedding response is empty")
	}
	return resp.Data[0].Embedding, nil
}

// classify maps transport and API errors onto the error taxonomy.
func classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return errors.Wrap(errors.KindCancelled, op+" aborted", ctx.Err())
	}

	var apiErr *openai.APIError
	if stderrors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			e := errors.Wrap(errors.KindRateLimited, op+" rate limited", err)
			if retryAfter := retryAfterHint(apiErr); retryAfter > 0 {
				e = e.WithRetryAfter(retryAfter)
			}
			return e
		case apiErr.HTTPStatusCode == http.StatusUnauthorized:
			return errors.Wrap(errors.KindAuthRequired, op+" rejected credentials", err)
		case apiErr.HTTPStatusCode >= 500:
			return errors.Wrap(errors.KindUpstreamUnavailable, op+" upstream error", err)
		default:
			return errors.Wrap(errors.KindInternal, op+" failed", err)
		}
	}
	// Connection-level failures (refused, reset, DNS) land here.
	return errors.Wrap(errors.KindUpstreamUnavailable, op+" unreachable", err)
}

// retryAfterHint extracts a Retry-After style hint when the API provides
// one in the error body.
func retryAfterHint(apiErr *openai.APIError) time.Duration {
	if apiErr.Code == nil {
		return 0
	}
	if s, ok := apiErr.Code.(string); ok {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

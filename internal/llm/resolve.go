package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/verdant-garden/verdant/internal/config"
)

// ErrNoKey is returned by a KeySource when the user has no key stored
// for the requested provider.
var ErrNoKey = errors.New("no api key configured")

// ErrNoProvider is returned when a user has no usable provider key at
// all. Scheduled jobs skip the user's gardens rather than retrying.
var ErrNoProvider = errors.New("no analysis provider configured")

// KeySource resolves a user's stored API key for a provider. Returns
// an error wrapping ErrNoKey when none is stored.
type KeySource interface {
	Get(ctx context.Context, userID, provider string) (string, error)
}

// Resolution is a provider choice bound to a ready client.
type Resolution struct {
	Provider string
	Model    string
	Client   Client
}

// Resolver picks the analysis provider for a user. Anthropic is
// preferred when the user has a key for it; OpenAI is the fallback.
type Resolver struct {
	keys   KeySource
	models config.ModelsConfig
	logger *slog.Logger

	anthropicOpts []AnthropicOption
	openaiOpts    []OpenAIOption
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithAnthropicOptions passes options through to constructed Anthropic
// clients, for tests.
func WithAnthropicOptions(opts ...AnthropicOption) ResolverOption {
	return func(r *Resolver) { r.anthropicOpts = opts }
}

// WithOpenAIOptions passes options through to constructed OpenAI
// clients, for tests.
func WithOpenAIOptions(opts ...OpenAIOption) ResolverOption {
	return func(r *Resolver) { r.openaiOpts = opts }
}

// NewResolver creates a Resolver over a key source.
func NewResolver(keys KeySource, models config.ModelsConfig, logger *slog.Logger, opts ...ResolverOption) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{keys: keys, models: models, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns a ready client for the user's preferred provider.
// Returns ErrNoProvider when no key is stored for any provider.
func (r *Resolver) Resolve(ctx context.Context, userID string) (*Resolution, error) {
	key, err := r.keys.Get(ctx, userID, ProviderAnthropic)
	if err == nil {
		return &Resolution{
			Provider: ProviderAnthropic,
			Model:    r.models.Anthropic,
			Client:   NewAnthropicClient(key, r.models.Anthropic, r.logger, r.anthropicOpts...),
		}, nil
	}
	if !errors.Is(err, ErrNoKey) {
		return nil, fmt.Errorf("resolve anthropic key: %w", err)
	}

	key, err = r.keys.Get(ctx, userID, ProviderOpenAI)
	if err == nil {
		return &Resolution{
			Provider: ProviderOpenAI,
			Model:    r.models.OpenAI,
			Client:   NewOpenAIClient(key, r.models.OpenAI, r.logger, r.openaiOpts...),
		}, nil
	}
	if !errors.Is(err, ErrNoKey) {
		return nil, fmt.Errorf("resolve openai key: %w", err)
	}

	return nil, fmt.Errorf("user %s: %w", userID, ErrNoProvider)
}

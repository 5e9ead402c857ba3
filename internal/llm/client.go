package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/verdant-garden/verdant/internal/schema"
)

// Client is the interface all provider clients implement. A client is
// bound to one provider, one model, and one API key.
type Client interface {
	// Chat sends messages and returns the assistant reply. A message
	// with role "system" becomes the system prompt.
	Chat(ctx context.Context, messages []Message) (*ChatResponse, error)

	// Provider returns the provider name ("anthropic" or "openai").
	Provider() string

	// Model returns the configured model identifier.
	Model() string

	// Ping verifies the API key with a minimal request.
	Ping(ctx context.Context) error
}

// AnalyzeZone runs one analysis call and validates the reply against
// the care-plan schema. Syntactically invalid JSON returns a
// *ParseError; well-formed JSON that violates the contract returns the
// validator's error unchanged. Neither is retried by callers.
func AnalyzeZone(ctx context.Context, client Client, systemPrompt, userPrompt string) (*AnalysisResponse, error) {
	resp, err := client.Chat(ctx, []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	})
	if err != nil {
		return nil, err
	}

	raw := stripFence(resp.Content)
	if !json.Valid([]byte(raw)) {
		return nil, &ParseError{
			Provider: client.Provider(),
			Err:      fmt.Errorf("response is not valid JSON (%d bytes)", len(raw)),
		}
	}

	result, err := schema.Validate([]byte(raw))
	if err != nil {
		return nil, err
	}

	return &AnalysisResponse{
		Result: result,
		Raw:    raw,
		Model:  resp.Model,
		Usage:  resp.Usage,
	}, nil
}

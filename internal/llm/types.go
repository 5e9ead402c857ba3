// Package llm provides the model clients used for zone analysis and
// chat, one per supported provider, behind a single Client interface.
package llm

import (
	"fmt"
	"strings"

	"github.com/verdant-garden/verdant/internal/schema"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Message is a provider-neutral chat message. Wire format conversion
// happens at provider boundaries (anthropic.go, openai.go). An inline
// image, when present, is attached to the message content.
type Message struct {
	Role           string `json:"role"`
	Content        string `json:"content"`
	ImageBase64    string `json:"image_base64,omitempty"`
	ImageMediaType string `json:"image_media_type,omitempty"`
}

// TokenUsage is provider-neutral token accounting. Providers that omit
// usage report zeros rather than failing the call.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// ChatResponse is the unified response from any provider.
type ChatResponse struct {
	Content string
	Model   string
	Usage   TokenUsage
}

// AnalysisResponse is a chat response whose content parsed and
// validated as a care plan.
type AnalysisResponse struct {
	Result *schema.Result
	Raw    string
	Model  string
	Usage  TokenUsage
}

// ParseError reports that a provider returned syntactically invalid
// JSON. It is distinct from schema validation failures, which mean the
// JSON was well-formed but violated the care-plan contract.
type ParseError struct {
	Provider string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s returned invalid JSON: %v", e.Provider, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// stripFence removes a surrounding markdown code fence when the model
// wraps its JSON in one despite instructions.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

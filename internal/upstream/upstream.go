// Package upstream defines the common interface and types implemented by all
// backend LLM clients (OpenAI-compatible, Azure OpenAI, Anthropic, Gemini).
//
// Each client lives in its own sub-package and implements the Client
// interface. Clients are stateless with respect to routing: every call
// carries its own endpoint, credentials, and headers, resolved by the
// dispatcher from the routing table.
package upstream

import (
	"context"
	"fmt"
	"time"
)

// Timeout bounds every outbound backend call.
const Timeout = 30 * time.Second

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage carries token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// Chunk is a single token chunk delivered during a streaming response.
	Chunk struct {
		Content      string
		FinishReason string
		Err          error
	}

	// Call is a fully resolved backend call: the provider-native model plus
	// everything the routing table and credential cache contributed.
	Call struct {
		// Model is the provider-native model identifier with any routing
		// prefix already stripped.
		Model string

		// Messages is the conversation for chat completions.
		Messages []Message

		// Prompt is the input for text completions.
		Prompt string

		Temperature float64
		MaxTokens   int
		Stream      bool

		// User is the caller identifier forwarded for provider-side
		// attribution, when the provider supports one.
		User string

		// APIBase overrides the client's default endpoint when non-empty.
		APIBase string

		// APIKey is the static key for this call. Empty for bearer-token
		// backends.
		APIKey string

		// BearerToken is the issued token for bearer-auth backends.
		BearerToken string

		// ExtraHeaders are attached verbatim to the outbound request.
		ExtraHeaders map[string]string
	}

	// Response is a normalized backend response. For streaming calls Stream
	// is non-nil and the scalar fields are unset.
	Response struct {
		ID           string
		Model        string
		Content      string
		FinishReason string
		Usage        Usage
		Stream       <-chan Chunk
	}
)

// Client is a backend LLM client for one provider family.
type Client interface {
	Name() string
	ChatCompletion(ctx context.Context, call *Call) (*Response, error)
	TextCompletion(ctx context.Context, call *Call) (*Response, error)
}

// Error is a structured error returned by a backend API.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (status=%d, type=%s)", e.Provider, e.Message, e.StatusCode, e.Type)
}

// HTTPStatus returns the backend's HTTP status code.
func (e *Error) HTTPStatus() int { return e.StatusCode }

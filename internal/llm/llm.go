// Package llm speaks the OpenAI-compatible chat completion protocol to
// every text provider in the catalogue. Provider differences are a
// base-URL-and-headers table, not per-provider clients: the hosted
// families all expose a compatible streaming endpoint.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"charchat/internal/catalog"
	"charchat/internal/credentials"
)

var (
	ErrNoEndpoint        = errors.New("llm: no endpoint for provider")
	ErrMissingCredential = errors.New("llm: missing credential")
)

type EventType string

const (
	EventToken     EventType = "token"
	EventToolCalls EventType = "tool_calls"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// Event is one step of a streamed generation. A stream is zero or more
// token events followed by exactly one terminal event: tool_calls,
// done, or error.
type Event struct {
	Type      EventType
	Token     string
	ToolCalls []ToolCall
	Err       error
}

// ToolCall is a fully accumulated tool invocation requested by the
// model. Arguments hold the raw JSON argument string.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Message is one turn of conversation history on the wire. ToolCalls
// is set on assistant turns that requested tools, ToolCallID on tool
// result turns.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolSpec describes one callable tool in OpenAI function format.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float64
}

// Client streams one chat completion. Implementations call emit for
// every event in order; a non-nil error from emit aborts the stream.
type Client interface {
	Stream(ctx context.Context, req Request, emit func(Event) error) error
}

// family carries everything that differs between hosted providers.
type family struct {
	baseURL string
	headers map[string]string
}

var families = map[catalog.Provider]family{
	catalog.ProviderOpenAI:     {baseURL: "https://api.openai.com/v1"},
	catalog.ProviderGroq:       {baseURL: "https://api.groq.com/openai/v1"},
	catalog.ProviderMistral:    {baseURL: "https://api.mistral.ai/v1"},
	catalog.ProviderXAI:        {baseURL: "https://api.x.ai/v1"},
	catalog.ProviderOpenRouter: {baseURL: "https://openrouter.ai/api/v1"},
	catalog.ProviderAnthropic:  {baseURL: "https://api.anthropic.com/v1", headers: map[string]string{"anthropic-version": "2023-06-01"}},
	catalog.ProviderGemini:     {baseURL: "https://generativelanguage.googleapis.com/v1beta/openai"},
	catalog.ProviderCohere:     {baseURL: "https://api.cohere.ai/compatibility/v1"},
	catalog.ProviderSelfHosted: {baseURL: "http://localhost:11434/v1"},
}

// NewClient builds a streaming client for the model's provider family.
// The credential must already be resolved; models whose provider has
// no chat endpoint (image and video hosts) fail with ErrNoEndpoint.
func NewClient(modelID string, cred credentials.Credential, httpClient *http.Client) (Client, error) {
	provider, err := catalog.ProviderOf(modelID)
	if err != nil {
		return nil, err
	}
	fam, ok := families[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoEndpoint, provider)
	}
	// Self-hosted endpoints are the only keyless family.
	if strings.TrimSpace(cred.APIKey) == "" && provider != catalog.ProviderSelfHosted {
		return nil, fmt.Errorf("%w for %s", ErrMissingCredential, provider)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &streamClient{
		baseURL:    fam.baseURL,
		apiKey:     cred.APIKey,
		headers:    fam.headers,
		httpClient: httpClient,
	}, nil
}

// Package model wraps the chat model behind a narrow gateway interface.
//
// The gateway is stateless per call: it receives role-tagged prompt
// messages plus optional tool schemas and returns free text, a tool-call
// list, or (in JSON mode) a structured payload. Providers are reached
// through langchaingo's OpenAI-compatible client, so any endpoint that
// speaks that protocol works.
package model

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// Message roles understood by the gateway.
const (
	RoleSystem = "system"
	RoleHuman  = "human"
	RoleAI     = "ai"
	RoleTool   = "tool"
)

// ErrNoChoices indicates the provider returned an empty response.
var ErrNoChoices = errors.New("model returned no choices")

// ErrTokenLimit is the distinguished context/token-limit error class.
// Callers test for it with IsTokenLimit.
var ErrTokenLimit = errors.New("model context window exhausted")

// PromptMessage is one role-tagged prompt entry.
type PromptMessage struct {
	Role    string
	Content string

	// ToolCallID and ToolName are set on RoleTool messages carrying a
	// tool result back to the model.
	ToolCallID string
	ToolName   string

	// ToolCalls are set on RoleAI messages that requested tools.
	ToolCalls []ToolCall
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolSchema describes one tool offered to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Usage carries provider-reported token accounting when available.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the gateway's normalized completion result.
type Response struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// StreamFunc receives incremental content chunks as they arrive.
type StreamFunc func(ctx context.Context, chunk []byte) error

// CallOption customizes a single Invoke.
type CallOption func(*Options)

// Options is the resolved per-call option set. Alternative Gateway
// implementations apply CallOptions through NewOptions.
type Options struct {
	Tools    []ToolSchema
	JSONMode bool
	Stream   StreamFunc
}

// NewOptions resolves a CallOption list.
func NewOptions(opts ...CallOption) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithTools binds tool schemas to the call.
func WithTools(tools []ToolSchema) CallOption {
	return func(o *Options) { o.Tools = tools }
}

// WithJSONMode requests a JSON object response.
func WithJSONMode() CallOption {
	return func(o *Options) { o.JSONMode = true }
}

// WithStream forwards content chunks to fn as they arrive.
func WithStream(fn StreamFunc) CallOption {
	return func(o *Options) { o.Stream = fn }
}

// Gateway is the model invocation capability consumed by the graph nodes.
type Gateway interface {
	Invoke(ctx context.Context, messages []PromptMessage, opts ...CallOption) (*Response, error)
}

// Config configures the langchaingo-backed gateway.
type Config struct {
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float64
}

// LangchainGateway implements Gateway over langchaingo's OpenAI client.
type LangchainGateway struct {
	llm         llms.Model
	temperature float64
}

// New creates a gateway from config.
func New(cfg Config) (*LangchainGateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("model base URL is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model name is required")
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		// langchaingo requires a token; local endpoints ignore it.
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating model client: %w", err)
	}

	return &LangchainGateway{llm: llm, temperature: cfg.Temperature}, nil
}

// NewWithModel wraps an existing llms.Model. Used by tests.
func NewWithModel(m llms.Model) *LangchainGateway {
	return &LangchainGateway{llm: m}
}

// Invoke sends the prompt and normalizes the first choice.
func (g *LangchainGateway) Invoke(ctx context.Context, messages []PromptMessage, opts ...CallOption) (*Response, error) {
	o := NewOptions(opts...)

	content := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		content = append(content, toMessageContent(m))
	}

	callOpts := []llms.CallOption{llms.WithTemperature(g.temperature)}
	if len(o.Tools) > 0 {
		callOpts = append(callOpts, llms.WithTools(toLLMTools(o.Tools)))
	}
	if o.JSONMode {
		callOpts = append(callOpts, llms.WithJSONMode())
	}
	if o.Stream != nil {
		callOpts = append(callOpts, llms.WithStreamingFunc(o.Stream))
	}

	resp, err := g.llm.GenerateContent(ctx, content, callOpts...)
	if err != nil {
		if isTokenLimitMessage(err.Error()) {
			return nil, fmt.Errorf("%w: %v", ErrTokenLimit, err)
		}
		return nil, fmt.Errorf("model invocation failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	choice := resp.Choices[0]
	out := &Response{
		Content:    choice.Content,
		StopReason: choice.StopReason,
	}
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.FunctionCall.Name,
			Arguments: tc.FunctionCall.Arguments,
		})
	}
	if info := choice.GenerationInfo; info != nil {
		if v, ok := info["PromptTokens"].(int); ok {
			out.Usage.InputTokens = v
		}
		if v, ok := info["CompletionTokens"].(int); ok {
			out.Usage.OutputTokens = v
		}
	}
	return out, nil
}

// toMessageContent converts a PromptMessage to langchaingo form.
func toMessageContent(m PromptMessage) llms.MessageContent {
	switch m.Role {
	case RoleTool:
		return llms.MessageContent{
			Role: llms.ChatMessageTypeTool,
			Parts: []llms.ContentPart{llms.ToolCallResponse{
				ToolCallID: m.ToolCallID,
				Name:       m.ToolName,
				Content:    m.Content,
			}},
		}
	case RoleAI:
		mc := llms.MessageContent{Role: llms.ChatMessageTypeAI}
		if m.Content != "" {
			mc.Parts = append(mc.Parts, llms.TextContent{Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			mc.Parts = append(mc.Parts, llms.ToolCall{
				ID:   tc.ID,
				Type: "function",
				FunctionCall: &llms.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return mc
	case RoleSystem:
		return llms.TextParts(llms.ChatMessageTypeSystem, m.Content)
	default:
		return llms.TextParts(llms.ChatMessageTypeHuman, m.Content)
	}
}

// toLLMTools converts tool schemas to langchaingo function tools.
func toLLMTools(tools []ToolSchema) []llms.Tool {
	out := make([]llms.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

// IsTokenLimit reports whether err is the context/token-limit error class.
func IsTokenLimit(err error) bool {
	return errors.Is(err, ErrTokenLimit)
}

// isTokenLimitMessage matches provider wordings for context exhaustion.
func isTokenLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range []string{
		"context length",
		"context window",
		"maximum context",
		"token limit",
		"max_tokens",
		"too many tokens",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

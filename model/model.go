// Package model defines the provider-agnostic model runtime contract the
// planner and AI executor call through. Provider adapters live in the openai
// and anthropic subpackages.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type (
	// Message is one prompt message.
	Message struct {
		Role    Role
		Content string
	}

	// Request is a single completion call.
	Request struct {
		// Model overrides the adapter default when non-empty.
		Model string
		// Messages is the ordered prompt.
		Messages []Message
		// Temperature in provider units; zero means provider default.
		Temperature float32
		// MaxTokens caps the completion length; zero means adapter default.
		MaxTokens int
		// ForceJSON asks the provider for a JSON object response when the
		// provider supports response formats.
		ForceJSON bool
	}

	// Usage reports token consumption for one call.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// Response is the completion result.
	Response struct {
		// Text is the concatenated text output.
		Text string
		// StopReason is the provider stop reason, normalized to lower case.
		StopReason string
		// Usage reports token counts when the provider returns them.
		Usage Usage
	}

	// Runtime is the completion contract. Implementations must honor
	// context cancellation and deadlines.
	Runtime interface {
		Complete(ctx context.Context, req Request) (Response, error)
	}
)

// Responses issues a two-message system+user call, the shape the planner and
// executor prompts use.
func Responses(ctx context.Context, rt Runtime, system, user string, opts ...func(*Request)) (Response, error) {
	req := Request{
		Messages: []Message{
			{Role: RoleSystem, Content: system},
			{Role: RoleUser, Content: user},
		},
	}
	for _, opt := range opts {
		opt(&req)
	}
	return rt.Complete(ctx, req)
}

// WithModel overrides the adapter default model.
func WithModel(id string) func(*Request) {
	return func(r *Request) { r.Model = id }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) func(*Request) {
	return func(r *Request) { r.MaxTokens = n }
}

// WithJSONOutput requests a JSON object response.
func WithJSONOutput() func(*Request) {
	return func(r *Request) { r.ForceJSON = true }
}

// DecodeJSON parses a model response expected to carry one JSON document.
// Models occasionally wrap JSON in a markdown fence; the fence is stripped
// before decoding.
func DecodeJSON(text string, out any) error {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if i := strings.LastIndex(trimmed, "```"); i >= 0 {
			trimmed = trimmed[:i]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	if err := json.Unmarshal([]byte(trimmed), out); err != nil {
		return fmt.Errorf("decode model JSON: %w", err)
	}
	return nil
}

// Package chatclient defines the external interface the AI stage calls
// through. Concrete provider behavior is a black box outside this engine's
// hard subject; the interface exists so the stage orchestrator (and its
// tests, via a fake) never depend on a specific provider SDK directly.
package chatclient

import (
	"context"

	"github.com/basket/agentrun/internal/promptbuild"
)

// Usage is the raw token accounting a provider call returns.
type Usage struct {
	PromptTotal         int
	PromptCached        int
	PromptCacheCreation int
	CompletionTotal     int
	CompletionReasoning int
}

// Response is one AI-stage call's result.
type Response struct {
	Content  string
	Provider string
	Model    string
	Usage    Usage
}

// ChatClient is implemented by every provider adapter the AI stage can call.
type ChatClient interface {
	Chat(ctx context.Context, provider, model string, messages []promptbuild.Message) (Response, error)
}

// Package genkit is a thin ChatClient adapter over firebase/genkit/go. It
// exists only so the provider-plugin stack the ecosystem offers has a
// concrete, exercised caller; the adapter itself stays deliberately shallow
// since concrete provider behavior is outside this engine's hard subject.
package genkit

import (
	"context"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/basket/agentrun/internal/chatclient"
	"github.com/basket/agentrun/internal/promptbuild"
)

// Config selects which provider plugin to initialize Genkit with.
type Config struct {
	Provider string // "google", "anthropic", "openai"
	APIKey   string
}

// Client adapts a genkit.Genkit instance to chatclient.ChatClient.
type Client struct {
	g *genkit.Genkit
}

// New initializes Genkit with the plugin matching cfg.Provider.
func New(ctx context.Context, cfg Config) (*Client, error) {
	var g *genkit.Genkit
	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{APIKey: cfg.APIKey}))
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Opts: []compat_oai.Option{compat_oai.WithAPIKey(cfg.APIKey)}}))
	case "google", "":
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: cfg.APIKey}))
	default:
		return nil, fmt.Errorf("genkit: unsupported provider %q", cfg.Provider)
	}
	return &Client{g: g}, nil
}

// Chat implements chatclient.ChatClient.
func (c *Client) Chat(ctx context.Context, provider, model string, messages []promptbuild.Message) (chatclient.Response, error) {
	opts := []ai.GenerateOption{ai.WithModelName(fmt.Sprintf("%s/%s", provider, model))}

	var system strings.Builder
	var aiMessages []*ai.Message
	for _, m := range messages {
		switch m.Role {
		case promptbuild.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
		case promptbuild.RoleUser:
			aiMessages = append(aiMessages, ai.NewUserMessage(ai.NewTextPart(m.Content)))
		case promptbuild.RoleAssistant:
			aiMessages = append(aiMessages, ai.NewModelMessage(ai.NewTextPart(m.Content)))
		}
	}
	if system.Len() > 0 {
		opts = append(opts, ai.WithSystem(system.String()))
	}
	if len(aiMessages) > 0 {
		opts = append(opts, ai.WithMessages(aiMessages...))
	}

	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		return chatclient.Response{}, fmt.Errorf("genkit generate: %w", err)
	}

	usage := chatclient.Usage{}
	if resp.Usage != nil {
		usage.PromptTotal = resp.Usage.InputTokens
		usage.CompletionTotal = resp.Usage.OutputTokens
	}

	return chatclient.Response{
		Content:  resp.Text(),
		Provider: provider,
		Model:    model,
		Usage:    usage,
	}, nil
}

// Package promptbuild implements the Prompt Builder component (C7): it
// turns an agent's declared prompt parts into the chat messages sent to a
// ChatClient, applying per-part templating and the one option flag the
// format currently supports (an ephemeral prompt-cache hint).
package promptbuild

import (
	"fmt"
	"strings"

	"github.com/basket/agentrun/internal/config"
)

// Role is the chat role a prompt part is rendered into.
type Role string

const (
	RoleUser      Role = "user"
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
)

// Message is one rendered chat message.
type Message struct {
	Role      Role
	Content   string
	CacheHint bool
}

var kindToRole = map[config.PromptKind]Role{
	config.PromptInstruction: RoleUser,
	config.PromptSystem:      RoleSystem,
	config.PromptAssistant:   RoleAssistant,
}

// Build renders every prompt part against scope and returns the resulting
// chat messages, in part order, with empty-after-render parts dropped.
func Build(parts []config.PromptPart, scope map[string]any) ([]Message, error) {
	messages := make([]Message, 0, len(parts))
	for _, part := range parts {
		content := part.Content
		prependedOptions := part.OptionsStr != ""
		if prependedOptions {
			content = "> options: " + part.OptionsStr + "\n" + content
		}

		rendered, err := render(content, scope)
		if err != nil {
			return nil, fmt.Errorf("render prompt part (%s): %w", part.Kind, err)
		}

		optionsStr := part.OptionsStr
		if prependedOptions {
			lines := strings.SplitN(rendered, "\n", 2)
			optionsStr = strings.TrimSpace(strings.TrimPrefix(lines[0], "> options:"))
			rendered = ""
			if len(lines) > 1 {
				rendered = lines[1]
			}
		}

		if strings.TrimSpace(rendered) == "" {
			continue
		}

		role, ok := kindToRole[part.Kind]
		if !ok {
			return nil, fmt.Errorf("unknown prompt part kind %q", part.Kind)
		}

		messages = append(messages, Message{
			Role:      role,
			Content:   rendered,
			CacheHint: parseCacheHint(optionsStr),
		})
	}
	return messages, nil
}

func parseCacheHint(optionsStr string) bool {
	for _, field := range strings.Split(optionsStr, ",") {
		field = strings.TrimSpace(field)
		if field == "cache=true" {
			return true
		}
	}
	return false
}

// render substitutes {{key}} placeholders against scope's top-level string-
// keyed entries: deterministic, no control flow, no partial-failure
// ambiguity.
func render(content string, scope map[string]any) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(content) {
		open := strings.Index(content[i:], "{{")
		if open < 0 {
			b.WriteString(content[i:])
			break
		}
		b.WriteString(content[i : i+open])
		start := i + open + 2
		close := strings.Index(content[start:], "}}")
		if close < 0 {
			return "", fmt.Errorf("unterminated template placeholder")
		}
		key := strings.TrimSpace(content[start : start+close])
		val, ok := scope[key]
		if !ok {
			return "", fmt.Errorf("unknown template key %q", key)
		}
		fmt.Fprintf(&b, "%v", val)
		i = start + close + 2
	}
	return b.String(), nil
}

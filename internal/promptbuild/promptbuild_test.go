package promptbuild

import (
	"testing"

	"github.com/basket/agentrun/internal/config"
)

func TestBuild_RendersAndMapsRoles(t *testing.T) {
	parts := []config.PromptPart{
		{Kind: config.PromptSystem, Content: "You are concise."},
		{Kind: config.PromptInstruction, Content: "Summarize: {{input}}", OptionsStr: "cache=true"},
	}
	msgs, err := Build(parts, map[string]any{"input": "hello world"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != RoleSystem {
		t.Fatalf("expected system role, got %v", msgs[0].Role)
	}
	if msgs[1].Role != RoleUser || msgs[1].Content != "Summarize: hello world" {
		t.Fatalf("unexpected instruction message: %+v", msgs[1])
	}
	if !msgs[1].CacheHint {
		t.Fatalf("expected cache hint to be parsed from options line")
	}
}

func TestBuild_DropsEmptyRenderedParts(t *testing.T) {
	parts := []config.PromptPart{
		{Kind: config.PromptAssistant, Content: "   "},
		{Kind: config.PromptSystem, Content: "kept"},
	}
	msgs, err := Build(parts, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "kept" {
		t.Fatalf("expected only the non-empty part to survive, got %+v", msgs)
	}
}

func TestBuild_UnknownTemplateKeyErrors(t *testing.T) {
	parts := []config.PromptPart{{Kind: config.PromptInstruction, Content: "{{missing}}"}}
	if _, err := Build(parts, nil); err == nil {
		t.Fatalf("expected an error for an unresolved template key")
	}
}

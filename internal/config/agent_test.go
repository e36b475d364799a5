package config

import "testing"

const sampleAgent = `---
name: summarize
model: gpt-5
provider: openai
input_concurrency: 3
---

# Data

return { input: input, data: { topic: "demo" } }

# Prompt

## System

You are concise.

## Instruction

> options: cache=true
Summarize: {{input}}

# Output

return ai_response.content
`

func TestParse_ExtractsFrontmatterAndSections(t *testing.T) {
	def, err := Parse("summarize.aip", []byte(sampleAgent))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if def.Name != "summarize" || def.Model != "gpt-5" || def.Provider != "openai" {
		t.Fatalf("unexpected frontmatter: %+v", def)
	}
	if def.InputConcurrency != 3 {
		t.Fatalf("expected input_concurrency=3, got %d", def.InputConcurrency)
	}
	if len(def.DataScript) == 0 {
		t.Fatalf("expected a data script")
	}
	if len(def.OutputScript) == 0 {
		t.Fatalf("expected an output script")
	}
	if !def.HasTaskStages {
		t.Fatalf("expected HasTaskStages=true")
	}
	if len(def.PromptParts) != 2 {
		t.Fatalf("expected 2 prompt parts, got %d: %+v", len(def.PromptParts), def.PromptParts)
	}
	if def.PromptParts[0].Kind != PromptSystem {
		t.Fatalf("expected first part to be System, got %v", def.PromptParts[0].Kind)
	}
	if def.PromptParts[1].Kind != PromptInstruction || def.PromptParts[1].OptionsStr != "cache=true" {
		t.Fatalf("expected instruction part with cache=true option, got %+v", def.PromptParts[1])
	}
}

func TestParse_NoFrontmatterFallsBackToBodyOnly(t *testing.T) {
	def, err := Parse("bare.aip", []byte("# Output\n\nreturn \"done\"\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if def.Name != "" {
		t.Fatalf("expected empty name without frontmatter")
	}
	if def.InputConcurrency != 1 {
		t.Fatalf("expected default input_concurrency=1, got %d", def.InputConcurrency)
	}
	if len(def.OutputScript) == 0 {
		t.Fatalf("expected an output script")
	}
}

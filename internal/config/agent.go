// Package config parses an agent file into the declarative representation
// the Stage Orchestrator executes: stage script bodies plus the prompt
// parts and options that drive a run. Frontmatter-plus-body parsing is a
// three-stage fallback (front matter decoded first, a raw-body fallback if
// that fails) generalized to an agent file's five stage sections.
package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// PromptKind is a prompt part's role before it's mapped to a chat role.
type PromptKind string

const (
	PromptInstruction PromptKind = "Instruction"
	PromptSystem      PromptKind = "System"
	PromptAssistant   PromptKind = "Assistant"
)

// PromptPart is one templated section of the AI stage's prompt.
type PromptPart struct {
	Kind       PromptKind
	Content    string
	OptionsStr string // raw options line, e.g. "cache=true"; empty if none
}

// Frontmatter is the YAML header of an agent file.
type Frontmatter struct {
	Name             string         `yaml:"name"`
	Model            string         `yaml:"model"`
	Provider         string         `yaml:"provider"`
	InputConcurrency int            `yaml:"input_concurrency"`
	DryMode          string         `yaml:"dry_mode"` // "", "req", "res"
	Options          map[string]any `yaml:"options"`
	OptionsSchema    map[string]any `yaml:"options_schema"`
}

// AgentDef is the fully parsed, ready-to-run representation of an agent
// file.
type AgentDef struct {
	Name             string
	Path             string
	Model            string
	Provider         string
	InputConcurrency int
	DryMode          string
	Options          map[string]any
	OptionsSchema    map[string]any

	BeforeAllScript []byte
	DataScript      []byte
	PromptParts     []PromptPart
	OutputScript    []byte
	AfterAllScript  []byte

	HasTaskStages  bool // true if Data, AI (prompt parts), or Output is declared
	HasPromptParts bool
}

const (
	sectionBeforeAll = "# Before All"
	sectionData      = "# Data"
	sectionPrompt    = "# Prompt"
	sectionOutput    = "# Output"
	sectionAfterAll  = "# After All"
)

// Parse decodes an agent file's raw bytes: a YAML frontmatter block
// delimited by "---" lines, followed by a markdown body whose level-1
// headings name each stage's script (or, for "# Prompt", its templated
// parts, each itself a "## System"/"## Instruction"/"## Assistant"
// sub-heading).
func Parse(path string, raw []byte) (*AgentDef, error) {
	fm, body, err := splitFrontmatter(raw)
	if err != nil {
		return nil, fmt.Errorf("parse agent file %s: %w", path, err)
	}

	sections := splitSections(body)

	def := &AgentDef{
		Name:             fm.Name,
		Path:             path,
		Model:            fm.Model,
		Provider:         fm.Provider,
		InputConcurrency: fm.InputConcurrency,
		DryMode:          fm.DryMode,
		Options:          fm.Options,
		OptionsSchema:    fm.OptionsSchema,
		BeforeAllScript:  []byte(sections[sectionBeforeAll]),
		DataScript:       []byte(sections[sectionData]),
		OutputScript:     []byte(sections[sectionOutput]),
		AfterAllScript:   []byte(sections[sectionAfterAll]),
	}
	if def.InputConcurrency <= 0 {
		def.InputConcurrency = 1
	}
	if prompt, ok := sections[sectionPrompt]; ok {
		def.PromptParts = parsePromptParts(prompt)
		def.HasPromptParts = len(def.PromptParts) > 0
	}
	def.HasTaskStages = len(def.DataScript) > 0 || len(def.OutputScript) > 0 || def.HasPromptParts
	return def, nil
}

func splitFrontmatter(raw []byte) (Frontmatter, string, error) {
	text := string(raw)
	var fm Frontmatter

	trimmed := strings.TrimLeft(text, "\n")
	if !strings.HasPrefix(trimmed, "---") {
		// No frontmatter: the whole file is body. This is the fallback
		// path for agent files that only declare stage sections.
		return fm, text, nil
	}

	rest := strings.TrimPrefix(trimmed, "---")
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return fm, "", fmt.Errorf("unterminated frontmatter block")
	}
	yamlBlock := rest[:idx]
	body := rest[idx+len("\n---"):]

	if err := yaml.Unmarshal([]byte(yamlBlock), &fm); err != nil {
		return fm, "", fmt.Errorf("decode frontmatter: %w", err)
	}
	return fm, body, nil
}

// splitSections breaks the body into its level-1 "# Heading" sections,
// keyed by the heading text (including the leading "# ").
func splitSections(body string) map[string]string {
	sections := map[string]string{}
	lines := strings.Split(body, "\n")

	var current string
	var buf strings.Builder
	flush := func() {
		if current != "" {
			sections[strings.TrimSpace(current)] = strings.TrimSpace(buf.String())
		}
		buf.Reset()
	}

	for _, line := range lines {
		if strings.HasPrefix(line, "# ") {
			flush()
			current = line
			continue
		}
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	flush()
	return sections
}

// parsePromptParts splits the "# Prompt" section into its "## Kind"
// sub-sections, each optionally preceded by an options line of the form
// "> options: cache=true" as the sub-section's first line.
func parsePromptParts(prompt string) []PromptPart {
	var parts []PromptPart
	blocks := strings.Split(prompt, "\n## ")
	for i, block := range blocks {
		if i == 0 && !strings.HasPrefix(strings.TrimSpace(block), "") {
			continue
		}
		block = strings.TrimPrefix(block, "## ")
		lines := strings.SplitN(block, "\n", 2)
		if len(lines) == 0 {
			continue
		}
		kind := PromptKind(strings.TrimSpace(lines[0]))
		if kind != PromptInstruction && kind != PromptSystem && kind != PromptAssistant {
			continue
		}
		content := ""
		if len(lines) > 1 {
			content = lines[1]
		}
		optionsStr := ""
		content = strings.TrimLeft(content, "\n")
		if strings.HasPrefix(content, "> options:") {
			optLines := strings.SplitN(content, "\n", 2)
			optionsStr = strings.TrimSpace(strings.TrimPrefix(optLines[0], "> options:"))
			content = ""
			if len(optLines) > 1 {
				content = optLines[1]
			}
		}
		parts = append(parts, PromptPart{Kind: kind, Content: strings.TrimSpace(content), OptionsStr: optionsStr})
	}
	return parts
}

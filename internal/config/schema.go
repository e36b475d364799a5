package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidateOptions checks the frontmatter's options map against its
// options_schema, when one is declared. An agent with no options_schema
// accepts any options unchecked, same as before this validation existed.
// The schema compiles once per call since agent files are small and
// re-parsed on every resolve anyway (see actionexec.FileResolver), so
// there is no long-lived schema cache to keep correct.
func (d *AgentDef) ValidateOptions() error {
	if len(d.OptionsSchema) == 0 {
		return nil
	}
	raw, err := json.Marshal(d.OptionsSchema)
	if err != nil {
		return fmt.Errorf("marshal options_schema for %s: %w", d.Name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode options_schema for %s: %w", d.Name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(d.Name+"-options.json", doc); err != nil {
		return fmt.Errorf("add options_schema resource for %s: %w", d.Name, err)
	}
	schema, err := c.Compile(d.Name + "-options.json")
	if err != nil {
		return fmt.Errorf("compile options_schema for %s: %w", d.Name, err)
	}

	optsRaw, err := json.Marshal(d.Options)
	if err != nil {
		return fmt.Errorf("marshal options for %s: %w", d.Name, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(optsRaw))
	if err != nil {
		return fmt.Errorf("decode options for %s: %w", d.Name, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("agent %s: options do not satisfy options_schema: %w", d.Name, err)
	}
	return nil
}

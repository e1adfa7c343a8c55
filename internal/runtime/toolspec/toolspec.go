// Package toolspec validates tool-call parameters against a JSON-schema
// document before the task loop dispatches to the external tool runtime
// (spec §4.7 step 2). Grounded on haasonsaas-nexus's
// pkg/pluginsdk.ValidateConfig (compile-and-cache pattern over
// santhosh-tekuri/jsonschema/v5).
package toolspec

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator compiles and caches tool parameter schemas by tool name.
type Validator struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// NewValidator returns an empty Validator.
func NewValidator() *Validator {
	return &Validator{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles schema (raw JSON schema bytes) for toolName. An empty
// schema means "no parameter validation for this tool".
func (v *Validator) Register(toolName string, schema json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := jsonschema.CompileString(toolName+".schema.json", string(schema))
	if err != nil {
		return fmt.Errorf("toolspec: compile schema for %s: %w", toolName, err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[toolName] = compiled
	return nil
}

// Validate checks params against the registered schema for toolName. A
// tool with no registered schema always passes.
func (v *Validator) Validate(toolName string, params map[string]any) error {
	v.mu.Lock()
	schema, ok := v.schemas[toolName]
	v.mu.Unlock()
	if !ok {
		return nil
	}

	encoded, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("toolspec: encode params for %s: %w", toolName, err)
	}
	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return fmt.Errorf("toolspec: decode params for %s: %w", toolName, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("toolspec: %s: invalid params: %w", toolName, err)
	}
	return nil
}

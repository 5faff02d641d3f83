package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaRegistry compiles and caches one JSON Schema per intent type,
// validating an intent's context/constraints payload (spec §4.4 step 7
// "required fields" dimension). Generalized from the teacher's
// per-tool-name schema compiler (pkg/firewall) to per-intent-type.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry builds an empty schema registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
}

// RegisterSchema compiles and installs a JSON Schema for an intent
// type's context payload. An empty schema string clears any existing
// schema for that type (no structural validation beyond content rules).
func (s *SchemaRegistry) RegisterSchema(intentType, schema string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if schema == "" {
		delete(s.schemas, intentType)
		return nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://intentkeep.local/schema/%s.schema.json", intentType)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("policy: schema load failed for %q: %w", intentType, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("policy: schema compile failed for %q: %w", intentType, err)
	}
	s.schemas[intentType] = compiled
	return nil
}

// Validate checks context against the intent type's registered schema,
// if any. No schema registered is not a failure — required-field
// enforcement for types without a schema falls to ContentRules instead.
func (s *SchemaRegistry) Validate(intentType string, context map[string]any) error {
	s.mu.RLock()
	schema, ok := s.schemas[intentType]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := schema.Validate(context); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

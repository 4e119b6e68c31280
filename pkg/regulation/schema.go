package regulation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidConfiguration is returned when a regulation configuration payload
// fails its registered schema.
var ErrInvalidConfiguration = errors.New("regulation: configuration failed schema validation")

// SchemaRegistry validates regulation configuration payloads against
// per-type JSON Schemas before they are accepted into the append-only table.
// Types without a registered schema are accepted as-is.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles and stores the schema for one regulation type.
func (r *SchemaRegistry) Register(regType, schemaJSON string) error {
	compiled, err := jsonschema.CompileString(regType+".schema.json", schemaJSON)
	if err != nil {
		return fmt.Errorf("regulation: schema compile failed for %s: %w", regType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[regType] = compiled
	return nil
}

// Validate checks a configuration payload against the type's schema, if any.
func (r *SchemaRegistry) Validate(regType string, configuration map[string]interface{}) error {
	r.mu.RLock()
	schema, ok := r.schemas[regType]
	r.mu.RUnlock()

	if !ok {
		return nil
	}

	// The validator expects values as produced by json.Unmarshal, so
	// round-trip the payload before validating.
	raw, err := json.Marshal(configuration)
	if err != nil {
		return fmt.Errorf("regulation: configuration not serializable: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("regulation: configuration round-trip failed: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: type %s: %v", ErrInvalidConfiguration, regType, err)
	}
	return nil
}

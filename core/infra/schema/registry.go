package schema

import (
	"bytes"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry holds compiled JSON Schemas keyed by id. Schemas are compiled once
// at registration; validation is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{compiled: make(map[string]*jsonschema.Schema)}
}

// Register compiles and stores a schema by id, replacing any previous one.
func (r *Registry) Register(id string, schema []byte) error {
	if r == nil {
		return fmt.Errorf("registry unavailable")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("schema id required")
	}
	if len(schema) == 0 {
		return fmt.Errorf("schema body required")
	}
	compiled, err := compile(id, schema)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.compiled[id] = compiled
	r.mu.Unlock()
	return nil
}

// RegisterFS registers every *.json file under dir, keyed by base name without
// the ".schema.json" or ".json" suffix.
func (r *Registry) RegisterFS(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("read schema dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read schema %s: %w", entry.Name(), err)
		}
		id := strings.TrimSuffix(strings.TrimSuffix(entry.Name(), ".json"), ".schema")
		if err := r.Register(id, data); err != nil {
			return fmt.Errorf("register %s: %w", id, err)
		}
	}
	return nil
}

// Has reports whether a schema id is registered.
func (r *Registry) Has(id string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.compiled[id]
	return ok
}

// Validate checks value against the schema registered under id.
func (r *Registry) Validate(id string, value any) error {
	if r == nil {
		return fmt.Errorf("registry unavailable")
	}
	r.mu.RLock()
	compiled, ok := r.compiled[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("schema %q not registered", id)
	}
	payload, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("normalize payload: %w", err)
	}
	if err := compiled.Validate(payload); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func compile(id string, schema []byte) (*jsonschema.Schema, error) {
	resourceID := schemaID(id)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceID, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// Package tool defines the pluggable document-type layer: each tool owns
// the shape of its documents, how a fresh one is initialized, and how often
// it is snapshotted. The engine itself never interprets document content.
package tool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"collabengine/crdt"
)

// ErrUnknownTool is returned when a tool type is not registered.
var ErrUnknownTool = errors.New("unknown tool type")

// ErrToolRegistered is returned when registering a duplicate tool type.
var ErrToolRegistered = errors.New("tool already registered")

// SnapshotPolicy tunes when a document gets a fresh snapshot: after
// MaxUpdates appended updates or MaxInterval elapsed since the last one,
// whichever comes first.
type SnapshotPolicy struct {
	MaxUpdates  int64
	MaxInterval time.Duration
}

// Definition describes one document type.
type Definition interface {
	// Type is the unique tool identifier.
	Type() string

	// InitDocument creates a fresh authoritative document.
	InitDocument(ctx context.Context) (*crdt.Document, error)

	// SnapshotPolicy returns the tool's snapshot tuning.
	SnapshotPolicy() SnapshotPolicy
}

// Validator is an optional Definition capability: pure, side-effect free
// domain validation.
type Validator interface {
	Validate(doc *crdt.Document) Result
}

// Compiler is an optional Definition capability: an export/compilation
// step producing an arbitrary serializable value.
type Compiler interface {
	Compile(doc *crdt.Document) (interface{}, error)
}

// ValidationError locates one validation failure inside a document.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Result is the outcome of a validation pass.
type Result struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors"`
}

// Registry holds the registered tool definitions.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Definition
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Definition)}
}

// Register adds a tool definition.
func (r *Registry) Register(def Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Type()]; exists {
		return fmt.Errorf("%w: %s", ErrToolRegistered, def.Type())
	}
	r.tools[def.Type()] = def
	return nil
}

// Get returns the definition for toolType or ErrUnknownTool.
func (r *Registry) Get(toolType string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.tools[toolType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, toolType)
	}
	return def, nil
}

// Has reports whether toolType is registered.
func (r *Registry) Has(toolType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.tools[toolType]
	return ok
}

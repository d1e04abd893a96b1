// Package registry holds the typed callable capabilities available to
// worker agents. Each tool is a (name, schema, executor) triple; the
// registry resolves names to executors and validates structured inputs
// against the declared JSON schema before invocation.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Input carries the structured arguments for a tool invocation.
type Input map[string]interface{}

// Output carries the structured result of a tool invocation.
type Output map[string]interface{}

// Executor performs the tool's work. Implementations honour ctx
// cancellation; network and compute tools are suspension points.
type Executor func(ctx context.Context, in Input) (Output, error)

// Tool describes a registered capability.
type Tool struct {
	Name        string
	Description string
	// InputSchema is a JSON-Schema-shaped description of the tool inputs.
	InputSchema map[string]interface{}
	// OutputNote is an abstract description of the tool output.
	OutputNote string
	Executor   Executor
}

// Info is the listing view of a tool, without its executor.
type Info struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
	OutputNote  string                 `json:"output_note,omitempty"`
}

// ErrUnknownTool indicates an invocation named an unregistered tool.
var ErrUnknownTool = fmt.Errorf("unknown tool")

// ErrFrozen indicates a registration attempt after the registry was frozen.
var ErrFrozen = fmt.Errorf("registry is frozen")

// InvalidInputError reports tool arguments that failed schema validation.
type InvalidInputError struct {
	Tool   string
	Detail string
}

func (e InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input for tool %s: %s", e.Tool, e.Detail)
}

// ExecutorError wraps a failure raised by the tool itself. Workers report
// it back to the model as a tool result rather than failing the run.
type ExecutorError struct {
	Tool   string
	Detail string
}

func (e ExecutorError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Detail)
}

// Registry maps tool names to executors. It becomes immutable once a run
// begins (Freeze); invocations are safe under concurrent access.
type Registry struct {
	mu       sync.RWMutex
	logger   *log.Logger
	tools    map[string]Tool
	compiled map[string]*jsonschema.Schema
	frozen   bool
}

// New creates an empty registry.
func New(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(log.Writer(), "[REGISTRY] ", log.LstdFlags)
	}
	return &Registry{
		logger:   logger,
		tools:    make(map[string]Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool. Registering a name twice replaces the prior
// executor with a warning. Registration fails after Freeze.
func (r *Registry) Register(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Executor == nil {
		return fmt.Errorf("tool %s has no executor", tool.Name)
	}
	schema, err := compileSchema(tool.Name, tool.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %s schema: %w", tool.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if _, exists := r.tools[tool.Name]; exists {
		r.logger.Printf("warn: replacing executor for tool %s", tool.Name)
	}
	r.tools[tool.Name] = tool
	r.compiled[tool.Name] = schema
	return nil
}

// Freeze makes the registry immutable. Called by the supervisor when a run
// begins.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// List returns registered tools sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Info{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			OutputNote:  t.OutputNote,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Has reports whether a tool name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Invoke resolves name to an executor, validates inputs against the tool
// schema, and runs it. Unknown names fail with ErrUnknownTool; executor
// failures are wrapped in ExecutorError.
func (r *Registry) Invoke(ctx context.Context, name string, in Input) (Output, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.compiled[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if schema != nil {
		if err := schema.Validate(normalize(in)); err != nil {
			return nil, InvalidInputError{Tool: name, Detail: err.Error()}
		}
	}
	out, err := tool.Executor(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ExecutorError{Tool: name, Detail: err.Error()}
	}
	return out, nil
}

func compileSchema(name string, raw map[string]interface{}) (*jsonschema.Schema, error) {
	if raw == nil {
		return nil, nil
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(payload)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// normalize round-trips the input through JSON so schema validation sees
// the same value shapes the model produces (float64 numbers, plain maps).
func normalize(in Input) interface{} {
	payload, err := json.Marshal(in)
	if err != nil {
		return map[string]interface{}(in)
	}
	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return map[string]interface{}(in)
	}
	return v
}

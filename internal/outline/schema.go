package outline

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed outline_schema.json
var outlineSchemaJSON string

var (
	compileOnce   sync.Once
	outlineSchema *jsonschema.Schema
	compileErr    error
)

// Schema returns the compiled JSON Schema for planner outline documents.
func Schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("outline_schema.json", strings.NewReader(outlineSchemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("outline_schema.json")
		if err != nil {
			compileErr = fmt.Errorf("compile outline schema: %w", err)
			return
		}
		outlineSchema = schema
	})
	return outlineSchema, compileErr
}

// ValidateDocument validates the provided JSON bytes against the
// outline schema.
func ValidateDocument(data []byte) error {
	schema, err := Schema()
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("outline is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("outline does not match schema: %w", err)
	}
	return nil
}

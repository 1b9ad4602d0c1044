package action

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed action_schema.json
var actionSchemaJSON string

var (
	compileOnce  sync.Once
	actionSchema *jsonschema.Schema
	compileErr   error
)

// Schema returns the compiled JSON Schema covering every action variant.
func Schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("action_schema.json", strings.NewReader(actionSchemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("action_schema.json")
		if err != nil {
			compileErr = fmt.Errorf("compile action schema: %w", err)
			return
		}
		actionSchema = schema
	})
	return actionSchema, compileErr
}

func validateSchema(data []byte) error {
	schema, err := Schema()
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("action is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("action does not match schema: %w", err)
	}
	return nil
}

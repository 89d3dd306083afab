package plan

import (
	"bytes"
	"encoding/json"
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed plan_schema.json
var planSchemaJSON []byte

var (
	schemaOnce sync.Once
	planSchema *jsonschema.Schema
	schemaErr  error
)

// compiledSchema compiles the embedded plan schema once.
func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(planSchemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal plan schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("plan_schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("add plan schema resource: %w", err)
			return
		}
		planSchema, schemaErr = compiler.Compile("plan_schema.json")
	})
	return planSchema, schemaErr
}

// validateSchema checks a parsed plan against the embedded JSON schema. The
// plan is round-tripped through JSON so that YAML-native types normalize to
// the types the schema engine expects.
func validateSchema(p *Plan) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: schema violation: %v", ErrInvalidPlan, err)
	}
	return nil
}

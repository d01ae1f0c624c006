package validation

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/maildigest/pkg/schema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://maildigest.local/schemas/"

// JSONSchemaValidator implements the Validator interface with the embedded schemas
// compiled once at construction. It is safe for concurrent use.
type JSONSchemaValidator struct {
	schemas map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles every embedded schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	names := []string{SchemaTrigger, SchemaDecision, SchemaDetection}
	for _, name := range names {
		raw, err := schemaFS.ReadFile("schemas/" + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("read %s schema: %w", name, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
		}
		if err := c.AddResource(schemaBaseURL+name+".json", doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", name, err)
		}
	}

	v := &JSONSchemaValidator{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		compiled, err := c.Compile(schemaBaseURL + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		v.schemas[name] = compiled
	}
	return v, nil
}

// Validate round-trips v through JSON and validates it against the named schema.
func (v *JSONSchemaValidator) Validate(name string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize payload").WithCause(err)
	}
	return v.ValidateJSON(name, b)
}

// ValidateJSON validates raw JSON against the named schema.
func (v *JSONSchemaValidator) ValidateJSON(name string, data []byte) error {
	compiled, ok := v.schemas[name]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown schema %q", name)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "malformed JSON body").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toDigestError(name, err)
	}
	return nil
}

// toDigestError converts a jsonschema.ValidationError into a DigestError listing
// each leaf violation with its instance location.
func toDigestError(name string, err error) *schema.DigestError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	details := map[string]any{"schema": name, "violations": violations}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).WithDetails(details)
	}
	msg := fmt.Sprintf("%s validation failed with %d errors", name, len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).WithDetails(details)
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

var _ Validator = (*JSONSchemaValidator)(nil)

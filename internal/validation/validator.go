package validation

// Names of the embedded schemas.
const (
	SchemaTrigger   = "trigger"
	SchemaDecision  = "decision"
	SchemaDetection = "detection"
)

// Validator checks inbound payloads and collaborator output against JSON Schema Draft 2020-12.
type Validator interface {
	Validate(name string, v any) error
	ValidateJSON(name string, data []byte) error
}

package validation

import "github.com/rendis/drip/pkg/schema"

// Validator checks sequence definitions before activation and action
// parameters before execution. Schemas use JSON Schema Draft 2020-12.
type Validator interface {
	ValidateSequence(seq *schema.Sequence) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

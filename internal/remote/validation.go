package remote

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/validation_result.json
var validationResultSchema []byte

var validationSchema struct {
	once   sync.Once
	schema *jsonschema.Schema
	err    error
}

func compileValidationSchema() {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(validationResultSchema))
	if err != nil {
		validationSchema.err = err
		return
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("validation_result.json", doc); err != nil {
		validationSchema.err = err
		return
	}
	validationSchema.schema, validationSchema.err = compiler.Compile("validation_result.json")
}

// decodeValidationResult checks the body shape before trusting the flag; a
// malformed 200 is reported as an HTTPError rather than an acceptance.
func decodeValidationResult(payload []byte) (ValidationResult, error) {
	validationSchema.once.Do(compileValidationSchema)
	if validationSchema.err != nil {
		return ValidationResult{}, validationSchema.err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return ValidationResult{}, &HTTPError{StatusCode: 200, Code: "malformed_response", Message: err.Error()}
	}
	if err := validationSchema.schema.Validate(inst); err != nil {
		return ValidationResult{}, &HTTPError{StatusCode: 200, Code: "malformed_response", Message: fmt.Sprint(err)}
	}
	var wire struct {
		ExternalReferenceID *string `json:"externalReferenceId"`
		Rejected            bool    `json:"rejected"`
		Code                *string `json:"code"`
		Message             *string `json:"message"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return ValidationResult{}, &HTTPError{StatusCode: 200, Code: "malformed_response", Message: err.Error()}
	}
	out := ValidationResult{Rejected: wire.Rejected}
	if wire.ExternalReferenceID != nil {
		out.ExternalReferenceID = *wire.ExternalReferenceID
	}
	if wire.Code != nil {
		out.Code = *wire.Code
	}
	if wire.Message != nil {
		out.Message = *wire.Message
	}
	return out, nil
}

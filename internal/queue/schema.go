package queue

import (
	"bytes"
	"embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var payloadSchemas struct {
	once   sync.Once
	err    error
	byType map[TaskType]*jsonschema.Schema
}

func compilePayloadSchemas() {
	compiler := jsonschema.NewCompiler()
	byType := map[TaskType]*jsonschema.Schema{}
	for _, taskType := range []TaskType{TaskCreateApplication, TaskUpdateDraft, TaskUploadDocument} {
		name := "schemas/" + string(taskType) + ".json"
		raw, err := schemaFS.ReadFile(name)
		if err != nil {
			payloadSchemas.err = err
			return
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			payloadSchemas.err = fmt.Errorf("parse %s: %w", name, err)
			return
		}
		if err := compiler.AddResource(name, doc); err != nil {
			payloadSchemas.err = fmt.Errorf("add %s: %w", name, err)
			return
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			payloadSchemas.err = fmt.Errorf("compile %s: %w", name, err)
			return
		}
		byType[taskType] = schema
	}
	payloadSchemas.byType = byType
}

func validatePayload(taskType TaskType, raw []byte) error {
	payloadSchemas.once.Do(compilePayloadSchemas)
	if payloadSchemas.err != nil {
		return payloadSchemas.err
	}
	schema, ok := payloadSchemas.byType[taskType]
	if !ok {
		return fmt.Errorf("%w: unknown task type %q", ErrInvalidPayload, taskType)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

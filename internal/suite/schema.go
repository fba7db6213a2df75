package suite

import (
	"bytes"
	"fmt"
	"io/fs"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/smileynet/pipecheck"
)

var (
	suiteSchema *jsonschema.Schema
	compileOnce sync.Once
	compileErr  error
)

// compileSchema compiles the embedded suite schema once.
func compileSchema() error {
	compileOnce.Do(func() {
		data, err := fs.ReadFile(pipecheck.Schemas, pipecheck.SuiteSchemaName)
		if err != nil {
			compileErr = fmt.Errorf("read suite schema: %w", err)
			return
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			compileErr = fmt.Errorf("unmarshal suite schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(pipecheck.SuiteSchemaName, doc); err != nil {
			compileErr = fmt.Errorf("add suite schema resource: %w", err)
			return
		}
		suiteSchema, err = compiler.Compile(pipecheck.SuiteSchemaName)
		if err != nil {
			compileErr = fmt.Errorf("compile suite schema: %w", err)
		}
	})
	return compileErr
}

// ValidateDocument validates a decoded suite document against the schema.
func ValidateDocument(doc any) error {
	if err := compileSchema(); err != nil {
		return err
	}
	if err := suiteSchema.Validate(doc); err != nil {
		return fmt.Errorf("suite: schema validation failed: %w", err)
	}
	return nil
}

// ValidateJSON validates raw JSON suite data against the schema.
func ValidateJSON(data []byte) error {
	doc, err := unmarshalDocument(data)
	if err != nil {
		return err
	}
	return ValidateDocument(doc)
}

func unmarshalDocument(data []byte) (any, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("suite: invalid JSON: %w", err)
	}
	return doc, nil
}

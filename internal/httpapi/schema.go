package httpapi

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request body schemas. Validation happens before any store mutation so a
// malformed request never leaves partial state behind.
const identityCreateSchemaJSON = `{
	"type": "object",
	"properties": {
		"id": {"type": "string", "maxLength": 128}
	},
	"additionalProperties": false
}`

const bindingPutSchemaJSON = `{
	"type": "object",
	"required": ["displayName"],
	"properties": {
		"displayName": {"type": "string", "minLength": 1, "maxLength": 256}
	},
	"additionalProperties": false
}`

const calendarPutSchemaJSON = `{
	"type": "object",
	"required": ["endpoint"],
	"properties": {
		"endpoint": {"type": "string", "minLength": 1, "maxLength": 2048},
		"username": {"type": "string", "maxLength": 256},
		"secret": {"type": "string", "maxLength": 1024}
	},
	"additionalProperties": false
}`

type requestSchemas struct {
	identityCreate *jsonschema.Schema
	bindingPut     *jsonschema.Schema
	calendarPut    *jsonschema.Schema
}

func compileRequestSchemas() (*requestSchemas, error) {
	compiler := jsonschema.NewCompiler()
	compile := func(name, source string) (*jsonschema.Schema, error) {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(source)))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		return schema, nil
	}

	var schemas requestSchemas
	var err error
	if schemas.identityCreate, err = compile("identity-create.json", identityCreateSchemaJSON); err != nil {
		return nil, err
	}
	if schemas.bindingPut, err = compile("binding-put.json", bindingPutSchemaJSON); err != nil {
		return nil, err
	}
	if schemas.calendarPut, err = compile("calendar-put.json", calendarPutSchemaJSON); err != nil {
		return nil, err
	}
	return &schemas, nil
}

// validateBody checks raw JSON against schema and returns a request-shaped
// error message on failure.
func validateBody(schema *jsonschema.Schema, body []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body")
	}
	if err := schema.Validate(doc); err != nil {
		return err
	}
	return nil
}

// Package schema validates write-path request bodies before any mutation
// happens. Compiled once at startup; a violation maps to an invalid-request
// rejection at the HTTP layer.
package schema

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const pushSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type", "action", "data"],
	"properties": {
		"type":   {"type": "string", "minLength": 1},
		"action": {"type": "string", "minLength": 1},
		"source": {"type": "string"},
		"data":   {"type": "object"}
	}
}`

const batchSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["updates"],
	"properties": {
		"updates": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["type", "action", "data"],
				"properties": {
					"type":   {"type": "string", "minLength": 1},
					"action": {"type": "string", "minLength": 1},
					"source": {"type": "string"},
					"data":   {"type": "object"}
				}
			}
		}
	}
}`

var (
	pushSchema  = mustCompile("push.json", pushSchemaJSON)
	batchSchema = mustCompile("batch.json", batchSchemaJSON)
)

func mustCompile(name, src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return compiler.MustCompile(name)
}

// ValidatePush checks a decoded /api/push body.
func ValidatePush(body any) error {
	return pushSchema.Validate(body)
}

// ValidateBatch checks a decoded /api/batch body.
func ValidateBatch(body any) error {
	return batchSchema.Validate(body)
}

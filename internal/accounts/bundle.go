package accounts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const bundleSchemaURL = "https://authrecall.local/schemas/accounts.json"

const bundleSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$defs": {
    "record": {
      "type": "object",
      "required": ["email"],
      "properties": {
        "email": {"type": "string", "pattern": "@"},
        "displayName": {"type": ["string", "null"]},
        "photoUrl": {"type": ["string", "null"]},
        "firstSeen": {"type": "number"},
        "lastUsed": {"type": "number"},
        "lastModified": {"type": "number"}
      }
    },
    "accounts": {
      "type": "object",
      "additionalProperties": {"$ref": "#/$defs/record"}
    }
  },
  "oneOf": [
    {
      "type": "object",
      "required": ["accounts"],
      "properties": {
        "version": {"type": "integer"},
        "exportedAt": {"type": "string"},
        "accounts": {"$ref": "#/$defs/accounts"}
      }
    },
    {
      "allOf": [
        {"$ref": "#/$defs/accounts"},
        {"not": {"required": ["accounts"]}}
      ]
    }
  ]
}`

var (
	bundleSchemaOnce sync.Once
	bundleSchema     *jsonschema.Schema
	bundleSchemaErr  error
)

func compiledBundleSchema() (*jsonschema.Schema, error) {
	bundleSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(bundleSchemaJSON))
		if err != nil {
			bundleSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(bundleSchemaURL, doc); err != nil {
			bundleSchemaErr = err
			return
		}
		bundleSchema, bundleSchemaErr = compiler.Compile(bundleSchemaURL)
	})
	return bundleSchema, bundleSchemaErr
}

// ParseBundle validates an import document and returns its accounts. Both
// the export shape {version, exportedAt, accounts} and a bare domain map
// are accepted.
func ParseBundle(data []byte) (Accounts, error) {
	schema, err := compiledBundleSchema()
	if err != nil {
		return nil, fmt.Errorf("compile bundle schema: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	payload := data
	if nested, ok := top["accounts"]; ok {
		payload = nested
	}
	var accounts Accounts
	if err := json.Unmarshal(payload, &accounts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	if accounts == nil {
		accounts = Accounts{}
	}
	return accounts, nil
}

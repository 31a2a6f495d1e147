package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Document is the wire form a plan arrives in from the external planner.
type Document struct {
	Version  int       `json:"version" yaml:"version"`
	Request  string    `json:"request" yaml:"request"`
	Subtasks []Subtask `json:"subtasks" yaml:"subtasks"`
}

const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "request", "subtasks"],
  "additionalProperties": false,
  "properties": {
    "version": {"const": 1},
    "request": {"type": "string", "minLength": 1},
    "subtasks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "instructions"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string", "pattern": "^[A-Za-z][A-Za-z0-9_-]*$"},
          "capabilities": {"type": "array", "items": {"type": "string", "minLength": 1}},
          "instructions": {"type": "string", "minLength": 1},
          "depends_on": {"type": "array", "items": {"type": "string", "minLength": 1}},
          "condition": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

var compiledDocumentSchema = mustCompileDocumentSchema()

func mustCompileDocumentSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.schema.json", strings.NewReader(documentSchema)); err != nil {
		panic(err)
	}
	return c.MustCompile("plan.schema.json")
}

// DecodeJSON validates a JSON plan document against the embedded schema, then
// strictly decodes it and constructs the Plan. Schema violations carry the
// offending JSON pointer so planner bugs are precise to diagnose.
func DecodeJSON(data []byte) (*Plan, error) {
	doc, err := decodeDocumentJSON(data)
	if err != nil {
		return nil, err
	}
	return New(doc.Request, doc.Subtasks)
}

// DecodeYAML strictly decodes a YAML plan document and runs it through the
// same schema checks as JSON input.
func DecodeYAML(data []byte) (*Plan, error) {
	doc, err := decodeDocumentYAML(data)
	if err != nil {
		return nil, err
	}
	return New(doc.Request, doc.Subtasks)
}

func decodeDocumentJSON(data []byte) (*Document, error) {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("plan document: %w", err)
	}
	if err := compiledDocumentSchema.Validate(instance); err != nil {
		return nil, fmt.Errorf("plan document schema: %w", err)
	}

	var doc Document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("plan document: %w", err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("plan document: multiple top-level values are not allowed")
		}
		return nil, err
	}
	return &doc, nil
}

func decodeDocumentYAML(data []byte) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("plan document: %w", err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("plan document: multiple documents are not allowed")
		}
		return nil, err
	}

	// Round-trip through JSON so schema validation sees the same instance
	// shape for both input formats.
	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("plan document: %w", err)
	}
	var instance any
	if err := json.Unmarshal(normalized, &instance); err != nil {
		return nil, fmt.Errorf("plan document: %w", err)
	}
	if err := compiledDocumentSchema.Validate(instance); err != nil {
		return nil, fmt.Errorf("plan document schema: %w", err)
	}
	return &doc, nil
}

// LoadFile reads a plan document, picking the decoder by file extension:
// .json decodes as JSON, everything else as YAML.
func LoadFile(path string) (*Plan, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		return DecodeJSON(b)
	}
	return DecodeYAML(b)
}

// LoadDocumentFile reads and strictly decodes a plan document without
// constructing the Plan. Callers that want the full diagnostic list, warnings
// included, run Validate over the document's subtasks themselves; construction
// would stop at the first error.
func LoadDocumentFile(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		return decodeDocumentJSON(b)
	}
	return decodeDocumentYAML(b)
}

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/partyvault/coordinator/internal/coordinatorerr"
)

// validator holds pre-compiled JSON Schemas for every mutating request
// body, enforcing spec §6's field limits at the edge (name/title ≤128
// characters, description ≤4096 characters, record_count is a non-negative
// integer; JSON Schema maxLength counts characters, not bytes) in addition
// to the defense-in-depth checks each component repeats internally.
type validator struct {
	registerParty *jsonschema.Schema
	upload        *jsonschema.Schema
	createRequest *jsonschema.Schema
	vote          *jsonschema.Schema
	saveResults   *jsonschema.Schema
}

func newValidator() *validator {
	return &validator{
		registerParty: compile("register_party", registerPartySchema),
		upload:        compile("upload", uploadSchema),
		createRequest: compile("create_request", createRequestSchema),
		vote:          compile("vote", voteSchema),
		saveResults:   compile("save_results", saveResultsSchema),
	}
}

func compile(name, schemaText string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name+".json", bytes.NewReader([]byte(schemaText))); err != nil {
		panic(fmt.Sprintf("api: invalid embedded schema %s: %v", name, err))
	}
	s, err := c.Compile(name + ".json")
	if err != nil {
		panic(fmt.Sprintf("api: compile schema %s: %v", name, err))
	}
	return s
}

const registerPartySchema = `{
	"type": "object",
	"required": ["name", "role"],
	"properties": {
		"name": {"type": "string", "minLength": 1, "maxLength": 128},
		"role": {"type": "string", "maxLength": 64}
	}
}`

const uploadSchema = `{
	"type": "object",
	"required": ["name", "ciphertext", "schema", "record_count"],
	"properties": {
		"name": {"type": "string", "minLength": 1, "maxLength": 128},
		"ciphertext": {"type": "string"},
		"schema": {"type": "string", "maxLength": 4096},
		"record_count": {"type": "integer", "minimum": 0}
	}
}`

const createRequestSchema = `{
	"type": "object",
	"required": ["title", "description"],
	"properties": {
		"title": {"type": "string", "minLength": 1, "maxLength": 128},
		"description": {"type": "string", "maxLength": 4096},
		"dataset_ids": {"type": "array", "items": {"type": "string"}}
	}
}`

const voteSchema = `{
	"type": "object",
	"required": ["decision"],
	"properties": {
		"decision": {"type": "string", "enum": ["yes", "no"]}
	}
}`

const saveResultsSchema = `{
	"type": "object",
	"required": ["result_payload"],
	"properties": {
		"result_payload": {"type": "string"}
	}
}`

// decodeAndValidate reads the request body once, validates it against
// schema (as a generic document), and then unmarshals it into dst.
func decodeAndValidate(r *http.Request, dst interface{}, schema *jsonschema.Schema) error {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return coordinatorerr.Wrap(coordinatorerr.InvalidInput, "read request body", err)
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return coordinatorerr.Wrap(coordinatorerr.InvalidInput, "malformed JSON body", err)
	}
	if err := schema.Validate(doc); err != nil {
		return coordinatorerr.Wrap(coordinatorerr.InvalidInput, "schema validation failed", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return coordinatorerr.Wrap(coordinatorerr.InvalidInput, "decode request body", err)
	}
	return nil
}

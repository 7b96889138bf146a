package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/tccflow/pkg/flowerr"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// requestFields is the wire vocabulary shared by every operation. Fields
// outside it are rejected; each route narrows it with its own required list.
const requestFields = `{
  "script":          {"type": "string", "minLength": 1},
  "input_data":      {"type": "string"},
  "input_encoding":  {"enum": ["text", "base64"]},
  "aes_key":         {"type": "string"},
  "ed25519_key":     {"type": "string"},
  "model_name":      {"type": "string"},
  "num_layers":      {"type": "integer"},
  "include_keccak":  {"type": "boolean"},
  "detached_hash":   {"type": "boolean"},
  "temperature":     {"type": "number", "minimum": 0, "maximum": 4},
  "commit_entropy":  {"type": "string"},
  "reveal_entropy":  {"type": "string"},
  "user_id":         {"type": "string"},
  "fee":             {"type": "integer", "minimum": 0},
  "shard_id":        {"type": "string"},
  "arbitrary_input": {"type": "string"},
  "target_output":   {"type": "string"},
  "target_encoding": {"enum": ["hex", "text"]},
  "chunk":           {"type": "string", "contentEncoding": "base64"}
}`

var routeRequired = map[string][]string{
	"execute":           {"script", "input_data"},
	"reverse":           {"script", "target_output"},
	"reverse_arbitrary": {"script", "arbitrary_input", "target_output"},
	"commit_entropy":    {"script", "user_id", "commit_entropy"},
	"reveal_entropy":    {"script", "user_id", "reveal_entropy", "fee"},
	"deploy_shard":      {"script", "user_id"},
	"append_chunk":      {"chunk"},
}

// schemaDocument returns the request schema of one route.
func schemaDocument(route string) (string, error) {
	required, ok := routeRequired[route]
	if !ok {
		return "", fmt.Errorf("api: no schema for route %q", route)
	}
	req, err := json.Marshal(required)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": %s,
  "properties": %s
}`, req, requestFields), nil
}

// compileSchemas compiles one validator per route.
func compileSchemas() (map[string]*jsonschema.Schema, error) {
	out := make(map[string]*jsonschema.Schema, len(routeRequired))
	for route := range routeRequired {
		doc, err := schemaDocument(route)
		if err != nil {
			return nil, err
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := "https://tccflow.schemas.local/api/" + route + ".schema.json"
		if err := c.AddResource(url, strings.NewReader(doc)); err != nil {
			return nil, fmt.Errorf("api: schema %s load failed: %w", route, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("api: schema %s compile failed: %w", route, err)
		}
		out[route] = s
	}
	return out, nil
}

// decodeRequest reads the body, validates it against the route schema and
// decodes it into dst.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request, route string, dst any) error {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return flowerr.Validation(route, "request body too large or unreadable")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return flowerr.Validation(route, "request body must be a JSON object")
	}
	if err := s.schemas[route].Validate(doc); err != nil {
		return flowerr.Validation(route, "%s", schemaMessage(err))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return flowerr.Validation(route, "request body: %v", err)
	}
	return nil
}

// schemaMessage flattens a validation error to its leaf causes.
func schemaMessage(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	var parts []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			parts = append(parts, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(parts, "; ")
}

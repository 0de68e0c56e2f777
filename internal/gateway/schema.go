package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const dispatchRequestSchema = `{
  "type": "object",
  "required": ["orgId", "runId", "nodeId", "attempt", "kind"],
  "additionalProperties": false,
  "properties": {
    "orgId":       {"type": "string", "minLength": 1, "maxLength": 128, "pattern": "^[^:/]+$"},
    "workflowId":  {"type": "string", "maxLength": 256},
    "runId":       {"type": "string", "minLength": 1, "maxLength": 256, "pattern": "^[^:]+$"},
    "nodeId":      {"type": "string", "minLength": 1, "maxLength": 256, "pattern": "^[^:]+$"},
    "attempt":     {"type": "integer", "minimum": 1},
    "kind":        {"enum": ["shell.exec", "connector.action", "agent.run"]},
    "connectorId": {"type": "string", "maxLength": 256},
    "payload":     {},
    "secrets":     {"type": "object", "additionalProperties": {"type": "string"}},
    "selector": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "tag":     {"type": "string"},
        "group":   {"type": "string"},
        "agentId": {"type": "string"},
        "pool":    {"type": "string"}
      }
    },
    "timeoutMs": {"type": "integer", "minimum": 0},
    "sessionId": {"type": "string", "maxLength": 256}
  }
}`

const sendTurnSchema = `{
  "type": "object",
  "required": ["input"],
  "additionalProperties": false,
  "properties": {
    "input": {"type": "string", "minLength": 1, "maxLength": 65536}
  }
}`

const memorySyncSchema = `{
  "type": "object",
  "required": ["orgId", "entries"],
  "additionalProperties": false,
  "properties": {
    "orgId": {"type": "string", "minLength": 1, "pattern": "^[^:/]+$"},
    "entries": {
      "type": "array",
      "maxItems": 1000,
      "items": {
        "type": "object",
        "required": ["key", "content"],
        "additionalProperties": false,
        "properties": {
          "key":     {"type": "string", "minLength": 1, "maxLength": 512},
          "content": {"type": "string"},
          "tags":    {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

const memoryQuerySchema = `{
  "type": "object",
  "required": ["orgId", "query"],
  "additionalProperties": false,
  "properties": {
    "orgId": {"type": "string", "minLength": 1, "pattern": "^[^:/]+$"},
    "query": {"type": "string", "maxLength": 4096},
    "limit": {"type": "integer", "minimum": 0, "maximum": 1000}
  }
}`

// schemas holds the compiled boundary validators.
type schemas struct {
	dispatch    *jsonschema.Schema
	sendTurn    *jsonschema.Schema
	memorySync  *jsonschema.Schema
	memoryQuery *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	c := jsonschema.NewCompiler()
	sources := map[string]string{
		"dispatch.json":     dispatchRequestSchema,
		"send-turn.json":    sendTurnSchema,
		"memory-sync.json":  memorySyncSchema,
		"memory-query.json": memoryQuerySchema,
	}
	for name, src := range sources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	out := &schemas{}
	for name, dst := range map[string]**jsonschema.Schema{
		"dispatch.json":     &out.dispatch,
		"send-turn.json":    &out.sendTurn,
		"memory-sync.json":  &out.memorySync,
		"memory-query.json": &out.memoryQuery,
	} {
		sch, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		*dst = sch
	}
	return out, nil
}

// decodeStrict validates raw against sch and decodes it into v, rejecting
// unknown fields.
func decodeStrict(sch *jsonschema.Schema, raw []byte, v any) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

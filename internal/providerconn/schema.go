package providerconn

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaRegistry compiles and caches one schema per frame type, mirroring
// gateway.wsSchemaRegistry's once-compiled method-schema map.
type schemaRegistry struct {
	once    sync.Once
	initErr error
	envelope *jsonschema.Schema
	byType  map[string]*jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		env, err := jsonschema.CompileString("frame_envelope", frameEnvelopeSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.envelope = env

		defs := map[string]string{
			"register":          registerSchema,
			"unregister":        unregisterSchema,
			"tool_result":       toolResultSchema,
			"chat_request":      chatRequestSchema,
			"notification":      notificationSchema,
			"notification_ack":  notificationAckSchema,
			"call_tool":         callToolSchema,
			"call_tool_result":  callToolResultSchema,
		}
		schemas.byType = make(map[string]*jsonschema.Schema, len(defs))
		for name, src := range defs {
			compiled, err := jsonschema.CompileString("frame_"+name, src)
			if err != nil {
				schemas.initErr = err
				return
			}
			schemas.byType[name] = compiled
		}
	})
	return schemas.initErr
}

// validateFrame validates the raw frame against the generic envelope
// schema, then against the type-specific schema if one is registered for
// frame.Type. Frame types with no dedicated schema (e.g. "registered",
// sent only broker-to-provider) are accepted once the envelope passes.
func validateFrame(raw []byte, frameType string) error {
	if err := initSchemas(); err != nil {
		return err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := schemas.envelope.Validate(payload); err != nil {
		return err
	}
	schema, ok := schemas.byType[frameType]
	if !ok {
		return nil
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("%s: %w", frameType, err)
	}
	return nil
}

const frameEnvelopeSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const registerSchema = `{
  "type": "object",
  "properties": {
    "clientId": { "type": "string" },
    "tools": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": { "type": "string", "pattern": "^[A-Za-z0-9_-]+$" },
          "description": { "type": "string" },
          "inputSchema": {}
        },
        "additionalProperties": true
      }
    }
  },
  "additionalProperties": true
}`

const unregisterSchema = `{ "type": "object", "additionalProperties": true }`

const toolResultSchema = `{
  "type": "object",
  "required": ["callId"],
  "properties": {
    "callId": { "type": "string", "minLength": 1 },
    "content": { "type": "array" },
    "isError": { "type": "boolean" }
  },
  "additionalProperties": true
}`

const chatRequestSchema = `{
  "type": "object",
  "required": ["requestId"],
  "properties": {
    "requestId": { "type": "string", "minLength": 1 },
    "payload": { "type": "object" }
  },
  "additionalProperties": true
}`

const notificationSchema = `{
  "type": "object",
  "required": ["event"],
  "properties": {
    "event": {}
  },
  "additionalProperties": true
}`

const notificationAckSchema = `{ "type": "object", "additionalProperties": true }`

const callToolSchema = `{
  "type": "object",
  "required": ["tool"],
  "properties": {
    "callId": { "type": "string" },
    "tool": { "type": "string", "minLength": 1 },
    "arguments": {}
  },
  "additionalProperties": true
}`

const callToolResultSchema = `{
  "type": "object",
  "required": ["callId"],
  "properties": {
    "callId": { "type": "string", "minLength": 1 },
    "content": { "type": "array" },
    "isError": { "type": "boolean" }
  },
  "additionalProperties": true
}`

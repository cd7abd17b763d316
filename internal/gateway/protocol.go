// Package gateway is the WebSocket Gateway: a single bidirectional JSON
// channel per connection, carrying client requests, server responses
// correlated by sequence number, and server-initiated pushes of the
// session core's Event envelope.
package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nexuscore/nexus/pkg/models"
)

// ProtocolVersion is the version this server negotiates on config.init.
const ProtocolVersion = 1

// Request is a client-to-server frame: {seq, type, payload}.
type Request struct {
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is a server-to-client frame correlated by Seq.
type Response struct {
	Seq    int64  `json:"seq"`
	OK     bool   `json:"ok"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
	Status int    `json:"status,omitempty"`
}

// PushFrame is a server-initiated, unsolicited frame carrying an Event.
// SessionID is empty for a global broadcast (e.g. settings_changed).
type PushFrame struct {
	Push      bool         `json:"push"`
	SessionID string       `json:"sessionId,omitempty"`
	Event     models.Event `json:"event"`
}

func newPushFrame(sessionID string, ev models.Event) PushFrame {
	return PushFrame{Push: true, SessionID: sessionID, Event: ev}
}

// schemaRegistry mirrors the control-plane's request/method schema split:
// a fixed envelope schema for every frame plus an optional per-method
// params schema, compiled once and reused across connections.
type schemaRegistry struct {
	once    sync.Once
	initErr error
	request *jsonschema.Schema
	methods map[string]*jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		req, err := jsonschema.CompileString("gateway_request", requestSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.request = req

		schemas.methods = make(map[string]*jsonschema.Schema, len(methodPayloadSchemas))
		for name, src := range methodPayloadSchemas {
			compiled, err := jsonschema.CompileString("gateway_method_"+name, src)
			if err != nil {
				schemas.initErr = err
				return
			}
			schemas.methods[name] = compiled
		}
	})
	return schemas.initErr
}

// validateRequest checks raw against the envelope schema, then (if a
// method-specific schema is registered) against req.Payload.
func validateRequest(raw []byte, req *Request) error {
	if err := initSchemas(); err != nil {
		return fmt.Errorf("gateway: schema init: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	if err := schemas.request.Validate(generic); err != nil {
		return err
	}
	schema, ok := schemas.methods[req.Type]
	if !ok {
		return nil
	}
	var payload any
	if len(req.Payload) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return err
	}
	return schema.Validate(payload)
}

const requestSchema = `{
  "type": "object",
  "required": ["seq", "type"],
  "properties": {
    "seq": { "type": "integer" },
    "type": { "type": "string", "minLength": 1 },
    "payload": {}
  },
  "additionalProperties": true
}`

// methodPayloadSchemas lists the handler types whose payload carries
// required fields worth rejecting before dispatch; methods absent from
// this map receive no payload-level validation beyond the envelope.
var methodPayloadSchemas = map[string]string{
	"config.init": `{
		"type": "object",
		"properties": {
			"version": { "type": "integer" },
			"retryCount": { "type": "integer", "minimum": 0, "maximum": 10 }
		},
		"additionalProperties": true
	}`,
	"sessions.get": `{
		"type": "object", "required": ["sessionId"],
		"properties": { "sessionId": { "type": "string", "minLength": 1 } },
		"additionalProperties": true
	}`,
	"sessions.update": `{
		"type": "object", "required": ["sessionId"],
		"properties": { "sessionId": { "type": "string", "minLength": 1 } },
		"additionalProperties": true
	}`,
	"sessions.delete": `{
		"type": "object", "required": ["sessionId"],
		"properties": { "sessionId": { "type": "string", "minLength": 1 } },
		"additionalProperties": true
	}`,
	"sessions.watch": `{
		"type": "object", "required": ["sessionId"],
		"properties": { "sessionId": { "type": "string", "minLength": 1 } },
		"additionalProperties": true
	}`,
	"sessions.unwatch": `{
		"type": "object", "required": ["sessionId"],
		"properties": { "sessionId": { "type": "string", "minLength": 1 } },
		"additionalProperties": true
	}`,
	"sessions.compact": `{
		"type": "object", "required": ["sessionId"],
		"properties": { "sessionId": { "type": "string", "minLength": 1 } },
		"additionalProperties": true
	}`,
	"sessions.switchModel": `{
		"type": "object", "required": ["sessionId", "model"],
		"properties": {
			"sessionId": { "type": "string", "minLength": 1 },
			"model": { "type": "string", "minLength": 1 }
		},
		"additionalProperties": true
	}`,
	"messages.list": `{
		"type": "object", "required": ["sessionId"],
		"properties": { "sessionId": { "type": "string", "minLength": 1 } },
		"additionalProperties": true
	}`,
	"messages.create": `{
		"type": "object", "required": ["sessionId", "content"],
		"properties": {
			"sessionId": { "type": "string", "minLength": 1 },
			"content": { "type": "string", "minLength": 1 }
		},
		"additionalProperties": true
	}`,
	"messages.approve": `{
		"type": "object", "required": ["sessionId", "messageId"],
		"properties": {
			"sessionId": { "type": "string", "minLength": 1 },
			"messageId": { "type": "string", "minLength": 1 }
		},
		"additionalProperties": true
	}`,
	"messages.deny": `{
		"type": "object", "required": ["sessionId", "messageId"],
		"properties": {
			"sessionId": { "type": "string", "minLength": 1 },
			"messageId": { "type": "string", "minLength": 1 }
		},
		"additionalProperties": true
	}`,
	"messages.interrupt": `{
		"type": "object", "required": ["sessionId"],
		"properties": { "sessionId": { "type": "string", "minLength": 1 } },
		"additionalProperties": true
	}`,
	"chat.stream": `{
		"type": "object", "required": ["sessionId"],
		"properties": { "sessionId": { "type": "string", "minLength": 1 } },
		"additionalProperties": true
	}`,
	"chat.subscribe": `{
		"type": "object", "required": ["sessionId"],
		"properties": { "sessionId": { "type": "string", "minLength": 1 } },
		"additionalProperties": true
	}`,
	"memories.add": `{
		"type": "object", "required": ["sessionId", "content"],
		"properties": {
			"sessionId": { "type": "string", "minLength": 1 },
			"content": { "type": "string", "minLength": 1 }
		},
		"additionalProperties": true
	}`,
	"memories.search": `{
		"type": "object", "required": ["sessionId"],
		"properties": { "sessionId": { "type": "string", "minLength": 1 } },
		"additionalProperties": true
	}`,
	"memories.delete": `{
		"type": "object", "required": ["sessionId", "memoryId"],
		"properties": {
			"sessionId": { "type": "string", "minLength": 1 },
			"memoryId": { "type": "string", "minLength": 1 }
		},
		"additionalProperties": true
	}`,
	"settings.update": `{
		"type": "object", "required": ["key", "value"],
		"properties": {
			"key": { "type": "string", "minLength": 1 },
			"value": { "type": "string" }
		},
		"additionalProperties": true
	}`,
	"chat.tools.validate": `{
		"type": "object", "required": ["name"],
		"properties": { "name": { "type": "string", "minLength": 1 } },
		"additionalProperties": true
	}`,
	"chat.tools.execute": `{
		"type": "object", "required": ["sessionId", "name"],
		"properties": {
			"sessionId": { "type": "string", "minLength": 1 },
			"name": { "type": "string", "minLength": 1 }
		},
		"additionalProperties": true
	}`,
}

// retryableTypes is the set of request types the gateway retries (up to
// retryCount+1 attempts) before responding with the final error: handlers
// that call out to a provider or another flaky dependency.
var retryableTypes = map[string]bool{
	"chat.stream":      true,
	"sessions.compact": true,
}

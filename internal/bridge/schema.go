package bridge

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const chatEventSchemaURL = "https://leadbridge.internal/schemas/chat-event.json"
const billingSchemaURL = "https://leadbridge.internal/schemas/billing-request.json"

const chatEventSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "event": {"type": "string"},
    "id": {"$ref": "#/$defs/id"},
    "message_id": {"$ref": "#/$defs/id"},
    "parent_message_id": {"$ref": "#/$defs/id"},
    "user_id": {"$ref": "#/$defs/id"},
    "entity_id": {"$ref": "#/$defs/id"},
    "chat_id": {"$ref": "#/$defs/id"},
    "entity_type": {"type": ["string", "null"]},
    "code": {"type": ["string", "null"]},
    "content": {"type": ["string", "null"]},
    "webhook_timestamp": {"type": ["integer", "string", "null"]},
    "thread": {
      "type": ["object", "null"],
      "properties": {"message_id": {"$ref": "#/$defs/id"}}
    }
  },
  "$defs": {
    "id": {
      "oneOf": [
        {"type": "integer"},
        {"type": "string", "pattern": "^[0-9]*$"},
        {"type": "null"}
      ]
    }
  }
}`

const billingSchema = `{
  "type": "object",
  "required": ["id", "months_count"],
  "properties": {
    "id": {"$ref": "#/$defs/count"},
    "months_count": {"$ref": "#/$defs/count"},
    "licenses_total": {"$ref": "#/$defs/count"},
    "name": {"type": ["string", "null"]},
    "email": {"type": ["string", "null"]},
    "inn": {"type": ["string", "integer", "null"]},
    "plan": {"type": ["string", "null"]}
  },
  "$defs": {
    "count": {
      "oneOf": [
        {"type": "integer", "minimum": 0},
        {"type": "string", "pattern": "^[0-9]+$"}
      ]
    }
  }
}`

var (
	schemasOnce   sync.Once
	schemasErr    error
	chatEventSch  *jsonschema.Schema
	billingReqSch *jsonschema.Schema
)

func compileSchemas() error {
	schemasOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		for url, raw := range map[string]string{
			chatEventSchemaURL: chatEventSchema,
			billingSchemaURL:   billingSchema,
		} {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
			if err != nil {
				schemasErr = err
				return
			}
			if err := compiler.AddResource(url, doc); err != nil {
				schemasErr = err
				return
			}
		}
		if chatEventSch, schemasErr = compiler.Compile(chatEventSchemaURL); schemasErr != nil {
			return
		}
		billingReqSch, schemasErr = compiler.Compile(billingSchemaURL)
	})
	return schemasErr
}

func validateChatEvent(body []byte) error {
	return validateAgainst(body, func() *jsonschema.Schema { return chatEventSch })
}

func validateBillingRequest(body []byte) error {
	return validateAgainst(body, func() *jsonschema.Schema { return billingReqSch })
}

func validateAgainst(body []byte, pick func() *jsonschema.Schema) error {
	if err := compileSchemas(); err != nil {
		return fmt.Errorf("compile payload schemas: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: body is not valid json", ErrInvalidInput)
	}
	if err := pick().Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

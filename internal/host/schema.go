package host

import (
	"fmt"
	"reflect"
)

// Schema describes the request and response types of an endpoint. Each call
// returns a fresh pointer the host can decode into or encode from.
type Schema interface {
	Name() string
	NewRequest() any
	NewResponse() any
}

// TriggerRequest carries no fields.
type TriggerRequest struct{}

// TriggerResponse acknowledges a trigger.
type TriggerResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type triggerSchema struct{}

func (triggerSchema) Name() string     { return "trigger" }
func (triggerSchema) NewRequest() any  { return &TriggerRequest{} }
func (triggerSchema) NewResponse() any { return &TriggerResponse{} }

// Trigger is the default schema: empty request, success flag plus message response.
var Trigger Schema = triggerSchema{}

// SchemaFunc builds a Schema from constructors.
type SchemaFunc struct {
	SchemaName string
	Request    func() any
	Response   func() any
}

func (s SchemaFunc) Name() string { return s.SchemaName }

func (s SchemaFunc) NewRequest() any {
	if s.Request == nil {
		return nil
	}
	return s.Request()
}

func (s SchemaFunc) NewResponse() any {
	if s.Response == nil {
		return nil
	}
	return s.Response()
}

// ValidateSchema checks that s is named and yields non-nil pointers.
func ValidateSchema(s Schema) error {
	if s == nil {
		return fmt.Errorf("%w: nil schema", ErrInvalidSchema)
	}
	if s.Name() == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidSchema)
	}
	if err := checkPrototype(s.Name(), "request", s.NewRequest()); err != nil {
		return err
	}
	return checkPrototype(s.Name(), "response", s.NewResponse())
}

func checkPrototype(schema, kind string, v any) error {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("%w: %s %s prototype must be a non-nil pointer, got %T", ErrInvalidSchema, schema, kind, v)
	}
	return nil
}

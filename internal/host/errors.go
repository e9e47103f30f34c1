package host

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidName is returned for endpoint or channel names the host cannot route.
	ErrInvalidName = errors.New("invalid name")
	// ErrNameTaken is returned when an endpoint is already registered, here or on another host.
	ErrNameTaken = errors.New("name already registered")
	// ErrInvalidSchema is returned for schemas without usable request/response prototypes.
	ErrInvalidSchema = errors.New("invalid schema")
	// ErrHostClosed is returned when registering on a closed host.
	ErrHostClosed = errors.New("host closed")
)

// ConfigurationError reports a registration that can never succeed as
// configured. It is returned at construction time and is not retried.
type ConfigurationError struct {
	Op   string
	Name string
	Err  error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Name, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

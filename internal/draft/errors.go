package draft

import (
	"fmt"

	"github.com/jonathan/story-ingest/internal/schemas"
)

// Kind classifies a generation failure.
type Kind string

// Generation failure kinds. A syntax error is kept distinct from a
// well-formed reply that breaks the contract.
const (
	KindEmptyResponse Kind = "EMPTY_RESPONSE"
	KindMalformedJSON Kind = "MALFORMED_JSON"
	KindSchemaInvalid Kind = "SCHEMA_INVALID"
	KindProviderError Kind = "PROVIDER_ERROR"
)

// Error represents a draft generation failure.
type Error struct {
	Kind    Kind
	Message string
	Fields  []schemas.FieldError
	// Raw holds the start of the offending reply for diagnostics.
	Raw   string
	Cause error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if len(e.Fields) > 0 {
		msg += fmt.Sprintf(" (%s: %s", e.Fields[0].Field, e.Fields[0].Message)
		if len(e.Fields) > 1 {
			msg += fmt.Sprintf(" and %d more", len(e.Fields)-1)
		}
		msg += ")"
	}
	if e.Cause != nil && e.Kind != KindSchemaInvalid {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether repeating the call may succeed. Only provider
// failures are transient.
func (e *Error) Retryable() bool {
	return e.Kind == KindProviderError
}

package extract

import "fmt"

// Kind classifies an extraction failure.
type Kind string

// Extraction failure kinds.
const (
	KindNoTitle       Kind = "NO_TITLE"
	KindNoText        Kind = "NO_TEXT"
	KindTooShort      Kind = "TOO_SHORT"
	KindTimeout       Kind = "TIMEOUT"
	KindInputTooLarge Kind = "INPUT_TOO_LARGE"
	KindParse         Kind = "PARSE"
)

// Error represents an extraction failure.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

package editor

import "errors"

var (
	// ErrMissingProjectContext is returned when a token insertion is attempted
	// without an active project identifier. Content is left unchanged.
	ErrMissingProjectContext = errors.New("no active project identifier")
	// ErrInvalidInsertionPoint is returned when the cursor is not inside a text
	// run at insertion time. Content is left unchanged.
	ErrInvalidInsertionPoint = errors.New("cursor is not inside a text run")
	ErrInvalidVariable       = errors.New("variable has no name")
	ErrInvalidCursor         = errors.New("cursor out of range")
	ErrMalformedToken        = errors.New("malformed token")
	ErrUnknownVariableType   = errors.New("unknown variable type")
)

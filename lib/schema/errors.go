package schema

import "fmt"

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is returned for every invalid declaration or migration. Schema errors are
// fatal to opening a store and are not retryable without a corrected schema.
type Error struct {
	Code ErrCode // The error code
	Msg  string  // The error message
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("SchemaError (code %s): %s", e.Code, e.Msg)
}

// Is matches schema errors by code. ErrSchema matches every schema error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == ErrCAny || t.Code == e.Code
}

// newError creates a new Error with a formatted message.
func newError(code ErrCode, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// --------------------------------------------------------------------------
// Error Codes
// --------------------------------------------------------------------------

type ErrCode uint8

const (
	ErrCAny             ErrCode = iota // 0: Matches every schema error.
	ErrCInvalid                        // 1: A descriptor is malformed.
	ErrCDuplicate                      // 2: Duplicate type, property or primary key.
	ErrCUnknownTarget                  // 3: A relationship points at an unregistered type.
	ErrCTypeConflict                   // 4: A property changed its type without a migration step.
	ErrCVersion                        // 5: Declared version is lower than (or equal to, with changes) the stored one.
	ErrCCorruptMetadata                // 6: The stored schema cannot be decoded.
)

func (c ErrCode) String() string {
	switch c {
	case ErrCAny:
		return "Any"
	case ErrCInvalid:
		return "Invalid"
	case ErrCDuplicate:
		return "Duplicate"
	case ErrCUnknownTarget:
		return "UnknownTarget"
	case ErrCTypeConflict:
		return "TypeConflict"
	case ErrCVersion:
		return "Version"
	case ErrCCorruptMetadata:
		return "CorruptMetadata"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(c))
	}
}

// Sentinels for errors.Is.
var (
	ErrSchema          = &Error{Code: ErrCAny, Msg: "schema error"}
	ErrInvalid         = &Error{Code: ErrCInvalid, Msg: "invalid descriptor"}
	ErrDuplicate       = &Error{Code: ErrCDuplicate, Msg: "duplicate declaration"}
	ErrUnknownTarget   = &Error{Code: ErrCUnknownTarget, Msg: "unknown relationship target"}
	ErrTypeConflict    = &Error{Code: ErrCTypeConflict, Msg: "property type conflict"}
	ErrVersion         = &Error{Code: ErrCVersion, Msg: "invalid schema version"}
	ErrCorruptMetadata = &Error{Code: ErrCCorruptMetadata, Msg: "corrupt schema metadata"}
)

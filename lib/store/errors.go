package store

import "fmt"

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is the error type of all store operations. It carries an error code,
// a message and optionally the underlying error.
type Error struct {
	Code ErrCode // The error code
	Msg  string  // The error message
	Err  error   // The wrapped cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("StoreError (code %s): %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("StoreError (code %s): %s", e.Code, e.Msg)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches store errors by code. ErrStore matches every store error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == ErrCAny || t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrCode, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func errorf(code ErrCode, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func wrap(code ErrCode, err error, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// --------------------------------------------------------------------------
// Error Codes
// --------------------------------------------------------------------------

type ErrCode uint8

const (
	ErrCAny                 ErrCode = iota // 0: Matches every store error.
	ErrCTransaction                        // 1: The commit conflicted with a concurrent write, retry the transaction.
	ErrCInvalidWrite                       // 2: Mutation outside of an active write transaction.
	ErrCTypeMismatch                       // 3: The value does not match the property type.
	ErrCConstraintViolation                // 4: The write would duplicate a primary key.
	ErrCStaleAccessor                      // 5: The accessor outlived its transaction or its row was deleted.
	ErrCInvalidArgument                    // 6: Unknown type or property, index out of range, malformed predicate.
	ErrCClosed                             // 7: The store is closed.
	ErrCInternal                           // 8: The engine failed.
)

func (c ErrCode) String() string {
	switch c {
	case ErrCAny:
		return "Any"
	case ErrCTransaction:
		return "Transaction"
	case ErrCInvalidWrite:
		return "InvalidWrite"
	case ErrCTypeMismatch:
		return "TypeMismatch"
	case ErrCConstraintViolation:
		return "ConstraintViolation"
	case ErrCStaleAccessor:
		return "StaleAccessor"
	case ErrCInvalidArgument:
		return "InvalidArgument"
	case ErrCClosed:
		return "Closed"
	case ErrCInternal:
		return "Internal"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(c))
	}
}

// Sentinels for errors.Is.
var (
	ErrStore               = NewError(ErrCAny, "store error")
	ErrTransaction         = NewError(ErrCTransaction, "transaction conflict")
	ErrInvalidWrite        = NewError(ErrCInvalidWrite, "invalid write")
	ErrTypeMismatch        = NewError(ErrCTypeMismatch, "type mismatch")
	ErrConstraintViolation = NewError(ErrCConstraintViolation, "constraint violation")
	ErrStaleAccessor       = NewError(ErrCStaleAccessor, "stale accessor")
	ErrInvalidArgument     = NewError(ErrCInvalidArgument, "invalid argument")
	ErrClosed              = NewError(ErrCClosed, "store is closed")
	ErrInternal            = NewError(ErrCInternal, "internal error")
)

package db

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Error Kinds
// --------------------------------------------------------------------------

// ErrorKind is the closed set of failure conditions an operation can report.
type ErrorKind uint8

const (
	KindDatabaseExists          ErrorKind = iota + 1 // 1: A database with that identity already exists.
	KindDatabaseDoesNotExist                         // 2: The database is unknown or closed.
	KindTransactionExists                            // 3: A transaction with that identity already exists.
	KindTransactionDoesNotExist                      // 4: The transaction is unknown, committed or aborted.
	KindEntryExists                                  // 5: The index or key already exists.
	KindEntryDoesNotExist                            // 6: The index or key does not exist.
	KindFailure                                      // 7: Internal failure, exhausted resources or a commit conflict.
)

func (k ErrorKind) String() string {
	switch k {
	case KindDatabaseExists:
		return "DatabaseExists"
	case KindDatabaseDoesNotExist:
		return "DatabaseDoesNotExist"
	case KindTransactionExists:
		return "TransactionExists"
	case KindTransactionDoesNotExist:
		return "TransactionDoesNotExist"
	case KindEntryExists:
		return "EntryExists"
	case KindEntryDoesNotExist:
		return "EntryDoesNotExist"
	case KindFailure:
		return "Failure"
	default:
		return "Unknown"
	}
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error wraps an ErrorKind and a message.
// Errors match each other by kind with errors.Is, so callers test against the
// sentinel values below instead of comparing messages.
type Error struct {
	Kind     ErrorKind // The error kind
	Msg      string    // The error message
	Conflict bool      // Set on Failure errors caused by a write-write conflict at commit
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("tKV error (kind %s): %s", e.Kind, e.Msg)
}

// Is reports whether target is an *Error of the same kind.
// ErrConflict only matches errors that were caused by a commit conflict.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Conflict && !e.Conflict {
		return false
	}
	return e.Kind == t.Kind
}

// NewError creates a new Error with the given kind and formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{
		Kind: kind,
		Msg:  fmt.Sprintf(format, args...),
	}
}

// NewConflictError creates a Failure error that also matches ErrConflict.
func NewConflictError(format string, args ...interface{}) *Error {
	return &Error{
		Kind:     KindFailure,
		Msg:      fmt.Sprintf(format, args...),
		Conflict: true,
	}
}

// KindOf returns the kind of err, or 0 if err is nil or not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// --------------------------------------------------------------------------
// Sentinel Errors (use with errors.Is)
// --------------------------------------------------------------------------

var (
	ErrDatabaseExists          = &Error{Kind: KindDatabaseExists, Msg: "database exists"}
	ErrDatabaseDoesNotExist    = &Error{Kind: KindDatabaseDoesNotExist, Msg: "database does not exist"}
	ErrTransactionExists       = &Error{Kind: KindTransactionExists, Msg: "transaction exists"}
	ErrTransactionDoesNotExist = &Error{Kind: KindTransactionDoesNotExist, Msg: "transaction does not exist"}
	ErrEntryExists             = &Error{Kind: KindEntryExists, Msg: "entry exists"}
	ErrEntryDoesNotExist       = &Error{Kind: KindEntryDoesNotExist, Msg: "entry does not exist"}
	ErrFailure                 = &Error{Kind: KindFailure, Msg: "failure"}
	ErrConflict                = &Error{Kind: KindFailure, Msg: "write-write conflict", Conflict: true}
)

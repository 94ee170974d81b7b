package realtime

import (
	"errors"
	"fmt"
)

// Code classifies failures surfaced by the realtime engine.
type Code string

const (
	CodeAuthenticationFailed   Code = "AuthenticationFailed"
	CodePermissionDenied       Code = "PermissionDenied"
	CodeNoteNotFound           Code = "NoteNotFound"
	CodePersistenceFailure     Code = "PersistenceFailure"
	CodeSessionCreationFailure Code = "SessionCreationFailure"
	CodeProtocolViolation      Code = "ProtocolViolation"
)

var (
	ErrAuthenticationFailed   = &Error{Code: CodeAuthenticationFailed}
	ErrPermissionDenied       = &Error{Code: CodePermissionDenied}
	ErrNoteNotFound           = &Error{Code: CodeNoteNotFound}
	ErrPersistenceFailure     = &Error{Code: CodePersistenceFailure}
	ErrSessionCreationFailure = &Error{Code: CodeSessionCreationFailure}
	ErrProtocolViolation      = &Error{Code: CodeProtocolViolation}
)

// errSessionClosing is returned by a session that has been torn down between lookup and use.
// The service retries against a fresh session.
var errSessionClosing = errors.New("session is closing")

// Error carries a Code alongside the operation and note that produced it. Two errors match under
// errors.Is when their codes are equal, so callers can compare against the Err* sentinels.
type Error struct {
	Code Code
	Op   string
	Note NoteID
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Note != "" {
		msg += fmt.Sprintf(" (note %s)", e.Note)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newError(code Code, op string, note NoteID, err error) *Error {
	return &Error{Code: code, Op: op, Note: note, Err: err}
}

// CodeOf returns the Code of the first *Error in err's chain, or "" if there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Retryable reports whether a client may retry the operation that produced err.
func Retryable(err error) bool {
	return CodeOf(err) == CodeSessionCreationFailure
}

// Package errs carries the error taxonomy shared by the catalog, the upload
// pipeline and the HTTP layer.
package errs

import (
	"net/http"

	"github.com/pkg/errors"
)

type Kind int

const (
	KindProcessing Kind = iota
	KindValidation
	KindNotFound
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	default:
		return "processing"
	}
}

// Status maps a kind onto the HTTP status the server answers with.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	if e.Msg == "" {
		return e.Err.Error()
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(msg string) error { return &Error{Kind: KindValidation, Msg: msg} }

func NotFound(msg string) error { return &Error{Kind: KindNotFound, Msg: msg} }

func Forbidden(msg string) error { return &Error{Kind: KindForbidden, Msg: msg} }

// Processing wraps an I/O or codec failure. A nil err yields nil.
func Processing(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindProcessing, Msg: msg, Err: errors.WithStack(err)}
}

// KindOf reports the kind of the first *Error in err's chain. Errors outside
// the taxonomy are processing errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindProcessing
}

// Message returns the client-facing text for err. Processing errors hide
// their cause.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindProcessing && e.Msg != "" {
			return e.Msg
		}
		return e.Error()
	}
	return "internal error"
}

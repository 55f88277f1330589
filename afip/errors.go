package afip

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"
)

// Kind classifies failures so callers can decide whether to alert an operator.
type Kind int

const (
	KindUnknown Kind = iota
	CredentialInvalid
	CredentialNotFound
	TransportFailure
	AuthorityRejection
	ParseFailure
	RenewalFailed
	InvalidRequest
)

func (k Kind) String() string {
	switch k {
	case CredentialInvalid:
		return "CredentialInvalid"
	case CredentialNotFound:
		return "CredentialNotFound"
	case TransportFailure:
		return "TransportFailure"
	case AuthorityRejection:
		return "AuthorityRejection"
	case ParseFailure:
		return "ParseFailure"
	case RenewalFailed:
		return "RenewalFailed"
	case InvalidRequest:
		return "InvalidRequest"
	}
	return "Unknown"
}

var (
	ErrNoTenant = errors.New("no tenant identifier given")
)

// Detail is a (code, message) pair reported by the authority.
type Detail struct {
	Code    string
	Message string
}

func (d Detail) String() string {
	return fmt.Sprintf("%s: %s", d.Code, d.Message)
}

// Error carries the failure kind together with authority codes and the raw
// payload, when there is one.
type Error struct {
	Kind    Kind
	Message string
	Details []Detail
	Raw     []byte
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	for _, d := range e.Details {
		b.WriteString(" [")
		b.WriteString(d.String())
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Cause returns the kind of the wrapped failure. For anything other than
// RenewalFailed it is the error's own kind.
func (e *Error) Cause() Kind {
	if e.Kind != RenewalFailed {
		return e.Kind
	}
	var inner *Error
	if errors.As(e.Err, &inner) {
		return inner.Cause()
	}
	return KindUnknown
}

func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func WrapError(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether any *Error in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// IsRetryable reports whether err is a transient transport failure.
func IsRetryable(err error) bool {
	return KindOf(err) == TransportFailure
}

// DetailsOf collects the authority codes attached anywhere in err's chain.
func DetailsOf(err error) []Detail {
	var out []Detail
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			break
		}
		out = append(out, e.Details...)
		err = e.Err
	}
	return out
}

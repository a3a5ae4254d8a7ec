// Package syncerr defines the error taxonomy shared by the decksync client
// and server.
//
// Kinds:
//   - TRANSPORT: socket or framing failure. Fatal, the connection is closed.
//   - PROTOCOL: malformed opcode, length prefix or payload. Fatal, nothing is
//     processed.
//   - AUTHORIZATION: missing role. On the wire this is only ever a deny byte.
//   - PERSISTENCE: a deck store write failed. The server denies the push and
//     the store is left as it was.
//
// A reconciliation conflict is not an error: it is resolved by last write wins.
package syncerr

import (
	"errors"
	"fmt"
)

// ErrDeckExists is returned when creating a deck whose code is already taken.
var ErrDeckExists = errors.New("deck already exists")

// Kind categorizes sync errors.
type Kind string

const (
	// KindTransport indicates a socket read/write failure or a truncated frame.
	KindTransport Kind = "TRANSPORT"

	// KindProtocol indicates bytes that do not follow the protocol.
	KindProtocol Kind = "PROTOCOL"

	// KindAuthorization indicates the requester lacks the required role.
	KindAuthorization Kind = "AUTHORIZATION"

	// KindPersistence indicates a deck store or privilege store write failed.
	KindPersistence Kind = "PERSISTENCE"
)

// Error is a categorized sync failure.
type Error struct {
	// Kind identifies the error category.
	Kind Kind

	// Op is the protocol step or operation that failed ("read field", "push").
	Op string

	// DeckCode identifies the affected deck, when known.
	DeckCode string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.DeckCode != "" {
		return fmt.Sprintf("%s: %s: %s (deck=%s)", e.Kind, e.Op, msg, e.DeckCode)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transport wraps a socket or framing failure.
func Transport(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// Protocol reports bytes that violate the protocol.
func Protocol(op, format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Authorization reports a missing role for user on deckCode.
func Authorization(op, user, deckCode string) *Error {
	return &Error{
		Kind:     KindAuthorization,
		Op:       op,
		DeckCode: deckCode,
		Message:  fmt.Sprintf("user %q lacks the required role", user),
	}
}

// Persistence wraps a store write failure.
func Persistence(op, deckCode string, err error) *Error {
	return &Error{Kind: KindPersistence, Op: op, DeckCode: deckCode, Err: err}
}

// KindOf returns the kind of err, or "" when err is not a sync error.
// Uses errors.As to handle wrapped errors.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsTransport returns true if err is a transport error.
func IsTransport(err error) bool { return KindOf(err) == KindTransport }

// IsProtocol returns true if err is a protocol error.
func IsProtocol(err error) bool { return KindOf(err) == KindProtocol }

// IsAuthorization returns true if err is an authorization error.
func IsAuthorization(err error) bool { return KindOf(err) == KindAuthorization }

// IsPersistence returns true if err is a persistence error.
func IsPersistence(err error) bool { return KindOf(err) == KindPersistence }

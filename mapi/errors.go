package mapi

import "fmt"

// ErrorKind classifies the failures that can occur while speaking MAPI.
type ErrorKind int

const (
	// KindIO is a transport-level failure: connect refused, read/write
	// error, unexpected EOF.
	KindIO ErrorKind = iota
	// KindConnection is a protocol precondition violation: wrong protocol
	// version, unknown server identity, unexpected prompt during the
	// handshake, closed-by-peer.
	KindConnection
	// KindUnimplemented marks functionality this client deliberately does
	// not support (control sub-language framing, monetdb redirects,
	// unknown column types).
	KindUnimplemented
	// KindUnknownResponse means the first bytes of a server message could
	// not be classified.
	KindUnknownResponse
	// KindOperation is a server-reported failure for a valid operation.
	KindOperation
	// KindServer means the server sent bytes that are not valid UTF-8
	// where text was required.
	KindServer
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "io error"
	case KindConnection:
		return "connection error"
	case KindUnimplemented:
		return "unimplemented MAPI functionality"
	case KindUnknownResponse:
		return "server sent something we don't understand"
	case KindOperation:
		return "an error occurred at the server"
	case KindServer:
		return "server sent invalid UTF-8"
	default:
		return "unknown error"
	}
}

// Error is the error type returned by everything in this package.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil && e.Msg == "" {
		return fmt.Sprintf("MapiError: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("MapiError: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so callers can match with errors.Is against a
// bare &Error{Kind: ...} sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

func ioError(err error) *Error {
	return &Error{Kind: KindIO, Err: err}
}

func connectionError(format string, args ...any) *Error {
	return &Error{Kind: KindConnection, Msg: fmt.Sprintf(format, args...)}
}

func unimplementedError(format string, args ...any) *Error {
	return &Error{Kind: KindUnimplemented, Msg: fmt.Sprintf(format, args...)}
}

func unknownResponseError(format string, args ...any) *Error {
	return &Error{Kind: KindUnknownResponse, Msg: fmt.Sprintf(format, args...)}
}

func operationError(msg string) *Error {
	return &Error{Kind: KindOperation, Msg: msg}
}

func serverError(format string, args ...any) *Error {
	return &Error{Kind: KindServer, Msg: fmt.Sprintf(format, args...)}
}

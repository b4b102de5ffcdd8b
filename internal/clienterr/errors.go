// Package clienterr defines the single error type every hyperglide
// operation returns (SPEC_FULL.md §7): one struct carrying a Kind rather
// than a family of sentinel types, so callers branch with errors.Is/As
// against a Kind instead of a type switch. Internal packages (inflight,
// retry, router, pool) all construct and wrap clienterr.Error directly.
// The root package returns these values as plain error values and does
// not re-export the Error type or its Kind constants.
package clienterr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind int

const (
	// KindUnknown is never constructed directly; it catches a zero-value Error.
	KindUnknown Kind = iota
	// KindTimeout means a request's deadline elapsed before a reply arrived.
	KindTimeout
	// KindCancelled means the caller's context was cancelled.
	KindCancelled
	// KindConnection means a socket-level failure occurred (dial, read, write).
	KindConnection
	// KindClosed means the client or connection was closed before completion.
	KindClosed
	// KindProtocol means the server sent a frame the codec could not parse.
	KindProtocol
	// KindServer wraps a non-redirect RESP error reply from the server.
	KindServer
	// KindCrossSlot means an atomic batch referenced more than one slot.
	KindCrossSlot
	// KindClusterDown means routing failed because the cluster has no
	// healthy owner for the required slot (CLUSTERDOWN, or no topology yet).
	KindClusterDown
	// KindTooManyRedirects means the bounded MOVED/ASK hop counter was exhausted.
	KindTooManyRedirects
	// KindConfig means a ClientConfig failed validation.
	KindConfig
	// KindBackpressure means the process-wide admission cap
	// (MAX_PENDING_OPERATIONS) was exceeded.
	KindBackpressure
	// KindClientInflightExceeded means one Client's own max_inflight_per_client
	// cap was exceeded, distinct from the process-wide KindBackpressure tier.
	KindClientInflightExceeded
	// KindExecAbort means the server aborted a MULTI/EXEC transaction
	// (EXECABORT), typically because a queued command failed validation.
	KindExecAbort
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "Timeout"
	case KindCancelled:
		return "Cancelled"
	case KindConnection:
		return "Connection"
	case KindClosed:
		return "Closed"
	case KindProtocol:
		return "Protocol"
	case KindServer:
		return "Server"
	case KindCrossSlot:
		return "CrossSlot"
	case KindClusterDown:
		return "ClusterDown"
	case KindTooManyRedirects:
		return "TooManyRedirects"
	case KindConfig:
		return "Config"
	case KindBackpressure:
		return "Backpressure"
	case KindClientInflightExceeded:
		return "ClientInflightExceeded"
	case KindExecAbort:
		return "ExecAbort"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type every hyperglide operation returns.
type Error struct {
	Kind    Kind
	Message string
	// ServerKind is the RESP error's leading token (e.g. "MOVED", "NOSCRIPT")
	// when Kind == KindServer or a redirect was the root cause.
	ServerKind string
	Cause      error
}

func (e *Error) Error() string {
	if e.ServerKind != "" {
		return fmt.Sprintf("hyperglide: %s: %s: %s", e.Kind, e.ServerKind, e.Message)
	}
	return fmt.Sprintf("hyperglide: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, clienterr.Timeout) style sentinel checks by
// comparing Kind rather than identity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == KindUnknown {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels usable with errors.Is(err, clienterr.Timeout), matching on Kind only.
var (
	Timeout                = &Error{Kind: KindTimeout}
	Cancelled              = &Error{Kind: KindCancelled}
	Connection             = &Error{Kind: KindConnection}
	Closed                 = &Error{Kind: KindClosed}
	Protocol               = &Error{Kind: KindProtocol}
	Server                 = &Error{Kind: KindServer}
	CrossSlot              = &Error{Kind: KindCrossSlot}
	ClusterDown            = &Error{Kind: KindClusterDown}
	TooManyRedirects       = &Error{Kind: KindTooManyRedirects}
	Config                 = &Error{Kind: KindConfig}
	Backpressure           = &Error{Kind: KindBackpressure}
	ClientInflightExceeded = &Error{Kind: KindClientInflightExceeded}
	ExecAbort              = &Error{Kind: KindExecAbort}
)

// New constructs an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// FromServerReply builds an Error from a decoded RESP error's kind token
// and detail text. CLUSTERDOWN and EXECABORT get KindClusterDown and
// KindExecAbort; every other token (MOVED, ASK and TRYAGAIN included)
// yields KindServer, with the token kept in ServerKind.
func FromServerReply(serverKind, detail string) *Error {
	e := &Error{Kind: KindServer, ServerKind: serverKind, Message: detail}
	switch serverKind {
	case "CLUSTERDOWN":
		e.Kind = KindClusterDown
	case "EXECABORT":
		e.Kind = KindExecAbort
	}
	return e
}

// As is a convenience wrapper over errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

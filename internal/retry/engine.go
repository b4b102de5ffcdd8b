// Package retry implements the retry/redirect engine (SPEC_FULL.md §4.7 /
// C7): it inspects a completed request's outcome and decides whether to
// surface it, retry it (same node or a redirected one), or fail fast.
// Grounded on the teacher's error-classification switch style (see
// internal/network/resp/server.go's command dispatch error handling),
// generalized from "map a storage error to a RESP error reply" to "map a
// RESP error reply to a retry decision."
package retry

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"hyperglide/internal/clienterr"
	"hyperglide/internal/inflight"
	"hyperglide/internal/router"
	"hyperglide/internal/slotmap"
)

// MaxRedirectHops bounds MOVED/ASK/CLUSTERDOWN retries so a misbehaving
// or flapping cluster can never loop a request forever (spec.md §4.7).
// TRYAGAIN has its own, smaller budget of 3 retries.
const MaxRedirectHops = 5

// Decision is what the caller (C9's execute loop, or C8's batch executor)
// should do next with a completed request.
type Decision int

const (
	// DecisionComplete means the result (success or a non-redirect error)
	// should be returned to the caller as-is.
	DecisionComplete Decision = iota
	// DecisionRetrySameNode means retry against the same node after
	// BackoffBefore elapses (TRYAGAIN, CLUSTERDOWN for non-atomic requests,
	// a retry-safe command after a connection error); the retry goes through
	// the pool, so it may run on a new connection to that node.
	DecisionRetrySameNode
	// DecisionRetryNewNode means retry against NewTarget, optionally
	// prefixed with ASKING (MOVED, ASK).
	DecisionRetryNewNode
	// DecisionFail means give up: hop budget exhausted, or the batch is
	// atomic and CLUSTERDOWN must fail fast rather than retry.
	DecisionFail
)

// Outcome is the retry engine's verdict for one completed request.
type Outcome struct {
	Decision       Decision
	NewTarget      *router.Target
	SendAsking     bool
	BackoffBefore  time.Duration
	TriggerRefresh bool
	Err            error // set when Decision == DecisionComplete or DecisionFail
}

// Evaluate inspects res (a completed request's result) and decides what
// happens next. hops is how many redirect/retry attempts this logical
// request has already used. atomic indicates the request is part of an
// atomic batch, which must fail fast rather than retry on CLUSTERDOWN.
func Evaluate(cmdName string, res inflight.Result, hops int, atomic bool) Outcome {
	if res.Err == nil {
		return Outcome{Decision: DecisionComplete}
	}

	e, ok := clienterr.As(res.Err)
	if !ok {
		return Outcome{Decision: DecisionComplete, Err: res.Err}
	}

	switch e.Kind {
	case clienterr.KindServer, clienterr.KindClusterDown:
		return evaluateServerError(e, hops, atomic)
	case clienterr.KindConnection:
		return evaluateConnectionError(cmdName, e, hops, atomic)
	default:
		return Outcome{Decision: DecisionComplete, Err: res.Err}
	}
}

func evaluateServerError(e *clienterr.Error, hops int, atomic bool) Outcome {
	switch e.ServerKind {
	case "MOVED":
		if hops >= MaxRedirectHops {
			return Outcome{Decision: DecisionFail, Err: clienterr.New(clienterr.KindTooManyRedirects,
				"exceeded %d MOVED hops", MaxRedirectHops)}
		}
		target, err := parseRedirectTarget(e.Message)
		if err != nil {
			return Outcome{Decision: DecisionFail, Err: err}
		}
		return Outcome{Decision: DecisionRetryNewNode, NewTarget: target, TriggerRefresh: true}

	case "ASK":
		if hops >= MaxRedirectHops {
			return Outcome{Decision: DecisionFail, Err: clienterr.New(clienterr.KindTooManyRedirects,
				"exceeded %d ASK hops", MaxRedirectHops)}
		}
		target, err := parseRedirectTarget(e.Message)
		if err != nil {
			return Outcome{Decision: DecisionFail, Err: err}
		}
		return Outcome{Decision: DecisionRetryNewNode, NewTarget: target, SendAsking: true}

	case "TRYAGAIN":
		if hops >= 3 {
			return Outcome{Decision: DecisionFail, Err: clienterr.Wrap(clienterr.KindServer, e, "TRYAGAIN retry budget exhausted")}
		}
		return Outcome{Decision: DecisionRetrySameNode, BackoffBefore: tryAgainBackoff(hops)}

	case "CLUSTERDOWN":
		// An atomic batch (MULTI/EXEC) can't be partially retried onto a
		// different node mid-transaction, so it fails fast here instead.
		if atomic {
			return Outcome{Decision: DecisionFail, Err: e, TriggerRefresh: true}
		}
		if hops >= MaxRedirectHops {
			return Outcome{Decision: DecisionFail, Err: e, TriggerRefresh: true}
		}
		return Outcome{Decision: DecisionRetrySameNode, BackoffBefore: tryAgainBackoff(hops), TriggerRefresh: true}

	case "NOSCRIPT":
		// Returned verbatim: the script cache layer (out of scope here)
		// owns reloading and retrying.
		return Outcome{Decision: DecisionComplete, Err: e}

	default:
		return Outcome{Decision: DecisionComplete, Err: e}
	}
}

func evaluateConnectionError(cmdName string, e *clienterr.Error, hops int, atomic bool) Outcome {
	if atomic {
		return Outcome{Decision: DecisionFail, Err: e}
	}
	if !IsRetrySafe(cmdName) {
		return Outcome{Decision: DecisionFail, Err: e}
	}
	if hops >= MaxRedirectHops {
		return Outcome{Decision: DecisionFail, Err: e}
	}
	return Outcome{Decision: DecisionRetrySameNode, TriggerRefresh: true}
}

func tryAgainBackoff(hops int) time.Duration {
	d := 20 * time.Millisecond * time.Duration(1<<uint(hops))
	if d > 200*time.Millisecond {
		d = 200 * time.Millisecond
	}
	return d
}

// parseRedirectTarget parses a "MOVED"/"ASK" error message body,
// "<slot> <host>:<port>", into an explicit by-address route.
func parseRedirectTarget(message string) (*router.Target, error) {
	fields := strings.Fields(message)
	if len(fields) < 2 {
		return nil, clienterr.New(clienterr.KindProtocol, "malformed redirect message %q", message)
	}
	host, portStr, err := net.SplitHostPort(fields[1])
	if err != nil {
		return nil, clienterr.Wrap(clienterr.KindProtocol, err, "malformed redirect address %q", fields[1])
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, clienterr.Wrap(clienterr.KindProtocol, err, "malformed redirect port %q", portStr)
	}
	return &router.Target{Node: slotmap.NodeID(fmt.Sprintf("%s:%d", host, port))}, nil
}

// Package batch implements the atomic (MULTI/EXEC transaction) and
// non-atomic (pipeline) batch executor (SPEC_FULL.md §4.8 / C8). It sits
// on top of exec.Runner for connection acquisition and single-command
// retry handling, adding the cross-slot pre-check and single-connection
// command sequencing an atomic batch needs. Grounded on the teacher's
// internal/network/resp/server.go command-sequence handling, generalized
// from "a server replying to one client's pipeline" to "a client driving
// MULTI/EXEC against one cluster node."
package batch

import (
	"context"
	"time"

	"hyperglide/internal/exec"
	"hyperglide/internal/resp"
	"hyperglide/internal/router"
)

// Batch is an ordered sequence of commands to run together (spec.md §3,
// "Batch").
type Batch struct {
	Atomic bool
	// Commands is the ordered sequence of statements. For an atomic batch
	// every key across every command must resolve to the same cluster
	// slot (CrossSlot is a client-side, pre-transmission error).
	Commands []router.Command
	// RouteOverride pins routing instead of inferring it from the first
	// key encountered.
	RouteOverride router.Route
	// Timeout bounds the whole batch; zero means no deadline beyond ctx.
	Timeout time.Duration
}

// Result is one pipelined command's outcome (spec.md §4.8, non-atomic
// batch: "a heterogeneous array where each slot is either a value or an
// error object").
type Result struct {
	Value resp.Value
	Err   error
}

// Executor runs Batches against a cluster or standalone deployment.
type Executor struct {
	runner      *exec.Runner
	clusterMode bool
}

// New returns an Executor built on runner.
func New(runner *exec.Runner, clusterMode bool) *Executor {
	return &Executor{runner: runner, clusterMode: clusterMode}
}

func deadlineFrom(ctx context.Context, timeout time.Duration) time.Time {
	if timeout <= 0 {
		if dl, ok := ctx.Deadline(); ok {
			return dl
		}
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// Execute dispatches b as an atomic transaction or an independent pipeline
// depending on b.Atomic. Atomic batches return the EXEC array reply (or a
// Nil value if WATCH invalidated the transaction); non-atomic batches
// return []Result, one per queued command in order.
func (e *Executor) Execute(ctx context.Context, b Batch, raiseOnError bool) (any, error) {
	if b.Atomic {
		return e.executeAtomic(ctx, b)
	}
	return e.executePipeline(ctx, b, raiseOnError)
}

// Package inflight implements the in-flight request registry (SPEC_FULL.md
// §4.3 / C3): correlating outbound commands to their eventual replies,
// enforcing admission caps, and resolving entries on timeout or
// cancellation. Grounded on the teacher's connection-tracking idiom in
// internal/network/resp/server.go (a map keyed by a generated ID, guarded
// for concurrent access) but rebuilt on sync.Map plus atomic counters
// instead of a single mutex-guarded map, since this client's read path
// (completing a reply) and write path (submitting a request) are on two
// different goroutines per connection and should not contend on one lock
// (SPEC_FULL.md §5, "lock-free" interpreted as sync.Map + atomic).
package inflight

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"hyperglide/internal/clienterr"
	"hyperglide/internal/resp"
)

// Result is what a registered request eventually resolves to: either a
// decoded reply value or an error (timeout, cancellation, connection loss).
type Result struct {
	Value resp.Value
	Err   error
}

// entry is the bookkeeping for one outstanding request.
type entry struct {
	done    chan Result
	once    sync.Once
	timer   *time.Timer
	resolved atomic.Bool
}

func (e *entry) resolve(res Result) bool {
	if !e.resolved.CompareAndSwap(false, true) {
		return false
	}
	e.once.Do(func() {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.done <- res
		close(e.done)
	})
	return true
}

// DefaultMaxPendingOperations is the process-wide admission ceiling used
// until SetGlobalCap overrides it (spec.md §4.3's MAX_PENDING_OPERATIONS):
// the top tier of the two-tier admission check, shared by every Registry
// in the process regardless of which Client created it.
const DefaultMaxPendingOperations = 100000

// globalInFlight mirrors the sum of every Registry's own count in the
// process: incremented everywhere a Registry's count is incremented,
// decremented everywhere it is decremented, so the two stay in lockstep
// with no separate bookkeeping at each call site.
var globalInFlight atomic.Int64

// globalCap holds the live MAX_PENDING_OPERATIONS ceiling; <= 0 disables
// the global tier.
var globalCap atomic.Int64

func init() { globalCap.Store(DefaultMaxPendingOperations) }

// SetGlobalCap overrides the process-wide MAX_PENDING_OPERATIONS ceiling
// for every Registry in the process. n <= 0 disables the global tier,
// leaving only each Registry's own per-client cap in force.
func SetGlobalCap(n int) { globalCap.Store(int64(n)) }

// Registry correlates correlation IDs to pending requests across every
// connection one client holds (SPEC_FULL.md §3). maxPerClient bounds
// requests outstanding on this Registry alone; it is the second, narrower
// tier of spec.md §4.3's two-tier admission check, the first being the
// process-wide cap tracked in globalInFlight/globalCap.
type Registry struct {
	nextID       atomic.Uint64
	entries      sync.Map // uint64 -> *entry
	count        atomic.Int64
	maxPerClient int
}

// NewRegistry returns a Registry admitting at most maxPerClient
// concurrently outstanding requests on top of whatever the process-wide
// cap allows. maxPerClient <= 0 means this Registry itself is unbounded
// (the global tier, if any, still applies).
func NewRegistry(maxPerClient int) *Registry {
	return &Registry{maxPerClient: maxPerClient}
}

// Len reports the number of currently outstanding requests.
func (r *Registry) Len() int64 { return r.count.Load() }

// Admit enforces spec.md §4.3's two-tier admission check: first the
// process-wide MAX_PENDING_OPERATIONS cap, then this Registry's own
// per-client cap. It returns a *clienterr.Error naming the specific tier
// that rejected the request (KindBackpressure or KindClientInflightExceeded)
// so callers never block on admission, only fail fast. The global
// precheck is advisory, not a second CAS loop serialized against
// TryAdmit's: under concurrent admission right at the boundary a handful
// of requests can land past the nominal cap, the same tolerance the
// per-client CAS loop already accepts for itself.
func (r *Registry) Admit() error {
	if cap := globalCap.Load(); cap > 0 && globalInFlight.Load() >= cap {
		return clienterr.New(clienterr.KindBackpressure, "global in-flight request cap (%d) reached", cap)
	}
	if !r.TryAdmit() {
		return clienterr.New(clienterr.KindClientInflightExceeded, "per-client in-flight request cap (%d) reached", r.maxPerClient)
	}
	return nil
}

// TryAdmit reserves one slot against this Registry's own per-client
// admission cap, returning false (and reserving nothing) if that cap is
// already full. It does not consult the process-wide tier; callers that
// need both checks should call Admit instead.
func (r *Registry) TryAdmit() bool {
	if r.maxPerClient <= 0 {
		r.count.Add(1)
		globalInFlight.Add(1)
		return true
	}
	for {
		cur := r.count.Load()
		if cur >= int64(r.maxPerClient) {
			return false
		}
		if r.count.CompareAndSwap(cur, cur+1) {
			globalInFlight.Add(1)
			return true
		}
	}
}

// Release gives back a slot reserved by TryAdmit (directly, or via Admit)
// without registering a request, used when submission fails after
// admission (e.g. the connection rejects the Send because it is no
// longer Ready).
func (r *Registry) Release() {
	r.count.Add(-1)
	globalInFlight.Add(-1)
}

// Register allocates a new correlation ID and installs a pending entry
// for it. The caller must have already succeeded a TryAdmit call. If
// deadline is non-zero, the entry auto-resolves with a Timeout error when
// it elapses.
func (r *Registry) Register(deadline time.Time) (id uint64, done <-chan Result) {
	id = r.nextID.Add(1)
	e := &entry{done: make(chan Result, 1)}
	r.entries.Store(id, e)

	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			r.Complete(id, Result{Err: clienterr.New(clienterr.KindTimeout, "deadline already elapsed")})
		} else {
			e.timer = time.AfterFunc(d, func() {
				r.Complete(id, Result{Err: clienterr.New(clienterr.KindTimeout, "request timed out after %s", d)})
			})
		}
	}
	return id, e.done
}

// WaitContext blocks on done until it resolves or ctx is cancelled,
// cancelling (and releasing) the registry entry in the latter case.
func (r *Registry) WaitContext(ctx context.Context, id uint64, done <-chan Result) Result {
	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		r.Cancel(id)
		return Result{Err: clienterr.New(clienterr.KindCancelled, "%s", ctx.Err())}
	}
}

// Complete resolves the entry for id with res, returning false if it was
// already resolved (completed, timed out, or cancelled) or never existed.
func (r *Registry) Complete(id uint64, res Result) bool {
	v, ok := r.entries.Load(id)
	if !ok {
		return false
	}
	e := v.(*entry)
	if !e.resolve(res) {
		return false
	}
	r.entries.Delete(id)
	r.count.Add(-1)
	globalInFlight.Add(-1)
	return true
}

// Cancel resolves the entry for id with a Cancelled error, as Complete
// does for a normal reply.
func (r *Registry) Cancel(id uint64) {
	r.Complete(id, Result{Err: clienterr.New(clienterr.KindCancelled, "request cancelled")})
}

// DrainWithError resolves every currently outstanding entry with err, used
// when the client is closed so its in-flight requests are failed rather
// than left to time out.
func (r *Registry) DrainWithError(err error) {
	r.entries.Range(func(key, value any) bool {
		id := key.(uint64)
		r.Complete(id, Result{Err: err})
		return true
	})
}

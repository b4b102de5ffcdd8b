// Package exec implements the single-command execution primitive shared by
// the public handle (C9) and the batch executor (C8): resolve a target via
// the router, acquire a connection from the pool, send, wait, and feed the
// outcome through the retry engine until it completes, redirects, or
// exhausts its hop budget (spec.md §2, "caller -> C9 -> C6 -> C5 -> C2 ->
// C3 ... C7 inspects error -> either completes ... or triggers retry path
// that re-enters C6"). Grounded on the teacher's request-dispatch loop in
// internal/network/resp/server.go, generalized from "look up a handler and
// invoke it" to "look up a node and send to it, with redirect retargeting."
package exec

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"hyperglide/internal/clienterr"
	"hyperglide/internal/conn"
	"hyperglide/internal/inflight"
	"hyperglide/internal/pool"
	"hyperglide/internal/resp"
	"hyperglide/internal/retry"
	"hyperglide/internal/router"
	"hyperglide/internal/slotmap"
	"hyperglide/pkg/config"
)

// Runner ties the router, pool, slot map, and retry engine together into
// one logical-command execution path.
type Runner struct {
	Table       *slotmap.Table
	Router      *router.Router
	Pool        *pool.Pool
	Registry    *inflight.Registry
	ClusterMode bool
	Addresses   []config.NodeAddress

	refreshOnce sync.Mutex
	onRedirect  func()
}

// New returns a Runner. addresses seeds the standalone (non-cluster)
// connection target and the fallback for a MOVED/ASK redirect to a node
// not yet present in the slot map.
func New(table *slotmap.Table, r *router.Router, p *pool.Pool, reg *inflight.Registry, clusterMode bool, addresses []config.NodeAddress) *Runner {
	return &Runner{
		Table:       table,
		Router:      r,
		Pool:        p,
		Registry:    reg,
		ClusterMode: clusterMode,
		Addresses:   addresses,
	}
}

// OnRedirect registers a hook invoked (fire-and-forget, at most one
// in-flight at a time) whenever a MOVED or CLUSTERDOWN reply suggests the
// slot map is stale. The client wires this to its topology refresh task.
func (r *Runner) OnRedirect(fn func()) { r.onRedirect = fn }

// One resolves cmd (applying hint if non-nil), sends it to every target the
// router produces, retries redirected or retryable targets independently up
// to retry.MaxRedirectHops times each, and folds multi-target results with
// the router's aggregation policy. atomic must be true when cmd is one
// statement of an atomic batch: it disables automatic retry on a fresh
// connection after a disconnect and fails CLUSTERDOWN immediately instead
// of retrying in place (spec.md §4.7).
func (r *Runner) One(ctx context.Context, cmd router.Command, hint router.Route, deadline time.Time, atomic bool) (resp.Value, error) {
	targets, aggPolicy, err := r.Router.Resolve(ctx, cmd, hint)
	if err != nil {
		return resp.Value{}, err
	}
	if len(targets) == 0 {
		return resp.Value{}, clienterr.New(clienterr.KindConfig, "command %s resolved to no targets", cmd.Name)
	}

	if len(targets) == 1 {
		v, err := r.runTarget(ctx, cmd.Name, targets[0], deadline, atomic)
		return v, err
	}

	results := make([]resp.Value, len(targets))
	errs := make([]error, len(targets))
	// keyIndices stays nil when no target carries KeyIndices (e.g. the KEYS
	// all-primaries fan-out), as router.Aggregate expects.
	var keyIndices [][]int
	var wg sync.WaitGroup
	for i, t := range targets {
		if t.KeyIndices != nil {
			if keyIndices == nil {
				keyIndices = make([][]int, len(targets))
			}
			keyIndices[i] = t.KeyIndices
		}
		wg.Add(1)
		go func(i int, t router.Target) {
			defer wg.Done()
			results[i], errs[i] = r.runTarget(ctx, cmd.Name, t, deadline, atomic)
		}(i, t)
	}
	wg.Wait()

	return router.Aggregate(aggPolicy, results, errs, keyIndices)
}

// runTarget drives one target through send -> retry-engine-verdict until
// it completes or fails, retargeting on MOVED/ASK and backing off on
// TRYAGAIN/CLUSTERDOWN.
func (r *Runner) runTarget(ctx context.Context, cmdName string, t router.Target, deadline time.Time, atomic bool) (resp.Value, error) {
	asking := false
	for hops := 0; ; hops++ {
		v, sendErr := r.sendToNode(ctx, t.Node, t.Cmd, deadline, asking)
		asking = false

		outcome := retry.Evaluate(cmdName, inflight.Result{Value: v, Err: sendErr}, hops, atomic)
		if outcome.TriggerRefresh {
			r.fireRefresh()
		}

		switch outcome.Decision {
		case retry.DecisionComplete:
			return v, outcome.Err
		case retry.DecisionFail:
			return resp.Value{}, outcome.Err
		case retry.DecisionRetrySameNode:
			if outcome.BackoffBefore > 0 {
				if err := sleepOrCancel(ctx, outcome.BackoffBefore); err != nil {
					return resp.Value{}, err
				}
			}
			continue
		case retry.DecisionRetryNewNode:
			t = router.Target{Node: outcome.NewTarget.Node, Cmd: t.Cmd}
			asking = outcome.SendAsking
			continue
		default:
			return resp.Value{}, clienterr.New(clienterr.KindUnknown, "unhandled retry decision %d", outcome.Decision)
		}
	}
}

func sleepOrCancel(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return clienterr.New(clienterr.KindCancelled, "%s", ctx.Err())
	}
}

func (r *Runner) fireRefresh() {
	if r.onRedirect == nil {
		return
	}
	if !r.refreshOnce.TryLock() {
		return
	}
	go func() {
		defer r.refreshOnce.Unlock()
		r.onRedirect()
	}()
}

// sendToNode acquires (or dials) the connection for id, optionally prefixes
// the write with ASKING, and sends cmd, waiting for its reply or ctx
// cancellation.
func (r *Runner) sendToNode(ctx context.Context, id slotmap.NodeID, cmd router.Command, deadline time.Time, asking bool) (resp.Value, error) {
	node, err := r.nodeInfoFor(id)
	if err != nil {
		return resp.Value{}, err
	}
	c, err := r.Pool.Get(ctx, node)
	if err != nil {
		return resp.Value{}, clienterr.Wrap(clienterr.KindConnection, err, "acquire connection to %s", node.Host)
	}

	if asking {
		if _, err := r.SendRaw(ctx, c, deadline, router.Command{Name: "ASKING"}); err != nil {
			return resp.Value{}, err
		}
	}
	return r.SendRaw(ctx, c, deadline, cmd)
}

// SendRaw sends one command on an already-acquired connection and waits for
// its reply, with no retry or redirect handling of its own. Exported for
// the batch executor's atomic path, which must issue MULTI/queued
// commands/EXEC on a single connection without the retry engine
// retargeting mid-transaction.
func (r *Runner) SendRaw(ctx context.Context, c *conn.Connection, deadline time.Time, cmd router.Command) (resp.Value, error) {
	if err := r.Registry.Admit(); err != nil {
		return resp.Value{}, err
	}
	id, done, err := c.Send(deadline, commandArgs(cmd)...)
	if err != nil {
		r.Registry.Release()
		return resp.Value{}, err
	}
	res := r.Registry.WaitContext(ctx, id, done)
	return res.Value, res.Err
}

// Connection returns (dialing if necessary) the pooled connection for id,
// for callers (the atomic batch path) that need to pin a sequence of sends
// to one socket.
func (r *Runner) Connection(ctx context.Context, id slotmap.NodeID) (*conn.Connection, error) {
	node, err := r.nodeInfoFor(id)
	if err != nil {
		return nil, err
	}
	return r.Pool.Get(ctx, node)
}

// ManagementConnection returns (dialing if necessary) the pool's dedicated
// management connection for id, for callers (topology refresh) that must
// never queue behind application traffic (spec.md §4.5).
func (r *Runner) ManagementConnection(ctx context.Context, id slotmap.NodeID) (*conn.Connection, error) {
	node, err := r.nodeInfoFor(id)
	if err != nil {
		return nil, err
	}
	return r.Pool.GetManagement(ctx, node)
}

// ResolveNode resolves cmd/hint down to exactly one node, for callers (the
// atomic batch path) that need a single routing decision rather than a
// fan-out.
func (r *Runner) ResolveNode(ctx context.Context, cmd router.Command, hint router.Route) (slotmap.NodeID, error) {
	targets, _, err := r.Router.Resolve(ctx, cmd, hint)
	if err != nil {
		return "", err
	}
	if len(targets) != 1 {
		return "", clienterr.New(clienterr.KindConfig, "command %s did not resolve to a single node", cmd.Name)
	}
	return targets[0].Node, nil
}

func (r *Runner) nodeInfoFor(id slotmap.NodeID) (slotmap.NodeInfo, error) {
	if id == "" {
		if len(r.Addresses) == 0 {
			return slotmap.NodeInfo{}, clienterr.New(clienterr.KindConfig, "no seed address configured")
		}
		addr := r.Addresses[0]
		return slotmap.NodeInfo{ID: id, Host: addr.Host, Port: addr.Port, IsMaster: true}, nil
	}
	if info, ok := r.Table.Current().Nodes[id]; ok {
		return info, nil
	}
	// A MOVED/ASK redirect can name a node the slot map hasn't learned
	// about yet (topology refresh races the redirect); fall back to
	// parsing "host:port" directly out of the id.
	host, portStr, err := net.SplitHostPort(string(id))
	if err != nil {
		return slotmap.NodeInfo{}, clienterr.New(clienterr.KindClusterDown, "unknown node %s", id)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return slotmap.NodeInfo{}, clienterr.New(clienterr.KindClusterDown, "unknown node %s", id)
	}
	return slotmap.NodeInfo{ID: id, Host: host, Port: port, IsMaster: true}, nil
}

func commandArgs(cmd router.Command) []string {
	out := make([]string, 0, len(cmd.Args)+1)
	out = append(out, cmd.Name)
	for _, a := range cmd.Args {
		out = append(out, string(a))
	}
	return out
}

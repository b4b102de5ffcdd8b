// Package hyperglide is the public entry point: a connected handle wiring
// the frame codec, connection pool, in-flight registry, router, retry
// engine, batch executor, slot map, and pub/sub tap behind
// Execute/ExecuteBatch/Subscribe/Publish/Close (SPEC_FULL.md §4.9 / C9).
// Grounded on the teacher's cmd/hypercache/main.go wiring order (load
// config, build logging, construct components in dependency order, start
// background lifecycle tasks), generalized from a server's main() into a
// library constructor callers embed in their own process.
package hyperglide

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"hyperglide/internal/batch"
	"hyperglide/internal/clienterr"
	"hyperglide/internal/conn"
	"hyperglide/internal/exec"
	"hyperglide/internal/inflight"
	"hyperglide/internal/logging"
	"hyperglide/internal/pool"
	"hyperglide/internal/pubsub"
	"hyperglide/internal/resp"
	"hyperglide/internal/router"
	"hyperglide/internal/slotmap"
	"hyperglide/pkg/config"
)

type lifecycleState int32

const (
	stateActive lifecycleState = iota
	stateDraining
	stateClosed
)

// Client is a connected handle to a standalone deployment or a cluster.
// One Client owns one Registry, one Pool, and one Table shared by every
// command it issues; it is safe for concurrent use from multiple
// goroutines (spec.md §3, "Client").
type Client struct {
	cfg    config.ClientConfig
	table  *slotmap.Table
	router *router.Router
	pool   *pool.Pool
	reg    *inflight.Registry
	runner *exec.Runner
	batch  *batch.Executor
	pubsub *pubsub.Manager

	state     atomic.Int32
	closeOnce sync.Once

	pubsubConnID  atomic.Uint64 // ID of the connection pub/sub commands were last issued on
	stopKeepAlive chan struct{}
	keepAliveDone chan struct{}
}

// New validates cfg, builds every component, discovers the initial
// topology in cluster mode, and (unless cfg.LazyConnect) eagerly connects
// to every known node before returning.
func New(ctx context.Context, cfg config.ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, clienterr.Wrap(clienterr.KindConfig, err, "invalid client configuration")
	}

	if cfg.MaxPendingOperations > 0 {
		inflight.SetGlobalCap(cfg.MaxPendingOperations)
	}

	table := slotmap.NewTable()
	reg := inflight.NewRegistry(cfg.MaxInflightPerClient)
	ps := pubsub.NewManager(0)
	p := pool.New(cfg, reg, ps)
	rt := router.New(table, cfg)
	runner := exec.New(table, rt, p, reg, cfg.ClusterMode, cfg.Addresses)
	ex := batch.New(runner, cfg.ClusterMode)

	c := &Client{
		cfg: cfg, table: table, router: rt, pool: p, reg: reg,
		runner: runner, batch: ex, pubsub: ps,
		stopKeepAlive: make(chan struct{}),
		keepAliveDone: make(chan struct{}),
	}
	runner.OnRedirect(func() { c.refreshTopology(context.Background()) })

	if cfg.ClusterMode {
		if err := c.refreshTopology(ctx); err != nil {
			return nil, clienterr.Wrap(clienterr.KindClusterDown, err, "initial topology discovery")
		}
	}

	if !cfg.LazyConnect {
		c.warmUp(ctx)
	}

	if err := c.ensurePubSubConnection(ctx); err != nil {
		logging.Warn(ctx, logging.ComponentClient, logging.ActionConnect,
			"pub/sub connection not yet established: "+err.Error())
	}
	if subs := cfg.Subscriptions; subs != nil {
		c.restoreSubscriptions(ctx, subs)
	}

	go c.pubsubKeepAlive()

	logging.Info(ctx, logging.ComponentClient, logging.ActionStart, "client ready")
	return c, nil
}

func (c *Client) warmUp(ctx context.Context) {
	if c.cfg.ClusterMode {
		c.pool.WarmUp(ctx, c.table.Current())
		return
	}
	// Standalone mode has exactly one routing target: the first configured
	// seed address (exec.Runner.nodeInfoFor's id=="" case).
	if _, err := c.runner.Connection(ctx, ""); err != nil {
		logging.Warn(ctx, logging.ComponentClient, logging.ActionConnect, "warm-up connect failed: "+err.Error())
	}
}

// restoreSubscriptions replays a statically configured subscription set
// against the newly established pub/sub connection (spec.md §3,
// SubscriptionConfig). Subscribers created this way are not returned to
// the caller; use Subscribe if you need the Subscriber handle.
func (c *Client) restoreSubscriptions(ctx context.Context, subs *config.SubscriptionConfig) {
	for _, ch := range subs.Exact {
		if _, err := c.pubsub.Subscribe(pubsub.ModeExact, ch); err != nil {
			logging.Warn(ctx, logging.ComponentClient, logging.ActionSubscribe, "resubscribe exact "+ch+" failed: "+err.Error())
		}
	}
	for _, ch := range subs.Pattern {
		if _, err := c.pubsub.Subscribe(pubsub.ModePattern, ch); err != nil {
			logging.Warn(ctx, logging.ComponentClient, logging.ActionSubscribe, "resubscribe pattern "+ch+" failed: "+err.Error())
		}
	}
	for _, ch := range subs.Sharded {
		if _, err := c.pubsub.Subscribe(pubsub.ModeSharded, ch); err != nil {
			logging.Warn(ctx, logging.ComponentClient, logging.ActionSubscribe, "resubscribe sharded "+ch+" failed: "+err.Error())
		}
	}
}

func (c *Client) deadline(ctx context.Context) time.Time {
	if c.cfg.RequestTimeout <= 0 {
		if dl, ok := ctx.Deadline(); ok {
			return dl
		}
		return time.Time{}
	}
	return time.Now().Add(c.cfg.RequestTimeout)
}

// Execute runs a single command, resolving its target via route (or the
// router's inferred route when route is nil), retrying MOVED/ASK/TRYAGAIN/
// CLUSTERDOWN and idempotent connection failures transparently
// (spec.md §4.9).
func (c *Client) Execute(ctx context.Context, cmd router.Command, route router.Route) (resp.Value, error) {
	if lifecycleState(c.state.Load()) == stateClosed {
		return resp.Value{}, clienterr.New(clienterr.KindClosed, "client is closed")
	}
	return c.runner.One(ctx, cmd, route, c.deadline(ctx), false)
}

// ExecuteBatch runs b as an atomic transaction or a non-atomic pipeline
// depending on b.Atomic, returning the atomic EXEC reply or a []batch.Result
// in command order (spec.md §4.9).
func (c *Client) ExecuteBatch(ctx context.Context, b batch.Batch, raiseOnError bool) (any, error) {
	if lifecycleState(c.state.Load()) == stateClosed {
		return nil, clienterr.New(clienterr.KindClosed, "client is closed")
	}
	if b.Timeout <= 0 {
		b.Timeout = c.cfg.RequestTimeout
	}
	return c.batch.Execute(ctx, b, raiseOnError)
}

// Subscribe registers channel under mode, issuing SUBSCRIBE/PSUBSCRIBE/
// SSUBSCRIBE as needed and returning a handle to receive delivered
// messages (spec.md §4.9, §4.10).
func (c *Client) Subscribe(ctx context.Context, mode pubsub.Mode, channel string) (*pubsub.Subscriber, error) {
	if lifecycleState(c.state.Load()) == stateClosed {
		return nil, clienterr.New(clienterr.KindClosed, "client is closed")
	}
	if err := c.ensurePubSubConnection(ctx); err != nil {
		return nil, err
	}
	return c.pubsub.Subscribe(mode, channel)
}

// Unsubscribe removes sub from mode/channel, issuing UNSUBSCRIBE once no
// subscriber remains for it.
func (c *Client) Unsubscribe(mode pubsub.Mode, channel string, sub *pubsub.Subscriber) error {
	return c.pubsub.Unsubscribe(mode, channel, sub)
}

// Publish sends a message to channel. Non-sharded PUBLISH is gossiped
// cluster-wide by the server; use sharded=true for SPUBLISH, which the
// router pins to the channel's slot owner (spec.md §4.9, §4.10).
func (c *Client) Publish(ctx context.Context, channel, message string, sharded bool) (resp.Value, error) {
	name := "PUBLISH"
	if sharded {
		name = "SPUBLISH"
	}
	cmd := router.Command{Name: name, Args: [][]byte{[]byte(channel), []byte(message)}}
	return c.Execute(ctx, cmd, nil)
}

// UpdatePassword re-authenticates every currently pooled connection with a
// new password, for credential rotation without a full reconnect
// (spec.md §4.9). Future dials (reconnects, newly discovered nodes) pick
// up the new password from cfg automatically.
func (c *Client) UpdatePassword(ctx context.Context, password string) error {
	c.cfg.Password = password
	deadline := c.deadline(ctx)

	authArgs := [][]byte{[]byte(password)}
	if c.cfg.Username != "" {
		authArgs = [][]byte{[]byte(c.cfg.Username), []byte(password)}
	}

	var firstErr error
	auth := func(pc *conn.Connection) {
		if _, err := c.runner.SendRaw(ctx, pc, deadline, router.Command{Name: "AUTH", Args: authArgs}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.pool.Each(auth)
	c.pool.EachManagement(auth)
	return firstErr
}

// Stats summarizes the client's current operational state for diagnostics
// (spec.md §4.9, GetStats).
type Stats struct {
	Pool     pool.Stats
	Inflight int64
	Topology slotmap.Metrics
}

// GetStats returns a snapshot of pool, in-flight, and topology counters.
func (c *Client) GetStats() Stats {
	return Stats{
		Pool:     c.pool.Stats(),
		Inflight: c.reg.Len(),
		Topology: c.table.GetMetrics(),
	}
}

// Close transitions the client to Draining, stops the pub/sub keep-alive
// task, drains every outstanding in-flight request with a KindClosed
// error, and tears down every pooled connection (spec.md §4.9).
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(stateDraining))
		close(c.stopKeepAlive)
		<-c.keepAliveDone
		c.reg.DrainWithError(clienterr.New(clienterr.KindClosed, "client closed"))
		c.pool.CloseAll()
		c.state.Store(int32(stateClosed))
	})
	return nil
}

package hyperglide

import (
	"context"
	"time"

	"hyperglide/internal/clienterr"
	"hyperglide/internal/logging"
	"hyperglide/internal/router"
	"hyperglide/internal/slotmap"
	"hyperglide/pkg/config"
)

// refreshTopology queries CLUSTER SHARDS (falling back to CLUSTER SLOTS
// for servers too old to have SHARDS) against a seed or already-known node,
// and swaps the result into the live Table. It is called once at startup
// in cluster mode and again whenever the retry engine observes a MOVED
// redirect or a CLUSTERDOWN reply (spec.md §4.4, §4.7).
func (c *Client) refreshTopology(ctx context.Context) error {
	if !c.cfg.ClusterMode {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectionTimeout)
	defer cancel()

	var lastErr error
	for _, addr := range c.discoverySeeds() {
		m, err := c.fetchSlotMap(rctx, addr)
		if err != nil {
			lastErr = err
			continue
		}
		c.table.Swap(m)
		logging.Info(ctx, logging.ComponentClient, logging.ActionRefresh, "topology refreshed from "+addr.String())
		return nil
	}
	return clienterr.Wrap(clienterr.KindClusterDown, lastErr, "could not refresh topology from any seed")
}

// discoverySeeds orders candidate nodes to query: the configured seed
// addresses first, then every node the current (possibly stale) slot map
// already knows about, so a refresh triggered by one node going away can
// still succeed against a node that's still up.
func (c *Client) discoverySeeds() []config.NodeAddress {
	seeds := append([]config.NodeAddress(nil), c.cfg.Addresses...)
	cur := c.table.Current()
	for _, id := range cur.AllNodes() {
		if info, ok := cur.Nodes[id]; ok {
			seeds = append(seeds, config.NodeAddress{Host: info.Host, Port: info.Port})
		}
	}
	return seeds
}

// fetchSlotMap queries addr's dedicated management connection — never a
// pooled application connection — for CLUSTER SHARDS (or CLUSTER SLOTS on
// older servers), so a topology refresh never queues behind application
// traffic on a busy node (spec.md §4.5).
func (c *Client) fetchSlotMap(ctx context.Context, addr config.NodeAddress) (*slotmap.SlotMap, error) {
	nodeID := slotmap.NodeID(addr.String())
	mc, err := c.runner.ManagementConnection(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	deadline := c.deadline(ctx)

	shardsCmd := router.Command{Name: "CLUSTER", Args: [][]byte{[]byte("SHARDS")}}
	if v, err := c.runner.SendRaw(ctx, mc, deadline, shardsCmd); err == nil {
		if m, perr := slotmap.BuildFromClusterShards(v); perr == nil {
			return m, nil
		}
	}

	slotsCmd := router.Command{Name: "CLUSTER", Args: [][]byte{[]byte("SLOTS")}}
	v, err := c.runner.SendRaw(ctx, mc, deadline, slotsCmd)
	if err != nil {
		return nil, err
	}
	return slotmap.BuildFromClusterSlots(v)
}

// choosePubSubNode returns the node pub/sub commands should be issued on:
// the single implicit node in standalone mode, or the first known primary
// in cluster mode (any primary works for exact/pattern channels; SPUBLISH
// is routed independently per call via the router's own slot lookup).
func (c *Client) choosePubSubNode() slotmap.NodeID {
	if !c.cfg.ClusterMode {
		return ""
	}
	primaries := c.table.Current().AllPrimaries()
	if len(primaries) == 0 {
		return ""
	}
	return primaries[0]
}

// ensurePubSubConnection makes sure the pub/sub manager is bound to a live
// connection, acquiring (and, if it changed, installing) one. Installing a
// new connection replays every active subscription on it, which is how a
// reconnect after a dropped pub/sub connection transparently resubscribes
// (spec.md §4.10).
func (c *Client) ensurePubSubConnection(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectionTimeout)
	defer cancel()

	conn, err := c.runner.Connection(pctx, c.choosePubSubNode())
	if err != nil {
		return err
	}
	if conn.ID() == c.pubsubConnID.Load() {
		return nil
	}
	if err := c.pubsub.SetConnection(conn); err != nil {
		return err
	}
	c.pubsubConnID.Store(conn.ID())
	return nil
}

// pubsubKeepAlive periodically re-validates the pub/sub connection so a
// connection that dropped between Subscribe calls still gets its
// subscriptions replayed promptly rather than waiting for the next
// Subscribe/Publish call to notice. The pool has no reconnect event hook,
// so polling is the simplest correct substitute.
func (c *Client) pubsubKeepAlive() {
	defer close(c.keepAliveDone)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopKeepAlive:
			return
		case <-ticker.C:
			if err := c.ensurePubSubConnection(context.Background()); err != nil {
				logging.Warn(context.Background(), logging.ComponentClient, logging.ActionConnect,
					"pub/sub keep-alive reconnect failed: "+err.Error())
			}
		}
	}
}

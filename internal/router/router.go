package router

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/cespare/xxhash/v2"

	"hyperglide/internal/clienterr"
	"hyperglide/internal/logging"
	"hyperglide/internal/slotmap"
	"hyperglide/pkg/config"
)

// Router resolves a Command (plus an optional caller Route) into one or
// more node targets, consulting the live slot map for cluster-mode
// routing decisions (SPEC_FULL.md §4.6 / C6).
type Router struct {
	table       *slotmap.Table
	clusterMode bool
	readFrom    config.ReadFrom
	clientAZ    string
}

// New returns a Router over table, using cfg's cluster_mode/read_from/
// client_az for routing defaults.
func New(table *slotmap.Table, cfg config.ClientConfig) *Router {
	return &Router{
		table:       table,
		clusterMode: cfg.ClusterMode,
		readFrom:    cfg.ReadFrom,
		clientAZ:    cfg.ClientAZ,
	}
}

// Resolve classifies cmd, applies hint (if non-nil) or the classification's
// inferred route, and returns the resolved node targets plus the
// aggregation policy the caller (C8, or the client for a bare execute)
// must use to fold their replies.
func (r *Router) Resolve(ctx context.Context, cmd Command, hint Route) ([]Target, AggregationPolicy, error) {
	spec := Classify(cmd.Name)

	if !r.clusterMode {
		return []Target{{Node: "", Cmd: cmd}}, spec.Aggregation, nil
	}

	if hint != nil {
		targets, err := r.resolveExplicit(hint, cmd)
		return targets, spec.Aggregation, err
	}

	switch spec.Kind {
	case KindAllPrimaries:
		return r.fanOutPrimaries(cmd), spec.Aggregation, nil
	case KindAllNodes:
		return r.fanOutAll(cmd), spec.Aggregation, nil
	case KindRandom:
		t, err := r.randomTarget(cmd)
		return []Target{t}, spec.Aggregation, err
	case KindAdmin:
		return nil, spec.Aggregation, clienterr.New(clienterr.KindConfig,
			"command %s requires an explicit route in cluster mode", cmd.Name)
	case KindMultiSlotPattern:
		return r.resolveMultiSlot(cmd, spec)
	default: // KindSingleKey, KindMultiKeySameSlot
		if len(cmd.Args) == 0 {
			return nil, spec.Aggregation, clienterr.New(clienterr.KindConfig,
				"command %s has no key argument to route by", cmd.Name)
		}
		t, err := r.targetForKey(cmd.Args[0], r.readFrom, cmd)
		return []Target{t}, spec.Aggregation, err
	}
}

func (r *Router) resolveExplicit(hint Route, cmd Command) ([]Target, error) {
	switch h := hint.(type) {
	case RouteAllPrimaries:
		return r.fanOutPrimaries(cmd), nil
	case RouteAllNodes:
		return r.fanOutAll(cmd), nil
	case RouteRandom:
		t, err := r.randomTarget(cmd)
		return []Target{t}, err
	case RouteSlotByKey:
		t, err := r.targetForKey(h.Key, h.Pref, cmd)
		return []Target{t}, err
	case RouteSlotByID:
		owner, ok := r.table.Current().OwnerOfSlot(h.Slot)
		if !ok {
			return nil, clienterr.New(clienterr.KindClusterDown, "no owner known for slot %d", h.Slot)
		}
		node := r.pickReplica(owner, h.Pref, fmt.Sprintf("slot:%d", h.Slot))
		return []Target{{Node: node, Cmd: cmd}}, nil
	case RouteByAddress:
		return []Target{{Node: slotmap.NodeID(fmt.Sprintf("%s:%d", h.Host, h.Port)), Cmd: cmd}}, nil
	default:
		return nil, clienterr.New(clienterr.KindConfig, "unknown route type %T", hint)
	}
}

func (r *Router) targetForKey(key []byte, pref config.ReadFrom, cmd Command) (Target, error) {
	slot := slotmap.Slot(string(key))
	owner, ok := r.table.Current().OwnerOfSlot(slot)
	if !ok {
		return Target{}, clienterr.New(clienterr.KindClusterDown, "no owner known for slot %d (key %q)", slot, key)
	}
	node := r.pickReplica(owner, pref, string(key))
	return Target{Node: node, Cmd: cmd}, nil
}

// pickReplica applies read_from preference to an Owner, degrading
// AzAffinity(AndPrimary) to PreferReplica when no client_az is configured
// (spec.md §4.6). Among equally eligible candidates it picks
// deterministically by hashing the routing key, avoiding a shared
// round-robin counter that every Execute call would have to contend on.
func (r *Router) pickReplica(owner slotmap.Owner, pref config.ReadFrom, routingKey string) slotmap.NodeID {
	if pref == config.Primary {
		return owner.Primary
	}
	if (pref == config.AzAffinity || pref == config.AzAffinityAndPrimary) && r.clientAZ == "" {
		logging.Warn(context.Background(), logging.ComponentRouter, logging.ActionValidation,
			"read_from az_affinity configured without client_az; degrading to prefer_replica")
		pref = config.PreferReplica
	}

	candidates := owner.Replicas
	switch pref {
	case config.AzAffinity, config.AzAffinityAndPrimary:
		inAZ := r.filterByAZ(owner.Replicas)
		if pref == config.AzAffinityAndPrimary {
			inAZ = append(inAZ, owner.Primary)
		}
		if len(inAZ) > 0 {
			candidates = inAZ
		} else if len(owner.Replicas) == 0 {
			return owner.Primary
		}
	}

	if len(candidates) == 0 {
		return owner.Primary
	}
	idx := xxhash.Sum64String(routingKey) % uint64(len(candidates))
	return candidates[idx]
}

func (r *Router) filterByAZ(replicas []slotmap.NodeID) []slotmap.NodeID {
	cur := r.table.Current()
	var out []slotmap.NodeID
	for _, id := range replicas {
		if cur.Nodes[id].AZ == r.clientAZ {
			out = append(out, id)
		}
	}
	return out
}

func (r *Router) fanOutPrimaries(cmd Command) []Target {
	primaries := r.table.Current().AllPrimaries()
	targets := make([]Target, len(primaries))
	for i, p := range primaries {
		targets[i] = Target{Node: p, Cmd: cmd}
	}
	return targets
}

func (r *Router) fanOutAll(cmd Command) []Target {
	nodes := r.table.Current().AllNodes()
	targets := make([]Target, len(nodes))
	for i, n := range nodes {
		targets[i] = Target{Node: n, Cmd: cmd}
	}
	return targets
}

func (r *Router) randomTarget(cmd Command) (Target, error) {
	nodes := r.table.Current().AllNodes()
	if len(nodes) == 0 {
		return Target{}, clienterr.New(clienterr.KindClusterDown, "no known nodes to route %s to", cmd.Name)
	}
	return Target{Node: nodes[rand.Intn(len(nodes))], Cmd: cmd}, nil
}

// resolveMultiSlot splits cmd by its pattern, groups the resulting keys by
// slot owner, and returns one Target per owning node (spec.md §4.6).
func (r *Router) resolveMultiSlot(cmd Command, spec Spec) ([]Target, AggregationPolicy, error) {
	groups, suffix, err := Split(spec.Pattern, cmd.Args)
	if err != nil {
		return nil, spec.Aggregation, clienterr.Wrap(clienterr.KindConfig, err, "splitting %s", cmd.Name)
	}

	byNode := map[slotmap.NodeID][]KeyGroup{}
	var order []slotmap.NodeID
	cur := r.table.Current()
	for _, g := range groups {
		slot := slotmap.Slot(string(g.Key))
		owner, ok := cur.OwnerOfSlot(slot)
		if !ok {
			return nil, spec.Aggregation, clienterr.New(clienterr.KindClusterDown,
				"no owner known for slot %d (key %q)", slot, g.Key)
		}
		node := r.pickReplica(owner, r.readFrom, string(g.Key))
		if _, seen := byNode[node]; !seen {
			order = append(order, node)
		}
		byNode[node] = append(byNode[node], g)
	}

	targets := make([]Target, 0, len(order))
	for _, node := range order {
		groups := byNode[node]
		indices := make([]int, len(groups))
		for i, g := range groups {
			indices[i] = g.Index
		}
		targets = append(targets, Target{
			Node:       node,
			Cmd:        Rebuild(cmd.Name, spec.Pattern, groups, suffix),
			KeyIndices: indices,
		})
	}
	return targets, spec.Aggregation, nil
}

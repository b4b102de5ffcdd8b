package slotmap

import (
	"fmt"
	"strconv"

	"hyperglide/internal/resp"
)

// BuildFromClusterSlots converts a decoded CLUSTER SLOTS reply into a
// SlotMap. Each top-level element is
// [startSlot, endSlot, [masterIP, masterPort, masterID, ...], [replicaIP, replicaPort, replicaID, ...]*]
// — the format every Redis/Valkey version understands, RESP2 or RESP3
// (spec.md §4.4).
func BuildFromClusterSlots(v resp.Value) (*SlotMap, error) {
	if v.Kind != resp.KindArray {
		return nil, fmt.Errorf("slotmap: CLUSTER SLOTS reply is not an array")
	}

	m := &SlotMap{Nodes: map[NodeID]NodeInfo{}}
	for _, entry := range v.Array {
		if entry.Kind != resp.KindArray || len(entry.Array) < 3 {
			return nil, fmt.Errorf("slotmap: malformed CLUSTER SLOTS range entry")
		}
		start, err := asInt(entry.Array[0])
		if err != nil {
			return nil, fmt.Errorf("slotmap: invalid start slot: %w", err)
		}
		end, err := asInt(entry.Array[1])
		if err != nil {
			return nil, fmt.Errorf("slotmap: invalid end slot: %w", err)
		}

		master, err := nodeFromTriple(entry.Array[2], true)
		if err != nil {
			return nil, err
		}
		m.Nodes[master.ID] = master

		var replicaIDs []NodeID
		for _, r := range entry.Array[3:] {
			replica, err := nodeFromTriple(r, false)
			if err != nil {
				return nil, err
			}
			m.Nodes[replica.ID] = replica
			replicaIDs = append(replicaIDs, replica.ID)
		}

		owner := Owner{Primary: master.ID, Replicas: replicaIDs}
		for s := start; s <= end; s++ {
			if s < 0 || s >= RedisHashSlots {
				return nil, fmt.Errorf("slotmap: slot %d out of range", s)
			}
			m.Slots[s] = owner
		}
	}
	return m, nil
}

// nodeFromTriple parses one [ip, port, id, ...] entry shared by
// CLUSTER SLOTS' master/replica positions.
func nodeFromTriple(v resp.Value, isMaster bool) (NodeInfo, error) {
	if v.Kind != resp.KindArray || len(v.Array) < 3 {
		return NodeInfo{}, fmt.Errorf("slotmap: malformed node entry")
	}
	host, err := asString(v.Array[0])
	if err != nil {
		return NodeInfo{}, fmt.Errorf("slotmap: invalid node host: %w", err)
	}
	port, err := asInt(v.Array[1])
	if err != nil {
		return NodeInfo{}, fmt.Errorf("slotmap: invalid node port: %w", err)
	}
	return NodeInfo{
		ID:       NodeID(fmt.Sprintf("%s:%d", host, port)),
		Host:     host,
		Port:     int(port),
		IsMaster: isMaster,
	}, nil
}

// BuildFromClusterShards converts a decoded CLUSTER SHARDS reply into a
// SlotMap, additionally capturing each node's availability zone when the
// server reports one (used by AzAffinity read routing, spec.md §4.6).
// CLUSTER SHARDS returns, per shard, a flat field list ["slots", [...],
// "nodes", [...]] on RESP2 or a map on RESP3; fieldsOf normalizes both.
func BuildFromClusterShards(v resp.Value) (*SlotMap, error) {
	if v.Kind != resp.KindArray {
		return nil, fmt.Errorf("slotmap: CLUSTER SHARDS reply is not an array")
	}

	m := &SlotMap{Nodes: map[NodeID]NodeInfo{}}
	for _, shard := range v.Array {
		fields, err := fieldsOf(shard)
		if err != nil {
			return nil, err
		}

		slotsVal, ok := fields["slots"]
		if !ok || slotsVal.Kind != resp.KindArray {
			return nil, fmt.Errorf("slotmap: shard missing slots field")
		}
		ranges, err := pairwiseInts(slotsVal)
		if err != nil {
			return nil, err
		}

		nodesVal, ok := fields["nodes"]
		if !ok || nodesVal.Kind != resp.KindArray {
			return nil, fmt.Errorf("slotmap: shard missing nodes field")
		}

		var primary NodeID
		var replicas []NodeID
		for _, n := range nodesVal.Array {
			node, err := nodeFromShardEntry(n)
			if err != nil {
				return nil, err
			}
			m.Nodes[node.ID] = node
			if node.IsMaster {
				primary = node.ID
			} else {
				replicas = append(replicas, node.ID)
			}
		}

		owner := Owner{Primary: primary, Replicas: replicas}
		for i := 0; i+1 < len(ranges); i += 2 {
			start, end := ranges[i], ranges[i+1]
			for s := start; s <= end; s++ {
				if s < 0 || s >= RedisHashSlots {
					return nil, fmt.Errorf("slotmap: slot %d out of range", s)
				}
				m.Slots[s] = owner
			}
		}
	}
	return m, nil
}

func nodeFromShardEntry(v resp.Value) (NodeInfo, error) {
	fields, err := fieldsOf(v)
	if err != nil {
		return NodeInfo{}, err
	}
	host, _ := asString(fields["ip"])
	if host == "" {
		host, _ = asString(fields["endpoint"])
	}
	port, err := asInt(fields["port"])
	if err != nil {
		return NodeInfo{}, fmt.Errorf("slotmap: invalid shard node port: %w", err)
	}
	role, _ := asString(fields["role"])
	az, _ := asString(fields["az"])

	return NodeInfo{
		ID:       NodeID(fmt.Sprintf("%s:%d", host, port)),
		Host:     host,
		Port:     int(port),
		IsMaster: role == "master" || role == "primary",
		AZ:       az,
	}, nil
}

// fieldsOf normalizes a CLUSTER SHARDS element (a RESP3 map, or a RESP2
// flat key/value array) into a name -> value lookup.
func fieldsOf(v resp.Value) (map[string]resp.Value, error) {
	out := map[string]resp.Value{}
	switch v.Kind {
	case resp.KindMap:
		for _, kv := range v.Pairs {
			name, err := asString(kv.Key)
			if err != nil {
				return nil, fmt.Errorf("slotmap: non-string field name: %w", err)
			}
			out[name] = kv.Value
		}
	case resp.KindArray:
		if len(v.Array)%2 != 0 {
			return nil, fmt.Errorf("slotmap: odd-length field array")
		}
		for i := 0; i+1 < len(v.Array); i += 2 {
			name, err := asString(v.Array[i])
			if err != nil {
				return nil, fmt.Errorf("slotmap: non-string field name: %w", err)
			}
			out[name] = v.Array[i+1]
		}
	default:
		return nil, fmt.Errorf("slotmap: unexpected shard element kind %s", v.Kind)
	}
	return out, nil
}

func pairwiseInts(v resp.Value) ([]int64, error) {
	out := make([]int64, 0, len(v.Array))
	for _, e := range v.Array {
		n, err := asInt(e)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func asInt(v resp.Value) (int64, error) {
	switch v.Kind {
	case resp.KindInt:
		return v.Int, nil
	case resp.KindBulk:
		return strconv.ParseInt(string(v.Bulk), 10, 64)
	case resp.KindSimpleString:
		return strconv.ParseInt(v.Str, 10, 64)
	default:
		return 0, fmt.Errorf("not an integer: %s", v.Kind)
	}
}

func asString(v resp.Value) (string, error) {
	switch v.Kind {
	case resp.KindBulk:
		return string(v.Bulk), nil
	case resp.KindSimpleString:
		return v.Str, nil
	case resp.KindNil:
		return "", nil
	default:
		return "", fmt.Errorf("not a string: %s", v.Kind)
	}
}

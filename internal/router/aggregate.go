package router

import (
	"hyperglide/internal/clienterr"
	"hyperglide/internal/resp"
)

// Aggregate folds the per-target replies of a fanned-out command into one
// logical result, according to policy (spec.md §4.6). errs[i] is the
// error for results[i], if any; exactly one of results[i]/errs[i] is set
// for each index. keyIndices, when non-nil, is the originating Target's
// KeyIndices for results[i]: AggCombineArrays uses it to scatter each
// node's array reply back into the position its key held in the original
// command, so fan-out order never leaks into positional results like MGET
// (spec.md §4.8). Pass nil when the targets carry no KeyIndices (e.g. the
// all-primaries fan-out behind KEYS, where element order is unspecified).
func Aggregate(policy AggregationPolicy, results []resp.Value, errs []error, keyIndices [][]int) (resp.Value, error) {
	switch policy {
	case AggNone:
		if len(results) == 0 {
			return resp.Value{Kind: resp.KindNil}, firstErr(errs)
		}
		return results[0], errs[0]

	case AggOneSucceeded:
		for i, err := range errs {
			if err == nil {
				return results[i], nil
			}
		}
		return resp.Value{}, firstErr(errs)

	case AggFirstSucceededNonEmptyOrAllEmpty:
		var lastOK resp.Value
		sawOK := false
		for i, err := range errs {
			if err != nil {
				continue
			}
			sawOK = true
			if !isEmpty(results[i]) {
				return results[i], nil
			}
			lastOK = results[i]
		}
		if sawOK {
			return lastOK, nil
		}
		return resp.Value{}, firstErr(errs)

	case AggAllSucceeded:
		if err := firstErr(errs); err != nil {
			return resp.Value{}, err
		}
		if len(results) == 0 {
			return resp.Value{Kind: resp.KindOK}, nil
		}
		return results[len(results)-1], nil

	case AggCombineArrays:
		if err := firstErr(errs); err != nil {
			return resp.Value{}, err
		}
		if keyIndices != nil {
			total := 0
			for _, idxs := range keyIndices {
				for _, idx := range idxs {
					if idx+1 > total {
						total = idx + 1
					}
				}
			}
			out := make([]resp.Value, total)
			for ri, v := range results {
				for j, idx := range keyIndices[ri] {
					if j < len(v.Array) {
						out[idx] = v.Array[j]
					}
				}
			}
			return resp.Value{Kind: resp.KindArray, Array: out}, nil
		}
		var out []resp.Value
		for _, v := range results {
			out = append(out, v.Array...)
		}
		return resp.Value{Kind: resp.KindArray, Array: out}, nil

	case AggCombineMaps:
		if err := firstErr(errs); err != nil {
			return resp.Value{}, err
		}
		var out []resp.KV
		for _, v := range results {
			out = append(out, v.Pairs...)
		}
		return resp.Value{Kind: resp.KindMap, Pairs: out}, nil

	case AggLogicalAnd:
		if err := firstErr(errs); err != nil {
			return resp.Value{}, err
		}
		all := int64(1)
		for _, v := range results {
			if v.Int == 0 {
				all = 0
				break
			}
		}
		return resp.Value{Kind: resp.KindInt, Int: all}, nil

	case AggMin:
		if err := firstErr(errs); err != nil {
			return resp.Value{}, err
		}
		if len(results) == 0 {
			return resp.Value{Kind: resp.KindNil}, nil
		}
		min := results[0].Int
		for _, v := range results[1:] {
			if v.Int < min {
				min = v.Int
			}
		}
		return resp.Value{Kind: resp.KindInt, Int: min}, nil

	case AggSum:
		if err := firstErr(errs); err != nil {
			return resp.Value{}, err
		}
		var sum int64
		for _, v := range results {
			sum += v.Int
		}
		return resp.Value{Kind: resp.KindInt, Int: sum}, nil

	case AggSpecial:
		// Command-specific folding (e.g. SCRIPT LOAD's "every node must
		// agree on one sha") lives with the command wrapper, out of scope
		// here; surface the per-node results as an array and let the
		// caller interpret them.
		var out []resp.Value
		out = append(out, results...)
		return resp.Value{Kind: resp.KindArray, Array: out}, firstErr(errs)

	default:
		return resp.Value{}, clienterr.New(clienterr.KindConfig, "unknown aggregation policy %d", policy)
	}
}

func firstErr(errs []error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

func isEmpty(v resp.Value) bool {
	switch v.Kind {
	case resp.KindNil:
		return true
	case resp.KindArray, resp.KindSet:
		return len(v.Array) == 0
	case resp.KindMap:
		return len(v.Pairs) == 0
	case resp.KindBulk:
		return len(v.Bulk) == 0
	default:
		return false
	}
}

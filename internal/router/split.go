package router

import "fmt"

// KeyGroup is one key and whatever arguments travel with it, extracted
// from a MultiSlotPattern command's argument vector. Index is the group's
// position in Split's output, i.e. the position its reply must land at in
// the reassembled result array, regardless of which node it is later routed
// to (spec.md §4.8, "assembles results in original command order").
type KeyGroup struct {
	Key   []byte
	Extra [][]byte // pattern-specific companion args (value, path, triple args...)
	Index int
}

// Split partitions a command's arguments into per-key groups according to
// pattern (spec.md §4.6's pattern table). suffix holds the shared trailing
// argument for KeysAndLastArg (e.g. JSON.MGET's path).
func Split(pattern SplitPattern, args [][]byte) (groups []KeyGroup, suffix []byte, err error) {
	switch pattern {
	case PatternKeysOnly:
		for i, k := range args {
			groups = append(groups, KeyGroup{Key: k, Index: i})
		}
		return groups, nil, nil

	case PatternKeyValuePairs:
		if len(args)%2 != 0 {
			return nil, nil, fmt.Errorf("router: key/value pattern needs an even argument count, got %d", len(args))
		}
		for i := 0; i+1 < len(args); i += 2 {
			groups = append(groups, KeyGroup{Key: args[i], Extra: [][]byte{args[i+1]}, Index: i / 2})
		}
		return groups, nil, nil

	case PatternKeysAndLastArg:
		if len(args) < 2 {
			return nil, nil, fmt.Errorf("router: keys-and-last-arg pattern needs at least 2 arguments, got %d", len(args))
		}
		suffix = args[len(args)-1]
		for i, k := range args[:len(args)-1] {
			groups = append(groups, KeyGroup{Key: k, Index: i})
		}
		return groups, suffix, nil

	case PatternKeyWithTwoArgTriples:
		if len(args)%3 != 0 {
			return nil, nil, fmt.Errorf("router: key-with-two-arg-triples pattern needs a multiple-of-3 argument count, got %d", len(args))
		}
		for i := 0; i+2 < len(args); i += 3 {
			groups = append(groups, KeyGroup{Key: args[i], Extra: [][]byte{args[i+1], args[i+2]}, Index: i / 3})
		}
		return groups, nil, nil

	default:
		return nil, nil, fmt.Errorf("router: unsupported split pattern %d", pattern)
	}
}

// Rebuild reassembles one node's share of a split command back into a
// single wire-ready argument vector, in the same pattern-specific shape
// Split took apart (spec.md §4.6).
func Rebuild(name string, pattern SplitPattern, groups []KeyGroup, suffix []byte) Command {
	args := make([][]byte, 0, len(groups)*2)
	switch pattern {
	case PatternKeysOnly:
		for _, g := range groups {
			args = append(args, g.Key)
		}
	case PatternKeyValuePairs:
		for _, g := range groups {
			args = append(args, g.Key)
			args = append(args, g.Extra...)
		}
	case PatternKeysAndLastArg:
		for _, g := range groups {
			args = append(args, g.Key)
		}
		args = append(args, suffix)
	case PatternKeyWithTwoArgTriples:
		for _, g := range groups {
			args = append(args, g.Key)
			args = append(args, g.Extra...)
		}
	}
	return Command{Name: name, Args: args}
}

package batch

import (
	"context"

	"hyperglide/internal/clienterr"
	"hyperglide/internal/resp"
	"hyperglide/internal/router"
	"hyperglide/internal/slotmap"
	"hyperglide/pkg/config"
)

// executeAtomic routes b's commands to one node (the first key's owner, or
// RouteOverride) and runs MULTI, each queued command, then EXEC on a
// single connection without interleaving (spec.md §4.8). On any
// connection error mid-transaction the whole batch fails with a
// KindConnection error; the caller may retry the whole batch after a
// topology refresh, but executeAtomic itself never retries partway
// through, since a transaction can't be half-replayed on a different node.
func (e *Executor) executeAtomic(ctx context.Context, b Batch) (resp.Value, error) {
	if len(b.Commands) == 0 {
		return resp.Value{Kind: resp.KindArray}, nil
	}

	node, err := e.resolveAtomicNode(ctx, b)
	if err != nil {
		return resp.Value{}, err
	}

	c, err := e.runner.Connection(ctx, node)
	if err != nil {
		return resp.Value{}, clienterr.Wrap(clienterr.KindConnection, err, "acquire connection for atomic batch")
	}

	deadline := deadlineFrom(ctx, b.Timeout)

	// SendRaw's error already carries the right Kind (KindServer for a
	// RESP error reply, KindExecAbort for EXEC's own EXECABORT,
	// KindConnection/Timeout/Cancelled otherwise), so each step surfaces
	// it unwrapped rather than relabeling it. The one exception is a
	// KindServer error while queuing a command: the server then aborts the
	// transaction, so EXEC is still sent and its EXECABORT is what surfaces.
	if _, err := e.runner.SendRaw(ctx, c, deadline, router.Command{Name: "MULTI"}); err != nil {
		return resp.Value{}, err
	}

	for _, cmd := range b.Commands {
		if _, err := e.runner.SendRaw(ctx, c, deadline, cmd); err != nil {
			if ce, ok := clienterr.As(err); ok && ce.Kind == clienterr.KindServer {
				continue
			}
			return resp.Value{}, err
		}
	}

	v, err := e.runner.SendRaw(ctx, c, deadline, router.Command{Name: "EXEC"})
	if err != nil {
		return resp.Value{}, err
	}
	return v, nil
}

// resolveAtomicNode picks the single node an atomic batch must run on: an
// explicit RouteOverride if given, else the owner of the one slot every
// command's keys must share.
func (e *Executor) resolveAtomicNode(ctx context.Context, b Batch) (slotmap.NodeID, error) {
	if b.RouteOverride != nil {
		return e.runner.ResolveNode(ctx, b.Commands[0], b.RouteOverride)
	}
	if !e.clusterMode {
		return e.runner.ResolveNode(ctx, b.Commands[0], nil)
	}

	var slot uint16
	var firstKey []byte
	haveSlot := false
	for _, cmd := range b.Commands {
		for _, key := range extractKeys(cmd) {
			s := slotmap.Slot(string(key))
			if !haveSlot {
				slot, firstKey, haveSlot = s, key, true
				continue
			}
			if s != slot {
				return "", clienterr.New(clienterr.KindCrossSlot,
					"atomic batch keys span multiple slots (%d and %d)", slot, s)
			}
		}
	}
	if !haveSlot {
		return "", clienterr.New(clienterr.KindConfig,
			"atomic batch has no routable key; supply a RouteOverride")
	}
	return e.runner.ResolveNode(ctx, router.Command{Name: b.Commands[0].Name, Args: [][]byte{firstKey}},
		router.RouteSlotByKey{Key: firstKey, Pref: config.Primary})
}

// extractKeys returns the routable keys a command carries, reusing the
// router's own classification so an atomic batch's cross-slot check
// covers multi-key shapes (MSET, JSON.MSET) the same way C6 would split
// them for a non-atomic fan-out.
func extractKeys(cmd router.Command) [][]byte {
	spec := router.Classify(cmd.Name)
	if spec.Pattern != router.PatternNone {
		groups, _, err := router.Split(spec.Pattern, cmd.Args)
		if err != nil {
			return nil
		}
		keys := make([][]byte, len(groups))
		for i, g := range groups {
			keys[i] = g.Key
		}
		return keys
	}
	if (spec.Kind == router.KindSingleKey || spec.Kind == router.KindMultiKeySameSlot) && len(cmd.Args) > 0 {
		return [][]byte{cmd.Args[0]}
	}
	return nil
}

package router

import (
	"hyperglide/internal/slotmap"
	"hyperglide/pkg/config"
)

// Route is the tagged sum a caller may supply (or C6 may infer) to pin a
// command's destination (spec.md §3, "Route").
type Route interface{ isRoute() }

type RouteAllPrimaries struct{}
type RouteAllNodes struct{}
type RouteRandom struct{}
type RouteSlotByKey struct {
	Key  []byte
	Pref config.ReadFrom
}
type RouteSlotByID struct {
	Slot uint16
	Pref config.ReadFrom
}
type RouteByAddress struct {
	Host string
	Port int
}

func (RouteAllPrimaries) isRoute() {}
func (RouteAllNodes) isRoute()     {}
func (RouteRandom) isRoute()       {}
func (RouteSlotByKey) isRoute()    {}
func (RouteSlotByID) isRoute()     {}
func (RouteByAddress) isRoute()    {}

// Target is one resolved (node, command) pair ready to hand to the
// connection pool. KeyIndices is set only for a resolveMultiSlot target: it
// carries, for each element of that node's array reply in order, the
// position the element must be scattered back into in the reassembled
// result (nil for every other route kind, where no reordering is needed).
type Target struct {
	Node       slotmap.NodeID
	Cmd        Command
	KeyIndices []int
}

package slotmap

import "strings"

// NodeLine is one parsed row of a CLUSTER NODES reply, kept for reporting
// and diagnostics only (the client itself, GetStats included, never
// parses CLUSTER NODES) — routing decisions are always
// built from CLUSTER SHARDS/SLOTS, never from this text format
// (spec.md §4.4).
type NodeLine struct {
	ID        string
	Address   string
	Flags     []string
	Master    string // master node ID, empty for primaries
	PingSent  int64
	PongRecv  int64
	ConfigEpoch int64
	LinkState string
	Slots     []string // raw slot range tokens, e.g. "0-5460"
}

// ParseClusterNodes parses the plain-text CLUSTER NODES bulk reply into
// one NodeLine per cluster member.
func ParseClusterNodes(text string) []NodeLine {
	var out []NodeLine
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 8 {
			continue
		}
		nl := NodeLine{
			ID:      fields[0],
			Address: fields[1],
			Flags:   strings.Split(fields[2], ","),
			Master:  fields[3],
			LinkState: fields[7],
		}
		if nl.Master == "-" {
			nl.Master = ""
		}
		if len(fields) > 8 {
			nl.Slots = fields[8:]
		}
		out = append(out, nl)
	}
	return out
}

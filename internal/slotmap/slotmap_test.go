package slotmap

import (
	"testing"

	"hyperglide/internal/resp"
)

func TestSlotKnownVectors(t *testing.T) {
	// Cross-checked against the well-known Redis Cluster CRC16 vectors.
	cases := []struct {
		key  string
		slot uint16
	}{
		{"123456789", 0x31C3 % RedisHashSlots},
	}
	for _, c := range cases {
		if got := Slot(c.key); got != c.slot {
			t.Errorf("Slot(%q) = %d, want %d", c.key, got, c.slot)
		}
	}
}

func TestSlotHashTag(t *testing.T) {
	if Slot("{user1000}.following") != Slot("{user1000}.followers") {
		t.Fatal("keys sharing a hash tag must map to the same slot")
	}
	if Slot("foo{}bar") != Slot("foo{}bar") {
		t.Fatal("empty hash tag should fall back to whole key, deterministically")
	}
}

func TestSlotEmptyTagUsesWholeKey(t *testing.T) {
	if Slot("foo{}bar") == Slot("{}") {
		// different whole keys with degenerate tags shouldn't collide
		// merely because both have "{}" in them
		t.Fatal("an empty hash tag must fall back to hashing the whole key")
	}
}

func TestHashTagExtraction(t *testing.T) {
	cases := map[string]string{
		"{user1000}.following": "user1000",
		"foo{bar}{baz}":        "bar",
		"foo{}bar":             "foo{}bar",
		"nobrace":              "nobrace",
		"{unterminated":        "{unterminated",
	}
	for key, want := range cases {
		if got := hashTag(key); got != want {
			t.Errorf("hashTag(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestTableSwapIsAtomic(t *testing.T) {
	tbl := NewTable()
	empty := tbl.Current()
	if _, ok := empty.OwnerOf("anykey"); ok {
		t.Fatal("freshly created table should report no owners")
	}

	m := &SlotMap{Nodes: map[NodeID]NodeInfo{"n1:6379": {ID: "n1:6379", IsMaster: true}}}
	for i := range m.Slots {
		m.Slots[i] = Owner{Primary: "n1:6379"}
	}
	tbl.Swap(m)

	cur := tbl.Current()
	owner, ok := cur.OwnerOf("anykey")
	if !ok || owner.Primary != "n1:6379" {
		t.Fatalf("got %+v, %v", owner, ok)
	}
	if cur.Version != 2 {
		t.Fatalf("Version = %d, want 2 (empty table starts at 1)", cur.Version)
	}
}

func TestBuildFromClusterSlots(t *testing.T) {
	// [ [0,5460,[master],[replica]], [5461,10922,[master2]] ]
	reply := resp.Value{
		Kind: resp.KindArray,
		Array: []resp.Value{
			{Kind: resp.KindArray, Array: []resp.Value{
				{Kind: resp.KindInt, Int: 0},
				{Kind: resp.KindInt, Int: 5460},
				{Kind: resp.KindArray, Array: []resp.Value{
					{Kind: resp.KindBulk, Bulk: []byte("10.0.0.1")},
					{Kind: resp.KindInt, Int: 6379},
					{Kind: resp.KindBulk, Bulk: []byte("nodeid-1")},
				}},
				{Kind: resp.KindArray, Array: []resp.Value{
					{Kind: resp.KindBulk, Bulk: []byte("10.0.0.2")},
					{Kind: resp.KindInt, Int: 6379},
					{Kind: resp.KindBulk, Bulk: []byte("nodeid-2")},
				}},
			}},
			{Kind: resp.KindArray, Array: []resp.Value{
				{Kind: resp.KindInt, Int: 5461},
				{Kind: resp.KindInt, Int: 10922},
				{Kind: resp.KindArray, Array: []resp.Value{
					{Kind: resp.KindBulk, Bulk: []byte("10.0.0.3")},
					{Kind: resp.KindInt, Int: 6379},
					{Kind: resp.KindBulk, Bulk: []byte("nodeid-3")},
				}},
			}},
		},
	}

	m, err := BuildFromClusterSlots(reply)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	owner, ok := m.OwnerOfSlot(0)
	if !ok || owner.Primary != "10.0.0.1:6379" {
		t.Fatalf("got %+v", owner)
	}
	if len(owner.Replicas) != 1 || owner.Replicas[0] != "10.0.0.2:6379" {
		t.Fatalf("replicas = %+v", owner.Replicas)
	}
	owner2, ok := m.OwnerOfSlot(10922)
	if !ok || owner2.Primary != "10.0.0.3:6379" {
		t.Fatalf("got %+v", owner2)
	}
	if len(m.AllPrimaries()) != 2 {
		t.Fatalf("AllPrimaries = %+v", m.AllPrimaries())
	}
}

func TestBuildFromClusterShardsRESP2Style(t *testing.T) {
	reply := resp.Value{
		Kind: resp.KindArray,
		Array: []resp.Value{
			{Kind: resp.KindArray, Array: []resp.Value{
				{Kind: resp.KindBulk, Bulk: []byte("slots")},
				{Kind: resp.KindArray, Array: []resp.Value{
					{Kind: resp.KindInt, Int: 0},
					{Kind: resp.KindInt, Int: 16383},
				}},
				{Kind: resp.KindBulk, Bulk: []byte("nodes")},
				{Kind: resp.KindArray, Array: []resp.Value{
					{Kind: resp.KindArray, Array: []resp.Value{
						{Kind: resp.KindBulk, Bulk: []byte("id")},
						{Kind: resp.KindBulk, Bulk: []byte("nodeid-1")},
						{Kind: resp.KindBulk, Bulk: []byte("ip")},
						{Kind: resp.KindBulk, Bulk: []byte("10.0.0.1")},
						{Kind: resp.KindBulk, Bulk: []byte("port")},
						{Kind: resp.KindInt, Int: 6379},
						{Kind: resp.KindBulk, Bulk: []byte("role")},
						{Kind: resp.KindBulk, Bulk: []byte("master")},
						{Kind: resp.KindBulk, Bulk: []byte("az")},
						{Kind: resp.KindBulk, Bulk: []byte("us-east-1a")},
					}},
				}},
			}},
		},
	}

	m, err := BuildFromClusterShards(reply)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	owner, ok := m.OwnerOfSlot(100)
	if !ok || owner.Primary != "10.0.0.1:6379" {
		t.Fatalf("got %+v", owner)
	}
	if m.Nodes["10.0.0.1:6379"].AZ != "us-east-1a" {
		t.Fatalf("AZ = %q", m.Nodes["10.0.0.1:6379"].AZ)
	}
}

func TestParseClusterNodes(t *testing.T) {
	text := "07c37dfeb235213a872192d90877d0cd55635b91 127.0.0.1:30004@31004 slave e7d1eecce10fd6bb5eb35b9f99a514335d9ba9ca 0 1426238317239 4 connected\n" +
		"67ed2db8d677e59ec4a4cefb06858cf2a1a89fa1 127.0.0.1:30002@31002 master - 0 1426238316232 2 connected 5461-10922\n"

	nodes := ParseClusterNodes(text)
	if len(nodes) != 2 {
		t.Fatalf("got %d nodes", len(nodes))
	}
	if nodes[1].Master != "" {
		t.Fatalf("master row should have empty Master field, got %q", nodes[1].Master)
	}
	if len(nodes[1].Slots) != 1 || nodes[1].Slots[0] != "5461-10922" {
		t.Fatalf("Slots = %+v", nodes[1].Slots)
	}
}

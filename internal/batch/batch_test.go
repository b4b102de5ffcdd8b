package batch

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"hyperglide/internal/clienterr"
	"hyperglide/internal/exec"
	"hyperglide/internal/inflight"
	"hyperglide/internal/pool"
	"hyperglide/internal/resp"
	"hyperglide/internal/router"
	"hyperglide/internal/slotmap"
	"hyperglide/internal/testserver"
	"hyperglide/pkg/config"
)

func mustSplit(t *testing.T, addr string) config.NodeAddress {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("port %q: %v", portStr, err)
	}
	return config.NodeAddress{Host: host, Port: port}
}

func handshakeOK(cmd string) (string, bool) {
	switch cmd {
	case "CLIENT", "HELLO", "SELECT", "AUTH", "READONLY":
		return "+OK\r\n", true
	default:
		return "", false
	}
}

func newStandaloneExecutor(t *testing.T, addr config.NodeAddress) *Executor {
	t.Helper()
	table := slotmap.NewTable()
	reg := inflight.NewRegistry(0)
	p := pool.New(config.ClientConfig{Protocol: config.RESP2}, reg, nil)
	rt := router.New(table, config.ClientConfig{ClusterMode: false})
	runner := exec.New(table, rt, p, reg, false, []config.NodeAddress{addr})
	return New(runner, false)
}

func TestExecuteAtomicRunsMultiExecOnOneConnection(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	addr, stop := testserver.Start(t, func(cmd string, args []string) string {
		if reply, ok := handshakeOK(cmd); ok {
			return reply
		}
		mu.Lock()
		seen = append(seen, cmd)
		mu.Unlock()
		switch cmd {
		case "MULTI":
			return "+OK\r\n"
		case "SET":
			return "+QUEUED\r\n"
		case "EXEC":
			return "*1\r\n+OK\r\n"
		default:
			return "+OK\r\n"
		}
	})
	defer stop()

	e := newStandaloneExecutor(t, mustSplit(t, addr))
	b := Batch{
		Atomic:   true,
		Commands: []router.Command{{Name: "SET", Args: [][]byte{[]byte("k"), []byte("v")}}},
	}
	out, err := e.Execute(context.Background(), b, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, ok := out.(resp.Value)
	if !ok || v.Kind != resp.KindArray || len(v.Array) != 1 {
		t.Fatalf("got %+v", out)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 || seen[0] != "MULTI" || seen[1] != "SET" || seen[2] != "EXEC" {
		t.Fatalf("unexpected command sequence: %v", seen)
	}
}

func TestExecuteAtomicCrossSlotFailsBeforeTransmission(t *testing.T) {
	table := slotmap.NewTable()
	m := &slotmap.SlotMap{Nodes: map[slotmap.NodeID]slotmap.NodeInfo{
		"n1:6379": {ID: "n1:6379", IsMaster: true},
		"n2:6379": {ID: "n2:6379", IsMaster: true},
	}}
	half := slotmap.RedisHashSlots / 2
	for s := 0; s < half; s++ {
		m.Slots[s] = slotmap.Owner{Primary: "n1:6379"}
	}
	for s := half; s < slotmap.RedisHashSlots; s++ {
		m.Slots[s] = slotmap.Owner{Primary: "n2:6379"}
	}
	table.Swap(m)

	reg := inflight.NewRegistry(0)
	p := pool.New(config.ClientConfig{Protocol: config.RESP2}, reg, nil)
	rt := router.New(table, config.ClientConfig{ClusterMode: true})
	runner := exec.New(table, rt, p, reg, true, nil)
	e := New(runner, true)

	b := Batch{
		Atomic: true,
		Commands: []router.Command{
			{Name: "SET", Args: [][]byte{[]byte("{0}"), []byte("v")}},
			{Name: "SET", Args: [][]byte{[]byte("{16000}"), []byte("v")}},
		},
	}
	_, err := e.Execute(context.Background(), b, false)
	got, ok := clienterr.As(err)
	if !ok || got.Kind != clienterr.KindCrossSlot {
		t.Fatalf("expected CrossSlot error, got %v", err)
	}
}

func TestExecuteAtomicSurfacesExecAbort(t *testing.T) {
	addr, stop := testserver.Start(t, func(cmd string, args []string) string {
		if reply, ok := handshakeOK(cmd); ok {
			return reply
		}
		switch cmd {
		case "MULTI":
			return "+OK\r\n"
		case "SET":
			return "-ERR wrong number of arguments\r\n"
		case "EXEC":
			return "-EXECABORT Transaction discarded because of previous errors.\r\n"
		default:
			return "+OK\r\n"
		}
	})
	defer stop()

	e := newStandaloneExecutor(t, mustSplit(t, addr))
	b := Batch{
		Atomic:   true,
		Commands: []router.Command{{Name: "SET", Args: [][]byte{[]byte("k")}}},
	}
	_, err := e.Execute(context.Background(), b, false)
	got, ok := clienterr.As(err)
	if !ok || got.Kind != clienterr.KindExecAbort {
		t.Fatalf("expected ExecAbort error, got %v", err)
	}
}

func TestExecutePipelineAssemblesInOrder(t *testing.T) {
	addr, stop := testserver.Start(t, func(cmd string, args []string) string {
		if reply, ok := handshakeOK(cmd); ok {
			return reply
		}
		switch cmd {
		case "GET":
			if len(args) > 0 && args[0] == "missing" {
				return "$-1\r\n"
			}
			return "$2\r\nok\r\n"
		default:
			return "+OK\r\n"
		}
	})
	defer stop()

	e := newStandaloneExecutor(t, mustSplit(t, addr))
	b := Batch{
		Commands: []router.Command{
			{Name: "GET", Args: [][]byte{[]byte("a")}},
			{Name: "GET", Args: [][]byte{[]byte("missing")}},
			{Name: "GET", Args: [][]byte{[]byte("b")}},
		},
		Timeout: 2 * time.Second,
	}
	out, err := e.Execute(context.Background(), b, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	results, ok := out.([]Result)
	if !ok || len(results) != 3 {
		t.Fatalf("got %+v", out)
	}
	if results[0].Value.Kind != resp.KindBulk || string(results[0].Value.Bulk) != "ok" {
		t.Fatalf("got %+v", results[0])
	}
	if results[1].Value.Kind != resp.KindNil {
		t.Fatalf("expected nil for missing key, got %+v", results[1])
	}
}

func TestExecutePipelineRaiseOnErrorReturnsFirstError(t *testing.T) {
	addr, stop := testserver.Start(t, func(cmd string, args []string) string {
		if reply, ok := handshakeOK(cmd); ok {
			return reply
		}
		if cmd == "GET" {
			return "-ERR boom\r\n"
		}
		return "+OK\r\n"
	})
	defer stop()

	e := newStandaloneExecutor(t, mustSplit(t, addr))
	b := Batch{
		Commands: []router.Command{
			{Name: "GET", Args: [][]byte{[]byte("a")}},
		},
	}
	_, err := e.Execute(context.Background(), b, true)
	if err == nil {
		t.Fatal("expected an error")
	}
}

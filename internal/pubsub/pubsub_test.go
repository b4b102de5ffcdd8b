package pubsub

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"hyperglide/internal/conn"
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

func dialWithTap(t *testing.T, addr config.NodeAddress, tap conn.PushHandler) *conn.Connection {
	t.Helper()
	c, err := conn.Dial(context.Background(), conn.Options{
		Address:  addr,
		Protocol: config.RESP3,
		PushTap:  tap,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c
}

func TestSubscribeDeliversMessage(t *testing.T) {
	m := NewManager(0)
	addr, stop := testserver.StartRaw(t, func(c net.Conn, cmd string, args []string) {
		if cmd == "SUBSCRIBE" {
			c.Write([]byte(">3\r\n$9\r\nsubscribe\r\n$2\r\nch\r\n:1\r\n"))
			c.Write([]byte(">3\r\n$7\r\nmessage\r\n$2\r\nch\r\n$5\r\nhello\r\n"))
		}
	})
	defer stop()

	c := dialWithTap(t, mustSplit(t, addr), m)
	defer c.Close()
	if err := m.SetConnection(c); err != nil {
		t.Fatalf("SetConnection: %v", err)
	}

	sub, err := m.Subscribe(ModeExact, "ch")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if msg.Channel != "ch" || string(msg.Payload) != "hello" || msg.Mode != ModeExact {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestSubscribePatternCarriesPattern(t *testing.T) {
	m := NewManager(0)
	addr, stop := testserver.StartRaw(t, func(c net.Conn, cmd string, args []string) {
		if cmd == "PSUBSCRIBE" {
			c.Write([]byte(">3\r\n$10\r\npsubscribe\r\n$3\r\nch*\r\n:1\r\n"))
			c.Write([]byte(">4\r\n$8\r\npmessage\r\n$3\r\nch*\r\n$3\r\nch1\r\n$5\r\nhello\r\n"))
		}
	})
	defer stop()

	c := dialWithTap(t, mustSplit(t, addr), m)
	defer c.Close()
	if err := m.SetConnection(c); err != nil {
		t.Fatalf("SetConnection: %v", err)
	}

	sub, err := m.Subscribe(ModePattern, "ch*")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if msg.Pattern != "ch*" || msg.Channel != "ch1" || string(msg.Payload) != "hello" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestSubscriberQueueDropsOldestOnOverflow(t *testing.T) {
	s := newSubscriber(2)
	s.deliver(Message{Channel: "ch", Payload: []byte("1")})
	s.deliver(Message{Channel: "ch", Payload: []byte("2")})
	s.deliver(Message{Channel: "ch", Payload: []byte("3")})

	if s.Dropped() != 1 {
		t.Fatalf("expected 1 dropped, got %d", s.Dropped())
	}
	first := <-s.Messages()
	if string(first.Payload) != "2" {
		t.Fatalf("expected oldest (1) dropped, got %q first", first.Payload)
	}
}

func TestSetConnectionReplaysActiveSubscriptions(t *testing.T) {
	m := NewManager(0)

	var mu sync.Mutex
	var firstSeen []string
	addr1, stop1 := testserver.StartRaw(t, func(c net.Conn, cmd string, args []string) {
		mu.Lock()
		firstSeen = append(firstSeen, cmd)
		mu.Unlock()
		if cmd == "SUBSCRIBE" {
			c.Write([]byte(">3\r\n$9\r\nsubscribe\r\n$2\r\nch\r\n:1\r\n"))
		}
	})
	defer stop1()

	c1 := dialWithTap(t, mustSplit(t, addr1), m)
	defer c1.Close()
	if err := m.SetConnection(c1); err != nil {
		t.Fatalf("SetConnection c1: %v", err)
	}
	if _, err := m.Subscribe(ModeExact, "ch"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	var secondSeen []string
	addr2, stop2 := testserver.StartRaw(t, func(c net.Conn, cmd string, args []string) {
		mu.Lock()
		secondSeen = append(secondSeen, cmd)
		mu.Unlock()
		if cmd == "SUBSCRIBE" {
			c.Write([]byte(">3\r\n$9\r\nsubscribe\r\n$2\r\nch\r\n:1\r\n"))
		}
	})
	defer stop2()

	c2 := dialWithTap(t, mustSplit(t, addr2), m)
	defer c2.Close()
	if err := m.SetConnection(c2); err != nil {
		t.Fatalf("SetConnection c2 (reconnect): %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, cmd := range secondSeen {
		if cmd == "SUBSCRIBE" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected SUBSCRIBE replayed on reconnect, saw %v", secondSeen)
	}
}

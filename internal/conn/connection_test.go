package conn

import (
	"context"
	"net"
	"testing"
	"time"

	"hyperglide/internal/inflight"
	"hyperglide/internal/testserver"
	"hyperglide/pkg/config"
)

func parseHostPort(t *testing.T, addr string) config.NodeAddress {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	var port int
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	return config.NodeAddress{Host: host, Port: port}
}

func TestDialHandshakeAndSend(t *testing.T) {
	addr, stop := testserver.Start(t, func(cmd string, args []string) string {
		switch cmd {
		case "HELLO":
			return "%1\r\n$6\r\nserver\r\n$6\r\nvalkey\r\n"
		case "CLIENT":
			return "+OK\r\n"
		case "PING":
			return "+PONG\r\n"
		case "GET":
			return "$5\r\nhello\r\n"
		default:
			return "+OK\r\n"
		}
	})
	defer stop()

	reg := inflight.NewRegistry(0)
	c, err := Dial(context.Background(), Options{
		Address:  parseHostPort(t, addr),
		Protocol: config.RESP3,
		Registry: reg,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if c.State() != StateReady {
		t.Fatalf("State() = %v, want Ready", c.State())
	}

	reg.TryAdmit()
	_, done, err := c.Send(time.Time{}, "GET", "foo")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case res := <-done:
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		if string(res.Value.Bulk) != "hello" {
			t.Fatalf("got %+v", res.Value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

// TestDialToleratesSetinfoFailure covers an ACL-restricted server that
// rejects +client|setinfo: the handshake must still complete and Dial must
// still succeed, rather than failing every new connection over it.
func TestDialToleratesSetinfoFailure(t *testing.T) {
	addr, stop := testserver.Start(t, func(cmd string, args []string) string {
		switch cmd {
		case "HELLO":
			return "%1\r\n$6\r\nserver\r\n$6\r\nvalkey\r\n"
		case "CLIENT":
			if len(args) > 0 && args[0] == "SETINFO" {
				return "-NOPERM this user has no permissions to run the 'client|setinfo' command\r\n"
			}
			return "+OK\r\n"
		case "PING":
			return "+PONG\r\n"
		default:
			return "+OK\r\n"
		}
	})
	defer stop()

	reg := inflight.NewRegistry(0)
	c, err := Dial(context.Background(), Options{
		Address:  parseHostPort(t, addr),
		Protocol: config.RESP3,
		Registry: reg,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if c.State() != StateReady {
		t.Fatalf("State() = %v, want Ready despite CLIENT SETINFO failing", c.State())
	}
}

func TestFIFOOrdering(t *testing.T) {
	addr, stop := testserver.Start(t, func(cmd string, args []string) string {
		switch cmd {
		case "HELLO":
			return "%1\r\n$6\r\nserver\r\n$6\r\nvalkey\r\n"
		case "CLIENT":
			return "+OK\r\n"
		case "ECHO":
			return "$" + itoa(len(args[0])) + "\r\n" + args[0] + "\r\n"
		default:
			return "+OK\r\n"
		}
	})
	defer stop()

	reg := inflight.NewRegistry(0)
	c, err := Dial(context.Background(), Options{
		Address:  parseHostPort(t, addr),
		Protocol: config.RESP3,
		Registry: reg,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	var dones []<-chan inflight.Result
	for i := 0; i < 5; i++ {
		reg.TryAdmit()
		_, done, err := c.Send(time.Time{}, "ECHO", itoa(i))
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		dones = append(dones, done)
	}

	for i, done := range dones {
		select {
		case res := <-done:
			if string(res.Value.Bulk) != itoa(i) {
				t.Fatalf("reply %d out of order: got %q", i, res.Value.Bulk)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for reply %d", i)
		}
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

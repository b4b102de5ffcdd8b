// Package testserver is a minimal stand-in Valkey/Redis server for package
// tests: it accepts one connection, decodes RESP commands, and hands them to
// a caller-supplied callback for a reply. Every package under internal/ that
// needs a socket to dial against (conn, exec, batch, pubsub) used to carry
// its own copy of this; this is that copy, generalized once.
package testserver

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"testing"

	"hyperglide/internal/resp"
)

// Start launches a server that decodes each incoming command with the
// streaming RESP decoder and writes back whatever respond returns. Use this
// for request/reply-shaped tests where every reply fits in one formatted
// string.
func Start(t *testing.T, respond func(cmd string, args []string) string) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		dec := resp.NewDecoder()
		br := bufio.NewReaderSize(c, 4096)
		buf := make([]byte, 4096)
		for {
			v, err := dec.Next()
			if err == resp.ErrNeedMore {
				n, rerr := br.Read(buf)
				if n > 0 {
					dec.Feed(buf[:n])
				}
				if rerr != nil {
					return
				}
				continue
			}
			if err != nil {
				return
			}
			if v.Kind != resp.KindArray || len(v.Array) == 0 {
				continue
			}
			cmd := strings.ToUpper(string(v.Array[0].Bulk))
			args := make([]string, 0, len(v.Array)-1)
			for _, a := range v.Array[1:] {
				args = append(args, string(a.Bulk))
			}
			reply := respond(cmd, args)
			if reply == "" {
				continue
			}
			if _, err := c.Write([]byte(reply)); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

// StartRaw launches a server that auto-acknowledges the connection handshake
// (HELLO/CLIENT/SELECT/AUTH/READONLY, all answered with +OK) and otherwise
// hands onCommand the raw net.Conn to write whatever it wants directly — one
// or several frames, including RESP3 push frames a single formatted-string
// reply can't express. Use this for pub/sub and multi-frame tests.
func StartRaw(t *testing.T, onCommand func(c net.Conn, cmd string, args []string)) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		br := bufio.NewReader(c)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			if !strings.HasPrefix(line, "*") {
				continue
			}
			n, _ := strconv.Atoi(strings.TrimSpace(line[1:]))
			fields := make([]string, 0, n)
			for i := 0; i < n; i++ {
				if _, err := br.ReadString('\n'); err != nil { // $<len>
					return
				}
				val, err := br.ReadString('\n')
				if err != nil {
					return
				}
				fields = append(fields, strings.TrimRight(val, "\r\n"))
			}
			if len(fields) == 0 {
				continue
			}
			cmd := strings.ToUpper(fields[0])
			switch cmd {
			case "HELLO", "CLIENT", "SELECT", "AUTH", "READONLY":
				c.Write([]byte("+OK\r\n"))
			default:
				onCommand(c, cmd, fields[1:])
			}
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

package conn

import (
	"context"
	"fmt"
	"strconv"

	"hyperglide/internal/clienterr"
	"hyperglide/internal/logging"
	"hyperglide/internal/resp"
	"hyperglide/pkg/config"
)

// handshake runs the fixed sequence of setup commands every new
// connection needs before it can serve application traffic: HELLO (RESP3
// negotiation + AUTH), SELECT, CLIENT SETNAME, CLIENT SETINFO, and
// (for replica connections) READONLY. It talks to the socket directly,
// synchronously, before the read pump starts (SPEC_FULL.md §4.2, and the
// "Handshake" entry of its glossary).
func (c *Connection) handshake(ctx context.Context) error {
	if c.opts.Protocol == config.RESP3 {
		args := []string{"HELLO", "3"}
		if c.opts.Username != "" || c.opts.Password != "" {
			args = append(args, "AUTH", c.opts.Username, c.opts.Password)
		}
		if _, err := c.roundTrip(args...); err != nil {
			return clienterr.Wrap(clienterr.KindConnection, err, "HELLO handshake")
		}
	} else if c.opts.Password != "" {
		args := []string{"AUTH"}
		if c.opts.Username != "" {
			args = append(args, c.opts.Username)
		}
		args = append(args, c.opts.Password)
		if _, err := c.roundTrip(args...); err != nil {
			return clienterr.Wrap(clienterr.KindConnection, err, "AUTH")
		}
	}

	if c.opts.DatabaseID != 0 {
		if _, err := c.roundTrip("SELECT", strconv.Itoa(c.opts.DatabaseID)); err != nil {
			return clienterr.Wrap(clienterr.KindConnection, err, "SELECT %d", c.opts.DatabaseID)
		}
	}

	name := c.opts.ClientName
	if name == "" {
		name = "hyperglide"
	}
	if _, err := c.roundTrip("CLIENT", "SETNAME", name); err != nil {
		return clienterr.Wrap(clienterr.KindConnection, err, "CLIENT SETNAME")
	}
	// CLIENT SETINFO is best-effort: a server with ACL restrictions on
	// +client|setinfo (or an old server that doesn't know the subcommand)
	// must not fail the handshake over it, or every new connection would
	// retry into the same wall (spec.md §4.2, §7).
	if _, err := c.roundTrip("CLIENT", "SETINFO", "lib-name", "hyperglide-go"); err != nil {
		logging.Warn(ctx, logging.ComponentConn, logging.ActionHandshake,
			"CLIENT SETINFO lib-name failed, continuing", map[string]interface{}{"error": err.Error()})
	}
	if _, err := c.roundTrip("CLIENT", "SETINFO", "lib-ver", libVersion); err != nil {
		logging.Warn(ctx, logging.ComponentConn, logging.ActionHandshake,
			"CLIENT SETINFO lib-ver failed, continuing", map[string]interface{}{"error": err.Error()})
	}

	if c.opts.ReadOnly {
		if _, err := c.roundTrip("READONLY"); err != nil {
			return clienterr.Wrap(clienterr.KindConnection, err, "READONLY")
		}
	}

	return nil
}

// libVersion is reported to the server via CLIENT SETINFO lib-ver.
const libVersion = "0.1.0"

// roundTrip writes one command and synchronously decodes its single
// reply, bypassing the registry and FIFO entirely — only valid before the
// read pump has started.
func (c *Connection) roundTrip(args ...string) (resp.Value, error) {
	frame := resp.EncodeStrings(nil, args...)
	if _, err := c.conn.Write(frame); err != nil {
		return resp.Value{}, err
	}

	buf := make([]byte, 4096)
	for {
		v, err := c.dec.Next()
		if err == resp.ErrNeedMore {
			n, rerr := c.br.Read(buf)
			if n > 0 {
				c.dec.Feed(buf[:n])
			}
			if rerr != nil {
				return resp.Value{}, rerr
			}
			continue
		}
		if err != nil {
			return resp.Value{}, err
		}
		if v.Kind == resp.KindError {
			return v, fmt.Errorf("%s", v.ErrMessage)
		}
		return v, nil
	}
}

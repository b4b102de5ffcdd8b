// Package conn implements a single connection to a Valkey/Redis node
// (SPEC_FULL.md §4.2 / C2): dialing, the HELLO/AUTH/SELECT handshake,
// synchronous writes plus a read pump goroutine, and the per-connection
// FIFO that matches
// each decoded reply back to the request that produced it. Grounded on
// the teacher's internal/network/resp/server.go ClientConn/Server idiom —
// an atomic running flag, a context+cancel pair, a sync.WaitGroup for
// pump goroutines, and a stats struct — generalized from an accept-loop
// server connection into a dial-loop client connection.
package conn

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"hyperglide/internal/clienterr"
	"hyperglide/internal/inflight"
	"hyperglide/internal/logging"
	"hyperglide/internal/resp"
	"hyperglide/pkg/config"
)

// State is the connection's lifecycle stage (SPEC_FULL.md §4.2).
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateDraining
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// PushHandler receives out-of-band RESP3 push frames (pub/sub messages,
// invalidation notices) a connection decodes outside the request/reply
// FIFO. The pub/sub tap (C10) implements this.
type PushHandler interface {
	HandlePush(connID uint64, v resp.Value)
}

// Options configures one Connection.
type Options struct {
	Address    config.NodeAddress
	Dialer     net.Dialer
	TLS        config.TLSConfig
	Protocol   config.Protocol
	Username   string
	Password   string
	DatabaseID int
	ClientName string
	ReadOnly   bool // send READONLY after handshake (replica connection, spec.md §4.6)
	Registry   *inflight.Registry
	PushTap    PushHandler
}

// Connection owns one net.Conn and the read pump goroutine that serves it;
// writes happen on the caller's goroutine under writeMu. Stats are plain
// int64s read via atomic; fifoMu guards the submission FIFO.
type Connection struct {
	id      uint64
	opts    Options
	state   atomic.Int32
	conn    net.Conn
	writeMu sync.Mutex

	br  *bufio.Reader
	dec *resp.Decoder

	fifoMu sync.Mutex
	fifo   []uint64 // correlation IDs in submission order, awaiting their reply

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	bytesSent atomic.Int64
	bytesRecv atomic.Int64
	repliesIn atomic.Int64
}

var connIDSeq atomic.Uint64

// Dial opens a TCP connection to opts.Address, runs the protocol
// handshake, and starts the read pump. The returned Connection is
// in StateReady on success.
func Dial(ctx context.Context, opts Options) (*Connection, error) {
	id := connIDSeq.Add(1)
	c := &Connection{id: id, opts: opts}
	c.state.Store(int32(StateConnecting))

	dialCtx, cancelDial := context.WithTimeout(ctx, dialTimeout(opts))
	defer cancelDial()

	netConn, err := opts.Dialer.DialContext(dialCtx, "tcp", opts.Address.String())
	if err != nil {
		return nil, clienterr.Wrap(clienterr.KindConnection, err, "dial %s", opts.Address)
	}
	c.conn = netConn
	c.br = bufio.NewReaderSize(netConn, 16*1024)
	c.dec = resp.NewDecoder()

	c.ctx, c.cancel = context.WithCancel(context.Background())

	if err := c.handshake(ctx); err != nil {
		netConn.Close()
		return nil, err
	}

	c.state.Store(int32(StateReady))
	c.wg.Add(1)
	go c.readPump()

	logging.Info(ctx, logging.ComponentConn, logging.ActionConnect,
		fmt.Sprintf("connected to %s (id=%d)", opts.Address, id))
	return c, nil
}

func dialTimeout(opts Options) time.Duration {
	return 2 * time.Second
}

// ID returns this connection's process-local identifier, used for logging
// and pub/sub push attribution.
func (c *Connection) ID() uint64 { return c.id }

// State returns the current lifecycle stage.
func (c *Connection) State() State { return State(c.state.Load()) }

// Address returns the node address this connection was dialed to.
func (c *Connection) Address() config.NodeAddress { return c.opts.Address }

// Send encodes args as a RESP command, registers a correlation ID with the
// shared registry, writes the frame, and returns the ID plus the channel
// the reply will arrive on. The caller must already have called
// Registry.TryAdmit.
func (c *Connection) Send(deadline time.Time, args ...string) (uint64, <-chan inflight.Result, error) {
	if c.State() != StateReady {
		return 0, nil, clienterr.New(clienterr.KindClosed, "connection %d is not ready (state=%s)", c.id, c.State())
	}

	id, done := c.opts.Registry.Register(deadline)

	c.fifoMu.Lock()
	c.fifo = append(c.fifo, id)
	c.fifoMu.Unlock()

	frame := resp.EncodeStrings(nil, args...)
	c.writeMu.Lock()
	n, err := c.conn.Write(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.fail(clienterr.Wrap(clienterr.KindConnection, err, "write to %s", c.opts.Address))
		return id, done, nil
	}
	c.bytesSent.Add(int64(n))
	return id, done, nil
}

// SendRawFrame writes args as a RESP command directly to the socket without
// registering a FIFO/registry correlation entry. SUBSCRIBE and its family
// are the one case where a command's "reply" never arrives as a correlated
// reply at all: the ack and every subsequent message on that channel come
// back as push frames (spec.md §4.10), so registering a FIFO entry for them
// would sit there forever and desync every reply after it.
func (c *Connection) SendRawFrame(args ...string) error {
	if c.State() != StateReady {
		return clienterr.New(clienterr.KindClosed, "connection %d is not ready (state=%s)", c.id, c.State())
	}

	frame := resp.EncodeStrings(nil, args...)
	c.writeMu.Lock()
	n, err := c.conn.Write(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.fail(clienterr.Wrap(clienterr.KindConnection, err, "write to %s", c.opts.Address))
		return err
	}
	c.bytesSent.Add(int64(n))
	return nil
}

// readPump decodes frames off the socket until it errors or is closed,
// dispatching each to the FIFO head (request/reply) or the push handler
// (out-of-band RESP3 frame).
func (c *Connection) readPump() {
	defer c.wg.Done()
	defer c.conn.Close()

	buf := make([]byte, 16*1024)

	for {
		v, err := c.dec.Next()
		if err == resp.ErrNeedMore {
			n, rerr := c.br.Read(buf)
			if n > 0 {
				c.bytesRecv.Add(int64(n))
				c.dec.Feed(buf[:n])
			}
			if rerr != nil {
				c.fail(clienterr.Wrap(clienterr.KindConnection, rerr, "read from %s", c.opts.Address))
				return
			}
			continue
		}
		if err != nil {
			c.fail(clienterr.Wrap(clienterr.KindProtocol, err, "decode frame from %s", c.opts.Address))
			return
		}

		c.repliesIn.Add(1)
		if v.IsPush() {
			if c.opts.PushTap != nil {
				c.opts.PushTap.HandlePush(c.id, v)
			}
			continue
		}
		c.dispatchReply(v)
	}
}

// dispatchReply pops the oldest pending correlation ID and completes it,
// enforcing the per-connection FIFO ordering invariant (spec.md §4.2):
// replies arrive in exactly the order their requests were written.
func (c *Connection) dispatchReply(v resp.Value) {
	c.fifoMu.Lock()
	if len(c.fifo) == 0 {
		c.fifoMu.Unlock()
		logging.Warn(context.Background(), logging.ComponentConn, logging.ActionResponse,
			fmt.Sprintf("connection %d received reply with empty FIFO, dropping", c.id))
		return
	}
	id := c.fifo[0]
	c.fifo = c.fifo[1:]
	c.fifoMu.Unlock()

	var res inflight.Result
	if v.Kind == resp.KindError {
		res = inflight.Result{Value: v, Err: clienterr.FromServerReply(v.ErrKind, v.ErrDetail)}
	} else {
		res = inflight.Result{Value: v}
	}
	c.opts.Registry.Complete(id, res)
}

// fail marks the connection Broken, drains every pending FIFO entry with
// err, and tears down the socket. Idempotent.
func (c *Connection) fail(err error) {
	if !c.state.CompareAndSwap(int32(StateReady), int32(StateBroken)) &&
		!c.state.CompareAndSwap(int32(StateConnecting), int32(StateBroken)) {
		return
	}
	logging.Error(context.Background(), logging.ComponentConn, logging.ActionDisconnect, "connection failed", err)

	c.fifoMu.Lock()
	pending := c.fifo
	c.fifo = nil
	c.fifoMu.Unlock()

	for _, id := range pending {
		c.opts.Registry.Complete(id, inflight.Result{Err: err})
	}
	c.cancel()
}

// Close stops accepting new Sends and closes the socket at once, without
// waiting for outstanding replies; it then waits for the read pump to exit
// and fails every request still in the FIFO with a KindClosed error.
func (c *Connection) Close() error {
	prev := State(c.state.Swap(int32(StateDraining)))
	if prev == StateBroken {
		c.state.Store(int32(StateBroken))
	}
	err := c.conn.Close()
	c.cancel()
	c.wg.Wait()

	c.fifoMu.Lock()
	pending := c.fifo
	c.fifo = nil
	c.fifoMu.Unlock()
	for _, id := range pending {
		c.opts.Registry.Complete(id, inflight.Result{Err: clienterr.New(clienterr.KindClosed, "connection %d closed", c.id)})
	}
	return err
}

// Stats reports raw connection counters for diagnostics.
type Stats struct {
	BytesSent    int64
	BytesRecv    int64
	RepliesIn    int64
	PendingFIFO  int
}

func (c *Connection) Stats() Stats {
	c.fifoMu.Lock()
	pending := len(c.fifo)
	c.fifoMu.Unlock()
	return Stats{
		BytesSent:   c.bytesSent.Load(),
		BytesRecv:   c.bytesRecv.Load(),
		RepliesIn:   c.repliesIn.Load(),
		PendingFIFO: pending,
	}
}

// Package pool owns one Connection per cluster node (SPEC_FULL.md §4.5 /
// C5): lazy, once-guarded dialing, exponential reconnect backoff with
// jitter, and a dedicated management connection per node for topology
// refresh commands that must not queue behind application traffic.
// Grounded on the teacher's ServerStats/atomic-counter idiom in
// internal/network/resp/server.go, generalized from "one listener owns
// many accepted connections" to "one client owns one dialed connection
// per known node, redialed on failure."
package pool

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"hyperglide/internal/clienterr"
	"hyperglide/internal/conn"
	"hyperglide/internal/inflight"
	"hyperglide/internal/logging"
	"hyperglide/internal/slotmap"
	"hyperglide/pkg/config"
)

// Dialer is the subset of Dial the pool depends on, so tests can
// substitute a fake without a real socket.
type Dialer func(ctx context.Context, opts conn.Options) (*conn.Connection, error)

// managementClientName tags a pool's dedicated management connections
// (spec.md §4.5), so server-side CLIENT LIST output and logs can tell them
// apart from application traffic.
const managementClientName = "glide_management_connection"

// nodeSlot tracks one node's connection lifecycle: the once-guard that
// coalesces concurrent first-connect attempts, and the backoff state for
// reconnection after a failure.
type nodeSlot struct {
	mu         sync.Mutex
	current    *conn.Connection
	connecting chan struct{} // non-nil while a dial is in flight; closed when it resolves
	lastErr    error         // result of the most recently finished dial attempt, if it failed
	failures   int
	nextRetry  time.Time
}

// Pool owns at most one live Connection per NodeID, dialing lazily (or
// eagerly if config.LazyConnect is false) and replacing broken
// connections according to a reconnect backoff schedule. It also owns, in
// a separate slot map, at most one management connection per NodeID — a
// connection tagged CLIENT SETNAME managementClientName and reserved for
// topology refresh and cluster administration commands, so those never
// queue behind application traffic on a busy node (spec.md §4.5).
type Pool struct {
	cfg      config.ClientConfig
	registry *inflight.Registry
	pushTap  conn.PushHandler
	dial     Dialer

	mu    sync.RWMutex
	slots map[slotmap.NodeID]*nodeSlot

	mgmtMu sync.RWMutex
	mgmt   map[slotmap.NodeID]*nodeSlot
}

// New returns an empty Pool. Connections are created on demand via Get,
// or eagerly via WarmUp.
func New(cfg config.ClientConfig, registry *inflight.Registry, pushTap conn.PushHandler) *Pool {
	return &Pool{
		cfg:      cfg,
		registry: registry,
		pushTap:  pushTap,
		dial:     conn.Dial,
		slots:    make(map[slotmap.NodeID]*nodeSlot),
		mgmt:     make(map[slotmap.NodeID]*nodeSlot),
	}
}

// slotFor returns (creating if needed) the bookkeeping slot for a node in m.
func slotFor(mu *sync.RWMutex, m map[slotmap.NodeID]*nodeSlot, id slotmap.NodeID) *nodeSlot {
	mu.RLock()
	s, ok := m[id]
	mu.RUnlock()
	if ok {
		return s
	}

	mu.Lock()
	defer mu.Unlock()
	if s, ok := m[id]; ok {
		return s
	}
	s = &nodeSlot{}
	m[id] = s
	return s
}

// Get returns a Ready application connection to node, dialing it if
// necessary. If a dial is already in flight for this node (from a
// concurrent caller), Get waits for it rather than starting a second one —
// the once-guard coalesced-connect behavior (SPEC_FULL.md §4.5).
func (p *Pool) Get(ctx context.Context, node slotmap.NodeInfo) (*conn.Connection, error) {
	return p.get(ctx, node, &p.mu, p.slots, p.cfg.ClientName)
}

// GetManagement returns (dialing if necessary) node's dedicated management
// connection, coalesced the same way as Get but tracked in a separate slot
// map so it is never handed out to application traffic and never counted
// against it in Stats.
func (p *Pool) GetManagement(ctx context.Context, node slotmap.NodeInfo) (*conn.Connection, error) {
	return p.get(ctx, node, &p.mgmtMu, p.mgmt, managementClientName)
}

func (p *Pool) get(ctx context.Context, node slotmap.NodeInfo, mu *sync.RWMutex, slots map[slotmap.NodeID]*nodeSlot, clientName string) (*conn.Connection, error) {
	s := slotFor(mu, slots, node.ID)

	for {
		s.mu.Lock()
		if s.current != nil && s.current.State() == conn.StateReady {
			c := s.current
			s.mu.Unlock()
			return c, nil
		}
		if !time.Now().After(s.nextRetry) {
			wait := time.Until(s.nextRetry)
			s.mu.Unlock()
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil, clienterr.New(clienterr.KindCancelled, "%s", ctx.Err())
			}
		}
		if s.connecting != nil {
			// A dial is already in flight for this node: wait for it and
			// return its outcome directly rather than looping back, so
			// every caller coalesced onto one attempt shares one result
			// instead of each independently deciding to retry.
			ch := s.connecting
			s.mu.Unlock()
			select {
			case <-ch:
				s.mu.Lock()
				c, err := s.current, s.lastErr
				s.mu.Unlock()
				if err != nil {
					return nil, err
				}
				return c, nil
			case <-ctx.Done():
				return nil, clienterr.New(clienterr.KindCancelled, "%s", ctx.Err())
			}
		}
		ch := make(chan struct{})
		s.connecting = ch
		s.mu.Unlock()

		c, err := p.dialNode(ctx, node, clientName)

		s.mu.Lock()
		s.connecting = nil
		s.lastErr = err
		if err != nil {
			s.failures++
			s.nextRetry = time.Now().Add(p.backoff(s.failures))
			s.mu.Unlock()
			close(ch)
			return nil, err
		}
		s.failures = 0
		s.current = c
		s.mu.Unlock()
		close(ch)
		return c, nil
	}
}

func (p *Pool) dialNode(ctx context.Context, node slotmap.NodeInfo, clientName string) (*conn.Connection, error) {
	opts := conn.Options{
		Address:    config.NodeAddress{Host: node.Host, Port: node.Port},
		TLS:        p.cfg.TLS,
		Protocol:   p.cfg.Protocol,
		Username:   p.cfg.Username,
		Password:   p.cfg.Password,
		DatabaseID: p.cfg.DatabaseID,
		ClientName: clientName,
		ReadOnly:   !node.IsMaster,
		Registry:   p.registry,
		PushTap:    p.pushTap,
	}
	return p.dial(ctx, opts)
}

// backoff computes the exponential-with-jitter delay before the next
// reconnect attempt, per config.ReconnectBackoffConfig (spec.md §4.5).
func (p *Pool) backoff(failures int) time.Duration {
	b := p.cfg.ReconnectBackoff
	exp := math.Pow(b.ExponentBase, float64(failures-1))
	delay := time.Duration(float64(b.Factor) * exp)
	if delay > b.MaxDelay {
		delay = b.MaxDelay
	}
	if b.JitterPercent > 0 {
		jitter := float64(delay) * b.JitterPercent
		delay += time.Duration((rand.Float64()*2 - 1) * jitter)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

// WarmUp eagerly dials every node in m, logging (but not failing on)
// individual connect errors — used when config.LazyConnect is false.
func (p *Pool) WarmUp(ctx context.Context, m *slotmap.SlotMap) {
	for id, node := range m.Nodes {
		if _, err := p.Get(ctx, node); err != nil {
			logging.Warn(ctx, logging.ComponentPool, logging.ActionConnect,
				"warm-up connect failed for "+string(id))
		}
	}
}

// CloseAll closes every application and management connection the pool
// currently holds.
func (p *Pool) CloseAll() {
	closeSlots(&p.mu, p.slots)
	closeSlots(&p.mgmtMu, p.mgmt)
}

func closeSlots(mu *sync.RWMutex, slots map[slotmap.NodeID]*nodeSlot) {
	mu.RLock()
	defer mu.RUnlock()
	for _, s := range slots {
		s.mu.Lock()
		if s.current != nil {
			s.current.Close()
		}
		s.mu.Unlock()
	}
}

// Each invokes fn once for every currently live (Ready) application
// connection the pool holds, for operations (credential rotation) that
// must touch every connection rather than one resolved by routing.
func (p *Pool) Each(fn func(*conn.Connection)) {
	eachSlot(&p.mu, p.slots, fn)
}

// EachManagement invokes fn once for every currently live management
// connection, so credential rotation (UpdatePassword) reaches them too.
func (p *Pool) EachManagement(fn func(*conn.Connection)) {
	eachSlot(&p.mgmtMu, p.mgmt, fn)
}

func eachSlot(mu *sync.RWMutex, slots map[slotmap.NodeID]*nodeSlot, fn func(*conn.Connection)) {
	mu.RLock()
	defer mu.RUnlock()
	for _, s := range slots {
		s.mu.Lock()
		c := s.current
		s.mu.Unlock()
		if c != nil && c.State() == conn.StateReady {
			fn(c)
		}
	}
}

// Stats summarizes pool-wide connection state for diagnostics.
type Stats struct {
	KnownNodes int
	Ready      int
	Broken     int
}

func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := Stats{KnownNodes: len(p.slots)}
	for _, s := range p.slots {
		s.mu.Lock()
		if s.current != nil {
			switch s.current.State() {
			case conn.StateReady:
				st.Ready++
			case conn.StateBroken:
				st.Broken++
			}
		}
		s.mu.Unlock()
	}
	return st
}

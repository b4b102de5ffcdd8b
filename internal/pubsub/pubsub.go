// Package pubsub implements the subscriber registry and push-frame demux
// (SPEC_FULL.md §4.10 / C10): push frames decoded by any connection are
// forwarded here keyed by (mode, channel), fanned out to bounded per-
// subscriber queues, and replayed automatically whenever the connection
// carrying pub/sub traffic reconnects. Grounded on the teacher's fan-out
// idiom in internal/cluster (a registry keyed by name, mutex-guarded,
// with independent per-entry state) generalized from node bookkeeping to
// subscriber bookkeeping.
package pubsub

import (
	"sync"
	"sync/atomic"

	"hyperglide/internal/clienterr"
	"hyperglide/internal/conn"
	"hyperglide/internal/resp"
)

// Mode is the subscription flavor a channel was registered under (spec.md
// §4.10: "mode ∈ {exact, pattern, sharded}").
type Mode int

const (
	ModeExact Mode = iota
	ModePattern
	ModeSharded
)

func (m Mode) String() string {
	switch m {
	case ModeExact:
		return "exact"
	case ModePattern:
		return "pattern"
	case ModeSharded:
		return "sharded"
	default:
		return "unknown"
	}
}

// Message is one delivered pub/sub payload.
type Message struct {
	Mode    Mode
	Pattern string // populated for ModePattern; the subscribed glob, not the matched channel
	Channel string
	Payload []byte
}

type key struct {
	mode    Mode
	channel string
}

const defaultQueueSize = 100

// Subscriber is a bounded, drop-oldest delivery queue for one (mode,
// channel) registration. Overflow drops the oldest queued message and
// increments Dropped rather than blocking the connection's read pump
// (spec.md §4.10: "overflow drops oldest with a counter").
type Subscriber struct {
	messages chan Message
	dropped  atomic.Int64
}

func newSubscriber(queueSize int) *Subscriber {
	return &Subscriber{messages: make(chan Message, queueSize)}
}

// Messages returns the channel subscribers read delivered messages from.
func (s *Subscriber) Messages() <-chan Message { return s.messages }

// Dropped reports how many messages this subscriber has lost to overflow.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

func (s *Subscriber) deliver(m Message) {
	select {
	case s.messages <- m:
		return
	default:
	}
	select {
	case <-s.messages:
	default:
	}
	select {
	case s.messages <- m:
	default:
	}
	s.dropped.Add(1)
}

// Manager demultiplexes RESP3 push frames into subscriber queues and
// issues SUBSCRIBE/UNSUBSCRIBE commands on whichever connection currently
// carries pub/sub traffic. SUBSCRIBE and its family never go through the
// request/reply FIFO (conn.Connection.Send): the ack and every subsequent
// message for that channel arrive as push frames instead of a correlated
// reply, so Manager writes them with conn.Connection.SendRawFrame and
// tracks acceptance purely through HandlePush.
type Manager struct {
	mu        sync.Mutex
	conn      *conn.Connection
	active    map[key][]*Subscriber
	queueSize int
}

// NewManager returns a Manager whose subscribers each get a queue of
// queueSize messages (defaultQueueSize if queueSize <= 0).
func NewManager(queueSize int) *Manager {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Manager{active: make(map[key][]*Subscriber), queueSize: queueSize}
}

// SetConnection installs c as the connection pub/sub commands are issued
// on and replays every currently active subscription against it, so a
// reconnect transparently resubscribes (spec.md §4.10: "resubscription is
// re-applied on every new connection entering Ready").
func (m *Manager) SetConnection(c *conn.Connection) error {
	m.mu.Lock()
	m.conn = c
	keys := make([]key, 0, len(m.active))
	for k, subs := range m.active {
		if len(subs) > 0 {
			keys = append(keys, k)
		}
	}
	m.mu.Unlock()

	for _, k := range keys {
		if err := m.sendSubscribe(k.mode, k.channel); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a new Subscriber for (mode, channel), issuing the
// SUBSCRIBE/PSUBSCRIBE/SSUBSCRIBE command the first time that key gains a
// subscriber.
func (m *Manager) Subscribe(mode Mode, channel string) (*Subscriber, error) {
	sub := newSubscriber(m.queueSize)
	k := key{mode, channel}

	m.mu.Lock()
	first := len(m.active[k]) == 0
	m.active[k] = append(m.active[k], sub)
	m.mu.Unlock()

	if !first {
		return sub, nil
	}
	if err := m.sendSubscribe(mode, channel); err != nil {
		m.mu.Lock()
		m.removeLocked(k, sub)
		m.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

// Unsubscribe removes sub from (mode, channel), issuing UNSUBSCRIBE once
// the last subscriber for that key is gone.
func (m *Manager) Unsubscribe(mode Mode, channel string, sub *Subscriber) error {
	k := key{mode, channel}

	m.mu.Lock()
	last := m.removeLocked(k, sub)
	m.mu.Unlock()

	if last {
		return m.sendUnsubscribe(mode, channel)
	}
	return nil
}

func (m *Manager) removeLocked(k key, sub *Subscriber) (last bool) {
	subs := m.active[k]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(m.active, k)
		return true
	}
	m.active[k] = subs
	return false
}

func subscribeCommand(mode Mode) string {
	switch mode {
	case ModePattern:
		return "PSUBSCRIBE"
	case ModeSharded:
		return "SSUBSCRIBE"
	default:
		return "SUBSCRIBE"
	}
}

func unsubscribeCommand(mode Mode) string {
	switch mode {
	case ModePattern:
		return "PUNSUBSCRIBE"
	case ModeSharded:
		return "SUNSUBSCRIBE"
	default:
		return "UNSUBSCRIBE"
	}
}

func (m *Manager) sendSubscribe(mode Mode, channel string) error {
	c := m.currentConn()
	if c == nil {
		return clienterr.New(clienterr.KindClosed, "pubsub: no connection established yet")
	}
	return c.SendRawFrame(subscribeCommand(mode), channel)
}

func (m *Manager) sendUnsubscribe(mode Mode, channel string) error {
	c := m.currentConn()
	if c == nil {
		return nil
	}
	return c.SendRawFrame(unsubscribeCommand(mode), channel)
}

func (m *Manager) currentConn() *conn.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// HandlePush implements conn.PushHandler. message/pmessage/smessage push
// frames are demultiplexed to their subscribers; subscribe/unsubscribe
// acks carry no payload and are discarded once recognized.
func (m *Manager) HandlePush(connID uint64, v resp.Value) {
	switch v.PushKind {
	case "message":
		m.dispatch(ModeExact, "", v.Array)
	case "smessage":
		m.dispatch(ModeSharded, "", v.Array)
	case "pmessage":
		m.dispatchPattern(v.Array)
	}
}

func (m *Manager) dispatch(mode Mode, pattern string, elems []resp.Value) {
	if len(elems) < 3 {
		return
	}
	m.deliverTo(mode, pattern, elems[1], elems[2])
}

func (m *Manager) dispatchPattern(elems []resp.Value) {
	if len(elems) < 4 {
		return
	}
	m.deliverTo(ModePattern, string(elems[1].Bulk), elems[2], elems[3])
}

func (m *Manager) deliverTo(mode Mode, pattern string, channelV, payloadV resp.Value) {
	channel := string(channelV.Bulk)
	k := key{mode, channel}

	m.mu.Lock()
	subs := append([]*Subscriber(nil), m.active[k]...)
	m.mu.Unlock()

	msg := Message{Mode: mode, Pattern: pattern, Channel: channel, Payload: payloadV.Bulk}
	for _, s := range subs {
		s.deliver(msg)
	}
}

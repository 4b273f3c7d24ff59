// Package session implements the per-connection context and its queuing
// and state-machine rules (spec.md §3 "Context (C4)", §4.3 queuing rules,
// §4.9 connection state machine).
package session

import (
	"net"
	"sync/atomic"
	"time"
)

// State is one of the connection lifecycle states from spec.md §4.9.
type State int32

const (
	StateNew State = iota
	StateConnected
	StateDisconnecting
	StateClosed
	StateConnectPending
	StateConnectAsync
	StateWSDead
)

// Direction distinguishes inbound (client to broker) from outbound
// (broker to client) queue entries.
type Direction int

const (
	DirectionIn Direction = iota
	DirectionOut
)

// QueueState is the per-message delivery state tracked on each queue
// entry, including the mirrored QoS2 receive states from spec.md §4.3.
type QueueState int

const (
	StatePublish QueueState = iota
	StatePublishQoS0
	StatePublishQoS1
	StatePublishQoS2
	StateWaitForPubrec
	StateWaitForPubrel
	StateWaitForPubcomp
	StateQueued
)

// StoreRef is the subset of pkg/store.Entry a queue entry needs. Defined
// here (rather than imported) so session never depends on store,
// matching the unidirectional ownership the teacher repo's broker/brokerCxn
// split models for connections and their transport.
type StoreRef interface {
	Release()
	PayloadFor(isBridge bool) []byte
}

// QueueEntry is one inflight or queued message for a context.
type QueueEntry struct {
	Direction Direction
	QoS       byte
	MID       uint16
	State     QueueState
	Dup       bool
	Retain    bool
	Timestamp time.Time
	StoreRef  StoreRef

	// Topic is the topic this context should see on delivery: the
	// original publish topic for a non-bridge destination, or the
	// per-bridge remapped topic for a destination across a bridge
	// (spec.md §4.8 step 2). Carried on the entry itself because the
	// remap is per-destination while the shared StoreRef's topic is the
	// single un-remapped original.
	Topic string
}

// QueueLimits bundles the tunables that govern queuing decisions, sourced
// from the injected environment settings (spec.md §6).
type QueueLimits struct {
	MaxInflight         int
	MaxQueued           int
	MaxPacketBufferSize int
	QueueQoS0Messages   bool

	// OnPreInsertOverflow is invoked when a context's outstanding packet
	// count has reached MaxPacketBufferSize; returning true drops the
	// message (spec.md §4.3).
	OnPreInsertOverflow func(*Context) bool
}

// Context is the per-connection state the reactor owns exclusively; no
// other goroutine mutates it once created, except to flip Dead (see
// MarkDead) ahead of the next poll cycle, mirroring the teacher's atomic
// "dead" flag on broker/brokerCxn.
type Context struct {
	// Identity
	ClientID     string
	CanonicalID  string
	CertChain    []string
	ClientGUID   string
	TenantGUID   string

	// Role flags
	IsBridgeFlag bool
	Ops          bool
	Managed      bool
	Admin        bool
	Local        bool

	// Session
	CleanSession bool
	Keepalive    uint16
	LastMsgIn    time.Time
	LastMsgOut   time.Time
	PingT        time.Time
	CleanSubs    bool

	// Queues
	Inflight []*QueueEntry
	Queued   []*QueueEntry
	Limits   QueueLimits

	SubscriptionCount int32

	Sock  net.Conn
	state int32 // atomic State

	dead int32 // atomic bool; set by a cross-thread revoke/disconnect request

	IsDropping bool

	LastMID uint16
}

// NewContext constructs a freshly-accepted connection context in StateNew.
func NewContext(sock net.Conn, limits QueueLimits) *Context {
	now := time.Now()
	return &Context{
		Sock:         sock,
		CleanSession: true,
		Keepalive:    60,
		LastMsgIn:    now,
		LastMsgOut:   now,
		Limits:       limits,
		state:        int32(StateNew),
	}
}

// ID satisfies pkg/trie.Subscriber.
func (c *Context) ID() string { return c.CanonicalID + ":" + c.ClientID }

// IsBridge satisfies pkg/trie.Subscriber.
func (c *Context) IsBridge() bool { return c.IsBridgeFlag }

// State returns the current connection state.
func (c *Context) State() State { return State(atomic.LoadInt32(&c.state)) }

// SetState transitions the context to a new state.
func (c *Context) SetState(s State) { atomic.StoreInt32(&c.state, int32(s)) }

// MarkDead flags the context for disconnection at the next maintenance or
// poll pass; it is the only field a non-owning goroutine (e.g. the
// revocation work-queue runnable) may set directly.
func (c *Context) MarkDead() { atomic.StoreInt32(&c.dead, 1) }

// Dead reports whether MarkDead has been called.
func (c *Context) Dead() bool { return atomic.LoadInt32(&c.dead) == 1 }

// NextMID returns the next outbound message id for this context, wrapping
// per the MQTT 16-bit message-id space.
func (c *Context) NextMID() uint16 {
	c.LastMID++
	if c.LastMID == 0 {
		c.LastMID = 1
	}
	return c.LastMID
}

// outstandingCount is the total inflight+queued packet count, used against
// MaxPacketBufferSize.
func (c *Context) outstandingCount() int {
	return len(c.Inflight) + len(c.Queued)
}

// initialStateFor picks the starting QueueState for a freshly inflight
// entry, per spec.md §4.3: qos0/1/2 publish states outbound, and
// wait_for_pubrel for an inbound qos2 receive.
func initialStateFor(dir Direction, qos byte) QueueState {
	if dir == DirectionIn && qos == 2 {
		return StateWaitForPubrel
	}
	switch qos {
	case 0:
		return StatePublishQoS0
	case 1:
		return StatePublishQoS1
	default:
		return StatePublishQoS2
	}
}

// EnqueueResult reports what EnqueueOutbound actually did, for callers
// that need to log or count drops.
type EnqueueResult int

const (
	EnqueueInflight EnqueueResult = iota
	EnqueueQueued
	EnqueueDroppedNoSock
	EnqueueDroppedOverflow
	EnqueueDroppedQueueFull
)

// EnqueueOutbound inserts a new outbound queue entry following the rules
// of spec.md §4.3:
//
//  1. if sock is invalid and qos==0 and QueueQoS0Messages is false, drop;
//  2. if outstanding count has reached MaxPacketBufferSize, consult
//     OnPreInsertOverflow; a true return drops the message;
//  3. otherwise, if inflight has room it becomes inflight with the
//     qos-appropriate initial state, else it is appended to Queued,
//     dropped entirely (and IsDropping set) once Queued also overflows.
//
// The caller owns StoreRef retain/release bookkeeping: EnqueueOutbound
// calls Release on the ref for every branch that does not retain an
// entry in a queue (drops), leaving callers to Retain before calling in.
// topic is the per-destination topic this entry should be delivered
// under (spec.md §4.8 step 2's bridge remap is per destination).
func (c *Context) EnqueueOutbound(qos byte, mid uint16, dup, retain bool, topic string, ref StoreRef) EnqueueResult {
	if c.Sock == nil && qos == 0 && !c.Limits.QueueQoS0Messages {
		ref.Release()
		return EnqueueDroppedNoSock
	}

	if c.Limits.MaxPacketBufferSize > 0 && c.outstandingCount() >= c.Limits.MaxPacketBufferSize {
		drop := true
		if c.Limits.OnPreInsertOverflow != nil {
			drop = c.Limits.OnPreInsertOverflow(c)
		}
		if drop {
			ref.Release()
			return EnqueueDroppedOverflow
		}
	}

	entry := &QueueEntry{
		Direction: DirectionOut,
		QoS:       qos,
		MID:       mid,
		Dup:       dup,
		Retain:    retain,
		Timestamp: time.Now(),
		StoreRef:  ref,
		Topic:     topic,
	}

	if c.Limits.MaxInflight <= 0 || len(c.Inflight) < c.Limits.MaxInflight {
		entry.State = initialStateFor(DirectionOut, qos)
		c.Inflight = append(c.Inflight, entry)
		return EnqueueInflight
	}

	if c.Limits.MaxQueued > 0 && len(c.Queued) >= c.Limits.MaxQueued {
		c.IsDropping = true
		ref.Release()
		return EnqueueDroppedQueueFull
	}

	entry.State = StateQueued
	c.Queued = append(c.Queued, entry)
	return EnqueueQueued
}

// EnqueueInbound installs a fresh inbound QoS2 receive in wait_for_pubrel.
func (c *Context) EnqueueInbound(mid uint16, ref StoreRef) *QueueEntry {
	entry := &QueueEntry{
		Direction: DirectionIn,
		QoS:       2,
		MID:       mid,
		Timestamp: time.Now(),
		StoreRef:  ref,
		State:     initialStateFor(DirectionIn, 2),
	}
	c.Inflight = append(c.Inflight, entry)
	return entry
}

// DrainQueued moves queued entries into Inflight as room frees up,
// preserving receive order.
func (c *Context) DrainQueued() {
	for (c.Limits.MaxInflight <= 0 || len(c.Inflight) < c.Limits.MaxInflight) && len(c.Queued) > 0 {
		entry := c.Queued[0]
		c.Queued = c.Queued[1:]
		entry.State = initialStateFor(DirectionOut, entry.QoS)
		c.Inflight = append(c.Inflight, entry)
	}
}

// RemoveInflight releases and removes the inflight entry matching mid and
// direction, returning it. Used when PUBACK/PUBREC/PUBCOMP/PUBREL arrive.
func (c *Context) RemoveInflight(dir Direction, mid uint16) *QueueEntry {
	for i, e := range c.Inflight {
		if e.Direction == dir && e.MID == mid {
			c.Inflight = append(c.Inflight[:i], c.Inflight[i+1:]...)
			if e.StoreRef != nil {
				e.StoreRef.Release()
			}
			c.DrainQueued()
			return e
		}
	}
	return nil
}

// FindInflight looks up an inflight entry without removing it.
func (c *Context) FindInflight(dir Direction, mid uint16) *QueueEntry {
	for _, e := range c.Inflight {
		if e.Direction == dir && e.MID == mid {
			return e
		}
	}
	return nil
}

// KeepaliveExpired reports whether this context should be disconnected for
// keepalive timeout: now - last_msg_in > keepalive * 1.5 (spec.md §4.9).
func (c *Context) KeepaliveExpired(now time.Time) bool {
	if c.Keepalive == 0 {
		return false
	}
	limit := time.Duration(float64(c.Keepalive)*1.5) * time.Second
	return now.Sub(c.LastMsgIn) > limit
}

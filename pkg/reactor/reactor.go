// Package reactor implements the single-threaded event loop (spec.md
// §4.4 "Reactor & work queue (C5)"): a 100ms poll tick that drains every
// context with pending outbound messages, a 10s maintenance tick that
// runs keepalive/bridge/TTL sweeps, and a typed work queue for
// cross-thread requests (SPEC_FULL.md §11 redesigns the original's
// virtual-dispatch runnable as a buffered channel of a closed variant
// type rather than an interface with heap-allocated implementations).
package reactor

import (
	"sync"
	"time"

	"github.com/opendxl/opendxl-broker-core/internal/log"
	"github.com/opendxl/opendxl-broker-core/pkg/session"
)

// RunnableKind tags a Runnable's payload shape, mirroring the work-queue
// request types the original dispatches through dxl_run_work_queue:
// bridge config reload, an outbound send, cert revocation, listener
// restart, connection-limit changes, and bridge keepalive updates.
type RunnableKind int

const (
	RunnableSendMessage RunnableKind = iota
	RunnableBridgeConfigChanged
	RunnableRevokeCerts
	RunnableRestartListeners
	RunnableSetConnectionLimit
	RunnableSetBridgeKeepalive
)

// Runnable is one piece of work enqueued from outside the reactor
// goroutine and executed on it. Run must not block: the reactor drains
// the whole queue once per poll tick, after the dirty-context write
// drain and any maintenance pass that is due.
type Runnable struct {
	Kind RunnableKind
	Run  func()
}

// Reactor owns the single goroutine that mutates all C2-C9 broker
// state. Every mutation reaches it either by being enqueued as a
// Runnable or by MarkDirty flagging a context for the next write drain;
// nothing outside this goroutine touches the trie, store, sessions, or
// registries directly once the reactor is running.
type Reactor struct {
	mu    sync.Mutex
	dirty map[*session.Context]struct{}

	workCh chan Runnable
	stopCh chan struct{}
	wg     sync.WaitGroup

	PollInterval        time.Duration
	MaintenanceInterval time.Duration

	// WriteDirty flushes one context's queued/inflight messages to the
	// wire. Errors are the caller's concern (it disconnects internally);
	// the reactor only needs to know when to stop considering ctx dirty.
	WriteDirty func(ctx *session.Context)

	// Maintenance hooks run every MaintenanceInterval, in order: e.g.
	// keepalive sweep, bridge reconnect loop, TTL sweeps, clean-session
	// teardown.
	Maintenance []func(now time.Time)

	Logger log.Logger
}

// New constructs a Reactor with the given poll and maintenance
// intervals. Spec defaults are 100ms and 10s.
func New(pollInterval, maintenanceInterval time.Duration) *Reactor {
	return &Reactor{
		dirty:               map[*session.Context]struct{}{},
		workCh:              make(chan Runnable, 256),
		stopCh:              make(chan struct{}),
		PollInterval:        pollInterval,
		MaintenanceInterval: maintenanceInterval,
	}
}

// MarkDirty flags ctx as having pending outbound work, the Go analogue
// of mosquitto_add_new_msgs_set. Safe to call from any goroutine.
func (r *Reactor) MarkDirty(ctx *session.Context) {
	r.mu.Lock()
	r.dirty[ctx] = struct{}{}
	r.mu.Unlock()
}

func (r *Reactor) clearDirty(ctx *session.Context) {
	r.mu.Lock()
	delete(r.dirty, ctx)
	r.mu.Unlock()
}

func (r *Reactor) dirtySnapshot() []*session.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session.Context, 0, len(r.dirty))
	for ctx := range r.dirty {
		out = append(out, ctx)
	}
	return out
}

// Enqueue submits a Runnable for execution on the reactor goroutine.
// Blocks while the queue is full (256 deep) and the reactor is still
// running. Once Stop has been called it no longer blocks, and the
// runnable may never run.
func (r *Reactor) Enqueue(run Runnable) {
	select {
	case r.workCh <- run:
	case <-r.stopCh:
	}
}

// drainWorkQueue runs every Runnable currently queued, without blocking
// for new ones to arrive — the Go equivalent of dxl_run_work_queue being
// called once per outer loop iteration. A Runnable that panics is
// recovered and logged, and the rest of the queue still runs.
func (r *Reactor) drainWorkQueue() {
	for {
		select {
		case run := <-r.workCh:
			func() {
				defer func() {
					if p := recover(); p != nil && r.Logger != nil {
						r.Logger.Log(log.LevelError, "work-queue runnable panicked", "kind", run.Kind, "panic", p)
					}
				}()
				run.Run()
			}()
		default:
			return
		}
	}
}

func (r *Reactor) drainDirty() {
	if r.WriteDirty == nil {
		return
	}
	for _, ctx := range r.dirtySnapshot() {
		r.WriteDirty(ctx)
		if len(ctx.Inflight) == 0 && len(ctx.Queued) == 0 {
			r.clearDirty(ctx)
		}
	}
}

func (r *Reactor) runMaintenance(now time.Time) {
	for _, hook := range r.Maintenance {
		hook(now)
	}
}

// Run drives the loop until Stop is called. Intended to run on its own
// goroutine; every hook it calls (WriteDirty, Maintenance, Runnable.Run)
// executes on this same goroutine, which is what makes C2-C9 state
// single-threaded.
func (r *Reactor) Run() {
	ticker := time.NewTicker(r.pollInterval())
	defer ticker.Stop()

	nextMaintenance := time.Now().Add(r.maintenanceInterval())

	for {
		select {
		case <-r.stopCh:
			return
		case now := <-ticker.C:
			r.drainDirty()
			if !now.Before(nextMaintenance) {
				r.runMaintenance(now)
				nextMaintenance = now.Add(r.maintenanceInterval())
			}
			r.drainWorkQueue()
		}
	}
}

func (r *Reactor) pollInterval() time.Duration {
	if r.PollInterval <= 0 {
		return 100 * time.Millisecond
	}
	return r.PollInterval
}

func (r *Reactor) maintenanceInterval() time.Duration {
	if r.MaintenanceInterval <= 0 {
		return 10 * time.Second
	}
	return r.MaintenanceInterval
}

// Stop signals Run to return. Safe to call once; a second call panics,
// matching a single shutdown owner.
func (r *Reactor) Stop() {
	close(r.stopCh)
}

// Package bridge implements the bridge manager (spec.md §4.10 "Bridge
// manager (C10)"): per-bridge ordered address lists partitioned into
// primaries and secondaries, a reconnect loop driven by the reactor's
// maintenance tick, and a dedicated TCP-reachability probe worker — the
// one extra goroutine family besides the reactor loop itself (spec.md §5).
package bridge

import (
	"strings"
	"sync"
	"time"

	"github.com/opendxl/opendxl-broker-core/internal/log"
)

// Address is one candidate endpoint for a bridge.
type Address struct {
	Host string
	Port int
}

// ProbeResult is what the reachability worker reports back for one probe
// request: (host, port, success, an OS-style error for diagnostics),
// mirroring the original's "(host, port, result_code,
// getaddrinfo_errno)" contract.
type ProbeResult struct {
	Addr    Address
	Success bool
	Err     error
}

// DialFunc attempts to reach addr, returning nil on success. The prober
// only probes with it; it never holds the resulting connection open
// (spec.md §4.10: "it never touches broker state").
type DialFunc func(addr Address) error

// Prober is the bridge manager's one multi-threaded actor. Its contract:
// accept (host, port) probe requests on a channel, dial each on its own
// goroutine pool of one, and report results back on a per-request
// channel. Shutdown is via closing done, the Go equivalent of the
// original's condition-variable cancellation.
type Prober struct {
	dial DialFunc

	reqCh chan probeRequest
	done  chan struct{}
	wg    sync.WaitGroup
}

type probeRequest struct {
	addr   Address
	result chan<- ProbeResult
}

// NewProber constructs a prober using dial to test reachability.
func NewProber(dial DialFunc) *Prober {
	return &Prober{
		dial:  dial,
		reqCh: make(chan probeRequest, 64),
		done:  make(chan struct{}),
	}
}

// Start launches the worker goroutine. Safe to call once.
func (p *Prober) Start() {
	p.wg.Add(1)
	go p.run()
}

func (p *Prober) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case req := <-p.reqCh:
			err := p.dial(req.addr)
			select {
			case req.result <- ProbeResult{Addr: req.addr, Success: err == nil, Err: err}:
			case <-p.done:
				return
			}
		}
	}
}

// Probe enqueues a reachability check for addr and returns a channel
// that receives exactly one ProbeResult. The caller is the reactor's
// work queue consumer; the prober itself never touches broker state.
func (p *Prober) Probe(addr Address) <-chan ProbeResult {
	result := make(chan ProbeResult, 1)
	select {
	case p.reqCh <- probeRequest{addr: addr, result: result}:
	case <-p.done:
		close(result)
	}
	return result
}

// Stop signals the worker to exit and waits for it to do so.
func (p *Prober) Stop() {
	close(p.done)
	p.wg.Wait()
}

// Bridge is one configured bridge connection's reconnect state.
type Bridge struct {
	ID                string
	Addresses         []Address
	PrimaryAddrCount  int
	CurAddress        int
	CurPrimaryAddress int
	Connected         bool
	PrimaryRetryAt    time.Time
	Keepalive         uint16

	// LocalPrefix/RemotePrefix implement spec.md §4.8 step 2's topic
	// remap: a topic published locally under LocalPrefix crosses this
	// bridge with LocalPrefix swapped for RemotePrefix, and the mirror
	// happens on the way back in. Empty LocalPrefix disables remapping
	// for this bridge.
	LocalPrefix  string
	RemotePrefix string
}

func (b *Bridge) isPrimary(idx int) bool { return idx < b.PrimaryAddrCount }

func (b *Bridge) currentAddress() (Address, bool) {
	if len(b.Addresses) == 0 || b.CurAddress >= len(b.Addresses) {
		return Address{}, false
	}
	return b.Addresses[b.CurAddress], true
}

// Manager owns every configured bridge's reconnect state and the shared
// prober.
type Manager struct {
	mu      sync.Mutex
	bridges map[string]*Bridge
	Dial    DialFunc
	Prober  *Prober
	Logger  log.Logger

	// PrimaryRetryInterval bounds how long the manager waits before
	// retrying a primary address after exhausting the list.
	PrimaryRetryInterval time.Duration
}

// NewManager constructs an empty bridge manager. dial backs the prober
// and is also kept in Manager.Dial, which this package does not call.
func NewManager(dial DialFunc, primaryRetryInterval time.Duration) *Manager {
	prober := NewProber(dial)
	prober.Start()
	return &Manager{
		bridges:               map[string]*Bridge{},
		Dial:                  dial,
		Prober:                prober,
		PrimaryRetryInterval:  primaryRetryInterval,
	}
}

// AddBridge registers a bridge with its ordered address list, the first
// primaryCount entries being primaries.
func (m *Manager) AddBridge(id string, addrs []Address, primaryCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bridges[id] = &Bridge{ID: id, Addresses: addrs, PrimaryAddrCount: primaryCount}
}

// SetTopicPrefixes configures the local/remote prefix pair used by
// RemapInbound/RemapOutbound for the named bridge.
func (m *Manager) SetTopicPrefixes(id, localPrefix, remotePrefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bridges[id]; ok {
		b.LocalPrefix = localPrefix
		b.RemotePrefix = remotePrefix
	}
}

// RemapOutbound implements pkg/dispatch.TopicRemapper: a topic published
// locally under the bridge's LocalPrefix is rewritten to the peer's
// RemotePrefix before crossing the wire (spec.md §4.8 step 2).
func (m *Manager) RemapOutbound(bridgeID, t string) string {
	m.mu.Lock()
	b, ok := m.bridges[bridgeID]
	m.mu.Unlock()
	if !ok || b.LocalPrefix == "" {
		return t
	}
	return b.RemotePrefix + strings.TrimPrefix(t, b.LocalPrefix)
}

// RemapInbound implements pkg/dispatch.TopicRemapper: mirrors
// RemapOutbound for a topic arriving from this bridge, swapping the
// peer's RemotePrefix back for our LocalPrefix.
func (m *Manager) RemapInbound(bridgeID, t string) string {
	m.mu.Lock()
	b, ok := m.bridges[bridgeID]
	m.mu.Unlock()
	if !ok || b.LocalPrefix == "" {
		return t
	}
	return b.LocalPrefix + strings.TrimPrefix(t, b.RemotePrefix)
}

// Get returns the bridge state for id, if registered.
func (m *Manager) Get(id string) (*Bridge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bridges[id]
	return b, ok
}

// IDs returns every configured bridge's id.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.bridges))
	for id := range m.bridges {
		ids = append(ids, id)
	}
	return ids
}

// MarkConnected records a successful connection to the bridge's current
// address.
func (m *Manager) MarkConnected(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bridges[id]; ok {
		b.Connected = true
	}
}

// MarkDisconnected records a lost or failed connection, advancing the
// address cursor so the next reconnect attempt tries the next candidate.
func (m *Manager) MarkDisconnected(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bridges[id]
	if !ok {
		return
	}
	b.Connected = false
	if len(b.Addresses) == 0 {
		return
	}
	b.CurAddress = (b.CurAddress + 1) % len(b.Addresses)
	if !b.isPrimary(b.CurAddress) && b.PrimaryRetryAt.IsZero() {
		b.PrimaryRetryAt = time.Now().Add(m.PrimaryRetryInterval)
	}
}

// ReconnectLoop runs the per-bridge reconnect decision the maintenance
// tick drives: for each disconnected bridge whose primary retry timer has
// elapsed (or that has never set one), probe the current primary address;
// a successful probe promotes that bridge to reconnect against it, a
// failed one advances the primary probe cursor.
func (m *Manager) ReconnectLoop(now time.Time) {
	m.mu.Lock()
	var toProbe []*Bridge
	for _, b := range m.bridges {
		if b.Connected {
			continue
		}
		if !b.PrimaryRetryAt.IsZero() && now.Before(b.PrimaryRetryAt) {
			continue
		}
		toProbe = append(toProbe, b)
	}
	m.mu.Unlock()

	for _, b := range toProbe {
		m.probeAndAdvance(b)
	}
}

func (m *Manager) probeAndAdvance(b *Bridge) {
	m.mu.Lock()
	if b.PrimaryAddrCount == 0 {
		m.mu.Unlock()
		return
	}
	primaryIdx := b.CurPrimaryAddress % b.PrimaryAddrCount
	addr := b.Addresses[primaryIdx]
	m.mu.Unlock()

	result := <-m.Prober.Probe(addr)

	m.mu.Lock()
	defer m.mu.Unlock()
	if result.Success {
		b.CurAddress = primaryIdx
		b.PrimaryRetryAt = time.Time{}
	} else {
		b.CurPrimaryAddress = (b.CurPrimaryAddress + 1) % b.PrimaryAddrCount
	}
}

// Shutdown stops the shared prober.
func (m *Manager) Shutdown() {
	m.Prober.Stop()
}

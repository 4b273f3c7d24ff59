package core

import (
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opendxl/opendxl-broker-core/internal/log"
	"github.com/opendxl/opendxl-broker-core/internal/metrics"
	"github.com/opendxl/opendxl-broker-core/pkg/bridge"
	"github.com/opendxl/opendxl-broker-core/pkg/dispatch"
	"github.com/opendxl/opendxl-broker-core/pkg/identity"
	"github.com/opendxl/opendxl-broker-core/pkg/policy"
	"github.com/opendxl/opendxl-broker-core/pkg/reactor"
	"github.com/opendxl/opendxl-broker-core/pkg/registry"
	"github.com/opendxl/opendxl-broker-core/pkg/service"
	"github.com/opendxl/opendxl-broker-core/pkg/session"
	"github.com/opendxl/opendxl-broker-core/pkg/store"
	"github.com/opendxl/opendxl-broker-core/pkg/tenant"
	"github.com/opendxl/opendxl-broker-core/pkg/topic"
	"github.com/opendxl/opendxl-broker-core/pkg/trie"
	"github.com/opendxl/opendxl-broker-core/pkg/wire/mqtt"
)

// Core wires every subsystem (C2-C12) into one broker instance. It is
// the only package allowed to import pkg/dispatch, pkg/bridge, and
// pkg/reactor together, the same rule that made pkg/dispatch the single
// place trie/store/session/registry/policy/tenant meet.
type Core struct {
	Settings Settings
	Logger   log.Logger
	Metrics  *metrics.Metrics

	Root      *trie.Node
	Store     *store.Store
	Registry  *registry.Registry
	Services  *service.Registry
	Tenant    *tenant.Accounting
	Revoked   *identity.RevocationSet
	BrokerCAs *identity.BrokerCertSet
	Policy    *policy.TopicAuthorizationState
	Dispatch  *dispatch.Dispatcher
	Bridges   *bridge.Manager
	Reactor   *reactor.Reactor

	mu          sync.Mutex
	contexts    map[string]*session.Context
	remoteSubs  map[string][]string // brokerID -> topic filters that broker has announced
	brokerZones map[string][]string // brokerID -> zone names the local broker shares with it
}

// NewCore constructs a fully wired Core. authorizedTopics seeds the
// policy table (spec.md §4.8 step 3); an empty/nil table denies
// everything, matching the deny-by-default fallback.
func NewCore(settings Settings, logger log.Logger, m *metrics.Metrics, authorizedTopics map[string]map[string]struct{}) *Core {
	if logger == nil {
		logger = log.Nop()
	}

	c := &Core{
		Settings:    settings,
		Logger:      logger,
		Metrics:     m,
		Root:        trie.NewRoot(),
		Revoked:     identity.NewRevocationSet(),
		BrokerCAs:   identity.NewBrokerCertSet(nil),
		Policy:      policy.NewTopicAuthorizationState(true, authorizedTopics),
		contexts:    map[string]*session.Context{},
		remoteSubs:  map[string][]string{},
		brokerZones: map[string][]string{},
	}

	c.Store = store.New(c.onStoreFinalize)
	c.Registry = registry.New(settings.GUID)
	c.Registry.HasTopicOrWildcard = c.hasTopicOrWildcard
	c.Services = service.New(settings.GUID, settings.MultiTenantMode, c.zonesFor)
	c.Tenant = tenant.New(tenant.Limits{ByteLimit: settings.TenantByteLimit, ConnectionLimit: settings.TenantConnectionLimit})

	c.Dispatch = &dispatch.Dispatcher{
		Root:           c.Root,
		Store:          c.Store,
		Policy:         c.Policy,
		Tenant:         c.Tenant,
		Registry:       c.Registry,
		LocalBrokerID:  settings.GUID,
		OnDeliver:      c.markDirty,
		Services:       c.Services,
		ServiceContext: c.contextForClientGUID,
		BridgeContext:  c.bridgeContextForBroker,
		Logger:         logger,
	}

	c.Bridges = bridge.NewManager(dialTCP, settings.RetryInterval)

	// Wire the fabric-forwarding hooks dispatch needs but cannot supply
	// itself (spec.md §4.6/§4.8 step 2/step 6): RemapInbound/RemapOutbound
	// rewrite topics crossing a bridge's local/remote prefix boundary, and
	// PeerBroker tells the dispatcher which peer broker id a bridge leaf
	// represents so it can consult the fabric router's subscriber-in-subtree
	// check before forwarding (this is what suppresses storms in a dense
	// fabric — without it, every bridge leaf would receive every publish
	// unconditionally).
	c.Dispatch.Remapper = c.Bridges
	c.Dispatch.PeerBroker = c.peerBrokerFor

	c.Reactor = reactor.New(100*time.Millisecond, 10*time.Second)
	c.Reactor.Logger = logger
	c.Reactor.WriteDirty = c.writeDirty
	c.Reactor.Maintenance = []func(now time.Time){
		c.keepaliveSweep,
		c.bridgeReconnectSweep,
		c.ttlSweep,
		c.tickMetrics,
	}

	return c
}

func (c *Core) onStoreFinalize(dbID uint64) {
	if c.Metrics != nil {
		c.Metrics.StoreEntries.Set(float64(c.Store.Len()))
	}
}

// markDirty is handed to the dispatcher as OnDeliver and to other
// callers that need to wake the reactor's write drain for one context.
func (c *Core) markDirty(dest *session.Context) {
	c.Reactor.MarkDirty(dest)
}

// writeDirty is the reactor's WriteDirty hook: flush whatever is
// inflight/queued for ctx. The actual wire encoding lives at the
// transport edge outside this module's scope (spec.md's boundary is the
// protocol/fabric core, not the listener); here it is reduced to
// draining Queued entries into Inflight up to the queue limits, which is
// the part of "writing" this package owns.
func (c *Core) writeDirty(ctx *session.Context) {
	if ctx.Dead() {
		c.Disconnect(ctx, "dead")
		return
	}
	ctx.DrainQueued()
}

// hasTopicOrWildcard answers pkg/registry's injected lookup: does the
// named peer broker currently have a subscriber covering topic, directly
// or via wildcard. Backed by the announcements accumulated through
// AnnounceRemoteSubscription/WithdrawRemoteSubscription rather than any
// trie this broker owns directly, since remote subscribers never appear
// in the local subscription trie.
func (c *Core) hasTopicOrWildcard(brokerID, t string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, filter := range c.remoteSubs[brokerID] {
		if topic.Matches(filter, t) {
			return true
		}
	}
	return false
}

// peerBrokerFor implements dispatch.PeerBrokerResolver: a bridge context's
// CanonicalID is the peer broker id it was connected/registered under (see
// Connect's AddConnection call below), and only bridge contexts represent a
// peer broker at all.
func (c *Core) peerBrokerFor(dest *session.Context) (brokerID string, isPeer bool) {
	if !dest.IsBridge() {
		return "", false
	}
	return dest.CanonicalID, true
}

// contextForClientGUID implements dispatch.ServiceContextResolver: a
// service registration's ClientGUID identifies the connection context
// that registered it, so dispatch can find where to deliver a routed
// DXL request.
func (c *Core) contextForClientGUID(clientGUID string) (*session.Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ctx := range c.contexts {
		if ctx.ClientGUID == clientGUID {
			return ctx, true
		}
	}
	return nil, false
}

// bridgeContextForBroker implements dispatch.BridgeContextResolver: the
// inverse of peerBrokerFor, finding the locally connected bridge context
// whose CanonicalID is brokerID.
func (c *Core) bridgeContextForBroker(brokerID string) (*session.Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ctx := range c.contexts {
		if ctx.IsBridge() && ctx.CanonicalID == brokerID {
			return ctx, true
		}
	}
	return nil, false
}

// AnnounceRemoteSubscription records that brokerID has a subscriber
// covering filter, learned via fabric subscription propagation.
func (c *Core) AnnounceRemoteSubscription(brokerID, filter string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.remoteSubs[brokerID] {
		if f == filter {
			return
		}
	}
	c.remoteSubs[brokerID] = append(c.remoteSubs[brokerID], filter)
}

// WithdrawRemoteSubscription removes a previously announced filter.
func (c *Core) WithdrawRemoteSubscription(brokerID, filter string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	filters := c.remoteSubs[brokerID]
	for i, f := range filters {
		if f == filter {
			c.remoteSubs[brokerID] = append(filters[:i], filters[i+1:]...)
			return
		}
	}
}

// zonesFor answers pkg/service's injected ZoneLookup: which zones does
// the local broker share with brokerID.
func (c *Core) zonesFor(brokerID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.brokerZones[brokerID]...)
}

// SetBrokerZones records the zone names the local broker shares with
// brokerID, used for service round-robin ordering.
func (c *Core) SetBrokerZones(brokerID string, zones []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.brokerZones[brokerID] = append([]string(nil), zones...)
}

// Connect registers a freshly accepted, identity-verified context:
// enforces the tenant connection limit, then tracks it for keepalive and
// lookup by id.
func (c *Core) Connect(ctx *session.Context) error {
	if ctx.TenantGUID != "" && !ctx.Ops && !ctx.IsBridge() && !c.Tenant.IsConnectionAllowed(ctx.TenantGUID) {
		return New(KindResource, "tenant connection limit exceeded")
	}
	if ctx.TenantGUID != "" && !ctx.Ops && !ctx.IsBridge() {
		c.Tenant.OnClientConnected(ctx.TenantGUID)
	}

	c.mu.Lock()
	c.contexts[ctx.ID()] = ctx
	c.mu.Unlock()

	if ctx.IsBridge() {
		c.Registry.AddConnection(c.Settings.GUID, ctx.CanonicalID)
	}
	if c.Metrics != nil {
		c.Metrics.Connections.Inc()
	}
	ctx.SetState(session.StateConnected)
	return nil
}

// HandleConnect applies spec.md §4.9's CONNECT validation and state
// machine to a freshly decoded CONNECT packet, then registers ctx via
// Connect. protocolName/protocolVersion/cleanSession/clientID/keepalive
// come from mqtt.DecodeConnect; ctx.CertChain must already be populated
// from the TLS handshake (identity is certificate-derived, never a
// username/password from the CONNECT payload).
func (c *Core) HandleConnect(ctx *session.Context, pkt mqtt.Connect) (mqtt.ConnackCode, error) {
	if pkt.ProtocolName != "MQIsdp" && pkt.ProtocolName != "MQTT" {
		return mqtt.ConnackRefusedProtocolVersion, New(KindProtocol, "unrecognized protocol name "+pkt.ProtocolName)
	}
	version := mqtt.ProtocolVersionNumber(pkt.ProtocolVersion)
	if version != 3 && version != 4 {
		return mqtt.ConnackRefusedProtocolVersion, New(KindProtocol, "unsupported protocol version")
	}

	// clean_session=false would require persisting queued/inflight state
	// across reconnects, which SPEC_FULL.md §16 excludes; every CONNECT
	// that asks for a persistent session is refused outright rather than
	// silently downgraded.
	if !pkt.CleanSession {
		return mqtt.ConnackRefusedIdentifierRejected, New(KindProtocol, "persistent sessions (clean_session=false) are not supported")
	}

	if mqtt.IsBridgeProtocolVersion(pkt.ProtocolVersion) {
		ctx.IsBridgeFlag = true
		if len(ctx.CertChain) == 0 || !c.BrokerCAs.IsKnownBrokerCert(ctx.CertChain[0]) {
			return mqtt.ConnackRefusedNotAuthorized, New(KindAuth, "bridge CONNECT presented a cert outside the accepted broker set")
		}
	}

	ctx.CleanSession = true
	ctx.ClientID = pkt.ClientID
	ctx.Keepalive = pkt.KeepAlive
	if len(ctx.CertChain) > 0 {
		ctx.CanonicalID = ctx.CertChain[0]
	}

	// A second CONNECT bearing the same canonical+client id supersedes
	// whatever context is currently registered under it: the old
	// context's undelivered queues and subscription count transfer to
	// the new one before it is torn down, mirroring the original's
	// connection-replacement handling in broker.c's client_connect.
	id := ctx.ID()
	c.mu.Lock()
	previous, exists := c.contexts[id]
	c.mu.Unlock()
	if exists && previous != ctx {
		ctx.Inflight = previous.Inflight
		ctx.Queued = previous.Queued
		ctx.SubscriptionCount = previous.SubscriptionCount
		c.Disconnect(previous, "superseded by a new CONNECT with the same id")
	}

	if err := c.Connect(ctx); err != nil {
		return mqtt.ConnackRefusedServerUnavailable, err
	}

	c.Logger.Log(log.LevelInfo, "client connected", "client", id, "bridge", ctx.IsBridge())
	return mqtt.ConnackAccepted, nil
}

// Disconnect tears down ctx: clears its subscriptions if it is a
// clean session, releases tenant accounting, and forgets it.
func (c *Core) Disconnect(ctx *session.Context, reason string) {
	c.mu.Lock()
	_, tracked := c.contexts[ctx.ID()]
	delete(c.contexts, ctx.ID())
	c.mu.Unlock()
	if !tracked {
		return
	}

	if ctx.CleanSession {
		trie.CleanSession(c.Root, ctx)
	}
	if ctx.TenantGUID != "" && !ctx.Ops && !ctx.IsBridge() {
		c.Tenant.OnClientDisconnected(ctx.TenantGUID)
	}
	if ctx.IsBridge() {
		c.Registry.RemoveConnection(c.Settings.GUID, ctx.CanonicalID)
	}
	if c.Metrics != nil {
		c.Metrics.Connections.Dec()
	}
	ctx.SetState(session.StateClosed)
	ctx.MarkDead()
	c.Logger.Log(log.LevelInfo, "context disconnected", "client", ctx.ID(), "reason", reason)
}

// Subscribe adds ctx's interest in filter at qos to the trie, then
// delivers any retained message already recorded on the matched subtree
// to ctx (spec.md §4.2: "subscribing to a wildcard topic must also
// deliver retained messages recorded on the matching subtree").
func (c *Core) Subscribe(ctx *session.Context, filter string, qos byte) (trie.AddResult, bool) {
	result, first := trie.Add(c.Root, ctx, filter, qos)

	for _, r := range trie.RetainedForSubscribe(c.Root, filter) {
		entry, ok := r.(*store.Entry)
		if !ok {
			continue
		}
		effQoS := qos
		if entry.QoS < effQoS {
			effQoS = entry.QoS
		}
		entry.Retain()
		res := ctx.EnqueueOutbound(effQoS, ctx.NextMID(), false, true, entry.Topic, entry)
		if res == session.EnqueueInflight || res == session.EnqueueQueued {
			c.Reactor.MarkDirty(ctx)
		}
	}

	return result, first
}

// Unsubscribe removes ctx's interest in filter.
func (c *Core) Unsubscribe(ctx *session.Context, filter string) (bool, bool) {
	return trie.Remove(c.Root, ctx, filter)
}

// Publish runs a PUBLISH through the dispatcher.
func (c *Core) Publish(src *session.Context, t string, qos byte, dup, retain bool, payload []byte) (dispatch.Action, error) {
	action, err := c.Dispatch.Dispatch(src, t, qos, dup, retain, payload)
	if err == dispatch.ErrTenantOverLimit && c.Metrics != nil {
		c.Metrics.TenantDisconnects.WithLabelValues(src.TenantGUID).Inc()
	}
	return action, err
}

// RevokeCertificates merges sha1Hashes into the revocation set and marks
// every currently connected context whose cert chain contains one of them
// dead, so the reactor's next write-drain or poll pass disconnects it
// (spec.md §8 scenario 6: a revoked, already-connected context must be
// disconnected before the next poll cycle completes, and any subsequent
// CONNECT with the same cert must fail verify). This is the Core-side
// handler for the reactor work queue's RunnableRevokeCerts variant.
func (c *Core) RevokeCertificates(sha1Hashes []string) {
	c.Revoked.Add(sha1Hashes)

	revoked := make(map[string]struct{}, len(sha1Hashes))
	for _, h := range sha1Hashes {
		revoked[h] = struct{}{}
	}

	c.mu.Lock()
	ctxs := make([]*session.Context, 0, len(c.contexts))
	for _, ctx := range c.contexts {
		ctxs = append(ctxs, ctx)
	}
	c.mu.Unlock()

	for _, ctx := range ctxs {
		for _, h := range ctx.CertChain {
			if _, ok := revoked[h]; ok {
				ctx.MarkDead()
				c.Reactor.MarkDirty(ctx)
				c.Logger.Log(log.LevelInfo, "context certificate revoked, marking dead", "client", ctx.ID())
				break
			}
		}
	}
}

// VerifyCertificate runs the identity checks a TLS handshake needs:
// fingerprint, revocation, and GUID extraction.
func (c *Core) VerifyCertificate(cert *x509.Certificate) identity.VerifyResult {
	return identity.VerifyPeerCertificate(cert, c.Revoked)
}

// Start launches the reactor goroutine. Call once.
func (c *Core) Start() {
	go c.Reactor.Run()
}

// Stop halts the reactor and the bridge prober.
func (c *Core) Stop() {
	c.Reactor.Stop()
	c.Bridges.Shutdown()
}

func (c *Core) keepaliveSweep(now time.Time) {
	c.mu.Lock()
	ctxs := make([]*session.Context, 0, len(c.contexts))
	for _, ctx := range c.contexts {
		ctxs = append(ctxs, ctx)
	}
	c.mu.Unlock()

	for _, ctx := range ctxs {
		if ctx.IsBridge() {
			continue // local bridges never time out this way
		}
		if ctx.KeepaliveExpired(now) {
			c.Logger.Log(log.LevelInfo, "client exceeded keepalive, disconnecting", "client", ctx.ID())
			c.Disconnect(ctx, "keepalive timeout")
		}
	}
}

func (c *Core) ttlSweep(now time.Time) {
	ttl := c.Settings.TTLDuration()
	for _, id := range c.Registry.TTLSweep(now, ttl) {
		c.Logger.Log(log.LevelInfo, "expired peer broker", "broker", id)
	}
	for _, id := range c.Services.TTLSweep(now, ttl) {
		c.Logger.Log(log.LevelInfo, "expired service registration", "service", id)
	}
}

// bridgeReconnectSweep drives each configured bridge's reconnect loop and
// then counts, against BridgeReconnects, every bridge that is still not
// connected once the loop has run.
func (c *Core) bridgeReconnectSweep(now time.Time) {
	c.Bridges.ReconnectLoop(now)
	if c.Metrics == nil {
		return
	}
	for _, id := range c.Bridges.IDs() {
		if b, ok := c.Bridges.Get(id); ok && !b.Connected {
			c.Metrics.BridgeReconnects.WithLabelValues(id).Inc()
		}
	}
}

// tickMetrics refreshes the gauges that are cheapest sampled once per
// maintenance pass rather than on every mutation.
func (c *Core) tickMetrics(now time.Time) {
	if c.Metrics == nil {
		return
	}
	c.Metrics.MaintenanceTicks.Inc()
	c.Metrics.Brokers.Set(float64(c.Registry.Len()))
	c.Metrics.Services.Set(float64(c.Services.Len()))
	c.Metrics.StoreEntries.Set(float64(c.Store.Len()))
}

// dialTCP is the default bridge reachability dialer: a short TCP connect
// attempt, mirroring the original's use of a plain connect() probe ahead
// of the real MQTT CONNECT handshake.
func dialTCP(addr bridge.Address) error {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", addr.Host, addr.Port), 3*time.Second)
	if err != nil {
		return Wrap(KindBridgeUnreachable, err, "bridge reachability probe failed")
	}
	return conn.Close()
}

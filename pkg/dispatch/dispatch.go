// Package dispatch implements the publish dispatcher (spec.md §4.8
// "Publish dispatcher (C9)"): header validation, bridge topic
// remapping, topic authorization, tenant byte accounting, store entry
// creation, and trie-driven fan-out to every matching subscriber.
package dispatch

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/opendxl/opendxl-broker-core/internal/log"
	"github.com/opendxl/opendxl-broker-core/pkg/policy"
	"github.com/opendxl/opendxl-broker-core/pkg/registry"
	"github.com/opendxl/opendxl-broker-core/pkg/service"
	"github.com/opendxl/opendxl-broker-core/pkg/session"
	"github.com/opendxl/opendxl-broker-core/pkg/store"
	"github.com/opendxl/opendxl-broker-core/pkg/tenant"
	"github.com/opendxl/opendxl-broker-core/pkg/topic"
	"github.com/opendxl/opendxl-broker-core/pkg/trie"
	"github.com/opendxl/opendxl-broker-core/pkg/wire/dxl"
)

// Action reports what the dispatcher decided to do with the publish, for
// the caller (the reactor) to act on — e.g. disconnecting the source
// context.
type Action int

const (
	ActionDelivered Action = iota
	ActionDroppedSilently
	ActionDroppedDisconnect
)

var (
	ErrQoSReserved        = errors.New("dispatch: qos value 3 is reserved")
	ErrEmptyTopic         = errors.New("dispatch: publish topic is empty")
	ErrWildcardInTopic    = errors.New("dispatch: publish topic must not contain a wildcard")
	ErrUnauthorized       = errors.New("dispatch: publisher is not authorized for this topic")
	ErrTenantOverLimit    = errors.New("dispatch: tenant byte limit exceeded")
	ErrNoServiceAvailable = errors.New("dispatch: no service registered to satisfy this request")
)

// TopicRemapper rewrites topics crossing a bridge boundary: stripping
// the local prefix and adding the remote prefix outbound, and mirroring
// that inbound (spec.md §4.8 step 2). Injected so this package doesn't
// need to know bridge configuration shape.
type TopicRemapper interface {
	RemapInbound(bridgeID, t string) string
	RemapOutbound(bridgeID, t string) string
}

// PeerBrokerResolver reports which peer broker id a destination bridge
// context represents, if any — used to consult the fabric router before
// forwarding across that edge.
type PeerBrokerResolver func(dest *session.Context) (brokerID string, isPeer bool)

// StoreMessageHook lets a caller rewrite the payload delivered to
// non-bridge contexts (spec.md §4.8 step 5's on_store_message), by
// setting entry.ClientPayload.
type StoreMessageHook func(entry *store.Entry)

// ServiceContextResolver finds the live connection context a registered
// service instance is attached to, by its ClientGUID. Injected rather
// than looked up directly so this package never depends on pkg/core's
// context bookkeeping.
type ServiceContextResolver func(clientGUID string) (*session.Context, bool)

// BridgeContextResolver finds the live bridge connection context this
// broker uses to reach the named peer broker directly, if one exists.
// Injected for the same reason as ServiceContextResolver: pkg/core owns
// the connected-context table, not this package.
type BridgeContextResolver func(brokerID string) (*session.Context, bool)

// Dispatcher wires together the subsystems a publish dispatch touches.
// None of trie/store/session/registry/policy/tenant is imported by any
// of the others — dispatch is the first package allowed to see them all
// at once, since it is the one place their interaction is actually
// specified.
type Dispatcher struct {
	Root           *trie.Node
	Store          *store.Store
	Policy         *policy.TopicAuthorizationState
	Tenant         *tenant.Accounting
	Registry       *registry.Registry
	LocalBrokerID  string

	Remapper       TopicRemapper
	PeerBroker     PeerBrokerResolver
	OnStoreMessage StoreMessageHook

	// Services and ServiceContext enable DXL request routing (spec.md
	// §4.7 "Service registry (C8)"): when both are set, Dispatch decodes
	// the publish payload as a DXL envelope and, for a REQUEST, routes it
	// point-to-point to a selected service instead of fanning it out
	// through the trie. Left nil, every publish falls back to the plain
	// trie broadcast below, which is what every non-DXL MQTT client sees.
	Services       *service.Registry
	ServiceContext ServiceContextResolver

	// BridgeContext resolves a peer broker id to the bridge context
	// reaching it directly, used when a selected service registration's
	// BrokerID names a different broker than LocalBrokerID: the request
	// is forwarded one hop toward it via Registry.NextBroker rather than
	// dropped for want of a local connection. Left nil, service selection
	// is assumed local-only.
	BridgeContext BridgeContextResolver

	// OnDeliver fires once per destination that actually received (or
	// queued) a copy of the message, so a caller can mark that context
	// dirty for the reactor's next write drain without this package
	// needing to know anything about the reactor.
	OnDeliver func(dest *session.Context)

	Logger log.Logger
}

// Dispatch processes one PUBLISH received from src.
func (d *Dispatcher) Dispatch(src *session.Context, t string, qos byte, dup, retain bool, payload []byte) (Action, error) {
	logger := d.Logger
	if logger == nil {
		logger = log.Nop()
	}

	// 1. Header validation.
	if qos == 3 {
		return ActionDroppedDisconnect, ErrQoSReserved
	}
	if qos > 0 && !src.IsBridge() {
		logger.Log(log.LevelDebug, "dropping qos>0 publish from non-bridge client", "client", src.ID(), "topic", t)
		return ActionDroppedSilently, nil
	}
	if t == "" {
		return ActionDroppedDisconnect, ErrEmptyTopic
	}
	if topic.IsWildcard(t) {
		return ActionDroppedDisconnect, ErrWildcardInTopic
	}

	// 2. Bridge topic remapping.
	if d.Remapper != nil && src.IsBridge() {
		t = d.Remapper.RemapInbound(src.ID(), t)
	}

	// 3. Topic authorization.
	if d.Policy != nil && !d.Policy.IsAuthorized(src.CertChain, t) {
		logger.Log(log.LevelDebug, "publish denied by topic authorization", "client", src.ID(), "topic", t)
		return ActionDroppedSilently, ErrUnauthorized
	}

	// 4. Tenant byte accounting.
	if d.Tenant != nil && src.TenantGUID != "" && !src.Ops && !src.IsBridgeFlag {
		if d.Tenant.UpdateSentBytes(src.TenantGUID, int64(len(payload))) {
			logger.Log(log.LevelWarn, "tenant byte limit exceeded, disconnecting", "tenant", src.TenantGUID, "client", src.ID())
			return ActionDroppedDisconnect, ErrTenantOverLimit
		}
	}

	// 4b. DXL envelope decode. Only attempted when a service registry is
	// wired in; a non-DXL MQTT publish (or any payload too short to carry
	// a valid envelope) fails decode harmlessly and falls through to the
	// plain trie broadcast below, exactly as it did before C8 existed.
	var msg dxl.Message
	var isDXL bool
	if d.Services != nil {
		if m, perr := dxl.Decode(payload); perr == nil {
			msg, isDXL = m, true
		}
	}

	// A REQUEST never reaches the subscription trie: it is routed
	// point-to-point to exactly one (or, under the multi-service flag,
	// one per registered type) selected service instance (spec.md §4.7),
	// never broadcast to every subscriber of the topic.
	if isDXL && msg.MessageType == dxl.TypeRequest {
		return d.routeRequest(src, t, qos, dup, msg)
	}

	// 5. Store entry + on_store_message hook. Insert starts the entry at
	// ref_count=0 (spec.md §4.3); Retain a transient reference for the
	// duration of this dispatch so a publish that fans out to nothing and
	// isn't retained (common for unsubscribed fabric control traffic)
	// still gets released back to zero and finalized, instead of sitting
	// forever at ref_count=0 with no Release ever called against it.
	entry := d.Store.Insert(src.ID(), src.LastMID, t, qos, payload, retain)
	entry.Retain()
	if d.OnStoreMessage != nil {
		d.OnStoreMessage(entry)
	}
	if retain {
		trie.SetRetained(d.Root, t, entry)
	}

	// 6. Trie fan-out.
	leaves := trie.Search(d.Root, t)
	for _, leaf := range leaves {
		dest, ok := leaf.Sub.(*session.Context)
		if !ok {
			continue
		}

		if src.IsBridge() && dest.IsBridge() && dest.ID() == src.ID() {
			continue // loop prevention: never echo back to the originating bridge
		}

		deliverTopic := t
		if d.Remapper != nil && dest.IsBridge() {
			if d.PeerBroker != nil {
				if brokerID, isPeer := d.PeerBroker(dest); isPeer {
					if d.Registry != nil && !d.Registry.IsSubscriberInHierarchy(d.LocalBrokerID, brokerID, t) {
						continue
					}
				}
			}
			deliverTopic = d.Remapper.RemapOutbound(dest.ID(), t)
		}

		effQoS := qos
		if leaf.QoS < effQoS {
			effQoS = leaf.QoS
		}

		entry.Retain()
		res := dest.EnqueueOutbound(effQoS, dest.NextMID(), dup, retain, deliverTopic, entry)
		if res == session.EnqueueDroppedNoSock || res == session.EnqueueDroppedOverflow || res == session.EnqueueDroppedQueueFull {
			logger.Log(log.LevelDebug, "dropped outbound delivery", "dest", dest.ID(), "topic", deliverTopic, "result", res)
			continue
		}
		if d.OnDeliver != nil {
			d.OnDeliver(dest)
		}
	}

	// Drop the transient dispatch-local reference taken above. Any
	// reference taken by a retained-message slot or a destination queue
	// entry keeps the count above zero; otherwise this is the release
	// that brings it back to zero and finalizes it.
	entry.Release()

	if isDXL && d.Services != nil {
		switch msg.MessageType {
		case dxl.TypeEvent:
			// Event-to-request transformation (spec.md §4.7): in addition
			// to the plain trie broadcast above, a registered handler for
			// this event topic receives a synthesized REQUEST whose
			// reply-to routes back to the event's originating client.
			if handler, ok := d.Services.FindEventHandler(t); ok {
				d.deliverRequestTo(src, handler, dxl.Message{
					Version:          msg.Version,
					MessageType:      dxl.TypeRequest,
					MessageID:        uuid.NewString(),
					SourceClientID:   msg.SourceClientID,
					SourceBrokerGUID: d.LocalBrokerID,
					ReplyToTopic:     service.ReplyToForEvent(msg.SourceClientID),
					SourceTenantGUID: msg.SourceTenantGUID,
					Payload:          msg.Payload,
				}, t, qos, dup)
			}
		case dxl.TypeErrorResponse:
			// A FABRICSERVICEUNAVAILABLE response names the service
			// instance that could not be reached; drop its registration
			// so the next NextService call stops selecting it.
			if msg.ErrorCode == dxl.ErrFabricServiceUnavailable && msg.DestinationServiceID != "" {
				d.Services.Unregister(msg.DestinationServiceID)
			}
		}
	}

	return ActionDelivered, nil
}

// routeRequest resolves one (or, under MultiServiceFlag, one per
// registered type) service instance eligible for msg's request topic and
// delivers a cloned envelope to each directly, bypassing the
// subscription trie entirely (spec.md §4.7). A request for which no
// eligible service exists is answered with a FABRICSERVICEUNAVAILABLE
// error response routed back to msg.ReplyToTopic.
func (d *Dispatcher) routeRequest(src *session.Context, t string, qos byte, dup bool, msg dxl.Message) (Action, error) {
	logger := d.Logger
	if logger == nil {
		logger = log.Nop()
	}

	if msg.MultiServiceFlag {
		plan := d.Services.PlanMultiServiceRequest(t, src.TenantGUID, src.Ops)
		if len(plan.ByType) == 0 {
			return d.deliverServiceUnavailable(src, t, qos, msg, logger)
		}
		servicesByMessageID := make(map[string]string, len(plan.ByType))
		for _, svc := range plan.ByType {
			cloned := dxl.Clone(msg, uuid.NewString())
			d.deliverRequestTo(src, svc, cloned, t, qos, dup)
			servicesByMessageID[cloned.MessageID] = svc.ServiceID
		}
		d.deliverMultiServiceResponse(src, t, qos, msg, servicesByMessageID)
		return ActionDelivered, nil
	}

	svc, ok := d.Services.NextService(t, src.TenantGUID, "", src.Ops)
	if !ok {
		return d.deliverServiceUnavailable(src, t, qos, msg, logger)
	}
	d.deliverRequestTo(src, svc, msg, t, qos, dup)
	return ActionDelivered, nil
}

// resolveServiceDestination finds the context a routed request for svc
// should be enqueued on: the service's own connection when it is local,
// otherwise the bridge context reaching svc.BrokerID's next hop (spec.md
// §4.6's fabric router), resolved via Registry.NextBroker.
func (d *Dispatcher) resolveServiceDestination(svc *service.Registration) (*session.Context, bool) {
	if d.ServiceContext != nil {
		if dest, ok := d.ServiceContext(svc.ClientGUID); ok {
			return dest, true
		}
	}
	if svc.BrokerID == "" || svc.BrokerID == d.LocalBrokerID || d.Registry == nil || d.BridgeContext == nil {
		return nil, false
	}
	nextHop, ok := d.Registry.NextBroker(d.LocalBrokerID, svc.BrokerID)
	if !ok {
		return nil, false
	}
	return d.BridgeContext(nextHop)
}

// deliverRequestTo encodes msg and enqueues it directly on svc's live
// connection context, skipping the trie and retained-message bookkeeping
// that only apply to broadcast publishes. When svc was registered by a
// remote broker, delivery instead goes one hop along the fabric toward
// it, rather than being silently dropped for want of a local client.
func (d *Dispatcher) deliverRequestTo(src *session.Context, svc *service.Registration, msg dxl.Message, t string, qos byte, dup bool) {
	dest, ok := d.resolveServiceDestination(svc)
	if !ok {
		return
	}

	// Insert starts ref_count at 0; Retain before EnqueueOutbound, which
	// itself Releases on every branch that doesn't keep the ref queued
	// (mirroring the trie fan-out loop above) — this is the entry's only
	// destination, so no separate transient reference is needed.
	entry := d.Store.Insert(src.ID(), src.LastMID, t, qos, dxl.Encode(msg), false)
	entry.Retain()
	res := dest.EnqueueOutbound(qos, dest.NextMID(), dup, false, t, entry)
	if res == session.EnqueueInflight || res == session.EnqueueQueued {
		if d.OnDeliver != nil {
			d.OnDeliver(dest)
		}
	}
}

// deliverMultiServiceResponse answers a multi-service REQUEST immediately
// with a RESPONSE carrying servicesByMessageID (new message id -> service
// id, one entry per fanned-out clone), rather than making the requester
// wait for the individual service replies. Grounded on
// ServiceLookupHandler.cpp's handleMultiServiceRequest, which builds this
// response synchronously right after issuing the cloned requests.
func (d *Dispatcher) deliverMultiServiceResponse(src *session.Context, t string, qos byte, msg dxl.Message, servicesByMessageID map[string]string) {
	payload, err := json.Marshal(servicesByMessageID)
	if err != nil {
		return
	}
	respMsg := dxl.Message{
		Version:          msg.Version,
		MessageType:      dxl.TypeResponse,
		MessageID:        msg.MessageID,
		SourceClientID:   msg.SourceClientID,
		SourceBrokerGUID: d.LocalBrokerID,
		ReplyToTopic:     msg.ReplyToTopic,
		SourceTenantGUID: msg.SourceTenantGUID,
		Payload:          payload,
	}
	entry := d.Store.Insert(d.LocalBrokerID, 0, t, qos, dxl.Encode(respMsg), false)
	entry.Retain()
	res := src.EnqueueOutbound(qos, src.NextMID(), false, false, t, entry)
	if res == session.EnqueueInflight || res == session.EnqueueQueued {
		if d.OnDeliver != nil {
			d.OnDeliver(src)
		}
	}
}

// deliverServiceUnavailable answers a request with no eligible service
// with a FABRICSERVICEUNAVAILABLE error response delivered back to src.
func (d *Dispatcher) deliverServiceUnavailable(src *session.Context, t string, qos byte, msg dxl.Message, logger log.Logger) (Action, error) {
	logger.Log(log.LevelDebug, "no service available to satisfy request", "client", src.ID(), "topic", t)

	errMsg := dxl.Message{
		Version:                msg.Version,
		MessageType:            dxl.TypeErrorResponse,
		MessageID:              msg.MessageID,
		SourceClientID:         msg.SourceClientID,
		SourceBrokerGUID:       d.LocalBrokerID,
		DestinationClientGUIDs: []string{msg.SourceClientID},
		ReplyToTopic:           msg.ReplyToTopic,
		SourceTenantGUID:       msg.SourceTenantGUID,
		ErrorCode:              dxl.ErrFabricServiceUnavailable,
	}

	entry := d.Store.Insert(d.LocalBrokerID, 0, t, qos, dxl.Encode(errMsg), false)
	entry.Retain()
	res := src.EnqueueOutbound(qos, src.NextMID(), false, false, t, entry)
	if res == session.EnqueueInflight || res == session.EnqueueQueued {
		if d.OnDeliver != nil {
			d.OnDeliver(src)
		}
	}

	return ActionDroppedSilently, ErrNoServiceAvailable
}

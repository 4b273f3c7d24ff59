package dispatch

import (
	"encoding/json"
	"testing"

	"github.com/opendxl/opendxl-broker-core/pkg/policy"
	"github.com/opendxl/opendxl-broker-core/pkg/service"
	"github.com/opendxl/opendxl-broker-core/pkg/session"
	"github.com/opendxl/opendxl-broker-core/pkg/store"
	"github.com/opendxl/opendxl-broker-core/pkg/trie"
	"github.com/opendxl/opendxl-broker-core/pkg/wire/dxl"
)

func newDispatcher() (*Dispatcher, *trie.Node, *store.Store) {
	root := trie.NewRoot()
	st := store.New(nil)
	d := &Dispatcher{Root: root, Store: st, LocalBrokerID: "local"}
	return d, root, st
}

func newClient(id string) *session.Context {
	c := session.NewContext(nil, session.QueueLimits{MaxInflight: 10, MaxQueued: 10, QueueQoS0Messages: true})
	c.CanonicalID = id
	c.ClientID = id
	return c
}

func TestDispatchDeliversToSubscriber(t *testing.T) {
	d, root, _ := newDispatcher()
	pub := newClient("pub")
	sub := newClient("sub")
	trie.Add(root, sub, "a/b", 0)

	action, err := d.Dispatch(pub, "a/b", 0, false, false, []byte("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionDelivered {
		t.Fatalf("expected delivered, got %v", action)
	}
	if len(sub.Inflight) != 1 {
		t.Fatalf("expected one inflight delivery, got %d", len(sub.Inflight))
	}
}

func TestDispatchRejectsReservedQoS(t *testing.T) {
	d, _, _ := newDispatcher()
	pub := newClient("pub")
	action, err := d.Dispatch(pub, "a/b", 3, false, false, nil)
	if err != ErrQoSReserved || action != ActionDroppedDisconnect {
		t.Fatalf("expected reserved qos rejection, got action=%v err=%v", action, err)
	}
}

func TestDispatchDropsQoSFromNonBridge(t *testing.T) {
	d, root, _ := newDispatcher()
	pub := newClient("pub")
	sub := newClient("sub")
	trie.Add(root, sub, "a/b", 1)

	action, err := d.Dispatch(pub, "a/b", 1, false, false, []byte("x"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionDroppedSilently {
		t.Fatalf("expected silent drop, got %v", action)
	}
	if len(sub.Inflight) != 0 {
		t.Fatal("expected no delivery for a dropped qos>0 publish")
	}
}

func TestDispatchRejectsEmptyTopic(t *testing.T) {
	d, _, _ := newDispatcher()
	pub := newClient("pub")
	if _, err := d.Dispatch(pub, "", 0, false, false, nil); err != ErrEmptyTopic {
		t.Fatalf("expected empty topic error, got %v", err)
	}
}

func TestDispatchRejectsWildcardPublishTopic(t *testing.T) {
	d, _, _ := newDispatcher()
	pub := newClient("pub")
	if _, err := d.Dispatch(pub, "a/#", 0, false, false, nil); err != ErrWildcardInTopic {
		t.Fatalf("expected wildcard rejection, got %v", err)
	}
}

func TestDispatchEffectiveQoSIsMinimum(t *testing.T) {
	d, root, _ := newDispatcher()
	pub := newClient("pub")
	pub.IsBridgeFlag = true // allowed to publish at qos>0
	sub := newClient("sub")
	trie.Add(root, sub, "a/b", 0)

	_, err := d.Dispatch(pub, "a/b", 2, false, false, []byte("x"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sub.Inflight) != 1 || sub.Inflight[0].QoS != 0 {
		t.Fatalf("expected effective qos min(2,0)=0, got %+v", sub.Inflight)
	}
}

func TestDispatchSkipsBridgeLoopback(t *testing.T) {
	d, root, _ := newDispatcher()
	bridge := newClient("bridge1")
	bridge.IsBridgeFlag = true
	trie.Add(root, bridge, "a/b", 0)

	action, err := d.Dispatch(bridge, "a/b", 0, false, false, []byte("x"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionDelivered {
		t.Fatalf("expected action delivered even with zero deliveries, got %v", action)
	}
	if len(bridge.Inflight) != 0 {
		t.Fatal("expected the originating bridge to never receive its own publish back")
	}
}

func TestDispatchRejectsUnauthorizedPublish(t *testing.T) {
	d, root, _ := newDispatcher()
	d.Policy = policy.NewTopicAuthorizationState(false, nil)
	pub := newClient("pub")
	sub := newClient("sub")
	trie.Add(root, sub, "a/b", 0)

	action, err := d.Dispatch(pub, "a/b", 0, false, false, []byte("x"))
	if err != ErrUnauthorized || action != ActionDroppedSilently {
		t.Fatalf("expected unauthorized drop, got action=%v err=%v", action, err)
	}
	if len(sub.Inflight) != 0 {
		t.Fatal("expected no delivery for an unauthorized publish")
	}
}

func TestDispatchRetainSetsNodeRetainedEntry(t *testing.T) {
	d, root, st := newDispatcher()
	pub := newClient("pub")

	_, err := d.Dispatch(pub, "a/b", 0, false, true, []byte("retained"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := trie.RetainedForSubscribe(root, "a/b")
	if len(got) != 1 {
		t.Fatalf("expected one retained entry, got %d", len(got))
	}
	if st.Len() != 1 {
		t.Fatalf("expected the store entry to still be live (held by the retained reference), got %d", st.Len())
	}
}

// newDispatcherWithServices wires a service registry and a ClientGUID ->
// context resolver backed by the given contexts, for the DXL
// request-routing tests below.
func newDispatcherWithServices(contexts ...*session.Context) (*Dispatcher, *service.Registry) {
	d, _, _ := newDispatcher()
	svcs := service.New("local", false, nil)
	d.Services = svcs
	d.ServiceContext = func(clientGUID string) (*session.Context, bool) {
		for _, ctx := range contexts {
			if ctx.ClientGUID == clientGUID {
				return ctx, true
			}
		}
		return nil, false
	}
	return d, svcs
}

func requestEnvelope(multiService bool) []byte {
	return dxl.Encode(dxl.Message{
		Version:          1,
		MessageType:      dxl.TypeRequest,
		MessageID:        "req-1",
		SourceClientID:   "requester",
		MultiServiceFlag: multiService,
		Payload:          []byte("params"),
	})
}

func TestDispatchRoutesRequestToRegisteredService(t *testing.T) {
	svcCtx := newClient("svc")
	svcCtx.ClientGUID = "svc-guid"
	d, svcs := newDispatcherWithServices(svcCtx)
	svcs.Register(&service.Registration{
		ServiceID:       "svc1",
		ServiceType:     "/mycompany/myservice",
		BrokerID:        "local",
		ClientGUID:      "svc-guid",
		RequestChannels: []string{"/mycompany/myservice/request"},
	})

	requester := newClient("requester")
	action, err := d.Dispatch(requester, "/mycompany/myservice/request", 0, false, false, requestEnvelope(false))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionDelivered {
		t.Fatalf("expected delivered, got %v", action)
	}
	if len(svcCtx.Inflight) != 1 {
		t.Fatalf("expected the request to be delivered directly to the service, got %d inflight", len(svcCtx.Inflight))
	}
	if len(requester.Inflight) != 0 {
		t.Fatal("expected the requester to not receive its own request back")
	}
}

func TestDispatchRequestWithNoServiceReturnsErrorResponse(t *testing.T) {
	d, _ := newDispatcherWithServices()
	requester := newClient("requester")

	action, err := d.Dispatch(requester, "/mycompany/myservice/request", 0, false, false, requestEnvelope(false))
	if err != ErrNoServiceAvailable || action != ActionDroppedSilently {
		t.Fatalf("expected no-service-available drop, got action=%v err=%v", action, err)
	}
	if len(requester.Inflight) != 1 {
		t.Fatalf("expected a FABRICSERVICEUNAVAILABLE error response delivered to the requester, got %d inflight", len(requester.Inflight))
	}
}

func TestDispatchMultiServiceRequestFansOutPerType(t *testing.T) {
	svcA := newClient("svcA")
	svcA.ClientGUID = "guid-a"
	svcB := newClient("svcB")
	svcB.ClientGUID = "guid-b"
	d, svcs := newDispatcherWithServices(svcA, svcB)
	svcs.Register(&service.Registration{
		ServiceID: "svcA", ServiceType: "typeA", BrokerID: "local", ClientGUID: "guid-a",
		RequestChannels: []string{"/topic"},
	})
	svcs.Register(&service.Registration{
		ServiceID: "svcB", ServiceType: "typeB", BrokerID: "local", ClientGUID: "guid-b",
		RequestChannels: []string{"/topic"},
	})

	requester := newClient("requester")
	action, err := d.Dispatch(requester, "/topic", 0, false, false, requestEnvelope(true))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionDelivered {
		t.Fatalf("expected delivered, got %v", action)
	}
	if len(svcA.Inflight) != 1 || len(svcB.Inflight) != 1 {
		t.Fatalf("expected exactly one request per registered type, got A=%d B=%d", len(svcA.Inflight), len(svcB.Inflight))
	}
	if len(requester.Inflight) != 1 {
		t.Fatalf("expected the requester to receive one aggregate RESPONSE mapping message ids to services, got %d", len(requester.Inflight))
	}
	resp, perr := dxl.Decode(requester.Inflight[0].StoreRef.PayloadFor(requester.IsBridge()))
	if perr != nil {
		t.Fatalf("failed to decode the aggregate response: %v", perr)
	}
	if resp.MessageType != dxl.TypeResponse {
		t.Fatalf("expected a RESPONSE, got message type %v", resp.MessageType)
	}
	var byMessageID map[string]string
	if err := json.Unmarshal(resp.Payload, &byMessageID); err != nil {
		t.Fatalf("failed to decode the response payload: %v", err)
	}
	if len(byMessageID) != 2 {
		t.Fatalf("expected two message id -> service id entries, got %d", len(byMessageID))
	}
}

func TestDispatchEventTriggersRegisteredHandler(t *testing.T) {
	handlerCtx := newClient("handler")
	handlerCtx.ClientGUID = "handler-guid"
	d, svcs := newDispatcherWithServices(handlerCtx)
	svcs.Register(&service.Registration{
		ServiceID:             "handler1",
		ServiceType:           "eventHandler",
		BrokerID:              "local",
		ClientGUID:            "handler-guid",
		RequestChannels:       []string{"/handles/this"},
		RequestPrefixForEvent: "/events/#",
	})

	src := newClient("publisher")
	eventPayload := dxl.Encode(dxl.Message{Version: 1, MessageType: dxl.TypeEvent, MessageID: "evt-1", SourceClientID: "publisher"})
	action, err := d.Dispatch(src, "/events/thing", 0, false, false, eventPayload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionDelivered {
		t.Fatalf("expected delivered, got %v", action)
	}
	if len(handlerCtx.Inflight) != 1 {
		t.Fatalf("expected the event handler to receive a synthesized request, got %d", len(handlerCtx.Inflight))
	}
}

func TestDispatchErrorResponseUnregistersUnavailableService(t *testing.T) {
	d, svcs := newDispatcherWithServices()
	svcs.Register(&service.Registration{
		ServiceID: "gone", ServiceType: "t", BrokerID: "local", ClientGUID: "x",
		RequestChannels: []string{"/reply/topic"},
	})

	src := newClient("requester")
	errPayload := dxl.Encode(dxl.Message{
		Version: 1, MessageType: dxl.TypeErrorResponse, MessageID: "req-1",
		DestinationServiceID: "gone", ErrorCode: dxl.ErrFabricServiceUnavailable,
	})
	if _, err := d.Dispatch(src, "/reply/topic", 0, false, false, errPayload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := svcs.Get("gone"); ok {
		t.Fatal("expected the unavailable service to be unregistered")
	}
}

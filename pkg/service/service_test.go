package service

import "testing"

func reg(id, typ, broker string) *Registration {
	return &Registration{ServiceID: id, ServiceType: typ, BrokerID: broker, RequestChannels: []string{"svc/topic"}}
}

func TestRegisterAndGet(t *testing.T) {
	r := New("local", false, nil)
	r.Register(reg("s1", "t1", "local"))
	if _, ok := r.Get("s1"); !ok {
		t.Fatal("expected to find registered service")
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 registered service, got %d", r.Len())
	}
}

func TestRegisterDuplicateIDReplaces(t *testing.T) {
	r := New("local", false, nil)
	r.Register(reg("s1", "t1", "local"))
	r.Register(&Registration{ServiceID: "s1", ServiceType: "t2", BrokerID: "local", RequestChannels: []string{"other/topic"}})

	svc, _ := r.Get("s1")
	if svc.ServiceType != "t2" {
		t.Fatalf("expected replaced registration, got %+v", svc)
	}
	if _, ok := r.NextService("svc/topic", "", "", false); ok {
		t.Fatal("expected old topic index to be detached on replace")
	}
}

func TestUnregisterRemovesFromTopicIndex(t *testing.T) {
	r := New("local", false, nil)
	r.Register(reg("s1", "t1", "local"))
	r.Unregister("s1")
	if _, ok := r.NextService("svc/topic", "", "", false); ok {
		t.Fatal("expected no service after unregister")
	}
}

func TestNextServiceExactTopic(t *testing.T) {
	r := New("local", false, nil)
	r.Register(reg("s1", "t1", "local"))
	svc, ok := r.NextService("svc/topic", "", "", false)
	if !ok || svc.ServiceID != "s1" {
		t.Fatalf("expected s1, got %+v %v", svc, ok)
	}
}

func TestNextServiceWildcardFallback(t *testing.T) {
	r := New("local", false, nil)
	r.Register(&Registration{ServiceID: "s1", ServiceType: "t1", BrokerID: "local", RequestChannels: []string{"svc/#"}})
	svc, ok := r.NextService("svc/topic/sub", "", "", false)
	if !ok || svc.ServiceID != "s1" {
		t.Fatalf("expected wildcard match s1, got %+v %v", svc, ok)
	}
}

func TestNextServiceLocalZoneFirst(t *testing.T) {
	r := New("local", false, func(brokerID string) []string {
		if brokerID == "local" {
			return []string{"zoneA"}
		}
		return []string{"zoneA"}
	})
	r.Register(reg("remote1", "t1", "peer"))
	r.Register(reg("local1", "t1", "local"))

	svc, ok := r.NextService("svc/topic", "", "", false)
	if !ok || svc.ServiceID != "local1" {
		t.Fatalf("expected local-broker service to be tried first, got %+v", svc)
	}
}

func TestNextServiceZoneThenTerminal(t *testing.T) {
	r := New("local", false, func(brokerID string) []string {
		switch brokerID {
		case "local":
			return []string{"zoneA"}
		case "peerA":
			return []string{"zoneA"}
		default:
			return nil
		}
	})
	r.Register(reg("farAway", "t1", "peerB"))
	r.Register(reg("sameZone", "t1", "peerA"))

	svc, ok := r.NextService("svc/topic", "", "", false)
	if !ok || svc.ServiceID != "sameZone" {
		t.Fatalf("expected zone-matching peer before terminal, got %+v", svc)
	}
}

func TestNextServiceRoundRobinsWithinZone(t *testing.T) {
	r := New("local", false, nil)
	r.Register(reg("s1", "t1", "local"))
	r.Register(reg("s2", "t1", "local"))

	first, _ := r.NextService("svc/topic", "", "", false)
	second, _ := r.NextService("svc/topic", "", "", false)
	third, _ := r.NextService("svc/topic", "", "", false)

	if first.ServiceID == second.ServiceID {
		t.Fatal("expected round robin to alternate between services")
	}
	if first.ServiceID != third.ServiceID {
		t.Fatal("expected round robin to cycle back after two members")
	}
}

func TestNextServiceFiltersByType(t *testing.T) {
	r := New("local", false, nil)
	r.Register(reg("s1", "typeA", "local"))
	r.Register(reg("s2", "typeB", "local"))

	svc, ok := r.NextService("svc/topic", "", "typeB", false)
	if !ok || svc.ServiceID != "s2" {
		t.Fatalf("expected type-filtered match s2, got %+v", svc)
	}
}

func TestNextServiceTenantScoping(t *testing.T) {
	r := New("local", true, nil)
	r.Register(&Registration{ServiceID: "s1", ServiceType: "t1", BrokerID: "local",
		RequestChannels: []string{"svc/topic"}, ClientTenantGUID: "tenantA"})

	if _, ok := r.NextService("svc/topic", "tenantB", "", false); ok {
		t.Fatal("expected cross-tenant request to be excluded in multi-tenant mode without ops")
	}
	if svc, ok := r.NextService("svc/topic", "tenantA", "", false); !ok || svc.ServiceID != "s1" {
		t.Fatal("expected same-tenant request to match")
	}
	if svc, ok := r.NextService("svc/topic", "tenantB", "", true); !ok || svc.ServiceID != "s1" {
		t.Fatal("expected ops flag to bypass tenant scoping")
	}
}

func TestNextServiceTargetTenantGUIDs(t *testing.T) {
	r := New("local", false, nil)
	r.Register(&Registration{ServiceID: "s1", ServiceType: "t1", BrokerID: "local",
		RequestChannels: []string{"svc/topic"}, TargetTenantGUIDs: []string{"tenantA"}})

	if _, ok := r.NextService("svc/topic", "tenantB", "", false); ok {
		t.Fatal("expected non-member tenant to be excluded")
	}
	if _, ok := r.NextService("svc/topic", "tenantA", "", false); !ok {
		t.Fatal("expected member tenant to match")
	}
}

func TestPlanMultiServiceRequestOnePerType(t *testing.T) {
	r := New("local", false, nil)
	r.Register(reg("s1", "typeA", "local"))
	r.Register(reg("s2", "typeB", "local"))

	plan := r.PlanMultiServiceRequest("svc/topic", "", false)
	if len(plan.ByType) != 2 {
		t.Fatalf("expected 2 distinct types in plan, got %d", len(plan.ByType))
	}
	if plan.ByType["typeA"].ServiceID != "s1" || plan.ByType["typeB"].ServiceID != "s2" {
		t.Fatalf("unexpected plan contents: %+v", plan.ByType)
	}
}

func TestPlanMultiServiceRequestNoMatches(t *testing.T) {
	r := New("local", false, nil)
	plan := r.PlanMultiServiceRequest("nonexistent/topic", "", false)
	if len(plan.ByType) != 0 {
		t.Fatalf("expected empty plan, got %+v", plan.ByType)
	}
}

func TestFindEventHandlerExactAndWildcard(t *testing.T) {
	r := New("local", false, nil)
	r.Register(&Registration{ServiceID: "s1", ServiceType: "t1", BrokerID: "local",
		RequestChannels: []string{"svc/topic"}, RequestPrefixForEvent: "events/#"})

	svc, ok := r.FindEventHandler("events/foo/bar")
	if !ok || svc.ServiceID != "s1" {
		t.Fatalf("expected event handler match, got %+v %v", svc, ok)
	}
	if _, ok := r.FindEventHandler("other/topic"); ok {
		t.Fatal("expected no event handler match for unrelated topic")
	}
}

func TestReplyToForEvent(t *testing.T) {
	got := ReplyToForEvent("client123")
	if got != ClientPrefix+"client123" {
		t.Fatalf("unexpected reply-to topic: %q", got)
	}
}

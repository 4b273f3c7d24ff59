// Package service implements the service registry and request router
// (spec.md §4.7 "Service registry (C8)"): per-topic service entries with
// round-robin selection, tenant scoping, availability zones, multi-service
// fan-out, and event-to-request transformation.
package service

import (
	"sort"
	"time"

	"github.com/opendxl/opendxl-broker-core/pkg/topic"
)

// localZoneName is the synthetic zone holding services registered by the
// local broker itself, always walked first.
const localZoneName = "(local)"

// ClientPrefix is prepended to a source client id to build the reply-to
// topic synthesized for an event-to-request transformation.
const ClientPrefix = "/mcafee/client/"

// Registration is one registered service instance.
type Registration struct {
	ServiceID           string
	ServiceType         string
	BrokerID            string
	ClientGUID          string
	ClientInstanceGUID  string
	TTLMinutes          int
	RequestChannels     []string
	Metadata            map[string]string
	IsManaged           bool
	TargetTenantGUIDs   []string
	ClientTenantGUID    string
	RequestPrefixForEvent string

	RegistrationTime time.Time
	LastSeen         time.Time
}

// zoneServices is the round-robin unit within a TopicServices' ordered
// zone list.
type zoneServices struct {
	name    string
	members []*Registration
	cursor  int
}

// topicServices is the per-request-topic cache: every known service for
// that topic, lazily grouped into ordered zones.
type topicServices struct {
	topic        string
	services     map[string]*Registration
	serviceTypes map[string]struct{}
	zones        []*zoneServices // nil until computed
}

func newTopicServices(t string) *topicServices {
	return &topicServices{
		topic:        t,
		services:     map[string]*Registration{},
		serviceTypes: map[string]struct{}{},
	}
}

func (ts *topicServices) invalidate() { ts.zones = nil }

// ZoneLookup resolves the ordered zones a broker id participates in; the
// local broker's own membership determines zone walk order. Injected
// rather than imported so this package never depends on pkg/registry.
type ZoneLookup func(brokerID string) []string

// Registry indexes services by id, by request-channel topic, and groups
// selection by zone.
type Registry struct {
	LocalBrokerID   string
	MultiTenantMode bool
	Zones           ZoneLookup

	byID    map[string]*Registration
	byTopic map[string]*topicServices
}

// New constructs an empty service registry.
func New(localBrokerID string, multiTenantMode bool, zones ZoneLookup) *Registry {
	return &Registry{
		LocalBrokerID:   localBrokerID,
		MultiTenantMode: multiTenantMode,
		Zones:           zones,
		byID:            map[string]*Registration{},
		byTopic:         map[string]*topicServices{},
	}
}

// Register adds svc, replacing any existing registration with the same
// id. Every TopicServices the old and new registration touch is
// invalidated, since its zone grouping and round-robin state may now be
// stale.
func (r *Registry) Register(svc *Registration) {
	if old, ok := r.byID[svc.ServiceID]; ok {
		r.detach(old)
	}
	svc.LastSeen = time.Now()
	if svc.RegistrationTime.IsZero() {
		svc.RegistrationTime = svc.LastSeen
	}
	r.byID[svc.ServiceID] = svc
	for _, t := range svc.RequestChannels {
		ts := r.byTopic[t]
		if ts == nil {
			ts = newTopicServices(t)
			r.byTopic[t] = ts
		}
		ts.services[svc.ServiceID] = svc
		ts.serviceTypes[svc.ServiceType] = struct{}{}
		ts.invalidate()
	}
}

// Unregister drops svc by id, invalidating every TopicServices it was
// indexed under.
func (r *Registry) Unregister(id string) {
	svc, ok := r.byID[id]
	if !ok {
		return
	}
	r.detach(svc)
	delete(r.byID, id)
}

func (r *Registry) detach(svc *Registration) {
	for _, t := range svc.RequestChannels {
		ts := r.byTopic[t]
		if ts == nil {
			continue
		}
		delete(ts.services, svc.ServiceID)
		if len(ts.services) == 0 {
			delete(r.byTopic, t)
			continue
		}
		ts.invalidate()
		recomputeServiceTypes(ts)
	}
}

func recomputeServiceTypes(ts *topicServices) {
	ts.serviceTypes = map[string]struct{}{}
	for _, svc := range ts.services {
		ts.serviceTypes[svc.ServiceType] = struct{}{}
	}
}

// Get returns the registration for id, if any.
func (r *Registry) Get(id string) (*Registration, bool) {
	svc, ok := r.byID[id]
	return svc, ok
}

// Len reports the number of registered services.
func (r *Registry) Len() int { return len(r.byID) }

// resolveTopicServices finds the TopicServices for topic by exact match,
// falling back to the most specific matching wildcard registration, per
// spec.md §4.1's iterate_wildcards order (a/b/#, a/#, #).
func (r *Registry) resolveTopicServices(t string) *topicServices {
	if ts, ok := r.byTopic[t]; ok {
		return ts
	}
	for _, wc := range topic.IterateWildcards(t) {
		if ts, ok := r.byTopic[wc]; ok {
			return ts
		}
	}
	return nil
}

// ensureZones lazily computes the zone ordering for ts: local-broker
// services first, then, for each zone the local broker participates in
// (in order), any remote service whose broker shares that zone, then
// whatever remains in a single unnamed terminal zone. Within each zone,
// services are kept in registration order.
func (r *Registry) ensureZones(ts *topicServices) {
	if ts.zones != nil {
		return
	}

	ordered := make([]*Registration, 0, len(ts.services))
	for _, svc := range ts.services {
		ordered = append(ordered, svc)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].RegistrationTime.Equal(ordered[j].RegistrationTime) {
			return ordered[i].RegistrationTime.Before(ordered[j].RegistrationTime)
		}
		return ordered[i].ServiceID < ordered[j].ServiceID
	})

	placed := map[string]bool{}
	var zones []*zoneServices

	local := &zoneServices{name: localZoneName}
	for _, svc := range ordered {
		if svc.BrokerID == r.LocalBrokerID {
			local.members = append(local.members, svc)
			placed[svc.ServiceID] = true
		}
	}
	if len(local.members) > 0 {
		zones = append(zones, local)
	}

	if r.Zones != nil {
		for _, zoneName := range r.Zones(r.LocalBrokerID) {
			zs := &zoneServices{name: zoneName}
			for _, svc := range ordered {
				if placed[svc.ServiceID] {
					continue
				}
				for _, bz := range r.Zones(svc.BrokerID) {
					if bz == zoneName {
						zs.members = append(zs.members, svc)
						placed[svc.ServiceID] = true
						break
					}
				}
			}
			if len(zs.members) > 0 {
				zones = append(zones, zs)
			}
		}
	}

	terminal := &zoneServices{name: ""}
	for _, svc := range ordered {
		if !placed[svc.ServiceID] {
			terminal.members = append(terminal.members, svc)
		}
	}
	if len(terminal.members) > 0 {
		zones = append(zones, terminal)
	}

	ts.zones = zones
}

func eligible(svc *Registration, svcType, clientTenantGUID string, multiTenantMode, ops bool) bool {
	if svcType != "" && svc.ServiceType != svcType {
		return false
	}
	tenantOK := len(svc.TargetTenantGUIDs) == 0
	for _, g := range svc.TargetTenantGUIDs {
		if g == clientTenantGUID {
			tenantOK = true
			break
		}
	}
	if !tenantOK {
		return false
	}
	if multiTenantMode && !ops {
		if svc.ClientTenantGUID != clientTenantGUID {
			return false
		}
	}
	return true
}

// nextInZone returns the next eligible member of zs under its
// round-robin cursor, advancing the cursor past whichever member is
// returned. It tries at most len(members) candidates so a zone with no
// eligible member returns ok=false rather than looping forever.
func nextInZone(zs *zoneServices, svcType, clientTenantGUID string, multiTenantMode, ops bool) (*Registration, bool) {
	n := len(zs.members)
	for i := 0; i < n; i++ {
		idx := (zs.cursor + i) % n
		svc := zs.members[idx]
		if eligible(svc, svcType, clientTenantGUID, multiTenantMode, ops) {
			zs.cursor = (idx + 1) % n
			return svc, true
		}
	}
	return nil, false
}

// NextService resolves topic to a TopicServices entry and walks its
// zones in order, returning the next round-robin-eligible service
// matching svcType (empty means any type) and clientTenantGUID's tenant
// scoping rules.
func (r *Registry) NextService(t, clientTenantGUID, svcType string, ops bool) (*Registration, bool) {
	ts := r.resolveTopicServices(t)
	if ts == nil {
		return nil, false
	}
	r.ensureZones(ts)
	for _, zs := range ts.zones {
		if svc, ok := nextInZone(zs, svcType, clientTenantGUID, r.MultiTenantMode, ops); ok {
			return svc, true
		}
	}
	return nil, false
}

// MultiServicePlan is the per-type dispatch table built by
// PlanMultiServiceRequest: one target service per distinct registered
// type for the topic.
type MultiServicePlan struct {
	// ByType maps service type to the chosen service for that type.
	ByType map[string]*Registration
}

// PlanMultiServiceRequest collects one service per distinct type
// registered against topic, applying the same zone/tenant eligibility
// rules as NextService. The caller (pkg/dispatch) is responsible for
// cloning the request per target with a fresh message id and tracking
// the mid->service map; this package only decides which services
// receive a dispatch.
func (r *Registry) PlanMultiServiceRequest(t, clientTenantGUID string, ops bool) *MultiServicePlan {
	ts := r.resolveTopicServices(t)
	if ts == nil {
		return &MultiServicePlan{ByType: map[string]*Registration{}}
	}
	r.ensureZones(ts)

	plan := &MultiServicePlan{ByType: map[string]*Registration{}}
	for svcType := range ts.serviceTypes {
		for _, zs := range ts.zones {
			if svc, ok := nextInZone(zs, svcType, clientTenantGUID, r.MultiTenantMode, ops); ok {
				plan.ByType[svcType] = svc
				break
			}
		}
	}
	return plan
}

// FindEventHandler finds a registration whose RequestPrefixForEvent
// matches eventTopic (exactly or via a wildcard derivative), for
// event-to-request transformation. The first match among registered
// services wins; callers needing a stable choice should register at
// most one handler per event prefix.
func (r *Registry) FindEventHandler(eventTopic string) (*Registration, bool) {
	for _, svc := range r.byID {
		if svc.RequestPrefixForEvent == "" {
			continue
		}
		if topic.Matches(svc.RequestPrefixForEvent, eventTopic) {
			return svc, true
		}
	}
	return nil, false
}

// ReplyToForEvent builds the reply-to topic synthesized for an
// event-to-request transformation.
func ReplyToForEvent(sourceClientID string) string {
	return ClientPrefix + sourceClientID
}

// TTLSweep removes registrations whose LastSeen exceeds ttl.
func (r *Registry) TTLSweep(now time.Time, ttl time.Duration) (removed []string) {
	for id, svc := range r.byID {
		if now.Sub(svc.LastSeen) > ttl {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		r.Unregister(id)
	}
	return removed
}

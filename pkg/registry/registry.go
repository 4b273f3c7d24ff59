// Package registry implements the broker registry and fabric router
// (spec.md §4.5 "Broker registry (C6)" and §4.6 "Fabric router (C7)"):
// the fabric-wide map of known brokers and the connection edges between
// them, plus the route and topic caches that make next-hop and
// subscriber-reachability queries cheap in a dense mesh.
package registry

import (
	"sync"
	"time"
)

// Broker is one fabric peer's registered state. Connection edges are
// reference-counted because the same edge is observed repeatedly through
// independent gossip events from different neighbors.
type Broker struct {
	ID                  string
	StartTime           int64
	TopicRoutingEnabled bool
	Hostname            string
	Port                int
	Hub                 bool

	CountedConnections map[string]int
	ChildConnections    map[string]struct{}

	LastSeen time.Time
	local    bool
}

// Visitor implements a depth-first traversal callback pair, mirroring the
// original's FabricVisitor: allowVisit decides whether to descend into a
// broker at all, visit is called once a broker is actually visited and
// can halt the walk early by returning true.
type Visitor struct {
	AllowVisit func(id string) bool
	Visit      func(id string) (stop bool)
}

type routeCacheKey struct{ from, to string }

type topicCacheKey struct{ from, via, topic string }

// Registry owns every known broker plus the derived route and topic
// caches. A Registry is not safe for concurrent use by design: it is
// owned exclusively by the reactor loop (spec.md §5), and the one
// exception — local identity field reads from work-queue producers — is
// guarded by localMu.
type Registry struct {
	LocalID string

	brokers map[string]*Broker

	routeCache map[routeCacheKey][]string
	topicCache map[topicCacheKey]bool

	localMu       sync.Mutex
	localHostname string
	localPort     int
	localHub      bool

	// HasTopicOrWildcard reports whether a broker currently holds a
	// subscriber for topic, directly or via a matching wildcard. This is
	// supplied by the caller (pkg/core, from the subscriptions peers have
	// announced) rather than imported, avoiding a dependency cycle.
	HasTopicOrWildcard func(brokerID, topic string) bool
}

// New constructs an empty registry rooted at localID.
func New(localID string) *Registry {
	r := &Registry{
		LocalID:    localID,
		brokers:    map[string]*Broker{},
		routeCache: map[routeCacheKey][]string{},
		topicCache: map[topicCacheKey]bool{},
	}
	r.brokers[localID] = &Broker{
		ID:                  localID,
		TopicRoutingEnabled: true,
		CountedConnections:  map[string]int{},
		ChildConnections:    map[string]struct{}{},
		LastSeen:            time.Now(),
		local:               true,
	}
	return r
}

// AddOrUpdateBroker inserts a new broker or refreshes an existing one. A
// broker is considered the "same" instance when id and start_time both
// match; in that case mutable fields are updated in place and, if
// topic_routing_enabled toggled, only the topic cache is cleared.
// Otherwise the entry is replaced wholesale and both caches are
// invalidated, since any cached route or reachability answer involving
// this id may now be stale.
func (r *Registry) AddOrUpdateBroker(id string, startTime int64, topicRoutingEnabled bool, hostname string, port int, hub bool) {
	existing, ok := r.brokers[id]
	if ok && existing.StartTime == startTime {
		toggled := existing.TopicRoutingEnabled != topicRoutingEnabled
		existing.TopicRoutingEnabled = topicRoutingEnabled
		existing.Hostname = hostname
		existing.Port = port
		existing.Hub = hub
		existing.LastSeen = time.Now()
		if toggled {
			r.clearTopicCache()
		}
		return
	}

	r.brokers[id] = &Broker{
		ID:                  id,
		StartTime:           startTime,
		TopicRoutingEnabled: topicRoutingEnabled,
		Hostname:            hostname,
		Port:                port,
		Hub:                 hub,
		CountedConnections:  map[string]int{},
		ChildConnections:    map[string]struct{}{},
		LastSeen:            time.Now(),
	}
	r.clearAllCaches()
}

// RemoveBroker drops a broker and strips it out of every remaining
// broker's counted_connections, since an edge can only be reference
// counted by peers that still exist.
func (r *Registry) RemoveBroker(id string) {
	if id == r.LocalID {
		return
	}
	if _, ok := r.brokers[id]; !ok {
		return
	}
	delete(r.brokers, id)
	for _, b := range r.brokers {
		delete(b.CountedConnections, id)
		delete(b.ChildConnections, id)
	}
	r.clearAllCaches()
}

// Get returns the broker registered under id, if any.
func (r *Registry) Get(id string) (*Broker, bool) {
	b, ok := r.brokers[id]
	return b, ok
}

// Len reports the number of known brokers, including the local one.
func (r *Registry) Len() int { return len(r.brokers) }

// AddConnection records that a is connected to b, incrementing the
// reference count on a's edge to b. The same edge may be reported
// repeatedly by independent gossip events, hence the counting instead of
// a plain set.
func (r *Registry) AddConnection(a, b string) {
	broker, ok := r.brokers[a]
	if !ok {
		return
	}
	broker.CountedConnections[b]++
	broker.ChildConnections[b] = struct{}{}
	r.clearAllCaches()
}

// RemoveConnection decrements the edge reference count, erasing the edge
// entirely once it reaches zero.
func (r *Registry) RemoveConnection(a, b string) {
	broker, ok := r.brokers[a]
	if !ok {
		return
	}
	if broker.CountedConnections[b] <= 1 {
		delete(broker.CountedConnections, b)
		delete(broker.ChildConnections, b)
	} else {
		broker.CountedConnections[b]--
	}
	r.clearAllCaches()
}

func (r *Registry) clearAllCaches() {
	r.routeCache = map[routeCacheKey][]string{}
	r.clearTopicCache()
}

// clearTopicCache invalidates only the reachability cache. The clear is
// immediate at every call site in this package: no debounce delay is
// applied, so bursts of gossip each clear the cache in turn.
func (r *Registry) clearTopicCache() {
	r.topicCache = map[topicCacheKey]bool{}
}

// NextBroker resolves the next hop on the first path a depth-first search
// finds from "from" toward "to", consulting the route cache before
// falling back to that search. The path is not necessarily the shortest.
func (r *Registry) NextBroker(from, to string) (string, bool) {
	if from == to {
		return to, true
	}
	key := routeCacheKey{from, to}
	if path, ok := r.routeCache[key]; ok {
		if len(path) < 2 {
			return "", false
		}
		return path[1], true
	}

	path := r.findPath(from, to)
	if path == nil {
		return "", false
	}
	r.routeCache[key] = path
	if len(path) < 2 {
		return "", false
	}
	return path[1], true
}

// findPath runs a depth-first search from "from", stopping at the first
// path reaching "to".
func (r *Registry) findPath(from, to string) []string {
	visited := map[string]bool{from: true}
	var path []string
	var dfs func(cur string) bool
	dfs = func(cur string) bool {
		path = append(path, cur)
		if cur == to {
			return true
		}
		broker, ok := r.brokers[cur]
		if ok {
			for next := range broker.ChildConnections {
				if visited[next] {
					continue
				}
				visited[next] = true
				if dfs(next) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		return false
	}
	if !dfs(from) {
		return nil
	}
	out := make([]string, len(path))
	copy(out, path)
	return out
}

// IsSubscriberInHierarchy answers whether any broker reachable from "via"
// (without going back through "from", to avoid the gossip echo) is a
// candidate forwarding target for topic: one that either has topic
// routing disabled, or directly holds a matching subscriber. The answer
// is cached under (from, via, topic).
func (r *Registry) IsSubscriberInHierarchy(from, via, topic string) bool {
	key := topicCacheKey{from, via, topic}
	if v, ok := r.topicCache[key]; ok {
		return v
	}

	visited := map[string]bool{from: true}
	result := r.dfsSubscriberCheck(via, topic, visited)
	r.topicCache[key] = result
	return result
}

func (r *Registry) dfsSubscriberCheck(node, topic string, visited map[string]bool) bool {
	if visited[node] {
		return false
	}
	visited[node] = true

	broker, ok := r.brokers[node]
	if !ok {
		return false
	}
	if !broker.TopicRoutingEnabled {
		return true
	}
	if r.HasTopicOrWildcard != nil && r.HasTopicOrWildcard(node, topic) {
		return true
	}
	for next := range broker.ChildConnections {
		if r.dfsSubscriberCheck(next, topic, visited) {
			return true
		}
	}
	return false
}

// Walk performs a depth-first traversal starting at root using v. Visit
// stops the walk early when it returns true; AllowVisit, when set, can
// prune entire subtrees without ever calling Visit on them. This mirrors
// the original's two-callable FabricVisitor, for callers that need a
// custom traversal shape without this package knowing about them.
func (r *Registry) Walk(root string, v Visitor) {
	visited := map[string]bool{}
	var dfs func(id string) bool
	dfs = func(id string) bool {
		if visited[id] {
			return false
		}
		visited[id] = true
		if v.AllowVisit != nil && !v.AllowVisit(id) {
			return false
		}
		if v.Visit != nil && v.Visit(id) {
			return true
		}
		broker, ok := r.brokers[id]
		if !ok {
			return false
		}
		for next := range broker.ChildConnections {
			if dfs(next) {
				return true
			}
		}
		return false
	}
	dfs(root)
}

// SetLocalIdentity updates the local broker's hostname/port/hub fields
// under a dedicated mutex, since these are read directly by work-queue
// producers outside the reactor loop (spec.md §5's "Shared resources").
func (r *Registry) SetLocalIdentity(hostname string, port int, hub bool) {
	r.localMu.Lock()
	r.localHostname, r.localPort, r.localHub = hostname, port, hub
	r.localMu.Unlock()
}

// LocalIdentity returns the local broker's hostname/port/hub fields.
func (r *Registry) LocalIdentity() (hostname string, port int, hub bool) {
	r.localMu.Lock()
	defer r.localMu.Unlock()
	return r.localHostname, r.localPort, r.localHub
}

// TTLSweep removes non-local brokers whose LastSeen exceeds ttl, as run
// periodically by the reactor's maintenance tick.
func (r *Registry) TTLSweep(now time.Time, ttl time.Duration) (removed []string) {
	for id, b := range r.brokers {
		if b.local || id == r.LocalID {
			continue
		}
		if now.Sub(b.LastSeen) > ttl {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		r.RemoveBroker(id)
	}
	return removed
}

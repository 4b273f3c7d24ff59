// Package policy carries the types the dispatcher consumes to make
// authorization and revocation decisions. It never reads a file itself —
// spec.md's non-goals exclude policy-file parsing — a caller elsewhere
// in the fabric's deployment tooling reads general.policy/topicauth.policy
// and constructs these values.
package policy

import "github.com/opendxl/opendxl-broker-core/pkg/topic"

// TopicAuthorizationState answers, for a given certificate chain, which
// topics and wildcard topics it is authorized to publish or subscribe
// to. A publisher is authorized iff any cert in its chain is authorized
// for the exact topic, or for any wildcard derivative when wildcards are
// enabled (spec.md §4.8).
type TopicAuthorizationState struct {
	WildcardsEnabled bool

	// authorizedTopics maps a cert SHA-1 to the set of topics (exact or
	// wildcard filter) it's authorized for.
	authorizedTopics map[string]map[string]struct{}
}

// NewTopicAuthorizationState constructs an authorization table from a
// precomputed cert-sha1 -> topic-set mapping.
func NewTopicAuthorizationState(wildcardsEnabled bool, authorized map[string]map[string]struct{}) *TopicAuthorizationState {
	if authorized == nil {
		authorized = map[string]map[string]struct{}{}
	}
	return &TopicAuthorizationState{WildcardsEnabled: wildcardsEnabled, authorizedTopics: authorized}
}

// IsAuthorized reports whether any cert in certChain is authorized to
// publish to t: directly, or via a wildcard filter it holds (when
// wildcards are enabled), per spec.md §4.8 step 3. A lookup that finds
// no entry at all for any cert in the chain falls back to deny, per
// spec.md §4.12's "no authoritative answer falls back to deny".
func (s *TopicAuthorizationState) IsAuthorized(certChain []string, t string) bool {
	for _, sha1 := range certChain {
		topics, ok := s.authorizedTopics[sha1]
		if !ok {
			continue
		}
		if _, ok := topics[t]; ok {
			return true
		}
		if !s.WildcardsEnabled {
			continue
		}
		for _, wc := range topic.IterateWildcards(t) {
			if _, ok := topics[wc]; ok {
				return true
			}
		}
	}
	return false
}

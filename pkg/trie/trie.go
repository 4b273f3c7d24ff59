// Package trie implements the subscription trie (spec.md §4.2, component
// C2): a topic-segment tree mapping topic to the set of (context, qos)
// leaves that should receive a matching publish, plus retained-message
// bookkeeping per node.
package trie

import "github.com/opendxl/opendxl-broker-core/pkg/topic"

// Subscriber is the minimal shape a subscription trie leaf needs from a
// connection context. pkg/session.Context satisfies this structurally;
// the trie package never imports pkg/session, avoiding an import cycle.
type Subscriber interface {
	ID() string
	IsBridge() bool
}

// Retained is a reference-counted store entry retained on a trie node.
// pkg/store.Entry satisfies this interface; the trie only ever retains or
// releases it, never inspects its contents.
type Retained interface {
	Retain()
	Release()
}

// Leaf is one (context, qos) pair hanging off a trie node.
type Leaf struct {
	Sub Subscriber
	QoS byte
}

// Node is one segment of the subscription trie. The root node's Segment is
// empty and it owns two named children, "" and "$SYS", per spec.md §3.
type Node struct {
	Segment  string
	parent   *Node
	children map[string]*Node

	leaves []Leaf

	hasHashWildcard int
	hasPlusWildcard int

	retained Retained
}

// NewRoot constructs an empty root node with its two fixed children.
func NewRoot() *Node {
	root := &Node{children: map[string]*Node{}}
	root.children[""] = &Node{Segment: "", parent: root, children: map[string]*Node{}}
	root.children["$SYS"] = &Node{Segment: "$SYS", parent: root, children: map[string]*Node{}}
	return root
}

func (n *Node) childOrCreate(seg string) *Node {
	if n.children == nil {
		n.children = map[string]*Node{}
	}
	c, ok := n.children[seg]
	if ok {
		return c
	}
	c = &Node{Segment: seg, parent: n, children: map[string]*Node{}}
	n.children[seg] = c
	if seg == "#" {
		n.hasHashWildcard++
	}
	if seg == "+" {
		n.hasPlusWildcard++
	}
	return c
}

// AddResult reports the outcome of Add.
type AddResult int

const (
	// AddInserted indicates a brand-new leaf was inserted.
	AddInserted AddResult = iota
	// AddDuplicate indicates the context already subscribed to this exact
	// topic; its qos was updated in place.
	AddDuplicate
)

// Add subscribes ctx to sub at qos, descending the trie and creating
// missing nodes along the way. It returns AddDuplicate without adding a
// new leaf if ctx already holds a subscription to this exact topic
// (updating the stored qos), and it reports via firstNonBridge whether this
// was the first non-bridge leaf added to the target node (the caller uses
// this to fire topic_added_to_broker).
func Add(root *Node, sub Subscriber, subTopic string, qos byte) (result AddResult, firstNonBridge bool) {
	toks := splitTokens(subTopic)
	node := root
	for _, t := range toks {
		node = node.childOrCreate(t)
	}

	for i := range node.leaves {
		if node.leaves[i].Sub.ID() == sub.ID() {
			node.leaves[i].QoS = qos
			return AddDuplicate, false
		}
	}

	hadNonBridge := false
	for _, l := range node.leaves {
		if !l.Sub.IsBridge() {
			hadNonBridge = true
			break
		}
	}

	node.leaves = append(node.leaves, Leaf{Sub: sub, QoS: qos})
	return AddInserted, !hadNonBridge && !sub.IsBridge()
}

// Remove unsubscribes ctx from sub, pruning now-empty interior nodes up to
// (but not including) the root. It reports whether the node that held the
// leaf no longer has any non-bridge leaf (the caller uses this to fire
// topic_removed_from_broker), mirroring _is_topic_removed in subs.c.
func Remove(root *Node, sub Subscriber, subTopic string) (removed bool, topicNowBridgeOnlyOrEmpty bool) {
	toks := splitTokens(subTopic)
	node := root
	for _, t := range toks {
		c, ok := node.children[t]
		if !ok {
			return false, false
		}
		node = c
	}

	idx := -1
	for i, l := range node.leaves {
		if l.Sub.ID() == sub.ID() {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false, false
	}
	node.leaves = append(node.leaves[:idx], node.leaves[idx+1:]...)

	topicGone := true
	for _, l := range node.leaves {
		if !l.Sub.IsBridge() {
			topicGone = false
			break
		}
	}

	pruneEmpty(node)
	return true, topicGone
}

// pruneEmpty unlinks node (and any now-empty ancestor) from its parent
// once it carries no children, leaves, or retained message.
func pruneEmpty(node *Node) {
	for node.parent != nil {
		if node.parent.parent == nil && (node.Segment == "" || node.Segment == "$SYS") {
			return
		}
		if len(node.children) != 0 || len(node.leaves) != 0 || node.retained != nil {
			return
		}
		parent := node.parent
		delete(parent.children, node.Segment)
		if node.Segment == "#" && parent.hasHashWildcard > 0 {
			parent.hasHashWildcard--
		}
		if node.Segment == "+" && parent.hasPlusWildcard > 0 {
			parent.hasPlusWildcard--
		}
		node = parent
	}
}

// SetRetained records (or clears, if entry is nil) the retained message on
// the node addressed by subTopic, releasing any prior retained entry.
func SetRetained(root *Node, subTopic string, entry Retained) {
	toks := splitTokens(subTopic)
	node := root
	for _, t := range toks {
		node = node.childOrCreate(t)
	}
	if node.retained != nil {
		node.retained.Release()
	}
	node.retained = entry
	if entry != nil {
		entry.Retain()
	}
	if entry == nil {
		pruneEmpty(node)
	}
}

// Search walks the trie for a publish to topic, returning every leaf that
// should receive delivery. At each level it tries '#', then '+', then the
// literal child, in that order, per spec.md §4.2.
func Search(root *Node, pubTopic string) []Leaf {
	toks := splitTokens(pubTopic)
	if len(toks) == 0 {
		return nil
	}
	first := root.children[toks[0]]
	if first == nil {
		return nil
	}
	var out []Leaf
	search(first, toks[1:], &out)
	return out
}

func search(node *Node, rest []string, out *[]Leaf) {
	if node.hasHashWildcard > 0 {
		if h := node.children["#"]; h != nil {
			*out = append(*out, h.leaves...)
		}
	}

	if len(rest) == 0 {
		*out = append(*out, node.leaves...)
		return
	}

	if node.hasPlusWildcard > 0 {
		if p := node.children["+"]; p != nil {
			search(p, rest[1:], out)
		}
	}

	if lit := node.children[rest[0]]; lit != nil {
		search(lit, rest[1:], out)
	}
}

// RetainedForSubscribe returns every retained entry that a new subscription
// to subTopic should receive immediately, honoring the edge case that
// subscribing to a wildcard must surface retained messages anywhere in the
// matched subtree, and subscribing to a plain topic must also see the
// retained message stored exactly there.
func RetainedForSubscribe(root *Node, subTopic string) []Retained {
	toks := splitTokens(subTopic)

	// A terminal "#" matches its own node's retained message plus anything
	// under it, so descend only to the node just above the "#" token (the
	// literal prefix) and collect the whole subtree from there — "#" itself
	// never has a node of its own since SetRetained only ever creates
	// literal-segment nodes (mirrors _retain_search's handling of the
	// wildcard token in subs.c).
	prefix := toks
	wildcard := len(toks) > 0 && toks[len(toks)-1] == "#"
	if wildcard {
		prefix = toks[:len(toks)-1]
	}

	node := root
	for _, t := range prefix {
		c, ok := node.children[t]
		if !ok {
			return nil
		}
		node = c
	}

	if wildcard {
		var out []Retained
		collectRetained(node, &out)
		return out
	}
	if node.retained != nil {
		return []Retained{node.retained}
	}
	return nil
}

func collectRetained(node *Node, out *[]Retained) {
	if node.retained != nil {
		*out = append(*out, node.retained)
	}
	for _, c := range node.children {
		collectRetained(c, out)
	}
}

// CleanSession removes every leaf belonging to sub throughout the trie
// (used when a clean-session client disconnects) and collapses any
// interior node left without children, leaves, or a retained message.
func CleanSession(root *Node, sub Subscriber) {
	for _, c := range root.children {
		cleanSessionWalk(c, sub)
	}
}

func cleanSessionWalk(node *Node, sub Subscriber) {
	for _, c := range node.children {
		cleanSessionWalk(c, sub)
	}
	for i := 0; i < len(node.leaves); {
		if node.leaves[i].Sub.ID() == sub.ID() {
			node.leaves = append(node.leaves[:i], node.leaves[i+1:]...)
		} else {
			i++
		}
	}
	pruneEmpty(node)
}

// splitTokens tokenizes a topic for trie descent. Non-"$"-prefixed topics
// carry a leading "" token (see topic.Tokenize), which is exactly the
// trie's unnamed "" root child from spec.md §3; "$"-prefixed topics
// descend directly into the "$SYS" child.
func splitTokens(t string) []string {
	return topic.Tokenize(t)
}

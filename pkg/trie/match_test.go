package trie

import "testing"

func TestWildcardMatchDeliversOnce(t *testing.T) {
	root := NewRoot()
	c := fakeSub{id: "c1"}
	Add(root, c, "foo/#", 0)

	leaves := Search(root, "foo/bar/baz")
	if len(leaves) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(leaves))
	}
	if leaves[0].Sub.ID() != "c1" {
		t.Fatalf("unexpected subscriber %v", leaves[0].Sub)
	}
}

func TestPlusWildcardMatchesOneToken(t *testing.T) {
	root := NewRoot()
	c := fakeSub{id: "c1"}
	Add(root, c, "a/+/c", 0)

	if leaves := Search(root, "a/b/c"); len(leaves) != 1 {
		t.Fatalf("expected one delivery for a/b/c, got %d", len(leaves))
	}
	if leaves := Search(root, "a/b/d"); len(leaves) != 0 {
		t.Fatalf("expected no delivery for a/b/d, got %d", len(leaves))
	}
}

func TestHashSubscribesToEveryNonSysTopic(t *testing.T) {
	root := NewRoot()
	c := fakeSub{id: "c1"}
	Add(root, c, "#", 0)

	if leaves := Search(root, "a/b/c"); len(leaves) != 1 {
		t.Fatalf("expected # to match a/b/c, got %d", len(leaves))
	}
	if leaves := Search(root, "$SYS/broker/uptime"); len(leaves) != 0 {
		t.Fatalf("expected # to not match $SYS topics, got %d", len(leaves))
	}
}

func TestSysHashOnlyMatchesSys(t *testing.T) {
	root := NewRoot()
	c := fakeSub{id: "c1"}
	Add(root, c, "$SYS/#", 0)

	if leaves := Search(root, "$SYS/broker/clients"); len(leaves) != 1 {
		t.Fatalf("expected $SYS/# to match $SYS topics, got %d", len(leaves))
	}
	if leaves := Search(root, "a/b"); len(leaves) != 0 {
		t.Fatalf("expected $SYS/# to not match plain topics, got %d", len(leaves))
	}
}

func TestAddDuplicateUpdatesQoS(t *testing.T) {
	root := NewRoot()
	c := fakeSub{id: "c1"}
	Add(root, c, "a/b", 0)
	res, _ := Add(root, c, "a/b", 2)
	if res != AddDuplicate {
		t.Fatalf("expected duplicate add result, got %v", res)
	}
	leaves := Search(root, "a/b")
	if len(leaves) != 1 || leaves[0].QoS != 2 {
		t.Fatalf("expected qos to be updated to 2, got %+v", leaves)
	}
}

func TestFirstNonBridgeLeafNotified(t *testing.T) {
	root := NewRoot()
	bridge := fakeSub{id: "bridge1", isBridge: true}
	client := fakeSub{id: "c1"}

	_, first := Add(root, bridge, "a/b", 0)
	if first {
		t.Fatal("bridge subscriptions should never report first-non-bridge")
	}
	_, first = Add(root, client, "a/b", 0)
	if !first {
		t.Fatal("first non-bridge leaf on a/b should report true")
	}
	_, first = Add(root, fakeSub{id: "c2"}, "a/b", 0)
	if first {
		t.Fatal("second non-bridge leaf should not report first")
	}
}

func TestRemovePrunesEmptyNodes(t *testing.T) {
	root := NewRoot()
	c := fakeSub{id: "c1"}
	Add(root, c, "a/b/c", 0)

	removed, topicGone := Remove(root, c, "a/b/c")
	if !removed || !topicGone {
		t.Fatalf("expected removal and topic-gone, got %v %v", removed, topicGone)
	}
	if leaves := Search(root, "a/b/c"); len(leaves) != 0 {
		t.Fatalf("expected no leaves after remove, got %d", len(leaves))
	}
	// The root's fixed "" and "$SYS" children must survive pruning.
	if _, ok := root.children[""]; !ok {
		t.Fatal("root's \"\" child must never be pruned")
	}
}

func TestCleanSessionRemovesAllOfContext(t *testing.T) {
	root := NewRoot()
	c := fakeSub{id: "c1"}
	Add(root, c, "a/b", 0)
	Add(root, c, "a/c", 1)
	Add(root, fakeSub{id: "other"}, "a/d", 0)

	CleanSession(root, c)

	if leaves := Search(root, "a/b"); len(leaves) != 0 {
		t.Fatal("expected a/b subscription to be removed")
	}
	if leaves := Search(root, "a/c"); len(leaves) != 0 {
		t.Fatal("expected a/c subscription to be removed")
	}
	if leaves := Search(root, "a/d"); len(leaves) != 1 {
		t.Fatal("expected other context's subscription to survive")
	}
}

func TestRetainedForWildcardSubscribe(t *testing.T) {
	root := NewRoot()
	r := &fakeRetained{}
	SetRetained(root, "foo/bar", r)

	got := RetainedForSubscribe(root, "foo/#")
	if len(got) != 1 {
		t.Fatalf("expected one retained message surfaced for foo/#, got %d", len(got))
	}
}

func TestRetainedForExactSubscribe(t *testing.T) {
	root := NewRoot()
	r := &fakeRetained{}
	SetRetained(root, "foo", r)

	got := RetainedForSubscribe(root, "foo")
	if len(got) != 1 {
		t.Fatalf("expected retained message at exact topic foo, got %d", len(got))
	}
}

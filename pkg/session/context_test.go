package session

import (
	"testing"
	"time"
)

type fakeRef struct {
	released int
}

func (f *fakeRef) Release()                      { f.released++ }
func (f *fakeRef) PayloadFor(isBridge bool) []byte { return nil }

func TestEnqueueOutboundGoesInflightWhenRoomAvailable(t *testing.T) {
	c := NewContext(nil, QueueLimits{MaxInflight: 5, MaxQueued: 5})
	ref := &fakeRef{}
	res := c.EnqueueOutbound(1, 1, false, false, "t", ref)
	if res != EnqueueInflight {
		t.Fatalf("expected inflight, got %v", res)
	}
	if len(c.Inflight) != 1 || c.Inflight[0].State != StatePublishQoS1 {
		t.Fatalf("expected one qos1 inflight entry, got %+v", c.Inflight)
	}
}

func TestEnqueueOutboundQueuesWhenInflightFull(t *testing.T) {
	c := NewContext(nil, QueueLimits{MaxInflight: 1, MaxQueued: 5})
	c.EnqueueOutbound(1, 1, false, false, "t", &fakeRef{})
	res := c.EnqueueOutbound(1, 2, false, false, "t", &fakeRef{})
	if res != EnqueueQueued {
		t.Fatalf("expected queued, got %v", res)
	}
	if len(c.Queued) != 1 {
		t.Fatalf("expected one queued entry, got %d", len(c.Queued))
	}
}

func TestEnqueueOutboundDropsQoS0WithNoSocketByDefault(t *testing.T) {
	c := NewContext(nil, QueueLimits{MaxInflight: 5, MaxQueued: 5})
	ref := &fakeRef{}
	res := c.EnqueueOutbound(0, 0, false, false, "t", ref)
	if res != EnqueueDroppedNoSock {
		t.Fatalf("expected dropped-no-sock, got %v", res)
	}
	if ref.released != 1 {
		t.Fatalf("expected ref released on drop, got %d", ref.released)
	}
}

func TestEnqueueOutboundQueueQoS0MessagesOverride(t *testing.T) {
	c := NewContext(nil, QueueLimits{MaxInflight: 5, MaxQueued: 5, QueueQoS0Messages: true})
	res := c.EnqueueOutbound(0, 0, false, false, "t", &fakeRef{})
	if res != EnqueueInflight {
		t.Fatalf("expected qos0 to still be queued when QueueQoS0Messages is set, got %v", res)
	}
}

func TestEnqueueOutboundDropsWhenQueueFull(t *testing.T) {
	c := NewContext(nil, QueueLimits{MaxInflight: 1, MaxQueued: 1})
	c.EnqueueOutbound(1, 1, false, false, "t", &fakeRef{})
	c.EnqueueOutbound(1, 2, false, false, "t", &fakeRef{})
	ref := &fakeRef{}
	res := c.EnqueueOutbound(1, 3, false, false, "t", ref)
	if res != EnqueueDroppedQueueFull {
		t.Fatalf("expected dropped-queue-full, got %v", res)
	}
	if !c.IsDropping {
		t.Fatal("expected IsDropping to be set")
	}
	if ref.released != 1 {
		t.Fatal("expected ref released on drop")
	}
}

func TestEnqueueOutboundOverflowHookCanAllowInsert(t *testing.T) {
	c := NewContext(nil, QueueLimits{MaxInflight: 5, MaxQueued: 5, MaxPacketBufferSize: 1,
		OnPreInsertOverflow: func(*Context) bool { return false }})
	c.EnqueueOutbound(1, 1, false, false, "t", &fakeRef{})
	res := c.EnqueueOutbound(1, 2, false, false, "t", &fakeRef{})
	if res != EnqueueInflight {
		t.Fatalf("expected overflow hook to allow insert, got %v", res)
	}
}

func TestRemoveInflightReleasesAndDrains(t *testing.T) {
	c := NewContext(nil, QueueLimits{MaxInflight: 1, MaxQueued: 5})
	firstRef := &fakeRef{}
	c.EnqueueOutbound(1, 1, false, false, "t", firstRef)
	secondRef := &fakeRef{}
	c.EnqueueOutbound(1, 2, false, false, "t", secondRef)

	removed := c.RemoveInflight(DirectionOut, 1)
	if removed == nil || removed.MID != 1 {
		t.Fatalf("expected to remove mid 1, got %+v", removed)
	}
	if firstRef.released != 1 {
		t.Fatal("expected first ref released")
	}
	if len(c.Inflight) != 1 || c.Inflight[0].MID != 2 {
		t.Fatalf("expected mid 2 drained into inflight, got %+v", c.Inflight)
	}
	if len(c.Queued) != 0 {
		t.Fatalf("expected queue empty after drain, got %d", len(c.Queued))
	}
}

func TestEnqueueInboundQoS2StartsWaitForPubrel(t *testing.T) {
	c := NewContext(nil, QueueLimits{})
	entry := c.EnqueueInbound(7, &fakeRef{})
	if entry.State != StateWaitForPubrel {
		t.Fatalf("expected wait_for_pubrel, got %v", entry.State)
	}
	if found := c.FindInflight(DirectionIn, 7); found != entry {
		t.Fatal("expected to find the inbound entry by mid")
	}
}

func TestKeepaliveExpired(t *testing.T) {
	c := NewContext(nil, QueueLimits{})
	c.Keepalive = 10
	base := c.LastMsgIn
	if !c.KeepaliveExpired(base.Add(16 * time.Second)) {
		t.Fatal("expected keepalive to have expired past 1.5x")
	}
	if c.KeepaliveExpired(base.Add(10 * time.Second)) {
		t.Fatal("did not expect expiry before 1.5x keepalive has elapsed")
	}
}

func TestKeepaliveZeroNeverExpires(t *testing.T) {
	c := NewContext(nil, QueueLimits{})
	c.Keepalive = 0
	if c.KeepaliveExpired(c.LastMsgIn.Add(1000 * time.Second)) {
		t.Fatal("keepalive 0 must disable the timeout")
	}
}

func TestNextMIDWrapsPastZero(t *testing.T) {
	c := NewContext(nil, QueueLimits{})
	c.LastMID = 65535
	if mid := c.NextMID(); mid != 1 {
		t.Fatalf("expected wraparound to 1, got %d", mid)
	}
}

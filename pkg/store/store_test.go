package store

import "testing"

func TestRefCountFinalizesAtZero(t *testing.T) {
	var finalizedID uint64
	finalizedCount := 0
	s := New(func(id uint64) {
		finalizedID = id
		finalizedCount++
	})

	e := s.Insert("src", 1, "a/b", 0, []byte("p"), false)
	if e.RefCount() != 0 {
		t.Fatalf("new entry should start at ref_count 0, got %d", e.RefCount())
	}

	e.Retain()
	e.Retain()
	if e.RefCount() != 2 {
		t.Fatalf("expected ref_count 2, got %d", e.RefCount())
	}

	e.Release()
	if finalizedCount != 0 {
		t.Fatal("must not finalize before ref_count reaches zero")
	}

	e.Release()
	if finalizedCount != 1 || finalizedID != e.DBID {
		t.Fatalf("expected exactly one finalize call for db id %d, got count=%d id=%d", e.DBID, finalizedCount, finalizedID)
	}

	if _, ok := s.Get(e.DBID); ok {
		t.Fatal("entry should be dropped from the store once finalized")
	}
}

func TestPayloadForPrefersClientPayloadForNonBridge(t *testing.T) {
	s := New(nil)
	e := s.Insert("src", 1, "a/b", 0, []byte("orig"), false)
	e.ClientPayload = []byte("rewritten")

	if got := string(e.PayloadFor(false)); got != "rewritten" {
		t.Fatalf("expected rewritten payload for non-bridge, got %q", got)
	}
	if got := string(e.PayloadFor(true)); got != "orig" {
		t.Fatalf("expected original payload for bridge, got %q", got)
	}
}

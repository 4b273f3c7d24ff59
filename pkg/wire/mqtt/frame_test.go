package mqtt

import "testing"

func TestFrameSplitterMultiplePacketsPerFrame(t *testing.T) {
	one := buildPublish("a", "1", 0)
	two := buildPublish("b", "2", 0)

	var f FrameSplitter
	packets, err := f.Feed(append(append([]byte{}, one...), two...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("expected 2 packets from one frame, got %d", len(packets))
	}
	if f.Pending() != 0 {
		t.Fatalf("expected no leftover bytes, got %d", f.Pending())
	}
}

func TestFrameSplitterCarriesOverPartialPacket(t *testing.T) {
	full := buildPublish("a/b", "hello", 0)
	split := len(full) - 3

	var f FrameSplitter
	packets, err := f.Feed(full[:split])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(packets) != 0 {
		t.Fatalf("expected no complete packets yet, got %d", len(packets))
	}
	if f.Pending() != split {
		t.Fatalf("expected %d pending bytes, got %d", split, f.Pending())
	}

	packets, err = f.Feed(full[split:])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("expected the carried-over packet to complete, got %d", len(packets))
	}
}

func TestFrameSplitterSurfacesMalformedError(t *testing.T) {
	// A remaining-length field with 5+ continuation bytes is malformed.
	malformed := []byte{byte(TypePublish) << 4, 0xff, 0xff, 0xff, 0xff, 0xff}
	var f FrameSplitter
	if _, err := f.Feed(malformed); err == nil {
		t.Fatal("expected an error for a malformed remaining-length field")
	}
}

package mqtt

// FrameSplitter accumulates bytes decoded from websocket binary frames
// (spec.md §6: "its input stream may contain multiple MQTT packets per
// websocket frame") and yields however many complete MQTT packets have
// accumulated, carrying over a partial trailing packet to the next call.
// This is the same incremental-parse discipline the reactor uses for raw
// TCP reads of a context's inbound buffer (spec.md §4.4), generalized so
// a websocket-backed context can share it.
type FrameSplitter struct {
	buf []byte
}

// Feed appends a newly received websocket binary frame's payload and
// returns every complete packet now available, leaving any trailing
// partial packet buffered for the next Feed call.
func (f *FrameSplitter) Feed(frame []byte) ([]Packet, error) {
	f.buf = append(f.buf, frame...)

	var packets []Packet
	for {
		pkt, consumed, ok, err := ReadPacket(f.buf)
		if err != nil {
			return packets, err
		}
		if !ok {
			break
		}
		// Copy Body out since it currently aliases f.buf, which is about
		// to be shifted/reused.
		body := make([]byte, len(pkt.Body))
		copy(body, pkt.Body)
		pkt.Body = body
		packets = append(packets, pkt)
		f.buf = f.buf[consumed:]
	}

	if len(f.buf) > 0 {
		rest := make([]byte, len(f.buf))
		copy(rest, f.buf)
		f.buf = rest
	} else {
		f.buf = nil
	}

	return packets, nil
}

// Pending reports how many unconsumed bytes remain buffered, for tests
// and diagnostics.
func (f *FrameSplitter) Pending() int { return len(f.buf) }

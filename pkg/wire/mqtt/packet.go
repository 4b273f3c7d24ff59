// Package mqtt implements the MQTT 3.1/3.1.1 fixed-header packet codec
// (spec.md §6 "Wire protocol") and the WebSocket multi-packet-per-frame
// splitter (SPEC_FULL.md §9). Parse failures return a plain error;
// callers close the connection on any wire parse error, per spec.md §7.
package mqtt

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// PacketType is the MQTT control packet type, the top nibble of the
// fixed header's first byte.
type PacketType byte

const (
	TypeConnect     PacketType = 1
	TypeConnack     PacketType = 2
	TypePublish     PacketType = 3
	TypePuback      PacketType = 4
	TypePubrec      PacketType = 5
	TypePubrel      PacketType = 6
	TypePubcomp     PacketType = 7
	TypeSubscribe   PacketType = 8
	TypeSuback      PacketType = 9
	TypeUnsubscribe PacketType = 10
	TypeUnsuback    PacketType = 11
	TypePingreq     PacketType = 12
	TypePingresp    PacketType = 13
	TypeDisconnect  PacketType = 14

	// bridgeProtocolBit marks the protocol version byte of a bridge
	// CONNECT (spec.md §4.9, §6): "version byte with high bit 0x80
	// denotes a bridge CONNECT."
	bridgeProtocolBit = 0x80
)

// Packet is one decoded MQTT control packet: the fixed header plus the
// raw variable-header-and-payload bytes, left for the per-type decoders
// below to interpret.
type Packet struct {
	Type   PacketType
	Dup    bool
	QoS    byte
	Retain bool
	Body   []byte
}

var ErrMalformedPacket = errors.New("mqtt: malformed packet")

// ReadPacket decodes one complete packet from buf, returning the packet,
// the number of bytes consumed, and ok=false if buf does not yet contain
// a complete packet (the caller should read more and retry — this is
// not a parse error).
func ReadPacket(buf []byte) (pkt Packet, consumed int, ok bool, err error) {
	if len(buf) < 1 {
		return Packet{}, 0, false, nil
	}
	first := buf[0]
	remLen, lenBytes, complete := decodeRemainingLength(buf[1:])
	if !complete {
		if lenBytes > 4 {
			return Packet{}, 0, false, ErrMalformedPacket
		}
		return Packet{}, 0, false, nil
	}
	total := 1 + lenBytes + remLen
	if len(buf) < total {
		return Packet{}, 0, false, nil
	}

	pkt = Packet{
		Type:   PacketType(first >> 4),
		Dup:    first&0x08 != 0,
		QoS:    (first >> 1) & 0x03,
		Retain: first&0x01 != 0,
		Body:   buf[1+lenBytes : total],
	}
	return pkt, total, true, nil
}

// decodeRemainingLength decodes the MQTT variable-length remaining-length
// field from buf, returning the decoded value, the number of bytes it
// occupies, and complete=false if buf doesn't yet hold the whole field.
func decodeRemainingLength(buf []byte) (value, bytesUsed int, complete bool) {
	multiplier := 1
	for i := 0; i < len(buf) && i < 4; i++ {
		b := buf[i]
		value += int(b&0x7f) * multiplier
		if b&0x80 == 0 {
			return value, i + 1, true
		}
		multiplier *= 128
	}
	return 0, len(buf), false
}

// AppendRemainingLength appends the MQTT variable-length encoding of n to
// dst.
func AppendRemainingLength(dst []byte, n int) []byte {
	for {
		b := byte(n % 128)
		n /= 128
		if n > 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if n == 0 {
			break
		}
	}
	return dst
}

// AppendFixedHeader appends a complete fixed header (type/flags byte plus
// remaining length) for a packet whose variable header + payload is
// bodyLen bytes long.
func AppendFixedHeader(dst []byte, typ PacketType, dup bool, qos byte, retain bool, bodyLen int) []byte {
	first := byte(typ) << 4
	if dup {
		first |= 0x08
	}
	first |= (qos & 0x03) << 1
	if retain {
		first |= 0x01
	}
	dst = append(dst, first)
	return AppendRemainingLength(dst, bodyLen)
}

// IsBridgeProtocolVersion reports whether the CONNECT protocol version
// byte has the bridge bit set.
func IsBridgeProtocolVersion(versionByte byte) bool {
	return versionByte&bridgeProtocolBit != 0
}

// ProtocolVersionNumber strips the bridge bit, yielding the plain MQTT
// protocol level (3 or 4).
func ProtocolVersionNumber(versionByte byte) byte {
	return versionByte &^ bridgeProtocolBit
}

// AppendUint16 appends a big-endian uint16, as used for MQTT message ids
// and length-prefixed strings.
func AppendUint16(dst []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(dst, b[:]...)
}

// AppendString appends a length-prefixed UTF-8 string in MQTT wire
// format: a 2-byte big-endian length followed by the raw bytes.
func AppendString(dst []byte, s string) []byte {
	dst = AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

// ReadUint16 reads a big-endian uint16 from the front of buf.
func ReadUint16(buf []byte) (v uint16, rest []byte, ok bool) {
	if len(buf) < 2 {
		return 0, buf, false
	}
	return binary.BigEndian.Uint16(buf), buf[2:], true
}

// ReadString reads a length-prefixed UTF-8 string from the front of buf.
func ReadString(buf []byte) (s string, rest []byte, ok bool) {
	n, rest, ok := ReadUint16(buf)
	if !ok || len(rest) < int(n) {
		return "", buf, false
	}
	return string(rest[:n]), rest[n:], true
}

// AppendUint32 appends a big-endian uint32, used for wire fields (such as
// the DXL error_code) that don't fit a 16-bit MQTT integer.
func AppendUint32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

// ReadUint32 reads a big-endian uint32 from the front of buf.
func ReadUint32(buf []byte) (v uint32, rest []byte, ok bool) {
	if len(buf) < 4 {
		return 0, buf, false
	}
	return binary.BigEndian.Uint32(buf), buf[4:], true
}

// Connect flag bits within the CONNECT variable header's connect-flags
// byte (spec.md §6).
const (
	connectFlagCleanSession = 0x02
	connectFlagWill         = 0x04
	connectFlagUsername     = 0x80
	connectFlagPassword     = 0x40
)

// Connect is a decoded CONNECT packet body, limited to the fields
// spec.md §4.9's connection state machine consumes. Will and
// username/password fields are walked only far enough to skip past them
// correctly; TLS client-certificate identity is this broker's sole
// authentication mechanism, so credentials carried in the payload are
// never retained.
type Connect struct {
	ProtocolName    string
	ProtocolVersion byte // raw byte; the bridge bit (0x80) is not yet stripped
	CleanSession    bool
	KeepAlive       uint16
	ClientID        string
}

// DecodeConnect parses a CONNECT packet's body (the bytes after the fixed
// header).
func DecodeConnect(body []byte) (Connect, error) {
	var c Connect
	var ok bool

	if c.ProtocolName, body, ok = ReadString(body); !ok {
		return Connect{}, ErrMalformedPacket
	}
	if len(body) < 1 {
		return Connect{}, ErrMalformedPacket
	}
	c.ProtocolVersion, body = body[0], body[1:]

	if len(body) < 1 {
		return Connect{}, ErrMalformedPacket
	}
	flags := body[0]
	body = body[1:]
	c.CleanSession = flags&connectFlagCleanSession != 0

	if c.KeepAlive, body, ok = ReadUint16(body); !ok {
		return Connect{}, ErrMalformedPacket
	}
	if c.ClientID, body, ok = ReadString(body); !ok {
		return Connect{}, ErrMalformedPacket
	}

	if flags&connectFlagWill != 0 {
		if _, body, ok = ReadString(body); !ok {
			return Connect{}, ErrMalformedPacket
		}
		if _, body, ok = ReadString(body); !ok {
			return Connect{}, ErrMalformedPacket
		}
	}
	if flags&connectFlagUsername != 0 {
		if _, body, ok = ReadString(body); !ok {
			return Connect{}, ErrMalformedPacket
		}
	}
	if flags&connectFlagPassword != 0 {
		if _, _, ok = ReadString(body); !ok {
			return Connect{}, ErrMalformedPacket
		}
	}

	return c, nil
}

// ConnackCode is the CONNACK return code (spec.md §6).
type ConnackCode byte

const (
	ConnackAccepted                   ConnackCode = 0
	ConnackRefusedProtocolVersion     ConnackCode = 1
	ConnackRefusedIdentifierRejected  ConnackCode = 2
	ConnackRefusedServerUnavailable   ConnackCode = 3
	ConnackRefusedBadUsernamePassword ConnackCode = 4
	ConnackRefusedNotAuthorized       ConnackCode = 5
)

// EncodeConnack appends a complete CONNACK packet.
func EncodeConnack(sessionPresent bool, code ConnackCode) []byte {
	var flags byte
	if sessionPresent {
		flags = 1
	}
	out := AppendFixedHeader(nil, TypeConnack, false, 0, false, 2)
	return append(out, flags, byte(code))
}

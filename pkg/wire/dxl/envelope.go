// Package dxl implements the DXL message envelope codec (spec.md §6
// "DXL message envelope"): a length-prefixed binary frame carried as an
// MQTT PUBLISH payload. Decode errors never close the connection on
// their own — a malformed envelope is reported back to the caller as a
// ParseError value, mirroring spec.md §9's "Result<DxlMessage,
// ParseError> instead of a thrown exception", leaving the decision of
// whether to drop-and-log or disconnect to the dispatcher.
package dxl

import "github.com/opendxl/opendxl-broker-core/pkg/wire/mqtt"

// MessageType identifies which of the four DXL message kinds an
// envelope carries.
type MessageType byte

const (
	TypeRequest MessageType = iota + 1
	TypeResponse
	TypeEvent
	TypeErrorResponse
)

// ErrorCode is the DXL-level error code carried by an error-response
// envelope.
type ErrorCode uint32

// ErrFabricServiceUnavailable is returned to a requester when no service
// could be found to satisfy a request (spec.md §4.7, §7 KindNotFound).
const ErrFabricServiceUnavailable ErrorCode = 0x80000001

// Message is a decoded DXL envelope.
type Message struct {
	Version              byte
	MessageType          MessageType
	MessageID            string
	SourceClientID        string
	SourceBrokerGUID      string
	DestinationClientGUIDs []string
	DestinationBrokerGUIDs []string
	DestinationServiceID  string
	ReplyToTopic          string
	SourceTenantGUID      string
	MultiServiceFlag      bool
	Payload               []byte

	// Error-response-only fields.
	ErrorCode ErrorCode
}

// ParseError reports a malformed envelope without panicking or otherwise
// aborting decode of the surrounding MQTT stream; the dispatcher decides
// the disposition (spec.md §7: wire parse errors close the connection,
// but only once control returns to the read path — decode itself never
// throws).
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "dxl: " + e.Reason }

// Decode parses an envelope from buf (the MQTT PUBLISH payload).
func Decode(buf []byte) (Message, *ParseError) {
	var msg Message
	var ok bool

	if len(buf) < 1 {
		return Message{}, &ParseError{Reason: "empty envelope"}
	}
	msg.Version = buf[0]
	buf = buf[1:]

	var typeByte byte
	if len(buf) < 1 {
		return Message{}, &ParseError{Reason: "missing message type"}
	}
	typeByte, buf = buf[0], buf[1:]
	msg.MessageType = MessageType(typeByte)
	if msg.MessageType < TypeRequest || msg.MessageType > TypeErrorResponse {
		return Message{}, &ParseError{Reason: "unknown message type"}
	}

	if msg.MessageID, buf, ok = mqtt.ReadString(buf); !ok {
		return Message{}, &ParseError{Reason: "truncated message_id"}
	}
	if msg.SourceClientID, buf, ok = mqtt.ReadString(buf); !ok {
		return Message{}, &ParseError{Reason: "truncated source_client_id"}
	}
	if msg.SourceBrokerGUID, buf, ok = mqtt.ReadString(buf); !ok {
		return Message{}, &ParseError{Reason: "truncated source_broker_guid"}
	}

	if msg.DestinationClientGUIDs, buf, ok = readStringList(buf); !ok {
		return Message{}, &ParseError{Reason: "truncated destination_client_guids"}
	}
	if msg.DestinationBrokerGUIDs, buf, ok = readStringList(buf); !ok {
		return Message{}, &ParseError{Reason: "truncated destination_broker_guids"}
	}

	if msg.DestinationServiceID, buf, ok = mqtt.ReadString(buf); !ok {
		return Message{}, &ParseError{Reason: "truncated destination_service_id"}
	}
	if msg.ReplyToTopic, buf, ok = mqtt.ReadString(buf); !ok {
		return Message{}, &ParseError{Reason: "truncated reply_to_topic"}
	}
	if msg.SourceTenantGUID, buf, ok = mqtt.ReadString(buf); !ok {
		return Message{}, &ParseError{Reason: "truncated source_tenant_guid"}
	}

	if len(buf) < 1 {
		return Message{}, &ParseError{Reason: "missing multi_service_flag"}
	}
	msg.MultiServiceFlag = buf[0] != 0
	buf = buf[1:]

	if msg.MessageType == TypeErrorResponse {
		var code uint32
		if code, buf, ok = mqtt.ReadUint32(buf); !ok {
			return Message{}, &ParseError{Reason: "truncated error_code"}
		}
		msg.ErrorCode = ErrorCode(code)
	}

	msg.Payload = append([]byte(nil), buf...)
	return msg, nil
}

// Encode serializes msg into its MQTT PUBLISH payload form.
func Encode(msg Message) []byte {
	var out []byte
	out = append(out, msg.Version, byte(msg.MessageType))
	out = mqtt.AppendString(out, msg.MessageID)
	out = mqtt.AppendString(out, msg.SourceClientID)
	out = mqtt.AppendString(out, msg.SourceBrokerGUID)
	out = appendStringList(out, msg.DestinationClientGUIDs)
	out = appendStringList(out, msg.DestinationBrokerGUIDs)
	out = mqtt.AppendString(out, msg.DestinationServiceID)
	out = mqtt.AppendString(out, msg.ReplyToTopic)
	out = mqtt.AppendString(out, msg.SourceTenantGUID)
	if msg.MultiServiceFlag {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	if msg.MessageType == TypeErrorResponse {
		out = mqtt.AppendUint32(out, uint32(msg.ErrorCode))
	}
	out = append(out, msg.Payload...)
	return out
}

func readStringList(buf []byte) (list []string, rest []byte, ok bool) {
	count, rest, ok := mqtt.ReadUint16(buf)
	if !ok {
		return nil, buf, false
	}
	list = make([]string, 0, count)
	for i := uint16(0); i < count; i++ {
		var s string
		if s, rest, ok = mqtt.ReadString(rest); !ok {
			return nil, buf, false
		}
		list = append(list, s)
	}
	return list, rest, true
}

func appendStringList(dst []byte, list []string) []byte {
	dst = mqtt.AppendUint16(dst, uint16(len(list)))
	for _, s := range list {
		dst = mqtt.AppendString(dst, s)
	}
	return dst
}

// Clone produces a copy of msg suitable for re-dispatch under a fresh
// message id (spec.md §4.7 multi-service fan-out: "send a cloned REQUEST
// to each [service] with a fresh message id linked back to the
// original").
func Clone(msg Message, newMessageID string) Message {
	clone := msg
	clone.MessageID = newMessageID
	clone.DestinationClientGUIDs = append([]string(nil), msg.DestinationClientGUIDs...)
	clone.DestinationBrokerGUIDs = append([]string(nil), msg.DestinationBrokerGUIDs...)
	clone.Payload = append([]byte(nil), msg.Payload...)
	return clone
}

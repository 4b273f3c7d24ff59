// Package core wires the subscription trie, message store, sessions,
// registries, dispatcher, bridge manager, and accounting into one broker
// instance, and defines the ambient error-kind sentinels shared across
// the module (spec.md §7 "Error handling design").
package core

import "github.com/cockroachdb/errors"

// Kind identifies which of the seven error categories from spec.md §7 a
// failure belongs to, so callers can errors.Is against it while the
// wrapped chain still carries full annotation for logs.
type Kind struct {
	name string
}

func (k Kind) Error() string { return k.name }

var (
	// KindProtocol: malformed frame or disallowed combination. Always
	// closes the connection.
	KindProtocol = Kind{"protocol"}
	// KindAuth: policy denial. Drops the message, optionally disconnects.
	KindAuth = Kind{"auth"}
	// KindResource: queue full, tenant over limit. Drops the message, may
	// disconnect.
	KindResource = Kind{"resource"}
	// KindTLSHandshake: failure during or around TLS verification.
	KindTLSHandshake = Kind{"tls_handshake"}
	// KindBridgeUnreachable: a bridge peer could not be reached. Retried
	// silently forever.
	KindBridgeUnreachable = Kind{"bridge_unreachable"}
	// KindNotFound: service lookup failure, surfaced to the requester as
	// a FABRICSERVICEUNAVAILABLE DXL error response.
	KindNotFound = Kind{"not_found"}
	// KindConfig: startup-only configuration failure. Aborts.
	KindConfig = Kind{"config"}
)

// Wrap annotates err with kind and msg, preserving errors.Is(err, kind).
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(errors.Mark(err, kind), "%s", msg)
}

// New constructs a fresh error already marked with kind.
func New(kind Kind, msg string) error {
	return errors.Mark(errors.Newf("%s", msg), kind)
}

// Is reports whether err (or any error it wraps) is marked with kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, kind)
}

package core

import "time"

// Settings is the injected environment the core expects (spec.md §6
// "Environment"), plus the ambient additions this expansion adds for
// queueing and maintenance tuning. It is plain data: no file parsing, no
// flag binding — a caller outside this module builds one and hands it to
// NewCore.
type Settings struct {
	GUID               string
	TenantGUID         string
	ListenPort         int
	WSPort             int // 0 disables the websocket listener
	MessageSizeLimit   int
	MaxPacketBufferSize int

	TTLCheckIntervalMins int
	TTLGraceMins         int

	TenantByteLimit       int64
	TenantConnectionLimit int

	MultiTenantMode               bool
	TopicRoutingEnabled           bool
	CertIdentityValidationEnabled bool

	// Ambient additions (SPEC_FULL.md §4): not present in the original
	// environment surface, needed to drive pkg/session's queueing rules
	// and pkg/bridge's retry pacing.
	MaxInflight       int
	MaxQueued         int
	QueueQoS0Messages bool
	RetryInterval     time.Duration
}

// TTLDuration is the TTL window used by maintenance sweeps: a peer not
// refreshed within this window is considered expired.
func (s Settings) TTLDuration() time.Duration {
	return time.Duration(s.TTLCheckIntervalMins+s.TTLGraceMins) * time.Minute
}

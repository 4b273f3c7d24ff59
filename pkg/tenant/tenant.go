// Package tenant implements multi-tenant accounting (spec.md §4.11
// "Tenant accounting (C11)"): per-tenant sent-byte and connection-count
// limits. Only non-ops, non-bridge, tenant-tagged contexts count.
package tenant

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limits are the configured ceilings for one tenant.
type Limits struct {
	ByteLimit       int64
	ConnectionLimit int
}

type account struct {
	sentBytes   int64
	connections int
	limiter     *rate.Limiter
}

// Accounting tracks byte and connection usage per tenant guid. It is
// owned exclusively by the reactor loop except for IsConnectionAllowed,
// which is also consulted from the TLS verify callback mid-handshake
// (spec.md §4.12), hence the mutex.
type Accounting struct {
	mu      sync.Mutex
	limits  map[string]Limits
	defaults Limits
	accounts map[string]*account
}

// New constructs an empty accounting table. defaultLimits apply to any
// tenant guid without an explicit override set via SetLimits.
func New(defaultLimits Limits) *Accounting {
	return &Accounting{
		limits:   map[string]Limits{},
		defaults: defaultLimits,
		accounts: map[string]*account{},
	}
}

// SetLimits overrides the limits for a specific tenant guid.
func (a *Accounting) SetLimits(tenantGUID string, limits Limits) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.limits[tenantGUID] = limits
	if acc, ok := a.accounts[tenantGUID]; ok && limits.ByteLimit > 0 {
		acc.limiter = rate.NewLimiter(rate.Limit(limits.ByteLimit), int(limits.ByteLimit))
	}
}

func (a *Accounting) limitsFor(tenantGUID string) Limits {
	if l, ok := a.limits[tenantGUID]; ok {
		return l
	}
	return a.defaults
}

func (a *Accounting) accountFor(tenantGUID string) *account {
	acc, ok := a.accounts[tenantGUID]
	if !ok {
		limits := a.limitsFor(tenantGUID)
		acc = &account{}
		if limits.ByteLimit > 0 {
			acc.limiter = rate.NewLimiter(rate.Limit(limits.ByteLimit), int(limits.ByteLimit))
		}
		a.accounts[tenantGUID] = acc
	}
	return acc
}

// UpdateSentBytes adds n to tenantGUID's running byte total and reports
// whether the tenant is now over its byte limit; the caller disconnects
// the offending context on true. A byte-rate token bucket (x/time/rate)
// is consulted alongside the raw cumulative counter, rejecting bursts
// that would blow past the configured rate even before the cumulative
// limit is reached.
func (a *Accounting) UpdateSentBytes(tenantGUID string, n int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	acc := a.accountFor(tenantGUID)
	acc.sentBytes += n
	limits := a.limitsFor(tenantGUID)

	if limits.ByteLimit > 0 && acc.sentBytes > limits.ByteLimit {
		return true
	}
	if acc.limiter != nil && n > 0 && !acc.limiter.AllowN(time.Now(), int(n)) {
		return true
	}
	return false
}

// OnClientConnected increments tenantGUID's connection count.
func (a *Accounting) OnClientConnected(tenantGUID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accountFor(tenantGUID).connections++
}

// OnClientDisconnected decrements tenantGUID's connection count.
func (a *Accounting) OnClientDisconnected(tenantGUID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acc := a.accountFor(tenantGUID)
	if acc.connections > 0 {
		acc.connections--
	}
}

// IsConnectionAllowed reports whether tenantGUID may accept another
// connection. Checked both at CONNECT and at TLS handshake, so a limit
// breach can disconnect mid-handshake (spec.md §4.11).
func (a *Accounting) IsConnectionAllowed(tenantGUID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	limits := a.limitsFor(tenantGUID)
	if limits.ConnectionLimit <= 0 {
		return true
	}
	return a.accountFor(tenantGUID).connections < limits.ConnectionLimit
}

// SentBytes reports the cumulative bytes sent for tenantGUID, for tests
// and diagnostics.
func (a *Accounting) SentBytes(tenantGUID string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accountFor(tenantGUID).sentBytes
}

// ConnectionCount reports the live connection count for tenantGUID.
func (a *Accounting) ConnectionCount(tenantGUID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accountFor(tenantGUID).connections
}

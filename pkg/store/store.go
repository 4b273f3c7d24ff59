// Package store implements the reference-counted message store (spec.md
// §4.3, component C3): one entry per stored PUBLISH payload, shared by
// every per-context queue entry that still references it.
package store

import "sync"

// Entry is a stored PUBLISH payload. RefCount reaches zero when no
// per-context queue entry references it any longer, at which point
// onFinalize fires (pkg/core uses it to refresh its store-entries
// gauge).
type Entry struct {
	mu sync.Mutex

	DBID      uint64
	SourceID  string
	SourceMID uint16
	Topic     string
	QoS       byte
	Payload   []byte
	RetainFlag bool

	// ClientPayload is an optional rewritten payload delivered to
	// non-bridge contexts in place of Payload (spec.md §3).
	ClientPayload []byte

	refCount   int
	onFinalize func(dbID uint64)
	finalized  bool
}

// Retain increments the entry's reference count. Called once per queue
// insertion that references this entry.
func (e *Entry) Retain() {
	e.mu.Lock()
	e.refCount++
	e.mu.Unlock()
}

// Release decrements the entry's reference count, firing onFinalize the
// moment it reaches zero.
func (e *Entry) Release() {
	e.mu.Lock()
	e.refCount--
	fire := e.refCount <= 0 && !e.finalized
	if fire {
		e.finalized = true
	}
	e.mu.Unlock()
	if fire && e.onFinalize != nil {
		e.onFinalize(e.DBID)
	}
}

// RefCount returns the current reference count, for tests and invariants.
func (e *Entry) RefCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refCount
}

// PayloadFor returns the payload a given context should see: the rewritten
// ClientPayload for non-bridge contexts when one was produced by
// on_store_message, otherwise the original Payload.
func (e *Entry) PayloadFor(isBridge bool) []byte {
	if !isBridge && e.ClientPayload != nil {
		return e.ClientPayload
	}
	return e.Payload
}

// Store owns every in-flight store entry, keyed by db id.
type Store struct {
	mu         sync.Mutex
	nextID     uint64
	entries    map[uint64]*Entry
	onFinalize func(dbID uint64)
}

// New constructs an empty store. onFinalize, if non-nil, is invoked
// (outside any lock) when an entry's ref count reaches zero.
func New(onFinalize func(dbID uint64)) *Store {
	return &Store{
		entries:    map[uint64]*Entry{},
		onFinalize: onFinalize,
	}
}

// Insert creates a new store entry with ref_count=0, as specified: each
// subsequent queue insertion is expected to call Retain.
func (s *Store) Insert(sourceID string, sourceMID uint16, topic string, qos byte, payload []byte, retain bool) *Entry {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	e := &Entry{
		DBID:       id,
		SourceID:   sourceID,
		SourceMID:  sourceMID,
		Topic:      topic,
		QoS:        qos,
		Payload:    payload,
		RetainFlag: retain,
		onFinalize: s.wrapFinalize(),
	}
	s.entries[id] = e
	s.mu.Unlock()
	return e
}

// wrapFinalize produces a finalize callback that also drops the entry from
// the store's index, so the map doesn't grow without bound.
func (s *Store) wrapFinalize() func(uint64) {
	return func(id uint64) {
		s.mu.Lock()
		delete(s.entries, id)
		s.mu.Unlock()
		if s.onFinalize != nil {
			s.onFinalize(id)
		}
	}
}

// Get looks up a live entry by db id, returning ok=false once it has been
// finalized and dropped.
func (s *Store) Get(id uint64) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

// Len reports the number of live entries, for tests and diagnostics.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Package store holds cached records keyed by content address.
//
// Staleness is evaluated lazily on read; nothing is purged proactively
// except by Sweep. Store is not safe for concurrent use.
package store

import (
	"time"

	"github.com/mohammed-shakir/grid-content-cache/internal/address"
	"github.com/mohammed-shakir/grid-content-cache/internal/cache/subscribers"
	"github.com/mohammed-shakir/grid-content-cache/internal/core/model"
)

// DefaultTTL is how long a fetched record stays fresh.
const DefaultTTL = 5 * time.Minute

// Entry is the cache state of one address. A nil Record with a non-zero
// FetchedAt means the address is confirmed empty.
type Entry struct {
	Address     address.Address
	Record      *model.Record
	FetchedAt   time.Time
	Subscribers subscribers.List
}

// Fetched reports whether the entry has ever been populated by a fetch
// since it was created or last invalidated.
func (e *Entry) Fetched() bool {
	return e != nil && !e.FetchedAt.IsZero()
}

type Store struct {
	ttl     time.Duration
	entries map[address.Address]*Entry
}

var _ subscribers.Lists = (*Store)(nil)

func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{ttl: ttl, entries: make(map[address.Address]*Entry)}
}

// TTL returns the configured lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

// Get returns the entry for addr, if any.
func (s *Store) Get(addr address.Address) (*Entry, bool) {
	e, ok := s.entries[addr]
	return e, ok
}

// Ensure returns the entry for addr, creating an unfetched one if needed.
func (s *Store) Ensure(addr address.Address) *Entry {
	e := s.entries[addr]
	if e == nil {
		e = &Entry{Address: addr}
		s.entries[addr] = e
	}
	return e
}

// Put overwrites the record and refreshes FetchedAt.
func (s *Store) Put(addr address.Address, rec *model.Record, now time.Time) *Entry {
	e := s.Ensure(addr)
	e.Record = rec
	e.FetchedAt = now
	return e
}

// IsFresh reports whether e was fetched less than TTL before now.
func (s *Store) IsFresh(e *Entry, now time.Time) bool {
	if !e.Fetched() {
		return false
	}
	return now.Sub(e.FetchedAt) < s.ttl
}

// Fresh is Get followed by IsFresh.
func (s *Store) Fresh(addr address.Address, now time.Time) (*Entry, bool) {
	e, ok := s.entries[addr]
	if !ok || !s.IsFresh(e, now) {
		return e, false
	}
	return e, true
}

// Invalidate marks the entry stale while keeping its last record and
// subscribers. It returns false when there is no entry.
func (s *Store) Invalidate(addr address.Address) bool {
	e, ok := s.entries[addr]
	if !ok {
		return false
	}
	e.FetchedAt = time.Time{}
	return true
}

// Sweep deletes entries that are stale at now and have no subscribers,
// and returns how many were removed.
func (s *Store) Sweep(now time.Time) int {
	n := 0
	for addr, e := range s.entries {
		if e.Subscribers.Len() > 0 || s.IsFresh(e, now) {
			continue
		}
		delete(s.entries, addr)
		n++
	}
	return n
}

// Len returns the number of entries.
func (s *Store) Len() int { return len(s.entries) }

// SubscriberList implements subscribers.Lists.
func (s *Store) SubscriberList(addr address.Address, create bool) *subscribers.List {
	if create {
		return &s.Ensure(addr).Subscribers
	}
	if e, ok := s.entries[addr]; ok {
		return &e.Subscribers
	}
	return nil
}

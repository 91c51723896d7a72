// Package subscription implements the wildcard (client_type, client_id,
// topic) subscriber index. The copy-on-write atomic snapshot technique
// is grounded on the donor WebSocket relay's SubscriptionIndex
// (internal/shared/connection.go): writers take a coarse lock and swap
// in a new immutable slice, readers load the current snapshot without
// blocking each other. The donor's index is keyed by an exact channel
// string; this one cannot be, because a zero field in a subscription
// entry means "match any value" here, so every lookup walks the
// snapshot rather than doing a map hit.
package subscription

import (
	"sync"
	"sync/atomic"
)

// SessionID identifies a session without requiring the index to hold a
// live *Session pointer. The session manager is sole owner of session
// objects; the index only ever stores IDs, which sidesteps the cyclic
// ownership the original implementation had between its session table
// and its subscriber index.
type SessionID uint64

// Key is a subscription's (client_type, client_id, topic) triple. A
// zero value in any field is a wildcard matching any value a CUSTOM
// record carries in that field.
type Key struct {
	ClientType int32
	ClientID   int32
	Topic      int32
}

// Matches reports whether msg (a concrete, non-wildcard triple from an
// outgoing record) satisfies this subscription key.
func (k Key) Matches(msg Key) bool {
	return (k.ClientType == 0 || k.ClientType == msg.ClientType) &&
		(k.ClientID == 0 || k.ClientID == msg.ClientID) &&
		(k.Topic == 0 || k.Topic == msg.Topic)
}

type entry struct {
	session SessionID
	key     Key
}

// Index is the broker's subscriber table. The zero value is not usable;
// construct with New.
type Index struct {
	mu   sync.Mutex
	snap atomic.Value // holds []entry
}

// New returns an empty Index.
func New() *Index {
	idx := &Index{}
	idx.snap.Store([]entry{})
	return idx
}

func (idx *Index) load() []entry {
	return idx.snap.Load().([]entry)
}

// Add registers session as a subscriber to key. Idempotent: adding the
// same (session, key) pair twice has no additional effect.
func (idx *Index) Add(session SessionID, key Key) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cur := idx.load()
	for _, e := range cur {
		if e.session == session && e.key == key {
			return
		}
	}
	next := make([]entry, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, entry{session: session, key: key})
	idx.snap.Store(next)
}

// Remove unregisters a single (session, key) subscription. No-op if it
// is not present.
func (idx *Index) Remove(session SessionID, key Key) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cur := idx.load()
	for i, e := range cur {
		if e.session == session && e.key == key {
			next := make([]entry, 0, len(cur)-1)
			next = append(next, cur[:i]...)
			next = append(next, cur[i+1:]...)
			idx.snap.Store(next)
			return
		}
	}
}

// RemoveAllFor drops every subscription belonging to session, called
// when a session shuts down (after a disconnect, or during ClearAll).
func (idx *Index) RemoveAllFor(session SessionID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cur := idx.load()
	next := make([]entry, 0, len(cur))
	for _, e := range cur {
		if e.session != session {
			next = append(next, e)
		}
	}
	idx.snap.Store(next)
}

// Match returns the distinct set of sessions subscribed to anything
// matching msg, excluding excludeSelf (the originating session never
// receives its own broadcast). Lock-free: reads the current snapshot
// without taking idx.mu, so matching never contends with a concurrent
// Add/Remove or with other concurrent matches.
func (idx *Index) Match(msg Key, excludeSelf SessionID) []SessionID {
	cur := idx.load()
	seen := make(map[SessionID]struct{}, len(cur))
	out := make([]SessionID, 0, len(cur))
	for _, e := range cur {
		if e.session == excludeSelf {
			continue
		}
		if !e.key.Matches(msg) {
			continue
		}
		if _, dup := seen[e.session]; dup {
			continue
		}
		seen[e.session] = struct{}{}
		out = append(out, e.session)
	}
	return out
}

// Count returns the total number of live subscription entries, for
// diagnostics and the broker's /metrics export.
func (idx *Index) Count() int {
	return len(idx.load())
}

// Subscriber pairs a session with the exact key it registered, returned
// by GetSubscribersTo for diagnostics.
type Subscriber struct {
	Session SessionID
	Key     Key
}

// GetSubscribersTo returns every subscriber whose key exactly equals
// (ctype, cid, *): client_type and client_id match ctype/cid precisely
// and the subscription's own topic field is the wildcard (0), i.e.
// "subscribed to everything from this exact client". This is an exact
// equality check on the stored key, unlike Match, which tests whether a
// concrete outgoing record satisfies a (possibly wildcard) key.
func (idx *Index) GetSubscribersTo(ctype, cid int32) []Subscriber {
	cur := idx.load()
	out := make([]Subscriber, 0, len(cur))
	for _, e := range cur {
		if e.key.ClientType == ctype && e.key.ClientID == cid && e.key.Topic == 0 {
			out = append(out, Subscriber{Session: e.session, Key: e.key})
		}
	}
	return out
}

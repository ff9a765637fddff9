// Package subindex implements the Subscription Index: a key -> sink
// multiset mapping used by the Notification Fan-out to find who to notify
// on a write or delete, and by the Session Manager to register and cancel
// subscriptions.
package subindex

import (
	"sync"

	"github.com/kvsd/kvsd/internal/kvstore"
)

// Sink is a write-only handle to a per-session notification pipe. The index
// itself never writes to a Sink; it only tracks which sinks are subscribed
// to which key.
type Sink interface {
	Notify(key, value string) error
}

// bucket stores the sinks subscribed to every key hashing to it. No
// de-duplication happens here: per spec, a (key, sink) pair may appear more
// than once in a bucket's raw list and de-duplication is the Session Slot's
// responsibility (its subscribed-key list rejects duplicate subscribes).
type bucket struct {
	mu   sync.RWMutex
	byKey map[string][]Sink
}

// Index is the Subscription Index. Same fixed bucket layout and djb2 hash
// as kvstore.Table, kept as a separate structure so the KV Table stays free
// of session concerns.
type Index struct {
	buckets [kvstore.BucketCount]*bucket
}

// New creates an empty Index.
func New() *Index {
	idx := &Index{}
	for i := range idx.buckets {
		idx.buckets[i] = &bucket{byKey: make(map[string][]Sink)}
	}

	return idx
}

func (idx *Index) bucketFor(key string) *bucket {
	return idx.buckets[hashKey(key)%kvstore.BucketCount]
}

// Add appends sink to key's subscriber list.
func (idx *Index) Add(key string, sink Sink) {
	b := idx.bucketFor(key)

	b.mu.Lock()
	b.byKey[key] = append(b.byKey[key], sink)
	b.mu.Unlock()
}

// Remove cancels exactly one occurrence of sink subscribed to key, by
// swapping it with the last element of the list (order among subscribers
// doesn't matter — only membership does).
func (idx *Index) Remove(key string, sink Sink) {
	b := idx.bucketFor(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.byKey[key]
	for i, s := range list {
		if s == sink {
			last := len(list) - 1
			list[i] = list[last]
			list = list[:last]

			if len(list) == 0 {
				delete(b.byKey, key)
			} else {
				b.byKey[key] = list
			}

			return
		}
	}
}

// Sinks returns a caller-owned copy of the sinks currently subscribed to
// key, so the Notification Fan-out can deliver without holding the bucket
// lock during potentially blocking pipe writes.
func (idx *Index) Sinks(key string) []Sink {
	b := idx.bucketFor(key)

	b.mu.RLock()
	defer b.mu.RUnlock()

	list := b.byKey[key]
	if len(list) == 0 {
		return nil
	}

	out := make([]Sink, len(list))
	copy(out, list)

	return out
}

// hashKey is the same djb2 variant as kvstore.Table; duplicated here (not
// exported from kvstore) because the Subscription Index is a distinct
// component per spec §4.2, not a client of the KV Table's internals.
func hashKey(key string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(key); i++ {
		h = h*33 + uint32(key[i])
	}

	return h
}

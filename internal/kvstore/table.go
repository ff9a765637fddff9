// Package kvstore implements the concurrent hash-indexed key-value store
// at the core of kvsd: a fixed-bucket chained hash table with per-bucket
// locking and write/delete callback fan-out.
package kvstore

import (
	"bufio"
	"fmt"
	"io"
	"sync"
)

// MaxStringSize bounds every key and value the table accepts, as printable
// byte strings. Enforced by the script tokenizer at the system boundary
// (internal/script); the table itself trusts its callers.
const MaxStringSize = 40

// DeletedMarker is the tombstone value passed to delete callbacks in place
// of an actual value, matching the wire protocol's literal "DELETED" token.
const DeletedMarker = "DELETED"

// WriteCallback is invoked after a Put is visible in the table, outside the
// bucket lock, with the key and its new value.
type WriteCallback func(key, value string)

// DeleteCallback is invoked after a Delete removes a pair, outside the
// bucket lock, with the key and DeletedMarker.
type DeleteCallback func(key, value string)

type pair struct {
	key   string
	value string
}

// bucket holds one hash chain in insertion order, guarded by its own
// reader/writer lock. Per spec: a key appears in at most one bucket, and at
// most once within that bucket's chain.
type bucket struct {
	mu    sync.RWMutex
	chain []pair
}

func (b *bucket) find(key string) int {
	for i := range b.chain {
		if b.chain[i].key == key {
			return i
		}
	}

	return -1
}

// Table is the concurrent key-value store. One bucket lock guards each of
// the BucketCount chains; the table lock itself only guards structural
// access to the bucket array, which never changes shape after New, so in
// steady state it is taken for reading only.
type Table struct {
	tableMu sync.RWMutex
	buckets [BucketCount]*bucket

	cbMu     sync.RWMutex
	onWrite  WriteCallback
	onDelete DeleteCallback
}

// New creates an empty Table with all buckets allocated.
func New() *Table {
	t := &Table{}
	for i := range t.buckets {
		t.buckets[i] = &bucket{}
	}

	return t
}

// RegisterWriteCallback installs the observer invoked after every
// successful Put. Intended to be called once at startup (Callback
// Registry); later calls replace the previous observer.
func (t *Table) RegisterWriteCallback(cb WriteCallback) {
	t.cbMu.Lock()
	t.onWrite = cb
	t.cbMu.Unlock()
}

// RegisterDeleteCallback installs the observer invoked after every
// successful Delete.
func (t *Table) RegisterDeleteCallback(cb DeleteCallback) {
	t.cbMu.Lock()
	t.onDelete = cb
	t.cbMu.Unlock()
}

func (t *Table) bucketFor(key string) *bucket {
	t.tableMu.RLock()
	b := t.buckets[bucketIndex(key)]
	t.tableMu.RUnlock()

	return b
}

// Put inserts or overwrites key with value. On insert it appends to the
// bucket chain; on overwrite it replaces the value in place, preserving
// insertion order. Fires the write callback after the mutation is visible,
// with the bucket lock released.
func (t *Table) Put(key, value string) {
	b := t.bucketFor(key)

	b.mu.Lock()
	if i := b.find(key); i >= 0 {
		b.chain[i].value = value
	} else {
		b.chain = append(b.chain, pair{key: key, value: value})
	}
	b.mu.Unlock()

	t.cbMu.RLock()
	cb := t.onWrite
	t.cbMu.RUnlock()

	if cb != nil {
		cb(key, value)
	}
}

// Get returns the current value for key and whether it was present.
func (t *Table) Get(key string) (string, bool) {
	b := t.bucketFor(key)

	b.mu.RLock()
	defer b.mu.RUnlock()

	if i := b.find(key); i >= 0 {
		return b.chain[i].value, true
	}

	return "", false
}

// Exists reports whether key is present, without side effects.
func (t *Table) Exists(key string) bool {
	_, ok := t.Get(key)
	return ok
}

// Delete removes key if present and reports whether it existed. Fires the
// delete callback with DeletedMarker after removal, with the bucket lock
// released.
func (t *Table) Delete(key string) bool {
	b := t.bucketFor(key)

	b.mu.Lock()
	i := b.find(key)
	if i < 0 {
		b.mu.Unlock()
		return false
	}

	last := len(b.chain) - 1
	copy(b.chain[i:], b.chain[i+1:])
	b.chain = b.chain[:last]
	b.mu.Unlock()

	t.cbMu.RLock()
	cb := t.onDelete
	t.cbMu.RUnlock()

	if cb != nil {
		cb(key, DeletedMarker)
	}

	return true
}

// SnapshotTo enumerates all pairs in bucket-index order, chain-insertion
// order within each bucket, writing each as "(key, value)\n" — the shared
// textual format used by SHOW and BACKUP.
func (t *Table) SnapshotTo(w io.Writer) error {
	bw := bufio.NewWriter(w)

	t.tableMu.RLock()
	defer t.tableMu.RUnlock()

	for _, b := range t.buckets {
		b.mu.RLock()

		for _, p := range b.chain {
			if _, err := fmt.Fprintf(bw, "(%s, %s)\n", p.key, p.value); err != nil {
				b.mu.RUnlock()
				return err
			}
		}

		b.mu.RUnlock()
	}

	return bw.Flush()
}

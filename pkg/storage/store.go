// Package storage specifies the idempotent put/get/exists/all interface the
// overseer uses to persist schedule records, and ships a bbolt-backed
// implementation. Spec §1 places the durable key/value store's internals
// out of scope; this package fixes only the interface the core depends on.
package storage

// Store is an idempotent opaque blob store keyed by string, scoped to one
// namespace ("bucket" in bbolt terms). The overseer uses it for persisted
// schedule records (spec §4.2 item 5); nothing above this interface
// interprets the blob contents.
type Store interface {
	// Put writes value under key unconditionally.
	Put(key string, value []byte) error

	// PutIfAbsent writes value under key only if key does not already
	// exist, returning created=false without error if it did. This backs
	// the idempotent persistence rule in spec §4.2 item 5.
	PutIfAbsent(key string, value []byte) (created bool, err error)

	// Get returns the value stored under key, or ok=false if absent.
	Get(key string) (value []byte, ok bool, err error)

	// Exists reports whether key is present.
	Exists(key string) (bool, error)

	// All returns every key currently stored in the namespace.
	All() ([]string, error)

	// Close releases underlying resources.
	Close() error
}

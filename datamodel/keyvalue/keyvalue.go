package keyvalue

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("keyvalue: not found")

type Key []byte

type Pair struct {
	Key   Key
	Value []byte
}

// Store defines the keyed map the rendezvous registry keeps its records in.
// Implementations guarantee per-key atomicity of Put, Get and Delete and nothing more.
type Store interface {
	// Put stores the value under the key, replacing any previous value.
	Put(ctx context.Context, key Key, value []byte) error

	// Get returns the value stored under the key, or ErrNotFound if there is none.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Delete removes the key. It reports whether the key existed.
	// Deleting a missing key is not an error.
	Delete(ctx context.Context, key Key) (bool, error)

	// Enumerate returns every key/value pair in the order the backend iterates them.
	Enumerate(ctx context.Context) ([]Pair, error)

	// Retain extends the lifetime of the whole store to at least ttl from now.
	// Once that lifetime passes without another Retain, the store drops all of its keys.
	Retain(ctx context.Context, ttl time.Duration) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// Package kv provides a key-value storage system with SQLite persistence and in-memory options.
package kv

// Bucket is the interface for key-value storage operations.
// Values are opaque strings; callers own their encoding.
type Bucket interface {
	// Name returns the bucket name.
	Name() string

	// IsPersistent returns true if the bucket is backed by SQLite.
	IsPersistent() bool

	// Set saves a value with the given key, replacing any previous value.
	Set(key, value string) error

	// Get retrieves a value by key.
	// The boolean is false if the key doesn't exist.
	Get(key string) (string, bool, error)

	// Delete removes a key from the bucket.
	// Returns true if the key existed.
	Delete(key string) (bool, error)

	// Keys returns all keys in the bucket.
	Keys() ([]string, error)

	// Clear removes all keys from the bucket.
	Clear() error
}

// Package store persists the runtime-adjustable settings of the controller
// (active chlorinator cell, output level, cell start date).
package store

import (
	"errors"
	"strconv"
)

// ErrNotFound is returned when a key has never been written.
var ErrNotFound = errors.New("store: key not found")

// Persisted keys.
const (
	KeyChlorinatorPin             = "chlorinator.pin"
	KeyChlorinatorOutput          = "chlorinator.output"
	KeyChlorinatorActiveCellStart = "chlorinator.activeCellStart"
)

// Store is a durable string key-value store. Implementations must be safe
// for concurrent use.
type Store interface {
	// Get returns the value for key or ErrNotFound.
	Get(key string) (string, error)

	// Set writes a single key.
	Set(key, value string) error

	// SetMany writes all keys atomically.
	SetMany(values map[string]string) error

	Close() error
}

// GetInt reads an integer, returning def if the key is missing.
// A present but malformed value is an error.
func GetInt(s Store, key string, def int) (int, error) {
	v, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, err
	}
	return n, nil
}

// SetInt writes an integer.
func SetInt(s Store, key string, v int) error {
	return s.Set(key, strconv.Itoa(v))
}

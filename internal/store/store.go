// Package store holds the interfaces and errors shared by the persistence
// backends (SQL check store, key-value backends).
package store

import (
	"context"
	"strings"
)

// Store is the minimal interface all stores must implement.
type Store interface {
	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
	// Close releases any resources held by the store.
	Close() error
}

// ValidateID rejects empty or whitespace-only identifiers.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidID
	}
	return nil
}

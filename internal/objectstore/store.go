// Package objectstore reads original uploads and writes derived images by key.
package objectstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound means the key does not exist. Redelivery will not help.
	ErrNotFound = errors.New("object not found")
	// ErrTooLarge is returned when an object exceeds the configured limit.
	ErrTooLarge = errors.New("object exceeds size limit")
)

// Store is safe for concurrent use. Objects are fully buffered in memory.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Lister enumerates keys under a prefix.
type Lister interface {
	List(ctx context.Context, prefix string) ([]string, error)
}

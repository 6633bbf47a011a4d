package storage

import "context"

// Storage is an ordered key-value store. List walks keys with the given
// prefix in lexical order.
type Storage interface {
	Put(ctx context.Context, key string, value any) error
	Get(ctx context.Context, key string) (any, error)
	List(ctx context.Context, prefix string, offset, limit uint64) ([]any, uint64, error)
	Delete(ctx context.Context, key string) error
}

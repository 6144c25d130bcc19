package core

import (
	"context"
	"time"
)

// DataStore backs fly.data collections. Values are JSON documents.
type DataStore interface {
	Get(ctx context.Context, collection, key string) (string, bool, error)
	Put(ctx context.Context, collection, key, value string) error
	Delete(ctx context.Context, collection, key string) (bool, error)
	Close() error
}

// CacheStore backs fly.cache. A zero ttl means the entry never expires.
type CacheStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	Close() error
}

// Package cache stores upstream results keyed by operation and normalized
// query. Entries expire after a bounded TTL; a cache is never a source of
// truth and losing it only costs extra upstream calls.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendNone   = "none"

	DefaultTTL  = 10 * time.Minute
	DefaultSize = 512
)

type Store interface {
	// Get returns ok=false for missing or expired keys.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// Key joins an operation kind and an already normalized query.
func Key(kind, query string) string {
	return kind + ":" + query
}

type Options struct {
	Backend    string
	TTL        time.Duration
	Size       int
	SQLitePath string
	RedisURL   string
}

// New builds the store named by opts.Backend.
func New(ctx context.Context, opts Options) (Store, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendMemory:
		return NewMemoryStore(opts.Size, opts.TTL), nil
	case BackendSQLite:
		return NewSQLiteStore(opts.SQLitePath, opts.TTL)
	case BackendRedis:
		return NewRedisStore(ctx, opts.RedisURL, opts.TTL)
	case BackendNone:
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
	}
}

// Noop never stores anything.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (Noop) Set(context.Context, string, []byte) error         { return nil }
func (Noop) Close() error                                      { return nil }

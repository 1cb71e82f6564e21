// Package store defines the persistence contract for extracted session
// contexts. Both backends satisfy session.Cache, so the extractor never
// knows which one it is talking to.
package store

import (
	"context"

	"github.com/caredirect/medrank/pkg/medrank/session"
)

// Store persists session contexts keyed by the session cache key.
type Store interface {
	Get(ctx context.Context, key string) (session.Context, bool, error)
	Put(ctx context.Context, key string, sc session.Context) error
	Close() error
}

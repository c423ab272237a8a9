// Package store adapts a single key-value node to the handful of primitives
// the lock needs: conditional set with expiry, atomic script evaluation, get,
// delete and remaining-ttl queries.
package store

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// NoExpiry is returned by PTTL for a key that exists without an expiry.
const NoExpiry = time.Duration(-1)

// Node is the uniform interface to one backing store node.
//
// Implementations must wrap transport failures so that
// errors.Is(err, errors.ErrStoreUnavailable) holds. A missing key is never an
// error.
type Node interface {
	// SetNX stores value under key with the given expiry only if key does not
	// exist. It reports whether the value was written.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Eval runs script atomically on the node.
	Eval(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error)
	// Get returns the value stored at key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Del removes key.
	Del(ctx context.Context, key string) error
	// PTTL returns the remaining time to live of key and whether it exists.
	PTTL(ctx context.Context, key string) (time.Duration, bool, error)
	// Addr identifies the node in logs and errors.
	Addr() string
}

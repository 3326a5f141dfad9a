// Package cache provides the read-through TTL cache in front of list and
// aggregate queries. The cache is never authoritative: every operation has a
// source-of-truth fallback, and callers treat all cache errors as misses.
package cache

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Cache is the key/value surface the services consume.
type Cache interface {
	// Get unmarshals the cached value for key into dest. Returns false on
	// miss; an error counts as a miss at the call site.
	Get(ctx context.Context, key string, dest any) (bool, error)
	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// Delete removes exact keys.
	Delete(ctx context.Context, keys ...string) error
	// DeletePattern removes every key matching a glob pattern
	// (e.g. "submissions:plant=p1:*").
	DeletePattern(ctx context.Context, pattern string) error
}

// Key builds a deterministic cache key from an entity name and query
// parameters: "<entity>:<k>=<v>:..." with parameters sorted by name. The same
// builder computes both the key a read populates and the key a write deletes.
func Key(entity string, params map[string]string) string {
	if len(params) == 0 {
		return entity
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(entity)
	for _, name := range names {
		b.WriteByte(':')
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(params[name])
	}
	return b.String()
}

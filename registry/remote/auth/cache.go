package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/rancher/ociclient/errdef"
)

// cacheKeyPrefix namespaces token cache keys so a shared cache backend
// cannot collide with anything else the process stores.
const cacheKeyPrefix = "ORAS_AUTH_"

// Cache is the token store consulted by Client. Tokens are partitioned
// by registry host (and optionally tenant), then by scheme, then by a
// scheme-specific key: the empty string for Basic, the sorted
// concatenated scopes for Bearer.
type Cache interface {
	// GetScheme returns the last known scheme for registry, or a wrapped
	// errdef.ErrNotFound.
	GetScheme(ctx context.Context, registry string) (Scheme, error)

	// GetToken returns the cached token for the given key, or a wrapped
	// errdef.ErrNotFound.
	GetToken(ctx context.Context, registry string, scheme Scheme, key string) (string, error)

	// Set stores the token produced by fetch under the given key,
	// replacing the registry's whole entry when the scheme changed.
	// Concurrent Set calls for the same registry are serialized.
	Set(ctx context.Context, registry string, scheme Scheme, key string, fetch func(ctx context.Context) (string, error)) (string, error)
}

// NewCache returns an in-memory Cache safe for concurrent use.
func NewCache() Cache {
	return &concurrentCache{}
}

// NewCacheWithTenant returns an in-memory Cache whose keys carry a
// tenant partition, so one cache instance can be shared by clients
// authenticating on behalf of different tenants against the same hosts.
func NewCacheWithTenant(tenantID string) Cache {
	return &concurrentCache{tenantID: tenantID}
}

type cacheEntry struct {
	scheme Scheme
	tokens sync.Map // key -> token string
}

type concurrentCache struct {
	tenantID string

	status  sync.Map // cache key -> *sync.Mutex (per-key write lock)
	entries sync.Map // cache key -> *cacheEntry
}

func (c *concurrentCache) cacheKey(registry string) string {
	if c.tenantID != "" {
		return cacheKeyPrefix + c.tenantID + "|" + registry
	}
	return cacheKeyPrefix + registry
}

func (c *concurrentCache) GetScheme(ctx context.Context, registry string) (Scheme, error) {
	v, ok := c.entries.Load(c.cacheKey(registry))
	if !ok {
		return SchemeUnknown, fmt.Errorf("no cached auth scheme for %s: %w", registry, errdef.ErrNotFound)
	}
	return v.(*cacheEntry).scheme, nil
}

func (c *concurrentCache) GetToken(ctx context.Context, registry string, scheme Scheme, key string) (string, error) {
	v, ok := c.entries.Load(c.cacheKey(registry))
	if !ok {
		return "", fmt.Errorf("no cached token for %s: %w", registry, errdef.ErrNotFound)
	}
	entry := v.(*cacheEntry)
	if entry.scheme != scheme {
		return "", fmt.Errorf("cached scheme for %s is %s, want %s: %w", registry, entry.scheme, scheme, errdef.ErrNotFound)
	}
	if token, ok := entry.tokens.Load(key); ok {
		return token.(string), nil
	}
	return "", fmt.Errorf("no cached token for %s scope %q: %w", registry, key, errdef.ErrNotFound)
}

func (c *concurrentCache) Set(ctx context.Context, registry string, scheme Scheme, key string, fetch func(ctx context.Context) (string, error)) (string, error) {
	cacheKey := c.cacheKey(registry)
	lockV, _ := c.status.LoadOrStore(cacheKey, &sync.Mutex{})
	lock := lockV.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	token, err := fetch(ctx)
	if err != nil {
		return "", err
	}

	entryV, ok := c.entries.Load(cacheKey)
	var entry *cacheEntry
	if ok {
		entry = entryV.(*cacheEntry)
	}
	if entry == nil || entry.scheme != scheme {
		// Scheme changed: the old entry's tokens are useless, replace
		// rather than merge.
		entry = &cacheEntry{scheme: scheme}
		c.entries.Store(cacheKey, entry)
	}
	entry.tokens.Store(key, token)
	return token, nil
}

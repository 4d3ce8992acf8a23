// Package identity resolves caller identities (id, role, tier) from API
// keys, with argon2id-hashed key storage and a short-lived verification
// cache.
package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// ErrUnknownKey is returned when no configured key matches.
var ErrUnknownKey = errors.New("unknown API key")

// Identity is a resolved caller.
type Identity struct {
	ID   string
	Role string
	Tier string
}

// Resolver produces identities from presented API keys. Implementations
// must be safe for concurrent use.
type Resolver interface {
	Resolve(ctx context.Context, apiKey string) (Identity, error)
}

// KeyEntry is one configured caller key: the argon2id hash of the key plus
// its role and tier.
type KeyEntry struct {
	KeyHash string
	Role    string
	Tier    string
}

// cacheTTL bounds how long a verified key skips the argon2 check.
const cacheTTL = 5 * time.Minute

// StaticResolver resolves identities against a fixed table loaded from
// configuration. Verified keys are cached so the argon2 cost is paid once
// per TTL, not per request.
type StaticResolver struct {
	entries []KeyEntry
	cache   *ristretto.Cache[string, Identity]
}

// NewStaticResolver builds a resolver over the configured entries.
func NewStaticResolver(entries []KeyEntry) (*StaticResolver, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, Identity]{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &StaticResolver{entries: entries, cache: cache}, nil
}

// Resolve verifies the presented key against the configured hashes. The
// identity ID is the key's identifying prefix, never the key itself.
func (r *StaticResolver) Resolve(ctx context.Context, apiKey string) (Identity, error) {
	if !strings.HasPrefix(apiKey, KeyPrefix) {
		return Identity{}, ErrUnknownKey
	}

	id := KeyID(apiKey)
	if cached, found := r.cache.Get(id); found {
		return cached, nil
	}

	for _, entry := range r.entries {
		if err := ctx.Err(); err != nil {
			return Identity{}, err
		}
		ok, err := VerifyKey(apiKey, entry.KeyHash)
		if err != nil || !ok {
			continue
		}
		ident := Identity{ID: id, Role: entry.Role, Tier: entry.Tier}
		r.cache.SetWithTTL(id, ident, 1, cacheTTL)
		return ident, nil
	}
	return Identity{}, ErrUnknownKey
}

// Close releases the verification cache.
func (r *StaticResolver) Close() {
	r.cache.Close()
}

// Anonymous builds the fallback identity for callers without a key, keyed
// by their network origin and pinned to the given lowest tier.
func Anonymous(origin, lowestTier string) Identity {
	return Identity{ID: "anon:" + origin, Role: "anonymous", Tier: lowestTier}
}

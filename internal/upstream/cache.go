package upstream

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/jmallek/llamagate/internal/types"
)

// DefaultModelCacheTTL bounds how stale model metadata may get.
const DefaultModelCacheTTL = 5 * time.Minute

// ModelCache caches model metadata responses (list and show). Metadata is
// identical across credential slots of the same backend, so entries are
// keyed by operation and model only.
type ModelCache struct {
	cache *ristretto.Cache[string, any]
	ttl   time.Duration
}

// NewModelCache creates a cache with the given TTL (DefaultModelCacheTTL
// when zero).
func NewModelCache(ttl time.Duration) (*ModelCache, error) {
	if ttl <= 0 {
		ttl = DefaultModelCacheTTL
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, any]{
		NumCounters: 1e4,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &ModelCache{cache: cache, ttl: ttl}, nil
}

// GetList returns the cached model list, if present.
func (m *ModelCache) GetList() (*types.ListResponse, bool) {
	if m == nil {
		return nil, false
	}
	if v, ok := m.cache.Get("list"); ok {
		if list, ok := v.(*types.ListResponse); ok {
			return list, true
		}
	}
	return nil, false
}

// SetList caches the model list.
func (m *ModelCache) SetList(list *types.ListResponse) {
	if m == nil {
		return
	}
	m.cache.SetWithTTL("list", list, 1, m.ttl)
}

// GetShow returns cached metadata for one model, if present.
func (m *ModelCache) GetShow(model string) (*types.ShowResponse, bool) {
	if m == nil {
		return nil, false
	}
	if v, ok := m.cache.Get("show:" + model); ok {
		if show, ok := v.(*types.ShowResponse); ok {
			return show, true
		}
	}
	return nil, false
}

// SetShow caches metadata for one model.
func (m *ModelCache) SetShow(model string, show *types.ShowResponse) {
	if m == nil {
		return
	}
	m.cache.SetWithTTL("show:"+model, show, 1, m.ttl)
}

// Close releases the cache.
func (m *ModelCache) Close() {
	if m != nil {
		m.cache.Close()
	}
}

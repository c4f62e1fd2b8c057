package cache

import (
	"net/http"
)

// CacheManager owns the schema listing cache and clears it, together with
// any registered dependents, whenever configuration is applied.
type CacheManager struct {
	schema     *LRUCache[string, []byte]
	dependents []func()
}

// NewCacheManager creates a CacheManager from the given configuration.
// If cfg is nil or disabled, it returns nil.
func NewCacheManager(cfg *CacheConfig) *CacheManager {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	return &CacheManager{
		schema: NewLRUCache[string, []byte](cfg.MaxSize, cfg.SchemaTTL),
	}
}

// OnInvalidate registers fn to run on every InvalidateAll.
func (cm *CacheManager) OnInvalidate(fn func()) {
	if cm == nil {
		return
	}
	cm.dependents = append(cm.dependents, fn)
}

// InvalidateAll clears the schema cache and runs registered dependents.
func (cm *CacheManager) InvalidateAll() {
	if cm == nil {
		return
	}
	cm.schema.InvalidateAll()
	for _, fn := range cm.dependents {
		fn()
	}
}

// SchemaMiddleware returns HTTP middleware that caches schema listing
// responses. A nil manager returns a pass-through middleware.
func (cm *CacheManager) SchemaMiddleware() func(http.Handler) http.Handler {
	if cm == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return CacheMiddleware(cm.schema)
}

package backend

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// rangeKey identifies a command range. Replayed and stamped chunks share the
// range of their template and therefore share its routine.
type rangeKey struct {
	start, end int
}

// RoutineCache holds compiled routines keyed by command range. It is safe for
// concurrent use; a routine is built at most once per range.
type RoutineCache[R any] struct {
	routines *xsync.MapOf[rangeKey, R]
	hits     *xsync.Counter
	misses   *xsync.Counter
}

// CacheStats reports routine cache usage.
type CacheStats struct {
	Routines int
	Hits     int64
	Misses   int64
}

// NewRoutineCache creates an empty cache.
func NewRoutineCache[R any]() *RoutineCache[R] {
	return &RoutineCache[R]{
		routines: xsync.NewMapOf[rangeKey, R](),
		hits:     xsync.NewCounter(),
		misses:   xsync.NewCounter(),
	}
}

// Get returns the routine for [start, end), calling build on first use.
func (c *RoutineCache[R]) Get(start, end int, build func() R) R {
	r, loaded := c.routines.LoadOrCompute(rangeKey{start, end}, build)
	if loaded {
		c.hits.Inc()
	} else {
		c.misses.Inc()
	}
	return r
}

// Len returns the number of cached routines.
func (c *RoutineCache[R]) Len() int { return c.routines.Size() }

// Stats returns a snapshot of the cache counters.
func (c *RoutineCache[R]) Stats() CacheStats {
	return CacheStats{Routines: c.routines.Size(), Hits: c.hits.Value(), Misses: c.misses.Value()}
}

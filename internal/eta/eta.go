package eta

import (
	"fmt"
	"sync"
	"time"

	"github.com/kenda/dispatch/internal/geo"
	"github.com/kenda/dispatch/internal/models"
)

// Leg is one routed pickup-to-destination segment.
type Leg struct {
	DistanceMeters  float64
	DurationSeconds float64
}

// Client is the routing collaborator. The core never computes routes
// itself; it only consumes distance/duration estimates.
type Client interface {
	Route(from, to models.Coord) (Leg, error)
}

// EstimateLeg is the naive fallback when no routing backend is
// reachable: great-circle distance at a fixed city speed.
func EstimateLeg(from, to models.Coord, speedMps float64) Leg {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	d := geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
	return Leg{DistanceMeters: d, DurationSeconds: d / speedMps}
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Leg
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns the cached leg and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (Leg, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Leg{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Leg{}, false
	}
	return e.v, true
}

// Set stores a leg in the cache.
func (c *Cache) Set(a, b models.Coord, v Leg) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

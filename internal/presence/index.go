package presence

import (
	"context"
	"sync"
	"time"

	"github.com/kenda/dispatch/internal/geo"
	"github.com/kenda/dispatch/internal/models"
)

// Index is the geospatial driver index: every online driver's last
// known position plus dispatch metadata. The store enforces no TTL, so
// staleness policy belongs to the reader: Nearby drops positions older
// than maxAge.
type Index interface {
	Upsert(ctx context.Context, p models.DriverPresence) error
	SetOnline(ctx context.Context, driverID string, online bool) error
	Get(ctx context.Context, driverID string) (models.DriverPresence, error)
	Nearby(ctx context.Context, at models.Coord, radiusMeters float64, limit int) ([]models.DriverPresence, error)
}

// MemoryIndex is the in-process fallback backend, a naive scan over a
// guarded map. Fine for dev and tests; Redis carries production load.
type MemoryIndex struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverPresence
	maxAge  time.Duration
	now     func() time.Time
}

func NewMemoryIndex(maxAge time.Duration) *MemoryIndex {
	return &MemoryIndex{
		drivers: make(map[string]models.DriverPresence),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

func (m *MemoryIndex) Upsert(ctx context.Context, p models.DriverPresence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = m.now()
	}
	m.drivers[p.DriverID] = p
	return nil
}

func (m *MemoryIndex) SetOnline(ctx context.Context, driverID string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.drivers[driverID]
	if !ok {
		p = models.DriverPresence{DriverID: driverID}
	}
	p.Online = online
	p.UpdatedAt = m.now()
	m.drivers[driverID] = p
	return nil
}

func (m *MemoryIndex) Get(ctx context.Context, driverID string) (models.DriverPresence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.drivers[driverID]
	if !ok {
		return models.DriverPresence{}, models.ErrDriverOffline
	}
	return p, nil
}

// Nearby returns up to limit online drivers within radiusMeters whose
// position is fresh enough to trust, nearest first.
func (m *MemoryIndex) Nearby(ctx context.Context, at models.Coord, radiusMeters float64, limit int) ([]models.DriverPresence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type pair struct {
		p    models.DriverPresence
		dist float64
	}
	arr := make([]pair, 0, len(m.drivers))
	cutoff := m.now().Add(-m.maxAge)
	for _, p := range m.drivers {
		if !p.Online || p.UpdatedAt.Before(cutoff) {
			continue
		}
		dist := geo.Haversine(at.Lat, at.Lon, p.Loc.Lat, p.Loc.Lon)
		if dist > radiusMeters {
			continue
		}
		arr = append(arr, pair{p, dist})
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.DriverPresence, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].p)
	}
	return out, nil
}

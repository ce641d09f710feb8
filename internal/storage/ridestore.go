package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kenda/dispatch/internal/models"
)

// RideStore defines persistence operations for rides. Every status
// mutation is conditional on the current status and reports whether a
// row actually changed; implementations must make the check-and-write
// a single indivisible operation, never a read-then-write pair.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)

	// ClaimRide binds driverID to the ride iff it is still SEARCHING,
	// either open to anyone or targeted at driverID, and the driver has
	// no other active ride. Returns models.ErrAlreadyTaken when the
	// conditional write matches no row, models.ErrDriverBusy when the
	// driver is already bound elsewhere.
	ClaimRide(ctx context.Context, rideID, driverID string, at time.Time) (*models.Ride, error)

	// TransitionRide moves the ride from one status to another iff it
	// currently sits in from. started_at/completed_at are stamped for
	// the transitions that own them. Returns models.ErrInvalidTransition
	// when the ride is no longer in from.
	TransitionRide(ctx context.Context, rideID string, from, to models.RideStatus, at time.Time) (*models.Ride, error)

	// CancelRide cancels the ride iff it sits in a cancellable status
	// (SEARCHING, ACCEPTED or ARRIVED), recording the reason.
	CancelRide(ctx context.Context, rideID, reason string, at time.Time) (*models.Ride, error)

	// OpenRides lists rides currently in SEARCHING, oldest first.
	OpenRides(ctx context.Context) ([]*models.Ride, error)

	// ActiveRideForDriver returns the non-terminal ride bound to
	// driverID, or models.ErrRideNotFound when the driver is free.
	ActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error)
}

// MemoryStore keeps rides in a mutex-guarded map with the same
// conditional-write semantics as the Postgres store. Used for tests
// and for local runs without PG_DSN.
type MemoryStore struct {
	mu    sync.Mutex
	rides map[string]*models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, models.ErrRideNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ClaimRide(ctx context.Context, rideID, driverID string, at time.Time) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, models.ErrRideNotFound
	}
	if r.Status != models.StatusSearching {
		return nil, models.ErrAlreadyTaken
	}
	if r.DriverID != nil && *r.DriverID != driverID {
		// targeted at someone else
		return nil, models.ErrAlreadyTaken
	}
	if m.activeRideLocked(driverID) != nil {
		return nil, models.ErrDriverBusy
	}
	d := driverID
	r.DriverID = &d
	r.Status = models.StatusAccepted
	t := at
	r.AcceptedAt = &t
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) TransitionRide(ctx context.Context, rideID string, from, to models.RideStatus, at time.Time) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, models.ErrRideNotFound
	}
	if r.Status != from {
		return nil, models.ErrInvalidTransition
	}
	r.Status = to
	t := at
	switch to {
	case models.StatusInProgress:
		r.StartedAt = &t
	case models.StatusCompleted:
		r.CompletedAt = &t
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) CancelRide(ctx context.Context, rideID, reason string, at time.Time) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, models.ErrRideNotFound
	}
	switch r.Status {
	case models.StatusSearching, models.StatusAccepted, models.StatusArrived:
	default:
		return nil, models.ErrInvalidTransition
	}
	r.Status = models.StatusCancelled
	t := at
	r.CancelledAt = &t
	r.CancelReason = reason
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) OpenRides(ctx context.Context) ([]*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if r.Status == models.StatusSearching {
			cp := *r
			out = append(out, &cp)
		}
	}
	sortByRequestedAt(out)
	return out, nil
}

func (m *MemoryStore) ActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.activeRideLocked(driverID); r != nil {
		cp := *r
		return &cp, nil
	}
	return nil, models.ErrRideNotFound
}

// activeRideLocked requires m.mu held. A targeted SEARCHING ride does
// not count as active; its target must still be able to claim it.
func (m *MemoryStore) activeRideLocked(driverID string) *models.Ride {
	for _, r := range m.rides {
		if r.BoundTo(driverID) && !r.Status.Terminal() && r.Status != models.StatusSearching {
			return r
		}
	}
	return nil
}

func sortByRequestedAt(rides []*models.Ride) {
	sort.Slice(rides, func(i, j int) bool {
		return rides[i].RequestedAt.Before(rides[j].RequestedAt)
	})
}

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kenda/dispatch/internal/models"
	"github.com/kenda/dispatch/internal/observability"
	"github.com/kenda/dispatch/internal/relay"
	"github.com/kenda/dispatch/internal/storage"
)

// transitions is the full lifecycle graph. Cancellation stops being
// available once the trip is IN_PROGRESS.
var transitions = map[models.RideStatus][]models.RideStatus{
	models.StatusSearching:  {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:   {models.StatusArrived, models.StatusCancelled},
	models.StatusArrived:    {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress: {models.StatusCompleted},
}

// Allowed reports whether the lifecycle graph permits from -> to.
func Allowed(from, to models.RideStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Machine applies ride lifecycle transitions. It is the only path that
// mutates ride status: it authorizes the caller against the current
// row, then issues a conditional update keyed on the expected source
// status, so a concurrent move always surfaces as ErrInvalidTransition
// instead of a lost write.
type Machine struct {
	store storage.RideStore
	hub   *relay.Hub
	log   *slog.Logger
	now   func() time.Time
}

func NewMachine(store storage.RideStore, hub *relay.Hub, log *slog.Logger) *Machine {
	return &Machine{store: store, hub: hub, log: log, now: time.Now}
}

// Arrive records the bound driver reaching the pickup point.
func (m *Machine) Arrive(ctx context.Context, rideID, callerID string) (*models.Ride, error) {
	return m.progress(ctx, rideID, callerID, models.StatusAccepted, models.StatusArrived)
}

// Start begins the trip.
func (m *Machine) Start(ctx context.Context, rideID, callerID string) (*models.Ride, error) {
	return m.progress(ctx, rideID, callerID, models.StatusArrived, models.StatusInProgress)
}

// Complete ends the trip. Fare settlement and the rating prompt hang
// off the published event; the machine itself only moves status.
func (m *Machine) Complete(ctx context.Context, rideID, callerID string) (*models.Ride, error) {
	return m.progress(ctx, rideID, callerID, models.StatusInProgress, models.StatusCompleted)
}

// Cancel is available to the passenger or the bound driver while the
// ride has not started. The reason is recorded verbatim.
func (m *Machine) Cancel(ctx context.Context, rideID, callerID, reason string) (*models.Ride, error) {
	cur, err := m.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if callerID != cur.PassengerID && !cur.BoundTo(callerID) {
		m.log.Warn("cancel denied", "ride_id", rideID, "caller", callerID)
		observability.TransitionsTotal.WithLabelValues(string(models.StatusCancelled), "denied").Inc()
		return nil, models.ErrNotAuthorized
	}
	if cur.Status == models.StatusInProgress || cur.Status.Terminal() {
		observability.TransitionsTotal.WithLabelValues(string(models.StatusCancelled), "invalid").Inc()
		return nil, models.ErrInvalidTransition
	}

	updated, err := m.store.CancelRide(ctx, rideID, reason, m.now())
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			observability.TransitionsTotal.WithLabelValues(string(models.StatusCancelled), "invalid").Inc()
			return nil, err
		}
		return nil, fmt.Errorf("cancel ride %s: %w", rideID, err)
	}
	observability.TransitionsTotal.WithLabelValues(string(models.StatusCancelled), "ok").Inc()
	m.log.Info("ride cancelled", "ride_id", rideID, "by", callerID, "reason", reason)
	m.hub.PublishRide(models.EventRideUpdated, updated)
	return updated, nil
}

func (m *Machine) progress(ctx context.Context, rideID, callerID string, from, to models.RideStatus) (*models.Ride, error) {
	cur, err := m.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !cur.BoundTo(callerID) {
		m.log.Warn("transition denied", "ride_id", rideID, "caller", callerID, "to", to)
		observability.TransitionsTotal.WithLabelValues(string(to), "denied").Inc()
		return nil, models.ErrNotAuthorized
	}

	updated, err := m.store.TransitionRide(ctx, rideID, from, to, m.now())
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			// stale client view, double submit, or out-of-order
			// arrival: routine under concurrency, the row is untouched
			observability.TransitionsTotal.WithLabelValues(string(to), "invalid").Inc()
			return nil, err
		}
		return nil, fmt.Errorf("transition ride %s to %s: %w", rideID, to, err)
	}
	observability.TransitionsTotal.WithLabelValues(string(to), "ok").Inc()
	m.log.Info("ride transition", "ride_id", rideID, "from", from, "to", to, "driver", callerID)
	m.hub.PublishRide(models.EventRideUpdated, updated)
	return updated, nil
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kenda/dispatch/internal/eta"
	"github.com/kenda/dispatch/internal/models"
	"github.com/kenda/dispatch/internal/observability"
	"github.com/kenda/dispatch/internal/presence"
	"github.com/kenda/dispatch/internal/relay"
	"github.com/kenda/dispatch/internal/storage"
)

// Service owns ride intake and the claim protocol. Claim guarantees at
// most one driver ever binds to an open ride: the decision happens
// inside the store's conditional write, never in application code.
type Service struct {
	Store  storage.RideStore
	Index  presence.Index
	Hub    *relay.Hub
	Quoter *eta.Quoter
	Log    *slog.Logger

	// StaleAfter bounds how old a presence row may be and still count
	// as online for claim eligibility.
	StaleAfter time.Duration

	now func() time.Time
}

func NewService(store storage.RideStore, index presence.Index, hub *relay.Hub, quoter *eta.Quoter, staleAfter time.Duration, log *slog.Logger) *Service {
	return &Service{
		Store:      store,
		Index:      index,
		Hub:        hub,
		Quoter:     quoter,
		StaleAfter: staleAfter,
		Log:        log,
		now:        time.Now,
	}
}

// CreateRide quotes the trip, inserts the SEARCHING row and announces
// it to scanning drivers. A TargetDriverID pre-binds the driver while
// leaving the status SEARCHING; such a ride is only dispatched to, and
// only claimable by, its target.
func (s *Service) CreateRide(ctx context.Context, req models.RideRequest) (*models.Ride, error) {
	pickup := models.Coord{Lat: req.PickupLat, Lon: req.PickupLon}
	dest := models.Coord{Lat: req.DestLat, Lon: req.DestLon}
	quote := s.Quoter.QuoteTrip(pickup, dest)

	r := &models.Ride{
		ID:              uuid.NewString(),
		PassengerID:     req.PassengerID,
		Pickup:          pickup,
		PickupAddr:      req.PickupAddr,
		Destination:     dest,
		DestAddr:        req.DestAddr,
		PriceFC:         quote.PriceFC,
		DistanceMeters:  quote.DistanceMeters,
		DurationSeconds: quote.DurationSeconds,
		Status:          models.StatusSearching,
		RequestedAt:     s.now(),
	}
	if req.TargetDriverID != "" {
		d := req.TargetDriverID
		r.DriverID = &d
	}

	if err := s.Store.CreateRide(ctx, r); err != nil {
		return nil, fmt.Errorf("create ride: %w", err)
	}
	observability.RidesCreated.Inc()
	s.Log.Info("ride created", "ride_id", r.ID, "passenger", r.PassengerID,
		"price_fc", r.PriceFC, "targeted", r.Targeted())
	s.Hub.PublishRide(models.EventRideCreated, r)
	return r, nil
}

// Claim binds driverID to an open ride. Failure modes are ordinary
// results, not faults: ErrAlreadyTaken when another driver won or the
// ride was cancelled, ErrDriverOffline / ErrDriverBusy when the caller
// is not eligible. A caller receiving ErrAlreadyTaken must refresh its
// view of open rides rather than retry the write.
func (s *Service) Claim(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	p, err := s.Index.Get(ctx, driverID)
	if err != nil {
		if errors.Is(err, models.ErrDriverOffline) {
			return nil, models.ErrDriverOffline
		}
		return nil, fmt.Errorf("presence lookup %s: %w", driverID, err)
	}
	if !p.Online || (s.StaleAfter > 0 && time.Since(p.UpdatedAt) > s.StaleAfter) {
		return nil, models.ErrDriverOffline
	}

	// early exclusivity gate; the store's conditional write re-checks
	// it atomically, this read just fails fast with the precise error
	if _, err := s.Store.ActiveRideForDriver(ctx, driverID); err == nil {
		return nil, models.ErrDriverBusy
	} else if !errors.Is(err, models.ErrRideNotFound) {
		return nil, fmt.Errorf("active ride lookup %s: %w", driverID, err)
	}

	r, err := s.Store.ClaimRide(ctx, rideID, driverID, s.now())
	if err != nil {
		if errors.Is(err, models.ErrAlreadyTaken) {
			observability.ClaimsConflicts.Inc()
			s.Log.Info("claim lost", "ride_id", rideID, "driver", driverID)
			return nil, err
		}
		if errors.Is(err, models.ErrDriverBusy) {
			return nil, err
		}
		return nil, fmt.Errorf("claim ride %s: %w", rideID, err)
	}
	observability.ClaimsWon.Inc()
	s.Log.Info("claim won", "ride_id", rideID, "driver", driverID)
	s.Hub.PublishRide(models.EventRideUpdated, r)
	return r, nil
}

// NearbyDrivers lists online drivers around a point, nearest first.
func (s *Service) NearbyDrivers(ctx context.Context, at models.Coord, radiusMeters float64, limit int) ([]models.DriverPresence, error) {
	return s.Index.Nearby(ctx, at, radiusMeters, limit)
}

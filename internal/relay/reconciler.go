package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/kenda/dispatch/internal/models"
	"github.com/kenda/dispatch/internal/storage"
)

// Reconciler is the polling fallback layered over the push channel: on
// a fixed interval it re-fetches all open rides and re-publishes them,
// plus the final state of any ride that left SEARCHING since the last
// pass. Subscribers are idempotent to duplicates, so re-publishing is
// always safe; what it buys is recovery from relay gaps.
type Reconciler struct {
	store    storage.RideStore
	hub      *Hub
	interval time.Duration
	log      *slog.Logger

	lastOpen map[string]struct{}
}

func NewReconciler(store storage.RideStore, hub *Hub, interval time.Duration, log *slog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		hub:      hub,
		interval: interval,
		log:      log,
		lastOpen: make(map[string]struct{}),
	}
}

// Run blocks until ctx is cancelled.
func (rc *Reconciler) Run(ctx context.Context) {
	t := time.NewTicker(rc.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rc.pass(ctx)
		}
	}
}

func (rc *Reconciler) pass(ctx context.Context) {
	open, err := rc.store.OpenRides(ctx)
	if err != nil {
		rc.log.Warn("reconcile fetch failed", "error", err)
		return
	}

	seen := make(map[string]struct{}, len(open))
	for _, r := range open {
		seen[r.ID] = struct{}{}
		rc.hub.PublishRide(models.EventRideUpdated, r)
		if age := time.Since(r.RequestedAt); age > 5*time.Minute {
			// no TTL exists for a stuck SEARCHING ride; surface it
			rc.log.Info("ride still searching", "ride_id", r.ID, "age", age.String())
		}
	}

	// rides that left SEARCHING since the previous pass: push their
	// current row so scanning drivers withdraw them even if the live
	// event was missed
	for id := range rc.lastOpen {
		if _, stillOpen := seen[id]; stillOpen {
			continue
		}
		r, err := rc.store.GetRide(ctx, id)
		if err != nil {
			rc.log.Warn("reconcile refetch failed", "ride_id", id, "error", err)
			continue
		}
		rc.hub.PublishRide(models.EventRideUpdated, r)
	}
	rc.lastOpen = seen
}

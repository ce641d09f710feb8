package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kenda/dispatch/internal/eta"
	"github.com/kenda/dispatch/internal/models"
	"github.com/kenda/dispatch/internal/presence"
	"github.com/kenda/dispatch/internal/relay"
	"github.com/kenda/dispatch/internal/storage"
)

// Goma city centre, and a point ~5 km due north of it.
var (
	gomaPickup = models.Coord{Lat: -1.6585, Lon: 29.2205}
	gomaDest   = models.Coord{Lat: -1.6135, Lon: 29.2205}
)

func testService(t *testing.T) (*Service, *presence.MemoryIndex) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	idx := presence.NewMemoryIndex(time.Minute)
	quoter := &eta.Quoter{DefaultSpeedMps: 10, Tariff: eta.DefaultTariff}
	svc := NewService(storage.NewMemoryStore(), idx, relay.NewHub(log), quoter, time.Minute, log)
	return svc, idx
}

func putOnline(t *testing.T, idx *presence.MemoryIndex, id string) {
	t.Helper()
	err := idx.Upsert(context.Background(), models.DriverPresence{
		DriverID: id, Online: true, Loc: gomaPickup, Vehicle: models.VehicleMoto, Rating: 4.7,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCreateRideQuotesGomaTrip(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	r, err := svc.CreateRide(ctx, models.RideRequest{
		PassengerID: "p1",
		PickupLat:   gomaPickup.Lat, PickupLon: gomaPickup.Lon,
		PickupAddr: "Boulevard Kanyamuhanga",
		DestLat:    gomaDest.Lat, DestLon: gomaDest.Lon,
		DestAddr: "Aéroport de Goma",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Status != models.StatusSearching || r.DriverID != nil {
		t.Fatalf("new ride not open: %+v", r)
	}
	if r.DistanceMeters < 4900 || r.DistanceMeters > 5100 {
		t.Fatalf("distance = %.0f m, want ~5000", r.DistanceMeters)
	}
	if r.PriceFC < 4400 || r.PriceFC > 4600 {
		t.Fatalf("price = %.0f FC, want ~4500", r.PriceFC)
	}

	got, err := svc.Store.GetRide(ctx, r.ID)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if got.Pickup != r.Pickup || got.Destination != r.Destination || got.PriceFC != r.PriceFC {
		t.Fatalf("round trip lost fields: %+v vs %+v", got, r)
	}
}

func TestTwoDriversRaceExactlyOneWins(t *testing.T) {
	svc, idx := testService(t)
	ctx := context.Background()
	putOnline(t, idx, "driver-a")
	putOnline(t, idx, "driver-b")

	r, err := svc.CreateRide(ctx, models.RideRequest{
		PassengerID: "p1",
		PickupLat:   gomaPickup.Lat, PickupLon: gomaPickup.Lon,
		DestLat: gomaDest.Lat, DestLon: gomaDest.Lon,
	})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errsByDriver := make(map[string]error, 2)
	var mu sync.Mutex
	for _, d := range []string{"driver-a", "driver-b"} {
		wg.Add(1)
		go func(d string) {
			defer wg.Done()
			_, err := svc.Claim(ctx, r.ID, d)
			mu.Lock()
			errsByDriver[d] = err
			mu.Unlock()
		}(d)
	}
	wg.Wait()

	var winner string
	losses := 0
	for d, err := range errsByDriver {
		switch {
		case err == nil:
			winner = d
		case errors.Is(err, models.ErrAlreadyTaken):
			losses++
		default:
			t.Fatalf("driver %s: unexpected error %v", d, err)
		}
	}
	if winner == "" || losses != 1 {
		t.Fatalf("expected one winner and one AlreadyTaken, got %v", errsByDriver)
	}

	got, err := svc.Store.GetRide(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusAccepted || !got.BoundTo(winner) {
		t.Fatalf("ride not bound to winner %s: %+v", winner, got)
	}
}

func TestClaimRequiresFreshOnlinePresence(t *testing.T) {
	svc, idx := testService(t)
	ctx := context.Background()

	r, err := svc.CreateRide(ctx, models.RideRequest{
		PassengerID: "p1",
		PickupLat:   gomaPickup.Lat, PickupLon: gomaPickup.Lon,
		DestLat: gomaDest.Lat, DestLon: gomaDest.Lon,
	})
	if err != nil {
		t.Fatal(err)
	}

	// never reported at all
	if _, err := svc.Claim(ctx, r.ID, "ghost"); !errors.Is(err, models.ErrDriverOffline) {
		t.Fatalf("expected ErrDriverOffline, got %v", err)
	}

	// reported but toggled offline
	putOnline(t, idx, "d1")
	if err := idx.SetOnline(ctx, "d1", false); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Claim(ctx, r.ID, "d1"); !errors.Is(err, models.ErrDriverOffline) {
		t.Fatalf("expected ErrDriverOffline, got %v", err)
	}

	// online but stale position
	if err := idx.Upsert(ctx, models.DriverPresence{
		DriverID: "d2", Online: true, Loc: gomaPickup,
		UpdatedAt: time.Now().Add(-10 * time.Minute),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Claim(ctx, r.ID, "d2"); !errors.Is(err, models.ErrDriverOffline) {
		t.Fatalf("expected ErrDriverOffline for stale presence, got %v", err)
	}
}

func TestClaimRejectsBusyDriver(t *testing.T) {
	svc, idx := testService(t)
	ctx := context.Background()
	putOnline(t, idx, "d1")

	first, err := svc.CreateRide(ctx, models.RideRequest{
		PassengerID: "p1",
		PickupLat:   gomaPickup.Lat, PickupLon: gomaPickup.Lon,
		DestLat: gomaDest.Lat, DestLon: gomaDest.Lon,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Claim(ctx, first.ID, "d1"); err != nil {
		t.Fatal(err)
	}

	second, err := svc.CreateRide(ctx, models.RideRequest{
		PassengerID: "p2",
		PickupLat:   gomaPickup.Lat, PickupLon: gomaPickup.Lon,
		DestLat: gomaDest.Lat, DestLon: gomaDest.Lon,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Claim(ctx, second.ID, "d1"); !errors.Is(err, models.ErrDriverBusy) {
		t.Fatalf("expected ErrDriverBusy, got %v", err)
	}
}

func TestTargetedRideOnlyClaimableByTarget(t *testing.T) {
	svc, idx := testService(t)
	ctx := context.Background()
	putOnline(t, idx, "d-target")
	putOnline(t, idx, "d-other")

	r, err := svc.CreateRide(ctx, models.RideRequest{
		PassengerID: "p1",
		PickupLat:   gomaPickup.Lat, PickupLon: gomaPickup.Lon,
		DestLat: gomaDest.Lat, DestLon: gomaDest.Lon,
		TargetDriverID: "d-target",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !r.Targeted() {
		t.Fatalf("ride should be targeted: %+v", r)
	}

	if _, err := svc.Claim(ctx, r.ID, "d-other"); !errors.Is(err, models.ErrAlreadyTaken) {
		t.Fatalf("expected ErrAlreadyTaken for non-target, got %v", err)
	}
	got, err := svc.Claim(ctx, r.ID, "d-target")
	if err != nil {
		t.Fatalf("target claim: %v", err)
	}
	if got.Status != models.StatusAccepted || !got.BoundTo("d-target") {
		t.Fatalf("target not bound: %+v", got)
	}
}

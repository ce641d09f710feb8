package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kenda/dispatch/internal/models"
)

var goma = models.Coord{Lat: -1.6585, Lon: 29.2205}

func put(t *testing.T, idx *MemoryIndex, id string, loc models.Coord, online bool) {
	t.Helper()
	if err := idx.Upsert(context.Background(), models.DriverPresence{
		DriverID: id, Online: online, Loc: loc,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestNearbySortsByDistance(t *testing.T) {
	idx := NewMemoryIndex(time.Minute)
	ctx := context.Background()

	put(t, idx, "far", models.Coord{Lat: goma.Lat + 0.02, Lon: goma.Lon}, true)
	put(t, idx, "near", models.Coord{Lat: goma.Lat + 0.001, Lon: goma.Lon}, true)
	put(t, idx, "mid", models.Coord{Lat: goma.Lat + 0.01, Lon: goma.Lon}, true)

	out, err := idx.Nearby(ctx, goma, 5000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 || out[0].DriverID != "near" || out[1].DriverID != "mid" || out[2].DriverID != "far" {
		t.Fatalf("wrong order: %+v", out)
	}

	// limit trims from the far end
	out, _ = idx.Nearby(ctx, goma, 5000, 2)
	if len(out) != 2 || out[1].DriverID != "mid" {
		t.Fatalf("limit not applied nearest-first: %+v", out)
	}
}

func TestNearbySkipsOfflineStaleAndOutOfRadius(t *testing.T) {
	idx := NewMemoryIndex(time.Minute)
	ctx := context.Background()

	put(t, idx, "ok", goma, true)
	put(t, idx, "offline", goma, false)
	// ~11 km away
	put(t, idx, "distant", models.Coord{Lat: goma.Lat + 0.1, Lon: goma.Lon}, true)
	if err := idx.Upsert(ctx, models.DriverPresence{
		DriverID: "stale", Online: true, Loc: goma,
		UpdatedAt: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	out, err := idx.Nearby(ctx, goma, 5000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].DriverID != "ok" {
		t.Fatalf("expected only the fresh online in-range driver, got %+v", out)
	}
}

func TestSetOnlineFalseHidesDriver(t *testing.T) {
	idx := NewMemoryIndex(time.Minute)
	ctx := context.Background()
	put(t, idx, "d1", goma, true)

	if err := idx.SetOnline(ctx, "d1", false); err != nil {
		t.Fatal(err)
	}
	out, err := idx.Nearby(ctx, goma, 5000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Fatalf("offline driver still visible: %+v", out)
	}

	// the row itself survives, only visibility is gone
	p, err := idx.Get(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Online {
		t.Fatalf("online flag not flipped: %+v", p)
	}
}

func TestGetUnknownDriver(t *testing.T) {
	idx := NewMemoryIndex(time.Minute)
	if _, err := idx.Get(context.Background(), "nobody"); !errors.Is(err, models.ErrDriverOffline) {
		t.Fatalf("expected ErrDriverOffline, got %v", err)
	}
}

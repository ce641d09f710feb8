package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kenda/dispatch/internal/models"
	"github.com/kenda/dispatch/internal/relay"
	"github.com/kenda/dispatch/internal/storage"
)

func testMachine(t *testing.T) (*Machine, *storage.MemoryStore) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	return NewMachine(store, relay.NewHub(log), log), store
}

func acceptedRide(t *testing.T, store *storage.MemoryStore, id, passenger, driver string) {
	t.Helper()
	ctx := context.Background()
	err := store.CreateRide(ctx, &models.Ride{
		ID:          id,
		PassengerID: passenger,
		Status:      models.StatusSearching,
		RequestedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimRide(ctx, id, driver, time.Now()); err != nil {
		t.Fatal(err)
	}
}

func TestAllowedGraph(t *testing.T) {
	cases := []struct {
		from, to models.RideStatus
		want     bool
	}{
		{models.StatusSearching, models.StatusAccepted, true},
		{models.StatusAccepted, models.StatusArrived, true},
		{models.StatusArrived, models.StatusInProgress, true},
		{models.StatusInProgress, models.StatusCompleted, true},
		{models.StatusSearching, models.StatusCancelled, true},
		{models.StatusAccepted, models.StatusCancelled, true},
		{models.StatusArrived, models.StatusCancelled, true},
		{models.StatusInProgress, models.StatusCancelled, false},
		{models.StatusArrived, models.StatusCompleted, false},
		{models.StatusSearching, models.StatusArrived, false},
		{models.StatusCompleted, models.StatusInProgress, false},
		{models.StatusCancelled, models.StatusAccepted, false},
	}
	for _, c := range cases {
		if got := Allowed(c.from, c.to); got != c.want {
			t.Errorf("Allowed(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestFullLifecycleTimestampsMonotonic(t *testing.T) {
	m, store := testMachine(t)
	ctx := context.Background()
	acceptedRide(t, store, "r1", "p1", "d1")

	if _, err := m.Arrive(ctx, "r1", "d1"); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	if _, err := m.Start(ctx, "r1", "d1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	r, err := m.Complete(ctx, "r1", "d1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	if r.Status != models.StatusCompleted {
		t.Fatalf("status = %s", r.Status)
	}
	if r.AcceptedAt == nil || r.StartedAt == nil || r.CompletedAt == nil {
		t.Fatalf("missing stamps: %+v", r)
	}
	if r.RequestedAt.After(*r.AcceptedAt) || r.AcceptedAt.After(*r.StartedAt) || r.StartedAt.After(*r.CompletedAt) {
		t.Fatalf("timestamps not monotonic: %v %v %v %v", r.RequestedAt, r.AcceptedAt, r.StartedAt, r.CompletedAt)
	}
	if r.CancelledAt != nil {
		t.Fatalf("completed ride has cancelled_at: %+v", r)
	}
}

func TestSkippingInProgressFails(t *testing.T) {
	m, store := testMachine(t)
	ctx := context.Background()
	acceptedRide(t, store, "r1", "p1", "d1")
	if _, err := m.Arrive(ctx, "r1", "d1"); err != nil {
		t.Fatal(err)
	}

	// ARRIVED -> COMPLETED directly must not work
	if _, err := m.Complete(ctx, "r1", "d1"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	r, _ := store.GetRide(ctx, "r1")
	if r.Status != models.StatusArrived || r.CompletedAt != nil {
		t.Fatalf("row mutated by rejected transition: %+v", r)
	}
}

func TestDuplicateStartSingleStamp(t *testing.T) {
	m, store := testMachine(t)
	ctx := context.Background()
	acceptedRide(t, store, "r1", "p1", "d1")
	if _, err := m.Arrive(ctx, "r1", "d1"); err != nil {
		t.Fatal(err)
	}
	first, err := m.Start(ctx, "r1", "d1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Start(ctx, "r1", "d1"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected clean failure on duplicate start, got %v", err)
	}
	r, _ := store.GetRide(ctx, "r1")
	if !r.StartedAt.Equal(*first.StartedAt) {
		t.Fatalf("started_at moved on duplicate: %v vs %v", r.StartedAt, first.StartedAt)
	}
}

func TestOnlyBoundDriverMayProgress(t *testing.T) {
	m, store := testMachine(t)
	ctx := context.Background()
	acceptedRide(t, store, "r1", "p1", "d1")

	if _, err := m.Arrive(ctx, "r1", "d2"); !errors.Is(err, models.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for stranger driver, got %v", err)
	}
	if _, err := m.Arrive(ctx, "r1", "p1"); !errors.Is(err, models.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for passenger, got %v", err)
	}
	r, _ := store.GetRide(ctx, "r1")
	if r.Status != models.StatusAccepted {
		t.Fatalf("row mutated: %+v", r)
	}
}

func TestCancelByEitherPartyPreTrip(t *testing.T) {
	m, store := testMachine(t)
	ctx := context.Background()

	acceptedRide(t, store, "r1", "p1", "d1")
	if _, err := m.Cancel(ctx, "r1", "stranger", "nope"); !errors.Is(err, models.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	r, err := m.Cancel(ctx, "r1", "p1", "found another ride")
	if err != nil {
		t.Fatalf("passenger cancel: %v", err)
	}
	if r.Status != models.StatusCancelled || r.CancelReason != "found another ride" {
		t.Fatalf("cancel not recorded: %+v", r)
	}

	acceptedRide(t, store, "r2", "p1", "d2")
	if _, err := m.Cancel(ctx, "r2", "d2", "flat tire"); err != nil {
		t.Fatalf("driver cancel: %v", err)
	}
}

func TestCancelBlockedOnceInProgress(t *testing.T) {
	m, store := testMachine(t)
	ctx := context.Background()
	acceptedRide(t, store, "r1", "p1", "d1")
	if _, err := m.Arrive(ctx, "r1", "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Start(ctx, "r1", "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Cancel(ctx, "r1", "p1", "too late"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected cancel blocked in progress, got %v", err)
	}
}

func TestTerminalStatesExclusive(t *testing.T) {
	m, store := testMachine(t)
	ctx := context.Background()
	acceptedRide(t, store, "r1", "p1", "d1")
	if _, err := m.Arrive(ctx, "r1", "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Start(ctx, "r1", "d1"); err != nil {
		t.Fatal(err)
	}
	r, err := m.Complete(ctx, "r1", "d1")
	if err != nil {
		t.Fatal(err)
	}
	if r.CompletedAt == nil || r.CancelledAt != nil {
		t.Fatalf("exactly one terminal stamp expected: %+v", r)
	}
	// completing again cannot re-stamp or cancel
	if _, err := m.Complete(ctx, "r1", "d1"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

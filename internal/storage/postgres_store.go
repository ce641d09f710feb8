package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/kenda/dispatch/internal/models"
)

const rideColumns = `id, passenger_id, driver_id, pickup_lat, pickup_lon, pickup_address,
dest_lat, dest_lon, dest_address, price_fc, distance_meters, duration_seconds,
status, requested_at, accepted_at, started_at, completed_at, cancelled_at, cancel_reason`

// PostgresStore implements RideStore on a rides table. All status
// mutations are a single UPDATE with a status precondition in the
// WHERE clause; the database's row-level atomicity is the only lock.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		r.ID, r.PassengerID, r.DriverID,
		r.Pickup.Lat, r.Pickup.Lon, r.PickupAddr,
		r.Destination.Lat, r.Destination.Lon, r.DestAddr,
		r.PriceFC, r.DistanceMeters, r.DurationSeconds,
		r.Status, r.RequestedAt, r.AcceptedAt, r.StartedAt, r.CompletedAt, r.CancelledAt,
		nullableString(r.CancelReason))
	if err != nil {
		return fmt.Errorf("insert ride: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	return scanRide(row)
}

func (p *PostgresStore) ClaimRide(ctx context.Context, rideID, driverID string, at time.Time) (*models.Ride, error) {
	// The status check, the driver bind and the one-active-ride guard
	// are a single UPDATE: if two drivers race on one ride, or one
	// driver races itself on two rides, the loser sees zero rows.
	// Targeted rides only admit the driver they were aimed at.
	row := p.db.QueryRowContext(ctx, `UPDATE rides
SET driver_id = $1, status = $2, accepted_at = $3
WHERE id = $4 AND status = $5 AND (driver_id IS NULL OR driver_id = $1)
AND NOT EXISTS (
    SELECT 1 FROM rides b
    WHERE b.driver_id = $1 AND b.status IN ($2, $6, $7)
)
RETURNING `+rideColumns,
		driverID, models.StatusAccepted, at, rideID, models.StatusSearching,
		models.StatusArrived, models.StatusInProgress)
	r, err := scanRide(row)
	if errors.Is(err, models.ErrRideNotFound) {
		if _, berr := p.ActiveRideForDriver(ctx, driverID); berr == nil {
			return nil, models.ErrDriverBusy
		}
		return nil, p.missOrGone(ctx, rideID, models.ErrAlreadyTaken)
	}
	return r, err
}

func (p *PostgresStore) TransitionRide(ctx context.Context, rideID string, from, to models.RideStatus, at time.Time) (*models.Ride, error) {
	var stampCol string
	switch to {
	case models.StatusInProgress:
		stampCol = "started_at"
	case models.StatusCompleted:
		stampCol = "completed_at"
	}
	q := `UPDATE rides SET status = $1`
	args := []any{to}
	if stampCol != "" {
		q += `, ` + stampCol + ` = $2`
		args = append(args, at)
	}
	q += fmt.Sprintf(` WHERE id = $%d AND status = $%d RETURNING `+rideColumns, len(args)+1, len(args)+2)
	args = append(args, rideID, from)

	row := p.db.QueryRowContext(ctx, q, args...)
	r, err := scanRide(row)
	if errors.Is(err, models.ErrRideNotFound) {
		return nil, p.missOrGone(ctx, rideID, models.ErrInvalidTransition)
	}
	return r, err
}

func (p *PostgresStore) CancelRide(ctx context.Context, rideID, reason string, at time.Time) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE rides
SET status = $1, cancelled_at = $2, cancel_reason = $3
WHERE id = $4 AND status IN ($5, $6, $7)
RETURNING `+rideColumns,
		models.StatusCancelled, at, reason, rideID,
		models.StatusSearching, models.StatusAccepted, models.StatusArrived)
	r, err := scanRide(row)
	if errors.Is(err, models.ErrRideNotFound) {
		return nil, p.missOrGone(ctx, rideID, models.ErrInvalidTransition)
	}
	return r, err
}

func (p *PostgresStore) OpenRides(ctx context.Context) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE status = $1 ORDER BY requested_at`,
		models.StatusSearching)
	if err != nil {
		return nil, fmt.Errorf("query open rides: %w", err)
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides
WHERE driver_id = $1 AND status IN ($2, $3, $4) LIMIT 1`,
		driverID, models.StatusAccepted, models.StatusArrived, models.StatusInProgress)
	return scanRide(row)
}

// missOrGone turns a zero-row conditional update into the right error:
// raceErr when the ride exists but its status moved, ErrRideNotFound
// when there is no such ride at all.
func (p *PostgresStore) missOrGone(ctx context.Context, rideID string, raceErr error) error {
	if _, err := p.GetRide(ctx, rideID); errors.Is(err, models.ErrRideNotFound) {
		return models.ErrRideNotFound
	}
	return raceErr
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	var driverID, cancelReason sql.NullString
	err := row.Scan(
		&r.ID, &r.PassengerID, &driverID,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.PickupAddr,
		&r.Destination.Lat, &r.Destination.Lon, &r.DestAddr,
		&r.PriceFC, &r.DistanceMeters, &r.DurationSeconds,
		&r.Status, &r.RequestedAt, &r.AcceptedAt, &r.StartedAt, &r.CompletedAt, &r.CancelledAt,
		&cancelReason,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrRideNotFound
		}
		return nil, fmt.Errorf("scan ride: %w", err)
	}
	if driverID.Valid {
		r.DriverID = &driverID.String
	}
	r.CancelReason = cancelReason.String
	return &r, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

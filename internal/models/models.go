package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RideStatus is the lifecycle state of a ride. Transitions between
// statuses go through lifecycle.Machine; nothing else writes status.
type RideStatus string

const (
	StatusSearching  RideStatus = "SEARCHING"
	StatusAccepted   RideStatus = "ACCEPTED"
	StatusArrived    RideStatus = "ARRIVED"
	StatusInProgress RideStatus = "IN_PROGRESS"
	StatusCompleted  RideStatus = "COMPLETED"
	StatusCancelled  RideStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type VehicleType string

const (
	VehicleCar  VehicleType = "car"
	VehicleMoto VehicleType = "moto"
)

// Ride is a single transport request and its full lifecycle record.
// DriverID stays nil until a driver claims the ride, except for a
// targeted request where the passenger pre-selects one driver.
type Ride struct {
	ID          string  `json:"id"`
	PassengerID string  `json:"passenger_id"`
	DriverID    *string `json:"driver_id,omitempty"`

	Pickup      Coord  `json:"pickup"`
	PickupAddr  string `json:"pickup_address"`
	Destination Coord  `json:"destination"`
	DestAddr    string `json:"destination_address"`

	PriceFC         float64 `json:"price_fc"`
	DistanceMeters  float64 `json:"distance_meters"`
	DurationSeconds float64 `json:"duration_seconds"`

	Status RideStatus `json:"status"`

	RequestedAt time.Time  `json:"requested_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	CancelReason string `json:"cancel_reason,omitempty"`
}

// BoundTo reports whether driverID is the driver bound to the ride.
func (r *Ride) BoundTo(driverID string) bool {
	return r.DriverID != nil && *r.DriverID == driverID
}

// Targeted reports whether the ride was aimed at one specific driver at
// creation time: driver pre-bound while the ride is still SEARCHING.
func (r *Ride) Targeted() bool {
	return r.Status == StatusSearching && r.DriverID != nil
}

// RideRequest is the creation DTO. A non-empty TargetDriverID turns the
// request into a targeted ride, visible only to that driver.
type RideRequest struct {
	PassengerID    string  `json:"passenger_id" validate:"required"`
	PickupLat      float64 `json:"pickup_lat" validate:"min=-90,max=90"`
	PickupLon      float64 `json:"pickup_lon" validate:"min=-180,max=180"`
	PickupAddr     string  `json:"pickup_address"`
	DestLat        float64 `json:"dest_lat" validate:"min=-90,max=90"`
	DestLon        float64 `json:"dest_lon" validate:"min=-180,max=180"`
	DestAddr       string  `json:"destination_address"`
	VehicleType    string  `json:"vehicle_type" validate:"omitempty,oneof=car moto"`
	TargetDriverID string  `json:"target_driver_id,omitempty"`
}

// DriverPresence is a driver's live dispatch-relevant state. The row
// carries no TTL; consumers decide how stale a position they trust.
type DriverPresence struct {
	DriverID  string      `json:"driver_id"`
	Online    bool        `json:"online"`
	Loc       Coord       `json:"loc"`
	Vehicle   VehicleType `json:"vehicle_type"`
	Rating    float64     `json:"rating"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// EventKind classifies change feed events.
type EventKind string

const (
	EventRideCreated EventKind = "ride_created"
	EventRideUpdated EventKind = "ride_updated"
	EventPresence    EventKind = "presence"
)

// RideEvent is the change feed payload. It always carries a full row
// snapshot, never a diff; subscribers must tolerate duplicates.
type RideEvent struct {
	ID       string          `json:"id"`
	Kind     EventKind       `json:"kind"`
	Ride     *Ride           `json:"ride,omitempty"`
	Presence *DriverPresence `json:"presence,omitempty"`
	At       time.Time       `json:"at"`
}

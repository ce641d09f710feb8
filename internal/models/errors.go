package models

import "errors"

// Expected outcomes of concurrent operation (ErrAlreadyTaken,
// ErrInvalidTransition) are returned as plain values so callers can
// re-fetch and show current truth instead of crashing the flow.
var (
	// ErrInvalidTransition means a status change was attempted from a
	// state that does not permit it. The row is left untouched.
	ErrInvalidTransition = errors.New("invalid ride transition")

	// ErrAlreadyTaken means the claim's conditional write matched zero
	// rows: another driver won, or the ride was cancelled meanwhile.
	ErrAlreadyTaken = errors.New("ride already taken")

	// ErrNotAuthorized means the caller is neither the bound passenger
	// nor the bound driver for the attempted operation.
	ErrNotAuthorized = errors.New("not authorized for ride")

	ErrRideNotFound = errors.New("ride not found")

	// ErrDriverBusy rejects binding a driver who already has a
	// non-terminal ride.
	ErrDriverBusy = errors.New("driver already on an active ride")

	// ErrDriverOffline rejects a claim from a driver whose presence is
	// offline or stale.
	ErrDriverOffline = errors.New("driver offline")
)

package telemetry

import (
	"errors"
	"fmt"
)

// UnknownStationError is returned when a station id is not configured.
type UnknownStationError struct {
	StationID string
}

func (e *UnknownStationError) Error() string {
	return fmt.Sprintf("unknown station %q", e.StationID)
}

// RemoteFetchError is a non-success HTTP status from the telemetry API.
type RemoteFetchError struct {
	StationID  string
	StatusCode int
}

func (e *RemoteFetchError) Error() string {
	return fmt.Sprintf("telemetry fetch for %s failed with status %d", e.StationID, e.StatusCode)
}

// NetworkError is a transport level failure (DNS, timeout, refused, open circuit).
type NetworkError struct {
	StationID string
	Err       error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("telemetry fetch for %s failed: %v", e.StationID, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ErrNoSource is returned by the facade when no data source is configured
// for the requested mode.
var ErrNoSource = errors.New("no telemetry source configured")

// IsUnknownStation reports whether err is an UnknownStationError.
func IsUnknownStation(err error) bool {
	var target *UnknownStationError
	return errors.As(err, &target)
}

// IsFetchFailure reports whether err is a RemoteFetchError or a NetworkError.
// Callers treat both the same way.
func IsFetchFailure(err error) bool {
	var remote *RemoteFetchError
	var network *NetworkError
	return errors.As(err, &remote) || errors.As(err, &network)
}

// RangeTooLargeError is returned when a requested range would produce more
// samples than a source serves in one response.
type RangeTooLargeError struct {
	StationID string
	Samples   int64
	Max       int
}

func (e *RangeTooLargeError) Error() string {
	return fmt.Sprintf("range for %s spans %d samples, limit is %d", e.StationID, e.Samples, e.Max)
}

// NoEntriesError is returned when a channel has no entries yet.
type NoEntriesError struct {
	StationID string
}

func (e *NoEntriesError) Error() string {
	return fmt.Sprintf("station %s has no entries", e.StationID)
}

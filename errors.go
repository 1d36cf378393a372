package sensors

import (
	"errors"

	pkgerrors "github.com/pkg/errors"
)

// The failure conditions surfaced by the hub. Callers match them with
// errors.Is; the hub wraps them with per-call context before returning.
var (
	// ErrNotFound means the instance ID is unknown or the handle was closed.
	ErrNotFound = errors.New("sensor not found")

	// ErrUnavailable means the driver refused to open the device, e.g. it is
	// busy, permission was denied, or it was removed between enumeration and
	// open.
	ErrUnavailable = errors.New("sensor unavailable")

	// ErrNoData means the sensor has not produced a sample yet.
	ErrNoData = errors.New("no sensor data available yet")

	// ErrDisconnected means the device backing an open handle is no longer
	// enumerated.
	ErrDisconnected = errors.New("sensor disconnected")
)

// NewNotFoundError returns an ErrNotFound wrapped with the offending ID.
func NewNotFoundError(id ID) error {
	return pkgerrors.Wrapf(ErrNotFound, "instance id %d", id)
}

// NewDisconnectedError returns an ErrDisconnected wrapped with the ID of the
// vanished device.
func NewDisconnectedError(id ID) error {
	return pkgerrors.Wrapf(ErrDisconnected, "instance id %d", id)
}

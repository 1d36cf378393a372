// Package driver defines the capability contract that hardware backends
// implement, along with the compile-time registry the hub discovers them
// through. A backend physically detects devices and produces raw samples; the
// hub is driver-agnostic and merges whatever the registered backends report.
package driver

import (
	"context"

	"github.com/openmotion/sensors"
)

// A Device is one sensor a backend currently sees. It describes hardware
// only; instance IDs are allocated by the hub, not here.
type Device struct {
	// Key is stable for as long as the device stays connected, and unique
	// within the backend. A device that disconnects and reconnects may reuse
	// its key; the hub will still treat it as a new connection if it vanished
	// from an enumeration in between.
	Key string

	// Name is a human readable device name.
	Name string

	// Type is what the device measures.
	Type sensors.Type

	// PlatformType is the backend specific type code, opaque to the hub.
	PlatformType int32
}

// A Driver is one hardware backend. Implementations must be safe for
// concurrent use: the hub may enumerate drivers in parallel with polls on
// sessions they previously opened.
type Driver interface {
	// Name uniquely identifies the backend, e.g. "fake" or "witimu".
	Name() string

	// Enumerate reports every device the backend currently sees. It is
	// called on every hub enumeration and should re-detect hardware rather
	// than serve a cached view.
	Enumerate(ctx context.Context) ([]Device, error)

	// Open starts a sampling session for a previously enumerated device. It
	// returns an error if the device is busy or was removed since
	// enumeration; the hub tolerates that race and surfaces it as an
	// unavailable condition.
	Open(ctx context.Context, device Device) (Session, error)
}

// A Session is an open sampling stream for one device.
type Session interface {
	// Poll returns the most recent full sample set. Until the device has
	// produced its first sample it returns sensors.ErrNoData. Poll with no
	// new hardware data returns the prior sample set again.
	Poll(ctx context.Context) ([]float32, error)

	// Close releases the device.
	Close(ctx context.Context) error
}

// Package fake is an in-memory sensor backend for testing and demos. Tests
// mutate its device set and sample values directly to simulate hot-plug and
// fresh hardware data.
package fake

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/openmotion/sensors"
	"github.com/openmotion/sensors/driver"
)

// Driver is a fake backend. All methods are safe for concurrent use.
type Driver struct {
	name string

	mu         sync.Mutex
	devices    []driver.Device
	samples    map[string][]float32
	openErrs   map[string]error
	pollErrs   map[string]error
	openCounts map[string]int
}

// New returns an empty fake backend with the given name.
func New(name string) *Driver {
	return &Driver{
		name:       name,
		samples:    map[string][]float32{},
		openErrs:   map[string]error{},
		pollErrs:   map[string]error{},
		openCounts: map[string]int{},
	}
}

// Name returns the backend name.
func (d *Driver) Name() string {
	return d.name
}

// AddDevice makes the backend report one more device on the next
// enumeration.
func (d *Driver) AddDevice(dev driver.Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices = append(d.devices, dev)
}

// RemoveDevice simulates unplugging: the device disappears from future
// enumerations. Existing sessions keep polling their last data.
func (d *Driver) RemoveDevice(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.devices[:0]
	for _, dev := range d.devices {
		if dev.Key != key {
			kept = append(kept, dev)
		}
	}
	d.devices = kept
}

// SetSamples sets the sample set sessions for the device will report from
// now on.
func (d *Driver) SetSamples(key string, values ...float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.samples[key] = append([]float32{}, values...)
}

// ClearSamples makes the device look like it has not produced data yet.
func (d *Driver) ClearSamples(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.samples, key)
}

// RefuseOpen makes future opens of the device fail with the given error,
// simulating a busy or just-removed device. A nil error restores normal
// behavior.
func (d *Driver) RefuseOpen(key string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.openErrs, key)
		return
	}
	d.openErrs[key] = err
}

// FailPoll makes future polls of the device's sessions fail with the given
// error, simulating flaky hardware. A nil error restores normal behavior.
func (d *Driver) FailPoll(key string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.pollErrs, key)
		return
	}
	d.pollErrs[key] = err
}

// OpenCount returns how many sessions are currently open for the device.
func (d *Driver) OpenCount(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openCounts[key]
}

// Enumerate reports the current device set.
func (d *Driver) Enumerate(ctx context.Context) ([]driver.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]driver.Device{}, d.devices...), nil
}

// Open starts a session for the device if it is currently enumerated and not
// set to refuse.
func (d *Driver) Open(ctx context.Context, dev driver.Device) (driver.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.openErrs[dev.Key]; ok {
		return nil, err
	}
	var found bool
	for _, candidate := range d.devices {
		if candidate.Key == dev.Key {
			found = true
			break
		}
	}
	if !found {
		return nil, errors.Errorf("fake device %q is gone", dev.Key)
	}
	d.openCounts[dev.Key]++
	return &session{driver: d, key: dev.Key}, nil
}

type session struct {
	driver *Driver
	key    string

	mu     sync.Mutex
	closed bool
}

func (s *session) Poll(ctx context.Context) ([]float32, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, errors.Errorf("session for fake device %q is closed", s.key)
	}

	s.driver.mu.Lock()
	defer s.driver.mu.Unlock()
	if err, ok := s.driver.pollErrs[s.key]; ok {
		return nil, err
	}
	values, ok := s.driver.samples[s.key]
	if !ok {
		return nil, sensors.ErrNoData
	}
	return append([]float32{}, values...), nil
}

func (s *session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Errorf("session for fake device %q already closed", s.key)
	}
	s.closed = true

	s.driver.mu.Lock()
	defer s.driver.mu.Unlock()
	s.driver.openCounts[s.key]--
	return nil
}

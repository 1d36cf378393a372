// Package hub implements the core of the motion sensor layer: the registry
// of discovered sensors, the open/close lifecycle of sensor handles, and the
// update pump that refreshes buffered readings.
//
// A Hub aggregates whatever driver backends it is configured with. Devices
// are discovered by enumeration, receive process-unique instance IDs, and can
// then be opened into handles that buffer the most recent sample set.
package hub

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/openmotion/sensors"
	"github.com/openmotion/sensors/diagnostics"
	"github.com/openmotion/sensors/driver"
	"github.com/openmotion/sensors/logging"
	"github.com/openmotion/sensors/properties"
)

// Diagnostic scopes the hub records failures under.
const (
	ScopeEnumerate = "enumerate"
	ScopeLookup    = "lookup"
	ScopeOpen      = "open"
	ScopeData      = "data"
	ScopeUpdate    = "update"
)

// Config configures a Hub. The zero value is usable: all drivers registered
// at construction time, a real clock, and fresh collaborator stores.
type Config struct {
	// Drivers to aggregate. Defaults to driver.Registered().
	Drivers []driver.Driver

	// Clock drives the optional background pump. Defaults to the wall clock;
	// tests substitute a mock.
	Clock clock.Clock

	// Properties receives the per-handle property groups. Defaults to a
	// fresh store.
	Properties *properties.Store

	// Diagnostics receives the last error of every failed operation.
	// Defaults to a fresh sink.
	Diagnostics *diagnostics.Sink
}

// deviceKey identifies a physical device across enumerations while it stays
// connected.
type deviceKey struct {
	driver string
	device string
}

// descriptor is the registry record for one discovered device, open or not.
type descriptor struct {
	id     sensors.ID
	device driver.Device
	drv    driver.Driver

	// stale means a later enumeration no longer reported the device. Stale
	// descriptors are kept only while handles remain open against them.
	stale bool

	// session is the one driver session shared by every live handle of this
	// descriptor. nil while no handle is open.
	session driver.Session

	// handles holds the live handles, oldest first.
	handles []*Sensor
}

// Hub is the process-wide sensor registry and handle manager. Construct one
// with New; the zero value is not usable.
type Hub struct {
	logger  logging.Logger
	drivers []driver.Driver
	clock   clock.Clock
	props   *properties.Store
	diag    *diagnostics.Sink

	// mu is the single mutual exclusion domain guarding registry mutation:
	// enumeration, open and close. Read-only queries take it shared.
	mu          sync.RWMutex
	descriptors map[sensors.ID]*descriptor
	order       []sensors.ID
	byKey       map[deviceKey]sensors.ID

	nextID    *atomic.Uint32
	nextEpoch *atomic.Uint64

	pumpMu      sync.Mutex
	pumpCancel  func()
	pumpWorkers sync.WaitGroup
}

// New constructs a Hub and performs an initial enumeration so sensors are
// visible immediately.
func New(ctx context.Context, conf Config, logger logging.Logger) (*Hub, error) {
	drivers := conf.Drivers
	if drivers == nil {
		drivers = driver.Registered()
	}
	clk := conf.Clock
	if clk == nil {
		clk = clock.New()
	}
	props := conf.Properties
	if props == nil {
		props = properties.NewStore()
	}
	diag := conf.Diagnostics
	if diag == nil {
		diag = diagnostics.NewSink()
	}

	h := &Hub{
		logger:      logger,
		drivers:     drivers,
		clock:       clk,
		props:       props,
		diag:        diag,
		descriptors: map[sensors.ID]*descriptor{},
		byKey:       map[deviceKey]sensors.ID{},
		nextID:      atomic.NewUint32(0),
		nextEpoch:   atomic.NewUint64(0),
	}

	ids := h.Sensors(ctx)
	logger.Infow("sensor hub ready", "drivers", len(drivers), "sensors", len(ids))
	return h, nil
}

// Diagnostics returns the sink failures are recorded into.
func (h *Hub) Diagnostics() *diagnostics.Sink {
	return h.diag
}

// Properties returns the property store handles create their groups in.
func (h *Hub) Properties() *properties.Store {
	return h.props
}

// Sensors queries every backend and returns the instance IDs of all sensors
// currently connected, in discovery order.
//
// New devices get fresh IDs; devices no longer reported are tombstoned
// without renumbering anything else. A device that vanished and came back is
// a new connection and gets a new ID. The registry reflects the snapshot
// taken by this call until the next one; hot-plug in between is not
// observed.
func (h *Hub) Sensors(ctx context.Context) []sensors.ID {
	// Enumerate backends in parallel so one slow backend does not serialize
	// the rest. Results are merged under the registry lock afterwards.
	found := make([][]driver.Device, len(h.drivers))
	failed := make([]bool, len(h.drivers))
	var group errgroup.Group
	for i, drv := range h.drivers {
		i, drv := i, drv
		group.Go(func() error {
			devices, err := drv.Enumerate(ctx)
			if err != nil {
				// A failing backend degrades only its own devices.
				h.logger.Warnw("driver enumeration failed", "driver", drv.Name(), "error", err)
				h.diag.Record(ScopeEnumerate, errors.Wrapf(err, "driver %q", drv.Name()))
				failed[i] = true
				return nil
			}
			found[i] = devices
			return nil
		})
	}
	//nolint:errcheck // the closures above never return an error
	group.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()

	seen := map[deviceKey]bool{}
	for i, drv := range h.drivers {
		if failed[i] {
			// Keep the previous snapshot for this backend rather than
			// tombstoning devices we merely failed to ask about.
			for key, id := range h.byKey {
				if key.driver == drv.Name() && !h.descriptors[id].stale {
					seen[key] = true
				}
			}
			continue
		}
		for _, dev := range found[i] {
			key := deviceKey{driver: drv.Name(), device: dev.Key}
			seen[key] = true
			if id, ok := h.byKey[key]; ok && !h.descriptors[id].stale {
				continue
			}
			id := sensors.ID(h.nextID.Inc())
			desc := &descriptor{id: id, device: dev, drv: drv}
			h.descriptors[id] = desc
			h.order = append(h.order, id)
			h.byKey[key] = id
			h.logger.Debugw("sensor discovered",
				"driver", drv.Name(), "device", dev.Key, "type", dev.Type, "id", id)
		}
	}

	// Tombstone everything that vanished. Descriptors with no open handles
	// are pruned outright; ones still held stay until their last close so
	// in-flight reads keep working.
	for key, id := range h.byKey {
		if seen[key] {
			continue
		}
		desc := h.descriptors[id]
		desc.stale = true
		delete(h.byKey, key)
		if len(desc.handles) == 0 {
			h.removeDescriptorLocked(id)
		} else {
			h.logger.Debugw("sensor vanished with open handles", "id", id, "handles", len(desc.handles))
		}
	}

	ids := make([]sensors.ID, 0, len(h.order))
	for _, id := range h.order {
		if desc, ok := h.descriptors[id]; ok && !desc.stale {
			ids = append(ids, id)
		}
	}
	return ids
}

// removeDescriptorLocked drops a descriptor from the table and the ordered
// listing. The ID is retired for good; it is never reissued.
func (h *Hub) removeDescriptorLocked(id sensors.ID) {
	delete(h.descriptors, id)
	for i, ordered := range h.order {
		if ordered == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// liveDescriptor returns the descriptor for an ID that is still enumerated.
func (h *Hub) liveDescriptor(id sensors.ID) (*descriptor, bool) {
	desc, ok := h.descriptors[id]
	if !ok || desc.stale {
		return nil, false
	}
	return desc, true
}

// Name returns the human readable name of a currently enumerated sensor, or
// "" if the instance ID is not valid.
func (h *Hub) Name(id sensors.ID) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	desc, ok := h.liveDescriptor(id)
	if !ok {
		h.diag.Record(ScopeLookup, sensors.NewNotFoundError(id))
		return ""
	}
	return desc.device.Name
}

// Type returns the type of a currently enumerated sensor, or
// sensors.TypeInvalid if the instance ID is not valid.
func (h *Hub) Type(id sensors.ID) sensors.Type {
	h.mu.RLock()
	defer h.mu.RUnlock()
	desc, ok := h.liveDescriptor(id)
	if !ok {
		h.diag.Record(ScopeLookup, sensors.NewNotFoundError(id))
		return sensors.TypeInvalid
	}
	return desc.device.Type
}

// PlatformType returns the backend specific type code of a currently
// enumerated sensor, or -1 if the instance ID is not valid.
func (h *Hub) PlatformType(id sensors.ID) int32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	desc, ok := h.liveDescriptor(id)
	if !ok {
		h.diag.Record(ScopeLookup, sensors.NewNotFoundError(id))
		return -1
	}
	return desc.device.PlatformType
}

// Open opens a sensor for use and returns a new handle. Opening the same
// instance ID more than once yields independent handles, each with its own
// reading buffer; the underlying driver session is shared and released when
// the last handle closes.
//
// Open fails with sensors.ErrNotFound if the ID is not currently enumerated
// and with sensors.ErrUnavailable if the backend refuses, e.g. because the
// device was unplugged between enumeration and open.
func (h *Hub) Open(ctx context.Context, id sensors.ID) (*Sensor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	desc, ok := h.liveDescriptor(id)
	if !ok {
		err := sensors.NewNotFoundError(id)
		h.diag.Record(ScopeOpen, err)
		return nil, err
	}

	if desc.session == nil {
		session, err := desc.drv.Open(ctx, desc.device)
		if err != nil {
			wrapped := errors.Wrapf(sensors.ErrUnavailable,
				"driver %q refused open of %q: %v", desc.drv.Name(), desc.device.Key, err)
			h.diag.Record(ScopeOpen, wrapped)
			return nil, wrapped
		}
		desc.session = session
	}

	s := &Sensor{
		hub:    h,
		desc:   desc,
		epoch:  h.nextEpoch.Inc(),
		buffer: make([]float32, desc.device.Type.NumValues()),
	}
	desc.handles = append(desc.handles, s)
	h.logger.Debugw("sensor opened", "id", id, "epoch", s.epoch, "open_handles", len(desc.handles))
	return s, nil
}

// FromID returns the oldest still-open handle for the instance ID, or nil if
// the sensor is not open. It never opens implicitly.
func (h *Hub) FromID(id sensors.ID) *Sensor {
	h.mu.RLock()
	defer h.mu.RUnlock()
	desc, ok := h.descriptors[id]
	if !ok || len(desc.handles) == 0 {
		h.diag.Record(ScopeLookup, sensors.NewNotFoundError(id))
		return nil
	}
	return desc.handles[0]
}

// Close closes every open handle and stops the background pump if running.
func (h *Hub) Close(ctx context.Context) error {
	h.StopUpdates()

	h.mu.RLock()
	var open []*Sensor
	for _, desc := range h.descriptors {
		open = append(open, desc.handles...)
	}
	h.mu.RUnlock()

	var err error
	for _, s := range open {
		err = multierr.Combine(err, s.Close(ctx))
	}
	return err
}

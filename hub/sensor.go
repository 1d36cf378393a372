package hub

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/openmotion/sensors"
	"github.com/openmotion/sensors/properties"
)

// A Sensor is one successful open of a discovered sensor. Handles are
// independent: each has its own reading buffer and its own property group,
// and closing one does not affect others open against the same device.
//
// Every accessor on a closed handle returns its failure sentinel; nothing
// here panics or reads released state.
type Sensor struct {
	hub  *Hub
	desc *descriptor

	// epoch is stamped at open from a monotonic counter, so a closed handle
	// can never be confused with a live one occupying the same slot.
	epoch uint64

	closed atomic.Bool

	// dataMu guards the reading buffer and its status flags.
	dataMu       sync.Mutex
	buffer       []float32
	hasData      bool
	disconnected bool
	propsID      properties.ID
}

// recordClosed notes an accessor hit on a closed handle in the diagnostic
// sink, so callers that only see the sentinel can still ask what went wrong.
func (s *Sensor) recordClosed() {
	if s != nil {
		s.hub.diag.Record(ScopeLookup, errors.Wrap(sensors.ErrNotFound, "sensor handle is closed"))
	}
}

// ID returns the instance ID of the sensor, or sensors.InvalidID if the
// handle is closed.
func (s *Sensor) ID() sensors.ID {
	if s == nil || s.closed.Load() {
		s.recordClosed()
		return sensors.InvalidID
	}
	return s.desc.id
}

// Name returns the human readable name of the sensor, or "" if the handle is
// closed.
func (s *Sensor) Name() string {
	if s == nil || s.closed.Load() {
		s.recordClosed()
		return ""
	}
	return s.desc.device.Name
}

// Type returns the type of the sensor, or sensors.TypeInvalid if the handle
// is closed.
func (s *Sensor) Type() sensors.Type {
	if s == nil || s.closed.Load() {
		s.recordClosed()
		return sensors.TypeInvalid
	}
	return s.desc.device.Type
}

// PlatformType returns the backend specific type code of the sensor, or -1
// if the handle is closed.
func (s *Sensor) PlatformType() int32 {
	if s == nil || s.closed.Load() {
		s.recordClosed()
		return -1
	}
	return s.desc.device.PlatformType
}

// Properties returns the ID of the handle's property group, creating the
// group on first access. It returns 0 if the handle is closed. The group
// lives until the handle closes.
func (s *Sensor) Properties() properties.ID {
	if s == nil {
		return 0
	}
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	// Re-checked under dataMu: Close destroys the group under the same lock,
	// so a group can never be created after it would have been destroyed.
	if s.closed.Load() {
		s.recordClosed()
		return 0
	}
	if s.propsID == 0 {
		s.propsID = s.hub.props.Create()
	}
	return s.propsID
}

// Data copies up to numValues of the most recent sample set into a fresh
// slice.
//
// It fails with sensors.ErrNotFound if the handle is closed, with
// sensors.ErrDisconnected once the update pump has observed the device
// vanish, and with sensors.ErrNoData if no sample has arrived yet. Old data
// is never surfaced as fresh.
func (s *Sensor) Data(numValues int) ([]float32, error) {
	if s == nil || s.closed.Load() {
		err := errors.Wrap(sensors.ErrNotFound, "sensor handle is closed")
		if s != nil {
			s.hub.diag.Record(ScopeData, err)
		}
		return nil, err
	}

	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	if s.disconnected {
		err := sensors.NewDisconnectedError(s.desc.id)
		s.hub.diag.Record(ScopeData, err)
		return nil, err
	}
	if !s.hasData {
		s.hub.diag.Record(ScopeData, sensors.ErrNoData)
		return nil, sensors.ErrNoData
	}

	n := numValues
	if n > len(s.buffer) {
		n = len(s.buffer)
	}
	if n < 0 {
		n = 0
	}
	out := make([]float32, n)
	copy(out, s.buffer[:n])
	return out, nil
}

// Close releases the handle. The first close retires the handle's epoch,
// destroys its property group, and, if it was the last handle on the device,
// closes the shared driver session. Closing twice is safe: the second call
// is a no-op, though it is logged as a caller bug.
func (s *Sensor) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if s.closed.Swap(true) {
		s.hub.logger.Warnw("sensor handle closed twice", "id", s.desc.id, "epoch", s.epoch)
		return nil
	}

	s.dataMu.Lock()
	if s.propsID != 0 {
		s.hub.props.Destroy(s.propsID)
		s.propsID = 0
	}
	s.dataMu.Unlock()

	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	desc := s.desc
	for i, handle := range desc.handles {
		if handle == s {
			desc.handles = append(desc.handles[:i], desc.handles[i+1:]...)
			break
		}
	}

	var err error
	if len(desc.handles) == 0 && desc.session != nil {
		err = desc.session.Close(ctx)
		desc.session = nil
		if desc.stale {
			// Last holder of a vanished device; the descriptor can go now.
			h.removeDescriptorLocked(desc.id)
		}
	}
	h.logger.Debugw("sensor closed", "id", desc.id, "epoch", s.epoch, "open_handles", len(desc.handles))
	return err
}

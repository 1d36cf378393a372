package hub

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/openmotion/sensors"
	"github.com/openmotion/sensors/driver"
)

// UpdateAll refreshes the buffered readings of every open handle by polling
// each open device's driver session once and copying the sample set into all
// of that device's handles. Handles whose device has vanished are flagged so
// their next read reports a disconnect instead of silently keeping old data.
// A poll that yields nothing new leaves the previous values in place.
//
// UpdateAll is the update pump and must only run from one goroutine at a
// time, either the caller's tick loop or the background pump started with
// StartUpdates. It is safe against concurrent enumeration and open/close.
func (h *Hub) UpdateAll(ctx context.Context) {
	type pollTarget struct {
		desc    *descriptor
		session driver.Session
		handles []*Sensor
		stale   bool
	}

	h.mu.RLock()
	targets := make([]pollTarget, 0, len(h.order))
	for _, id := range h.order {
		desc, ok := h.descriptors[id]
		if !ok || len(desc.handles) == 0 {
			continue
		}
		targets = append(targets, pollTarget{
			desc:    desc,
			session: desc.session,
			handles: append([]*Sensor{}, desc.handles...),
			stale:   desc.stale,
		})
	}
	h.mu.RUnlock()

	for _, target := range targets {
		if target.stale {
			for _, s := range target.handles {
				s.markDisconnected()
			}
			continue
		}

		values, err := target.session.Poll(ctx)
		if err != nil {
			if errors.Is(err, sensors.ErrNoData) {
				// First sample has not arrived yet; handles keep reporting
				// no data.
				continue
			}
			h.logger.Warnw("sensor poll failed",
				"id", target.desc.id, "driver", target.desc.drv.Name(), "error", err)
			h.diag.Record(ScopeUpdate, errors.Wrapf(err, "polling sensor %d", target.desc.id))
			continue
		}

		for _, s := range target.handles {
			s.storeSamples(values)
		}
	}
}

// markDisconnected flags the handle so reads report the vanished device.
func (s *Sensor) markDisconnected() {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	s.disconnected = true
}

// storeSamples overwrites the handle's buffer with a fresh sample set. Each
// handle owns its buffer, so handles of the same device never share storage.
func (s *Sensor) storeSamples(values []float32) {
	if s.closed.Load() {
		return
	}
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	if len(values) != len(s.buffer) {
		s.buffer = make([]float32, len(values))
	}
	copy(s.buffer, values)
	s.hasData = true
}

// StartUpdates starts a background goroutine that runs UpdateAll on every
// tick of the configured clock. It does nothing if the pump is already
// running.
func (h *Hub) StartUpdates(interval time.Duration) {
	h.pumpMu.Lock()
	defer h.pumpMu.Unlock()
	if h.pumpCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.pumpCancel = cancel
	ticker := h.clock.Ticker(interval)
	h.pumpWorkers.Add(1)
	utils.PanicCapturingGo(func() {
		defer h.pumpWorkers.Done()
		defer ticker.Stop()
		for {
			if !utils.SelectContextOrWaitChan(ctx, ticker.C) {
				return
			}
			h.UpdateAll(ctx)
		}
	})
	h.logger.Debugw("update pump started", "interval", interval)
}

// StopUpdates stops the background pump and waits for it to exit. It does
// nothing if the pump is not running.
func (h *Hub) StopUpdates() {
	h.pumpMu.Lock()
	defer h.pumpMu.Unlock()
	if h.pumpCancel == nil {
		return
	}
	h.pumpCancel()
	h.pumpCancel = nil
	h.pumpWorkers.Wait()
	h.logger.Debug("update pump stopped")
}

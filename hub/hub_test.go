package hub

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/openmotion/sensors"
	"github.com/openmotion/sensors/driver"
	"github.com/openmotion/sensors/driver/fake"
	"github.com/openmotion/sensors/logging"
	"github.com/openmotion/sensors/properties"
)

func newTestHub(t *testing.T, drivers ...driver.Driver) *Hub {
	t.Helper()
	logger := logging.NewTestLogger(t)
	h, err := New(context.Background(), Config{Drivers: drivers}, logger)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, h.Close(context.Background()), test.ShouldBeNil)
	})
	return h
}

func accelDevice(key string) driver.Device {
	return driver.Device{Key: key, Name: "imu " + key, Type: sensors.TypeAccel, PlatformType: 7}
}

func TestEnumerationAssignsStableIDs(t *testing.T) {
	fakeDrv := fake.New("fake")
	fakeDrv.AddDevice(accelDevice("a"))
	fakeDrv.AddDevice(driver.Device{Key: "b", Name: "gyro b", Type: sensors.TypeGyro})
	h := newTestHub(t, fakeDrv)

	ids := h.Sensors(context.Background())
	test.That(t, ids, test.ShouldResemble, []sensors.ID{1, 2})

	// Re-enumerating with no changes must not renumber anything.
	ids = h.Sensors(context.Background())
	test.That(t, ids, test.ShouldResemble, []sensors.ID{1, 2})

	test.That(t, h.Name(1), test.ShouldEqual, "imu a")
	test.That(t, h.Type(1), test.ShouldEqual, sensors.TypeAccel)
	test.That(t, h.PlatformType(1), test.ShouldEqual, 7)
	test.That(t, h.Type(2), test.ShouldEqual, sensors.TypeGyro)
}

func TestIDsAreNeverReused(t *testing.T) {
	fakeDrv := fake.New("fake")
	fakeDrv.AddDevice(accelDevice("a"))
	h := newTestHub(t, fakeDrv)

	ids := h.Sensors(context.Background())
	test.That(t, ids, test.ShouldResemble, []sensors.ID{1})

	// Unplug, re-enumerate, replug a physically identical device: it is a
	// new connection and gets a new, strictly larger ID.
	fakeDrv.RemoveDevice("a")
	ids = h.Sensors(context.Background())
	test.That(t, ids, test.ShouldBeEmpty)

	fakeDrv.AddDevice(accelDevice("a"))
	ids = h.Sensors(context.Background())
	test.That(t, ids, test.ShouldResemble, []sensors.ID{2})

	// The retired ID now fails every lookup.
	test.That(t, h.Name(1), test.ShouldEqual, "")
	test.That(t, h.Type(1), test.ShouldEqual, sensors.TypeInvalid)
	test.That(t, h.PlatformType(1), test.ShouldEqual, -1)
}

func TestLookupUnknownID(t *testing.T) {
	h := newTestHub(t, fake.New("fake"))

	test.That(t, h.Name(42), test.ShouldEqual, "")
	test.That(t, h.Type(42), test.ShouldEqual, sensors.TypeInvalid)
	test.That(t, h.PlatformType(42), test.ShouldEqual, -1)
	test.That(t, errors.Is(h.Diagnostics().Last(ScopeLookup), sensors.ErrNotFound), test.ShouldBeTrue)
}

func TestOpenUnknownID(t *testing.T) {
	h := newTestHub(t, fake.New("fake"))

	s, err := h.Open(context.Background(), 9)
	test.That(t, s, test.ShouldBeNil)
	test.That(t, errors.Is(err, sensors.ErrNotFound), test.ShouldBeTrue)
	test.That(t, h.FromID(9), test.ShouldBeNil)
}

func TestOpenRefusedByDriver(t *testing.T) {
	fakeDrv := fake.New("fake")
	fakeDrv.AddDevice(accelDevice("a"))
	h := newTestHub(t, fakeDrv)
	h.Sensors(context.Background())

	// Device vanishes between enumeration and open.
	fakeDrv.RefuseOpen("a", errors.New("device is busy"))
	s, err := h.Open(context.Background(), 1)
	test.That(t, s, test.ShouldBeNil)
	test.That(t, errors.Is(err, sensors.ErrUnavailable), test.ShouldBeTrue)
	test.That(t, fakeDrv.OpenCount("a"), test.ShouldEqual, 0)

	// The descriptor itself is unharmed; open succeeds once the driver
	// relents.
	fakeDrv.RefuseOpen("a", nil)
	s, err = h.Open(context.Background(), 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.ID(), test.ShouldEqual, sensors.ID(1))
}

func TestDataLifecycle(t *testing.T) {
	fakeDrv := fake.New("fake")
	fakeDrv.AddDevice(accelDevice("a"))
	h := newTestHub(t, fakeDrv)
	h.Sensors(context.Background())

	s, err := h.Open(context.Background(), 1)
	test.That(t, err, test.ShouldBeNil)

	// Nothing polled yet.
	_, err = s.Data(3)
	test.That(t, errors.Is(err, sensors.ErrNoData), test.ShouldBeTrue)

	// Pump with no driver data: still no data.
	h.UpdateAll(context.Background())
	_, err = s.Data(3)
	test.That(t, errors.Is(err, sensors.ErrNoData), test.ShouldBeTrue)

	fakeDrv.SetSamples("a", 0, -sensors.StandardGravity, 0)
	h.UpdateAll(context.Background())
	values, err := s.Data(3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, values, test.ShouldResemble, []float32{0, -sensors.StandardGravity, 0})

	// A pump with nothing new keeps the previous values.
	fakeDrv.ClearSamples("a")
	h.UpdateAll(context.Background())
	values, err = s.Data(3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, values, test.ShouldResemble, []float32{0, -sensors.StandardGravity, 0})

	// Asking for fewer values truncates; asking for more does not overrun.
	values, err = s.Data(2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, values, test.ShouldHaveLength, 2)
	values, err = s.Data(16)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, values, test.ShouldHaveLength, 3)
}

func TestIndependentHandles(t *testing.T) {
	fakeDrv := fake.New("fake")
	fakeDrv.AddDevice(accelDevice("a"))
	h := newTestHub(t, fakeDrv)
	h.Sensors(context.Background())

	h1, err := h.Open(context.Background(), 1)
	test.That(t, err, test.ShouldBeNil)
	h2, err := h.Open(context.Background(), 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, h1, test.ShouldNotEqual, h2)

	// Both opens share one driver session.
	test.That(t, fakeDrv.OpenCount("a"), test.ShouldEqual, 1)

	fakeDrv.SetSamples("a", 1, 2, 3)
	h.UpdateAll(context.Background())

	// Closing one handle leaves the other fully functional.
	test.That(t, h1.Close(context.Background()), test.ShouldBeNil)
	test.That(t, fakeDrv.OpenCount("a"), test.ShouldEqual, 1)

	values, err := h2.Data(3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, values, test.ShouldResemble, []float32{1, 2, 3})

	test.That(t, h2.Close(context.Background()), test.ShouldBeNil)
	test.That(t, fakeDrv.OpenCount("a"), test.ShouldEqual, 0)
}

func TestCloseTwiceIsSafe(t *testing.T) {
	fakeDrv := fake.New("fake")
	fakeDrv.AddDevice(accelDevice("a"))
	h := newTestHub(t, fakeDrv)
	h.Sensors(context.Background())

	s, err := h.Open(context.Background(), 1)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, s.Close(context.Background()), test.ShouldBeNil)
	test.That(t, s.Close(context.Background()), test.ShouldBeNil)
	test.That(t, fakeDrv.OpenCount("a"), test.ShouldEqual, 0)
}

func TestClosedHandleFailsEverything(t *testing.T) {
	fakeDrv := fake.New("fake")
	fakeDrv.AddDevice(accelDevice("a"))
	h := newTestHub(t, fakeDrv)
	h.Sensors(context.Background())

	s, err := h.Open(context.Background(), 1)
	test.That(t, err, test.ShouldBeNil)
	fakeDrv.SetSamples("a", 1, 2, 3)
	h.UpdateAll(context.Background())
	test.That(t, s.Close(context.Background()), test.ShouldBeNil)

	test.That(t, s.ID(), test.ShouldEqual, sensors.InvalidID)
	test.That(t, s.Name(), test.ShouldEqual, "")
	test.That(t, s.Type(), test.ShouldEqual, sensors.TypeInvalid)
	test.That(t, s.PlatformType(), test.ShouldEqual, -1)
	test.That(t, s.Properties(), test.ShouldEqual, 0)

	// Previously buffered data is gone for good.
	_, err = s.Data(3)
	test.That(t, errors.Is(err, sensors.ErrNotFound), test.ShouldBeTrue)

	test.That(t, h.FromID(1), test.ShouldBeNil)
}

func TestClosedHandleRecordsDiagnostics(t *testing.T) {
	fakeDrv := fake.New("fake")
	fakeDrv.AddDevice(accelDevice("a"))
	h := newTestHub(t, fakeDrv)
	h.Sensors(context.Background())

	s, err := h.Open(context.Background(), 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Close(context.Background()), test.ShouldBeNil)

	// Every accessor on a closed handle leaves an explanation in the sink,
	// not just its sentinel return.
	for _, tc := range []struct {
		name string
		call func()
	}{
		{"id", func() { s.ID() }},
		{"name", func() { s.Name() }},
		{"type", func() { s.Type() }},
		{"platformType", func() { s.PlatformType() }},
		{"properties", func() { s.Properties() }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h.Diagnostics().Clear(ScopeLookup)
			tc.call()
			recorded := h.Diagnostics().Last(ScopeLookup)
			test.That(t, recorded, test.ShouldNotBeNil)
			test.That(t, errors.Is(recorded, sensors.ErrNotFound), test.ShouldBeTrue)
		})
	}
}

func TestPollFailureKeepsValues(t *testing.T) {
	fakeDrv := fake.New("fake")
	fakeDrv.AddDevice(accelDevice("a"))
	h := newTestHub(t, fakeDrv)
	h.Sensors(context.Background())

	s, err := h.Open(context.Background(), 1)
	test.That(t, err, test.ShouldBeNil)
	fakeDrv.SetSamples("a", 4, 5, 6)
	h.UpdateAll(context.Background())

	// A flaky poll is recorded in the sink; reads keep serving the last good
	// sample set with no error.
	fakeDrv.FailPoll("a", errors.New("bus glitch"))
	h.Diagnostics().Clear(ScopeUpdate)
	h.UpdateAll(context.Background())

	values, err := s.Data(3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, values, test.ShouldResemble, []float32{4, 5, 6})
	test.That(t, h.Diagnostics().Last(ScopeUpdate), test.ShouldNotBeNil)

	// Recovery picks up fresh data again.
	fakeDrv.FailPoll("a", nil)
	fakeDrv.SetSamples("a", 7, 8, 9)
	h.UpdateAll(context.Background())
	values, err = s.Data(3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, values, test.ShouldResemble, []float32{7, 8, 9})
}

func TestPropertiesCloseRace(t *testing.T) {
	fakeDrv := fake.New("fake")
	fakeDrv.AddDevice(accelDevice("a"))
	h := newTestHub(t, fakeDrv)
	h.Sensors(context.Background())

	// A Properties call racing Close must never leave a group behind: either
	// it creates one that Close then destroys, or it observes the close and
	// returns 0.
	for i := 0; i < 100; i++ {
		s, err := h.Open(context.Background(), 1)
		test.That(t, err, test.ShouldBeNil)

		var propsID properties.ID
		done := make(chan struct{})
		go func() {
			defer close(done)
			propsID = s.Properties()
		}()
		test.That(t, s.Close(context.Background()), test.ShouldBeNil)
		<-done

		if propsID != 0 {
			test.That(t, h.Properties().Exists(propsID), test.ShouldBeFalse)
		}
	}
}

func TestFromID(t *testing.T) {
	fakeDrv := fake.New("fake")
	fakeDrv.AddDevice(accelDevice("a"))
	h := newTestHub(t, fakeDrv)
	h.Sensors(context.Background())

	// FromID never opens implicitly.
	test.That(t, h.FromID(1), test.ShouldBeNil)
	test.That(t, fakeDrv.OpenCount("a"), test.ShouldEqual, 0)

	s, err := h.Open(context.Background(), 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, h.FromID(1), test.ShouldEqual, s)

	// The oldest live handle wins when there are several.
	s2, err := h.Open(context.Background(), 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, h.FromID(1), test.ShouldEqual, s)
	test.That(t, s.Close(context.Background()), test.ShouldBeNil)
	test.That(t, h.FromID(1), test.ShouldEqual, s2)
}

func TestDisconnectScenario(t *testing.T) {
	fakeDrv := fake.New("fake")
	fakeDrv.AddDevice(accelDevice("a"))
	fakeDrv.AddDevice(driver.Device{Key: "b", Name: "gyro b", Type: sensors.TypeGyro})
	h := newTestHub(t, fakeDrv)

	ids := h.Sensors(context.Background())
	test.That(t, ids, test.ShouldResemble, []sensors.ID{1, 2})

	s, err := h.Open(context.Background(), 1)
	test.That(t, err, test.ShouldBeNil)
	fakeDrv.SetSamples("a", 4, 5, 6)
	h.UpdateAll(context.Background())

	// Device 1 goes away; only device 2 is left.
	fakeDrv.RemoveDevice("a")
	ids = h.Sensors(context.Background())
	test.That(t, ids, test.ShouldResemble, []sensors.ID{2})

	// Until the pump observes the disconnect, in-flight reads still work.
	values, err := s.Data(3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, values, test.ShouldResemble, []float32{4, 5, 6})

	h.UpdateAll(context.Background())
	_, err = s.Data(3)
	test.That(t, errors.Is(err, sensors.ErrDisconnected), test.ShouldBeTrue)

	// Close still succeeds cleanly and releases the driver session.
	test.That(t, s.Close(context.Background()), test.ShouldBeNil)
	test.That(t, fakeDrv.OpenCount("a"), test.ShouldEqual, 0)
}

func TestPropertiesLifecycle(t *testing.T) {
	fakeDrv := fake.New("fake")
	fakeDrv.AddDevice(accelDevice("a"))
	h := newTestHub(t, fakeDrv)
	h.Sensors(context.Background())

	s, err := h.Open(context.Background(), 1)
	test.That(t, err, test.ShouldBeNil)

	propsID := s.Properties()
	test.That(t, propsID, test.ShouldNotEqual, 0)
	// Lazily created exactly once.
	test.That(t, s.Properties(), test.ShouldEqual, propsID)

	h.Properties().Set(propsID, "mount", "front-left")
	value, ok := h.Properties().Get(propsID, "mount")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, value, test.ShouldEqual, "front-left")

	test.That(t, s.Close(context.Background()), test.ShouldBeNil)
	test.That(t, h.Properties().Exists(propsID), test.ShouldBeFalse)
}

func TestDriverFailureDegradesOnlyItself(t *testing.T) {
	good := fake.New("good")
	good.AddDevice(accelDevice("a"))
	h := newTestHub(t, good, failingDriver{})

	ids := h.Sensors(context.Background())
	test.That(t, ids, test.ShouldResemble, []sensors.ID{1})
	test.That(t, h.Diagnostics().Last(ScopeEnumerate), test.ShouldNotBeNil)
}

func TestBackgroundPump(t *testing.T) {
	fakeDrv := fake.New("fake")
	fakeDrv.AddDevice(accelDevice("a"))
	mockClock := clock.NewMock()
	logger := logging.NewTestLogger(t)
	h, err := New(context.Background(), Config{
		Drivers: []driver.Driver{fakeDrv},
		Clock:   mockClock,
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, h.Close(context.Background()), test.ShouldBeNil)
	}()
	h.Sensors(context.Background())

	s, err := h.Open(context.Background(), 1)
	test.That(t, err, test.ShouldBeNil)
	fakeDrv.SetSamples("a", 7, 8, 9)

	h.StartUpdates(10 * time.Millisecond)
	// Starting again is a no-op rather than a second pump.
	h.StartUpdates(10 * time.Millisecond)

	waitForAssertion(t, func() bool {
		mockClock.Add(10 * time.Millisecond)
		values, err := s.Data(3)
		return err == nil && len(values) == 3 && values[0] == 7
	})

	h.StopUpdates()
	h.StopUpdates()
}

// waitForAssertion polls the condition until it holds or a deadline
// passes.
func waitForAssertion(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("assertion never held")
}

type failingDriver struct{}

func (failingDriver) Name() string { return "broken" }

func (failingDriver) Enumerate(ctx context.Context) ([]driver.Device, error) {
	return nil, errors.New("bus fell off")
}

func (failingDriver) Open(ctx context.Context, dev driver.Device) (driver.Session, error) {
	return nil, errors.New("bus fell off")
}

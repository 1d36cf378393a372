package witimu

import (
	"context"
	"io"
	"math"
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/openmotion/sensors"
	"github.com/openmotion/sensors/driver"
	"github.com/openmotion/sensors/logging"
)

// pipePort adapts an io.Pipe to the ReadWriteCloser the port opener returns.
type pipePort struct {
	*io.PipeReader
}

func (p pipePort) Write(b []byte) (int, error) { return len(b), nil }

// frame builds one wire frame: tag, three little endian int16 raw values, two
// padding bytes, a checksum byte (unchecked), and the delimiter of the next
// frame.
func frame(tag byte, x, y, z int16) []byte {
	out := []byte{tag}
	for _, raw := range []int16{x, y, z} {
		out = append(out, byte(uint16(raw)&0xff), byte(uint16(raw)>>8))
	}
	out = append(out, 0, 0) // unused payload
	out = append(out, 0)    // checksum, not verified
	out = append(out, frameDelimiter)
	return out
}

func TestScale(t *testing.T) {
	// +1g on a +-16g range: raw 2048.
	test.That(t, scale(0x00, 0x08, 16), test.ShouldAlmostEqual, 1.0)
	// -1g is the two's complement encoding.
	test.That(t, scale(0x00, 0xF8, 16), test.ShouldAlmostEqual, -1.0)
	test.That(t, scale(0x00, 0x00, 2000), test.ShouldAlmostEqual, 0)
}

func TestEnumerateSkipsMissingPorts(t *testing.T) {
	tmp, err := os.CreateTemp(t.TempDir(), "tty")
	test.That(t, err, test.ShouldBeNil)
	defer tmp.Close()

	d := New(Config{Ports: []string{tmp.Name(), "/definitely/not/a/port"}}, logging.NewTestLogger(t))
	devices, err := d.Enumerate(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, devices, test.ShouldHaveLength, 2)
	test.That(t, devices[0].Type, test.ShouldEqual, sensors.TypeAccel)
	test.That(t, devices[1].Type, test.ShouldEqual, sensors.TypeGyro)
	test.That(t, devices[0].Key, test.ShouldEqual, tmp.Name()+"#accel")
}

func TestDecodeAndShareOnePort(t *testing.T) {
	reader, writer := io.Pipe()
	origOpen := openPort
	openPort = func(path string, baudRate int) (io.ReadWriteCloser, error) {
		return pipePort{reader}, nil
	}
	defer func() { openPort = origOpen }()

	d := New(Config{Ports: []string{"/dev/ttyTEST"}}, logging.NewTestLogger(t))
	devices := []string{"/dev/ttyTEST#accel", "/dev/ttyTEST#gyro"}

	accelSession, err := d.Open(context.Background(), driver.Device{Key: devices[0]})
	test.That(t, err, test.ShouldBeNil)
	gyroSession, err := d.Open(context.Background(), driver.Device{Key: devices[1]})
	test.That(t, err, test.ShouldBeNil)

	// Both sessions share one reader.
	d.mu.Lock()
	test.That(t, len(d.ports), test.ShouldEqual, 1)
	test.That(t, d.ports["/dev/ttyTEST"].refs, test.ShouldEqual, 2)
	d.mu.Unlock()

	// Nothing decoded yet.
	_, err = accelSession.Poll(context.Background())
	test.That(t, errors.Is(err, sensors.ErrNoData), test.ShouldBeTrue)

	// Sync byte, then +1g on Y and a 1000 deg/s yaw rate.
	stream := []byte{frameDelimiter}
	stream = append(stream, frame(tagAcceleration, 0, 2048, 0)...)
	stream = append(stream, frame(tagAngularVelocity, 0, 16384, 0)...)
	_, err = writer.Write(stream)
	test.That(t, err, test.ShouldBeNil)

	waitFor(t, func() bool {
		values, err := accelSession.Poll(context.Background())
		return err == nil && len(values) == 3
	})

	values, err := accelSession.Poll(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, values[1], test.ShouldAlmostEqual, sensors.StandardGravity, 1e-3)

	waitFor(t, func() bool {
		_, err := gyroSession.Poll(context.Background())
		return err == nil
	})
	values, err = gyroSession.Poll(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, values[1], test.ShouldAlmostEqual, 1000*math.Pi/180, 1e-3)

	// The port stays up until the last session closes.
	test.That(t, accelSession.Close(context.Background()), test.ShouldBeNil)
	d.mu.Lock()
	test.That(t, len(d.ports), test.ShouldEqual, 1)
	d.mu.Unlock()
	test.That(t, gyroSession.Close(context.Background()), test.ShouldBeNil)
	d.mu.Lock()
	test.That(t, len(d.ports), test.ShouldEqual, 0)
	d.mu.Unlock()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 5000; i++ {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never held")
}

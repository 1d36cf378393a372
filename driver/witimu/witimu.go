// Package witimu is a backend for Wit-motion serial IMUs (WT901/HWT905
// family). Each configured serial port contributes two sensors, an
// accelerometer and a gyroscope, decoded from the same frame stream.
//
// The wire protocol is 11 byte frames delimited by 0x55: a tag byte (0x51
// acceleration, 0x52 angular velocity), eight payload bytes, and a checksum.
package witimu

import (
	"bufio"
	"context"
	"io"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	ser "go.bug.st/serial"
	"go.viam.com/utils"

	"github.com/openmotion/sensors"
	"github.com/openmotion/sensors/driver"
	"github.com/openmotion/sensors/logging"
)

// DriverName is the name the backend registers under.
const DriverName = "witimu"

// Frame tags, also reported as the platform dependent sensor type codes.
const (
	tagAcceleration    = 0x51
	tagAngularVelocity = 0x52
)

const (
	frameDelimiter = 0x55
	frameLen       = 11

	defaultBaudRate = 9600
)

// openPort opens the underlying serial port. It is a variable so tests can
// substitute a pipe.
var openPort = func(path string, baudRate int) (io.ReadWriteCloser, error) {
	port, err := ser.Open(path, &ser.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(time.Second); err != nil {
		return nil, multiCloseErr(err, port)
	}
	return port, nil
}

func multiCloseErr(err error, closer io.Closer) error {
	if closeErr := closer.Close(); closeErr != nil {
		return errors.Wrapf(err, "also failed to close port: %v", closeErr)
	}
	return err
}

// Config configures the backend.
type Config struct {
	// Ports are the serial device paths to watch, e.g. /dev/ttyUSB0.
	Ports []string

	// BaudRate for all ports. Defaults to 9600, the Wit factory setting.
	BaudRate int
}

// Driver is the Wit IMU backend.
type Driver struct {
	conf   Config
	logger logging.Logger

	mu    sync.Mutex
	ports map[string]*portState
}

// New returns a backend watching the configured ports.
func New(conf Config, logger logging.Logger) *Driver {
	if conf.BaudRate == 0 {
		conf.BaudRate = defaultBaudRate
	}
	return &Driver{
		conf:   conf,
		logger: logger,
		ports:  map[string]*portState{},
	}
}

// Name returns the backend name.
func (d *Driver) Name() string {
	return DriverName
}

// Enumerate reports an accelerometer and a gyroscope for every configured
// port that currently exists.
func (d *Driver) Enumerate(ctx context.Context) ([]driver.Device, error) {
	var devices []driver.Device
	for _, path := range d.conf.Ports {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		devices = append(devices,
			driver.Device{
				Key:          path + "#accel",
				Name:         "Wit IMU accelerometer (" + path + ")",
				Type:         sensors.TypeAccel,
				PlatformType: tagAcceleration,
			},
			driver.Device{
				Key:          path + "#gyro",
				Name:         "Wit IMU gyroscope (" + path + ")",
				Type:         sensors.TypeGyro,
				PlatformType: tagAngularVelocity,
			})
	}
	return devices, nil
}

// Open starts (or joins) the frame reader for the device's port.
func (d *Driver) Open(ctx context.Context, dev driver.Device) (driver.Session, error) {
	path, kind, found := strings.Cut(dev.Key, "#")
	if !found {
		return nil, errors.Errorf("malformed wit device key %q", dev.Key)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	state, ok := d.ports[path]
	if !ok {
		port, err := openPort(path, d.conf.BaudRate)
		if err != nil {
			return nil, errors.Wrapf(err, "opening wit imu on %q", path)
		}
		state = newPortState(d, path, port)
		d.ports[path] = state
	}
	state.refs++
	return &session{state: state, gyro: kind == "gyro"}, nil
}

// portState is the reader shared by the accelerometer and gyroscope sessions
// of one physical IMU.
type portState struct {
	driver *Driver
	path   string
	port   io.ReadWriteCloser

	refs int

	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup

	mu       sync.Mutex
	accel    r3.Vector
	gyro     r3.Vector
	hasAccel bool
	hasGyro  bool
}

func newPortState(d *Driver, path string, port io.ReadWriteCloser) *portState {
	state := &portState{driver: d, path: path, port: port}

	var cancelCtx context.Context
	cancelCtx, state.cancelFunc = context.WithCancel(context.Background())
	portReader := bufio.NewReader(port)

	state.activeBackgroundWorkers.Add(1)
	utils.PanicCapturingGo(func() {
		defer state.activeBackgroundWorkers.Done()
		for {
			if cancelCtx.Err() != nil {
				return
			}

			line, err := portReader.ReadString(frameDelimiter)
			if err != nil {
				if cancelCtx.Err() != nil {
					return
				}
				d.logger.Debugw("wit read failed", "port", path, "error", err)
				continue
			}
			if len(line) != frameLen {
				// Partial frame while syncing to the delimiter.
				continue
			}
			state.parseFrame(line)
		}
	})
	return state
}

// parseFrame decodes one delimited frame into the latest sample for its tag.
func (state *portState) parseFrame(line string) {
	switch line[0] {
	case tagAcceleration:
		// Raw range is +-16g; convert to m/s^2.
		v := r3.Vector{
			X: scale(line[1], line[2], 16) * sensors.StandardGravity,
			Y: scale(line[3], line[4], 16) * sensors.StandardGravity,
			Z: scale(line[5], line[6], 16) * sensors.StandardGravity,
		}
		state.mu.Lock()
		state.accel = v
		state.hasAccel = true
		state.mu.Unlock()
	case tagAngularVelocity:
		// Raw range is +-2000 deg/s; convert to rad/s.
		v := r3.Vector{
			X: scale(line[1], line[2], 2000) * math.Pi / 180,
			Y: scale(line[3], line[4], 2000) * math.Pi / 180,
			Z: scale(line[5], line[6], 2000) * math.Pi / 180,
		}
		state.mu.Lock()
		state.gyro = v
		state.hasGyro = true
		state.mu.Unlock()
	}
}

// scale converts a little endian two byte reading to a float in [-r, r).
func scale(a, b byte, r float64) float64 {
	x := float64(int(b)<<8|int(a)) / 32768.0 // 0 -> 2
	x *= r                                   // 0 -> 2r
	x += r
	x = math.Mod(x, r*2)
	x -= r
	return x
}

func (state *portState) release(ctx context.Context) error {
	d := state.driver
	d.mu.Lock()
	defer d.mu.Unlock()
	state.refs--
	if state.refs > 0 {
		return nil
	}
	state.cancelFunc()
	err := state.port.Close()
	state.activeBackgroundWorkers.Wait()
	delete(d.ports, state.path)
	return err
}

type session struct {
	state *portState
	gyro  bool

	mu     sync.Mutex
	closed bool
}

// Poll returns the latest decoded triple for the session's measurement, as
// [x, y, z].
func (s *session) Poll(ctx context.Context) ([]float32, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.Errorf("wit session on %q is closed", s.state.path)
	}
	s.mu.Unlock()

	state := s.state
	state.mu.Lock()
	defer state.mu.Unlock()

	var v r3.Vector
	var ok bool
	if s.gyro {
		v, ok = state.gyro, state.hasGyro
	} else {
		v, ok = state.accel, state.hasAccel
	}
	if !ok {
		return nil, sensors.ErrNoData
	}
	return []float32{float32(v.X), float32(v.Y), float32(v.Z)}, nil
}

// Close releases the session; the port shuts down when its last session
// closes.
func (s *session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.Errorf("wit session on %q already closed", s.state.path)
	}
	s.closed = true
	s.mu.Unlock()
	return s.state.release(ctx)
}

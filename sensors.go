// Package sensors contains the core types shared by the motion sensor
// abstraction layer: instance IDs, sensor types, axis conventions, and the
// error taxonomy used across the hub and driver backends.
package sensors

// ID is a unique identifier for a sensor for the time it is connected to the
// system. IDs start at 1 and increment from there; an ID is never reused for
// the lifetime of the process, even if a physically identical device
// reconnects. The value 0 is an invalid ID.
type ID uint32

// InvalidID is returned by lookups that fail to resolve a sensor.
const InvalidID ID = 0

// StandardGravity is standard gravity for accelerometer sensors, in meters
// per second squared.
//
// Accelerometer readings include the force of gravity, so a device at rest
// reports a magnitude of StandardGravity away from the center of the earth,
// which is a positive Y value.
const StandardGravity = 9.80665

// Type identifies what a sensor measures.
//
// Accelerometer values are accelerations in m/s^2 along the X, Y and Z axes.
// Gyroscope values are rates of rotation in rad/s around the X (pitch),
// Y (yaw) and Z (roll) axes, positive in the counter-clockwise direction.
// For devices held in natural orientation the axes run left to right (X),
// bottom to top (Y), and farther to closer (Z). Axis data does not change
// when the device is rotated.
type Type int

// The known sensor types. The left/right variants are for motion sensors
// embedded in the left or right half of a split game controller.
const (
	// TypeInvalid is returned for lookups of sensors that do not exist. It is
	// never the type of a real sensor.
	TypeInvalid Type = iota - 1
	TypeUnknown
	TypeAccel
	TypeGyro
	TypeAccelL
	TypeGyroL
	TypeAccelR
	TypeGyroR
)

func (t Type) String() string {
	switch t {
	case TypeInvalid:
		return "invalid"
	case TypeUnknown:
		return "unknown"
	case TypeAccel:
		return "accelerometer"
	case TypeGyro:
		return "gyroscope"
	case TypeAccelL:
		return "left_accelerometer"
	case TypeGyroL:
		return "left_gyroscope"
	case TypeAccelR:
		return "right_accelerometer"
	case TypeGyroR:
		return "right_gyroscope"
	default:
		return "unknown"
	}
}

// NumValues returns how many floats a full sample set for this sensor type
// contains. All the motion types report one value per axis.
func (t Type) NumValues() int {
	switch t {
	case TypeAccel, TypeGyro, TypeAccelL, TypeGyroL, TypeAccelR, TypeGyroR:
		return 3
	default:
		// Unknown sensors still get a triple; backends that report more
		// values extend the buffer on the first poll.
		return 3
	}
}

// Package main contains a command to list connected motion sensors and watch
// their readings.
package main

import (
	"context"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/openmotion/sensors"
	"github.com/openmotion/sensors/driver"
	"github.com/openmotion/sensors/driver/fake"
	"github.com/openmotion/sensors/driver/witimu"
	"github.com/openmotion/sensors/hub"
	"github.com/openmotion/sensors/logging"
)

var logger = logging.NewDebugLogger("sensormon")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	Watch      bool   `flag:"watch,usage=keep polling and printing readings"`
	IntervalMS int    `flag:"interval,default=100,usage=update interval in milliseconds"`
	WitPorts   string `flag:"wit-ports,usage=comma separated serial ports with wit imus"`
	Demo       bool   `flag:"demo,usage=add a fake imu backend with synthetic data"`
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) (err error) {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	var drivers []driver.Driver
	if argsParsed.WitPorts != "" {
		ports := strings.Split(argsParsed.WitPorts, ",")
		drivers = append(drivers, witimu.New(witimu.Config{Ports: ports}, logger))
	}
	if argsParsed.Demo {
		drivers = append(drivers, demoDriver())
	}
	if len(drivers) == 0 {
		drivers = driver.Registered()
	}

	h, err := hub.New(ctx, hub.Config{Drivers: drivers}, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, h.Close(context.Background()))
	}()

	ids := h.Sensors(ctx)
	if len(ids) == 0 {
		logger.Info("no sensors connected")
		return nil
	}
	for _, id := range ids {
		logger.Infow("sensor",
			"id", id,
			"name", h.Name(id),
			"type", h.Type(id),
			"platform_type", h.PlatformType(id))
	}

	if !argsParsed.Watch {
		return nil
	}
	return watchSensors(ctx, h, ids, time.Duration(argsParsed.IntervalMS)*time.Millisecond)
}

func watchSensors(ctx context.Context, h *hub.Hub, ids []sensors.ID, interval time.Duration) (err error) {
	var open []*hub.Sensor
	defer func() {
		for _, s := range open {
			err = multierr.Combine(err, s.Close(context.Background()))
		}
	}()
	for _, id := range ids {
		s, openErr := h.Open(ctx, id)
		if openErr != nil {
			logger.Warnw("failed to open sensor", "id", id, "error", openErr)
			continue
		}
		open = append(open, s)
	}

	h.StartUpdates(interval)
	defer h.StopUpdates()

	for {
		if !utils.SelectContextOrWait(ctx, interval) {
			return ctx.Err()
		}
		for _, s := range open {
			values, dataErr := s.Data(s.Type().NumValues())
			if dataErr != nil {
				logger.Debugw("no reading", "id", s.ID(), "reason", dataErr)
				continue
			}
			logger.Infow("reading", "id", s.ID(), "type", s.Type(), "values", values)
		}
	}
}

// demoDriver builds a fake backend with one accelerometer at rest and one
// slowly spinning gyroscope.
func demoDriver() driver.Driver {
	d := fake.New("demo")
	d.AddDevice(driver.Device{Key: "demo-accel", Name: "Demo accelerometer", Type: sensors.TypeAccel})
	d.AddDevice(driver.Device{Key: "demo-gyro", Name: "Demo gyroscope", Type: sensors.TypeGyro})
	d.SetSamples("demo-accel", 0, sensors.StandardGravity, 0)
	d.SetSamples("demo-gyro", 0, 0, 0.5)
	return d
}

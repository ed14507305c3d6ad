// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package status

import (
	"context"
	"fmt"

	"github.com/go-daq/smbus"
	"github.com/go-lpc/nmr/config"
)

type device interface {
	ReadReg(addr, reg uint8) (uint8, error)
	ReadWord(addr, cmd uint8) (uint16, error)
	Close() error
}

// SMBus reads sensors exposed as registers of devices on an SMBus.
type SMBus struct {
	bus     int
	sensors []config.Sensor
	open    func(bus int, addr uint8) (device, error)
}

// NewSMBus returns a reader for the sensors on the provided bus.
func NewSMBus(bus int, sensors []config.Sensor) *SMBus {
	return &SMBus{
		bus:     bus,
		sensors: append([]config.Sensor(nil), sensors...),
		open: func(bus int, addr uint8) (device, error) {
			return smbus.Open(bus, addr)
		},
	}
}

// Read opens the bus, reads all the sensors and closes the bus.
func (sb *SMBus) Read(ctx context.Context) (map[string]float64, error) {
	o := make(map[string]float64, len(sb.sensors))
	if len(sb.sensors) == 0 {
		return o, nil
	}

	dev, err := sb.open(sb.bus, sb.sensors[0].Addr)
	if err != nil {
		return o, fmt.Errorf("status: could not open smbus %d: %w", sb.bus, err)
	}
	defer dev.Close()

	for _, sensor := range sb.sensors {
		if err := ctx.Err(); err != nil {
			return o, err
		}
		var raw float64
		switch {
		case sensor.Word:
			v, err := dev.ReadWord(sensor.Addr, sensor.Reg)
			if err != nil {
				return o, fmt.Errorf("status: could not read sensor %q (addr=0x%x, reg=0x%x): %w",
					sensor.Name, sensor.Addr, sensor.Reg, err,
				)
			}
			raw = float64(v)
		default:
			v, err := dev.ReadReg(sensor.Addr, sensor.Reg)
			if err != nil {
				return o, fmt.Errorf("status: could not read sensor %q (addr=0x%x, reg=0x%x): %w",
					sensor.Name, sensor.Addr, sensor.Reg, err,
				)
			}
			raw = float64(v)
		}
		o[sensor.Name] = sensor.Scale*raw + sensor.Offset
	}

	err = dev.Close()
	if err != nil {
		return o, fmt.Errorf("status: could not close smbus %d: %w", sb.bus, err)
	}
	return o, nil
}

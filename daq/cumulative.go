// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/go-lpc/nmr/config"
	"github.com/go-lpc/nmr/event"
	"github.com/go-lpc/nmr/fpga"
	"gonum.org/v1/gonum/floats"
)

// Hardware is a multiplexed analog I/O device.
// One output channel generates the sweep ramp while two input channels
// sample the phase and diode signals, triggered by the start of the ramp.
type Hardware interface {
	// Open reserves the device and configures its tasks.
	Open(ctx context.Context, cfg HardwareConfig) error
	// WriteRamp loads one period of the output waveform.
	WriteRamp(ramp []float64) error
	// Arm starts the ramp generation and the sampling.
	Arm(ctx context.Context) error
	// Read returns all the samples acquired since the first one.
	Read(ctx context.Context) (Samples, error)
	// Stop stops the ramp generation and the sampling.
	Stop() error
	// Close releases the device.
	Close() error
}

// HardwareConfig configures the tasks of a Hardware device.
type HardwareConfig struct {
	Device    string
	PhaseChan string
	DiodeChan string
	AOChan    string

	Min, Max   float64       // output range, in volts
	Rate       float64       // sampling rate, in Hz
	Settle     time.Duration // delay between the sample clock and the sampling
	Delay      time.Duration // delay between the ramp start and the first sample
	BufferSize int           // number of samples per channel
}

// Samples is the result of a Hardware read.
type Samples struct {
	// Start is the position of the first sample in the ramp period.
	Start int
	Phase []float64
	Diode []float64
}

var drivers = struct {
	sync.RWMutex
	m map[string]func() Hardware
}{
	m: make(map[string]func() Hardware),
}

// RegisterDriver makes a Hardware driver available under the given name.
// RegisterDriver panics if called twice with the same name.
func RegisterDriver(name string, f func() Hardware) {
	drivers.Lock()
	defer drivers.Unlock()
	if f == nil {
		panic("daq: nil hardware driver " + name)
	}
	if _, dup := drivers.m[name]; dup {
		panic("daq: hardware driver " + name + " already registered")
	}
	drivers.m[name] = f
}

// Drivers returns the sorted list of registered Hardware drivers.
func Drivers() []string {
	drivers.RLock()
	defer drivers.RUnlock()
	names := make([]string, 0, len(drivers.m))
	for name := range drivers.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Cumulative is a session on a multiplexed analog I/O device.
//
// The device sweeps a triangular ramp, each period being made of an up
// leg of steps points and the same leg reversed.
// Each read returns the average of all the legs acquired since the
// start of the sweeps: chunks carry the total number of legs so far and
// replace each other.
type Cumulative struct {
	msg   *log.Logger
	set   config.CumulativeSettings
	steps int
	tris  int // number of ramp periods to acquire
	sleep func(ctx context.Context, d time.Duration) error

	hw   Hardware
	ramp []float64
	open bool
}

var _ Session = (*Cumulative)(nil)

func newCumulative(cfg *config.Config, o options) (*Cumulative, error) {
	set := cfg.Settings.Cumulative
	drivers.RLock()
	f, ok := drivers.m[set.Driver]
	drivers.RUnlock()
	if !ok {
		return nil, fmt.Errorf("daq: unknown hardware driver %q (drivers: %q)", set.Driver, Drivers())
	}

	tris := cfg.Controls.Sweeps()
	if o.tune {
		tris = cfg.Settings.TunePerChunk
	}

	steps := cfg.Freqs.Len()
	return &Cumulative{
		msg:   o.msg,
		set:   set,
		steps: steps,
		tris:  tris,
		sleep: o.sleep,
		hw:    f(),
		ramp:  Triangle(steps, set.RampMin, set.RampMax),
	}, nil
}

// Triangle returns one period of a triangular ramp from lo to hi and
// back, made of two legs of steps points.
func Triangle(steps int, lo, hi float64) []float64 {
	ramp := make([]float64, 2*steps)
	if steps == 1 {
		ramp[0], ramp[1] = lo, lo
		return ramp
	}
	floats.Span(ramp[:steps], lo, hi)
	for i := 0; i < steps; i++ {
		ramp[2*steps-1-i] = ramp[i]
	}
	return ramp
}

// Connect reserves the device and configures the ramp and sampling tasks.
func (c *Cumulative) Connect(ctx context.Context) error {
	if c.open {
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("already connected")}
	}

	var (
		dt     = c.set.TimePerPoint.D()
		period = time.Duration(len(c.ramp)) * dt
	)
	err := c.hw.Open(ctx, HardwareConfig{
		Device:     c.set.Device,
		PhaseChan:  c.set.PhaseChan,
		DiodeChan:  c.set.DiodeChan,
		AOChan:     c.set.AOChan,
		Min:        c.set.RampMin,
		Max:        c.set.RampMax,
		Rate:       1 / dt.Seconds(),
		Settle:     time.Duration(float64(dt) * c.set.SettlingRatio),
		Delay:      time.Duration(c.set.PreTris) * period,
		BufferSize: len(c.ramp) * (c.tris + c.set.PreTris),
	})
	if err != nil {
		return &ConnectionError{Op: "open", Err: err}
	}
	c.open = true
	c.msg.Printf("opened %q device %q (steps=%d, triangles=%d)", c.set.Driver, c.set.Device, c.steps, c.tris)
	return nil
}

// StartSweeps rewrites the ramp and re-arms the acquisition.
func (c *Cumulative) StartSweeps(ctx context.Context) error {
	if !c.open {
		return ErrNotConnected
	}
	err := c.hw.Stop()
	if err != nil {
		return &ConnectionError{Op: "stop", Err: err}
	}
	err = c.hw.WriteRamp(c.ramp)
	if err != nil {
		return &ConnectionError{Op: "write-ramp", Err: err}
	}
	err = c.hw.Arm(ctx)
	if err != nil {
		return &ConnectionError{Op: "arm", Err: err}
	}
	return nil
}

// ReadChunk returns the average of all the legs acquired so far.
func (c *Cumulative) ReadChunk(ctx context.Context) (Chunk, error) {
	if !c.open {
		return Chunk{}, ErrNotConnected
	}
	smp, err := c.hw.Read(ctx)
	if err != nil {
		return Chunk{}, &ConnectionError{Op: "read", Err: err}
	}

	chunk, err := Fold(smp, c.steps)
	if err != nil {
		return Chunk{}, err
	}

	err = c.sleep(ctx, c.set.Settle.D())
	if err != nil {
		return Chunk{}, fmt.Errorf("daq: could not read chunk: %w", err)
	}
	return chunk, nil
}

// Fold averages the whole legs of steps points found in the samples,
// reversing down legs. Samples left after the last whole leg are dropped.
// The samples must start at the beginning of an up leg.
func Fold(smp Samples, steps int) (Chunk, error) {
	if len(smp.Phase) != len(smp.Diode) {
		return Chunk{}, &fpga.FramingError{Msg: fmt.Sprintf(
			"phase/diode samples mismatch (phase=%d, diode=%d)",
			len(smp.Phase), len(smp.Diode),
		)}
	}
	if smp.Start%(2*steps) != 0 {
		return Chunk{}, &fpga.FramingError{Msg: fmt.Sprintf(
			"samples do not start on an up leg (start=%d, period=%d)",
			smp.Start, 2*steps,
		)}
	}

	n := len(smp.Phase) / steps
	chunk := Chunk{
		Sweeps: n,
		Phase:  make([]float64, steps),
		Diode:  make([]float64, steps),
	}
	if n < 1 {
		return chunk, nil
	}

	row := make([]float64, steps)
	add := func(dst, src []float64, leg int) {
		copy(row, src[leg*steps:(leg+1)*steps])
		if leg%2 == 1 {
			floats.Reverse(row)
		}
		floats.Add(dst, row)
	}
	for leg := 0; leg < n; leg++ {
		add(chunk.Phase, smp.Phase, leg)
		add(chunk.Diode, smp.Diode, leg)
	}
	floats.Scale(1/float64(n), chunk.Phase)
	floats.Scale(1/float64(n), chunk.Diode)
	return chunk, nil
}

// Abort stops the ramp and the sampling.
func (c *Cumulative) Abort(ctx context.Context) {
	if !c.open {
		return
	}
	err := c.hw.Stop()
	if err != nil {
		c.msg.Printf("could not stop device: %+v", err)
	}
}

// Stop stops the ramp and the sampling.
func (c *Cumulative) Stop(ctx context.Context) error {
	if !c.open {
		return ErrNotConnected
	}
	err := c.hw.Stop()
	if err != nil {
		return fmt.Errorf("daq: could not stop device: %w", err)
	}
	return nil
}

// SetDAC is not supported: the output channel generates the ramp.
func (c *Cumulative) SetDAC(ctx context.Context, v float64, ch fpga.DACChannel) error {
	return fmt.Errorf("daq: could not set DAC on cumulative device: %w", errors.ErrUnsupported)
}

// Disconnect stops and releases the device.
func (c *Cumulative) Disconnect() error {
	if !c.open {
		return nil
	}
	c.open = false
	errStop := c.hw.Stop()
	errClose := c.hw.Close()
	if errStop != nil {
		return fmt.Errorf("daq: could not stop device: %w", errStop)
	}
	if errClose != nil {
		return fmt.Errorf("daq: could not close device: %w", errClose)
	}
	return nil
}

func (c *Cumulative) Semantics() Semantics {
	return Semantics{Mode: event.Replace, Sequenced: false}
}

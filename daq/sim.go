// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

func init() {
	RegisterDriver("sim", func() Hardware { return newSimHardware(time.Now) })
}

// simHardware simulates an analog I/O device sampling a Lorentzian
// phase line over a slowly varying diode level.
type simHardware struct {
	mu  sync.Mutex
	now func() time.Time
	rnd *rand.Rand

	cfg   HardwareConfig
	ramp  []float64
	t0    time.Time
	armed bool
	open  bool

	phase []float64 // samples generated so far
	diode []float64
}

func newSimHardware(now func() time.Time) *simHardware {
	return &simHardware{
		now: now,
		rnd: rand.New(rand.NewSource(1)),
	}
}

func (hw *simHardware) Open(ctx context.Context, cfg HardwareConfig) error {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	switch {
	case hw.open:
		return fmt.Errorf("sim: device %q already open", cfg.Device)
	case cfg.Rate <= 0 || math.IsInf(cfg.Rate, 0):
		return fmt.Errorf("sim: invalid sampling rate %v", cfg.Rate)
	case cfg.BufferSize <= 0:
		return fmt.Errorf("sim: invalid buffer size %d", cfg.BufferSize)
	}
	hw.cfg = cfg
	hw.open = true
	return nil
}

func (hw *simHardware) WriteRamp(ramp []float64) error {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	if !hw.open {
		return fmt.Errorf("sim: device not open")
	}
	if hw.armed {
		return fmt.Errorf("sim: cannot write ramp while armed")
	}
	hw.ramp = append(hw.ramp[:0], ramp...)
	return nil
}

func (hw *simHardware) Arm(ctx context.Context) error {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	switch {
	case !hw.open:
		return fmt.Errorf("sim: device not open")
	case len(hw.ramp) == 0:
		return fmt.Errorf("sim: no ramp")
	}
	hw.t0 = hw.now()
	hw.armed = true
	hw.phase = hw.phase[:0]
	hw.diode = hw.diode[:0]
	return nil
}

func (hw *simHardware) Read(ctx context.Context) (Samples, error) {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	if !hw.armed {
		return Samples{}, fmt.Errorf("sim: device not armed")
	}

	dt := hw.now().Sub(hw.t0) - hw.cfg.Delay
	n := int(dt.Seconds() * hw.cfg.Rate)
	n = max(0, min(n, hw.cfg.BufferSize))
	hw.generate(n)

	return Samples{
		Phase: append([]float64(nil), hw.phase...),
		Diode: append([]float64(nil), hw.diode...),
	}, nil
}

func (hw *simHardware) generate(n int) {
	var (
		lo    = hw.cfg.Min
		hi    = hw.cfg.Max
		mid   = 0.5 * (lo + hi)
		width = 0.05 * (hi - lo)
	)
	for i := len(hw.phase); i < n; i++ {
		v := hw.ramp[i%len(hw.ramp)]
		x := (v - mid) / width
		hw.phase = append(hw.phase, 0.05/(1+x*x)+1e-3*hw.rnd.NormFloat64())
		hw.diode = append(hw.diode, 0.5+0.01*(v-mid)/(hi-lo)+1e-3*hw.rnd.NormFloat64())
	}
}

func (hw *simHardware) Stop() error {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	hw.armed = false
	return nil
}

func (hw *simHardware) Close() error {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	hw.armed = false
	hw.open = false
	return nil
}

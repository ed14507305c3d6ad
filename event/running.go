// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package event

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// RunningScan is a bounded running average of the most recent sweeps,
// used as live feedback while tuning.
//
// RunningScan is a sliding-weight approximation of a sliding window:
// once the window is full, older contributions are down-weighted
// multiplicatively instead of being evicted.
// Each update costs O(steps), whatever the window size.
type RunningScan struct {
	mu     sync.RWMutex
	window int
	points int // number of sweeps represented in the average
	phase  []float64
	diode  []float64
}

// NewRunningScan returns a running average of n steps over
// a window of the given number of sweeps.
func NewRunningScan(n, window int) (*RunningScan, error) {
	if n <= 0 {
		return nil, fmt.Errorf("event: invalid number of steps %d", n)
	}
	if window <= 0 {
		return nil, fmt.Errorf("event: invalid running window %d", window)
	}
	return &RunningScan{
		window: window,
		phase:  make([]float64, n),
		diode:  make([]float64, n),
	}, nil
}

// SetWindow modifies the window size.
// The new size takes effect at the next update.
func (rs *RunningScan) SetWindow(window int) error {
	if window <= 0 {
		return fmt.Errorf("event: invalid running window %d", window)
	}
	rs.mu.Lock()
	rs.window = window
	rs.mu.Unlock()
	return nil
}

// Window returns the window size.
func (rs *RunningScan) Window() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.window
}

// Points returns the number of sweeps represented in the average.
func (rs *RunningScan) Points() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.points
}

// Reset clears the running average.
func (rs *RunningScan) Reset() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.points = 0
	for i := range rs.phase {
		rs.phase[i] = 0
		rs.diode[i] = 0
	}
}

// Scan returns a copy of the running average.
func (rs *RunningScan) Scan() *Scan {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return &Scan{
		Sweeps: rs.points,
		Phase:  append([]float64(nil), rs.phase...),
		Diode:  append([]float64(nil), rs.diode...),
	}
}

// Add updates the running average with a chunk of k sweeps.
//
// The number of represented sweeps grows by k until it reaches the window
// size, then stays there. The average is then updated as:
//
//	x' = (p*k + x*(points-k)) / points
//
// A chunk larger than the window replaces the average.
func (rs *RunningScan) Add(k int, p, d []float64) error {
	if len(p) != len(rs.phase) || len(d) != len(rs.diode) {
		return fmt.Errorf(
			"event: chunk size mismatch (phase=%d, diode=%d, want=%d)",
			len(p), len(d), len(rs.phase),
		)
	}
	if k <= 0 {
		return nil
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.points < rs.window {
		rs.points = min(rs.points+k, rs.window)
	} else {
		rs.points = rs.window
	}

	k = min(k, rs.points)
	var (
		wnew = float64(k) / float64(rs.points)
		wold = float64(rs.points-k) / float64(rs.points)
	)
	floats.Scale(wold, rs.phase)
	floats.AddScaled(rs.phase, wnew, p)
	floats.Scale(wold, rs.diode)
	floats.AddScaled(rs.diode, wnew, d)
	return nil
}

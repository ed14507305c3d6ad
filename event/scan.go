// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package event holds the NMR signal accumulators, events and their history.
package event // import "github.com/go-lpc/nmr/event"

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Mode describes how chunks of sweeps are folded into a scan.
type Mode uint8

const (
	// Incremental folds each chunk as a weighted contribution
	// to the running mean of all the sweeps seen so far.
	Incremental Mode = iota + 1
	// Replace takes each chunk as the total state of the acquisition
	// so far, as reported by backends accumulating sweeps themselves.
	Replace
)

func (m Mode) String() string {
	switch m {
	case Incremental:
		return "incremental"
	case Replace:
		return "replace"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// Scan is the accumulated signal of one event.
type Scan struct {
	Sweeps int       `json:"sweeps"`
	Phase  []float64 `json:"phase"`
	Diode  []float64 `json:"diode"`
}

// NewScan returns an empty scan of n steps.
func NewScan(n int) *Scan {
	return &Scan{
		Phase: make([]float64, n),
		Diode: make([]float64, n),
	}
}

// Clone returns a deep copy of the scan.
func (s *Scan) Clone() *Scan {
	return &Scan{
		Sweeps: s.Sweeps,
		Phase:  append([]float64(nil), s.Phase...),
		Diode:  append([]float64(nil), s.Diode...),
	}
}

// Accumulator folds chunks of sweeps into a scan.
// The folding mode is fixed at creation.
type Accumulator struct {
	mode Mode
	scan *Scan
	tmp  []float64
}

// NewAccumulator returns an accumulator for scans of n steps.
func NewAccumulator(mode Mode, n int) (*Accumulator, error) {
	switch mode {
	case Incremental, Replace:
	default:
		return nil, fmt.Errorf("event: invalid accumulation mode %v", mode)
	}
	if n <= 0 {
		return nil, fmt.Errorf("event: invalid number of steps %d", n)
	}
	return &Accumulator{
		mode: mode,
		scan: NewScan(n),
		tmp:  make([]float64, n),
	}, nil
}

// Mode returns the folding mode of the accumulator.
func (acc *Accumulator) Mode() Mode { return acc.mode }

// Sweeps returns the number of sweeps accumulated so far.
func (acc *Accumulator) Sweeps() int { return acc.scan.Sweeps }

// Scan returns a copy of the current scan.
func (acc *Accumulator) Scan() *Scan { return acc.scan.Clone() }

// Add folds a chunk of k sweeps with mean phase p and mean diode d.
// Chunks with no sweep are ignored.
//
// In incremental mode, the scan stays equal to the sweep-weighted mean
// of all the chunks added so far:
//
//	n' = n + k
//	x' = x + k/n' * (p - x)
//
// In replace mode, the chunk replaces the scan.
func (acc *Accumulator) Add(k int, p, d []float64) error {
	n := len(acc.scan.Phase)
	if len(p) != n || len(d) != n {
		return fmt.Errorf(
			"event: chunk size mismatch (phase=%d, diode=%d, want=%d)",
			len(p), len(d), n,
		)
	}
	if k <= 0 {
		return nil
	}

	switch acc.mode {
	case Replace:
		acc.scan.Sweeps = k
		copy(acc.scan.Phase, p)
		copy(acc.scan.Diode, d)
	default:
		acc.scan.Sweeps += k
		w := float64(k) / float64(acc.scan.Sweeps)
		fold(acc.scan.Phase, p, w, acc.tmp)
		fold(acc.scan.Diode, d, w, acc.tmp)
	}
	return nil
}

// fold computes x += w*(v-x), using tmp as scratch space.
func fold(x, v []float64, w float64, tmp []float64) {
	floats.SubTo(tmp, v, x)
	floats.AddScaled(x, w, tmp)
}

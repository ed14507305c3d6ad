// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"errors"
	"fmt"
	"io"
	"math"

	"go-hep.org/x/hep/csvutil"
)

// FrequencyTable is the ordered list of DAC steps swept by the FPGA,
// and their mapping to RF frequencies.
type FrequencyTable struct {
	steps []int16
	cent  float64 // MHz
	mod   float64 // kHz
}

// NewFrequencyTable creates a frequency table from a list of DAC steps,
// a center frequency (MHz) and a modulation amplitude (kHz).
func NewFrequencyTable(steps []int16, cent, mod float64) FrequencyTable {
	return FrequencyTable{
		steps: append([]int16(nil), steps...),
		cent:  cent,
		mod:   mod,
	}
}

// Len returns the number of steps.
func (ft FrequencyTable) Len() int { return len(ft.steps) }

// Steps returns a copy of the DAC steps.
func (ft FrequencyTable) Steps() []int16 {
	return append([]int16(nil), ft.steps...)
}

// Freq returns the frequency (MHz) of the i-th step.
func (ft FrequencyTable) Freq(i int) float64 {
	return ft.cent + ft.mod/1000*float64(ft.steps[i])/32768
}

// Freqs returns the frequencies (MHz) of all steps.
func (ft FrequencyTable) Freqs() []float64 {
	out := make([]float64, len(ft.steps))
	for i := range out {
		out[i] = ft.Freq(i)
	}
	return out
}

// EvenTable returns n DAC steps evenly spread over the signed 16-bit range.
func EvenTable(n int) []int16 {
	if n <= 0 {
		return nil
	}
	out := make([]int16, n)
	if n == 1 {
		out[0] = math.MinInt16
		return out
	}
	const (
		lo = float64(math.MinInt16)
		hi = float64(math.MaxInt16)
	)
	step := (hi - lo) / float64(n-1)
	for i := range out {
		// conversion truncates toward zero.
		out[i] = int16(lo + float64(i)*step)
	}
	out[n-1] = math.MaxInt16
	return out
}

// TestTable returns the FPGA test pattern steps: -n, -n+1, ..., -1.
func TestTable(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(i - n)
	}
	return out
}

// ReadSweepFile reads DAC steps from a sweep file, one integer per line.
// Lines starting with '#' are ignored.
func ReadSweepFile(fname string) ([]int16, error) {
	tbl, err := csvutil.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("config: could not open sweep file %q: %w", fname, err)
	}
	defer tbl.Close()
	tbl.Reader.Comment = '#'
	tbl.Reader.Comma = ','

	rows, err := tbl.ReadRows(0, -1)
	if err != nil {
		return nil, fmt.Errorf("config: could not read sweep file %q: %w", fname, err)
	}
	defer rows.Close()

	var steps []int16
	for rows.Next() {
		var v int
		err = rows.Scan(&v)
		if err != nil {
			return nil, fmt.Errorf("config: could not read step %d of %q: %w", len(steps), fname, err)
		}
		if v < math.MinInt16 || v > math.MaxInt16 {
			return nil, &ValidationError{
				Name:   "sweep_file",
				Value:  fmt.Sprint(v),
				Reason: fmt.Sprintf("step %d out of the signed 16-bit range", len(steps)),
			}
		}
		steps = append(steps, int16(v))
	}
	err = rows.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: could not scan sweep file %q: %w", fname, err)
	}
	return steps, nil
}

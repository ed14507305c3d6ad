// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package event

import (
	"fmt"
	"time"

	"github.com/go-lpc/nmr/config"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
)

// Analyzer computes the derived signals of an event.
type Analyzer interface {
	// Baseline returns the baseline curve used for the event and the
	// baseline subtracted phase signal.
	Baseline(evt *Event) (base, sub []float64, err error)

	// Subtract fits the background of the baseline subtracted signal
	// and returns the fit curve, the fit subtracted signal and its
	// integrated area.
	Subtract(evt *Event, sub []float64) (fit, fitsub []float64, area float64, err error)
}

// Baseline is a snapshot of a closed event, used as the reference
// signal subtracted from the following events.
type Baseline struct {
	Time  time.Time `json:"time"`
	Stamp float64   `json:"stamp"`
	File  string    `json:"file"`
	Phase []float64 `json:"phase"`
}

// Clone returns a deep copy of the baseline.
func (b *Baseline) Clone() *Baseline {
	if b == nil {
		return nil
	}
	o := *b
	o.Phase = append([]float64(nil), b.Phase...)
	return &o
}

// Event is one timed acquisition: the scan accumulated between its
// start and stop times, and the signals derived from it.
// An event is immutable once closed.
type Event struct {
	ID    uuid.UUID
	Start time.Time
	Stop  time.Time

	Channel  config.Channel
	Settings config.Settings
	Freqs    []float64
	Target   int     // requested number of sweeps
	CC       float64 // calibration constant at opening time
	Baseline Baseline

	BaseSweep []float64 // baseline curve actually subtracted
	BaseSub   []float64
	FitCurve  []float64
	FitSub    []float64
	Area      float64
	Pol       float64
	Status    map[string]float64

	acc    *Accumulator
	closed bool
}

// Open opens a new event for the provided configuration.
// The baseline, if any, is copied.
func Open(cfg *config.Config, mode Mode, base *Baseline, start time.Time) (*Event, error) {
	n := cfg.Freqs.Len()
	acc, err := NewAccumulator(mode, n)
	if err != nil {
		return nil, fmt.Errorf("event: could not create accumulator: %w", err)
	}

	evt := &Event{
		ID:       uuid.New(),
		Start:    start.UTC(),
		Channel:  cfg.Channel,
		Settings: cfg.Settings,
		Freqs:    cfg.Freqs.Freqs(),
		Target:   cfg.Controls.Sweeps(),
		CC:       cfg.Controls.CC(),
		acc:      acc,
	}
	switch base {
	case nil:
		evt.Baseline.Phase = make([]float64, n)
	default:
		if len(base.Phase) != n {
			return nil, fmt.Errorf(
				"event: baseline size mismatch (got=%d, want=%d)",
				len(base.Phase), n,
			)
		}
		evt.Baseline = *base.Clone()
	}
	return evt, nil
}

// Mode returns the accumulation mode of the event.
func (evt *Event) Mode() Mode { return evt.acc.Mode() }

// Sweeps returns the number of sweeps accumulated so far.
func (evt *Event) Sweeps() int { return evt.acc.Sweeps() }

// Scan returns a copy of the accumulated scan.
func (evt *Event) Scan() *Scan { return evt.acc.Scan() }

// Closed returns whether the event has been closed.
func (evt *Event) Closed() bool { return evt.closed }

// Add folds a chunk of k sweeps into the event.
func (evt *Event) Add(k int, p, d []float64) error {
	if evt.closed {
		return fmt.Errorf("event: event %v already closed", evt.ID)
	}
	return evt.acc.Add(k, p, d)
}

// Close closes the event and computes its derived signals.
// If the phase signal is null, all derived signals are null.
// A nil analyzer subtracts the baseline and sums the result.
func (evt *Event) Close(stop time.Time, ana Analyzer, status map[string]float64) error {
	if evt.closed {
		return fmt.Errorf("event: event %v already closed", evt.ID)
	}

	evt.Stop = stop.UTC()
	evt.Status = make(map[string]float64, len(status))
	for k, v := range status {
		evt.Status[k] = v
	}

	scan := evt.acc.scan
	n := len(scan.Phase)
	if !anyNonZero(scan.Phase) {
		evt.BaseSweep = make([]float64, n)
		evt.BaseSub = make([]float64, n)
		evt.FitCurve = make([]float64, n)
		evt.FitSub = make([]float64, n)
		evt.Area = 0
		evt.Pol = 0
		evt.closed = true
		return nil
	}

	if ana == nil {
		ana = plain{}
	}

	base, sub, err := ana.Baseline(evt)
	if err != nil {
		return fmt.Errorf("event: could not compute baseline of event %v: %w", evt.ID, err)
	}
	fit, fitsub, area, err := ana.Subtract(evt, sub)
	if err != nil {
		return fmt.Errorf("event: could not fit event %v: %w", evt.ID, err)
	}

	evt.BaseSweep = base
	evt.BaseSub = sub
	evt.FitCurve = fit
	evt.FitSub = fitsub
	evt.Area = area
	evt.Pol = area * evt.CC
	evt.closed = true
	return nil
}

// HistPoint returns the history summary of a closed event.
func (evt *Event) HistPoint() HistPoint {
	return HistPoint{
		Time:   evt.Stop,
		Stamp:  stamp(evt.Stop),
		Pol:    evt.Pol,
		CC:     evt.CC,
		Area:   evt.Area,
		Status: evt.Status,
	}
}

// AsBaseline returns a baseline snapshot of the closed event,
// stored in the event log file fname.
func (evt *Event) AsBaseline(fname string) *Baseline {
	return &Baseline{
		Time:  evt.Stop,
		Stamp: stamp(evt.Stop),
		File:  fname,
		Phase: append([]float64(nil), evt.acc.scan.Phase...),
	}
}

// plain subtracts the baseline and does not fit any background.
type plain struct{}

func (plain) Baseline(evt *Event) (base, sub []float64, err error) {
	phase := evt.acc.scan.Phase
	base = append([]float64(nil), evt.Baseline.Phase...)
	sub = make([]float64, len(phase))
	floats.SubTo(sub, phase, base)
	return base, sub, nil
}

func (plain) Subtract(evt *Event, sub []float64) (fit, fitsub []float64, area float64, err error) {
	fit = make([]float64, len(sub))
	fitsub = append([]float64(nil), sub...)
	return fit, fitsub, floats.Sum(fitsub), nil
}

func anyNonZero(vs []float64) bool {
	for _, v := range vs {
		if v != 0 {
			return true
		}
	}
	return false
}

func stamp(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

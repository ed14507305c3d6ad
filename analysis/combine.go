// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package analysis

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-lpc/nmr/event"
)

// Signal selects the event signal to combine.
type Signal uint8

const (
	FitSub Signal = iota // fit subtracted signal
	Raw                  // raw phase signal
)

func (sig Signal) String() string {
	switch sig {
	case FitSub:
		return "fitsub"
	case Raw:
		return "raw"
	}
	return fmt.Sprintf("Signal(%d)", uint8(sig))
}

func (sig Signal) of(rec event.Record) []float64 {
	switch sig {
	case Raw:
		return rec.Phase
	default:
		return rec.FitSub
	}
}

// Combined is the sweep-weighted combination of several events.
type Combined struct {
	Begin  time.Time
	End    time.Time
	Signal Signal
	Events int       // number of combined events
	Sweeps int       // total number of combined sweeps
	Freqs  []float64 // frequency list of the first combined event
	Values []float64
}

// ErrNoEvent is returned when no event lies in the combination range.
var ErrNoEvent = errors.New("analysis: no event in range")

// Combiner combines the events stopped strictly between begin and end,
// weighting each event by its number of sweeps.
type Combiner struct {
	begin, end time.Time
	sig        Signal

	acc *event.Accumulator
	out Combined
}

// NewCombiner returns a combiner for the events in the (begin, end) range.
func NewCombiner(begin, end time.Time, sig Signal) (*Combiner, error) {
	if !begin.Before(end) {
		return nil, fmt.Errorf("analysis: invalid range [%v, %v]", begin, end)
	}
	switch sig {
	case FitSub, Raw:
	default:
		return nil, fmt.Errorf("analysis: invalid signal %v", sig)
	}
	return &Combiner{
		begin: begin,
		end:   end,
		sig:   sig,
		out: Combined{
			Begin:  begin.UTC(),
			End:    end.UTC(),
			Signal: sig,
		},
	}, nil
}

// Add adds the event record to the combination, if it lies in range.
// Add is usable as an event.ReadRecords callback.
func (c *Combiner) Add(rec event.Record) error {
	if !(c.begin.Before(rec.StopTime) && rec.StopTime.Before(c.end)) {
		return nil
	}
	vs := c.sig.of(rec)
	if c.acc == nil {
		acc, err := event.NewAccumulator(event.Incremental, len(vs))
		if err != nil {
			return fmt.Errorf("analysis: could not create accumulator for event %s: %w", rec.ID, err)
		}
		c.acc = acc
		c.out.Freqs = append([]float64(nil), rec.FreqList...)
	}
	err := c.acc.Add(rec.ScanSweeps, vs, vs)
	if err != nil {
		return fmt.Errorf("analysis: could not combine event %s: %w", rec.ID, err)
	}
	if rec.ScanSweeps > 0 {
		c.out.Events++
	}
	return nil
}

// Combined returns the current combination.
func (c *Combiner) Combined() (Combined, error) {
	if c.acc == nil || c.acc.Sweeps() == 0 {
		return c.out, ErrNoEvent
	}
	out := c.out
	out.Sweeps = c.acc.Sweeps()
	out.Values = c.acc.Scan().Phase
	out.Freqs = append([]float64(nil), c.out.Freqs...)
	return out, nil
}

// Combine combines the events of the provided records stopped strictly
// between begin and end.
func Combine(recs []event.Record, begin, end time.Time, sig Signal) (Combined, error) {
	c, err := NewCombiner(begin, end, sig)
	if err != nil {
		return Combined{}, err
	}
	for _, rec := range recs {
		err = c.Add(rec)
		if err != nil {
			return Combined{}, err
		}
	}
	return c.Combined()
}

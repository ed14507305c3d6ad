// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package event

import (
	"context"
	"sort"
	"sync"
	"time"
)

// HistPoint is the summary of a closed event kept in the history.
type HistPoint struct {
	Time   time.Time          `json:"time"`
	Stamp  float64            `json:"stamp"` // stop time, in seconds since epoch
	Pol    float64            `json:"pol"`
	CC     float64            `json:"cc"`
	Area   float64            `json:"area"`
	Status map[string]float64 `json:"epics_reads,omitempty"`
}

// History is the collection of event summaries, keyed by stop time.
// History is safe for concurrent use.
type History struct {
	mu  sync.RWMutex
	pts []HistPoint // sorted by stamp
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{}
}

// Add adds a point to the history.
// A point with the same stamp as an existing one replaces it.
func (h *History) Add(hp HistPoint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	i := sort.Search(len(h.pts), func(i int) bool { return h.pts[i].Stamp >= hp.Stamp })
	switch {
	case i < len(h.pts) && h.pts[i].Stamp == hp.Stamp:
		h.pts[i] = hp
	default:
		h.pts = append(h.pts, HistPoint{})
		copy(h.pts[i+1:], h.pts[i:])
		h.pts[i] = hp
	}
}

// WriteRecord adds the summary of the recorded event to the history.
func (h *History) WriteRecord(ctx context.Context, rec Record) error {
	h.Add(rec.HistPoint())
	return nil
}

// Len returns the number of points in the history.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pts)
}

// Range returns the points with start < stamp < stop, sorted by stamp.
// A zero start or stop leaves that side of the range open.
func (h *History) Range(start, stop float64) []HistPoint {
	h.mu.RLock()
	defer h.mu.RUnlock()

	beg := 0
	if start != 0 {
		beg = sort.Search(len(h.pts), func(i int) bool { return h.pts[i].Stamp > start })
	}
	end := len(h.pts)
	if stop != 0 {
		end = sort.Search(len(h.pts), func(i int) bool { return h.pts[i].Stamp >= stop })
	}
	if beg >= end {
		return nil
	}
	return append([]HistPoint(nil), h.pts[beg:end]...)
}

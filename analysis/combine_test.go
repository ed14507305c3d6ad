// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package analysis

import (
	"errors"
	"testing"
	"time"

	"github.com/go-lpc/nmr/event"
	"gonum.org/v1/gonum/floats"
)

func TestCombine(t *testing.T) {
	var (
		beg = time.Date(2022, 7, 18, 19, 0, 0, 0, time.UTC)
		end = beg.Add(time.Hour)
		rec = func(id string, stop time.Time, sweeps int, v float64) event.Record {
			return event.Record{
				Type:       event.RecordType,
				ID:         id,
				StopTime:   stop,
				ScanSweeps: sweeps,
				FreqList:   []float64{212.9, 213.1},
				Phase:      []float64{-v, -v},
				FitSub:     []float64{v, v},
			}
		}
		recs = []event.Record{
			rec("before", beg.Add(-time.Minute), 100, 10),
			rec("at-begin", beg, 100, 10),
			rec("evt-1", beg.Add(10*time.Minute), 4, 1),
			rec("evt-2", beg.Add(20*time.Minute), 6, 2),
			rec("empty", beg.Add(30*time.Minute), 0, 42),
			rec("at-end", end, 100, 10),
		}
	)

	for _, tc := range []struct {
		sig  Signal
		want float64
	}{
		{FitSub, 1.6},
		{Raw, -1.6},
	} {
		t.Run(tc.sig.String(), func(t *testing.T) {
			got, err := Combine(recs, beg, end, tc.sig)
			if err != nil {
				t.Fatalf("could not combine events: %+v", err)
			}
			if got.Events != 2 || got.Sweeps != 10 {
				t.Fatalf("invalid combination: events=%d, sweeps=%d", got.Events, got.Sweeps)
			}
			if !floats.EqualApprox(got.Values, []float64{tc.want, tc.want}, 1e-12) {
				t.Fatalf("invalid values: got=%v, want=%v", got.Values, tc.want)
			}
			if !floats.Equal(got.Freqs, []float64{212.9, 213.1}) {
				t.Fatalf("invalid frequencies: %v", got.Freqs)
			}
		})
	}

	_, err := Combine(recs, end, end.Add(time.Hour), FitSub)
	if !errors.Is(err, ErrNoEvent) {
		t.Fatalf("invalid error: %+v", err)
	}

	_, err = Combine(recs, end, beg, FitSub)
	if err == nil {
		t.Fatalf("expected an error for an invalid range")
	}

	bad := append(recs[:0:0], recs[2], rec("bad", beg.Add(15*time.Minute), 1, 1))
	bad[1].FitSub = []float64{1, 2, 3}
	_, err = Combine(bad, beg, end, FitSub)
	if err == nil {
		t.Fatalf("expected an error for mismatched signals")
	}
}

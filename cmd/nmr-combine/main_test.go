// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"io"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-lpc/nmr/analysis"
	"github.com/go-lpc/nmr/event"
	"go-hep.org/x/hep/csvutil"
)

func TestParseTime(t *testing.T) {
	def := time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC)
	for _, tc := range []struct {
		v    string
		want time.Time
		err  bool
	}{
		{v: "", want: def},
		{v: "2020-05-01T12:00:00Z", want: time.Date(2020, 5, 1, 12, 0, 0, 0, time.UTC)},
		{v: "1588334400", want: time.Date(2020, 5, 1, 12, 0, 0, 0, time.UTC)},
		{v: "1588334400.5", want: time.Date(2020, 5, 1, 12, 0, 0, 5e8, time.UTC)},
		{v: "yesterday", err: true},
	} {
		t.Run(tc.v, func(t *testing.T) {
			got, err := parseTime(tc.v, def)
			switch {
			case err != nil && tc.err:
				return
			case err != nil:
				t.Fatalf("could not parse time: %+v", err)
			case tc.err:
				t.Fatalf("expected an error")
			}
			if !got.Equal(tc.want) {
				t.Fatalf("invalid time: got=%v, want=%v", got, tc.want)
			}
		})
	}
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "events.jsonl")
	oname := filepath.Join(dir, "out.csv")

	t0 := time.Date(2020, 5, 1, 12, 0, 0, 0, time.UTC)
	f, err := event.OpenLog(fname)
	if err != nil {
		t.Fatalf("could not open event log: %+v", err)
	}
	w := event.NewWriter(f)
	for i, rec := range []event.Record{
		{ID: "evt-1", StopTime: t0.Add(1 * time.Hour), ScanSweeps: 10, FitSub: []float64{1, 2}, Phase: []float64{0, 0}},
		{ID: "evt-2", StopTime: t0.Add(2 * time.Hour), ScanSweeps: 30, FitSub: []float64{3, 4}, Phase: []float64{1, 1}},
		{ID: "evt-3", StopTime: t0.Add(4 * time.Hour), ScanSweeps: 10, FitSub: []float64{9, 9}, Phase: []float64{9, 9}},
	} {
		rec.Type = event.RecordType
		rec.FreqList = []float64{212.9, 213.1}
		err = w.WriteRecord(context.Background(), rec)
		if err != nil {
			t.Fatalf("could not write record %d: %+v", i, err)
		}
	}
	err = f.Close()
	if err != nil {
		t.Fatalf("could not close event log: %+v", err)
	}

	for _, tc := range []struct {
		name string
		sig  analysis.Signal
		want []float64
	}{
		{"fitsub", analysis.FitSub, []float64{2.5, 3.5}},
		{"raw", analysis.Raw, []float64{0.75, 0.75}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := run(oname, fname, "1588334400", "", tc.sig, t0.Add(3*time.Hour))
			if err != nil {
				t.Fatalf("could not run: %+v", err)
			}

			tbl, err := csvutil.Open(oname)
			if err != nil {
				t.Fatalf("could not open output: %+v", err)
			}
			defer tbl.Close()
			tbl.Reader.Comma = ','
			tbl.Reader.Comment = '#'

			rows, err := tbl.ReadRows(0, -1)
			if err != nil {
				t.Fatalf("could not read rows: %+v", err)
			}
			defer rows.Close()

			var (
				freqs []float64
				vals  []float64
			)
			for rows.Next() {
				var freq, v float64
				err = rows.Scan(&freq, &v)
				if err != nil {
					t.Fatalf("could not scan row: %+v", err)
				}
				freqs = append(freqs, freq)
				vals = append(vals, v)
			}
			if err := rows.Err(); err != nil && !errors.Is(err, io.EOF) {
				t.Fatalf("could not iterate rows: %+v", err)
			}

			if len(vals) != len(tc.want) {
				t.Fatalf("invalid number of rows: got=%d, want=%d", len(vals), len(tc.want))
			}
			for i := range vals {
				if math.Abs(vals[i]-tc.want[i]) > 1e-12 {
					t.Fatalf("invalid value[%d]: got=%g, want=%g", i, vals[i], tc.want[i])
				}
			}
			if freqs[0] != 212.9 || freqs[1] != 213.1 {
				t.Fatalf("invalid frequencies: %v", freqs)
			}
		})
	}

	err = run(oname, fname, "2021-01-01T00:00:00Z", "", analysis.FitSub, t0.AddDate(1, 0, 0))
	if !errors.Is(err, analysis.ErrNoEvent) {
		t.Fatalf("invalid error: %+v", err)
	}

	err = run(oname, fname, "1588334400", "1588334400", analysis.FitSub, t0)
	if err == nil {
		t.Fatalf("expected an error for an empty range")
	}
}

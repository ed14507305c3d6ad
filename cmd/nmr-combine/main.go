// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command nmr-combine combines the events of an event log stopped within
// a time range into a single sweep-weighted signal.
//
// The time range bounds are either RFC3339 times or seconds since epoch.
//
// Usage:
//
//	$> nmr-combine -begin 2020-05-01T12:00:00Z -end 2020-05-01T14:00:00Z -o out.csv ./events.jsonl
//	$> nmr-combine -begin 1588334400 -end 1588341600 -r ./events.jsonl
package main // import "github.com/go-lpc/nmr/cmd/nmr-combine"

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-lpc/nmr/analysis"
	"github.com/go-lpc/nmr/event"
	"go-hep.org/x/hep/csvutil"
)

func main() {
	var (
		beg = flag.String("begin", "", "beginning of the time range (RFC3339 or seconds since epoch)")
		end = flag.String("end", "", "end of the time range (RFC3339 or seconds since epoch, default: now)")
		raw = flag.Bool("r", false, "combine the raw phase signal instead of the fit subtracted one")
		out = flag.String("o", "combined.csv", "path to output CSV file")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `nmr-combine combines the events of an event log within a time range.

Usage: nmr-combine [OPTIONS] events.jsonl

Example:

 $> nmr-combine -begin 2020-05-01T12:00:00Z -end 2020-05-01T14:00:00Z -o out.csv ./events.jsonl

Options:
`)
		flag.PrintDefaults()
	}

	flag.Parse()

	log.SetPrefix("nmr-combine: ")
	log.SetFlags(0)

	if flag.NArg() != 1 {
		flag.Usage()
		log.Fatalf("missing path to input event log")
	}

	sig := analysis.FitSub
	if *raw {
		sig = analysis.Raw
	}

	err := run(*out, flag.Arg(0), *beg, *end, sig, time.Now())
	if err != nil {
		log.Fatalf("could not combine events: %+v", err)
	}
}

func run(oname, fname, beg, end string, sig analysis.Signal, now time.Time) error {
	tbeg, err := parseTime(beg, time.Time{})
	if err != nil {
		return fmt.Errorf("could not parse begin time: %w", err)
	}
	tend, err := parseTime(end, now)
	if err != nil {
		return fmt.Errorf("could not parse end time: %w", err)
	}

	c, err := analysis.NewCombiner(tbeg, tend, sig)
	if err != nil {
		return fmt.Errorf("could not create combiner: %w", err)
	}

	err = event.ReadFile(fname, c.Add)
	if err != nil {
		return fmt.Errorf("could not read event log %q: %w", fname, err)
	}

	res, err := c.Combined()
	if err != nil {
		return fmt.Errorf("could not combine events in [%v, %v]: %w", tbeg, tend, err)
	}
	log.Printf(
		"combined %d events (%s sweeps, signal=%v)",
		res.Events, humanize.Comma(int64(res.Sweeps)), res.Signal,
	)

	return writeCSV(oname, res)
}

func writeCSV(oname string, res analysis.Combined) error {
	tbl, err := csvutil.Create(oname)
	if err != nil {
		return fmt.Errorf("could not create output file: %w", err)
	}
	defer tbl.Close()
	tbl.Writer.Comma = ','

	err = tbl.WriteHeader(fmt.Sprintf(
		"# begin=%s end=%s events=%d sweeps=%d signal=%v\n# freq,value\n",
		res.Begin.Format(time.RFC3339), res.End.Format(time.RFC3339),
		res.Events, res.Sweeps, res.Signal,
	))
	if err != nil {
		return fmt.Errorf("could not write header: %w", err)
	}

	for i, v := range res.Values {
		freq := math.NaN()
		if i < len(res.Freqs) {
			freq = res.Freqs[i]
		}
		err = tbl.WriteRow(freq, v)
		if err != nil {
			return fmt.Errorf("could not write row %d: %w", i, err)
		}
	}

	err = tbl.Close()
	if err != nil {
		return fmt.Errorf("could not close output file: %w", err)
	}
	return nil
}

// parseTime parses an RFC3339 time or a number of seconds since epoch.
func parseTime(v string, def time.Time) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", v)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command nmr-hist exports the polarization history to a CSV file.
//
// The history is read from a SQL history database or from an event log.
// The time range bounds are either RFC3339 times or seconds since epoch.
//
// Usage:
//
//	$> nmr-hist -db sqlite3 -dsn ./history.db -begin 2020-05-01T00:00:00Z -o hist.csv
//	$> nmr-hist -log ./events.jsonl -o hist.csv
package main // import "github.com/go-lpc/nmr/cmd/nmr-hist"

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-lpc/nmr/event"
	"github.com/go-lpc/nmr/histdb"
)

func main() {
	var (
		drv    = flag.String("db", "", "history database driver (mysql, sqlite3)")
		dsn    = flag.String("dsn", "", "history database data source name")
		evtlog = flag.String("log", "", "path to an event log, used when no database is given")
		beg    = flag.String("begin", "", "beginning of the time range (RFC3339 or seconds since epoch)")
		end    = flag.String("end", "", "end of the time range (RFC3339 or seconds since epoch)")
		oname  = flag.String("o", "history.csv", "path to output CSV file")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `nmr-hist exports the polarization history to a CSV file.

Usage: nmr-hist [OPTIONS]

Example:

 $> nmr-hist -db sqlite3 -dsn ./history.db -begin 2020-05-01T00:00:00Z -o hist.csv
 $> nmr-hist -log ./events.jsonl -o hist.csv

Options:
`)
		flag.PrintDefaults()
	}

	flag.Parse()

	log.SetPrefix("nmr-hist: ")
	log.SetFlags(0)

	if (*drv == "") == (*evtlog == "") {
		flag.Usage()
		log.Fatalf("one of -db or -log is required")
	}

	err := run(context.Background(), *oname, *drv, *dsn, *evtlog, *beg, *end)
	if err != nil {
		log.Fatalf("could not export history: %+v", err)
	}
}

func run(ctx context.Context, oname, drv, dsn, evtlog, beg, end string) error {
	start, err := parseStamp(beg)
	if err != nil {
		return fmt.Errorf("could not parse begin time: %w", err)
	}
	stop, err := parseStamp(end)
	if err != nil {
		return fmt.Errorf("could not parse end time: %w", err)
	}

	var pts []event.HistPoint
	switch {
	case drv != "":
		db, err := histdb.Open(drv, dsn)
		if err != nil {
			return fmt.Errorf("could not open history database: %w", err)
		}
		defer db.Close()

		pts, err = db.Range(ctx, start, stop)
		if err != nil {
			return fmt.Errorf("could not read history: %w", err)
		}
	default:
		hist := event.NewHistory()
		err = event.ReadFile(evtlog, func(rec event.Record) error {
			return hist.WriteRecord(ctx, rec)
		})
		if err != nil {
			return fmt.Errorf("could not read event log: %w", err)
		}
		pts = hist.Range(start, stop)
	}

	err = histdb.ExportCSV(oname, pts)
	if err != nil {
		return err
	}

	if n := len(pts); n > 0 {
		log.Printf(
			"exported %s points, from %s to %s",
			humanize.Comma(int64(n)),
			pts[0].Time.UTC().Format(time.RFC3339),
			pts[n-1].Time.UTC().Format(time.RFC3339),
		)
	}
	return nil
}

// parseStamp parses an RFC3339 time or a number of seconds since epoch.
// An empty value is an open bound.
func parseStamp(v string) (float64, error) {
	if v == "" {
		return 0, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return float64(t.UnixNano()) / 1e9, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q", v)
	}
	return f, nil
}

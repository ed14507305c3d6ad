// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package histdb

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-lpc/nmr/event"
	"github.com/go-lpc/nmr/status"
	"go-hep.org/x/hep/csvutil"
)

// ExportCSV writes the history points to a CSV file, one point per row.
// Each status value gets its own column, named after the value; a point
// missing a value leaves its cell empty.
func ExportCSV(fname string, pts []event.HistPoint) error {
	tbl, err := csvutil.Create(fname)
	if err != nil {
		return fmt.Errorf("histdb: could not create CSV file %q: %w", fname, err)
	}
	defer tbl.Close()
	tbl.Writer.Comma = ','

	all := make(map[string]float64)
	for _, hp := range pts {
		for k := range hp.Status {
			all[k] = 0
		}
	}
	names := status.Names(all)

	hdr := append([]string{"stamp", "time", "pol", "cc", "area"}, names...)
	err = tbl.WriteHeader("# " + strings.Join(hdr, ",") + "\n")
	if err != nil {
		return fmt.Errorf("histdb: could not write CSV header: %w", err)
	}

	row := make([]any, len(hdr))
	for i, hp := range pts {
		row[0] = hp.Stamp
		row[1] = hp.Time.UTC().Format(time.RFC3339)
		row[2] = hp.Pol
		row[3] = hp.CC
		row[4] = hp.Area
		for j, name := range names {
			v, ok := hp.Status[name]
			switch {
			case ok:
				row[5+j] = v
			default:
				row[5+j] = ""
			}
		}
		err = tbl.WriteRow(row...)
		if err != nil {
			return fmt.Errorf("histdb: could not write CSV row %d: %w", i, err)
		}
	}

	err = tbl.Close()
	if err != nil {
		return fmt.Errorf("histdb: could not close CSV file %q: %w", fname, err)
	}
	return nil
}

// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package event

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// RecordType is the type tag of event records in the event log.
const RecordType = "event"

// Record is the persisted form of a closed event.
// Records are written as JSON lines, one per event.
type Record struct {
	Type string `json:"type"`
	ID   string `json:"id"`

	StartTime  time.Time `json:"start_time"`
	StartStamp float64   `json:"start_stamp"`
	StopTime   time.Time `json:"stop_time"`
	StopStamp  float64   `json:"stop_stamp"`

	Channel  string  `json:"channel"`
	Species  string  `json:"species"`
	CentFreq float64 `json:"cent_freq"`
	ModFreq  float64 `json:"mod_freq"`
	Power    float64 `json:"power"`

	DAQ          string `json:"daq_type"`
	Mode         string `json:"mode"`
	Steps        int    `json:"steps"`
	PerChunk     int    `json:"num_per_chunk"`
	TunePerChunk int    `json:"tune_per_chunk"`

	Sweeps     int     `json:"sweeps"`      // requested number of sweeps
	ScanSweeps int     `json:"scan_sweeps"` // accumulated number of sweeps
	CC         float64 `json:"cc"`

	FreqList  []float64 `json:"freq_list"`
	Phase     []float64 `json:"phase"`
	Diode     []float64 `json:"diode"`
	Baseline  []float64 `json:"baseline"`
	BaseSweep []float64 `json:"basesweep"`
	BaseSub   []float64 `json:"basesub"`
	FitCurve  []float64 `json:"fitcurve"`
	FitSub    []float64 `json:"fitsub"`
	Area      float64   `json:"area"`
	Pol       float64   `json:"pol"`

	BaseTime  time.Time `json:"base_time"`
	BaseStamp float64   `json:"base_stamp"`
	BaseFile  string    `json:"base_file"`

	Status map[string]float64 `json:"epics_reads"`
}

// Record returns the persisted form of the event.
func (evt *Event) Record() Record {
	scan := evt.acc.Scan()
	return Record{
		Type:       RecordType,
		ID:         evt.ID.String(),
		StartTime:  evt.Start,
		StartStamp: stamp(evt.Start),
		StopTime:   evt.Stop,
		StopStamp:  stamp(evt.Stop),

		Channel:  evt.Channel.Name,
		Species:  evt.Channel.Species,
		CentFreq: evt.Channel.CentFreq,
		ModFreq:  evt.Channel.ModFreq,
		Power:    evt.Channel.Power,

		DAQ:          evt.Settings.DAQ.String(),
		Mode:         evt.Mode().String(),
		Steps:        evt.Settings.Steps,
		PerChunk:     evt.Settings.PerChunk,
		TunePerChunk: evt.Settings.TunePerChunk,

		Sweeps:     evt.Target,
		ScanSweeps: scan.Sweeps,
		CC:         evt.CC,

		FreqList:  evt.Freqs,
		Phase:     scan.Phase,
		Diode:     scan.Diode,
		Baseline:  evt.Baseline.Phase,
		BaseSweep: evt.BaseSweep,
		BaseSub:   evt.BaseSub,
		FitCurve:  evt.FitCurve,
		FitSub:    evt.FitSub,
		Area:      evt.Area,
		Pol:       evt.Pol,

		BaseTime:  evt.Baseline.Time,
		BaseStamp: evt.Baseline.Stamp,
		BaseFile:  evt.Baseline.File,

		Status: evt.Status,
	}
}

// AsBaseline returns a baseline snapshot of the recorded event,
// read from the event log file fname.
func (rec Record) AsBaseline(fname string) *Baseline {
	return &Baseline{
		Time:  rec.StopTime,
		Stamp: rec.StopStamp,
		File:  fname,
		Phase: append([]float64(nil), rec.Phase...),
	}
}

// HistPoint returns the history summary of the recorded event.
func (rec Record) HistPoint() HistPoint {
	return HistPoint{
		Time:   rec.StopTime,
		Stamp:  rec.StopStamp,
		Pol:    rec.Pol,
		CC:     rec.CC,
		Area:   rec.Area,
		Status: rec.Status,
	}
}

// Sink consumes the records of closed events.
type Sink interface {
	WriteRecord(ctx context.Context, rec Record) error
}

// Sinks dispatches records to multiple sinks, concurrently.
type Sinks []Sink

func (sinks Sinks) WriteRecord(ctx context.Context, rec Record) error {
	grp, ctx := errgroup.WithContext(ctx)
	for i := range sinks {
		sink := sinks[i]
		grp.Go(func() error {
			return sink.WriteRecord(ctx, rec)
		})
	}
	return grp.Wait()
}

// Writer writes records to a JSON lines event log.
// Each record is written with a single call to the underlying writer,
// so a crash can only truncate the last line.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter returns a record writer on top of w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteRecord writes one record as a JSON line.
func (w *Writer) WriteRecord(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("event: could not marshal record %s: %w", rec.ID, err)
	}
	raw = append(raw, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	_, err = w.w.Write(raw)
	if err != nil {
		return fmt.Errorf("event: could not write record %s: %w", rec.ID, err)
	}
	if f, ok := w.w.(interface{ Sync() error }); ok {
		err = f.Sync()
		if err != nil {
			return fmt.Errorf("event: could not sync record %s: %w", rec.ID, err)
		}
	}
	return nil
}

// OpenLog opens the event log fname for appending, creating it if needed.
// A log left with a partial last line (after a crash in the middle of a
// write) is terminated with a newline, so the next records start on
// their own lines.
func OpenLog(fname string) (*os.File, error) {
	f, err := os.OpenFile(fname, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("event: could not open event log %q: %w", fname, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("event: could not stat event log %q: %w", fname, err)
	}
	if fi.Size() == 0 {
		return f, nil
	}

	last := make([]byte, 1)
	_, err = f.ReadAt(last, fi.Size()-1)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("event: could not read end of event log %q: %w", fname, err)
	}
	if last[0] != '\n' {
		_, err = f.Write([]byte{'\n'})
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("event: could not terminate partial line of event log %q: %w", fname, err)
		}
	}
	return f, nil
}

const maxLineSize = 64 << 20

// ReadRecords calls f for each event record read from r.
// Lines with another type tag are skipped. Undecodable lines, such as the
// partial line left by a crash, are logged and skipped.
func ReadRecords(r io.Reader, f func(rec Record) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<20), maxLineSize)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec Record
		err := json.Unmarshal(raw, &rec)
		if err != nil {
			log.Printf("event: skipping undecodable record at line %d: %+v", line, err)
			continue
		}
		if rec.Type != RecordType {
			continue
		}
		err = f(rec)
		if err != nil {
			return err
		}
	}
	err := sc.Err()
	if err != nil {
		return fmt.Errorf("event: could not scan event log: %w", err)
	}
	return nil
}

// ErrNoRecord is returned when an event log holds no event record.
var ErrNoRecord = errors.New("event: no event record")

// LastRecord returns the last event record of the event log fname.
func LastRecord(fname string) (Record, error) {
	var last Record
	err := ReadFile(fname, func(rec Record) error {
		last = rec
		return nil
	})
	if err != nil {
		return last, err
	}
	if last.Type == "" {
		return last, fmt.Errorf("event: could not find record in %q: %w", fname, ErrNoRecord)
	}
	return last, nil
}

// FindRecord returns the record of the event log fname whose stop stamp
// is the closest to at.
func FindRecord(fname string, at float64) (Record, error) {
	var (
		found Record
		dist  = -1.0
	)
	err := ReadFile(fname, func(rec Record) error {
		d := rec.StopStamp - at
		if d < 0 {
			d = -d
		}
		if dist < 0 || d < dist {
			found, dist = rec, d
		}
		return nil
	})
	if err != nil {
		return found, err
	}
	if dist < 0 {
		return found, fmt.Errorf("event: could not find record in %q: %w", fname, ErrNoRecord)
	}
	return found, nil
}

// ReadFile calls f for each event record of the event log fname.
func ReadFile(fname string, f func(rec Record) error) error {
	r, err := os.Open(fname)
	if err != nil {
		return fmt.Errorf("event: could not open event log %q: %w", fname, err)
	}
	defer r.Close()
	return ReadRecords(r, f)
}

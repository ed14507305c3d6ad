// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package node

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/go-daq/tdaq"
	tlog "github.com/go-daq/tdaq/log"
	"github.com/go-lpc/nmr/config"
	"github.com/go-lpc/nmr/ctl"
	"github.com/go-lpc/nmr/event"
)

const testConfig = `
settings:
  daq_type: replay
  steps: 4
  num_per_chunk: 5
  default_channel: proton
  controls:
    sweeps: 10
    cc: 2
  replay:
    file: %s
channels:
  proton:
    species: H
    cent_freq: 213
    mod_freq: 400
  deuteron:
    species: D
    cent_freq: 32.7
    mod_freq: 100
`

func newTestFile(t *testing.T) *config.File {
	t.Helper()
	dir := t.TempDir()
	evtlog := filepath.Join(dir, "events.jsonl")
	f, err := event.OpenLog(evtlog)
	if err != nil {
		t.Fatalf("could not open event log: %+v", err)
	}
	err = event.NewWriter(f).WriteRecord(context.Background(), event.Record{
		Type:      event.RecordType,
		ID:        "evt-1",
		StopStamp: 1000,
		Phase:     []float64{0.1, 0.4, 0.9, 0.4},
		Diode:     []float64{0.5, 0.5, 0.5, 0.5},
	})
	if err != nil {
		t.Fatalf("could not write record: %+v", err)
	}
	err = f.Close()
	if err != nil {
		t.Fatalf("could not close event log: %+v", err)
	}

	fname := filepath.Join(dir, "nmr.yaml")
	err = os.WriteFile(fname, []byte(fmt.Sprintf(testConfig, filepath.Base(evtlog))), 0644)
	if err != nil {
		t.Fatalf("could not write config file: %+v", err)
	}
	file, err := config.Load(fname)
	if err != nil {
		t.Fatalf("could not load config file: %+v", err)
	}
	return file
}

func TestNode(t *testing.T) {
	n, err := New(newTestFile(t), ctl.WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("could not create node: %+v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tctx := tdaq.Context{
		Ctx: ctx,
		Msg: tlog.NewMsgStream("nmr-node", tlog.LvlError, io.Discard),
	}

	var (
		resp tdaq.Frame
		req  tdaq.Frame
	)

	{
		buf := new(bytes.Buffer)
		enc := tdaq.NewEncoder(buf)
		enc.WriteStr("deuteron")
		req.Body = buf.Bytes()
	}
	err = n.OnConfig(tctx, &resp, req)
	if err != nil {
		t.Fatalf("could not run /config: %+v", err)
	}
	if got, want := n.Controller().Status().Channel, "deuteron"; got != want {
		t.Fatalf("invalid channel: got=%q, want=%q", got, want)
	}

	{
		buf := new(bytes.Buffer)
		enc := tdaq.NewEncoder(buf)
		enc.WriteStr("tritium")
		req.Body = buf.Bytes()
	}
	err = n.OnConfig(tctx, &resp, req)
	if err == nil {
		t.Fatalf("expected an error for an unknown channel")
	}
	req.Body = nil

	for _, tc := range []struct {
		name string
		f    func(tdaq.Context, *tdaq.Frame, tdaq.Frame) error
	}{
		{"/init", n.OnInit},
		{"/reset", n.OnReset},
		{"/start", n.OnStart},
	} {
		err = tc.f(tctx, &resp, req)
		if err != nil {
			t.Fatalf("could not run %s: %+v", tc.name, err)
		}
	}

	var scan ScanFrame
	{
		var dst tdaq.Frame
		err = n.Scans(tctx, &dst)
		if err != nil {
			t.Fatalf("could not read /scans: %+v", err)
		}
		if dst.Body == nil {
			t.Fatalf("no scan frame: %+v", ctx.Err())
		}
		err = scan.UnmarshalTDAQ(dst.Body)
		if err != nil {
			t.Fatalf("could not decode scan frame: %+v", err)
		}
		if len(scan.Scan.Phase) != 4 || scan.Scan.Sweeps <= 0 || scan.Progress <= 0 {
			t.Fatalf("invalid scan frame: %+v", scan)
		}
	}

	var pt PointFrame
	{
		var dst tdaq.Frame
		err = n.Events(tctx, &dst)
		if err != nil {
			t.Fatalf("could not read /events: %+v", err)
		}
		if dst.Body == nil {
			t.Fatalf("no event frame: %+v", ctx.Err())
		}
		err = pt.UnmarshalTDAQ(dst.Body)
		if err != nil {
			t.Fatalf("could not decode event frame: %+v", err)
		}
		if pt.ID == "" || pt.Point.Stamp <= 0 {
			t.Fatalf("invalid event frame: %+v", pt)
		}
	}

	for _, tc := range []struct {
		name string
		f    func(tdaq.Context, *tdaq.Frame, tdaq.Frame) error
	}{
		{"/stop", n.OnStop},
		{"/quit", n.OnQuit},
	} {
		err = tc.f(tctx, &resp, req)
		if err != nil {
			t.Fatalf("could not run %s: %+v", tc.name, err)
		}
	}

	if got, want := n.Controller().Status().State, "idle"; got != want {
		t.Fatalf("invalid state: got=%q, want=%q", got, want)
	}
}

func TestOutputDone(t *testing.T) {
	n := &Node{scans: make(chan []byte)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dst := tdaq.Frame{Body: []byte("stale")}
	err := n.Scans(tdaq.Context{Ctx: ctx}, &dst)
	if err != nil {
		t.Fatalf("could not run output handle: %+v", err)
	}
	if dst.Body != nil {
		t.Fatalf("invalid frame body: %q", dst.Body)
	}
}

func TestFrames(t *testing.T) {
	scan := ScanFrame{
		Seq:      3,
		Progress: 0.75,
		Scan: event.Scan{
			Sweeps: 30,
			Phase:  []float64{1, 2, 3},
			Diode:  []float64{-1, -2, -3},
		},
	}
	raw, err := scan.MarshalTDAQ()
	if err != nil {
		t.Fatalf("could not encode scan frame: %+v", err)
	}
	var got ScanFrame
	err = got.UnmarshalTDAQ(raw)
	if err != nil {
		t.Fatalf("could not decode scan frame: %+v", err)
	}
	if !reflect.DeepEqual(got, scan) {
		t.Fatalf("invalid scan frame:\ngot= %+v\nwant=%+v", got, scan)
	}

	err = got.UnmarshalTDAQ(raw[:len(raw)-4])
	if err == nil {
		t.Fatalf("expected an error for a truncated scan frame")
	}

	pt := PointFrame{
		ID: "evt-1",
		Point: event.HistPoint{
			Time:   time.Date(2020, 5, 1, 12, 0, 0, 0, time.UTC),
			Stamp:  1588334400,
			Pol:    12.5,
			CC:     2,
			Area:   6.25,
			Status: map[string]float64{"temp": 1.2, "current": 80},
		},
	}
	raw, err = pt.MarshalTDAQ()
	if err != nil {
		t.Fatalf("could not encode event frame: %+v", err)
	}
	var gpt PointFrame
	err = gpt.UnmarshalTDAQ(raw)
	if err != nil {
		t.Fatalf("could not decode event frame: %+v", err)
	}
	if !reflect.DeepEqual(gpt, pt) {
		t.Fatalf("invalid event frame:\ngot= %+v\nwant=%+v", gpt, pt)
	}
}

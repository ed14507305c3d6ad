// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-lpc/nmr/config"
	"github.com/go-lpc/nmr/daq"
	"github.com/go-lpc/nmr/event"
	"github.com/go-lpc/nmr/fpga"
	"github.com/go-lpc/nmr/sweep"
)

var discard = log.New(io.Discard, "", 0)

const testConfig = `
settings:
  daq_type: replay
  steps: 4
  num_per_chunk: 5
  tune_per_chunk: 2
  default_channel: proton
  controls:
    sweeps: 10
    cc: 2
  replay:
    file: %s
    seed: 1234
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

func writeEventLog(t *testing.T, dir string, recs ...event.Record) string {
	t.Helper()
	fname := filepath.Join(dir, "events.jsonl")
	f, err := event.OpenLog(fname)
	if err != nil {
		t.Fatalf("could not open event log: %+v", err)
	}
	defer f.Close()

	w := event.NewWriter(f)
	for _, rec := range recs {
		err = w.WriteRecord(context.Background(), rec)
		if err != nil {
			t.Fatalf("could not write record: %+v", err)
		}
	}
	err = f.Close()
	if err != nil {
		t.Fatalf("could not close event log: %+v", err)
	}
	return fname
}

// newTestFile creates a configuration replaying a recorded event.
func newTestFile(t *testing.T) (*config.File, string) {
	t.Helper()
	dir := t.TempDir()
	evtlog := writeEventLog(t, dir,
		event.Record{
			Type:      event.RecordType,
			ID:        "evt-1",
			StopStamp: 1000,
			Phase:     []float64{0.1, 0.2, 0.3, 0.2},
			Diode:     []float64{0.5, 0.5, 0.5, 0.5},
		},
		event.Record{
			Type:      event.RecordType,
			ID:        "evt-2",
			StopStamp: 2000,
			Phase:     []float64{0.1, 0.4, 0.9, 0.4},
			Diode:     []float64{0.5, 0.5, 0.5, 0.5},
		},
	)

	fname := filepath.Join(dir, "nmr.yaml")
	err := os.WriteFile(fname, []byte(fmt.Sprintf(testConfig, filepath.Base(evtlog))), 0644)
	if err != nil {
		t.Fatalf("could not write config file: %+v", err)
	}
	file, err := config.Load(fname)
	if err != nil {
		t.Fatalf("could not load config file: %+v", err)
	}
	return file, evtlog
}

// recorder records the messages dispatched by a controller.
type recorder struct {
	mu   sync.Mutex
	msgs []sweep.Msg
	hook func(m sweep.Msg)
}

func (rec *recorder) publish(m sweep.Msg) {
	rec.mu.Lock()
	rec.msgs = append(rec.msgs, m)
	hook := rec.hook
	rec.mu.Unlock()
	if hook != nil {
		hook(m)
	}
}

func (rec *recorder) runs() []sweep.RunFinished {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var runs []sweep.RunFinished
	for _, m := range rec.msgs {
		if run, ok := m.(sweep.RunFinished); ok {
			runs = append(runs, run)
		}
	}
	return runs
}

func (rec *recorder) chunks() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	n := 0
	for _, m := range rec.msgs {
		if _, ok := m.(sweep.ChunkReady); ok {
			n++
		}
	}
	return n
}

func quick() backoff.BackOff { return &backoff.ZeroBackOff{} }

func newController(t *testing.T, file *config.File, evtlog string, opts ...Option) (*Controller, *recorder) {
	t.Helper()
	rec := new(recorder)
	opts = append([]Option{
		WithLogger(discard),
		WithEventLog(evtlog),
		WithPublisher(rec.publish),
		WithBackoff(quick, 2),
	}, opts...)
	c, err := New(file, opts...)
	if err != nil {
		t.Fatalf("could not create controller: %+v", err)
	}
	return c, rec
}

func TestController(t *testing.T) {
	file, evtlog := newTestFile(t)
	c, rec := newController(t, file, evtlog)

	ctx := context.Background()
	err := c.Connect(ctx)
	if err != nil {
		t.Fatalf("could not connect: %+v", err)
	}

	err = c.Set(config.CtlSweeps, "15")
	if err != nil {
		t.Fatalf("could not set sweeps: %+v", err)
	}
	err = c.Set(config.CtlSweeps, "1")
	if err == nil {
		t.Fatalf("expected an error for an out of range control")
	}

	err = c.Run(ctx)
	if err != nil {
		t.Fatalf("could not start run: %+v", err)
	}
	c.Wait()

	runs := rec.runs()
	if len(runs) != 1 || runs[0].Err != nil || runs[0].Event == nil {
		t.Fatalf("invalid runs: %+v", runs)
	}
	if got, want := runs[0].Event.Sweeps(), 15; got != want {
		t.Fatalf("invalid number of sweeps: got=%d, want=%d", got, want)
	}
	if got, want := rec.chunks(), 3; got != want {
		t.Fatalf("invalid number of chunks: got=%d, want=%d", got, want)
	}
	if got, want := c.History().Len(), 1; got != want {
		t.Fatalf("invalid history: got=%d, want=%d", got, want)
	}

	st := c.Status()
	if st.State != "idle" || st.Channel != "proton" || st.DAQ != "replay" {
		t.Fatalf("invalid status: %+v", st)
	}
	if got, want := st.Controls[config.CtlSweeps], "15"; got != want {
		t.Fatalf("invalid sweeps control: got=%q, want=%q", got, want)
	}
	if st.Last == nil || st.Error != "" {
		t.Fatalf("invalid last event: %+v", st)
	}

	for _, tc := range []struct {
		at    string
		want  []float64
		isErr bool
	}{
		{at: "end", want: []float64{0.1, 0.4, 0.9, 0.4}},
		{at: "1100", want: []float64{0.1, 0.2, 0.3, 0.2}},
		{at: "none"},
		{at: "last", want: runs[0].Event.Scan().Phase},
		{at: "yesterday", isErr: true},
	} {
		t.Run("baseline-"+tc.at, func(t *testing.T) {
			err := c.SetBaseline("", tc.at)
			switch {
			case err != nil && tc.isErr:
				return
			case err != nil:
				t.Fatalf("could not set baseline: %+v", err)
			case tc.isErr:
				t.Fatalf("expected an error")
			}
			base := c.Scheduler().Baseline()
			if tc.want == nil {
				if base != nil {
					t.Fatalf("invalid baseline: %+v", base)
				}
				return
			}
			if base == nil {
				t.Fatalf("missing baseline")
			}
			for i := range tc.want {
				if base.Phase[i] != tc.want[i] {
					t.Fatalf("invalid baseline:\ngot= %v\nwant=%v", base.Phase, tc.want)
				}
			}
		})
	}
}

func TestControllerConnectRetry(t *testing.T) {
	file, evtlog := newTestFile(t)
	err := os.Remove(evtlog)
	if err != nil {
		t.Fatalf("could not remove event log: %+v", err)
	}

	var n int
	c, _ := newController(t, file, evtlog, WithOpener(
		func(cfg *config.Config, opts ...daq.Option) (daq.Session, error) {
			n++
			return daq.Open(cfg, opts...)
		},
	))

	err = c.Connect(context.Background())
	if err == nil {
		t.Fatalf("expected a connection error")
	}
	if got, want := n, 3; got != want {
		t.Fatalf("invalid number of attempts: got=%d, want=%d", got, want)
	}
}

// flaky is a session losing its connection on the first read.
type flaky struct {
	daq.Session
}

func (flaky) ReadChunk(ctx context.Context) (daq.Chunk, error) {
	return daq.Chunk{}, &daq.ConnectionError{Op: "read", Err: io.ErrUnexpectedEOF}
}

func TestControllerReconnect(t *testing.T) {
	file, evtlog := newTestFile(t)

	var (
		mu sync.Mutex
		n  int
	)
	open := func(cfg *config.Config, opts ...daq.Option) (daq.Session, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		sess, err := daq.Open(cfg, opts...)
		if err != nil || n > 1 {
			return sess, err
		}
		return flaky{sess}, nil
	}

	c, rec := newController(t, file, evtlog, WithOpener(open))
	// only the reconnected run folds chunks: stop repeating from there.
	rec.hook = func(m sweep.Msg) {
		if _, ok := m.(sweep.ChunkReady); ok {
			c.SetRepeat(false)
		}
	}
	c.SetRepeat(true)

	err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("could not start run: %+v", err)
	}
	c.Wait()

	runs := rec.runs()
	if len(runs) != 2 {
		t.Fatalf("invalid number of runs: %+v", runs)
	}
	var cerr *daq.ConnectionError
	if !errors.As(runs[0].Err, &cerr) {
		t.Fatalf("invalid first run: %+v", runs[0])
	}
	if runs[1].Err != nil || runs[1].Event == nil {
		t.Fatalf("invalid second run: %+v", runs[1])
	}
	if got := c.Status().Error; got != "" {
		t.Fatalf("invalid status error: %q", got)
	}
}

func TestControllerTune(t *testing.T) {
	file, evtlog := newTestFile(t)
	c, rec := newController(t, file, evtlog)
	rec.hook = func(m sweep.Msg) {
		if _, ok := m.(sweep.ChunkReady); ok && rec.chunks() == 3 {
			c.Abort()
		}
	}

	err := c.SetWindow(4)
	if err != nil {
		t.Fatalf("could not set window: %+v", err)
	}

	err = c.Tune(context.Background())
	if err != nil {
		t.Fatalf("could not start tuning: %+v", err)
	}

	err = c.SetChannel("deuteron")
	if !errors.Is(err, sweep.ErrBusy) {
		t.Fatalf("invalid error: %+v", err)
	}
	err = c.SetDAC(context.Background(), 0.5, fpga.DACBoth)
	if !errors.Is(err, sweep.ErrBusy) {
		t.Fatalf("invalid error: %+v", err)
	}

	c.Wait()
	runs := rec.runs()
	if len(runs) != 1 || !errors.Is(runs[0].Err, sweep.ErrAborted) {
		t.Fatalf("invalid tune result: %+v", runs)
	}
	if scan := c.Scheduler().Tuner().Scan(); scan == nil || scan.Sweeps != 4 {
		t.Fatalf("invalid tuner scan: %+v", scan)
	}
	if got, want := c.History().Len(), 0; got != want {
		t.Fatalf("tuning should not create events (history=%d)", got)
	}
}

func TestControllerChannel(t *testing.T) {
	file, evtlog := newTestFile(t)
	c, _ := newController(t, file, evtlog)

	err := c.Set(config.CtlCC, "-0.5")
	if err != nil {
		t.Fatalf("could not set cc: %+v", err)
	}
	err = c.SetChannel("deuteron")
	if err != nil {
		t.Fatalf("could not select channel: %+v", err)
	}
	cfg := c.Config()
	if got, want := cfg.Channel.Name, "deuteron"; got != want {
		t.Fatalf("invalid channel: got=%q, want=%q", got, want)
	}
	if got, want := cfg.Controls.CC(), -0.5; got != want {
		t.Fatalf("invalid cc: got=%v, want=%v", got, want)
	}
	if got, want := cfg.Freqs.Freqs()[0], 32.7; got >= want {
		t.Fatalf("invalid frequency table: %v", cfg.Freqs.Freqs())
	}

	err = c.SetChannel("helium")
	if err == nil || !strings.Contains(err.Error(), "unknown channel") {
		t.Fatalf("invalid error: %+v", err)
	}

	err = c.SetDAC(context.Background(), 0.5, fpga.DACPhase)
	if err != nil {
		t.Fatalf("could not set DAC: %+v", err)
	}
	err = c.SetDAC(context.Background(), 1.5, fpga.DACPhase)
	if err == nil {
		t.Fatalf("expected an error for an invalid DAC value")
	}
}

func TestServer(t *testing.T) {
	file, evtlog := newTestFile(t)
	c, _ := newController(t, file, evtlog)

	srv, err := NewServer("127.0.0.1:0", c)
	if err != nil {
		t.Fatalf("could not create server: %+v", err)
	}
	srv.SetLogger(discard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() { done <- srv.Serve(ctx) }()

	cli, err := Dial(srv.Addr())
	if err != nil {
		t.Fatalf("could not dial server: %+v", err)
	}
	defer cli.Close()

	for _, tc := range []struct {
		name string
		args any
		err  bool
	}{
		{name: "connect"},
		{name: "set", args: map[string]string{"name": "sweeps", "value": "10"}},
		{name: "set", args: map[string]string{"name": "volume", "value": "11"}, err: true},
		{name: "repeat", args: false},
		{name: "repeat", err: true},
		{name: "window", args: 8},
		{name: "window", args: -1, err: true},
		{name: "dac", args: map[string]any{"value": 0.5, "channel": 1}},
		{name: "baseline", args: map[string]string{"at": "end"}},
		{name: "baseline", args: map[string]string{"at": "none"}},
		{name: "bogus", err: true},
	} {
		err := cli.Send(tc.name, tc.args, nil)
		switch {
		case tc.err && !IsCommandError(err):
			t.Fatalf("%s(%v): expected a command error, got %+v", tc.name, tc.args, err)
		case !tc.err && err != nil:
			t.Fatalf("%s(%v): could not send command: %+v", tc.name, tc.args, err)
		}
	}

	err = cli.Send("run", nil, nil)
	if err != nil {
		t.Fatalf("could not start run: %+v", err)
	}
	c.Wait()

	var st Status
	err = cli.Send("state", nil, &st)
	if err != nil {
		t.Fatalf("could not get state: %+v", err)
	}
	if st.State != "idle" || st.Last == nil || st.Window != 8 {
		t.Fatalf("invalid state: %+v", st)
	}

	var pts []event.HistPoint
	err = cli.Send("history", map[string]float64{"start": 0, "stop": 0}, &pts)
	if err != nil {
		t.Fatalf("could not get history: %+v", err)
	}
	if got, want := len(pts), 1; got != want {
		t.Fatalf("invalid history: got=%d, want=%d", got, want)
	}

	err = cli.Send("channel", "deuteron", nil)
	if err != nil {
		t.Fatalf("could not select channel: %+v", err)
	}
	err = cli.Send("state", nil, &st)
	if err != nil {
		t.Fatalf("could not get state: %+v", err)
	}
	if got, want := st.Channel, "deuteron"; got != want {
		t.Fatalf("invalid channel: got=%q, want=%q", got, want)
	}

	err = cli.Send("quit", nil, nil)
	if err != nil {
		t.Fatalf("could not quit: %+v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("could not serve: %+v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for server")
	}
}

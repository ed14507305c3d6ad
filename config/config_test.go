// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testConfig = `
settings:
  daq_type: fpga
  steps: 4
  num_per_chunk: 64
  default_channel: proton
  event_dir: events
  controls:
    sweeps: 1000
  fpga:
    ip: 127.0.0.1
    port: 1001
    timeout_udp: 0.5
    timeout_run: 20s
    dwell: 10
    per_point: 4
    adc_drate1: true
    phase_cal: 211692085
    diode_cal: 829421
    phase_adc: 2
channels:
  proton:
    species: proton
    cent_freq: 213
    mod_freq: 400
    power: 5
  deuteron:
    species: deuteron
    cent_freq: 32.7
    mod_freq: 200
    sweep_file: deuteron.txt
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "nmr.yaml")
	err := os.WriteFile(fname, []byte(testConfig), 0644)
	if err != nil {
		t.Fatalf("could not write config: %+v", err)
	}
	err = os.WriteFile(filepath.Join(dir, "deuteron.txt"), []byte("# steps\n-3\n-1\n1\n3\n"), 0644)
	if err != nil {
		t.Fatalf("could not write sweep file: %+v", err)
	}

	f, err := Load(fname)
	if err != nil {
		t.Fatalf("could not load config: %+v", err)
	}

	set := f.Settings
	if got, want := set.DAQ, FPGA; got != want {
		t.Fatalf("invalid daq kind: got=%v, want=%v", got, want)
	}
	if got, want := set.FPGA.UDPTimeout.D(), 500*time.Millisecond; got != want {
		t.Fatalf("invalid udp timeout: got=%v, want=%v", got, want)
	}
	if got, want := set.FPGA.RunTimeout.D(), 20*time.Second; got != want {
		t.Fatalf("invalid run timeout: got=%v, want=%v", got, want)
	}
	if got, want := set.FPGA.DACChannel, 3; got != want {
		t.Fatalf("invalid default dac channel: got=%d, want=%d", got, want)
	}
	if got, want := set.EventDir, filepath.Join(dir, "events"); got != want {
		t.Fatalf("invalid event dir: got=%q, want=%q", got, want)
	}
	if got, want := f.ChannelNames(), []string{"deuteron", "proton"}; strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("invalid channels: got=%v, want=%v", got, want)
	}

	cfg, err := f.Config("")
	if err != nil {
		t.Fatalf("could not create config: %+v", err)
	}
	if got, want := cfg.Channel.Name, "proton"; got != want {
		t.Fatalf("invalid default channel: got=%q, want=%q", got, want)
	}
	if got, want := cfg.Controls.Sweeps(), 1000; got != want {
		t.Fatalf("invalid sweeps: got=%d, want=%d", got, want)
	}
	if got, want := cfg.Controls.CC(), -0.08; got != want {
		t.Fatalf("invalid cc: got=%v, want=%v", got, want)
	}
	if got, want := cfg.Freqs.Steps(), []int16{-32768, -10923, 10922, 32767}; !equal16(got, want) {
		t.Fatalf("invalid steps: got=%v, want=%v", got, want)
	}
	if got, want := cfg.Freqs.Freq(0), 213-0.4; math.Abs(got-want) > 1e-12 {
		t.Fatalf("invalid freq: got=%v, want=%v", got, want)
	}

	err = cfg.Controls.SetFloat(CtlCC, 1.25)
	if err != nil {
		t.Fatalf("could not set cc: %+v", err)
	}

	deut, err := cfg.WithChannel(f.Channels["deuteron"])
	if err != nil {
		t.Fatalf("could not switch channel: %+v", err)
	}
	if got, want := deut.Freqs.Steps(), []int16{-3, -1, 1, 3}; !equal16(got, want) {
		t.Fatalf("invalid sweep-file steps: got=%v, want=%v", got, want)
	}
	if got, want := deut.Controls.CC(), 1.25; got != want {
		t.Fatalf("controls not carried over: got=%v, want=%v", got, want)
	}
	if got, want := cfg.Channel.Name, "proton"; got != want {
		t.Fatalf("previous config modified: got=%q, want=%q", got, want)
	}

	err = deut.Controls.SetInt(CtlSweeps, 20)
	if err != nil {
		t.Fatalf("could not set sweeps: %+v", err)
	}
	if got, want := cfg.Controls.Sweeps(), 1000; got != want {
		t.Fatalf("controls are shared: got=%d, want=%d", got, want)
	}
}

func TestDecodeInvalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		old  string
		new  string
		want string
	}{
		{"no-phase-adc", "    phase_adc: 2\n", "", "fpga.phase_adc"},
		{"bad-phase-adc", "phase_adc: 2", "phase_adc: 3", "fpga.phase_adc"},
		{"no-steps", "steps: 4", "steps: 0", "steps"},
		{"no-cal", "diode_cal: 829421", "diode_cal: 0", "fpga.cal"},
		{"bad-sweeps", "sweeps: 1000", "sweeps: 5", "sweeps"},
		{"bad-default", "default_channel: proton", "default_channel: carbon", "default_channel"},
		{"bad-dac", "per_point: 4", "per_point: 4\n    dac: 1.5", "fpga.dac"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			raw := strings.Replace(testConfig, tc.old, tc.new, 1)
			_, err := Decode(strings.NewReader(raw))
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected a validation error, got %+v", err)
			}
			if verr.Name != tc.want {
				t.Fatalf("invalid error name: got=%q, want=%q", verr.Name, tc.want)
			}
		})
	}

	_, err := Decode(strings.NewReader(strings.Replace(testConfig, "daq_type: fpga", "daq_type: gpib", 1)))
	if err == nil {
		t.Fatalf("expected an error for an unknown daq kind")
	}

	_, err = Decode(strings.NewReader(strings.Replace(testConfig, "steps: 4", "steps: 4\n  stepz: 4", 1)))
	if err == nil {
		t.Fatalf("expected an error for an unknown field")
	}
}

func TestSweepFileMismatch(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "steps.txt")
	err := os.WriteFile(fname, []byte("1\n2\n3\n"), 0644)
	if err != nil {
		t.Fatalf("could not write sweep file: %+v", err)
	}

	f, err := Decode(strings.NewReader(testConfig))
	if err != nil {
		t.Fatalf("could not decode config: %+v", err)
	}
	ch := f.Channels["proton"]
	ch.SweepFile = fname
	ctl, err := NewControls(f.Settings.Controls)
	if err != nil {
		t.Fatalf("could not create controls: %+v", err)
	}
	_, err = New(f.Settings, ch, ctl)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected a validation error, got %+v", err)
	}
}

func TestTestFreqs(t *testing.T) {
	f, err := Decode(strings.NewReader(strings.Replace(testConfig, "per_point: 4", "per_point: 4\n    test_freqs: true", 1)))
	if err != nil {
		t.Fatalf("could not decode config: %+v", err)
	}
	cfg, err := f.Config("proton")
	if err != nil {
		t.Fatalf("could not create config: %+v", err)
	}
	if got, want := cfg.Freqs.Steps(), []int16{-4, -3, -2, -1}; !equal16(got, want) {
		t.Fatalf("invalid test steps: got=%v, want=%v", got, want)
	}
}

func TestEvenTable(t *testing.T) {
	for _, n := range []int{1, 2, 3, 500, 1000, 65536} {
		steps := EvenTable(n)
		if len(steps) != n {
			t.Fatalf("n=%d: invalid length %d", n, len(steps))
		}
		if steps[0] != math.MinInt16 {
			t.Fatalf("n=%d: invalid first step %d", n, steps[0])
		}
		if n > 1 && steps[n-1] != math.MaxInt16 {
			t.Fatalf("n=%d: invalid last step %d", n, steps[n-1])
		}
		for i := 1; i < n; i++ {
			if steps[i] < steps[i-1] {
				t.Fatalf("n=%d: steps not sorted at %d", n, i)
			}
		}
	}
}

func TestParseKind(t *testing.T) {
	for _, tc := range []struct {
		name string
		want Kind
	}{
		{"fpga", FPGA},
		{"FPGA", FPGA},
		{"nidaq", Cumulative},
		{"cumulative", Cumulative},
		{"test", Replay},
		{"replay", Replay},
	} {
		got, err := ParseKind(tc.name)
		if err != nil {
			t.Fatalf("could not parse %q: %+v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("invalid kind for %q: got=%v, want=%v", tc.name, got, tc.want)
		}
	}
}

func equal16(a, b []int16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fpga

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestADCWord(t *testing.T) {
	for _, tc := range []struct {
		adc  ADCConfig
		want uint16
	}{
		{ADCConfig{}, 0},
		{ADCConfig{TestMode: true}, 0x8000},
		{ADCConfig{FPath: true}, 0b001001},
		{ADCConfig{DRate0: true}, 0b010010},
		{ADCConfig{DRate1: true}, 0b100100},
		{ADCConfig{DRate1: true, FPath: true}, 0x2d},
		{ADCConfig{TestMode: true, DRate1: true, DRate0: true, FPath: true}, 0x803f},
	} {
		got := tc.adc.Word()
		if got != tc.want {
			t.Fatalf("invalid word for %+v: got=0b%016b, want=0b%016b", tc.adc, got, tc.want)
		}
		if back := adcFrom(got); back != tc.adc {
			t.Fatalf("invalid round-trip: got=%+v, want=%+v", back, tc.adc)
		}
	}
}

func TestEncodeRegisters(t *testing.T) {
	regs := Registers{
		Dwell:    10,
		PerPoint: 4,
		Sweeps:   640,
		PerChunk: 64,
		Tune:     8,
		ADC:      ADCConfig{DRate1: true, FPath: true},
		DAC:      0x8000,
		DACChan:  DACBoth,
	}

	for _, tc := range []struct {
		name string
		tune bool
		want []byte
	}{
		{
			name: "run",
			want: []byte{
				0x11, 0x00, 0x02,
				0x0a, 0x00, 0x04, 0x00, 0x80, 0x02, 0x40, 0x00,
				0x2d, 0x00, 0x00, 0x80, 0x03, 0x00,
			},
		},
		{
			name: "tune",
			tune: true,
			want: []byte{
				0x11, 0x00, 0x02,
				0x0a, 0x00, 0x04, 0x00, 0x08, 0x00, 0x08, 0x00,
				0x2d, 0x00, 0x00, 0x80, 0x03, 0x00,
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			err := NewEncoder(buf).EncodeRegisters(regs, tc.tune)
			if err != nil {
				t.Fatalf("could not encode registers: %+v", err)
			}
			if got := buf.Bytes(); !bytes.Equal(got, tc.want) {
				t.Fatalf("invalid frame:\ngot= % x\nwant=% x", got, tc.want)
			}

			got, err := DecodeRegisters(buf.Bytes())
			if err != nil {
				t.Fatalf("could not decode registers: %+v", err)
			}
			want := regs
			want.Tune = 0
			if tc.tune {
				want.Sweeps = regs.Tune
				want.PerChunk = regs.Tune
			}
			if got != want {
				t.Fatalf("invalid round-trip:\ngot= %+v\nwant=%+v", got, want)
			}
		})
	}
}

func TestDACValue(t *testing.T) {
	for _, tc := range []struct {
		frac float64
		want uint16
		err  bool
	}{
		{frac: 0, want: 0},
		{frac: 0.5, want: 32767},
		{frac: 1, want: 65535},
		{frac: -0.1, err: true},
		{frac: 1.1, err: true},
	} {
		got, err := DACValue(tc.frac)
		switch {
		case tc.err && err == nil:
			t.Fatalf("frac=%v: expected an error", tc.frac)
		case !tc.err && err != nil:
			t.Fatalf("frac=%v: could not convert: %+v", tc.frac, err)
		}
		if got != tc.want {
			t.Fatalf("frac=%v: got=%d, want=%d", tc.frac, got, tc.want)
		}
	}
}

func TestFreqTableRoundTrip(t *testing.T) {
	steps := make([]int16, 0, 1<<16)
	for v := math.MinInt16; v <= math.MaxInt16; v++ {
		steps = append(steps, int16(v))
	}

	// the full range does not fit in a single frame.
	const n = 4096
	for beg := 0; beg < len(steps); beg += n {
		want := steps[beg : beg+n]
		buf := new(bytes.Buffer)
		err := NewEncoder(buf).EncodeFreqTable(want)
		if err != nil {
			t.Fatalf("could not encode frequency table: %+v", err)
		}
		raw := buf.Bytes()
		if got, want := len(raw), 2*n+3; got != want {
			t.Fatalf("invalid frame size: got=%d, want=%d", got, want)
		}
		if raw[2] != byte(CmdSetFreq) {
			t.Fatalf("invalid command byte 0x%02x", raw[2])
		}

		got, err := DecodeFreqTable(raw)
		if err != nil {
			t.Fatalf("could not decode frequency table: %+v", err)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("invalid round-trip for %d: got=%d", want[i], got[i])
			}
		}
	}
}

func TestFreqTableLayout(t *testing.T) {
	buf := new(bytes.Buffer)
	err := NewEncoder(buf).EncodeFreqTable([]int16{-32768, -1, 0, 1, 32767})
	if err != nil {
		t.Fatalf("could not encode frequency table: %+v", err)
	}
	want := []byte{
		0x0d, 0x00, 0x04,
		0x00, 0x80, 0xff, 0xff, 0x00, 0x00, 0x01, 0x00, 0xff, 0x7f,
	}
	if got := buf.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("invalid frame:\ngot= % x\nwant=% x", got, want)
	}
}

func TestEncodeCommand(t *testing.T) {
	for _, cmd := range []Command{CmdReadStat, CmdReadFreq, CmdActSweep, CmdIntSweep} {
		t.Run(cmd.String(), func(t *testing.T) {
			buf := new(bytes.Buffer)
			err := NewEncoder(buf).EncodeCommand(cmd)
			if err != nil {
				t.Fatalf("could not encode command: %+v", err)
			}
			want := make([]byte, cmdFrameSize)
			want[0] = 0x0f
			want[2] = byte(cmd)
			if got := buf.Bytes(); !bytes.Equal(got, want) {
				t.Fatalf("invalid frame:\ngot= % x\nwant=% x", got, want)
			}
			got, err := CommandOf(buf.Bytes())
			if err != nil {
				t.Fatalf("could not decode command: %+v", err)
			}
			if got != cmd {
				t.Fatalf("invalid command: got=%v, want=%v", got, cmd)
			}
		})
	}
}

type failWriter struct{}

func (failWriter) Write(p []byte) (int, error) { return 0, errors.New("boom") }

func TestEncoderStickyError(t *testing.T) {
	enc := NewEncoder(failWriter{})
	err := enc.EncodeCommand(CmdActSweep)
	if err == nil {
		t.Fatalf("expected an error")
	}
	err = enc.EncodeFreqTable([]int16{1, 2})
	if err == nil {
		t.Fatalf("expected a sticky error")
	}
}

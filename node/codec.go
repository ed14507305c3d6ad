// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package node

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-lpc/nmr/event"
)

// ScanFrame is the payload of a /scans output frame.
type ScanFrame struct {
	Seq      uint32
	Progress float64
	Scan     event.Scan
}

// MarshalTDAQ encodes the frame with the TDAQ binary codec.
func (f ScanFrame) MarshalTDAQ() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := tdaq.NewEncoder(buf)
	enc.WriteU32(f.Seq)
	enc.WriteF64(f.Progress)
	enc.WriteU32(uint32(f.Scan.Sweeps))
	writeF64s(enc, f.Scan.Phase)
	writeF64s(enc, f.Scan.Diode)
	if err := enc.Err(); err != nil {
		return nil, fmt.Errorf("node: could not encode scan frame: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalTDAQ decodes the frame from the TDAQ binary codec.
func (f *ScanFrame) UnmarshalTDAQ(p []byte) error {
	dec := tdaq.NewDecoder(bytes.NewReader(p))
	f.Seq = dec.ReadU32()
	f.Progress = dec.ReadF64()
	f.Scan.Sweeps = int(dec.ReadU32())
	phase, err := readF64s(dec)
	if err != nil {
		return fmt.Errorf("node: could not decode scan frame phase: %w", err)
	}
	diode, err := readF64s(dec)
	if err != nil {
		return fmt.Errorf("node: could not decode scan frame diode: %w", err)
	}
	if len(phase) != len(diode) {
		return fmt.Errorf("node: invalid scan frame (phase=%d, diode=%d)", len(phase), len(diode))
	}
	f.Scan.Phase = phase
	f.Scan.Diode = diode
	return nil
}

// PointFrame is the payload of an /events output frame.
type PointFrame struct {
	ID    string
	Point event.HistPoint
}

// MarshalTDAQ encodes the frame with the TDAQ binary codec.
func (f PointFrame) MarshalTDAQ() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := tdaq.NewEncoder(buf)
	enc.WriteStr(f.ID)
	enc.WriteI64(f.Point.Time.UnixNano())
	enc.WriteF64(f.Point.Stamp)
	enc.WriteF64(f.Point.Pol)
	enc.WriteF64(f.Point.CC)
	enc.WriteF64(f.Point.Area)

	keys := make([]string, 0, len(f.Point.Status))
	for k := range f.Point.Status {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	enc.WriteU32(uint32(len(keys)))
	for _, k := range keys {
		enc.WriteStr(k)
		enc.WriteF64(f.Point.Status[k])
	}
	if err := enc.Err(); err != nil {
		return nil, fmt.Errorf("node: could not encode event frame: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalTDAQ decodes the frame from the TDAQ binary codec.
func (f *PointFrame) UnmarshalTDAQ(p []byte) error {
	dec := tdaq.NewDecoder(bytes.NewReader(p))
	f.ID = dec.ReadStr()
	f.Point.Time = time.Unix(0, dec.ReadI64()).UTC()
	f.Point.Stamp = dec.ReadF64()
	f.Point.Pol = dec.ReadF64()
	f.Point.CC = dec.ReadF64()
	f.Point.Area = dec.ReadF64()
	f.Point.Status = nil
	if n := int(dec.ReadU32()); n > 0 && dec.Err() == nil {
		f.Point.Status = make(map[string]float64, n)
		for i := 0; i < n; i++ {
			k := dec.ReadStr()
			f.Point.Status[k] = dec.ReadF64()
		}
	}
	if err := dec.Err(); err != nil {
		return fmt.Errorf("node: could not decode event frame: %w", err)
	}
	return nil
}

func writeF64s(enc *tdaq.Encoder, vs []float64) {
	enc.WriteU32(uint32(len(vs)))
	for _, v := range vs {
		enc.WriteF64(v)
	}
}

func readF64s(dec *tdaq.Decoder) ([]float64, error) {
	n := dec.ReadU32()
	if err := dec.Err(); err != nil {
		return nil, err
	}
	if n > math.MaxUint16 {
		return nil, fmt.Errorf("invalid number of steps %d", n)
	}
	vs := make([]float64, n)
	for i := range vs {
		vs[i] = dec.ReadF64()
	}
	return vs, dec.Err()
}

// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fpga

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Encoder writes FPGA frames to an output stream.
// Each frame is written with a single call to the underlying writer,
// so an Encoder may be used on top of a datagram connection.
type Encoder struct {
	w   io.Writer
	buf []byte
	err error
}

// NewEncoder returns a new Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w:   w,
		buf: make([]byte, 0, 64),
	}
}

// EncodeRegisters writes a register set frame.
// In tune mode, both the sweep count and the chunk size are replaced
// by the tune chunk size.
func (enc *Encoder) EncodeRegisters(regs Registers, tune bool) error {
	sweeps, chunk := regs.Sweeps, regs.PerChunk
	if tune {
		sweeps, chunk = regs.Tune, regs.Tune
	}

	enc.reset()
	enc.writeU16(regFrameSize)
	enc.writeU8(uint8(CmdSetRegister))
	enc.writeU16(regs.Dwell)
	enc.writeU16(regs.PerPoint)
	enc.writeU16(sweeps)
	enc.writeU16(chunk)
	enc.writeU16(regs.ADC.Word())
	enc.writeU16(regs.DAC)
	enc.writeU16(uint16(regs.DACChan))
	enc.flush()

	if enc.err != nil {
		return fmt.Errorf("fpga: could not write register set: %w", enc.err)
	}
	return nil
}

// EncodeFreqTable writes a frequency table frame.
func (enc *Encoder) EncodeFreqTable(steps []int16) error {
	n := 2*len(steps) + 3
	if n > math.MaxUint16 {
		return fmt.Errorf("fpga: frequency table too large (steps=%d)", len(steps))
	}

	enc.reset()
	enc.writeU16(uint16(n))
	enc.writeU8(uint8(CmdSetFreq))
	for _, v := range steps {
		enc.writeU16(uint16(v))
	}
	enc.flush()

	if enc.err != nil {
		return fmt.Errorf("fpga: could not write frequency table: %w", enc.err)
	}
	return nil
}

// EncodeCommand writes a control command frame.
func (enc *Encoder) EncodeCommand(cmd Command) error {
	enc.reset()
	enc.writeU16(cmdFrameSize)
	enc.writeU8(uint8(cmd))
	for i := 3; i < cmdFrameSize; i++ {
		enc.writeU8(0)
	}
	enc.flush()

	if enc.err != nil {
		return fmt.Errorf("fpga: could not write %v command: %w", cmd, enc.err)
	}
	return nil
}

// RawChunk is a chunk of summed ADC counts, as produced by the FPGA.
type RawChunk struct {
	Seq    uint16
	Sweeps uint16
	Phase  []int64
	Diode  []int64
}

// EncodeChunk writes a chunk in the stream format.
// lead is the sentinel of the sub-stream written first.
func (enc *Encoder) EncodeChunk(raw RawChunk, m SpeciesMap, lead byte) error {
	if !m.valid() {
		return fmt.Errorf("fpga: invalid species map %d", m)
	}
	if len(raw.Phase) != len(raw.Diode) {
		return fmt.Errorf(
			"fpga: phase/diode length mismatch (phase=%d, diode=%d)",
			len(raw.Phase), len(raw.Diode),
		)
	}
	first, ok := m.species(lead)
	if !ok {
		return fmt.Errorf("fpga: invalid lead sentinel 0x%02x", lead)
	}
	order := []Species{first, 1 - first}

	enc.reset()
	for i := 0; i < hdrMarkN; i++ {
		enc.writeU8(hdrMarker)
	}
	enc.writeU16(raw.Seq)
	enc.writeU16(raw.Sweeps)
	for _, sp := range order {
		vs := raw.Phase
		if sp == Diode {
			vs = raw.Diode
		}
		enc.writeU8(m.sentinel(sp))
		for _, v := range vs {
			enc.writeI40(v)
		}
	}
	enc.flush()

	if enc.err != nil {
		return fmt.Errorf("fpga: could not write chunk %d: %w", raw.Seq, enc.err)
	}
	return nil
}

// Counts converts voltages into the summed ADC counts of a chunk
// made of the given number of sweeps.
func Counts(vs []float64, sweeps int, cal float64) []int64 {
	out := make([]int64, len(vs))
	for i, v := range vs {
		out[i] = int64(math.Round(v * float64(2*sweeps) * cal))
	}
	return out
}

func (enc *Encoder) reset() {
	enc.buf = enc.buf[:0]
}

func (enc *Encoder) flush() {
	if enc.err != nil {
		return
	}
	_, enc.err = enc.w.Write(enc.buf)
}

func (enc *Encoder) writeU8(v uint8) {
	enc.buf = append(enc.buf, v)
}

func (enc *Encoder) writeU16(v uint16) {
	enc.buf = binary.LittleEndian.AppendUint16(enc.buf, v)
}

func (enc *Encoder) writeI40(v int64) {
	u := uint64(v)
	enc.buf = append(enc.buf,
		byte(u), byte(u>>8), byte(u>>16), byte(u>>24), byte(u>>32),
	)
}

// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fpga

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/xerrors"
)

// CommandOf returns the command carried by a configuration or control frame.
func CommandOf(p []byte) (Command, error) {
	if len(p) < 3 {
		return 0, framingErrorf("frame too short (len=%d)", len(p))
	}
	n := int(binary.LittleEndian.Uint16(p))
	if n != len(p) {
		return 0, framingErrorf(
			"invalid frame byte count (hdr=%d, len=%d)", n, len(p),
		)
	}
	return Command(p[2]), nil
}

// IsAck returns whether p is the FPGA acknowledgement.
func IsAck(p []byte) bool {
	return bytes.Equal(p, Ack)
}

// DecodeRegisters decodes a register set frame.
// The sweep and chunk fields are returned as sent on the wire.
func DecodeRegisters(p []byte) (Registers, error) {
	var regs Registers
	cmd, err := CommandOf(p)
	if err != nil {
		return regs, xerrors.Errorf("fpga: could not decode register set: %w", err)
	}
	if cmd != CmdSetRegister || len(p) != regFrameSize {
		return regs, framingErrorf("invalid register set frame (cmd=%v, len=%d)", cmd, len(p))
	}

	u16 := func(i int) uint16 { return binary.LittleEndian.Uint16(p[3+2*i:]) }
	regs.Dwell = u16(0)
	regs.PerPoint = u16(1)
	regs.Sweeps = u16(2)
	regs.PerChunk = u16(3)
	regs.ADC = adcFrom(u16(4))
	regs.DAC = u16(5)
	regs.DACChan = DACChannel(u16(6))
	return regs, nil
}

// DecodeFreqTable decodes a frequency table frame.
func DecodeFreqTable(p []byte) ([]int16, error) {
	cmd, err := CommandOf(p)
	if err != nil {
		return nil, xerrors.Errorf("fpga: could not decode frequency table: %w", err)
	}
	if cmd != CmdSetFreq || (len(p)-3)%2 != 0 {
		return nil, framingErrorf("invalid frequency table frame (cmd=%v, len=%d)", cmd, len(p))
	}

	steps := make([]int16, (len(p)-3)/2)
	for i := range steps {
		steps[i] = int16(binary.LittleEndian.Uint16(p[3+2*i:]))
	}
	return steps, nil
}

// DecodeFreqReply decodes the reply to a read-freq command: a frequency
// table frame, padded with zeros up to FreqReplySize.
func DecodeFreqReply(p []byte) ([]int16, error) {
	if len(p) < 3 {
		return nil, framingErrorf("read-freq reply too short (len=%d)", len(p))
	}
	n := int(binary.LittleEndian.Uint16(p))
	if n < 3 || n > len(p) {
		return nil, framingErrorf("invalid read-freq reply byte count (hdr=%d, len=%d)", n, len(p))
	}
	return DecodeFreqTable(p[:n])
}

// DecodeSamples decodes a species payload of 5-byte little-endian signed
// sums of ADC counts into volts, given the number of sweeps summed in the
// payload and the counts per volt.
// Each sweep is made of an up and a down leg, hence sums are divided by 2*sweeps.
func DecodeSamples(raw []byte, sweeps int, cal float64) ([]float64, error) {
	if len(raw)%SampleSize != 0 {
		return nil, framingErrorf(
			"sample payload not a multiple of %d bytes (len=%d)",
			SampleSize, len(raw),
		)
	}
	if cal == 0 {
		return nil, xerrors.Errorf("fpga: invalid null calibration constant")
	}

	out := make([]float64, len(raw)/SampleSize)
	if sweeps == 0 {
		return out, nil
	}

	norm := float64(2*sweeps) * cal
	for i := range out {
		out[i] = float64(int40(raw[i*SampleSize:])) / norm
	}
	return out, nil
}

// int40 decodes a little-endian two's complement 40-bit integer.
func int40(p []byte) int64 {
	_ = p[4] // bounds check hint to compiler; see golang.org/issue/14808
	u := uint64(p[0]) | uint64(p[1])<<8 | uint64(p[2])<<16 |
		uint64(p[3])<<24 | uint64(p[4])<<32
	return int64(u<<24) >> 24
}

// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fpga

import (
	"bufio"
	"fmt"
	"io"

	"golang.org/x/xerrors"
)

// State is the state of a chunk assembler.
type State uint8

const (
	AwaitingHeader State = iota
	ReadingUntagged
	ReadingPhase
	ReadingDiode
	ChunkComplete
)

func (st State) String() string {
	switch st {
	case AwaitingHeader:
		return "awaiting-header"
	case ReadingUntagged:
		return "reading-untagged"
	case ReadingPhase:
		return "reading-phase"
	case ReadingDiode:
		return "reading-diode"
	case ChunkComplete:
		return "chunk-complete"
	}
	return fmt.Sprintf("State(%d)", uint8(st))
}

// Assembler reassembles chunks from the FPGA byte stream.
//
// A chunk starts with a header (5 marker bytes, a 2-byte sequence number and
// a 2-byte sweep count), followed by the two species sub-streams, each one
// introduced by its sentinel byte and made of exactly steps*5 bytes.
// Bytes found between sub-streams that are not sentinels are skipped.
type Assembler struct {
	r     *bufio.Reader
	steps int
	smap  SpeciesMap
	cal   Calibration

	state   State
	hdr     [hdrSize]byte
	buf     [2][]byte
	full    [2]bool
	skipped int
}

// NewAssembler returns an assembler reading chunks of steps samples from r.
// The species map is mandatory.
func NewAssembler(r io.Reader, steps int, m SpeciesMap, cal Calibration) (*Assembler, error) {
	if steps <= 0 {
		return nil, fmt.Errorf("fpga: invalid number of steps %d", steps)
	}
	if !m.valid() {
		return nil, fmt.Errorf("fpga: invalid species map %d", m)
	}
	if cal.Phase == 0 || cal.Diode == 0 {
		return nil, fmt.Errorf("fpga: invalid calibration %+v", cal)
	}

	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}

	asm := &Assembler{
		r:     br,
		steps: steps,
		smap:  m,
		cal:   cal,
		state: AwaitingHeader,
	}
	for i := range asm.buf {
		asm.buf[i] = make([]byte, steps*SampleSize)
	}
	return asm, nil
}

// State returns the current state of the assembler.
func (asm *Assembler) State() State { return asm.state }

// Skipped returns the number of non-sentinel bytes skipped while
// assembling the last chunk.
func (asm *Assembler) Skipped() int { return asm.skipped }

// Next reads the next complete chunk from the stream.
// Next does not check the continuity of sequence numbers.
func (asm *Assembler) Next() (Chunk, error) {
	asm.state = AwaitingHeader
	asm.full = [2]bool{}
	asm.skipped = 0

	_, err := io.ReadFull(asm.r, asm.hdr[:])
	if err != nil {
		return Chunk{}, xerrors.Errorf("fpga: could not read chunk header: %w", err)
	}
	for _, b := range asm.hdr[:hdrMarkN] {
		if b != hdrMarker {
			return Chunk{}, framingErrorf("invalid chunk header marker %x", asm.hdr[:hdrMarkN])
		}
	}
	var (
		seq    = uint16(asm.hdr[5]) | uint16(asm.hdr[6])<<8
		sweeps = uint16(asm.hdr[7]) | uint16(asm.hdr[8])<<8
	)

	asm.state = ReadingUntagged
	for !(asm.full[Phase] && asm.full[Diode]) {
		switch asm.state {
		case ReadingUntagged:
			b, err := asm.r.ReadByte()
			if err != nil {
				return Chunk{}, xerrors.Errorf("fpga: could not read sentinel (chunk=%d): %w", seq, err)
			}
			sp, ok := asm.smap.species(b)
			if !ok {
				asm.skipped++
				continue
			}
			if asm.full[sp] {
				return Chunk{}, framingErrorf(
					"sentinel 0x%02x for already filled %v payload (chunk=%d)",
					b, sp, seq,
				)
			}
			asm.state = stateOf(sp)

		case ReadingPhase, ReadingDiode:
			sp := speciesOf(asm.state)
			_, err := io.ReadFull(asm.r, asm.buf[sp])
			if err != nil {
				return Chunk{}, xerrors.Errorf(
					"fpga: could not read %v payload (chunk=%d): %w", sp, seq, err,
				)
			}
			asm.full[sp] = true
			asm.state = ReadingUntagged
		}
	}
	asm.state = ChunkComplete

	chunk := Chunk{Seq: seq, Sweeps: sweeps}
	chunk.Phase, err = DecodeSamples(asm.buf[Phase], int(sweeps), asm.cal.of(Phase))
	if err != nil {
		return chunk, xerrors.Errorf("fpga: could not decode phase (chunk=%d): %w", seq, err)
	}
	chunk.Diode, err = DecodeSamples(asm.buf[Diode], int(sweeps), asm.cal.of(Diode))
	if err != nil {
		return chunk, xerrors.Errorf("fpga: could not decode diode (chunk=%d): %w", seq, err)
	}
	return chunk, nil
}

func stateOf(sp Species) State {
	if sp == Diode {
		return ReadingDiode
	}
	return ReadingPhase
}

func speciesOf(st State) Species {
	if st == ReadingDiode {
		return Diode
	}
	return Phase
}

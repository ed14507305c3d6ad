// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fpga implements the wire protocol of the NMR sweep FPGA.
//
// The FPGA is configured with fixed-size little-endian frames sent over UDP,
// each of them acknowledged by a 3-byte reply.
// Sweep data is sent back over a TCP stream as chunks: a header followed by
// two interleaved sub-streams (phase and diode) tagged by sentinel bytes.
package fpga // import "github.com/go-lpc/nmr/fpga"

import (
	"fmt"
)

// Command identifies a configuration or control frame.
type Command uint8

const (
	CmdReadStat    Command = 0x01 // read status register
	CmdSetRegister Command = 0x02 // write register set
	CmdReadFreq    Command = 0x03 // read back frequency table
	CmdSetFreq     Command = 0x04 // write frequency table
	CmdActSweep    Command = 0x05 // activate sweeps
	CmdIntSweep    Command = 0x06 // interrupt sweeps
)

func (cmd Command) String() string {
	switch cmd {
	case CmdReadStat:
		return "read-stat"
	case CmdSetRegister:
		return "set-register"
	case CmdReadFreq:
		return "read-freq"
	case CmdSetFreq:
		return "set-freq"
	case CmdActSweep:
		return "act-sweep"
	case CmdIntSweep:
		return "int-sweep"
	}
	return fmt.Sprintf("Command(0x%02x)", uint8(cmd))
}

const (
	regFrameSize = 17 // size of a register set frame
	cmdFrameSize = 15 // size of a control command frame

	StatReplySize = 1024 // size of the read-stat reply
	FreqReplySize = 1028 // size of the read-freq reply

	SampleSize = 5 // size of an ADC sample in the chunk stream

	SentinelA = 0xaa // start of the first species sub-stream
	SentinelB = 0xbb // start of the second species sub-stream

	hdrMarker = 0xff // chunk header marker byte
	hdrMarkN  = 5    // number of header marker bytes
	hdrSize   = hdrMarkN + 2 + 2
)

// Ack is the acknowledgement sent back by the FPGA for each
// configuration or control frame.
var Ack = []byte{0x03, 0x00, 0xfa}

// DACChannel selects the DAC output(s) a DAC value applies to.
type DACChannel uint16

const (
	DACPhase DACChannel = 1
	DACDiode DACChannel = 2
	DACBoth  DACChannel = 3
)

// ADCConfig holds the ADC settings packed in the register set.
// The same rate and filter path apply to both ADCs.
type ADCConfig struct {
	TestMode bool
	DRate1   bool
	DRate0   bool
	FPath    bool
}

// Word packs the ADC configuration bits, most significant first:
//
//	test-mode, reset, 7 unused bits, rf-off,
//	drate1, drate0, fpath (ADC-2), drate1, drate0, fpath (ADC-1).
func (adc ADCConfig) Word() uint16 {
	var w uint16
	if adc.TestMode {
		w |= 1 << 15
	}
	// reset (bit 14) and rf-off (bit 6) are always cleared.
	for _, shift := range []uint{3, 0} {
		if adc.DRate1 {
			w |= 1 << (shift + 2)
		}
		if adc.DRate0 {
			w |= 1 << (shift + 1)
		}
		if adc.FPath {
			w |= 1 << shift
		}
	}
	return w
}

func adcFrom(w uint16) ADCConfig {
	return ADCConfig{
		TestMode: w&(1<<15) != 0,
		DRate1:   w&(1<<2) != 0,
		DRate0:   w&(1<<1) != 0,
		FPath:    w&(1<<0) != 0,
	}
}

// Registers is the content of a register set frame.
type Registers struct {
	Dwell    uint16 // dwell time per point
	PerPoint uint16 // number of ADC reads per point
	Sweeps   uint16 // total number of sweeps
	PerChunk uint16 // number of sweeps per chunk
	Tune     uint16 // number of sweeps per chunk in tune mode
	ADC      ADCConfig
	DAC      uint16
	DACChan  DACChannel
}

// DACValue converts a fraction of the DAC full scale into a register value.
func DACValue(frac float64) (uint16, error) {
	if frac < 0 || frac > 1 {
		return 0, fmt.Errorf("fpga: invalid DAC fraction %v (not in [0,1])", frac)
	}
	return uint16(frac * 65535), nil
}

// SpeciesMap describes which species is carried by the sub-stream
// tagged with SentinelA.
// The zero value is invalid: the mapping depends on how the ADCs are cabled.
type SpeciesMap uint8

const (
	PhaseFirst SpeciesMap = 1 // SentinelA tags phase, SentinelB tags diode
	DiodeFirst SpeciesMap = 2 // SentinelA tags diode, SentinelB tags phase
)

// SpeciesMapFrom returns the species mapping for the ADC number
// (1 or 2) the phase signal is cabled to.
func SpeciesMapFrom(phaseADC int) (SpeciesMap, error) {
	switch phaseADC {
	case 1:
		return PhaseFirst, nil
	case 2:
		return DiodeFirst, nil
	}
	return 0, fmt.Errorf("fpga: invalid phase ADC number %d", phaseADC)
}

func (m SpeciesMap) valid() bool {
	return m == PhaseFirst || m == DiodeFirst
}

// species returns the species tagged by the sentinel byte b.
func (m SpeciesMap) species(b byte) (Species, bool) {
	switch b {
	case SentinelA:
		if m == PhaseFirst {
			return Phase, true
		}
		return Diode, true
	case SentinelB:
		if m == PhaseFirst {
			return Diode, true
		}
		return Phase, true
	}
	return 0, false
}

// sentinel returns the sentinel byte tagging species sp.
func (m SpeciesMap) sentinel(sp Species) byte {
	if (sp == Phase) == (m == PhaseFirst) {
		return SentinelA
	}
	return SentinelB
}

// Species is one of the two signals carried by a chunk.
type Species uint8

const (
	Phase Species = iota
	Diode
)

func (sp Species) String() string {
	switch sp {
	case Phase:
		return "phase"
	case Diode:
		return "diode"
	}
	return fmt.Sprintf("Species(%d)", uint8(sp))
}

// Calibration holds the ADC counts per volt of each species.
type Calibration struct {
	Phase float64 `yaml:"phase"`
	Diode float64 `yaml:"diode"`
}

func (cal Calibration) of(sp Species) float64 {
	if sp == Diode {
		return cal.Diode
	}
	return cal.Phase
}

// Chunk is a decoded chunk of sweeps.
type Chunk struct {
	Seq    uint16    // chunk sequence number
	Sweeps uint16    // number of sweeps summed in this chunk
	Phase  []float64 // phase signal, in volts
	Diode  []float64 // diode signal, in volts
}

// FramingError is returned when a frame or the chunk stream does
// not have the expected layout.
type FramingError struct {
	Msg string
}

func (e *FramingError) Error() string {
	return "fpga: framing error: " + e.Msg
}

func framingErrorf(format string, args ...any) error {
	return &FramingError{Msg: fmt.Sprintf(format, args...)}
}

// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config holds the configuration of the NMR DAQ:
// channels, global settings, operator controls and frequency tables.
package config // import "github.com/go-lpc/nmr/config"

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind is the kind of acquisition backend.
type Kind uint8

const (
	FPGA       Kind = iota + 1 // chunked FPGA over UDP+TCP
	Cumulative                 // multiplexed analog I/O, cumulative sweeps
	Replay                     // replay of a recorded event
)

func (k Kind) String() string {
	switch k {
	case FPGA:
		return "fpga"
	case Cumulative:
		return "cumulative"
	case Replay:
		return "replay"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind parses the name of an acquisition backend.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "fpga":
		return FPGA, nil
	case "cumulative", "nidaq":
		return Cumulative, nil
	case "replay", "test":
		return Replay, nil
	}
	return 0, fmt.Errorf("config: unknown DAQ kind %q", name)
}

func (k *Kind) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseKind(node.Value)
	if err != nil {
		return err
	}
	*k = v
	return nil
}

func (k Kind) MarshalYAML() (interface{}, error) {
	return k.String(), nil
}

// Channel describes one NMR channel (coil and frequency range).
type Channel struct {
	Name      string  `yaml:"name"`
	Species   string  `yaml:"species"`
	CentFreq  float64 `yaml:"cent_freq"` // center frequency, in MHz
	ModFreq   float64 `yaml:"mod_freq"`  // modulation amplitude, in kHz
	Power     float64 `yaml:"power"`     // RF power, in dBm
	SweepFile string  `yaml:"sweep_file"`
}

// Settings holds the global settings of the DAQ.
type Settings struct {
	DAQ          Kind   `yaml:"daq_type"`
	Steps        int    `yaml:"steps"`
	PerChunk     int    `yaml:"num_per_chunk"`
	TunePerChunk int    `yaml:"tune_per_chunk"`
	Channel      string `yaml:"default_channel"`
	EventDir     string `yaml:"event_dir"`

	Controls   Defaults           `yaml:"controls"`
	FPGA       FPGASettings       `yaml:"fpga"`
	Cumulative CumulativeSettings `yaml:"cumulative"`
	Replay     ReplaySettings     `yaml:"replay"`
	Status     StatusSettings     `yaml:"status"`
}

// Defaults holds the initial values of the operator controls.
type Defaults struct {
	Sweeps int     `yaml:"sweeps"`
	CC     float64 `yaml:"cc"`
}

// FPGASettings configures the chunked FPGA backend.
type FPGASettings struct {
	IP         string   `yaml:"ip"`
	Port       int      `yaml:"port"`
	UDPTimeout Duration `yaml:"timeout_udp"`
	RunTimeout Duration `yaml:"timeout_run"`
	TCPBuffer  int      `yaml:"tcp_buffer"`

	Dwell    uint16 `yaml:"dwell"`
	PerPoint uint16 `yaml:"per_point"`

	ADCTest   bool `yaml:"adc_test"`
	ADCDRate1 bool `yaml:"adc_drate1"`
	ADCDRate0 bool `yaml:"adc_drate0"`
	ADCFPath  bool `yaml:"adc_fpath"`

	DAC        float64 `yaml:"dac"`         // fraction of full scale
	DACChannel int     `yaml:"dac_channel"` // 1: phase, 2: diode, 3: both

	PhaseCal float64 `yaml:"phase_cal"` // ADC counts per volt
	DiodeCal float64 `yaml:"diode_cal"` // ADC counts per volt
	PhaseADC int     `yaml:"phase_adc"` // ADC number (1 or 2) the phase signal is read from

	TestFreqs bool `yaml:"test_freqs"`
}

// Addr returns the host:port address of the FPGA.
func (s FPGASettings) Addr() string {
	return fmt.Sprintf("%s:%d", s.IP, s.Port)
}

// CumulativeSettings configures the cumulative analog I/O backend.
type CumulativeSettings struct {
	Driver    string `yaml:"driver"`
	Device    string `yaml:"device"`
	PhaseChan string `yaml:"phase_chan"`
	DiodeChan string `yaml:"diode_chan"`
	AOChan    string `yaml:"ao_chan"`

	RampMin       float64  `yaml:"ramp_min"` // in volts
	RampMax       float64  `yaml:"ramp_max"` // in volts
	PreTris       int      `yaml:"pretris"`  // number of triangles discarded before sampling
	TimePerPoint  Duration `yaml:"time_per_pt"`
	SettlingRatio float64  `yaml:"settling_ratio"`
	Settle        Duration `yaml:"settle"` // delay after each read
}

// ReplaySettings configures the replay backend.
type ReplaySettings struct {
	File string `yaml:"file"`
	Seed int64  `yaml:"seed"`
}

// StatusSettings configures the slow-control values attached to each event.
type StatusSettings struct {
	Bus     int                `yaml:"smbus"` // SMBus number, ignored without sensors
	Sensors []Sensor           `yaml:"sensors"`
	Static  map[string]float64 `yaml:"static"`
}

// Sensor is a register-mapped value read from an SMBus device.
// The value is Scale*raw + Offset.
type Sensor struct {
	Name   string  `yaml:"name"`
	Addr   uint8   `yaml:"addr"`
	Reg    uint8   `yaml:"reg"`
	Word   bool    `yaml:"word"` // 16-bit register
	Scale  float64 `yaml:"scale"`
	Offset float64 `yaml:"offset"`
}

func (s StatusSettings) validate() error {
	names := make(map[string]bool, len(s.Sensors)+len(s.Static))
	for k := range s.Static {
		names[k] = true
	}
	for _, sensor := range s.Sensors {
		switch {
		case sensor.Name == "":
			return &ValidationError{Name: "status.sensors", Reason: "sensor without a name"}
		case names[sensor.Name]:
			return &ValidationError{Name: "status.sensors", Value: sensor.Name, Reason: "duplicate status value"}
		case sensor.Addr > 0x7f:
			return &ValidationError{Name: "status.sensors", Value: fmt.Sprintf("0x%x", sensor.Addr), Reason: "invalid 7-bit address"}
		}
		names[sensor.Name] = true
	}
	return nil
}

func (s *Settings) defaults() {
	if s.Controls.Sweeps == 0 {
		s.Controls.Sweeps = 640
	}
	if s.Controls.CC == 0 {
		s.Controls.CC = -0.08
	}
	if s.TunePerChunk == 0 {
		s.TunePerChunk = 8
	}
	if s.FPGA.UDPTimeout == 0 {
		s.FPGA.UDPTimeout = Duration(1e9)
	}
	if s.FPGA.RunTimeout == 0 {
		s.FPGA.RunTimeout = Duration(10e9)
	}
	if s.FPGA.TCPBuffer == 0 {
		s.FPGA.TCPBuffer = 1 << 16
	}
	if s.FPGA.DACChannel == 0 {
		s.FPGA.DACChannel = 3
	}
	for i, sensor := range s.Status.Sensors {
		if sensor.Scale == 0 {
			s.Status.Sensors[i].Scale = 1
		}
	}
	if s.Cumulative.Settle == 0 {
		s.Cumulative.Settle = Duration(1e9)
	}
	if s.Cumulative.RampMin == 0 && s.Cumulative.RampMax == 0 {
		s.Cumulative.RampMin = -10
		s.Cumulative.RampMax = +10
	}
}

// maxSteps is the largest frequency table fitting in a single frame.
const maxSteps = (1<<16 - 1 - 3) / 2

// Validate checks the consistency of the settings.
func (s Settings) Validate() error {
	if s.Steps <= 0 || s.Steps > maxSteps {
		return &ValidationError{Name: "steps", Value: fmt.Sprint(s.Steps), Reason: fmt.Sprintf("not in [1, %d]", maxSteps)}
	}
	if s.PerChunk <= 0 || s.PerChunk > 1<<16-1 {
		return &ValidationError{Name: "num_per_chunk", Value: fmt.Sprint(s.PerChunk), Reason: "not in [1, 65535]"}
	}
	if s.TunePerChunk <= 0 || s.TunePerChunk > 1<<16-1 {
		return &ValidationError{Name: "tune_per_chunk", Value: fmt.Sprint(s.TunePerChunk), Reason: "not in [1, 65535]"}
	}

	err := s.Status.validate()
	if err != nil {
		return err
	}

	switch s.DAQ {
	case FPGA:
		return s.FPGA.validate()
	case Cumulative:
		return s.Cumulative.validate()
	case Replay:
		if s.Replay.File == "" {
			return &ValidationError{Name: "replay.file", Reason: "missing replay file"}
		}
		return nil
	}
	return &ValidationError{Name: "daq_type", Value: s.DAQ.String(), Reason: "unknown DAQ kind"}
}

func (s FPGASettings) validate() error {
	switch {
	case s.IP == "":
		return &ValidationError{Name: "fpga.ip", Reason: "missing FPGA address"}
	case s.Port <= 0 || s.Port > 1<<16-1:
		return &ValidationError{Name: "fpga.port", Value: fmt.Sprint(s.Port), Reason: "invalid port"}
	case s.UDPTimeout <= 0 || s.RunTimeout <= 0:
		return &ValidationError{Name: "fpga.timeout", Reason: "timeouts must be positive"}
	case s.PhaseADC != 1 && s.PhaseADC != 2:
		return &ValidationError{Name: "fpga.phase_adc", Value: fmt.Sprint(s.PhaseADC), Reason: "must be explicitly set to 1 or 2"}
	case s.PhaseCal == 0 || s.DiodeCal == 0:
		return &ValidationError{Name: "fpga.cal", Reason: "calibration constants must be non-zero"}
	case s.DAC < 0 || s.DAC > 1:
		return &ValidationError{Name: "fpga.dac", Value: fmt.Sprint(s.DAC), Reason: "not in [0, 1]"}
	case s.DACChannel < 1 || s.DACChannel > 3:
		return &ValidationError{Name: "fpga.dac_channel", Value: fmt.Sprint(s.DACChannel), Reason: "not in [1, 3]"}
	}
	return nil
}

func (s CumulativeSettings) validate() error {
	switch {
	case s.Driver == "":
		return &ValidationError{Name: "cumulative.driver", Reason: "missing hardware driver"}
	case s.PreTris < 0:
		return &ValidationError{Name: "cumulative.pretris", Value: fmt.Sprint(s.PreTris), Reason: "negative"}
	case s.TimePerPoint <= 0:
		return &ValidationError{Name: "cumulative.time_per_pt", Reason: "must be positive"}
	case s.RampMin >= s.RampMax:
		return &ValidationError{Name: "cumulative.ramp", Reason: "ramp_min must be below ramp_max"}
	case s.Settle < 0:
		return &ValidationError{Name: "cumulative.settle", Reason: "negative"}
	}
	return nil
}

// File is the content of a configuration file.
type File struct {
	Settings Settings           `yaml:"settings"`
	Channels map[string]Channel `yaml:"channels"`
}

// Load reads and validates the configuration file fname.
// Relative paths are resolved against the directory of fname.
func Load(fname string) (*File, error) {
	raw, err := os.ReadFile(fname)
	if err != nil {
		return nil, fmt.Errorf("config: could not read %q: %w", fname, err)
	}
	f, err := Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("config: could not decode %q: %w", fname, err)
	}
	f.resolve(filepath.Dir(fname))
	return f, nil
}

// Decode reads and validates a configuration from r.
func Decode(r io.Reader) (*File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	err := dec.Decode(&f)
	if err != nil {
		return nil, fmt.Errorf("config: could not decode yaml: %w", err)
	}

	f.Settings.defaults()
	for name, ch := range f.Channels {
		if ch.Name == "" {
			ch.Name = name
		}
		f.Channels[name] = ch
	}

	err = f.Validate()
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the consistency of the configuration file.
func (f *File) Validate() error {
	err := f.Settings.Validate()
	if err != nil {
		return err
	}
	if len(f.Channels) == 0 {
		return &ValidationError{Name: "channels", Reason: "no channel defined"}
	}
	if f.Settings.Channel != "" {
		if _, ok := f.Channels[f.Settings.Channel]; !ok {
			return &ValidationError{Name: "default_channel", Value: f.Settings.Channel, Reason: "unknown channel"}
		}
	}
	_, err = NewControls(f.Settings.Controls)
	return err
}

func (f *File) resolve(dir string) {
	abs := func(fname string) string {
		if fname == "" || filepath.IsAbs(fname) {
			return fname
		}
		return filepath.Join(dir, fname)
	}
	for name, ch := range f.Channels {
		ch.SweepFile = abs(ch.SweepFile)
		f.Channels[name] = ch
	}
	f.Settings.EventDir = abs(f.Settings.EventDir)
	f.Settings.Replay.File = abs(f.Settings.Replay.File)
}

// ChannelNames returns the sorted list of channel names.
func (f *File) ChannelNames() []string {
	names := make([]string, 0, len(f.Channels))
	for name := range f.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config builds the configuration for the named channel.
// An empty name selects the default channel.
func (f *File) Config(name string) (*Config, error) {
	if name == "" {
		name = f.Settings.Channel
	}
	if name == "" {
		names := f.ChannelNames()
		name = names[0]
	}
	ch, ok := f.Channels[name]
	if !ok {
		return nil, fmt.Errorf("config: unknown channel %q", name)
	}
	ctl, err := NewControls(f.Settings.Controls)
	if err != nil {
		return nil, err
	}
	return New(f.Settings, ch, ctl)
}

// Config is the configuration of one acquisition channel.
//
// A Config is immutable once built, except for its operator controls
// which are validated on each update.
// Selecting another channel creates a new Config.
type Config struct {
	Channel  Channel
	Settings Settings
	Freqs    FrequencyTable
	Controls *Controls
}

// New creates a configuration from global settings, a channel and
// operator controls.
func New(set Settings, ch Channel, ctl *Controls) (*Config, error) {
	err := set.Validate()
	if err != nil {
		return nil, err
	}
	if ctl == nil {
		return nil, fmt.Errorf("config: nil controls")
	}

	var steps []int16
	switch {
	case set.DAQ == FPGA && set.FPGA.TestFreqs:
		steps = TestTable(set.Steps)
	case ch.SweepFile != "":
		steps, err = ReadSweepFile(ch.SweepFile)
		if err != nil {
			return nil, fmt.Errorf("config: could not load sweep file of channel %q: %w", ch.Name, err)
		}
	default:
		steps = EvenTable(set.Steps)
	}
	if len(steps) != set.Steps {
		return nil, &ValidationError{
			Name:   "sweep_file",
			Value:  ch.SweepFile,
			Reason: fmt.Sprintf("got %d steps, want %d", len(steps), set.Steps),
		}
	}

	return &Config{
		Channel:  ch,
		Settings: set,
		Freqs:    NewFrequencyTable(steps, ch.CentFreq, ch.ModFreq),
		Controls: ctl,
	}, nil
}

// WithChannel returns a new configuration for channel ch,
// carrying over the current control values.
func (cfg *Config) WithChannel(ch Channel) (*Config, error) {
	return New(cfg.Settings, ch, cfg.Controls.Clone())
}

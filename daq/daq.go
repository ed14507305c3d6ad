// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package daq provides acquisition sessions over the NMR DAQ backends.
//
// A session hides the specifics of a backend (chunked FPGA over the network,
// cumulative multiplexed analog I/O or replay of a recorded event) behind
// the Session interface.
package daq // import "github.com/go-lpc/nmr/daq"

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-lpc/nmr/config"
	"github.com/go-lpc/nmr/event"
	"github.com/go-lpc/nmr/fpga"
)

// Chunk is the result of one read from a backend.
type Chunk struct {
	Seq    int       // chunk sequence number
	Sweeps int       // number of sweeps in the chunk (or in total, for cumulative backends)
	Phase  []float64 // phase signal, in volts
	Diode  []float64 // diode signal, in volts
}

// Semantics describes how chunks of a backend must be consumed.
type Semantics struct {
	Mode      event.Mode // accumulation mode of the chunks
	Sequenced bool       // whether chunks carry meaningful sequence numbers
}

// Session is an acquisition session on a DAQ backend.
//
// A session is owned by a single goroutine.
type Session interface {
	// Connect opens the connection to the backend and configures it.
	Connect(ctx context.Context) error
	// StartSweeps starts the acquisition of sweeps.
	StartSweeps(ctx context.Context) error
	// ReadChunk blocks until the next chunk is available.
	ReadChunk(ctx context.Context) (Chunk, error)
	// Abort interrupts the current acquisition.
	// Errors are logged and never returned.
	Abort(ctx context.Context)
	// Stop ends a completed acquisition.
	Stop(ctx context.Context) error
	// SetDAC sets the DAC output to a fraction of its full scale.
	SetDAC(ctx context.Context, v float64, ch fpga.DACChannel) error
	// Disconnect releases the backend resources.
	Disconnect() error

	Semantics() Semantics
}

// Option configures a session.
type Option func(*options)

type options struct {
	msg   *log.Logger
	tune  bool
	seed  int64
	sleep func(ctx context.Context, d time.Duration) error
}

func newOptions(opts []Option) options {
	cfg := options{
		msg:   log.New(os.Stdout, "daq: ", 0),
		sleep: sleep,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithLogger sets the logger of the session.
func WithLogger(msg *log.Logger) Option {
	return func(o *options) { o.msg = msg }
}

// WithTune configures the session in tune mode:
// sweeps are acquired in small chunks, one chunk per StartSweeps.
func WithTune(tune bool) Option {
	return func(o *options) { o.tune = tune }
}

// WithSeed sets the seed of the replay jitter.
// A zero seed uses the seed of the configuration.
func WithSeed(seed int64) Option {
	return func(o *options) { o.seed = seed }
}

// Open creates a session for the backend selected by the configuration.
// The session is not connected.
func Open(cfg *config.Config, opts ...Option) (Session, error) {
	if cfg == nil {
		return nil, fmt.Errorf("daq: nil configuration")
	}
	o := newOptions(opts)
	switch kind := cfg.Settings.DAQ; kind {
	case config.FPGA:
		return newNetwork(cfg, o)
	case config.Cumulative:
		return newCumulative(cfg, o)
	case config.Replay:
		return newReplay(cfg, o)
	default:
		return nil, fmt.Errorf("daq: unknown DAQ kind %v", kind)
	}
}

// ConnectionError reports a backend that could not be reached, that
// failed its configuration handshake or that was lost during a run.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("daq: connection error (op=%s): %+v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports a backend that did not reply in time.
type TimeoutError struct {
	Op    string
	Limit time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("daq: timeout after %v (op=%s): %+v", e.Limit, e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Timeout reports whether the error is a timeout.
func (e *TimeoutError) Timeout() bool { return true }

// ErrNotConnected is returned when a session is used before Connect.
var ErrNotConnected = errors.New("daq: session not connected")

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	tck := time.NewTimer(d)
	defer tck.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tck.C:
		return nil
	}
}

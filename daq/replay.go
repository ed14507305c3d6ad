// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/go-lpc/nmr/config"
	"github.com/go-lpc/nmr/event"
	"github.com/go-lpc/nmr/fpga"
)

// Replay is a session replaying the last event of an event log.
//
// Each chunk is the recorded signal plus a small uniform jitter scaled
// by the chunk size, delivered after a delay proportional to the chunk size.
// The diode is sent back with its sign flipped, as the hardware reads it.
type Replay struct {
	msg   *log.Logger
	fname string
	steps int
	per   int
	seed  int64
	sleep func(ctx context.Context, d time.Duration) error

	rnd   *rand.Rand
	phase []float64
	diode []float64
	seq   int
	open  bool
}

var _ Session = (*Replay)(nil)

const (
	replayDelay  = 5 * time.Millisecond // per sweep
	replayJitter = 1e-5                 // per sweep
)

func newReplay(cfg *config.Config, o options) (*Replay, error) {
	per := cfg.Settings.PerChunk
	if o.tune {
		per = cfg.Settings.TunePerChunk
	}
	seed := o.seed
	if seed == 0 {
		seed = cfg.Settings.Replay.Seed
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Replay{
		msg:   o.msg,
		fname: cfg.Settings.Replay.File,
		steps: cfg.Freqs.Len(),
		per:   per,
		seed:  seed,
		sleep: o.sleep,
	}, nil
}

// Connect loads the recorded signal.
func (r *Replay) Connect(ctx context.Context) error {
	if r.open {
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("already connected")}
	}
	rec, err := event.LastRecord(r.fname)
	if err != nil {
		return &ConnectionError{Op: "load", Err: err}
	}
	if len(rec.Phase) != r.steps || len(rec.Diode) != r.steps {
		return &ConnectionError{
			Op: "load",
			Err: fmt.Errorf(
				"recorded signal size mismatch (phase=%d, diode=%d, steps=%d)",
				len(rec.Phase), len(rec.Diode), r.steps,
			),
		}
	}
	r.phase = rec.Phase
	r.diode = rec.Diode
	r.rnd = rand.New(rand.NewSource(r.seed))
	r.seq = 0
	r.open = true
	r.msg.Printf("replaying event %s from %q", rec.ID, r.fname)
	return nil
}

// StartSweeps restarts the chunk numbering.
func (r *Replay) StartSweeps(ctx context.Context) error {
	if !r.open {
		return ErrNotConnected
	}
	r.seq = 0
	return nil
}

// ReadChunk synthesizes the next chunk.
func (r *Replay) ReadChunk(ctx context.Context) (Chunk, error) {
	if !r.open {
		return Chunk{}, ErrNotConnected
	}
	err := r.sleep(ctx, time.Duration(r.per)*replayDelay)
	if err != nil {
		return Chunk{}, fmt.Errorf("daq: could not read chunk: %w", err)
	}

	jitter := replayJitter * float64(r.per)
	chunk := Chunk{
		Seq:    r.seq,
		Sweeps: r.per,
		Phase:  make([]float64, r.steps),
		Diode:  make([]float64, r.steps),
	}
	for i := range chunk.Phase {
		chunk.Phase[i] = r.phase[i] + r.rnd.Float64()*jitter
		chunk.Diode[i] = -r.diode[i] + r.rnd.Float64()*jitter
	}
	r.seq = (r.seq + 1) % (1 << 16)
	return chunk, nil
}

// Abort has nothing to interrupt.
func (r *Replay) Abort(ctx context.Context) {}

func (r *Replay) Stop(ctx context.Context) error { return nil }

// SetDAC only logs the request.
func (r *Replay) SetDAC(ctx context.Context, v float64, ch fpga.DACChannel) error {
	_, err := fpga.DACValue(v)
	if err != nil {
		return err
	}
	r.msg.Printf("set DAC: v=%v, channel=%d", v, ch)
	return nil
}

// Disconnect forgets the recorded signal.
func (r *Replay) Disconnect() error {
	r.open = false
	r.phase = nil
	r.diode = nil
	return nil
}

func (r *Replay) Semantics() Semantics {
	return Semantics{Mode: event.Incremental, Sequenced: true}
}

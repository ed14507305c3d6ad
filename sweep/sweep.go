// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sweep runs acquisitions: it drives an acquisition session
// from a background worker, folds the chunks of sweeps into events and
// reports progress over a channel of messages.
package sweep // import "github.com/go-lpc/nmr/sweep"

import (
	"errors"
	"fmt"

	"github.com/go-lpc/nmr/config"
	"github.com/go-lpc/nmr/daq"
	"github.com/go-lpc/nmr/event"
)

// State is the state of a scheduler.
type State uint8

const (
	Idle State = iota
	Starting
	Acquiring
	Completing
	Aborting
	Tuning
)

func (st State) String() string {
	switch st {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Acquiring:
		return "acquiring"
	case Completing:
		return "completing"
	case Aborting:
		return "aborting"
	case Tuning:
		return "tuning"
	}
	return fmt.Sprintf("State(%d)", uint8(st))
}

// Msg is a message sent by a run worker.
type Msg interface {
	isMsg()
}

// ChunkReady reports a chunk folded into the current scan.
type ChunkReady struct {
	Chunk    daq.Chunk
	Scan     *event.Scan // snapshot of the scan after folding the chunk
	Progress float64     // accumulated sweeps over target sweeps
}

// RunFinished reports the end of a run.
// Event is the closed event of a completed run, nil otherwise.
// Err is the reason of an aborted or failed run. A completed run whose
// record could not be written carries both.
type RunFinished struct {
	Event *event.Event
	Err   error
}

func (ChunkReady) isMsg()  {}
func (RunFinished) isMsg() {}

// Opener creates an acquisition session.
type Opener func(cfg *config.Config, opts ...daq.Option) (daq.Session, error)

// LostChunkError reports a gap in the chunk sequence numbers.
type LostChunkError struct {
	Want int
	Got  int
}

func (e *LostChunkError) Error() string {
	return fmt.Sprintf("sweep: lost chunk (want=%d, got=%d)", e.Want, e.Got)
}

var (
	// ErrBusy is returned when a run is started while another one is active.
	ErrBusy = errors.New("sweep: run already in progress")

	// ErrAborted is the reason of a run aborted on request.
	ErrAborted = errors.New("sweep: run aborted")
)

// sequencer checks the chunk sequence numbers of a run.
// The first chunk is numbered 0 and numbers wrap at 65536.
type sequencer struct {
	next int
}

func (seq *sequencer) check(got int) error {
	want := seq.next
	if got != want {
		return &LostChunkError{Want: want, Got: got}
	}
	seq.next = (want + 1) % (1 << 16)
	return nil
}

// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sweep

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-lpc/nmr/daq"
	"github.com/go-lpc/nmr/event"
)

// Tuner holds the running average of the sweeps acquired in tune mode.
// Its window can be modified at any time.
type Tuner struct {
	mu     sync.Mutex
	window int
	rs     *event.RunningScan
}

func newTuner(window int) *Tuner {
	return &Tuner{window: window}
}

// SetWindow sets the number of sweeps of the running average.
func (tu *Tuner) SetWindow(window int) error {
	if window <= 0 {
		return fmt.Errorf("sweep: invalid running window %d", window)
	}
	tu.mu.Lock()
	defer tu.mu.Unlock()
	tu.window = window
	if tu.rs != nil {
		return tu.rs.SetWindow(window)
	}
	return nil
}

// Window returns the number of sweeps of the running average.
func (tu *Tuner) Window() int {
	tu.mu.Lock()
	defer tu.mu.Unlock()
	return tu.window
}

// Scan returns a copy of the running average, or nil before tuning started.
func (tu *Tuner) Scan() *event.Scan {
	tu.mu.Lock()
	rs := tu.rs
	tu.mu.Unlock()
	if rs == nil {
		return nil
	}
	return rs.Scan()
}

// restart returns a fresh running average of n steps.
func (tu *Tuner) restart(n int) (*event.RunningScan, error) {
	tu.mu.Lock()
	defer tu.mu.Unlock()
	rs, err := event.NewRunningScan(n, tu.window)
	if err != nil {
		return nil, err
	}
	tu.rs = rs
	return rs, nil
}

// Tune connects a session in tune mode and acquires small chunks of
// sweeps in a loop, folding them into the running average of the tuner.
// Tuning never creates events: it runs until aborted or until ctx is done.
//
// As for Start, the returned channel is closed when the worker exits.
func (s *Scheduler) Tune(ctx context.Context) (<-chan Msg, error) {
	if !s.acquire(Tuning) {
		return nil, ErrBusy
	}
	cfg, sess, err := s.connect(ctx, true)
	if err != nil {
		s.release()
		return nil, err
	}
	rs, err := s.tuner.restart(cfg.Freqs.Len())
	if err != nil {
		s.disconnect(sess)
		s.release()
		return nil, fmt.Errorf("sweep: could not create running scan: %w", err)
	}

	ch := make(chan Msg, s.qsize)
	go s.tune(ctx, sess, rs, ch)
	return ch, nil
}

func (s *Scheduler) tune(ctx context.Context, sess daq.Session, rs *event.RunningScan, ch chan<- Msg) {
	defer close(ch)
	defer s.release()
	defer s.disconnect(sess)

	stop := func(reason error) {
		s.setState(Aborting)
		sess.Abort(context.WithoutCancel(ctx))
		s.emit(ctx, ch, RunFinished{Err: reason})
	}

	for {
		if s.abort.Load() {
			stop(ErrAborted)
			return
		}
		if err := ctx.Err(); err != nil {
			stop(err)
			return
		}

		err := sess.StartSweeps(ctx)
		if err != nil {
			s.emit(ctx, ch, RunFinished{Err: fmt.Errorf("sweep: could not start sweeps: %w", err)})
			return
		}
		c, err := sess.ReadChunk(ctx)
		if err != nil {
			if ctx.Err() != nil {
				stop(ctx.Err())
				return
			}
			s.emit(ctx, ch, RunFinished{Err: fmt.Errorf("sweep: could not read chunk: %w", err)})
			return
		}

		err = rs.Add(c.Sweeps, c.Phase, c.Diode)
		if err != nil {
			s.emit(ctx, ch, RunFinished{Err: fmt.Errorf("sweep: could not fold chunk: %w", err)})
			return
		}
		s.emit(ctx, ch, ChunkReady{
			Chunk:    c,
			Scan:     rs.Scan(),
			Progress: float64(rs.Points()) / float64(rs.Window()),
		})
	}
}

// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sweep

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-lpc/nmr/config"
	"github.com/go-lpc/nmr/daq"
	"github.com/go-lpc/nmr/event"
	"github.com/go-lpc/nmr/fpga"
	"github.com/go-lpc/nmr/status"
)

// Scheduler runs acquisitions, one at a time.
//
// Each run connects a fresh session, opens an event and folds the chunks
// read from the session until the requested number of sweeps is reached.
// The event is then closed, recorded and added to the history.
// Runs are driven by a worker goroutine reporting to the caller over a
// channel of messages.
type Scheduler struct {
	msg    *log.Logger
	config func() (*config.Config, error)
	open   Opener
	dopts  []daq.Option
	ana    event.Analyzer
	status status.Reader
	sink   event.Sink
	hist   *event.History
	now    func() time.Time
	qsize  int

	mu     sync.Mutex
	state  State
	active bool
	base   *event.Baseline
	tuner  *Tuner

	abort  atomic.Bool
	repeat atomic.Bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger of the scheduler.
func WithLogger(msg *log.Logger) Option {
	return func(s *Scheduler) { s.msg = msg }
}

// WithOpener sets the function creating acquisition sessions.
// The default is daq.Open.
func WithOpener(open Opener) Option {
	return func(s *Scheduler) { s.open = open }
}

// WithSessionOptions sets the options passed to each new session.
func WithSessionOptions(opts ...daq.Option) Option {
	return func(s *Scheduler) { s.dopts = append(s.dopts, opts...) }
}

// WithAnalyzer sets the analyzer closing the events.
// A nil analyzer subtracts the baseline and sums the result.
func WithAnalyzer(ana event.Analyzer) Option {
	return func(s *Scheduler) { s.ana = ana }
}

// WithStatus sets the reader of the status values attached to events.
func WithStatus(r status.Reader) Option {
	return func(s *Scheduler) { s.status = r }
}

// WithSink sets the sink receiving the records of closed events.
func WithSink(sink event.Sink) Option {
	return func(s *Scheduler) { s.sink = sink }
}

// WithHistory sets the history receiving the summaries of closed events.
func WithHistory(hist *event.History) Option {
	return func(s *Scheduler) { s.hist = hist }
}

// WithBaseline sets the initial baseline of the events.
func WithBaseline(base *event.Baseline) Option {
	return func(s *Scheduler) { s.base = base.Clone() }
}

// WithRepeat sets the initial auto-repeat mode.
func WithRepeat(v bool) Option {
	return func(s *Scheduler) { s.repeat.Store(v) }
}

// WithQueue sets the capacity of the message channels.
func WithQueue(n int) Option {
	return func(s *Scheduler) { s.qsize = n }
}

// WithClock sets the clock used to time-stamp events.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler.
// The configuration function is called before each connection, so each
// run uses the current operator controls and channel.
func New(cfg func() (*config.Config, error), opts ...Option) *Scheduler {
	s := &Scheduler{
		msg:    log.New(os.Stdout, "sweep: ", 0),
		config: cfg,
		open:   daq.Open,
		now:    time.Now,
		qsize:  16,
		tuner:  newTuner(32),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state of the scheduler.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Abort requests the active run to stop.
// The request is honored before the next chunk read.
func (s *Scheduler) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.abort.Store(true)
	}
}

// SetRepeat sets the auto-repeat mode, read at the completion of each run.
func (s *Scheduler) SetRepeat(v bool) { s.repeat.Store(v) }

// Repeat returns the auto-repeat mode.
func (s *Scheduler) Repeat() bool { return s.repeat.Load() }

// SetBaseline sets the baseline of the next events.
func (s *Scheduler) SetBaseline(base *event.Baseline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = base.Clone()
}

// Baseline returns a copy of the baseline of the next events.
func (s *Scheduler) Baseline() *event.Baseline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base.Clone()
}

// Tuner returns the running average used in tune mode.
func (s *Scheduler) Tuner() *Tuner { return s.tuner }

// Start connects a session and starts a run.
//
// Connection errors are returned to the caller. Once started, the run
// reports over the returned channel, which is closed when the worker
// exits. The caller must drain the channel.
func (s *Scheduler) Start(ctx context.Context) (<-chan Msg, error) {
	if !s.acquire(Starting) {
		return nil, ErrBusy
	}
	cfg, sess, err := s.connect(ctx, false)
	if err != nil {
		s.release()
		return nil, err
	}

	ch := make(chan Msg, s.qsize)
	go s.loop(ctx, cfg, sess, ch)
	return ch, nil
}

func (s *Scheduler) acquire(st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return false
	}
	s.active = true
	s.state = st
	s.abort.Store(false)
	return true
}

func (s *Scheduler) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	s.state = Idle
	s.abort.Store(false)
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func (s *Scheduler) connect(ctx context.Context, tune bool) (*config.Config, daq.Session, error) {
	cfg, err := s.config()
	if err != nil {
		return nil, nil, fmt.Errorf("sweep: could not get configuration: %w", err)
	}
	opts := append([]daq.Option{daq.WithTune(tune)}, s.dopts...)
	sess, err := s.open(cfg, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("sweep: could not create session: %w", err)
	}
	err = sess.Connect(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("sweep: could not connect session: %w", err)
	}
	return cfg, sess, nil
}

func (s *Scheduler) disconnect(sess daq.Session) {
	if sess == nil {
		return
	}
	err := sess.Disconnect()
	if err != nil {
		s.msg.Printf("could not disconnect session: %+v", err)
	}
}

// emit sends a message to the run channel.
// Once the run context is done, messages the channel cannot hold are dropped.
func (s *Scheduler) emit(ctx context.Context, ch chan<- Msg, m Msg) {
	select {
	case ch <- m:
	case <-ctx.Done():
		select {
		case ch <- m:
		default:
			s.msg.Printf("could not send %T: %v", m, ctx.Err())
		}
	}
}

func (s *Scheduler) loop(ctx context.Context, cfg *config.Config, sess daq.Session, ch chan<- Msg) {
	defer close(ch)
	defer s.release()
	defer func() { s.disconnect(sess) }()

	for {
		evt, err := s.run(ctx, cfg, sess, ch)
		s.emit(ctx, ch, RunFinished{Event: evt, Err: err})
		if err != nil || !s.repeat.Load() || ctx.Err() != nil {
			return
		}

		s.setState(Starting)
		s.disconnect(sess)
		cfg, sess, err = s.connect(ctx, false)
		if err != nil {
			s.emit(ctx, ch, RunFinished{Err: err})
			return
		}
	}
}

// run acquires one event.
func (s *Scheduler) run(ctx context.Context, cfg *config.Config, sess daq.Session, ch chan<- Msg) (*event.Event, error) {
	s.setState(Starting)
	sem := sess.Semantics()
	evt, err := event.Open(cfg, sem.Mode, s.Baseline(), s.now())
	if err != nil {
		return nil, fmt.Errorf("sweep: could not open event: %w", err)
	}
	err = sess.StartSweeps(ctx)
	if err != nil {
		return nil, fmt.Errorf("sweep: could not start sweeps: %w", err)
	}

	s.setState(Acquiring)
	var seq sequencer
	for evt.Sweeps() < evt.Target {
		if s.abort.Load() {
			return s.drop(ctx, sess, ErrAborted)
		}
		if err := ctx.Err(); err != nil {
			return s.drop(ctx, sess, err)
		}

		c, err := sess.ReadChunk(ctx)
		if err != nil {
			var ferr *fpga.FramingError
			switch {
			case ctx.Err() != nil:
				return s.drop(ctx, sess, ctx.Err())
			case errors.As(err, &ferr):
				return s.drop(ctx, sess, err)
			}
			return nil, fmt.Errorf("sweep: could not read chunk: %w", err)
		}
		if sem.Sequenced {
			err = seq.check(c.Seq)
			if err != nil {
				return s.drop(ctx, sess, err)
			}
		}
		if c.Sweeps <= 0 {
			continue
		}

		err = evt.Add(c.Sweeps, c.Phase, c.Diode)
		if err != nil {
			return nil, fmt.Errorf("sweep: could not fold chunk %d: %w", c.Seq, err)
		}
		s.emit(ctx, ch, ChunkReady{
			Chunk:    c,
			Scan:     evt.Scan(),
			Progress: float64(evt.Sweeps()) / float64(evt.Target),
		})
	}

	return s.complete(context.WithoutCancel(ctx), sess, evt)
}

// drop interrupts the acquisition and discards the event.
func (s *Scheduler) drop(ctx context.Context, sess daq.Session, reason error) (*event.Event, error) {
	s.setState(Aborting)
	s.msg.Printf("aborting run: %v", reason)
	sess.Abort(context.WithoutCancel(ctx))
	s.abort.Store(false)
	return nil, reason
}

// complete closes, records and archives the event.
func (s *Scheduler) complete(ctx context.Context, sess daq.Session, evt *event.Event) (*event.Event, error) {
	s.setState(Completing)
	err := sess.Stop(ctx)
	if err != nil {
		return nil, fmt.Errorf("sweep: could not stop sweeps: %w", err)
	}

	err = evt.Close(s.now(), s.ana, s.readStatus(ctx))
	if err != nil {
		return nil, fmt.Errorf("sweep: could not close event: %w", err)
	}
	s.msg.Printf(
		"event %v: sweeps=%d, area=%g, pol=%g",
		evt.ID, evt.Sweeps(), evt.Area, evt.Pol,
	)

	if s.sink != nil {
		err = s.sink.WriteRecord(ctx, evt.Record())
		if err != nil {
			err = fmt.Errorf("sweep: could not write record of event %v: %w", evt.ID, err)
		}
	}
	if s.hist != nil {
		s.hist.Add(evt.HistPoint())
	}
	return evt, err
}

func (s *Scheduler) readStatus(ctx context.Context) map[string]float64 {
	if s.status == nil {
		return nil
	}
	vs, err := s.status.Read(ctx)
	if err != nil {
		s.msg.Printf("could not read status: %+v", err)
	}
	return vs
}

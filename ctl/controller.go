// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ctl drives the acquisition on behalf of an operator:
// it holds the configuration state, starts and stops runs and tune
// sessions, and dispatches their messages to the monitoring services.
package ctl // import "github.com/go-lpc/nmr/ctl"

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/dustin/go-humanize"
	"github.com/go-lpc/nmr/config"
	"github.com/go-lpc/nmr/daq"
	"github.com/go-lpc/nmr/event"
	"github.com/go-lpc/nmr/fpga"
	"github.com/go-lpc/nmr/sweep"
)

// Controller is the orchestrator of the acquisition.
// Controller is safe for concurrent use.
type Controller struct {
	msg     *log.Logger
	file    *config.File
	open    sweep.Opener
	hist    *event.History
	evtlog  string
	policy  func() backoff.BackOff
	retries uint64
	pubs    []func(sweep.Msg)
	sopts   []sweep.Option

	sched *sweep.Scheduler
	wg    sync.WaitGroup

	mu   sync.Mutex
	cfg  *config.Config
	last *event.Event
	err  error // reason of the last failed run
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger of the controller.
func WithLogger(msg *log.Logger) Option {
	return func(c *Controller) { c.msg = msg }
}

// WithOpener sets the function creating acquisition sessions.
func WithOpener(open sweep.Opener) Option {
	return func(c *Controller) { c.open = open }
}

// WithHistory sets the history of the controller.
func WithHistory(hist *event.History) Option {
	return func(c *Controller) { c.hist = hist }
}

// WithEventLog sets the event log used to look up baselines.
func WithEventLog(fname string) Option {
	return func(c *Controller) { c.evtlog = fname }
}

// WithBackoff sets the reconnection policy and the maximum number of
// reconnection attempts.
func WithBackoff(policy func() backoff.BackOff, retries uint64) Option {
	return func(c *Controller) {
		c.policy = policy
		c.retries = retries
	}
}

// WithPublisher adds a consumer of the run and tune messages.
// Publishers are called from the worker goroutine and must not block.
func WithPublisher(f func(sweep.Msg)) Option {
	return func(c *Controller) { c.pubs = append(c.pubs, f) }
}

// WithScheduler sets additional options of the scheduler.
func WithScheduler(opts ...sweep.Option) Option {
	return func(c *Controller) { c.sopts = append(c.sopts, opts...) }
}

// New creates a controller for the provided configuration file.
// The initial channel is the default channel of the file.
func New(file *config.File, opts ...Option) (*Controller, error) {
	c := &Controller{
		msg:  log.New(os.Stdout, "ctl: ", 0),
		file: file,
		open: daq.Open,
		hist: event.NewHistory(),
		policy: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
		retries: 5,
	}
	for _, opt := range opts {
		opt(c)
	}

	cfg, err := file.Config("")
	if err != nil {
		return nil, fmt.Errorf("ctl: could not create configuration: %w", err)
	}
	c.cfg = cfg

	sopts := []sweep.Option{
		sweep.WithLogger(c.msg),
		sweep.WithOpener(c.open),
		sweep.WithHistory(c.hist),
	}
	c.sched = sweep.New(c.config, append(sopts, c.sopts...)...)
	return c, nil
}

func (c *Controller) config() (*config.Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg, nil
}

// Config returns the current configuration.
func (c *Controller) Config() *config.Config {
	cfg, _ := c.config()
	return cfg
}

// Scheduler returns the scheduler of the controller.
func (c *Controller) Scheduler() *sweep.Scheduler { return c.sched }

// History returns the history of the controller.
func (c *Controller) History() *event.History { return c.hist }

// Wait waits for the active run or tune session to finish.
func (c *Controller) Wait() { c.wg.Wait() }

func (c *Controller) idle() error {
	if st := c.sched.State(); st != sweep.Idle {
		return fmt.Errorf("ctl: acquisition is %v: %w", st, sweep.ErrBusy)
	}
	return nil
}

func (c *Controller) retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(c.policy(), c.retries), ctx)
	return backoff.Retry(op, b)
}

// Connect checks the acquisition backend can be reached, retrying with
// the reconnection policy.
func (c *Controller) Connect(ctx context.Context) error {
	err := c.idle()
	if err != nil {
		return err
	}
	cfg := c.Config()
	n := 0
	err = c.retry(ctx, func() error {
		n++
		sess, err := c.open(cfg, daq.WithLogger(c.msg))
		if err != nil {
			return err
		}
		err = sess.Connect(ctx)
		if err != nil {
			c.msg.Printf("could not connect to %v backend (attempt #%d): %+v", cfg.Settings.DAQ, n, err)
			return err
		}
		return sess.Disconnect()
	})
	if err != nil {
		return fmt.Errorf("ctl: could not connect to %v backend: %w", cfg.Settings.DAQ, err)
	}
	c.msg.Printf("connected to %v backend (channel=%q, steps=%d)", cfg.Settings.DAQ, cfg.Channel.Name, cfg.Freqs.Len())
	return nil
}

// Run starts a run.
// When the run ends on a connection loss in auto-repeat mode, runs are
// restarted with the reconnection policy.
func (c *Controller) Run(ctx context.Context) error {
	ch, err := c.sched.Start(ctx)
	if err != nil {
		return fmt.Errorf("ctl: could not start run: %w", err)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			err := c.forward(ch)
			var cerr *daq.ConnectionError
			if !errors.As(err, &cerr) || !c.sched.Repeat() || ctx.Err() != nil {
				return
			}
			c.msg.Printf("connection lost, reconnecting...")
			err = c.retry(ctx, func() error {
				ch, err = c.sched.Start(ctx)
				return err
			})
			if err != nil {
				c.msg.Printf("could not restart run: %+v", err)
				c.setErr(err)
				return
			}
		}
	}()
	return nil
}

// Tune starts a tune session.
func (c *Controller) Tune(ctx context.Context) error {
	ch, err := c.sched.Tune(ctx)
	if err != nil {
		return fmt.Errorf("ctl: could not start tuning: %w", err)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = c.forward(ch)
	}()
	return nil
}

// forward dispatches the messages of a worker until it exits, and
// returns the error of the last finished run.
func (c *Controller) forward(ch <-chan sweep.Msg) error {
	var (
		err   error
		start = time.Now()
	)
	for m := range ch {
		if run, ok := m.(sweep.RunFinished); ok {
			err = run.Err
			c.finished(run, start)
			start = time.Now()
		}
		for _, pub := range c.pubs {
			pub(m)
		}
	}
	return err
}

func (c *Controller) finished(run sweep.RunFinished, start time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if run.Event != nil {
		c.last = run.Event
		c.msg.Printf(
			"run done: %s sweeps in %v (pol=%g)",
			humanize.Comma(int64(run.Event.Sweeps())),
			time.Since(start).Round(time.Millisecond), run.Event.Pol,
		)
	}
	c.err = run.Err
	if run.Err != nil {
		c.msg.Printf("run failed: %+v", run.Err)
	}
}

func (c *Controller) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Abort aborts the active run or tune session.
func (c *Controller) Abort() { c.sched.Abort() }

// SetRepeat sets the auto-repeat mode.
func (c *Controller) SetRepeat(v bool) { c.sched.SetRepeat(v) }

// SetWindow sets the running window of the tune mode.
func (c *Controller) SetWindow(n int) error {
	return c.sched.Tuner().SetWindow(n)
}

// Set sets the value of an operator control.
func (c *Controller) Set(name, value string) error {
	err := c.Config().Controls.Set(name, value)
	if err != nil {
		return fmt.Errorf("ctl: could not set control %q: %w", name, err)
	}
	return nil
}

// SetChannel selects the acquisition channel, carrying over the
// current control values. Channels can only be changed between runs.
func (c *Controller) SetChannel(name string) error {
	err := c.idle()
	if err != nil {
		return err
	}
	ch, ok := c.file.Channels[name]
	if !ok {
		return fmt.Errorf("ctl: unknown channel %q", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, err := c.cfg.WithChannel(ch)
	if err != nil {
		return fmt.Errorf("ctl: could not select channel %q: %w", name, err)
	}
	if base := c.sched.Baseline(); base != nil && len(base.Phase) != cfg.Freqs.Len() {
		c.msg.Printf("clearing baseline %q: size mismatch with channel %q", base.File, name)
		c.sched.SetBaseline(nil)
	}
	c.cfg = cfg
	return nil
}

// SetDAC sets the DAC output of the acquisition backend.
// The DAC can only be set between runs.
func (c *Controller) SetDAC(ctx context.Context, v float64, ch fpga.DACChannel) error {
	err := c.idle()
	if err != nil {
		return err
	}
	sess, err := c.open(c.Config(), daq.WithLogger(c.msg))
	if err != nil {
		return fmt.Errorf("ctl: could not create session: %w", err)
	}
	err = sess.Connect(ctx)
	if err != nil {
		return fmt.Errorf("ctl: could not connect session: %w", err)
	}
	defer sess.Disconnect()

	err = sess.SetDAC(ctx, v, ch)
	if err != nil {
		return fmt.Errorf("ctl: could not set DAC: %w", err)
	}
	return nil
}

// SetBaseline selects the baseline of the next events.
//
// The selection is one of:
//   - "none": no baseline,
//   - "last": the last closed event,
//   - a stop stamp: the event of the event log closest to that stamp,
//   - "end": the last event of the event log.
//
// An empty fname selects the event log of the controller.
func (c *Controller) SetBaseline(fname, at string) error {
	if fname == "" {
		fname = c.evtlog
	}

	var base *event.Baseline
	switch at {
	case "none":
	case "last":
		c.mu.Lock()
		last := c.last
		c.mu.Unlock()
		if last == nil {
			return fmt.Errorf("ctl: no closed event")
		}
		base = last.AsBaseline(c.evtlog)
	case "end":
		rec, err := event.LastRecord(fname)
		if err != nil {
			return fmt.Errorf("ctl: could not find baseline: %w", err)
		}
		base = rec.AsBaseline(fname)
	default:
		stamp, err := strconv.ParseFloat(at, 64)
		if err != nil {
			return fmt.Errorf("ctl: invalid baseline selection %q: %w", at, err)
		}
		rec, err := event.FindRecord(fname, stamp)
		if err != nil {
			return fmt.Errorf("ctl: could not find baseline: %w", err)
		}
		base = rec.AsBaseline(fname)
	}

	if base != nil {
		if n := c.Config().Freqs.Len(); len(base.Phase) != n {
			return fmt.Errorf(
				"ctl: baseline size mismatch (got=%d, want=%d)",
				len(base.Phase), n,
			)
		}
	}
	c.sched.SetBaseline(base)
	return nil
}

// Status is a snapshot of the state of the controller.
type Status struct {
	State    string            `json:"state"`
	Channel  string            `json:"channel"`
	DAQ      string            `json:"daq_type"`
	Controls map[string]string `json:"controls"`
	Repeat   bool              `json:"repeat"`
	Window   int               `json:"window"`
	Baseline string            `json:"baseline,omitempty"`
	Last     *event.HistPoint  `json:"last,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Status returns a snapshot of the state of the controller.
func (c *Controller) Status() Status {
	cfg := c.Config()
	st := Status{
		State:    c.sched.State().String(),
		Channel:  cfg.Channel.Name,
		DAQ:      cfg.Settings.DAQ.String(),
		Controls: make(map[string]string),
		Repeat:   c.sched.Repeat(),
		Window:   c.sched.Tuner().Window(),
	}
	for _, name := range cfg.Controls.Names() {
		st.Controls[name] = cfg.Controls.String(name)
	}
	if base := c.sched.Baseline(); base != nil {
		st.Baseline = fmt.Sprintf("%s@%v", base.File, base.Stamp)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last != nil {
		hp := c.last.HistPoint()
		st.Last = &hp
	}
	if c.err != nil {
		st.Error = c.err.Error()
	}
	return st
}

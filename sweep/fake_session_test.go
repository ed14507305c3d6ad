// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sweep

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/go-lpc/nmr/config"
	"github.com/go-lpc/nmr/daq"
	"github.com/go-lpc/nmr/event"
	"github.com/go-lpc/nmr/fpga"
)

var discard = log.New(io.Discard, "", 0)

// fakeSession is an acquisition session reading chunks from a generator.
type fakeSession struct {
	sem     daq.Semantics
	gen     func(i int) (daq.Chunk, error)
	delay   time.Duration
	connErr error

	mu    sync.Mutex
	reads int
	calls []string
}

func newFakeSession(sem daq.Semantics, chunks ...daq.Chunk) *fakeSession {
	return &fakeSession{
		sem: sem,
		gen: func(i int) (daq.Chunk, error) {
			if i >= len(chunks) {
				return daq.Chunk{}, io.ErrUnexpectedEOF
			}
			return chunks[i], nil
		},
	}
}

func (fs *fakeSession) call(name string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.calls = append(fs.calls, name)
}

func (fs *fakeSession) Calls() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.calls...)
}

func (fs *fakeSession) count(name string) int {
	n := 0
	for _, c := range fs.Calls() {
		if c == name {
			n++
		}
	}
	return n
}

func (fs *fakeSession) Connect(ctx context.Context) error {
	fs.call("connect")
	return fs.connErr
}

func (fs *fakeSession) StartSweeps(ctx context.Context) error {
	fs.call("start")
	return nil
}

func (fs *fakeSession) ReadChunk(ctx context.Context) (daq.Chunk, error) {
	fs.call("read")
	if fs.delay > 0 {
		select {
		case <-ctx.Done():
			return daq.Chunk{}, ctx.Err()
		case <-time.After(fs.delay):
		}
	}
	fs.mu.Lock()
	i := fs.reads
	fs.reads++
	fs.mu.Unlock()
	return fs.gen(i)
}

func (fs *fakeSession) Abort(ctx context.Context) { fs.call("abort") }

func (fs *fakeSession) Stop(ctx context.Context) error {
	fs.call("stop")
	return nil
}

func (fs *fakeSession) SetDAC(ctx context.Context, v float64, ch fpga.DACChannel) error {
	fs.call("dac")
	return nil
}

func (fs *fakeSession) Disconnect() error {
	fs.call("disconnect")
	return nil
}

func (fs *fakeSession) Semantics() daq.Semantics { return fs.sem }

var (
	incremental = daq.Semantics{Mode: event.Incremental, Sequenced: true}
	cumulative  = daq.Semantics{Mode: event.Replace}
)

func chunk(seq, sweeps int, v float64) daq.Chunk {
	c := daq.Chunk{
		Seq:    seq,
		Sweeps: sweeps,
		Phase:  make([]float64, 4),
		Diode:  make([]float64, 4),
	}
	for i := range c.Phase {
		c.Phase[i] = v
		c.Diode[i] = -v
	}
	return c
}

func newConfigFunc(t *testing.T, sweeps int) func() (*config.Config, error) {
	t.Helper()
	ctl, err := config.NewControls(config.Defaults{Sweeps: sweeps, CC: 2})
	if err != nil {
		t.Fatalf("could not create controls: %+v", err)
	}
	cfg, err := config.New(config.Settings{
		DAQ:          config.Replay,
		Steps:        4,
		PerChunk:     4,
		TunePerChunk: 1,
		Replay:       config.ReplaySettings{File: "events.jsonl"},
	}, config.Channel{Name: "proton", CentFreq: 213, ModFreq: 400}, ctl)
	if err != nil {
		t.Fatalf("could not create config: %+v", err)
	}
	return func() (*config.Config, error) { return cfg, nil }
}

func opener(sessions ...daq.Session) Opener {
	var (
		mu sync.Mutex
		i  int
	)
	return func(cfg *config.Config, opts ...daq.Option) (daq.Session, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(sessions) {
			return nil, io.EOF
		}
		sess := sessions[i]
		i++
		return sess, nil
	}
}

// collect reads all the messages of a run.
func collect(t *testing.T, ch <-chan Msg) (chunks []ChunkReady, done []RunFinished) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return chunks, done
			}
			switch m := m.(type) {
			case ChunkReady:
				chunks = append(chunks, m)
			case RunFinished:
				done = append(done, m)
			default:
				t.Fatalf("invalid message type %T", m)
			}
		case <-timeout:
			t.Fatalf("timeout waiting for run messages")
		}
	}
}

// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package node exposes the NMR acquisition as a TDAQ process.
//
// The run-control commands of a TDAQ run are mapped onto the acquisition
// controller, and the acquisition is published on two output handles:
//   - /scans: the running scan, after each folded chunk,
//   - /events: the summary of each closed event.
package node // import "github.com/go-lpc/nmr/node"

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/go-daq/tdaq"
	"github.com/go-lpc/nmr/config"
	"github.com/go-lpc/nmr/ctl"
	"github.com/go-lpc/nmr/sweep"
)

// Node is a TDAQ process driving an acquisition controller.
type Node struct {
	ctl *ctl.Controller

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	scans  chan []byte
	events chan []byte

	nscans  int
	nevts   int
	dropped int
}

// New creates a new TDAQ node for the provided configuration.
// The options are forwarded to the underlying controller.
func New(file *config.File, opts ...ctl.Option) (*Node, error) {
	n := &Node{
		scans:  make(chan []byte, 64),
		events: make(chan []byte, 64),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	c, err := ctl.New(file, append(opts, ctl.WithPublisher(n.publish))...)
	if err != nil {
		return nil, fmt.Errorf("node: could not create controller: %w", err)
	}
	n.ctl = c
	return n, nil
}

// Controller returns the acquisition controller of the node.
func (n *Node) Controller() *ctl.Controller { return n.ctl }

// Register installs the node handlers on the TDAQ server.
func (n *Node) Register(srv *tdaq.Server) {
	srv.CmdHandle("/config", n.OnConfig)
	srv.CmdHandle("/init", n.OnInit)
	srv.CmdHandle("/reset", n.OnReset)
	srv.CmdHandle("/start", n.OnStart)
	srv.CmdHandle("/stop", n.OnStop)
	srv.CmdHandle("/quit", n.OnQuit)

	srv.OutputHandle("/scans", n.Scans)
	srv.OutputHandle("/events", n.Events)
}

func (n *Node) runCtx() context.Context {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ctx
}

// OnConfig selects the channel named in the request body, if any.
func (n *Node) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	if len(req.Body) == 0 {
		return nil
	}

	dec := tdaq.NewDecoder(bytes.NewReader(req.Body))
	name := dec.ReadStr()
	if err := dec.Err(); err != nil {
		return fmt.Errorf("node: could not decode /config request: %w", err)
	}
	if name == "" {
		return nil
	}

	err := n.ctl.SetChannel(name)
	if err != nil {
		ctx.Msg.Errorf("could not select channel %q: %+v", name, err)
		return fmt.Errorf("node: could not select channel %q: %w", name, err)
	}
	ctx.Msg.Infof("channel: %q", name)
	return nil
}

// OnInit checks the connection to the acquisition backend.
func (n *Node) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	err := n.ctl.Connect(ctx.Ctx)
	if err != nil {
		ctx.Msg.Errorf("could not connect: %+v", err)
		return fmt.Errorf("node: could not connect: %w", err)
	}
	return nil
}

// OnReset aborts any ongoing run and drops the pending output frames.
func (n *Node) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	n.ctl.Abort()
	n.ctl.Wait()

	n.mu.Lock()
	n.cancel()
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.nscans = 0
	n.nevts = 0
	n.dropped = 0
	n.mu.Unlock()

	drain(n.scans)
	drain(n.events)
	return nil
}

// OnStart starts a run in auto-repeat mode.
func (n *Node) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	n.ctl.SetRepeat(true)
	err := n.ctl.Run(n.runCtx())
	if err != nil {
		ctx.Msg.Errorf("could not start run: %+v", err)
		return fmt.Errorf("node: could not start run: %w", err)
	}
	return nil
}

// OnStop aborts the ongoing run and waits for its completion.
func (n *Node) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	n.ctl.SetRepeat(false)
	n.ctl.Abort()
	n.ctl.Wait()

	n.mu.Lock()
	nscans, nevts, dropped := n.nscans, n.nevts, n.dropped
	n.mu.Unlock()
	ctx.Msg.Debugf("received /stop command... -> scans=%d, events=%d, dropped=%d", nscans, nevts, dropped)
	return nil
}

// OnQuit stops the node.
func (n *Node) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	n.ctl.SetRepeat(false)
	n.ctl.Abort()
	n.ctl.Wait()

	n.mu.Lock()
	n.cancel()
	n.mu.Unlock()
	return nil
}

// Scans is the /scans output handle.
func (n *Node) Scans(ctx tdaq.Context, dst *tdaq.Frame) error {
	return n.output(ctx, dst, n.scans)
}

// Events is the /events output handle.
func (n *Node) Events(ctx tdaq.Context, dst *tdaq.Frame) error {
	return n.output(ctx, dst, n.events)
}

func (n *Node) output(ctx tdaq.Context, dst *tdaq.Frame, ch chan []byte) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
	case data := <-ch:
		dst.Body = data
	}
	return nil
}

func (n *Node) publish(m sweep.Msg) {
	var (
		raw []byte
		err error
		ch  chan []byte
	)
	switch m := m.(type) {
	case sweep.ChunkReady:
		if m.Scan == nil {
			return
		}
		raw, err = ScanFrame{
			Seq:      uint32(m.Chunk.Seq),
			Progress: m.Progress,
			Scan:     *m.Scan,
		}.MarshalTDAQ()
		ch = n.scans
	case sweep.RunFinished:
		if m.Event == nil {
			return
		}
		raw, err = PointFrame{
			ID:    m.Event.ID.String(),
			Point: m.Event.HistPoint(),
		}.MarshalTDAQ()
		ch = n.events
	default:
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err != nil {
		n.dropped++
		return
	}
	select {
	case ch <- raw:
		if ch == n.scans {
			n.nscans++
		} else {
			n.nevts++
		}
	default:
		n.dropped++
	}
}

func drain(ch chan []byte) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

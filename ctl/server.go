// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/go-lpc/nmr/event"
	"github.com/go-lpc/nmr/fpga"
)

// Request is a command sent to the control server.
type Request struct {
	Name string           `json:"name"`
	Args *json.RawMessage `json:"args,omitempty"`
}

// Reply is the reply of the control server to a request.
// Msg is "ok" on success, the error message otherwise.
type Reply struct {
	Msg  string           `json:"msg"`
	Data *json.RawMessage `json:"data,omitempty"`
}

// Server exposes a controller over a JSON-over-TCP protocol:
// each request is answered by exactly one reply.
type Server struct {
	ctl net.Listener
	msg *log.Logger
	c   *Controller

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer creates a control server listening on addr.
func NewServer(addr string, c *Controller) (*Server, error) {
	ctl, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ctl: could not create server on %q: %w", addr, err)
	}
	return &Server{
		ctl:   ctl,
		msg:   log.New(os.Stdout, "ctl-srv: ", 0),
		c:     c,
		conns: make(map[net.Conn]struct{}),
	}, nil
}

// Addr returns the listening address of the server.
func (srv *Server) Addr() string { return srv.ctl.Addr().String() }

// SetLogger sets the logger of the server.
func (srv *Server) SetLogger(msg *log.Logger) { srv.msg = msg }

// Serve serves clients until ctx is done.
// Runs started by clients live until ctx is done.
func (srv *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { srv.close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := srv.ctl.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			_ = srv.close()
			return fmt.Errorf("ctl: could not accept connection: %w", err)
		}
		srv.track(conn, true)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer srv.track(conn, false)
			srv.handle(ctx, conn)
		}()
	}
}

func (srv *Server) track(conn net.Conn, add bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	switch add {
	case true:
		srv.conns[conn] = struct{}{}
	default:
		delete(srv.conns, conn)
	}
}

// Close stops the server and closes all client connections.
func (srv *Server) Close() error {
	return srv.close()
}

func (srv *Server) close() error {
	err := srv.ctl.Close()
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for conn := range srv.conns {
		_ = conn.Close()
	}
	return err
}

func (srv *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	srv.msg.Printf("serving %v...", conn.RemoteAddr())
	defer srv.msg.Printf("serving %v... [done]", conn.RemoteAddr())

	var (
		dec = json.NewDecoder(conn)
		enc = json.NewEncoder(conn)
	)
	for {
		var req Request
		err := dec.Decode(&req)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			srv.msg.Printf("could not decode command request: %+v", err)
			srv.reply(enc, nil, err)
			return
		}
		srv.msg.Printf("received request: name=%q", req.Name)

		name := strings.ToLower(req.Name)
		if name == "quit" {
			srv.reply(enc, nil, nil)
			return
		}

		data, err := srv.dispatch(ctx, name, req.Args)
		if err != nil {
			srv.msg.Printf("could not run %q: %+v", req.Name, err)
		}
		srv.reply(enc, data, err)
	}
}

func decodeArgs(name string, args *json.RawMessage, ptr any) error {
	if args == nil {
		return fmt.Errorf("ctl: missing arguments for %q", name)
	}
	err := json.Unmarshal(*args, ptr)
	if err != nil {
		return fmt.Errorf("ctl: could not decode %q payload: %w", name, err)
	}
	return nil
}

func (srv *Server) dispatch(ctx context.Context, name string, args *json.RawMessage) (any, error) {
	c := srv.c
	switch name {
	case "connect":
		return nil, c.Connect(ctx)

	case "run":
		return nil, c.Run(ctx)

	case "abort":
		c.Abort()
		return nil, nil

	case "repeat":
		var v bool
		err := decodeArgs(name, args, &v)
		if err != nil {
			return nil, err
		}
		c.SetRepeat(v)
		return nil, nil

	case "tune":
		return nil, c.Tune(ctx)

	case "window":
		var n int
		err := decodeArgs(name, args, &n)
		if err != nil {
			return nil, err
		}
		return nil, c.SetWindow(n)

	case "dac":
		var v struct {
			Value   float64 `json:"value"`
			Channel int     `json:"channel"`
		}
		err := decodeArgs(name, args, &v)
		if err != nil {
			return nil, err
		}
		if v.Channel == 0 {
			v.Channel = int(fpga.DACBoth)
		}
		return nil, c.SetDAC(ctx, v.Value, fpga.DACChannel(v.Channel))

	case "set":
		var v struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		}
		err := decodeArgs(name, args, &v)
		if err != nil {
			return nil, err
		}
		return nil, c.Set(v.Name, v.Value)

	case "channel":
		var v string
		err := decodeArgs(name, args, &v)
		if err != nil {
			return nil, err
		}
		return nil, c.SetChannel(v)

	case "baseline":
		var v struct {
			File string `json:"file"`
			At   string `json:"at"`
		}
		err := decodeArgs(name, args, &v)
		if err != nil {
			return nil, err
		}
		return nil, c.SetBaseline(v.File, v.At)

	case "state":
		return c.Status(), nil

	case "history":
		var v struct {
			Start float64 `json:"start"`
			Stop  float64 `json:"stop"`
		}
		if args != nil {
			err := decodeArgs(name, args, &v)
			if err != nil {
				return nil, err
			}
		}
		pts := c.History().Range(v.Start, v.Stop)
		if pts == nil {
			pts = []event.HistPoint{}
		}
		return pts, nil

	default:
		return nil, fmt.Errorf("ctl: unknown command %q", name)
	}
}

func (srv *Server) reply(enc *json.Encoder, data any, err error) {
	rep := Reply{Msg: "ok"}
	if err != nil {
		rep.Msg = fmt.Sprintf("%+v", err)
	}
	if err == nil && data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			rep.Msg = fmt.Sprintf("could not encode reply: %+v", err)
		} else {
			msg := json.RawMessage(raw)
			rep.Data = &msg
		}
	}

	err = enc.Encode(rep)
	if err != nil {
		srv.msg.Printf("could not send reply: %+v", err)
	}
}

// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package monitor streams the live acquisition to websocket clients:
// the scans folded while a run or a tune is in progress, the end of
// runs and the records of closed events.
package monitor // import "github.com/go-lpc/nmr/monitor"

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-lpc/nmr/event"
	"github.com/go-lpc/nmr/sweep"
	"github.com/gorilla/websocket"
)

// Message is the JSON envelope sent to clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Chunk is the payload of "chunk" messages.
type Chunk struct {
	Seq      int         `json:"seq"`
	Sweeps   int         `json:"sweeps"`
	Progress float64     `json:"progress"`
	Scan     *event.Scan `json:"scan"`
}

// Run is the payload of "run" messages.
type Run struct {
	ID    string  `json:"id,omitempty"`
	Area  float64 `json:"area"`
	Pol   float64 `json:"pol"`
	Error string  `json:"error,omitempty"`
}

const writeWait = 5 * time.Second

// Hub serves the websocket clients and broadcasts messages to them.
// Clients which can not keep up are disconnected.
type Hub struct {
	msg   *log.Logger
	qsize int
	up    websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger of the hub.
func WithLogger(msg *log.Logger) Option {
	return func(h *Hub) { h.msg = msg }
}

// WithQueue sets the number of messages queued per client.
func WithQueue(n int) Option {
	return func(h *Hub) { h.qsize = n }
}

// New creates a new hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		msg:   log.New(os.Stdout, "monitor: ", 0),
		qsize: 64,
		up: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// writePump sends the queued messages to the websocket connection.
func (c *client) writePump() {
	defer c.conn.Close()
	for raw := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := c.conn.WriteMessage(websocket.TextMessage, raw)
		if err != nil {
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// ServeHTTP upgrades the request to a websocket connection and registers
// the new client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.up.Upgrade(w, r, nil)
	if err != nil {
		h.msg.Printf("could not upgrade connection from %s: %+v", r.RemoteAddr, err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, h.qsize)}
	h.add(c)
	go c.writePump()

	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			h.remove(c)
			return
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	h.msg.Printf("client %s connected", c.conn.RemoteAddr())
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.close()
	h.msg.Printf("client %s disconnected", c.conn.RemoteAddr())
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all the connected clients.
func (h *Hub) Broadcast(typ string, data any) error {
	raw, err := json.Marshal(Message{Type: typ, Data: data})
	if err != nil {
		return fmt.Errorf("monitor: could not marshal %q message: %w", typ, err)
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- raw:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.msg.Printf("dropping slow client %s", c.conn.RemoteAddr())
		h.remove(c)
	}
	return nil
}

// Publish broadcasts a message of a run worker.
func (h *Hub) Publish(m sweep.Msg) error {
	switch m := m.(type) {
	case sweep.ChunkReady:
		return h.Broadcast("chunk", Chunk{
			Seq:      m.Chunk.Seq,
			Sweeps:   m.Chunk.Sweeps,
			Progress: m.Progress,
			Scan:     m.Scan,
		})
	case sweep.RunFinished:
		var run Run
		if m.Event != nil {
			run.ID = m.Event.ID.String()
			run.Area = m.Event.Area
			run.Pol = m.Event.Pol
		}
		if m.Err != nil {
			run.Error = m.Err.Error()
		}
		return h.Broadcast("run", run)
	default:
		return fmt.Errorf("monitor: unknown message type %T", m)
	}
}

// WriteRecord broadcasts the record of a closed event.
func (h *Hub) WriteRecord(ctx context.Context, rec event.Record) error {
	return h.Broadcast("event", rec)
}

// Close disconnects all the clients.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	return nil
}

var _ event.Sink = (*Hub)(nil)

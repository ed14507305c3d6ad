// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-lpc/nmr/daq"
	"github.com/go-lpc/nmr/event"
	"github.com/go-lpc/nmr/sweep"
	"github.com/gorilla/websocket"
)

var discard = log.New(io.Discard, "", 0)

func dial(t *testing.T, srv *httptest.Server, hub *Hub, n int) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("could not dial hub: %+v", err)
	}
	waitFor(t, func() bool { return hub.Len() == n })
	return conn
}

func waitFor(t *testing.T, ok func() bool) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for !ok() {
		select {
		case <-timeout:
			t.Fatalf("timeout waiting for hub")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func read(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg envelope
	err := conn.ReadJSON(&msg)
	if err != nil {
		t.Fatalf("could not read message: %+v", err)
	}
	return msg
}

func TestHub(t *testing.T) {
	hub := New(WithLogger(discard))
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	c1 := dial(t, srv, hub, 1)
	defer c1.Close()
	c2 := dial(t, srv, hub, 2)
	defer c2.Close()

	scan := &event.Scan{Sweeps: 4, Phase: []float64{1, 2}, Diode: []float64{-1, -2}}
	err := hub.Publish(sweep.ChunkReady{
		Chunk:    daq.Chunk{Seq: 3, Sweeps: 2},
		Scan:     scan,
		Progress: 0.25,
	})
	if err != nil {
		t.Fatalf("could not publish chunk: %+v", err)
	}

	err = hub.Publish(sweep.RunFinished{Err: sweep.ErrAborted})
	if err != nil {
		t.Fatalf("could not publish run: %+v", err)
	}

	err = hub.WriteRecord(context.Background(), event.Record{Type: event.RecordType, ID: "evt-1", Pol: 0.5})
	if err != nil {
		t.Fatalf("could not write record: %+v", err)
	}

	for _, conn := range []*websocket.Conn{c1, c2} {
		msg := read(t, conn)
		if got, want := msg.Type, "chunk"; got != want {
			t.Fatalf("invalid message type: got=%q, want=%q", got, want)
		}
		var chunk Chunk
		err := json.Unmarshal(msg.Data, &chunk)
		if err != nil {
			t.Fatalf("could not decode chunk: %+v", err)
		}
		if chunk.Seq != 3 || chunk.Sweeps != 2 || chunk.Progress != 0.25 || chunk.Scan.Sweeps != 4 {
			t.Fatalf("invalid chunk: %+v", chunk)
		}

		msg = read(t, conn)
		var run Run
		err = json.Unmarshal(msg.Data, &run)
		if err != nil {
			t.Fatalf("could not decode run: %+v", err)
		}
		if msg.Type != "run" || run.Error != sweep.ErrAborted.Error() || run.ID != "" {
			t.Fatalf("invalid run message: %s: %+v", msg.Type, run)
		}

		msg = read(t, conn)
		var rec event.Record
		err = json.Unmarshal(msg.Data, &rec)
		if err != nil {
			t.Fatalf("could not decode record: %+v", err)
		}
		if msg.Type != "event" || rec.ID != "evt-1" || rec.Pol != 0.5 {
			t.Fatalf("invalid event message: %s: %+v", msg.Type, rec)
		}
	}

	err = c1.Close()
	if err != nil {
		t.Fatalf("could not close client: %+v", err)
	}
	waitFor(t, func() bool { return hub.Len() == 1 })

	err = hub.Close()
	if err != nil {
		t.Fatalf("could not close hub: %+v", err)
	}
	if got := hub.Len(); got != 0 {
		t.Fatalf("invalid number of clients: %d", got)
	}
	_ = c2.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = c2.ReadMessage()
	var cerr *websocket.CloseError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected a close message, got %+v", err)
	}
}

func TestHubSlowClient(t *testing.T) {
	hub := New(WithLogger(discard), WithQueue(1))
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn := dial(t, srv, hub, 1)
	defer conn.Close()

	big := make([]float64, 1<<16)
	for i := 0; i < 1000 && hub.Len() > 0; i++ {
		err := hub.Broadcast("scan", big)
		if err != nil {
			t.Fatalf("could not broadcast: %+v", err)
		}
	}
	if got := hub.Len(); got != 0 {
		t.Fatalf("slow client not dropped (clients=%d)", got)
	}
}

func TestPublishUnknown(t *testing.T) {
	hub := New(WithLogger(discard))
	err := hub.Publish(nil)
	if err == nil {
		t.Fatalf("expected an error")
	}
	err = hub.Broadcast("bad", func() {})
	if err == nil {
		t.Fatalf("expected a marshal error")
	}
}

// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sockopt

import (
	"net"
	"testing"
)

func TestSetRecvBuffer(t *testing.T) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("could not listen: %+v", err)
	}
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("could not dial: %+v", err)
	}
	defer conn.Close()

	got, err := SetRecvBuffer(conn.(*net.TCPConn), 1<<16)
	if err != nil {
		t.Fatalf("could not set receive buffer: %+v", err)
	}
	if got <= 0 {
		t.Fatalf("invalid receive buffer size: %d", got)
	}

	_, err = SetRecvBuffer(conn.(*net.TCPConn), 0)
	if err == nil {
		t.Fatalf("expected an error for a null buffer size")
	}
}

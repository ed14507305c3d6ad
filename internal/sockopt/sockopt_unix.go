// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package sockopt

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

func setRecvBuffer(raw syscall.RawConn, n int) (int, error) {
	var (
		got  int
		serr error
	)
	err := raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, n)
		if serr != nil {
			return
		}
		got, serr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
	})
	if err != nil {
		return 0, fmt.Errorf("sockopt: could not control socket: %w", err)
	}
	if serr != nil {
		return 0, fmt.Errorf("sockopt: could not set SO_RCVBUF=%d: %w", n, serr)
	}
	return got, nil
}

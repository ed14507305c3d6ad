// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sockopt sets low-level socket options.
package sockopt // import "github.com/go-lpc/nmr/internal/sockopt"

import (
	"fmt"
	"syscall"
)

// SetRecvBuffer sets the size of the kernel receive buffer of c to n bytes.
// SetRecvBuffer returns the size actually granted by the kernel.
func SetRecvBuffer(c syscall.Conn, n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("sockopt: invalid receive buffer size %d", n)
	}
	raw, err := c.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("sockopt: could not access raw connection: %w", err)
	}
	return setRecvBuffer(raw, n)
}

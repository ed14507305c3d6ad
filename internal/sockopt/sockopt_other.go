// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !unix

package sockopt

import (
	"fmt"
	"runtime"
	"syscall"
)

func setRecvBuffer(raw syscall.RawConn, n int) (int, error) {
	return 0, fmt.Errorf("sockopt: SO_RCVBUF not supported on %s", runtime.GOOS)
}

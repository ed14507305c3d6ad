// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package nmr holds code for the NMR polarization DAQ.
//
// The acquisition pipeline is split in layers:
//   - fpga: wire format of the sweep FPGA (registers, frequency tables, chunk stream),
//   - daq: acquisition sessions (FPGA network, cumulative hardware, replay),
//   - event: scans, running averages, events and their JSON-lines log,
//   - sweep: the acquisition and tune loops,
//   - ctl: the orchestrating layer and its control server.
//
// Events are analyzed by package analysis, decorated with the readings of
// package status and published through histdb (SQL history), monitor
// (websocket) and alert (mails). Package node runs the acquisition as a
// TDAQ process.
package nmr // import "github.com/go-lpc/nmr"

import (
	"runtime/debug"
)

const modulePath = "github.com/go-lpc/nmr"

// Version returns the version of nmr and its checksum.
// The returned values are only valid in binaries built with module support.
func Version() (version, sum string) {
	b, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	return versionOf(b)
}

func versionOf(b *debug.BuildInfo) (version, sum string) {
	if b == nil {
		return "", ""
	}

	if b.Main.Path == modulePath {
		return b.Main.Version, b.Main.Sum
	}

	for _, m := range b.Deps {
		if m.Path != modulePath {
			continue
		}
		if r := m.Replace; r != nil {
			switch {
			case r.Version != "" && r.Path != "":
				return r.Path + " " + r.Version, r.Sum
			case r.Version != "":
				return r.Version, r.Sum
			case r.Path != "":
				return r.Path, r.Sum
			}
			return m.Version + "*", ""
		}
		return m.Version, m.Sum
	}
	return "", ""
}

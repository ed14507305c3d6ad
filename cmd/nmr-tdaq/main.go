// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command nmr-tdaq starts a TDAQ process running the NMR acquisition.
//
// Usage:
//
//	$> nmr-tdaq -id nmr-daq -rc-addr :44000 ./nmr.yaml
package main // import "github.com/go-lpc/nmr/cmd/nmr-tdaq"

import (
	"context"
	"log"
	"os"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/go-lpc/nmr/analysis"
	"github.com/go-lpc/nmr/config"
	"github.com/go-lpc/nmr/ctl"
	"github.com/go-lpc/nmr/node"
	"github.com/go-lpc/nmr/status"
	"github.com/go-lpc/nmr/sweep"
)

func main() {
	cmd := flags.New()

	log.SetPrefix("nmr-tdaq: ")
	log.SetFlags(0)

	fname := "nmr.yaml"
	if len(cmd.Args) > 0 {
		fname = cmd.Args[0]
	}

	file, err := config.Load(fname)
	if err != nil {
		log.Fatalf("could not load configuration: %+v", err)
	}

	dev, err := node.New(file, ctl.WithScheduler(
		sweep.WithStatus(status.New(file.Settings.Status)),
		sweep.WithAnalyzer(analysis.Default()),
	))
	if err != nil {
		log.Fatalf("could not create node: %+v", err)
	}

	srv := tdaq.New(cmd, os.Stdout)
	dev.Register(srv)

	err = srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

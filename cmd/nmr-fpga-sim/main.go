// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command nmr-fpga-sim runs a simulated NMR sweep FPGA, for bench tests
// of the acquisition without hardware.
//
// Usage:
//
//	$> nmr-fpga-sim -addr :5000 -height 0.2 -delay 10ms
package main // import "github.com/go-lpc/nmr/cmd/nmr-fpga-sim"

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/go-lpc/nmr/fpga"
	"github.com/go-lpc/nmr/internal/fakefpga"
)

func main() {
	var (
		addr   = flag.String("addr", ":5000", "[ip]:port to listen on, for both UDP and TCP")
		height = flag.Float64("height", 0.1, "height of the simulated phase line (V)")
		diode  = flag.Float64("diode", 0.5, "level of the simulated diode signal (V)")
		delay  = flag.Duration("delay", 0, "delay between two chunks")
		adc    = flag.Int("phase-adc", 1, "ADC number (1 or 2) the phase signal is cabled to")
	)

	flag.Parse()

	log.SetPrefix("nmr-fpga-sim: ")
	log.SetFlags(0)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := run(ctx, *addr, *height, *diode, *delay, *adc)
	if err != nil {
		log.Fatalf("could not run simulator: %+v", err)
	}
}

func run(ctx context.Context, addr string, height, diode float64, delay time.Duration, adc int) error {
	smap, err := fpga.SpeciesMapFrom(adc)
	if err != nil {
		return fmt.Errorf("invalid phase ADC: %w", err)
	}

	srv, err := fakefpga.New(addr,
		fakefpga.WithLogger(log.Default()),
		fakefpga.WithSpeciesMap(smap),
		fakefpga.WithDelay(delay),
		fakefpga.WithSignal(fakefpga.Lorentzian(height, diode)),
	)
	if err != nil {
		return fmt.Errorf("could not create simulator: %w", err)
	}
	log.Printf("listening on %v...", srv.Addr())

	<-ctx.Done()

	regs := srv.Registers()
	log.Printf("shutting down (last registers: %+v, commands: %d)", regs, len(srv.Commands()))
	return srv.Close()
}

// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-lpc/nmr/config"
	"github.com/go-lpc/nmr/event"
	"github.com/go-lpc/nmr/fpga"
	"github.com/go-lpc/nmr/internal/sockopt"
)

// Network is a session on the sweep FPGA.
//
// The FPGA is configured over UDP, each frame being acknowledged,
// and streams chunks of summed sweeps over TCP.
type Network struct {
	msg  *log.Logger
	set  config.FPGASettings
	tune bool

	steps []int16
	regs  fpga.Registers
	smap  fpga.SpeciesMap
	cal   fpga.Calibration
	rbuf  int // size of the chunk stream receive buffer

	udp net.Conn
	tcp net.Conn
	asm *fpga.Assembler
}

var _ Session = (*Network)(nil)

func newNetwork(cfg *config.Config, o options) (*Network, error) {
	set := cfg.Settings.FPGA
	smap, err := fpga.SpeciesMapFrom(set.PhaseADC)
	if err != nil {
		return nil, fmt.Errorf("daq: could not create species map: %w", err)
	}
	dac, err := fpga.DACValue(set.DAC)
	if err != nil {
		return nil, fmt.Errorf("daq: could not create DAC value: %w", err)
	}

	sweeps := cfg.Controls.Sweeps()
	if !o.tune && sweeps > 1<<16-1 {
		return nil, fmt.Errorf("daq: too many sweeps for the FPGA register (sweeps=%d, max=%d)", sweeps, 1<<16-1)
	}

	return &Network{
		msg:   o.msg,
		set:   set,
		tune:  o.tune,
		steps: cfg.Freqs.Steps(),
		regs: fpga.Registers{
			Dwell:    set.Dwell,
			PerPoint: set.PerPoint,
			Sweeps:   uint16(sweeps),
			PerChunk: uint16(cfg.Settings.PerChunk),
			Tune:     uint16(cfg.Settings.TunePerChunk),
			ADC: fpga.ADCConfig{
				TestMode: set.ADCTest,
				DRate1:   set.ADCDRate1,
				DRate0:   set.ADCDRate0,
				FPath:    set.ADCFPath,
			},
			DAC:     dac,
			DACChan: fpga.DACChannel(set.DACChannel),
		},
		smap: smap,
		cal:  fpga.Calibration{Phase: set.PhaseCal, Diode: set.DiodeCal},
		rbuf: set.TCPBuffer,
	}, nil
}

// Connect configures the FPGA (register set and frequency table) and
// opens the chunk stream.
func (n *Network) Connect(ctx context.Context) (err error) {
	if n.udp != nil {
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("already connected")}
	}

	addr := n.set.Addr()
	n.msg.Printf("connecting to FPGA at %q...", addr)

	var dialer net.Dialer
	n.udp, err = dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return &ConnectionError{Op: "dial-udp", Err: err}
	}
	defer func() {
		if err != nil {
			_ = n.Disconnect()
		}
	}()

	frame, err := n.frame(func(enc *fpga.Encoder) error {
		return enc.EncodeRegisters(n.regs, n.tune)
	})
	if err != nil {
		return err
	}
	err = n.command(ctx, fpga.CmdSetRegister, frame)
	if err != nil {
		return err
	}

	frame, err = n.frame(func(enc *fpga.Encoder) error {
		return enc.EncodeFreqTable(n.steps)
	})
	if err != nil {
		return err
	}
	err = n.command(ctx, fpga.CmdSetFreq, frame)
	if err != nil {
		return err
	}

	reply, err := n.exchange(ctx, fpga.CmdReadFreq, fpga.FreqReplySize)
	if err != nil {
		return err
	}
	back, err := fpga.DecodeFreqReply(reply)
	if err != nil {
		return &ConnectionError{Op: fpga.CmdReadFreq.String(), Err: err}
	}
	if !equalSteps(back, n.steps) {
		return &ConnectionError{
			Op:  fpga.CmdReadFreq.String(),
			Err: fmt.Errorf("frequency table read back differs from the one sent (steps=%d, want=%d)", len(back), len(n.steps)),
		}
	}
	n.msg.Printf("read back frequency table (%s)", humanize.Bytes(uint64(len(reply))))

	dialer.Timeout = n.set.RunTimeout.D()
	n.tcp, err = dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &ConnectionError{Op: "dial-tcp", Err: err}
	}
	if conn, ok := n.tcp.(*net.TCPConn); ok {
		size, err := sockopt.SetRecvBuffer(conn, n.rbuf)
		switch err {
		case nil:
			n.msg.Printf("chunk stream receive buffer: %s", humanize.IBytes(uint64(size)))
		default:
			n.msg.Printf("could not set chunk stream receive buffer: %+v", err)
		}
	}

	n.asm, err = fpga.NewAssembler(
		bufio.NewReaderSize(n.tcp, n.rbuf), len(n.steps), n.smap, n.cal,
	)
	if err != nil {
		return fmt.Errorf("daq: could not create chunk assembler: %w", err)
	}

	n.msg.Printf("connecting to FPGA at %q... [ok]", addr)
	return nil
}

// StartSweeps activates the sweeps.
func (n *Network) StartSweeps(ctx context.Context) error {
	if n.udp == nil {
		return ErrNotConnected
	}
	return n.command(ctx, fpga.CmdActSweep, nil)
}

// ReadChunk reads the next chunk from the chunk stream.
// A chunk not received within the run timeout is a connection loss.
func (n *Network) ReadChunk(ctx context.Context) (Chunk, error) {
	if n.asm == nil {
		return Chunk{}, ErrNotConnected
	}

	limit := n.set.RunTimeout.D()
	err := n.tcp.SetReadDeadline(deadline(ctx, limit))
	if err != nil {
		return Chunk{}, &ConnectionError{Op: "read-chunk", Err: err}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = n.tcp.SetReadDeadline(time.Now())
	})
	defer stop()

	c, err := n.asm.Next()
	if err != nil {
		var ferr *fpga.FramingError
		switch {
		case errors.As(err, &ferr):
			return Chunk{}, err
		case ctx.Err() != nil:
			return Chunk{}, fmt.Errorf("daq: could not read chunk: %w", ctx.Err())
		}
		return Chunk{}, connError("read-chunk", limit, err)
	}
	if skip := n.asm.Skipped(); skip > 0 {
		n.msg.Printf("skipped %d filler bytes in chunk %d", skip, c.Seq)
	}

	return Chunk{
		Seq:    int(c.Seq),
		Sweeps: int(c.Sweeps),
		Phase:  c.Phase,
		Diode:  c.Diode,
	}, nil
}

// Abort interrupts the sweeps and drains the last chunk sent by the
// FPGA, leaving the chunk stream in sync.
func (n *Network) Abort(ctx context.Context) {
	if n.udp == nil {
		return
	}
	err := n.command(ctx, fpga.CmdIntSweep, nil)
	if err != nil {
		n.msg.Printf("could not interrupt sweeps: %+v", err)
	}
	_, err = n.ReadChunk(ctx)
	if err != nil {
		n.msg.Printf("could not drain chunk stream: %+v", err)
	}
}

// Stop is a no-op: the FPGA stops by itself once all sweeps are sent.
func (n *Network) Stop(ctx context.Context) error {
	return nil
}

// SetDAC sends the register set with a new DAC value and channel.
func (n *Network) SetDAC(ctx context.Context, v float64, ch fpga.DACChannel) error {
	dac, err := fpga.DACValue(v)
	if err != nil {
		return err
	}
	switch ch {
	case fpga.DACPhase, fpga.DACDiode, fpga.DACBoth:
	default:
		return fmt.Errorf("daq: invalid DAC channel %d", ch)
	}
	if n.udp == nil {
		return ErrNotConnected
	}

	regs := n.regs
	regs.DAC = dac
	regs.DACChan = ch
	frame, err := n.frame(func(enc *fpga.Encoder) error {
		return enc.EncodeRegisters(regs, n.tune)
	})
	if err != nil {
		return err
	}
	err = n.command(ctx, fpga.CmdSetRegister, frame)
	if err != nil {
		return err
	}
	n.regs = regs
	return nil
}

// Status reads back the status block of the FPGA.
func (n *Network) Status(ctx context.Context) ([]byte, error) {
	if n.udp == nil {
		return nil, ErrNotConnected
	}
	return n.exchange(ctx, fpga.CmdReadStat, fpga.StatReplySize)
}

// Disconnect closes the command and chunk stream sockets.
func (n *Network) Disconnect() error {
	var errTCP, errUDP error
	if n.tcp != nil {
		errTCP = n.tcp.Close()
	}
	if n.udp != nil {
		errUDP = n.udp.Close()
	}
	n.tcp = nil
	n.udp = nil
	n.asm = nil

	if errTCP != nil {
		return fmt.Errorf("daq: could not close chunk stream: %w", errTCP)
	}
	if errUDP != nil {
		return fmt.Errorf("daq: could not close command socket: %w", errUDP)
	}
	return nil
}

func (n *Network) Semantics() Semantics {
	return Semantics{Mode: event.Incremental, Sequenced: true}
}

func (n *Network) frame(f func(enc *fpga.Encoder) error) ([]byte, error) {
	var buf bytes.Buffer
	err := f(fpga.NewEncoder(&buf))
	if err != nil {
		return nil, fmt.Errorf("daq: could not encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// command sends a frame and checks the FPGA acknowledgement.
// A nil frame sends the bare command.
func (n *Network) command(ctx context.Context, cmd fpga.Command, frame []byte) error {
	if frame == nil {
		var err error
		frame, err = n.frame(func(enc *fpga.Encoder) error {
			return enc.EncodeCommand(cmd)
		})
		if err != nil {
			return err
		}
	}

	reply, err := n.send(ctx, cmd, frame, 1024)
	if err != nil {
		return err
	}
	if !fpga.IsAck(reply) {
		return &ConnectionError{
			Op:  cmd.String(),
			Err: fmt.Errorf("invalid acknowledgement (got=%x, want=%x)", reply, fpga.Ack),
		}
	}
	return nil
}

// exchange sends a bare command and returns the reply.
func (n *Network) exchange(ctx context.Context, cmd fpga.Command, size int) ([]byte, error) {
	frame, err := n.frame(func(enc *fpga.Encoder) error {
		return enc.EncodeCommand(cmd)
	})
	if err != nil {
		return nil, err
	}
	return n.send(ctx, cmd, frame, size)
}

// send sends a frame and reads back a single reply datagram.
func (n *Network) send(ctx context.Context, cmd fpga.Command, frame []byte, size int) ([]byte, error) {
	var (
		op    = cmd.String()
		limit = n.set.UDPTimeout.D()
	)
	err := n.udp.SetDeadline(deadline(ctx, limit))
	if err != nil {
		return nil, &ConnectionError{Op: op, Err: err}
	}

	_, err = n.udp.Write(frame)
	if err != nil {
		return nil, connError(op, limit, err)
	}

	buf := make([]byte, size)
	m, err := n.udp.Read(buf)
	if err != nil {
		return nil, connError(op, limit, err)
	}
	return buf[:m], nil
}

func deadline(ctx context.Context, limit time.Duration) time.Time {
	dl := time.Now().Add(limit)
	if v, ok := ctx.Deadline(); ok && v.Before(dl) {
		dl = v
	}
	return dl
}

func connError(op string, limit time.Duration, err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		err = &TimeoutError{Op: op, Limit: limit, Err: err}
	}
	return &ConnectionError{Op: op, Err: err}
}

func equalSteps(a, b []int16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakefpga simulates the NMR sweep FPGA.
//
// The simulator serves configuration and control frames over UDP and
// streams chunks over TCP, on the same port number, as the real board does.
package fakefpga // import "github.com/go-lpc/nmr/internal/fakefpga"

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/go-lpc/nmr/fpga"
)

// Signal returns the phase and diode signals (in volts) of the i-th chunk.
type Signal func(i, steps int) (phase, diode []float64)

// Option configures a simulator.
type Option func(srv *Server)

// WithLogger sets the logger of the simulator.
func WithLogger(msg *log.Logger) Option {
	return func(srv *Server) { srv.msg = msg }
}

// WithSpeciesMap sets how species are tagged in the chunk stream.
func WithSpeciesMap(m fpga.SpeciesMap) Option {
	return func(srv *Server) { srv.smap = m }
}

// WithCalibration sets the ADC counts per volt of both species.
func WithCalibration(cal fpga.Calibration) Option {
	return func(srv *Server) { srv.cal = cal }
}

// WithLead sets the sentinel of the sub-stream sent first in each chunk.
func WithLead(sentinel byte) Option {
	return func(srv *Server) { srv.lead = sentinel }
}

// WithDelay sets the delay between two chunks.
func WithDelay(d time.Duration) Option {
	return func(srv *Server) { srv.delay = d }
}

// WithSignal sets the signals streamed by the simulator.
func WithSignal(f Signal) Option {
	return func(srv *Server) { srv.signal = f }
}

// WithSequence sets the sequence number sent with the i-th chunk of a run.
func WithSequence(f func(i int) uint16) Option {
	return func(srv *Server) { srv.seqOf = f }
}

// WithNack makes the simulator reply with an invalid acknowledgement
// to the given command. For read-freq, the table read back is corrupted.
func WithNack(cmd fpga.Command) Option {
	return func(srv *Server) { srv.nack[cmd] = true }
}

// Server is a simulated FPGA.
type Server struct {
	msg *log.Logger
	udp *net.UDPConn
	tcp net.Listener

	smap   fpga.SpeciesMap
	cal    fpga.Calibration
	lead   byte
	delay  time.Duration
	signal Signal
	seqOf  func(i int) uint16
	nack   map[fpga.Command]bool

	mu    sync.Mutex
	regs  fpga.Registers
	freqs []int16
	cmds  []fpga.Command
	conn  net.Conn
	run   *sweepRun

	wmu  sync.Mutex // serializes writes to the chunk stream
	quit chan struct{}
	wg   sync.WaitGroup
}

type sweepRun struct {
	conn  net.Conn
	steps int
	total int
	per   int
	next  int // index of the next chunk, guarded by wmu

	stop chan struct{}
	done chan struct{}
}

// New creates a simulated FPGA listening on addr, for both UDP and TCP.
func New(addr string, opts ...Option) (*Server, error) {
	tcp, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("fakefpga: could not listen on tcp %q: %w", addr, err)
	}
	taddr := tcp.Addr().(*net.TCPAddr)

	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: taddr.IP, Port: taddr.Port})
	if err != nil {
		_ = tcp.Close()
		return nil, fmt.Errorf("fakefpga: could not listen on udp %v: %w", taddr, err)
	}

	srv := &Server{
		msg:    log.New(os.Stdout, "fakefpga: ", 0),
		udp:    udp,
		tcp:    tcp,
		smap:   fpga.PhaseFirst,
		cal:    fpga.Calibration{Phase: 1e6, Diode: 1e6},
		lead:   fpga.SentinelA,
		signal: Lorentzian(0.1, 0.5),
		seqOf:  func(i int) uint16 { return uint16(i) },
		nack:   make(map[fpga.Command]bool),
		quit:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.wg.Add(2)
	go srv.serveUDP()
	go srv.serveTCP()

	return srv, nil
}

// Addr returns the address the simulator listens on.
func (srv *Server) Addr() *net.TCPAddr {
	return srv.tcp.Addr().(*net.TCPAddr)
}

// Registers returns the last register set received.
func (srv *Server) Registers() fpga.Registers {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.regs
}

// Freqs returns the last frequency table received.
func (srv *Server) Freqs() []int16 {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return append([]int16(nil), srv.freqs...)
}

// Commands returns the list of commands received so far.
func (srv *Server) Commands() []fpga.Command {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return append([]fpga.Command(nil), srv.cmds...)
}

// Close shuts the simulator down.
func (srv *Server) Close() error {
	select {
	case <-srv.quit:
		return nil
	default:
		close(srv.quit)
	}

	errTCP := srv.tcp.Close()
	errUDP := srv.udp.Close()

	srv.mu.Lock()
	run := srv.run
	srv.run = nil
	if srv.conn != nil {
		_ = srv.conn.Close()
	}
	srv.mu.Unlock()
	run.halt()

	srv.wg.Wait()

	if errTCP != nil {
		return fmt.Errorf("fakefpga: could not close tcp listener: %w", errTCP)
	}
	if errUDP != nil {
		return fmt.Errorf("fakefpga: could not close udp socket: %w", errUDP)
	}
	return nil
}

func (srv *Server) closed() bool {
	select {
	case <-srv.quit:
		return true
	default:
		return false
	}
}

func (srv *Server) serveTCP() {
	defer srv.wg.Done()
	for {
		conn, err := srv.tcp.Accept()
		if err != nil {
			if !srv.closed() {
				srv.msg.Printf("could not accept connection: %+v", err)
			}
			return
		}
		srv.msg.Printf("chunk stream connected to %v", conn.RemoteAddr())

		srv.mu.Lock()
		old := srv.conn
		srv.conn = conn
		run := srv.run
		srv.run = nil
		srv.mu.Unlock()

		run.halt()
		if old != nil {
			_ = old.Close()
		}

		srv.wg.Add(1)
		go srv.watch(conn)
	}
}

// watch releases the chunk stream once the client closes it.
func (srv *Server) watch(conn net.Conn) {
	defer srv.wg.Done()
	_, _ = io.Copy(io.Discard, conn)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.conn == conn {
		srv.conn = nil
	}
}

// stream returns the current chunk stream, waiting a bit for a
// client that has just connected.
func (srv *Server) stream() net.Conn {
	const timeout = time.Second
	beg := time.Now()
	for {
		srv.mu.Lock()
		conn := srv.conn
		srv.mu.Unlock()
		if conn != nil || time.Since(beg) > timeout || srv.closed() {
			return conn
		}
		time.Sleep(time.Millisecond)
	}
}

func (srv *Server) serveUDP() {
	defer srv.wg.Done()
	buf := make([]byte, 1<<17)
	for {
		n, peer, err := srv.udp.ReadFromUDP(buf)
		if err != nil {
			if srv.closed() {
				return
			}
			srv.msg.Printf("could not read frame: %+v", err)
			continue
		}

		reply := srv.handle(buf[:n])
		if reply == nil {
			continue
		}
		_, err = srv.udp.WriteToUDP(reply, peer)
		if err != nil {
			srv.msg.Printf("could not send reply to %v: %+v", peer, err)
		}
	}
}

func (srv *Server) handle(p []byte) []byte {
	cmd, err := fpga.CommandOf(p)
	if err != nil {
		srv.msg.Printf("could not decode frame: %+v", err)
		return nil
	}

	srv.mu.Lock()
	srv.cmds = append(srv.cmds, cmd)
	srv.mu.Unlock()

	ack := fpga.Ack
	if srv.nack[cmd] {
		ack = []byte{0x03, 0x00, 0x00}
	}

	switch cmd {
	case fpga.CmdSetRegister:
		regs, err := fpga.DecodeRegisters(p)
		if err != nil {
			srv.msg.Printf("could not decode registers: %+v", err)
			return nil
		}
		srv.mu.Lock()
		srv.regs = regs
		srv.mu.Unlock()
		return ack

	case fpga.CmdSetFreq:
		freqs, err := fpga.DecodeFreqTable(p)
		if err != nil {
			srv.msg.Printf("could not decode frequency table: %+v", err)
			return nil
		}
		srv.mu.Lock()
		srv.freqs = freqs
		srv.mu.Unlock()
		return ack

	case fpga.CmdReadFreq:
		return srv.readFreq()

	case fpga.CmdReadStat:
		return srv.readStat()

	case fpga.CmdActSweep:
		srv.start()
		return ack

	case fpga.CmdIntSweep:
		srv.interrupt()
		return ack

	default:
		srv.msg.Printf("unknown command %v", cmd)
		return nil
	}
}

func (srv *Server) readFreq() []byte {
	srv.mu.Lock()
	freqs := append([]int16(nil), srv.freqs...)
	srv.mu.Unlock()

	if srv.nack[fpga.CmdReadFreq] && len(freqs) > 0 {
		freqs[0] = ^freqs[0]
	}

	var buf bytes.Buffer
	err := fpga.NewEncoder(&buf).EncodeFreqTable(freqs)
	if err != nil {
		srv.msg.Printf("could not encode frequency table: %+v", err)
	}
	out := make([]byte, fpga.FreqReplySize)
	copy(out, buf.Bytes())
	return out
}

func (srv *Server) readStat() []byte {
	srv.mu.Lock()
	regs := srv.regs
	srv.mu.Unlock()

	var buf bytes.Buffer
	err := fpga.NewEncoder(&buf).EncodeRegisters(regs, false)
	if err != nil {
		srv.msg.Printf("could not encode registers: %+v", err)
	}
	out := make([]byte, fpga.StatReplySize)
	copy(out, buf.Bytes())
	return out
}

func (srv *Server) start() {
	srv.mu.Lock()
	prev := srv.run
	srv.run = nil
	regs := srv.regs
	steps := len(srv.freqs)
	srv.mu.Unlock()

	prev.halt()
	conn := srv.stream()

	switch {
	case conn == nil:
		srv.msg.Printf("no chunk stream connection")
		return
	case steps == 0:
		srv.msg.Printf("no frequency table")
		return
	}

	run := &sweepRun{
		conn:  conn,
		steps: steps,
		total: int(regs.Sweeps),
		per:   int(regs.PerChunk),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	if run.per <= 0 {
		run.per = run.total
	}

	srv.mu.Lock()
	srv.run = run
	srv.mu.Unlock()

	srv.wg.Add(1)
	go srv.generate(run)
}

func (srv *Server) generate(run *sweepRun) {
	defer srv.wg.Done()
	defer close(run.done)

	for sent := 0; sent < run.total; {
		select {
		case <-run.stop:
			return
		case <-srv.quit:
			return
		default:
		}

		k := min(run.per, run.total-sent)
		err := srv.send(run, k)
		if err != nil {
			srv.msg.Printf("could not send chunk: %+v", err)
			return
		}
		sent += k

		if srv.delay > 0 {
			select {
			case <-run.stop:
				return
			case <-srv.quit:
				return
			case <-time.After(srv.delay):
			}
		}
	}
}

// interrupt stops the current run and sends one last chunk,
// so a reader blocked on the stream is released.
func (srv *Server) interrupt() {
	srv.mu.Lock()
	run := srv.run
	srv.run = nil
	srv.mu.Unlock()

	if run == nil {
		return
	}
	run.halt()

	err := srv.send(run, max(1, min(run.per, run.total)))
	if err != nil {
		srv.msg.Printf("could not send last chunk: %+v", err)
	}
}

func (srv *Server) send(run *sweepRun, sweeps int) error {
	srv.wmu.Lock()
	defer srv.wmu.Unlock()

	i := run.next
	phase, diode := srv.signal(i, run.steps)
	raw := fpga.RawChunk{
		Seq:    srv.seqOf(i),
		Sweeps: uint16(sweeps),
		Phase:  fpga.Counts(phase, sweeps, srv.cal.Phase),
		Diode:  fpga.Counts(diode, sweeps, srv.cal.Diode),
	}
	err := fpga.NewEncoder(run.conn).EncodeChunk(raw, srv.smap, srv.lead)
	if err != nil {
		return fmt.Errorf("fakefpga: could not encode chunk %d: %w", i, err)
	}
	run.next++
	return nil
}

func (run *sweepRun) halt() {
	if run == nil {
		return
	}
	select {
	case <-run.stop:
	default:
		close(run.stop)
	}
	<-run.done
}

// Lorentzian returns a constant signal: a Lorentzian phase line of the
// given height centered on the sweep, over a flat diode level.
func Lorentzian(height, diode float64) Signal {
	return func(i, steps int) (phase, dio []float64) {
		phase = make([]float64, steps)
		dio = make([]float64, steps)
		var (
			mid   = float64(steps-1) / 2
			width = max(1, float64(steps)/10)
		)
		for j := range phase {
			x := (float64(j) - mid) / width
			phase[j] = height / (1 + x*x)
			dio[j] = diode
		}
		return phase, dio
	}
}

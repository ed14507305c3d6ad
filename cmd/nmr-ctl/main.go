// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command nmr-ctl is the console of the NMR acquisition daemon.
//
// nmr-ctl sends the command given on the command line, or starts an
// interactive console when no command is given.
//
// Usage:
//
//	$> nmr-ctl -addr localhost:8866 set sweeps 1000
//	$> nmr-ctl -addr localhost:8866
//	nmr> run
//	nmr> state
package main // import "github.com/go-lpc/nmr/cmd/nmr-ctl"

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-lpc/nmr/ctl"
	"github.com/peterh/liner"
)

func main() {
	addr := flag.String("addr", "localhost:8866", "[ip]:port of the nmr-daq control server")

	flag.Parse()

	log.SetPrefix("nmr-ctl: ")
	log.SetFlags(0)

	err := run(*addr, flag.Args())
	if err != nil {
		log.Fatalf("could not run nmr-ctl: %+v", err)
	}
}

func run(addr string, args []string) error {
	cli, err := ctl.Dial(addr)
	if err != nil {
		return err
	}
	defer cli.Close()

	if len(args) > 0 {
		return send(os.Stdout, cli, strings.Join(args, " "))
	}
	return console(cli)
}

func console(cli *ctl.Client) error {
	term := liner.NewLiner()
	defer term.Close()

	term.SetCtrlCAborts(true)
	term.SetCompleter(complete)

	hname := filepath.Join(os.TempDir(), ".nmr-ctl.history")
	if f, err := os.Open(hname); err == nil {
		_, _ = term.ReadHistory(f)
		f.Close()
	}
	defer func() {
		f, err := os.Create(hname)
		if err != nil {
			log.Printf("could not save history: %+v", err)
			return
		}
		defer f.Close()
		_, _ = term.WriteHistory(f)
	}()

	for {
		line, err := term.Prompt("nmr> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				_ = cli.Send("quit", nil, nil)
				return nil
			}
			return fmt.Errorf("could not read command: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		err = send(os.Stdout, cli, line)
		switch {
		case err == nil:
		case ctl.IsCommandError(err), errors.Is(err, errUsage):
			fmt.Fprintf(os.Stdout, "error: %v\n", err)
		default:
			return err
		}
		if name := strings.Fields(line)[0]; name == "quit" || name == "exit" {
			return nil
		}
	}
}

func complete(line string) []string {
	var o []string
	for _, cmd := range commands {
		if strings.HasPrefix(cmd.name, strings.ToLower(line)) {
			o = append(o, cmd.name)
		}
	}
	return o
}

// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/go-lpc/nmr/ctl"
	"github.com/go-lpc/nmr/event"
)

var errUsage = errors.New("usage")

type command struct {
	name  string
	usage string
	args  func(args []string) (any, error)
}

var commands = []command{
	{name: "connect", usage: "connect"},
	{name: "run", usage: "run"},
	{name: "abort", usage: "abort"},
	{name: "tune", usage: "tune"},
	{name: "state", usage: "state"},
	{name: "quit", usage: "quit"},
	{
		name: "repeat", usage: "repeat on|off",
		args: func(args []string) (any, error) {
			if len(args) != 1 {
				return nil, errUsage
			}
			switch args[0] {
			case "on", "true", "1":
				return true, nil
			case "off", "false", "0":
				return false, nil
			}
			return nil, errUsage
		},
	},
	{
		name: "window", usage: "window <sweeps>",
		args: func(args []string) (any, error) {
			if len(args) != 1 {
				return nil, errUsage
			}
			return strconv.Atoi(args[0])
		},
	},
	{
		name: "dac", usage: "dac <fraction> [1|2|3]",
		args: func(args []string) (any, error) {
			if len(args) < 1 || len(args) > 2 {
				return nil, errUsage
			}
			v, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return nil, err
			}
			ch := 0
			if len(args) == 2 {
				ch, err = strconv.Atoi(args[1])
				if err != nil {
					return nil, err
				}
			}
			return map[string]any{"value": v, "channel": ch}, nil
		},
	},
	{
		name: "set", usage: "set <control> <value>",
		args: func(args []string) (any, error) {
			if len(args) != 2 {
				return nil, errUsage
			}
			return map[string]string{"name": args[0], "value": args[1]}, nil
		},
	},
	{
		name: "channel", usage: "channel <name>",
		args: func(args []string) (any, error) {
			if len(args) != 1 {
				return nil, errUsage
			}
			return args[0], nil
		},
	},
	{
		name: "baseline", usage: "baseline none|last|end|<stamp> [event-log]",
		args: func(args []string) (any, error) {
			if len(args) < 1 || len(args) > 2 {
				return nil, errUsage
			}
			v := map[string]string{"at": args[0]}
			if len(args) == 2 {
				v["file"] = args[1]
			}
			return v, nil
		},
	},
	{
		name: "history", usage: "history [start [stop]]",
		args: func(args []string) (any, error) {
			if len(args) > 2 {
				return nil, errUsage
			}
			var v [2]float64
			for i, arg := range args {
				f, err := strconv.ParseFloat(arg, 64)
				if err != nil {
					return nil, err
				}
				v[i] = f
			}
			return map[string]float64{"start": v[0], "stop": v[1]}, nil
		},
	},
}

func lookup(name string) (command, bool) {
	if name == "exit" {
		name = "quit"
	}
	for _, cmd := range commands {
		if cmd.name == name {
			return cmd, true
		}
	}
	return command{}, false
}

// parse parses a command line into a command name and its arguments.
func parse(line string) (string, any, error) {
	toks := strings.Fields(line)
	if len(toks) == 0 {
		return "", nil, fmt.Errorf("empty command: %w", errUsage)
	}
	cmd, ok := lookup(strings.ToLower(toks[0]))
	if !ok {
		return "", nil, fmt.Errorf("unknown command %q: %w", toks[0], errUsage)
	}
	if cmd.args == nil {
		if len(toks) > 1 {
			return "", nil, fmt.Errorf("%s: %w", cmd.usage, errUsage)
		}
		return cmd.name, nil, nil
	}
	args, err := cmd.args(toks[1:])
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", cmd.usage, errUsage)
	}
	return cmd.name, args, nil
}

type sender interface {
	Send(name string, args, reply any) error
}

func send(w io.Writer, cli sender, line string) error {
	name, args, err := parse(line)
	if err != nil {
		return err
	}

	switch name {
	case "state":
		var st ctl.Status
		err = cli.Send(name, args, &st)
		if err != nil {
			return err
		}
		printStatus(w, st)
	case "history":
		var pts []event.HistPoint
		err = cli.Send(name, args, &pts)
		if err != nil {
			return err
		}
		printHistory(w, pts)
	default:
		err = cli.Send(name, args, nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "ok\n")
	}
	return nil
}

func printStatus(w io.Writer, st ctl.Status) {
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "state:\t%s\n", st.State)
	fmt.Fprintf(tw, "daq:\t%s\n", st.DAQ)
	fmt.Fprintf(tw, "channel:\t%s\n", st.Channel)
	names := make([]string, 0, len(st.Controls))
	for k := range st.Controls {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(tw, "%s:\t%s\n", k, st.Controls[k])
	}
	fmt.Fprintf(tw, "repeat:\t%v\n", st.Repeat)
	fmt.Fprintf(tw, "window:\t%d\n", st.Window)
	if st.Baseline != "" {
		fmt.Fprintf(tw, "baseline:\t%s\n", st.Baseline)
	}
	if st.Last != nil {
		fmt.Fprintf(tw, "last:\tpol=%g area=%g (%s)\n", st.Last.Pol, st.Last.Area, humanize.Time(st.Last.Time))
	}
	if st.Error != "" {
		fmt.Fprintf(tw, "error:\t%s\n", st.Error)
	}
}

func printHistory(w io.Writer, pts []event.HistPoint) {
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "stamp\tpol\tarea\tcc\tage\n")
	for _, hp := range pts {
		fmt.Fprintf(tw, "%.3f\t%g\t%g\t%g\t%s\n", hp.Stamp, hp.Pol, hp.Area, hp.CC, humanize.Time(hp.Time))
	}
	fmt.Fprintf(tw, "(%s events)\n", humanize.Comma(int64(len(pts))))
}

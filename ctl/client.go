// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ctl

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// Client sends commands to a control server.
type Client struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

// Dial connects to the control server at addr.
func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ctl: could not dial %q: %w", addr, err)
	}
	return &Client{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}, nil
}

// Close closes the connection to the server.
func (cli *Client) Close() error {
	return cli.conn.Close()
}

// Send sends the named command with its arguments and waits for the
// reply. The data of a successful reply is decoded into reply, if not nil.
func (cli *Client) Send(name string, args, reply any) error {
	req := Request{Name: name}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("ctl: could not encode %q arguments: %w", name, err)
		}
		msg := json.RawMessage(raw)
		req.Args = &msg
	}

	err := cli.enc.Encode(req)
	if err != nil {
		return fmt.Errorf("ctl: could not send %q request: %w", name, err)
	}

	var rep Reply
	err = cli.dec.Decode(&rep)
	if err != nil {
		return fmt.Errorf("ctl: could not decode %q reply: %w", name, err)
	}
	if rep.Msg != "ok" {
		return &CommandError{Name: name, Msg: rep.Msg}
	}
	if reply != nil && rep.Data != nil {
		err = json.Unmarshal(*rep.Data, reply)
		if err != nil {
			return fmt.Errorf("ctl: could not decode %q reply data: %w", name, err)
		}
	}
	return nil
}

// CommandError is a command rejected by the control server.
type CommandError struct {
	Name string
	Msg  string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("ctl: command %q failed: %s", e.Name, e.Msg)
}

// IsCommandError returns whether err is a command rejected by the server.
func IsCommandError(err error) bool {
	var cerr *CommandError
	return errors.As(err, &cerr)
}

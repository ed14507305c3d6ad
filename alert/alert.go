// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package alert sends mail alerts when acquisition runs fail.
package alert // import "github.com/go-lpc/nmr/alert"

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/go-lpc/nmr/sweep"
	mail "gopkg.in/gomail.v2"
)

// maxAlerts is the number of alerts sent per subject before the
// subject is muted.
const maxAlerts = 5

// Sender sends mails.
type Sender interface {
	DialAndSend(m ...*mail.Message) error
}

// Mailer sends alerts by mail.
type Mailer struct {
	msg  *log.Logger
	from string
	to   []string
	dial Sender

	mu     sync.Mutex
	alerts map[string]int
}

// New creates a new mailer sending alerts from the from address to
// the to addresses.
func New(dial Sender, from string, to []string) *Mailer {
	return &Mailer{
		msg:    log.New(os.Stdout, "alert: ", 0),
		from:   from,
		to:     to,
		dial:   dial,
		alerts: make(map[string]int),
	}
}

// FromEnv creates a mailer from the MAIL_USERNAME, MAIL_PASSWORD,
// MAIL_SERVER, MAIL_PORT and MAIL_TGTS environment variables.
func FromEnv() (*Mailer, error) {
	var (
		usr  = os.Getenv("MAIL_USERNAME")
		pwd  = os.Getenv("MAIL_PASSWORD")
		srv  = os.Getenv("MAIL_SERVER")
		port = atoi(os.Getenv("MAIL_PORT"))
		tgts = strings.Split(os.Getenv("MAIL_TGTS"), ",")
	)
	if usr == "" || pwd == "" || srv == "" || port == 0 || tgts[0] == "" {
		return nil, fmt.Errorf("alert: missing mail credentials")
	}

	dial := mail.NewDialer(srv, port, usr, pwd)
	dial.TLSConfig = &tls.Config{
		ServerName: srv,
	}
	return New(dial, usr, tgts), nil
}

// SetLogger sets the logger of the mailer.
func (m *Mailer) SetLogger(msg *log.Logger) { m.msg = msg }

// Alert sends an alert.
// Once maxAlerts alerts with the same subject have been sent, the
// following ones are only logged, until the subject is reset.
func (m *Mailer) Alert(subject, body string) error {
	m.msg.Printf("%s: %s", subject, body)

	m.mu.Lock()
	m.alerts[subject]++
	n := m.alerts[subject]
	m.mu.Unlock()
	if n > maxAlerts {
		return nil
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("Bcc", m.to...)
	msg.SetHeader("Subject", "[nmr] "+subject)
	msg.SetBody("text/plain", body)

	err := m.dial.DialAndSend(msg)
	if err != nil {
		return fmt.Errorf("alert: could not send mail alert: %w", err)
	}
	return nil
}

// Reset unmutes a subject.
func (m *Mailer) Reset(subject string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.alerts, subject)
}

const runFailed = "run failed"

// Watch sends an alert for runs ending on an error.
// Runs aborted on request or canceled do not raise alerts, and a
// successful run resets the run failure alerts.
func (m *Mailer) Watch(v sweep.Msg) {
	run, ok := v.(sweep.RunFinished)
	if !ok {
		return
	}
	switch {
	case run.Err == nil:
		m.Reset(runFailed)
		return
	case errors.Is(run.Err, sweep.ErrAborted),
		errors.Is(run.Err, context.Canceled):
		return
	}

	body := fmt.Sprintf("error: %+v", run.Err)
	if run.Event != nil {
		body += fmt.Sprintf("\nevent: %v\nstop: %v", run.Event.ID, run.Event.Stop)
	}
	err := m.Alert(runFailed, body)
	if err != nil {
		m.msg.Printf("%+v", err)
	}
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}

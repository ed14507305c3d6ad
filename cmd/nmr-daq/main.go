// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command nmr-daq runs the NMR polarization acquisition daemon.
//
// The daemon is driven over a JSON/TCP control port (see nmr-ctl),
// streams the live acquisition to websocket clients and records the
// closed events to a JSON lines event log and, optionally, to a SQL
// history database.
//
// Usage:
//
//	$> nmr-daq -cfg ./nmr.yaml -addr :8866 -mon :8867 -db sqlite3 -dsn ./history.db
package main // import "github.com/go-lpc/nmr/cmd/nmr-daq"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-lpc/nmr/alert"
	"github.com/go-lpc/nmr/analysis"
	"github.com/go-lpc/nmr/config"
	"github.com/go-lpc/nmr/ctl"
	"github.com/go-lpc/nmr/event"
	"github.com/go-lpc/nmr/histdb"
	"github.com/go-lpc/nmr/monitor"
	"github.com/go-lpc/nmr/status"
	"github.com/go-lpc/nmr/sweep"
	"github.com/sbinet/pmon"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		cfg    = flag.String("cfg", "nmr.yaml", "path to configuration file")
		addr   = flag.String("addr", ":8866", "[ip]:port of the control server")
		mon    = flag.String("mon", ":8867", "[ip]:port of the monitoring websocket server")
		drv    = flag.String("db", "", "history database driver (mysql, sqlite3)")
		dsn    = flag.String("dsn", "", "history database data source name")
		doMail = flag.Bool("alert", false, "enable mail alerts on run failures")
		doMon  = flag.Bool("pmon", false, "enable pmon monitoring")
		freq   = flag.Duration("freq", 1*time.Second, "pmon frequency")
	)

	flag.Parse()

	log.SetPrefix("nmr-daq: ")
	log.SetFlags(0)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := run(ctx, *cfg, *addr, *mon, *drv, *dsn, *doMail, *doMon, *freq)
	if err != nil {
		log.Fatalf("could not run nmr-daq: %+v", err)
	}
}

func run(ctx context.Context, fname, addr, mon, drv, dsn string, doMail, doMon bool, freq time.Duration) error {
	file, err := config.Load(fname)
	if err != nil {
		return fmt.Errorf("could not load configuration: %w", err)
	}

	dir := file.Settings.EventDir
	if dir == "" {
		dir = "."
	}
	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return fmt.Errorf("could not create event directory: %w", err)
	}
	evtlog := filepath.Join(dir, "events.jsonl")
	f, err := event.OpenLog(evtlog)
	if err != nil {
		return fmt.Errorf("could not open event log: %w", err)
	}
	defer f.Close()
	if fi, err := f.Stat(); err == nil {
		log.Printf("event log: %s (%s)", evtlog, humanize.Bytes(uint64(fi.Size())))
	}

	var (
		hist  = event.NewHistory()
		hub   = monitor.New()
		sinks = event.Sinks{event.NewWriter(f), hub}
		pubs  = []ctl.Option{ctl.WithPublisher(func(m sweep.Msg) {
			err := hub.Publish(m)
			if err != nil {
				log.Printf("could not publish message: %+v", err)
			}
		})}
	)
	defer hub.Close()

	if drv != "" {
		db, err := histdb.Open(drv, dsn)
		if err != nil {
			return fmt.Errorf("could not open history database: %w", err)
		}
		defer db.Close()
		err = db.Load(ctx, hist, 0, 0)
		if err != nil {
			return fmt.Errorf("could not load history: %w", err)
		}
		sinks = append(sinks, db)
	}

	if doMail {
		mailer, err := alert.FromEnv()
		if err != nil {
			return fmt.Errorf("could not create mail alerts: %w", err)
		}
		pubs = append(pubs, ctl.WithPublisher(mailer.Watch))
	}

	opts := append([]ctl.Option{
		ctl.WithHistory(hist),
		ctl.WithEventLog(evtlog),
		ctl.WithScheduler(
			sweep.WithSink(sinks),
			sweep.WithStatus(status.New(file.Settings.Status)),
			sweep.WithAnalyzer(analysis.Default()),
		),
	}, pubs...)

	c, err := ctl.New(file, opts...)
	if err != nil {
		return fmt.Errorf("could not create controller: %w", err)
	}

	srv, err := ctl.NewServer(addr, c)
	if err != nil {
		return fmt.Errorf("could not create control server: %w", err)
	}

	if doMon {
		p, err := pmon.Monitor(os.Getpid())
		if err != nil {
			return fmt.Errorf("could not start monitoring: %w", err)
		}
		pf, err := os.Create(filepath.Join(dir, "nmr-daq-pmon.log"))
		if err != nil {
			return fmt.Errorf("could not create pmon log file: %w", err)
		}
		defer pf.Close()
		p.W = pf
		p.Freq = freq

		go func() {
			err := p.Run()
			if err != nil {
				log.Printf("could not run pmon: %+v", err)
			}
		}()
		defer func() {
			err := p.Kill()
			if err != nil {
				log.Printf("could not stop monitoring: %+v", err)
			}
		}()
	}

	web := &http.Server{Addr: mon, Handler: hub}

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		log.Printf("control server listening on %q...", srv.Addr())
		return srv.Serve(ctx)
	})
	grp.Go(func() error {
		log.Printf("monitoring server listening on %q...", mon)
		err := web.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	grp.Go(func() error {
		<-ctx.Done()
		c.Abort()
		c.Wait()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return web.Shutdown(sctx)
	})

	err = grp.Wait()
	if err != nil {
		return err
	}
	log.Printf("history: %s events", humanize.Comma(int64(hist.Len())))
	return nil
}

// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package histdb persists the polarization history in a SQL database.
//
// The history table can be stored in a MySQL server or in a local
// SQLite file.
package histdb // import "github.com/go-lpc/nmr/histdb"

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-lpc/nmr/event"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

const timeout = 5 * time.Second

const schema = `CREATE TABLE IF NOT EXISTS history (
	id     VARCHAR(36) NOT NULL PRIMARY KEY,
	stamp  DOUBLE NOT NULL,
	time   VARCHAR(40) NOT NULL,
	pol    DOUBLE NOT NULL,
	cc     DOUBLE NOT NULL,
	area   DOUBLE NOT NULL,
	status TEXT
)`

// DB is a polarization history stored in a SQL database.
// DB is an event.Sink.
type DB struct {
	msg *log.Logger
	db  *sql.DB
	drv string
}

// Open opens the history database with the provided driver ("mysql"
// or "sqlite3") and data source name, and creates the history table
// if needed.
func Open(drv, dsn string) (*DB, error) {
	db, err := sql.Open(drv, dsn)
	if err != nil {
		return nil, fmt.Errorf("histdb: could not open %s db: %w", drv, err)
	}
	if drv == "sqlite3" {
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("histdb: could not ping %s db: %w", drv, err)
	}

	_, err = db.ExecContext(ctx, schema)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("histdb: could not create history table: %w", err)
	}

	return &DB{
		msg: log.New(os.Stdout, "histdb: ", 0),
		db:  db,
		drv: drv,
	}, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return db.db.Close()
}

// WriteRecord stores the history point of the recorded event.
// Storing an event twice replaces the previous entry.
func (db *DB) WriteRecord(ctx context.Context, rec event.Record) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hp := rec.HistPoint()
	status, err := json.Marshal(hp.Status)
	if err != nil {
		return fmt.Errorf("histdb: could not encode status of event %s: %w", rec.ID, err)
	}

	_, err = db.db.ExecContext(
		ctx,
		"REPLACE INTO history (id, stamp, time, pol, cc, area, status) VALUES (?, ?, ?, ?, ?, ?, ?)",
		rec.ID, hp.Stamp, hp.Time.UTC().Format(time.RFC3339Nano),
		hp.Pol, hp.CC, hp.Area, string(status),
	)
	if err != nil {
		return fmt.Errorf("histdb: could not insert event %s: %w", rec.ID, err)
	}
	return nil
}

// Range returns the history points with start < stamp < stop, sorted
// by stamp. A zero start or stop leaves that side of the range open.
func (db *DB) Range(ctx context.Context, start, stop float64) ([]event.HistPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		where []string
		args  []any
	)
	if start != 0 {
		where = append(where, "stamp > ?")
		args = append(args, start)
	}
	if stop != 0 {
		where = append(where, "stamp < ?")
		args = append(args, stop)
	}
	q := "SELECT stamp, time, pol, cc, area, status FROM history"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY stamp"

	rows, err := db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("histdb: could not query history: %w", err)
	}
	defer rows.Close()

	var pts []event.HistPoint
	for rows.Next() {
		var (
			hp     event.HistPoint
			stamp  string
			status sql.NullString
		)
		err = rows.Scan(&hp.Stamp, &stamp, &hp.Pol, &hp.CC, &hp.Area, &status)
		if err != nil {
			return nil, fmt.Errorf("histdb: could not scan history row: %w", err)
		}
		hp.Time, err = time.Parse(time.RFC3339Nano, stamp)
		if err != nil {
			return nil, fmt.Errorf("histdb: could not parse time of history row: %w", err)
		}
		if status.Valid && status.String != "" && status.String != "null" {
			err = json.Unmarshal([]byte(status.String), &hp.Status)
			if err != nil {
				return nil, fmt.Errorf("histdb: could not decode status of history row: %w", err)
			}
		}
		pts = append(pts, hp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("histdb: could not scan db for history: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("histdb: context error while retrieving history: %w", err)
	}

	return pts, nil
}

// Load fills the in-memory history with the stored points of the range.
func (db *DB) Load(ctx context.Context, hist *event.History, start, stop float64) error {
	pts, err := db.Range(ctx, start, stop)
	if err != nil {
		return err
	}
	for _, hp := range pts {
		hist.Add(hp)
	}
	db.msg.Printf("loaded %d history points from %s db", len(pts), db.drv)
	return nil
}

var _ event.Sink = (*DB)(nil)

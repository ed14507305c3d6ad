// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package status reads the slow-control values attached to each
// closed event (target temperature, magnet current, ...).
package status // import "github.com/go-lpc/nmr/status"

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-lpc/nmr/config"
)

// Reader reads a set of named slow-control values.
type Reader interface {
	Read(ctx context.Context) (map[string]float64, error)
}

// Static is a fixed set of values.
type Static map[string]float64

func (st Static) Read(ctx context.Context) (map[string]float64, error) {
	o := make(map[string]float64, len(st))
	for k, v := range st {
		o[k] = v
	}
	return o, nil
}

// Readers merges the values of several readers.
// A value read by a later reader overrides an earlier one.
type Readers []Reader

func (rs Readers) Read(ctx context.Context) (map[string]float64, error) {
	o := make(map[string]float64)
	for i, r := range rs {
		vs, err := r.Read(ctx)
		if err != nil {
			return o, fmt.Errorf("status: could not read values from reader #%d: %w", i, err)
		}
		for k, v := range vs {
			o[k] = v
		}
	}
	return o, nil
}

// New returns the reader described by the status settings.
func New(set config.StatusSettings) Reader {
	var rs Readers
	if len(set.Static) > 0 {
		rs = append(rs, Static(set.Static))
	}
	if len(set.Sensors) > 0 {
		rs = append(rs, NewSMBus(set.Bus, set.Sensors))
	}
	return rs
}

// Names returns the sorted names of a set of values.
func Names(vs map[string]float64) []string {
	keys := make([]string, 0, len(vs))
	for k := range vs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
)

// ValidationError is returned when a setting or a control value is rejected.
type ValidationError struct {
	Name   string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("config: invalid %s: %s", e.Name, e.Reason)
	}
	return fmt.Sprintf("config: invalid %s=%q: %s", e.Name, e.Value, e.Reason)
}

const (
	CtlSweeps = "sweeps" // number of sweeps per event
	CtlCC     = "cc"     // calibration constant
)

type ctlKind uint8

const (
	intCtl ctlKind = iota
	floatCtl
)

// control is a typed operator control with a range validator.
type control struct {
	name  string
	label string
	kind  ctlKind
	min   float64
	max   float64
	prec  int // maximum number of decimals of a float control
	value float64
}

func (c *control) check(v float64) error {
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0):
		return &ValidationError{Name: c.name, Value: c.format(v), Reason: "not a finite number"}
	case c.kind == intCtl && v != math.Trunc(v):
		return &ValidationError{Name: c.name, Value: c.format(v), Reason: "not an integer"}
	case v < c.min || v > c.max:
		return &ValidationError{
			Name:   c.name,
			Value:  c.format(v),
			Reason: fmt.Sprintf("not in [%s, %s]", c.format(c.min), c.format(c.max)),
		}
	}
	return nil
}

func (c *control) parse(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch c.kind {
	case intCtl:
		v, err := strconv.Atoi(s)
		if err != nil {
			return 0, &ValidationError{Name: c.name, Value: s, Reason: "not an integer"}
		}
		return float64(v), nil
	default:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, &ValidationError{Name: c.name, Value: s, Reason: "not a number"}
		}
		if i := strings.IndexByte(s, '.'); i >= 0 && !strings.ContainsAny(s, "eE") {
			if n := len(s) - i - 1; n > c.prec {
				return 0, &ValidationError{
					Name: c.name, Value: s,
					Reason: fmt.Sprintf("more than %d decimals", c.prec),
				}
			}
		}
		return v, nil
	}
}

func (c *control) format(v float64) string {
	if c.kind == intCtl {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Controls is a set of typed, validated operator controls.
// Controls is safe for concurrent use.
// A rejected update leaves the previous value untouched.
type Controls struct {
	mu   sync.RWMutex
	ctls map[string]*control
	keys []string
}

// NewControls creates the operator controls with the provided initial values.
func NewControls(def Defaults) (*Controls, error) {
	ctls := &Controls{ctls: make(map[string]*control)}
	ctls.add(&control{name: CtlSweeps, label: "Sweeps", kind: intCtl, min: 10, max: 1000000})
	ctls.add(&control{name: CtlCC, label: "Calibration constant", kind: floatCtl, min: -1000, max: 1000, prec: 7})

	err := ctls.SetInt(CtlSweeps, def.Sweeps)
	if err != nil {
		return nil, err
	}
	err = ctls.SetFloat(CtlCC, def.CC)
	if err != nil {
		return nil, err
	}
	return ctls, nil
}

func (ctls *Controls) add(c *control) {
	ctls.ctls[c.name] = c
	ctls.keys = append(ctls.keys, c.name)
}

func (ctls *Controls) get(name string) (*control, error) {
	c, ok := ctls.ctls[name]
	if !ok {
		return nil, &ValidationError{Name: name, Reason: "unknown control"}
	}
	return c, nil
}

// Names returns the names of all controls.
func (ctls *Controls) Names() []string {
	return append([]string(nil), ctls.keys...)
}

// Label returns the human readable label of the named control.
func (ctls *Controls) Label(name string) string {
	c, err := ctls.get(name)
	if err != nil {
		return name
	}
	return c.label
}

// Set parses and validates the value of the named control.
func (ctls *Controls) Set(name, value string) error {
	c, err := ctls.get(name)
	if err != nil {
		return err
	}
	v, err := c.parse(value)
	if err != nil {
		return err
	}
	return ctls.set(c, v)
}

// SetInt validates and sets the value of an integer control.
func (ctls *Controls) SetInt(name string, v int) error {
	c, err := ctls.get(name)
	if err != nil {
		return err
	}
	if c.kind != intCtl {
		return &ValidationError{Name: name, Value: strconv.Itoa(v), Reason: "not an integer control"}
	}
	return ctls.set(c, float64(v))
}

// SetFloat validates and sets the value of a float control.
func (ctls *Controls) SetFloat(name string, v float64) error {
	c, err := ctls.get(name)
	if err != nil {
		return err
	}
	if c.kind != floatCtl {
		return &ValidationError{Name: name, Value: c.format(v), Reason: "not a float control"}
	}
	return ctls.set(c, v)
}

func (ctls *Controls) set(c *control, v float64) error {
	err := c.check(v)
	if err != nil {
		return err
	}
	ctls.mu.Lock()
	c.value = v
	ctls.mu.Unlock()
	return nil
}

func (ctls *Controls) value(name string) float64 {
	c, ok := ctls.ctls[name]
	if !ok {
		panic(fmt.Errorf("config: unknown control %q", name))
	}
	ctls.mu.RLock()
	defer ctls.mu.RUnlock()
	return c.value
}

// String returns the formatted value of the named control.
func (ctls *Controls) String(name string) string {
	c, err := ctls.get(name)
	if err != nil {
		return ""
	}
	return c.format(ctls.value(name))
}

// Sweeps returns the number of sweeps per event.
func (ctls *Controls) Sweeps() int { return int(ctls.value(CtlSweeps)) }

// CC returns the calibration constant.
func (ctls *Controls) CC() float64 { return ctls.value(CtlCC) }

// Clone returns an independent copy of the controls.
func (ctls *Controls) Clone() *Controls {
	ctls.mu.RLock()
	defer ctls.mu.RUnlock()

	o := &Controls{ctls: make(map[string]*control, len(ctls.ctls))}
	for _, k := range ctls.keys {
		c := *ctls.ctls[k]
		o.add(&c)
	}
	return o
}

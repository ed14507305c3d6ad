// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package analysis computes the derived signals of NMR events:
// baseline subtraction, polynomial background fit on the wings of the
// sweep, and the integrated area of the signal.
package analysis // import "github.com/go-lpc/nmr/analysis"

import (
	"fmt"

	"github.com/go-lpc/nmr/event"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Wings are the portions of the sweep used for the background fit:
// left start, left stop, right start and right stop, as fractions
// of the sweep length.
type Wings [4]float64

// DefaultWings are the wings used by Default.
var DefaultWings = Wings{0.01, 0.25, 0.75, 0.99}

// Fit subtracts the event baseline, then fits a polynomial on the wings
// of the subtracted signal and subtracts it as well.
type Fit struct {
	Wings  Wings
	Degree int
}

var _ event.Analyzer = (*Fit)(nil)

// Default returns a third order polynomial fit on the default wings.
func Default() *Fit {
	return &Fit{Wings: DefaultWings, Degree: 3}
}

func (f *Fit) Baseline(evt *event.Event) (base, sub []float64, err error) {
	scan := evt.Scan()
	if len(evt.Baseline.Phase) != len(scan.Phase) {
		return nil, nil, fmt.Errorf(
			"analysis: baseline size mismatch (got=%d, want=%d)",
			len(evt.Baseline.Phase), len(scan.Phase),
		)
	}
	base = append([]float64(nil), evt.Baseline.Phase...)
	sub = make([]float64, len(scan.Phase))
	floats.SubTo(sub, scan.Phase, base)
	return base, sub, nil
}

func (f *Fit) Subtract(evt *event.Event, sub []float64) (fit, fitsub []float64, area float64, err error) {
	coeffs, err := WingFit(sub, f.Wings, f.Degree)
	if err != nil {
		return nil, nil, 0, err
	}
	fit = Poly(coeffs, len(sub))
	fitsub = make([]float64, len(sub))
	floats.SubTo(fitsub, sub, fit)
	return fit, fitsub, floats.Sum(fitsub), nil
}

// WingFit returns the coefficients, lowest order first, of the
// polynomial of the provided degree fitting the points of the sweep
// strictly inside the wings.
// The abscissa of point i is i/len(sweep).
func WingFit(sweep []float64, wings Wings, degree int) ([]float64, error) {
	if degree < 0 {
		return nil, fmt.Errorf("analysis: invalid polynomial degree %d", degree)
	}
	if !(wings[0] <= wings[1] && wings[1] <= wings[2] && wings[2] <= wings[3]) {
		return nil, fmt.Errorf("analysis: invalid wings %v", wings)
	}

	var (
		n      = float64(len(sweep))
		bounds [4]float64
		xs, ys []float64
	)
	for i, w := range wings {
		bounds[i] = w * n
	}
	for i, y := range sweep {
		x := float64(i)
		if (bounds[0] < x && x < bounds[1]) || (bounds[2] < x && x < bounds[3]) {
			xs = append(xs, x/n)
			ys = append(ys, y)
		}
	}
	if len(xs) < degree+1 {
		return nil, fmt.Errorf(
			"analysis: not enough points in wings for a degree %d fit (points=%d)",
			degree, len(xs),
		)
	}

	vander := mat.NewDense(len(xs), degree+1, nil)
	for i, x := range xs {
		v := 1.0
		for j := 0; j <= degree; j++ {
			vander.Set(i, j, v)
			v *= x
		}
	}

	var coeffs mat.VecDense
	err := coeffs.SolveVec(vander, mat.NewVecDense(len(ys), ys))
	if err != nil {
		return nil, fmt.Errorf("analysis: could not fit wings: %w", err)
	}
	return mat.Col(nil, 0, &coeffs), nil
}

// Poly evaluates the polynomial with the provided coefficients on the
// n points i/n of a sweep.
func Poly(coeffs []float64, n int) []float64 {
	o := make([]float64, n)
	for i := range o {
		x := float64(i) / float64(n)
		v := 0.0
		for j := len(coeffs) - 1; j >= 0; j-- {
			v = v*x + coeffs[j]
		}
		o[i] = v
	}
	return o
}

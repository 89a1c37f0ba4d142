package eigenface

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// eigenTolerance is the relative eigenvalue below which a component is
// treated as numerical noise.
const eigenTolerance = 1e-10

// Basis is a PCA subspace of pixel space.
type Basis struct {
	Mean       []float64
	Components [][]float64 // unit vectors, by descending eigenvalue
	Values     []float64   // eigenvalues matching Components
}

// Dim returns the number of components.
func (b *Basis) Dim() int {
	return len(b.Components)
}

// Project maps x into the basis. A basis without components keeps the
// centered vector itself, so distances between samples stay meaningful when
// the training set has no variance.
func (b *Basis) Project(x []float64) []float64 {
	centered := make([]float64, len(x))
	for i, v := range x {
		centered[i] = v - b.Mean[i]
	}
	if len(b.Components) == 0 {
		return centered
	}

	weights := make([]float64, len(b.Components))
	for k, u := range b.Components {
		weights[k] = floats.Dot(u, centered)
	}
	return weights
}

// Solver computes a PCA basis from equally sized sample vectors.
// components > 0 limits the basis size; 0 keeps every component.
type Solver interface {
	Solve(samples [][]float64, components int) (*Basis, error)
}

// GonumSolver computes eigenfaces with the snapshot method: the
// eigenvectors of the small N×N Gram matrix of centered samples are lifted
// back into pixel space, avoiding the D×D covariance matrix.
type GonumSolver struct{}

// NewGonumSolver creates a GonumSolver.
func NewGonumSolver() *GonumSolver {
	return &GonumSolver{}
}

// Solve implements Solver.
func (GonumSolver) Solve(samples [][]float64, components int) (*Basis, error) {
	n := len(samples)
	if n == 0 {
		return nil, errors.New("no samples")
	}
	d := len(samples[0])
	if d == 0 {
		return nil, errors.New("empty sample vector")
	}

	mean := make([]float64, d)
	for i, s := range samples {
		if len(s) != d {
			return nil, fmt.Errorf("sample %d has %d values, expected %d", i, len(s), d)
		}
		for j, v := range s {
			mean[j] += v
		}
	}
	for j := range mean {
		mean[j] /= float64(n)
	}

	a := mat.NewDense(n, d, nil)
	for i, s := range samples {
		row := a.RawRowView(i)
		for j, v := range s {
			row[j] = v - mean[j]
		}
	}

	basis := &Basis{Mean: mean}
	if n == 1 {
		return basis, nil
	}

	var gram mat.SymDense
	gram.SymOuterK(1, a)

	var eig mat.EigenSym
	if ok := eig.Factorize(&gram, true); !ok {
		return nil, errors.New("eigendecomposition failed")
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	largest := 0.0
	for _, v := range values {
		largest = math.Max(largest, v)
	}
	if largest <= 0 {
		return basis, nil
	}

	order := make([]int, 0, len(values))
	for i, v := range values {
		if v > largest*eigenTolerance {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		return values[order[i]] > values[order[j]]
	})
	if components > 0 && len(order) > components {
		order = order[:components]
	}

	for _, idx := range order {
		var u mat.VecDense
		u.MulVec(a.T(), vectors.ColView(idx))
		norm := mat.Norm(&u, 2)
		if norm == 0 {
			continue
		}
		u.ScaleVec(1/norm, &u)

		basis.Components = append(basis.Components, mat.Col(nil, 0, &u))
		basis.Values = append(basis.Values, values[idx])
	}

	return basis, nil
}

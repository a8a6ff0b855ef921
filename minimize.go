package bsfc

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"
)

// logitClamp keeps start points off the asymptotes of the logistic map.
const logitClamp = 1e-6

// boxProblem is a minimization problem over an axis-aligned box. Both Func
// and Grad are required.
type boxProblem struct {
	Func func(x []float64) float64
	Grad func(grad, x []float64)
}

// minimizeBox runs L-BFGS on p subject to lower <= x <= upper, starting at x0.
//
// gonum's optimize package only provides unconstrained quasi-Newton methods,
// so the box is enforced by searching over z with
//
//	x = lower + (upper - lower) * sigmoid(z)
//
// and chaining the gradient through dx/dz. Dimensions with lower == upper are
// held fixed. Optima on the boundary are approached asymptotically.
func minimizeBox(p boxProblem, lower, upper, x0 []float64, maxIterations int) ([]float64, float64, error) {
	dim := len(x0)
	if len(lower) != dim || len(upper) != dim {
		return nil, math.Inf(1), fmt.Errorf("%w: bounds have %d/%d dims, start has %d", ErrDimensionMismatch, len(lower), len(upper), dim)
	}

	toX := func(dst, z []float64) {
		for i := range z {
			dst[i] = lower[i] + (upper[i]-lower[i])*sigmoid(z[i])
		}
	}

	z0 := make([]float64, dim)

	for i := range x0 {
		span := upper[i] - lower[i]
		if span <= 0 {
			continue
		}

		u := (x0[i] - lower[i]) / span
		u = math.Min(math.Max(u, logitClamp), 1-logitClamp)
		z0[i] = math.Log(u / (1 - u))
	}

	problem := optimize.Problem{
		Func: func(z []float64) float64 {
			x := make([]float64, dim)
			toX(x, z)

			return p.Func(x)
		},
		Grad: func(grad, z []float64) {
			x := make([]float64, dim)
			toX(x, z)

			p.Grad(grad, x)

			for i := range grad {
				s := sigmoid(z[i])
				grad[i] *= (upper[i] - lower[i]) * s * (1 - s)
			}
		},
	}

	settings := &optimize.Settings{
		GradientThreshold: 1e-8,
		MajorIterations:   maxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-10,
			Relative:   1e-10,
			Iterations: 20,
		},
	}

	result, err := optimize.Minimize(problem, z0, settings, &optimize.LBFGS{})
	if result == nil {
		if err == nil {
			err = errors.New("optimizer returned no result")
		}

		return nil, math.Inf(1), err
	}

	if !isFinite(result.F) {
		return nil, math.Inf(1), fmt.Errorf("non-finite objective %g", result.F)
	}

	x := make([]float64, dim)
	toX(x, result.X)

	// A line search failure still reports the best location found.
	return x, result.F, nil
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

package bsfc

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

//////
// Const, vars, types.
//////

var sqrt5 = math.Sqrt(5)

// maternKernel is amplitude * Matern(nu=2.5) with one length scale per input
// dimension:
//
//	r    = sqrt(sum(((x1 - x2) / l)^2))
//	k(r) = amplitude * (1 + sqrt(5)*r + 5*r^2/3) * exp(-sqrt(5)*r)
//
// It is twice continuously differentiable, which suits a physical response
// surface such as BSFC.
type maternKernel struct {
	amplitude    float64
	lengthScales []float64
}

//////
// Methods.
//////

// Eval returns the covariance between x1 and x2.
func (k maternKernel) Eval(x1, x2 []float64) float64 {
	r := k.distance(x1, x2)

	return k.amplitude * (1 + sqrt5*r + 5*r*r/3) * math.Exp(-sqrt5*r)
}

// theta returns the log-space hyperparameter vector: log amplitude followed
// by the log length scales.
func (k maternKernel) theta() []float64 {
	t := make([]float64, 1+len(k.lengthScales))
	t[0] = math.Log(k.amplitude)

	for i, l := range k.lengthScales {
		t[1+i] = math.Log(l)
	}

	return t
}

func (k maternKernel) distance(x1, x2 []float64) float64 {
	var sum float64

	for i := range x1 {
		d := (x1[i] - x2[i]) / k.lengthScales[i]
		sum += d * d
	}

	return math.Sqrt(sum)
}

//////
// Factory.
//////

func kernelFromTheta(theta []float64) maternKernel {
	ls := make([]float64, len(theta)-1)
	for i := range ls {
		ls[i] = math.Exp(theta[1+i])
	}

	return maternKernel{amplitude: math.Exp(theta[0]), lengthScales: ls}
}

//////
// Log marginal likelihood.
//////

// covariance builds K(X, X) + noiseVar*I.
func covariance(k maternKernel, X [][]float64, noiseVar float64) *mat.SymDense {
	n := len(X)
	K := mat.NewSymDense(n, nil)

	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			v := k.Eval(X[i], X[j])
			if i == j {
				v += noiseVar
			}

			K.SetSym(i, j, v)
		}
	}

	return K
}

// logMarginalLikelihood evaluates
//
//	log p(y|X,theta) = -1/2 y^T K^-1 y - 1/2 log|K| - n/2 log(2*pi)
//
// and its analytic gradient with respect to theta (log amplitude, log length
// scales):
//
//	d/dtheta_j = 1/2 tr((alpha alpha^T - K^-1) dK/dtheta_j)
//
// ok is false when K is not positive definite.
func logMarginalLikelihood(theta []float64, X [][]float64, y []float64, noiseVar float64) (lml float64, grad []float64, ok bool) {
	n := len(X)
	k := kernelFromTheta(theta)

	var chol mat.Cholesky
	if !chol.Factorize(covariance(k, X, noiseVar)) {
		return 0, nil, false
	}

	yv := mat.NewVecDense(n, append([]float64(nil), y...))

	alpha := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(alpha, yv); err != nil {
		return 0, nil, false
	}

	lml = -0.5*mat.Dot(yv, alpha) - 0.5*chol.LogDet() - 0.5*float64(n)*math.Log(2*math.Pi)

	var kInv mat.SymDense
	if err := chol.InverseTo(&kInv); err != nil {
		return 0, nil, false
	}

	grad = make([]float64, len(theta))

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			w := alpha.AtVec(i)*alpha.AtVec(j) - kInv.At(i, j)

			r := k.distance(X[i], X[j])
			e := math.Exp(-sqrt5 * r)

			// dK/dlog(amplitude) is the noiseless kernel itself.
			grad[0] += w * k.amplitude * (1 + sqrt5*r + 5*r*r/3) * e

			// dK/dlog(l_d) = amplitude * 5/3 * (1 + sqrt(5)*r) * exp(-sqrt(5)*r) * (dx_d/l_d)^2
			g := k.amplitude * 5.0 / 3.0 * (1 + sqrt5*r) * e

			for d, l := range k.lengthScales {
				s := (X[i][d] - X[j][d]) / l
				grad[1+d] += w * g * s * s
			}
		}
	}

	for i := range grad {
		grad[i] *= 0.5
	}

	return lml, grad, true
}

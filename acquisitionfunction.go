package bsfc

import "math"

//////
// Expected Improvement acquisition for BSFC minimization.
//////

const (
	// StdFloor is the smallest predicted std treated as uncertain. At or
	// below it Expected Improvement is zero.
	StdFloor = 1e-9

	// DefaultXi is the default exploration margin.
	DefaultXi = 0.01
)

// AcquisitionParams holds the parameters of the acquisition function.
type AcquisitionParams struct {
	// Xi (Greek letter ξ) is the minimum improvement, in BSFC units, a point
	// must promise over BestSoFar before it is credited.
	// - Higher values (e.g., 0.1) encourage more exploration
	// - Lower values (e.g., 0.01) focus more on local optimization
	Xi float64

	// BestSoFar is the best (lowest) BSFC observed so far.
	BestSoFar float64
}

// ExpectedImprovement (EI) calculates the expected value of the improvement
// of a point over the current best BSFC, for minimization.
//
// How it works:
//
//	I(x)  = BestSoFar - mean - Xi
//	EI(x) = I * Phi(I/std) + std * phi(I/std)
//
// where Phi and phi are the standard normal CDF and PDF.
//
// Parameters:
// - mean: Predicted BSFC at this point
// - std: Predicted standard deviation at this point
// - params.BestSoFar: Best BSFC observed so far
// - params.Xi: Minimum improvement desired
//
// Edge cases:
// - Returns 0 whenever std is at or below StdFloor (or NaN), whatever the
// mean
// - Never returns a negative value
//
// Example:
//
//	params := AcquisitionParams{
//	    BestSoFar: 245.0, // Best bin-mean BSFC
//	    Xi:        0.01,
//	}
//	expected := ExpectedImprovement(244.2, 3.1, params)
func ExpectedImprovement(mean, std float64, params AcquisitionParams) float64 {
	if !(std > StdFloor) {
		return 0
	}

	improvement := params.BestSoFar - mean - params.Xi
	z := improvement / std

	ei := improvement*normalCDF(z) + std*normalPDF(z)
	if !isFinite(ei) {
		return 0
	}

	return math.Max(ei, 0)
}

package bsfc

import "errors"

// Input-quality errors.
var (
	// ErrNoSamples is returned when no samples are left to aggregate.
	ErrNoSamples = errors.New("no samples")

	// ErrLengthMismatch is returned when sample or training arrays differ in
	// length.
	ErrLengthMismatch = errors.New("array length mismatch")

	// ErrInvalidSample is returned for non-finite values or BSFC <= 0.
	ErrInvalidSample = errors.New("invalid sample")

	// ErrInsufficientBins is returned when too few RPM bins meet the
	// minimum sample threshold to fit the surrogate.
	ErrInsufficientBins = errors.New("insufficient RPM bins")

	// ErrDimensionMismatch is returned when a query row does not have the
	// expected number of input dimensions.
	ErrDimensionMismatch = errors.New("dimension mismatch")
)

// ErrNotFitted is returned when a surrogate is queried before Fit.
var ErrNotFitted = errors.New("model must be fitted before use")

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid config")

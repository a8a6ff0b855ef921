package bsfc

import (
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/constraints"
)

// ProgressUpdate represents the current state of an optimization run.
type ProgressUpdate struct {
	// Phase is the stage of the run the update refers to.
	Phase string

	// CurrentIteration is the 1-based step within the phase.
	CurrentIteration int

	// TotalIterations is the number of steps in the phase.
	TotalIterations int

	// RPM is the bin center the step refers to, zero when not applicable.
	RPM float64

	// Value is the phase-specific result of the step: log marginal
	// likelihood for PhaseFit, predicted BSFC for PhaseOptimizeRPM, Expected
	// Improvement for PhaseSuggest and best BSFC for PhaseCampaign.
	Value float64
}

// Phases reported through ProgressUpdate.
const (
	PhaseFit         = "Fit"
	PhaseOptimizeRPM = "OptimizeRPM"
	PhaseSuggest     = "Suggest"

	// Closed-loop campaign phases, see RunCampaign.
	PhaseInitialSampling = "InitialSampling"
	PhaseCampaign        = "Campaign"
)

// ParameterRange defines a closed [Min, Max] interval for one input
// dimension. It is used for the RPM aggregation range (integers) as well as
// for lambda, timing and training bounds (floats).
//
// Type Parameter:
//   - T: The numeric type for this parameter range (int or float64)
//
// Usage:
//
//	// RPM range from 1000 to 6500 rpm.
//	rpmRange := ParameterRange[int]{Min: 1000, Max: 6500}
//
//	// Lambda search bounds.
//	lambdaBounds := ParameterRange[float64]{Min: 0.85, Max: 1.15}
//
// Validation:
// - Min must be less than or equal to Max
// - The range is inclusive of both Min and Max values
type ParameterRange[T constraints.Integer | constraints.Float] struct {
	// Min defines the minimum allowed value (inclusive).
	Min T `json:"min"`

	// Max defines the maximum allowed value (inclusive).
	Max T `json:"max"`
}

// Span returns Max - Min.
func (r ParameterRange[T]) Span() T {
	return r.Max - r.Min
}

// Contains reports whether v lies within the closed range.
func (r ParameterRange[T]) Contains(v T) bool {
	return v >= r.Min && v <= r.Max
}

// Valid reports whether Min <= Max.
func (r ParameterRange[T]) Valid() bool {
	return r.Min <= r.Max
}

// TrainingBounds holds the observed min/max per surrogate input dimension.
type TrainingBounds struct {
	Lambda ParameterRange[float64] `json:"lambda"`
	Timing ParameterRange[float64] `json:"timing"`
	RPM    ParameterRange[float64] `json:"rpm"`
}

// OptimalPoint is the minimum-BSFC operating point found for one RPM bin.
type OptimalPoint struct {
	// BinIndex is the index of the bin in the BinnedDataset.
	BinIndex int

	RPM           float64
	Lambda        float64
	Timing        float64
	PredictedBSFC float64
}

// Suggestion is a candidate next dyno experiment ranked by Expected
// Improvement.
type Suggestion struct {
	// BinIndex is the index of the RPM bin the candidate was drawn for.
	BinIndex int

	RPM                 float64
	Lambda              float64
	Timing              float64
	PredictedBSFC       float64
	Uncertainty         float64
	ExpectedImprovement float64
}

// BinBest is the current best (mean) BSFC observed in one RPM bin.
type BinBest struct {
	BinIndex int
	RPM      float64
	BSFC     float64
}

// Config holds all configuration parameters for an optimization run.
//
// Fields explanation:
// - BinWidth, RPMRange, MinSamples, FallbackStd: RPM aggregation
// - MinBins: fewest retained bins accepted before the run aborts
// - NoiseLevel, GPRestarts: surrogate fitting
// - OptRestarts, NumCandidates, NumSuggestions, Xi: acquisition
// - LambdaBounds, TimingBounds: optional explicit search bounds
// - Seed, RandomState: randomness sources
// - Workers, Timeout, MaxIterations: resource limits
//
// Usage example:
//
//	config := DefaultConfig()
//	config.BinWidth = 100
//	config.LambdaBounds = &ParameterRange[float64]{Min: 0.85, Max: 1.15}
//
//	report, err := Optimize(ctx, samples, config)
//
// Note:
// - Create separate configs for parallel runs, RandomState is not
// safe for concurrent use.
type Config struct {
	// BinWidth is the RPM bin width in rpm.
	BinWidth int

	// RPMRange optionally fixes the aggregation range. When nil it is
	// derived by flooring/ceiling the observed extremes to BinWidth.
	RPMRange *ParameterRange[int]

	// MinSamples is the minimum number of samples for a bin to be kept.
	MinSamples int

	// FallbackStd is the BSFC std assigned to single-sample bins, in BSFC
	// units.
	FallbackStd float64

	// MinBins is the minimum number of retained bins needed to fit the
	// three-dimensional surrogate. It may be raised above DefaultMinBins but
	// not lowered.
	MinBins int

	// NoiseLevel is the observation noise standard deviation in normalized
	// output units. Its square is added to the covariance diagonal.
	NoiseLevel float64

	// GPRestarts is the number of random restarts of the hyperparameter
	// search, in addition to the start from the default kernel.
	GPRestarts int

	// OptRestarts is the number of random starts per RPM bin for the
	// minimum-BSFC search.
	OptRestarts int

	// NumCandidates is the candidate pool size, split evenly across bins.
	NumCandidates int

	// NumSuggestions is the maximum number of suggested experiments.
	NumSuggestions int

	// Xi trades exploitation for exploration in Expected Improvement.
	Xi float64

	// LambdaBounds and TimingBounds override the derived search bounds.
	LambdaBounds *ParameterRange[float64]
	TimingBounds *ParameterRange[float64]

	// Seed makes GP restarts and per-RPM restarts reproducible.
	Seed int64

	// RandomState drives candidate-pool sampling.
	//
	// Warning:
	// - Do NOT use a nil RandomState
	// - Do NOT share RandomState between different optimization runs
	RandomState *rand.Rand

	// Workers bounds the restart worker pools. Zero means GOMAXPROCS.
	Workers int

	// Timeout bounds the whole run. Zero means no deadline.
	Timeout time.Duration

	// MaxIterations caps each local L-BFGS run.
	MaxIterations int

	// Logger receives structured logs. Nil disables logging.
	Logger *zap.Logger

	// ProgressChan is used to send progress updates during optimization.
	// If nil, no updates will be sent.
	ProgressChan chan<- ProgressUpdate
}

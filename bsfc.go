package bsfc

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"time"

	"go.uber.org/zap"
)

//////
// Const, vars, types.
//////

// DefaultMinBins is the fewest retained bins a 3-dimensional surrogate is
// fitted on.
const DefaultMinBins = 3

// OptimizationResult is the outcome of one optimization run. It is built once
// by OptimizeDataset and only read afterwards.
type OptimizationResult struct {
	// OptimalMap holds one minimum-BSFC point per RPM bin, in bin order.
	OptimalMap []OptimalPoint

	// Suggestions are the next experiments, sorted by descending EI.
	Suggestions []Suggestion

	TrainingBounds TrainingBounds

	// NumTrainingSamples is the number of surrogate training points, one per
	// retained bin.
	NumTrainingSamples int

	// BestPerRPM is the current best (mean) BSFC per bin, in bin order.
	BestPerRPM []BinBest

	// BestOverall is the minimum of BestPerRPM.
	BestOverall float64
}

// Report bundles a result with the dataset and model it came from, which the
// exporters need for summaries and visualization grids.
type Report struct {
	Dataset *BinnedDataset
	Model   *FittedGaussianProcess
	Result  *OptimizationResult
}

//////
// Exported functionalities.
//////

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		BinWidth:       DefaultBinWidth,
		MinSamples:     DefaultMinSamples,
		FallbackStd:    DefaultFallbackStd,
		MinBins:        DefaultMinBins,
		NoiseLevel:     DefaultNoiseLevel,
		GPRestarts:     DefaultGPRestarts,
		OptRestarts:    DefaultOptRestarts,
		NumCandidates:  DefaultNumCandidates,
		NumSuggestions: DefaultNumSuggestions,
		Xi:             DefaultXi,
		Seed:           DefaultSeed,
		RandomState:    rand.New(rand.NewSource(time.Now().UnixNano())),
		MaxIterations:  DefaultMaxIterations,
		ProgressChan:   nil, // Default to no progress updates.
	}
}

// Validate checks every option.
func (c Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"bin width", c.BinWidth},
		{"min samples", c.MinSamples},
		{"gp restarts", c.GPRestarts},
		{"opt restarts", c.OptRestarts},
		{"candidate pool size", c.NumCandidates},
		{"suggestions", c.NumSuggestions},
		{"max iterations", c.MaxIterations},
	}

	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, p.name, p.value)
		}
	}

	if c.MinBins < DefaultMinBins {
		return fmt.Errorf("%w: min bins must be at least %d, got %d", ErrInvalidConfig, DefaultMinBins, c.MinBins)
	}

	if !(c.NoiseLevel > 0) {
		return fmt.Errorf("%w: noise level must be positive, got %g", ErrInvalidConfig, c.NoiseLevel)
	}

	if !(c.FallbackStd > 0) {
		return fmt.Errorf("%w: fallback std must be positive, got %g", ErrInvalidConfig, c.FallbackStd)
	}

	if c.Xi < 0 || !isFinite(c.Xi) {
		return fmt.Errorf("%w: xi must be a non-negative number, got %g", ErrInvalidConfig, c.Xi)
	}

	if c.RPMRange != nil && !c.RPMRange.Valid() {
		return fmt.Errorf("%w: rpm range min %d > max %d", ErrInvalidConfig, c.RPMRange.Min, c.RPMRange.Max)
	}

	if c.LambdaBounds != nil && !c.LambdaBounds.Valid() {
		return fmt.Errorf("%w: lambda bounds min %g > max %g", ErrInvalidConfig, c.LambdaBounds.Min, c.LambdaBounds.Max)
	}

	if c.TimingBounds != nil && !c.TimingBounds.Valid() {
		return fmt.Errorf("%w: timing bounds min %g > max %g", ErrInvalidConfig, c.TimingBounds.Min, c.TimingBounds.Max)
	}

	if c.RandomState == nil {
		return fmt.Errorf("%w: random state must not be nil", ErrInvalidConfig)
	}

	if c.Workers < 0 || c.Timeout < 0 {
		return fmt.Errorf("%w: workers and timeout must not be negative", ErrInvalidConfig)
	}

	return nil
}

// Optimize runs the whole pipeline on raw samples: RPM aggregation,
// surrogate fitting and OptimizeDataset.
//
// Usage example:
//
//	config := DefaultConfig()
//	config.Logger = logger
//
//	report, err := Optimize(ctx, Samples{
//	    RPM:    rpm,
//	    Lambda: lambda,
//	    Timing: timing,
//	    BSFC:   bsfc,
//	}, config)
//	if err != nil {
//	    return err
//	}
//
//	for _, p := range report.Result.OptimalMap {
//	    fmt.Printf("%.0f rpm: lambda=%.3f timing=%.1f\n", p.RPM, p.Lambda, p.Timing)
//	}
//
// Returns ErrInsufficientBins when fewer than config.MinBins bins meet the
// sample threshold. Any stage failure aborts the run.
func Optimize(ctx context.Context, samples Samples, config Config) (*Report, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	logger := loggerOf(config)

	dataset, err := BinByRPM(samples, BinningConfig{
		Width:       config.BinWidth,
		Range:       config.RPMRange,
		MinSamples:  config.MinSamples,
		FallbackStd: config.FallbackStd,
	})
	if err != nil {
		return nil, fmt.Errorf("bin by rpm: %w", err)
	}

	summary := dataset.Summary()

	logger.Info("samples binned",
		zap.Int("bins", summary.NumBins),
		zap.Int("samples", dataset.TotalSamples()),
		zap.Int("samples_in_bins", summary.TotalSamples),
		zap.Int("out_of_range", dataset.OutOfRange()),
		zap.Int("below_threshold", dataset.BelowThreshold()),
		zap.Float64("avg_samples_per_bin", summary.AvgSamplesPerBin),
	)

	if dataset.Len() < config.MinBins {
		return nil, fmt.Errorf("%w: %d bins with at least %d samples, need %d",
			ErrInsufficientBins, dataset.Len(), config.MinSamples, config.MinBins)
	}

	gp := &GaussianProcess{
		NoiseLevel:        config.NoiseLevel,
		Restarts:          config.GPRestarts,
		Seed:              config.Seed,
		Workers:           config.Workers,
		MaxIterations:     config.MaxIterations,
		AmplitudeBounds:   DefaultHyperparameterBounds,
		LengthScaleBounds: DefaultHyperparameterBounds,
		Logger:            logger,
		ProgressChan:      config.ProgressChan,
	}

	model, err := gp.Fit(ctx, dataset.X(), dataset.Y())
	if err != nil {
		return nil, err
	}

	result, err := OptimizeDataset(ctx, dataset, model, config)
	if err != nil {
		return nil, err
	}

	return &Report{Dataset: dataset, Model: model, Result: result}, nil
}

// OptimizeDataset sequences the acquisition stages over a fitted model:
//
// 1. Current best BSFC per bin (the bin mean) and overall
// 2. Minimum-BSFC (lambda, timing) for every bin center
// 3. Next experiments ranked by EI against the overall best
// 4. Assembly of the OptimizationResult
//
// There are no retries, a failure in any stage aborts the run.
func OptimizeDataset(ctx context.Context, dataset *BinnedDataset, model *FittedGaussianProcess, config Config) (*OptimizationResult, error) {
	if dataset == nil || dataset.Len() == 0 {
		return nil, fmt.Errorf("optimize: %w", ErrInsufficientBins)
	}

	if model == nil || !model.fitted {
		return nil, ErrNotFitted
	}

	if model.NumTrainingSamples() != dataset.Len() {
		return nil, fmt.Errorf("%w: model trained on %d points, dataset has %d bins",
			ErrLengthMismatch, model.NumTrainingSamples(), dataset.Len())
	}

	logger := loggerOf(config)

	centers := dataset.Centers()
	y := dataset.Y()

	bestPerRPM := make([]BinBest, len(centers))
	for i := range centers {
		bestPerRPM[i] = BinBest{BinIndex: i, RPM: centers[i], BSFC: y[i]}
	}

	best := overallBest(y)

	logger.Info("optimizing rpm bins", zap.Int("bins", len(centers)), zap.Float64("current_best_bsfc", best))

	optimizer, err := NewOptimizer(model, OptimizerConfig{
		LambdaBounds:   config.LambdaBounds,
		TimingBounds:   config.TimingBounds,
		Restarts:       config.OptRestarts,
		NumCandidates:  config.NumCandidates,
		NumSuggestions: config.NumSuggestions,
		Xi:             config.Xi,
		Workers:        config.Workers,
		MaxIterations:  config.MaxIterations,
		Logger:         logger,
		ProgressChan:   config.ProgressChan,
	})
	if err != nil {
		return nil, err
	}

	// Per-RPM restarts draw from Seed+1, hyperparameter restarts from Seed.
	optimal, err := optimizer.OptimizeRPM(ctx, centers, rand.New(rand.NewSource(config.Seed+1)))
	if err != nil {
		return nil, err
	}

	randomState := config.RandomState
	if randomState == nil {
		randomState = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	suggestions, err := optimizer.SuggestExperiments(ctx, centers, best, randomState)
	if err != nil {
		return nil, err
	}

	bounds, err := model.TrainingBounds()
	if err != nil {
		return nil, err
	}

	return newOptimizationResult(optimal, suggestions, bounds, dataset.Len(), bestPerRPM, best)
}

// OptimalAt returns the optimal point of the bin centered at rpm.
func (r *OptimizationResult) OptimalAt(rpm float64) (OptimalPoint, bool) {
	for _, p := range r.OptimalMap {
		if math.Abs(p.RPM-rpm) <= 1e-9*math.Max(1, math.Abs(rpm)) {
			return p, true
		}
	}

	return OptimalPoint{}, false
}

//////
// Helpers.
//////

func newOptimizationResult(
	optimal []OptimalPoint,
	suggestions []Suggestion,
	bounds TrainingBounds,
	numTraining int,
	bestPerRPM []BinBest,
	bestOverall float64,
) (*OptimizationResult, error) {
	if len(optimal) != len(bestPerRPM) {
		return nil, fmt.Errorf("%w: %d optimal points for %d bins", ErrLengthMismatch, len(optimal), len(bestPerRPM))
	}

	for i := range optimal {
		if optimal[i].BinIndex != i || bestPerRPM[i].BinIndex != i {
			return nil, fmt.Errorf("%w: bin %d is out of order", ErrLengthMismatch, i)
		}
	}

	return &OptimizationResult{
		OptimalMap:         slices.Clone(optimal),
		Suggestions:        slices.Clone(suggestions),
		TrainingBounds:     bounds,
		NumTrainingSamples: numTraining,
		BestPerRPM:         slices.Clone(bestPerRPM),
		BestOverall:        bestOverall,
	}, nil
}

func loggerOf(config Config) *zap.Logger {
	if config.Logger == nil {
		return zap.NewNop()
	}

	return config.Logger
}

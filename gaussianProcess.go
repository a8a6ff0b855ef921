package bsfc

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

//////
// Const, vars, types.
//////

const (
	// InputDims is the surrogate input dimensionality: lambda, timing, RPM.
	InputDims = 3

	// DefaultNoiseLevel is the default observation noise std in normalized
	// output units.
	DefaultNoiseLevel = 0.1

	// DefaultGPRestarts is the default number of random hyperparameter
	// restarts.
	DefaultGPRestarts = 10

	// DefaultSeed seeds hyperparameter restarts.
	DefaultSeed int64 = 42

	// DefaultMaxIterations caps each local L-BFGS run.
	DefaultMaxIterations = 200

	// lmlPenalty stands in for the negative log marginal likelihood of a
	// hyperparameter vector whose covariance is not positive definite.
	lmlPenalty = 1e10
)

// DefaultHyperparameterBounds bounds the amplitude and every length scale
// during fitting, in normalized units.
var DefaultHyperparameterBounds = ParameterRange[float64]{Min: 1e-5, Max: 1e5}

// GaussianProcess is the unfitted surrogate: a configuration that Fit turns
// into a FittedGaussianProcess.
//
// Fields:
// - NoiseLevel: observation noise std in normalized units, NoiseLevel^2 is
// added to the covariance diagonal and never optimized
// - Restarts: random restarts of the hyperparameter search
// - Seed: seeds the restart initialization
// - Workers: bounds concurrent restarts, zero means GOMAXPROCS
// - MaxIterations: caps each L-BFGS run
// - AmplitudeBounds, LengthScaleBounds: hyperparameter search box
//
// Fitting with the same configuration and data always yields the same model,
// regardless of Workers.
type GaussianProcess struct {
	NoiseLevel        float64
	Restarts          int
	Seed              int64
	Workers           int
	MaxIterations     int
	AmplitudeBounds   ParameterRange[float64]
	LengthScaleBounds ParameterRange[float64]

	Logger       *zap.Logger
	ProgressChan chan<- ProgressUpdate
}

// Hyperparameters are the fitted kernel parameters in normalized units.
type Hyperparameters struct {
	Amplitude    float64
	LengthScales []float64
}

// FittedGaussianProcess is a Gaussian Process regressor of BSFC over
// (lambda, timing, RPM), fitted on standardized inputs and output.
//
// Thread safety:
// - Immutable once returned by Fit
// - Safe for concurrent Predict calls from multiple goroutines
type FittedGaussianProcess struct {
	fitted bool

	// Raw training data, kept for bounds queries.
	xTrain [][]float64
	yTrain []float64

	xScaler standardScaler
	yScaler standardScaler

	// Normalized training inputs.
	xNorm [][]float64

	kernel   maternKernel
	noiseVar float64

	// alpha = K^-1 y and kInv = K^-1, both in normalized units.
	alpha *mat.VecDense
	kInv  *mat.SymDense

	lml float64
}

// GridPrediction is the surrogate evaluated on a lambda x timing grid at a
// fixed RPM. Mean[i][j] and Std[i][j] are at (Lambda[j], Timing[i]).
type GridPrediction struct {
	RPM    float64
	Lambda []float64
	Timing []float64
	Mean   [][]float64
	Std    [][]float64
}

type restartResult struct {
	index int
	theta []float64
	nlml  float64
}

//////
// Factory.
//////

// NewGaussianProcess returns a surrogate configuration with default
// parameters.
func NewGaussianProcess() *GaussianProcess {
	return &GaussianProcess{
		NoiseLevel:        DefaultNoiseLevel,
		Restarts:          DefaultGPRestarts,
		Seed:              DefaultSeed,
		MaxIterations:     DefaultMaxIterations,
		AmplitudeBounds:   DefaultHyperparameterBounds,
		LengthScaleBounds: DefaultHyperparameterBounds,
	}
}

//////
// Methods.
//////

// Fit regresses y on X and returns the fitted model.
//
// Parameters:
// - ctx: bounds the hyperparameter search, restarts not yet started when ctx
// is done are skipped
// - X: training inputs, one (lambda, timing, rpm) row per point
// - y: training targets (BSFC), same length as X
//
// How it works:
// 1. Standardizes every input column and the output
// 2. Maximizes the log marginal likelihood over log amplitude and log length
// scales, once from amplitude = 1 and unit length scales and then from
// Restarts log-uniform random points, each with box-constrained L-BFGS
// 3. Keeps the best-likelihood hyperparameters and precomputes K^-1 y
//
// Returns ErrLengthMismatch, ErrNoSamples, ErrDimensionMismatch or
// ErrInvalidSample for bad training data.
func (gp *GaussianProcess) Fit(ctx context.Context, X [][]float64, y []float64) (*FittedGaussianProcess, error) {
	if err := validateTraining(X, y); err != nil {
		return nil, err
	}

	if gp.NoiseLevel <= 0 {
		return nil, fmt.Errorf("%w: noise level must be positive, got %g", ErrInvalidConfig, gp.NoiseLevel)
	}

	if gp.Restarts < 0 {
		return nil, fmt.Errorf("%w: restarts must not be negative, got %d", ErrInvalidConfig, gp.Restarts)
	}

	ampBounds, lsBounds := gp.AmplitudeBounds, gp.LengthScaleBounds
	if ampBounds == (ParameterRange[float64]{}) {
		ampBounds = DefaultHyperparameterBounds
	}

	if lsBounds == (ParameterRange[float64]{}) {
		lsBounds = DefaultHyperparameterBounds
	}

	if ampBounds.Min <= 0 || !ampBounds.Valid() || lsBounds.Min <= 0 || !lsBounds.Valid() {
		return nil, fmt.Errorf("%w: hyperparameter bounds must be positive and ordered", ErrInvalidConfig)
	}

	maxIterations := gp.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	logger := gp.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	xScaler := fitScaler(X)

	yCol := make([][]float64, len(y))
	for i, v := range y {
		yCol[i] = []float64{v}
	}

	yScaler := fitScaler(yCol)

	xNorm := make([][]float64, len(X))
	yNorm := make([]float64, len(y))

	for i := range X {
		xNorm[i] = xScaler.transform(X[i])
		yNorm[i] = (y[i] - yScaler.mean[0]) / yScaler.scale[0]
	}

	noiseVar := gp.NoiseLevel * gp.NoiseLevel

	// Search box in log space: amplitude first, then one per length scale.
	lower := make([]float64, 1+InputDims)
	upper := make([]float64, 1+InputDims)
	lower[0], upper[0] = math.Log(ampBounds.Min), math.Log(ampBounds.Max)

	for d := 1; d <= InputDims; d++ {
		lower[d], upper[d] = math.Log(lsBounds.Min), math.Log(lsBounds.Max)
	}

	// Starts are drawn up front so the outcome does not depend on
	// scheduling.
	rng := rand.New(rand.NewSource(gp.Seed))
	starts := make([][]float64, 1+gp.Restarts)
	starts[0] = clampVec(make([]float64, 1+InputDims), lower, upper)

	for r := 1; r < len(starts); r++ {
		s := make([]float64, 1+InputDims)
		for d := range s {
			s[d] = lower[d] + rng.Float64()*(upper[d]-lower[d])
		}

		starts[r] = s
	}

	problem := boxProblem{
		Func: func(theta []float64) float64 {
			lml, _, ok := logMarginalLikelihood(theta, xNorm, yNorm, noiseVar)
			if !ok || !isFinite(lml) {
				return lmlPenalty
			}

			return -lml
		},
		Grad: func(grad, theta []float64) {
			_, g, ok := logMarginalLikelihood(theta, xNorm, yNorm, noiseVar)
			for i := range grad {
				if ok && isFinite(g[i]) {
					grad[i] = -g[i]
				} else {
					grad[i] = 0
				}
			}
		},
	}

	var done atomic.Int64

	results, err := runTasks(ctx, gp.Workers, len(starts), func(_ context.Context, i int) (restartResult, error) {
		theta, nlml, err := minimizeBox(problem, lower, upper, starts[i], maxIterations)
		if err != nil {
			logger.Debug("hyperparameter restart failed", zap.Int("restart", i), zap.Error(err))

			return restartResult{}, err
		}

		sendProgress(gp.ProgressChan, ProgressUpdate{
			Phase:            PhaseFit,
			CurrentIteration: int(done.Add(1)),
			TotalIterations:  len(starts),
			Value:            -nlml,
		})

		return restartResult{index: i, theta: theta, nlml: nlml}, nil
	})

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("fit gaussian process: %w", ctxErr)
	}

	best := restartResult{index: -1, nlml: math.Inf(1)}

	for _, r := range results {
		if r.nlml < best.nlml || (r.nlml == best.nlml && r.index < best.index) {
			best = r
		}
	}

	if best.index < 0 || best.nlml >= lmlPenalty {
		if err == nil {
			err = fmt.Errorf("no hyperparameter restart produced a positive definite covariance")
		}

		return nil, fmt.Errorf("fit gaussian process: %w", err)
	}

	model, err := newFittedGaussianProcess(X, y, xScaler, yScaler, xNorm, yNorm, kernelFromTheta(best.theta), noiseVar)
	if err != nil {
		return nil, err
	}

	logger.Info("gaussian process fitted",
		zap.Int("samples", len(y)),
		zap.Float64("amplitude", model.kernel.amplitude),
		zap.Float64s("length_scales", model.kernel.lengthScales),
		zap.Float64("log_marginal_likelihood", model.lml),
		zap.Int("best_restart", best.index),
	)

	return model, nil
}

// Predict estimates BSFC and, when returnStd is set, its standard deviation
// at every query row.
//
// Query rows are standardized with the training scaler. The posterior mean is
// mapped back to BSFC units with the output mean and scale, the std with the
// output scale only. Predicted std excludes observation noise and is never
// negative.
func (m *FittedGaussianProcess) Predict(X [][]float64, returnStd bool) (mean, std []float64, err error) {
	if m == nil || !m.fitted {
		return nil, nil, ErrNotFitted
	}

	for i, row := range X {
		if len(row) != InputDims {
			return nil, nil, fmt.Errorf("%w: query row %d has %d values, want %d", ErrDimensionMismatch, i, len(row), InputDims)
		}
	}

	mean = make([]float64, len(X))
	if returnStd {
		std = make([]float64, len(X))
	}

	for i, row := range X {
		mu, variance := m.predictNormalized(m.xScaler.transform(row), returnStd)

		mean[i] = mu*m.yScaler.scale[0] + m.yScaler.mean[0]

		if returnStd {
			std[i] = math.Sqrt(variance) * m.yScaler.scale[0]
		}
	}

	return mean, std, nil
}

// PredictGrid evaluates the surrogate on an n x n grid spanning lambdaRange
// and timingRange at a fixed rpm. It is a convenience view over Predict for
// visualization payloads. n must be at least 2.
func (m *FittedGaussianProcess) PredictGrid(lambdaRange, timingRange ParameterRange[float64], rpm float64, n int) (*GridPrediction, error) {
	if m == nil || !m.fitted {
		return nil, ErrNotFitted
	}

	if n < 2 {
		return nil, fmt.Errorf("%w: grid needs at least 2 points per axis, got %d", ErrInvalidConfig, n)
	}

	lambdas := floats.Span(make([]float64, n), lambdaRange.Min, lambdaRange.Max)
	timings := floats.Span(make([]float64, n), timingRange.Min, timingRange.Max)

	query := make([][]float64, 0, n*n)

	for _, t := range timings {
		for _, l := range lambdas {
			query = append(query, []float64{l, t, rpm})
		}
	}

	mean, std, err := m.Predict(query, true)
	if err != nil {
		return nil, err
	}

	grid := &GridPrediction{
		RPM:    rpm,
		Lambda: lambdas,
		Timing: timings,
		Mean:   make([][]float64, n),
		Std:    make([][]float64, n),
	}

	for i := 0; i < n; i++ {
		grid.Mean[i] = mean[i*n : (i+1)*n]
		grid.Std[i] = std[i*n : (i+1)*n]
	}

	return grid, nil
}

// TrainingBounds returns the observed min/max per input dimension.
func (m *FittedGaussianProcess) TrainingBounds() (TrainingBounds, error) {
	if m == nil || !m.fitted {
		return TrainingBounds{}, ErrNotFitted
	}

	col := func(d int) ParameterRange[float64] {
		r := ParameterRange[float64]{Min: math.Inf(1), Max: math.Inf(-1)}
		for _, row := range m.xTrain {
			r.Min = math.Min(r.Min, row[d])
			r.Max = math.Max(r.Max, row[d])
		}

		return r
	}

	return TrainingBounds{Lambda: col(0), Timing: col(1), RPM: col(2)}, nil
}

// Hyperparameters returns the fitted kernel parameters.
func (m *FittedGaussianProcess) Hyperparameters() (Hyperparameters, error) {
	if m == nil || !m.fitted {
		return Hyperparameters{}, ErrNotFitted
	}

	return Hyperparameters{
		Amplitude:    m.kernel.amplitude,
		LengthScales: append([]float64(nil), m.kernel.lengthScales...),
	}, nil
}

// LogMarginalLikelihood returns the log marginal likelihood of the fitted
// hyperparameters on the normalized training data.
func (m *FittedGaussianProcess) LogMarginalLikelihood() (float64, error) {
	if m == nil || !m.fitted {
		return 0, ErrNotFitted
	}

	return m.lml, nil
}

// NumTrainingSamples returns the number of training points.
func (m *FittedGaussianProcess) NumTrainingSamples() int {
	if m == nil {
		return 0
	}

	return len(m.yTrain)
}

// meanAt returns the predicted BSFC at a single point. The model must be
// fitted and x must have InputDims values.
func (m *FittedGaussianProcess) meanAt(x []float64) float64 {
	mu, _ := m.predictNormalized(m.xScaler.transform(x), false)

	return mu*m.yScaler.scale[0] + m.yScaler.mean[0]
}

// predictNormalized returns the posterior mean and variance at a normalized
// point.
func (m *FittedGaussianProcess) predictNormalized(xn []float64, withVariance bool) (mean, variance float64) {
	n := len(m.xNorm)
	k := mat.NewVecDense(n, nil)

	for i, xi := range m.xNorm {
		k.SetVec(i, m.kernel.Eval(xn, xi))
	}

	mean = mat.Dot(k, m.alpha)

	if !withVariance {
		return mean, 0
	}

	variance = m.kernel.amplitude - mat.Inner(k, m.kInv, k)
	if variance < 0 || !isFinite(variance) {
		variance = 0
	}

	return mean, variance
}

//////
// Helpers.
//////

func newFittedGaussianProcess(
	X [][]float64,
	y []float64,
	xScaler, yScaler standardScaler,
	xNorm [][]float64,
	yNorm []float64,
	kernel maternKernel,
	noiseVar float64,
) (*FittedGaussianProcess, error) {
	n := len(xNorm)

	var chol mat.Cholesky
	if !chol.Factorize(covariance(kernel, xNorm, noiseVar)) {
		return nil, fmt.Errorf("fit gaussian process: covariance is not positive definite")
	}

	yv := mat.NewVecDense(n, append([]float64(nil), yNorm...))

	alpha := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(alpha, yv); err != nil {
		return nil, fmt.Errorf("fit gaussian process: %w", err)
	}

	kInv := mat.NewSymDense(n, nil)
	if err := chol.InverseTo(kInv); err != nil {
		return nil, fmt.Errorf("fit gaussian process: %w", err)
	}

	lml := -0.5*mat.Dot(yv, alpha) - 0.5*chol.LogDet() - 0.5*float64(n)*math.Log(2*math.Pi)

	xTrain := make([][]float64, len(X))
	for i, row := range X {
		xTrain[i] = append([]float64(nil), row...)
	}

	return &FittedGaussianProcess{
		fitted:   true,
		xTrain:   xTrain,
		yTrain:   append([]float64(nil), y...),
		xScaler:  xScaler,
		yScaler:  yScaler,
		xNorm:    xNorm,
		kernel:   kernel,
		noiseVar: noiseVar,
		alpha:    alpha,
		kInv:     kInv,
		lml:      lml,
	}, nil
}

func validateTraining(X [][]float64, y []float64) error {
	if len(X) != len(y) {
		return fmt.Errorf("%w: X has %d rows, y has %d values", ErrLengthMismatch, len(X), len(y))
	}

	if len(X) == 0 {
		return ErrNoSamples
	}

	for i, row := range X {
		if len(row) != InputDims {
			return fmt.Errorf("%w: training row %d has %d values, want %d", ErrDimensionMismatch, i, len(row), InputDims)
		}

		for _, v := range row {
			if !isFinite(v) {
				return fmt.Errorf("%w: non-finite training input at row %d", ErrInvalidSample, i)
			}
		}

		if !isFinite(y[i]) {
			return fmt.Errorf("%w: non-finite training target at row %d", ErrInvalidSample, i)
		}
	}

	return nil
}

func clampVec(x, lower, upper []float64) []float64 {
	for i := range x {
		x[i] = math.Min(math.Max(x[i], lower[i]), upper[i])
	}

	return x
}

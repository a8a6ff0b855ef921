package bsfc

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"math/rand"
	"slices"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/diff/fd"
)

//////
// Const, vars, types.
//////

const (
	// DefaultBoundMargin expands derived search bounds on each side by this
	// fraction of the training extent.
	DefaultBoundMargin = 0.1

	// DefaultOptRestarts is the default number of random starts per RPM bin.
	DefaultOptRestarts = 10

	// DefaultNumCandidates is the default candidate pool size.
	DefaultNumCandidates = 1000

	// DefaultNumSuggestions is the default number of suggested experiments.
	DefaultNumSuggestions = 5
)

// OptimizerConfig controls the acquisition optimizer.
type OptimizerConfig struct {
	// LambdaBounds and TimingBounds override the derived search bounds.
	LambdaBounds *ParameterRange[float64]
	TimingBounds *ParameterRange[float64]

	// Margin is the fraction of the training extent added on each side of
	// derived bounds.
	Margin float64

	Restarts       int
	NumCandidates  int
	NumSuggestions int
	Xi             float64

	Workers       int
	MaxIterations int

	Logger       *zap.Logger
	ProgressChan chan<- ProgressUpdate
}

// Optimizer turns a fitted surrogate into decisions: the minimum-BSFC
// (lambda, timing) per RPM bin and a ranked list of next experiments.
//
// The per-RPM objective (GP posterior mean over a Matern kernel) can be
// multi-modal. Multi-start local search reduces, but does not remove, the
// chance of reporting a local minimum.
type Optimizer struct {
	model  *FittedGaussianProcess
	cfg    OptimizerConfig
	logger *zap.Logger

	lambdaBounds ParameterRange[float64]
	timingBounds ParameterRange[float64]
}

// candidate is one point of the suggestion pool.
type candidate struct {
	index int
	bin   int
	x     []float64
	mean  float64
	std   float64
	ei    float64
}

type rpmRestart struct {
	bin     int
	restart int
	x       []float64
	f       float64
}

//////
// Factory.
//////

// NewOptimizer returns an optimizer over model. Bounds not given in cfg are
// derived from the model's training bounds expanded by cfg.Margin (default
// DefaultBoundMargin) on each side.
func NewOptimizer(model *FittedGaussianProcess, cfg OptimizerConfig) (*Optimizer, error) {
	tb, err := model.TrainingBounds()
	if err != nil {
		return nil, err
	}

	if cfg.Margin <= 0 {
		cfg.Margin = DefaultBoundMargin
	}

	if cfg.Restarts <= 0 {
		cfg.Restarts = DefaultOptRestarts
	}

	if cfg.NumCandidates <= 0 {
		cfg.NumCandidates = DefaultNumCandidates
	}

	if cfg.NumSuggestions <= 0 {
		cfg.NumSuggestions = DefaultNumSuggestions
	}

	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Optimizer{
		model:        model,
		cfg:          cfg,
		logger:       logger,
		lambdaBounds: DeriveBounds(tb.Lambda, cfg.Margin),
		timingBounds: DeriveBounds(tb.Timing, cfg.Margin),
	}

	if cfg.LambdaBounds != nil {
		if !cfg.LambdaBounds.Valid() {
			return nil, fmt.Errorf("%w: lambda bounds min %g > max %g", ErrInvalidConfig, cfg.LambdaBounds.Min, cfg.LambdaBounds.Max)
		}

		o.lambdaBounds = *cfg.LambdaBounds
	}

	if cfg.TimingBounds != nil {
		if !cfg.TimingBounds.Valid() {
			return nil, fmt.Errorf("%w: timing bounds min %g > max %g", ErrInvalidConfig, cfg.TimingBounds.Min, cfg.TimingBounds.Max)
		}

		o.timingBounds = *cfg.TimingBounds
	}

	return o, nil
}

// DeriveBounds expands r by margin * (Max - Min) on each side. When
// Max > Min the result strictly contains r.
func DeriveBounds(r ParameterRange[float64], margin float64) ParameterRange[float64] {
	m := r.Span() * margin

	return ParameterRange[float64]{Min: r.Min - m, Max: r.Max + m}
}

//////
// Methods.
//////

// LambdaBounds returns the lambda search bounds in use.
func (o *Optimizer) LambdaBounds() ParameterRange[float64] { return o.lambdaBounds }

// TimingBounds returns the timing search bounds in use.
func (o *Optimizer) TimingBounds() ParameterRange[float64] { return o.timingBounds }

// OptimizeRPM minimizes the predicted mean BSFC over (lambda, timing) at each
// of rpms, within the search bounds.
//
// Every bin gets cfg.Restarts box-constrained L-BFGS runs from uniform random
// starts drawn from rng, and the lowest predicted mean wins (ties go to the
// earlier restart). All starts are drawn before any run begins, so a fixed
// seed gives the same map regardless of worker count. Element i of the result
// refers to rpms[i].
func (o *Optimizer) OptimizeRPM(ctx context.Context, rpms []float64, rng *rand.Rand) ([]OptimalPoint, error) {
	restarts := o.cfg.Restarts
	lower := []float64{o.lambdaBounds.Min, o.timingBounds.Min}
	upper := []float64{o.lambdaBounds.Max, o.timingBounds.Max}

	starts := make([][]float64, len(rpms)*restarts)
	for i := range starts {
		starts[i] = []float64{uniform(rng, o.lambdaBounds), uniform(rng, o.timingBounds)}
	}

	fdSettings := &fd.Settings{Formula: fd.Central}

	results, err := runTasks(ctx, o.cfg.Workers, len(starts), func(_ context.Context, i int) (rpmRestart, error) {
		bin := i / restarts
		rpm := rpms[bin]

		objective := func(x []float64) float64 {
			return o.model.meanAt([]float64{x[0], x[1], rpm})
		}

		problem := boxProblem{
			Func: objective,
			Grad: func(grad, x []float64) {
				fd.Gradient(grad, objective, x, fdSettings)
			},
		}

		x, f, err := minimizeBox(problem, lower, upper, starts[i], o.cfg.MaxIterations)
		if err != nil {
			return rpmRestart{}, err
		}

		return rpmRestart{bin: bin, restart: i % restarts, x: x, f: f}, nil
	})

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("optimize rpm: %w", ctxErr)
	}

	best := make([]*rpmRestart, len(rpms))

	for i := range results {
		r := &results[i]

		b := best[r.bin]
		if b == nil || r.f < b.f || (r.f == b.f && r.restart < b.restart) {
			best[r.bin] = r
		}
	}

	points := make([]OptimalPoint, len(rpms))

	for bin, b := range best {
		if b == nil {
			return nil, fmt.Errorf("optimize rpm %g: every restart failed: %w", rpms[bin], err)
		}

		points[bin] = OptimalPoint{
			BinIndex:      bin,
			RPM:           rpms[bin],
			Lambda:        b.x[0],
			Timing:        b.x[1],
			PredictedBSFC: b.f,
		}

		o.logger.Debug("rpm optimum",
			zap.Float64("rpm", rpms[bin]),
			zap.Float64("lambda", b.x[0]),
			zap.Float64("timing", b.x[1]),
			zap.Float64("predicted_bsfc", b.f),
		)

		sendProgress(o.cfg.ProgressChan, ProgressUpdate{
			Phase:            PhaseOptimizeRPM,
			CurrentIteration: bin + 1,
			TotalIterations:  len(rpms),
			RPM:              rpms[bin],
			Value:            b.f,
		})
	}

	return points, nil
}

// ScoreCandidates returns the Expected Improvement of every query row against
// bestY, along with the predicted mean and std it was computed from.
func (o *Optimizer) ScoreCandidates(X [][]float64, bestY float64) (ei, mean, std []float64, err error) {
	mean, std, err = o.model.Predict(X, true)
	if err != nil {
		return nil, nil, nil, err
	}

	params := AcquisitionParams{Xi: o.cfg.Xi, BestSoFar: bestY}

	ei = make([]float64, len(X))
	for i := range X {
		ei[i] = ExpectedImprovement(mean[i], std[i], params)
	}

	return ei, mean, std, nil
}

// SuggestExperiments ranks candidate next experiments by Expected Improvement
// against the single overall best BSFC bestY.
//
// How it works:
// 1. Draws cfg.NumCandidates/len(rpms) (at least one) uniform (lambda, timing)
// candidates from rng for every bin center in rpms
// 2. Scores each candidate's EI
// 3. Selects at most cfg.NumSuggestions with selectDiverse, sorted by
// descending EI
func (o *Optimizer) SuggestExperiments(ctx context.Context, rpms []float64, bestY float64, rng *rand.Rand) ([]Suggestion, error) {
	if len(rpms) == 0 {
		return nil, fmt.Errorf("suggest experiments: %w", ErrInsufficientBins)
	}

	perBin := o.cfg.NumCandidates / len(rpms)
	if perBin < 1 {
		perBin = 1
	}

	pool := make([]candidate, 0, perBin*len(rpms))
	query := make([][]float64, 0, perBin*len(rpms))

	for bin, rpm := range rpms {
		for k := 0; k < perBin; k++ {
			x := []float64{uniform(rng, o.lambdaBounds), uniform(rng, o.timingBounds), rpm}
			pool = append(pool, candidate{index: len(pool), bin: bin, x: x})
			query = append(query, x)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("suggest experiments: %w", err)
	}

	ei, mean, std, err := o.ScoreCandidates(query, bestY)
	if err != nil {
		return nil, fmt.Errorf("suggest experiments: %w", err)
	}

	for i := range pool {
		pool[i].ei = ei[i]
		pool[i].mean = mean[i]
		pool[i].std = std[i]
	}

	chosen := selectDiverse(pool, o.cfg.NumSuggestions)

	suggestions := make([]Suggestion, len(chosen))

	for i, c := range chosen {
		suggestions[i] = Suggestion{
			BinIndex:            c.bin,
			RPM:                 c.x[2],
			Lambda:              c.x[0],
			Timing:              c.x[1],
			PredictedBSFC:       c.mean,
			Uncertainty:         c.std,
			ExpectedImprovement: c.ei,
		}

		sendProgress(o.cfg.ProgressChan, ProgressUpdate{
			Phase:            PhaseSuggest,
			CurrentIteration: i + 1,
			TotalIterations:  len(chosen),
			RPM:              c.x[2],
			Value:            c.ei,
		})
	}

	o.logger.Info("experiments suggested",
		zap.Int("candidates", len(pool)),
		zap.Int("suggestions", len(suggestions)),
		zap.Float64("best_bsfc", bestY),
	)

	return suggestions, nil
}

//////
// Helpers.
//////

// selectDiverse picks at most n candidates so that the ranking does not
// collapse onto the single bin with the highest EI.
//
// Candidates are ranked by EI descending, ties by pool index. The first
// ceil(n/2) slots take the best candidate of each bin not yet chosen. The
// remaining slots take the best remaining candidates, but while the pool
// spans more than one bin no bin may hold more than ceil(n/2) of the output.
// The chosen set is returned sorted by EI descending.
func selectDiverse(pool []candidate, n int) []candidate {
	if n <= 0 || len(pool) == 0 {
		return nil
	}

	ranked := slices.Clone(pool)
	slices.SortStableFunc(ranked, byEIDesc)

	bins := make(map[int]struct{})
	for _, c := range pool {
		bins[c.bin] = struct{}{}
	}

	half := (n + 1) / 2
	perBin := make(map[int]int)
	taken := make(map[int]bool)
	out := make([]candidate, 0, n)

	for _, c := range ranked {
		if len(out) >= half {
			break
		}

		if perBin[c.bin] > 0 {
			continue
		}

		out = append(out, c)
		perBin[c.bin]++
		taken[c.index] = true
	}

	for _, c := range ranked {
		if len(out) >= n {
			break
		}

		if taken[c.index] {
			continue
		}

		if len(bins) > 1 && perBin[c.bin] >= half {
			continue
		}

		out = append(out, c)
		perBin[c.bin]++
		taken[c.index] = true
	}

	slices.SortStableFunc(out, byEIDesc)

	return out
}

func byEIDesc(a, b candidate) int {
	if c := cmp.Compare(b.ei, a.ei); c != 0 {
		return c
	}

	return cmp.Compare(a.index, b.index)
}

// overallBest returns the minimum of y, +Inf when empty.
func overallBest(y []float64) float64 {
	best := math.Inf(1)
	for _, v := range y {
		best = math.Min(best, v)
	}

	return best
}

package bsfc

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveBoundsMargin(t *testing.T) {
	r := ParameterRange[float64]{Min: 0.9, Max: 1.1}

	b := DeriveBounds(r, DefaultBoundMargin)
	assert.InDelta(t, 0.88, b.Min, 1e-12)
	assert.InDelta(t, 1.12, b.Max, 1e-12)

	rng := rand.New(rand.NewSource(5))

	for i := 0; i < 1000; i++ {
		lo := rng.NormFloat64() * 50
		r := ParameterRange[float64]{Min: lo, Max: lo + 1e-6 + rng.Float64()*40}

		b := DeriveBounds(r, DefaultBoundMargin)
		assert.Less(t, b.Min, r.Min)
		assert.Greater(t, b.Max, r.Max)
	}

	// A degenerate range stays degenerate.
	flat := ParameterRange[float64]{Min: 20, Max: 20}
	assert.Equal(t, flat, DeriveBounds(flat, DefaultBoundMargin))
}

func TestNewOptimizerBounds(t *testing.T) {
	model := fitBowl(t)

	o, err := NewOptimizer(model, OptimizerConfig{})
	require.NoError(t, err)

	assert.InDelta(t, 0.83, o.LambdaBounds().Min, 1e-12)
	assert.InDelta(t, 1.07, o.LambdaBounds().Max, 1e-12)
	assert.InDelta(t, 13, o.TimingBounds().Min, 1e-12)
	assert.InDelta(t, 37, o.TimingBounds().Max, 1e-12)

	explicit := &ParameterRange[float64]{Min: 0.9, Max: 1.0}

	o, err = NewOptimizer(model, OptimizerConfig{LambdaBounds: explicit})
	require.NoError(t, err)
	assert.Equal(t, *explicit, o.LambdaBounds())

	_, err = NewOptimizer(model, OptimizerConfig{TimingBounds: &ParameterRange[float64]{Min: 30, Max: 10}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestOptimizeRPMFindsBowlMinimum(t *testing.T) {
	model := fitBowl(t)

	o, err := NewOptimizer(model, OptimizerConfig{Restarts: 4})
	require.NoError(t, err)

	rpms := []float64{2000, 3000, 4000}

	points, err := o.OptimizeRPM(context.Background(), rpms, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.Len(t, points, len(rpms))

	for i, p := range points {
		assert.Equal(t, i, p.BinIndex)
		assert.Equal(t, rpms[i], p.RPM)

		assert.InDelta(t, 0.95, p.Lambda, 0.03, "rpm %g", p.RPM)
		assert.InDelta(t, 25, p.Timing, 2.5, "rpm %g", p.RPM)

		assert.True(t, o.LambdaBounds().Contains(p.Lambda))
		assert.True(t, o.TimingBounds().Contains(p.Timing))

		mean, _, err := model.Predict([][]float64{{p.Lambda, p.Timing, p.RPM}}, false)
		require.NoError(t, err)
		assert.InDelta(t, mean[0], p.PredictedBSFC, 1e-9)
	}
}

func TestOptimizeRPMIsReproducible(t *testing.T) {
	model := fitBowl(t)
	rpms := []float64{2000, 3500}

	run := func(workers int) []OptimalPoint {
		o, err := NewOptimizer(model, OptimizerConfig{Restarts: 3, Workers: workers})
		require.NoError(t, err)

		points, err := o.OptimizeRPM(context.Background(), rpms, rand.New(rand.NewSource(DefaultSeed)))
		require.NoError(t, err)

		return points
	}

	assert.Equal(t, run(1), run(4))
}

func TestOptimizeRPMHonorsCancelledContext(t *testing.T) {
	model := fitBowl(t)

	o, err := NewOptimizer(model, OptimizerConfig{Restarts: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = o.OptimizeRPM(ctx, []float64{3000}, rand.New(rand.NewSource(1)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSuggestExperiments(t *testing.T) {
	model := fitBowl(t)

	progress := make(chan ProgressUpdate, 16)

	o, err := NewOptimizer(model, OptimizerConfig{
		NumCandidates:  300,
		NumSuggestions: 5,
		Xi:             DefaultXi,
		ProgressChan:   progress,
	})
	require.NoError(t, err)

	rpms := []float64{2000, 3000, 4000}

	suggestions, err := o.SuggestExperiments(context.Background(), rpms, 250, rand.New(rand.NewSource(9)))
	require.NoError(t, err)
	require.Len(t, suggestions, 5)

	perBin := map[int]int{}

	for i, s := range suggestions {
		assert.Equal(t, rpms[s.BinIndex], s.RPM)
		assert.True(t, o.LambdaBounds().Contains(s.Lambda))
		assert.True(t, o.TimingBounds().Contains(s.Timing))
		assert.GreaterOrEqual(t, s.ExpectedImprovement, 0.0)
		assert.GreaterOrEqual(t, s.Uncertainty, 0.0)

		if i > 0 {
			assert.GreaterOrEqual(t, suggestions[i-1].ExpectedImprovement, s.ExpectedImprovement)
		}

		perBin[s.BinIndex]++
	}

	assert.Len(t, perBin, 3)

	for _, n := range perBin {
		assert.LessOrEqual(t, n, 3)
	}

	close(progress)

	updates := 0
	for update := range progress {
		assert.Equal(t, PhaseSuggest, update.Phase)
		updates++
	}

	assert.Equal(t, 5, updates)
}

func TestSuggestExperimentsNeedsBins(t *testing.T) {
	model := fitBowl(t)

	o, err := NewOptimizer(model, OptimizerConfig{})
	require.NoError(t, err)

	_, err = o.SuggestExperiments(context.Background(), nil, 250, rand.New(rand.NewSource(1)))
	assert.ErrorIs(t, err, ErrInsufficientBins)
}

func TestScoreCandidates(t *testing.T) {
	model := fitBowl(t)

	o, err := NewOptimizer(model, OptimizerConfig{Xi: 0})
	require.NoError(t, err)

	X := [][]float64{{0.95, 25, 3000}, {1.2, 40, 3000}}

	ei, mean, std, err := o.ScoreCandidates(X, 250)
	require.NoError(t, err)
	require.Len(t, ei, 2)

	for i := range X {
		assert.Equal(t, ExpectedImprovement(mean[i], std[i], AcquisitionParams{BestSoFar: 250}), ei[i])
	}
}

// poolOf builds candidates with the given bins and EI values, in order.
func poolOf(bins []int, ei []float64) []candidate {
	pool := make([]candidate, len(bins))
	for i := range bins {
		pool[i] = candidate{index: i, bin: bins[i], ei: ei[i], x: []float64{1, 20, float64(bins[i])}}
	}

	return pool
}

func TestSelectDiverseSpreadsAcrossBins(t *testing.T) {
	// Bin 0 holds the six best candidates.
	pool := poolOf(
		[]int{0, 0, 0, 0, 0, 0, 1, 1, 2, 2},
		[]float64{10, 9, 8, 7, 6, 5, 4, 3, 2, 1},
	)

	chosen := selectDiverse(pool, 5)
	require.Len(t, chosen, 5)

	perBin := map[int]int{}
	for _, c := range chosen {
		perBin[c.bin]++
	}

	assert.Equal(t, map[int]int{0: 3, 1: 1, 2: 1}, perBin)

	var ei []float64
	for _, c := range chosen {
		ei = append(ei, c.ei)
	}

	assert.Equal(t, []float64{10, 9, 8, 4, 2}, ei)
}

func TestSelectDiverseSingleBin(t *testing.T) {
	pool := poolOf([]int{0, 0, 0, 0, 0, 0}, []float64{1, 6, 2, 5, 3, 4})

	chosen := selectDiverse(pool, 5)
	require.Len(t, chosen, 5)

	var ei []float64
	for _, c := range chosen {
		ei = append(ei, c.ei)
	}

	assert.Equal(t, []float64{6, 5, 4, 3, 2}, ei)
}

func TestSelectDiverseTiesAndShortPool(t *testing.T) {
	pool := poolOf([]int{0, 1, 0}, []float64{0, 0, 0})

	chosen := selectDiverse(pool, 5)
	require.Len(t, chosen, 3)

	// Equal EI keeps pool order.
	assert.Equal(t, 0, chosen[0].index)
	assert.Equal(t, 1, chosen[1].index)
	assert.Equal(t, 2, chosen[2].index)

	assert.Empty(t, selectDiverse(pool, 0))
	assert.Empty(t, selectDiverse(nil, 5))
}

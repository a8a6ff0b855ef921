package bsfc

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dynoSession simulates a dyno log: bins RPM bins 200 rpm apart, each run at
// its own lambda and timing, perBin noisy samples each.
func dynoSession(bins, perBin int, seed int64) Samples {
	rng := rand.New(rand.NewSource(seed))

	var s Samples

	for k := 0; k < bins; k++ {
		base := 2000 + 200*float64(k)
		lambda := 0.88 + 0.02*float64((k*3)%8)
		timing := 16 + 2*float64((k*5)%8)

		for i := 0; i < perBin; i++ {
			rpm := base + 5 + rng.Float64()*40

			s.RPM = append(s.RPM, rpm)
			s.Lambda = append(s.Lambda, lambda)
			s.Timing = append(s.Timing, timing)
			s.BSFC = append(s.BSFC, bowl(lambda, timing, rpm)+rng.NormFloat64()*0.2)
		}
	}

	return s
}

func testConfig() Config {
	config := DefaultConfig()
	config.GPRestarts = 2
	config.OptRestarts = 3
	config.NumCandidates = 200
	config.RandomState = rand.New(rand.NewSource(17))

	return config
}

func TestOptimize(t *testing.T) {
	samples := dynoSession(8, 5, 1)

	report, err := Optimize(context.Background(), samples, testConfig())
	require.NoError(t, err)

	result := report.Result

	require.Equal(t, 8, report.Dataset.Len())
	assert.Equal(t, 8, result.NumTrainingSamples)
	require.Len(t, result.OptimalMap, 8)
	require.Len(t, result.BestPerRPM, 8)

	centers := report.Dataset.Centers()
	y := report.Dataset.Y()

	best := math.Inf(1)

	for i := range centers {
		assert.Equal(t, i, result.OptimalMap[i].BinIndex)
		assert.Equal(t, centers[i], result.OptimalMap[i].RPM)
		assert.Equal(t, centers[i], result.BestPerRPM[i].RPM)
		assert.Equal(t, y[i], result.BestPerRPM[i].BSFC)

		best = math.Min(best, y[i])
	}

	assert.Equal(t, best, result.BestOverall)

	assert.NotEmpty(t, result.Suggestions)
	assert.LessOrEqual(t, len(result.Suggestions), DefaultNumSuggestions)

	for _, s := range result.Suggestions {
		assert.Equal(t, centers[s.BinIndex], s.RPM)
	}

	assert.Equal(t, ParameterRange[float64]{Min: centers[0], Max: centers[7]}, result.TrainingBounds.RPM)

	p, ok := result.OptimalAt(centers[2])
	require.True(t, ok)
	assert.Equal(t, 2, p.BinIndex)

	_, ok = result.OptimalAt(centers[2] + 1)
	assert.False(t, ok)
}

func TestOptimizeIsReproducible(t *testing.T) {
	samples := dynoSession(6, 4, 2)

	a, err := Optimize(context.Background(), samples, testConfig())
	require.NoError(t, err)

	b, err := Optimize(context.Background(), samples, testConfig())
	require.NoError(t, err)

	assert.Equal(t, a.Result.OptimalMap, b.Result.OptimalMap)
}

func TestOptimizeInsufficientBins(t *testing.T) {
	samples := dynoSession(2, 5, 3)

	_, err := Optimize(context.Background(), samples, testConfig())
	assert.ErrorIs(t, err, ErrInsufficientBins)

	// Three populated bins, but one of them below the threshold.
	samples = dynoSession(3, 5, 3)
	samples.RPM = samples.RPM[:12]
	samples.Lambda = samples.Lambda[:12]
	samples.Timing = samples.Timing[:12]
	samples.BSFC = samples.BSFC[:12]

	_, err = Optimize(context.Background(), samples, testConfig())
	assert.ErrorIs(t, err, ErrInsufficientBins)
}

func TestOptimizeRejectsBadInput(t *testing.T) {
	samples := dynoSession(4, 4, 4)
	samples.BSFC = samples.BSFC[:5]

	_, err := Optimize(context.Background(), samples, testConfig())
	assert.ErrorIs(t, err, ErrLengthMismatch)

	_, err = Optimize(context.Background(), Samples{}, testConfig())
	assert.ErrorIs(t, err, ErrNoSamples)
}

func TestOptimizeHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Optimize(ctx, dynoSession(5, 4, 5), testConfig())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOptimizeReportsProgress(t *testing.T) {
	progress := make(chan ProgressUpdate, 64)

	config := testConfig()
	config.ProgressChan = progress

	_, err := Optimize(context.Background(), dynoSession(5, 4, 6), config)
	require.NoError(t, err)

	close(progress)

	phases := map[string]int{}
	for update := range progress {
		phases[update.Phase]++
	}

	assert.Equal(t, 1+config.GPRestarts, phases[PhaseFit])
	assert.Equal(t, 5, phases[PhaseOptimizeRPM])
	assert.Equal(t, DefaultNumSuggestions, phases[PhaseSuggest])
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cases := map[string]func(c *Config){
		"bin width":      func(c *Config) { c.BinWidth = 0 },
		"min samples":    func(c *Config) { c.MinSamples = -1 },
		"noise level":    func(c *Config) { c.NoiseLevel = 0 },
		"suggestions":    func(c *Config) { c.NumSuggestions = 0 },
		"candidates":     func(c *Config) { c.NumCandidates = 0 },
		"opt restarts":   func(c *Config) { c.OptRestarts = 0 },
		"gp restarts":    func(c *Config) { c.GPRestarts = 0 },
		"min bins":       func(c *Config) { c.MinBins = 2 },
		"fallback std":   func(c *Config) { c.FallbackStd = 0 },
		"xi":             func(c *Config) { c.Xi = math.NaN() },
		"random state":   func(c *Config) { c.RandomState = nil },
		"workers":        func(c *Config) { c.Workers = -2 },
		"rpm range":      func(c *Config) { c.RPMRange = &ParameterRange[int]{Min: 3000, Max: 2000} },
		"lambda bounds":  func(c *Config) { c.LambdaBounds = &ParameterRange[float64]{Min: 1.1, Max: 0.9} },
		"timing bounds":  func(c *Config) { c.TimingBounds = &ParameterRange[float64]{Min: 30, Max: 10} },
		"max iterations": func(c *Config) { c.MaxIterations = 0 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			config := DefaultConfig()
			mutate(&config)

			assert.ErrorIs(t, config.Validate(), ErrInvalidConfig)

			_, err := Optimize(context.Background(), dynoSession(4, 4, 7), config)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestOptimizeDatasetGuards(t *testing.T) {
	dataset, err := BinByRPM(dynoSession(4, 4, 8), defaultBinning())
	require.NoError(t, err)

	_, err = OptimizeDataset(context.Background(), dataset, &FittedGaussianProcess{}, testConfig())
	assert.ErrorIs(t, err, ErrNotFitted)

	// The bowl model was trained on 75 points, not on these 4 bins.
	_, err = OptimizeDataset(context.Background(), dataset, fitBowl(t), testConfig())
	assert.ErrorIs(t, err, ErrLengthMismatch)

	_, err = OptimizeDataset(context.Background(), nil, fitBowl(t), testConfig())
	assert.ErrorIs(t, err, ErrInsufficientBins)
}

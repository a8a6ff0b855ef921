package bsfc

import (
	"fmt"
	"maps"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

//////
// Const, vars, types.
//////

const (
	// DefaultBinWidth is the default RPM bin width.
	DefaultBinWidth = 50

	// DefaultMinSamples is the default minimum samples per bin.
	DefaultMinSamples = 3

	// DefaultFallbackStd is the BSFC std assigned to single-sample bins.
	DefaultFallbackStd = 50.0

	// maxRPM bounds the magnitude of a derived range so bin edges stay exact
	// integers.
	maxRPM = 1 << 53
)

// Samples holds raw dyno measurements as equal-length columns.
type Samples struct {
	RPM    []float64
	Lambda []float64
	Timing []float64
	BSFC   []float64
}

// Len returns the number of samples. It assumes Validate succeeded.
func (s Samples) Len() int {
	return len(s.RPM)
}

// Validate checks that all columns have equal length, that there is at least
// one sample, that every value is finite and that BSFC is positive.
func (s Samples) Validate() error {
	n := len(s.RPM)
	if len(s.Lambda) != n || len(s.Timing) != n || len(s.BSFC) != n {
		return fmt.Errorf(
			"%w: rpm=%d lambda=%d timing=%d bsfc=%d",
			ErrLengthMismatch, n, len(s.Lambda), len(s.Timing), len(s.BSFC),
		)
	}

	if n == 0 {
		return ErrNoSamples
	}

	for i := 0; i < n; i++ {
		if !isFinite(s.RPM[i]) || !isFinite(s.Lambda[i]) || !isFinite(s.Timing[i]) || !isFinite(s.BSFC[i]) {
			return fmt.Errorf("%w: non-finite value at row %d", ErrInvalidSample, i)
		}

		if s.BSFC[i] <= 0 {
			return fmt.Errorf("%w: bsfc %g at row %d must be positive", ErrInvalidSample, s.BSFC[i], i)
		}
	}

	return nil
}

// BinningConfig controls BinByRPM.
type BinningConfig struct {
	// Width is the bin width in rpm.
	Width int

	// Range optionally fixes [Min, Max]. Nil derives it from the data.
	Range *ParameterRange[int]

	// MinSamples is the retention threshold.
	MinSamples int

	// FallbackStd replaces the undefined std of a single-sample bin.
	FallbackStd float64
}

// Bin is one retained RPM bin.
type Bin struct {
	// Center is the midpoint of the bin edges.
	Center float64

	// Low and High are the bin edges.
	Low  float64
	High float64

	Lambda  float64
	Timing  float64
	BSFC    float64
	BSFCStd float64
	Count   int
}

// BinnedDataset is the immutable result of RPM aggregation. Row i of X, Y and
// YStd always corresponds to bin i of Bins and Centers.
type BinnedDataset struct {
	bins []Bin

	totalSamples   int
	outOfRange     int
	belowThreshold int
}

// DataSummary reports aggregate statistics of a BinnedDataset.
type DataSummary struct {
	NumBins          int                     `json:"n_bins"`
	RPMRange         ParameterRange[float64] `json:"rpm_range"`
	TotalSamples     int                     `json:"total_samples"`
	AvgSamplesPerBin float64                 `json:"avg_samples_per_bin"`
	LambdaRange      ParameterRange[float64] `json:"lambda_range"`
	TimingRange      ParameterRange[float64] `json:"timing_range"`
	BSFCRange        ParameterRange[float64] `json:"bsfc_range"`
}

//////
// Factory.
//////

// NewBinnedDataset builds a dataset from already aggregated bins. Centers must
// be strictly ascending and every count positive.
func NewBinnedDataset(bins []Bin) (*BinnedDataset, error) {
	total := 0

	for i, b := range bins {
		if b.Count <= 0 {
			return nil, fmt.Errorf("%w: bin %d has count %d", ErrInvalidSample, i, b.Count)
		}

		if i > 0 && b.Center <= bins[i-1].Center {
			return nil, fmt.Errorf("%w: bin centers must be strictly ascending at %d", ErrInvalidSample, i)
		}

		total += b.Count
	}

	cp := make([]Bin, len(bins))
	copy(cp, bins)

	return &BinnedDataset{bins: cp, totalSamples: total}, nil
}

// BinByRPM partitions samples into fixed-width RPM bins and reduces each bin
// holding at least MinSamples samples to its mean lambda, timing and BSFC.
//
// How it works:
// 1. The range is taken from cfg.Range, or derived by flooring the minimum
// and ceiling the maximum observed RPM to multiples of Width
// 2. ceil((Max-Min)/Width) bins are laid out from Min. Bins are half-open
// [Low, High), except that the last one also includes Max. An explicit range
// with Min == Max is the single closed bin [Min, Min]
// 3. Samples outside [Min, Max] are counted as out of range
// 4. Bins below MinSamples are dropped, not merged
//
// The BSFC std is the sample (n-1) standard deviation. A retained bin with a
// single sample gets cfg.FallbackStd instead.
func BinByRPM(samples Samples, cfg BinningConfig) (*BinnedDataset, error) {
	if err := samples.Validate(); err != nil {
		return nil, err
	}

	if cfg.Width <= 0 {
		return nil, fmt.Errorf("%w: bin width must be positive, got %d", ErrInvalidConfig, cfg.Width)
	}

	if cfg.MinSamples <= 0 {
		return nil, fmt.Errorf("%w: min samples must be positive, got %d", ErrInvalidConfig, cfg.MinSamples)
	}

	rng, err := binRange(samples.RPM, cfg)
	if err != nil {
		return nil, err
	}

	width := float64(cfg.Width)
	lo := float64(rng.Min)
	hi := float64(rng.Max)

	last := int(math.Max(math.Ceil((hi-lo)/width)-1, 0))

	// Keyed by bin index, so memory follows occupied bins, not the range.
	members := make(map[int][]int)
	outOfRange := 0

	for i, rpm := range samples.RPM {
		if rpm < lo || rpm > hi {
			outOfRange++

			continue
		}

		idx := min(int(math.Floor((rpm-lo)/width)), last)

		members[idx] = append(members[idx], i)
	}

	bins := make([]Bin, 0, len(members))
	belowThreshold := 0

	for _, b := range slices.Sorted(maps.Keys(members)) {
		idx := members[b]

		if len(idx) < cfg.MinSamples {
			belowThreshold += len(idx)

			continue
		}

		low := lo + float64(b)*width
		high := low + width

		// An explicit single-value range is one closed bin.
		if hi == lo {
			high = low
		}

		bsfc := gather(samples.BSFC, idx)

		mean, std := stat.MeanStdDev(bsfc, nil)
		if len(idx) == 1 {
			std = cfg.FallbackStd
		}

		bins = append(bins, Bin{
			Center:  (low + high) / 2,
			Low:     low,
			High:    high,
			Lambda:  stat.Mean(gather(samples.Lambda, idx), nil),
			Timing:  stat.Mean(gather(samples.Timing, idx), nil),
			BSFC:    mean,
			BSFCStd: std,
			Count:   len(idx),
		})
	}

	return &BinnedDataset{
		bins:           bins,
		totalSamples:   samples.Len(),
		outOfRange:     outOfRange,
		belowThreshold: belowThreshold,
	}, nil
}

//////
// Methods.
//////

// Len returns the number of retained bins.
func (d *BinnedDataset) Len() int {
	return len(d.bins)
}

// Bins returns a copy of the retained bins, ordered by ascending center.
func (d *BinnedDataset) Bins() []Bin {
	cp := make([]Bin, len(d.bins))
	copy(cp, d.bins)

	return cp
}

// Centers returns the bin centers.
func (d *BinnedDataset) Centers() []float64 {
	out := make([]float64, len(d.bins))
	for i, b := range d.bins {
		out[i] = b.Center
	}

	return out
}

// X returns the surrogate training matrix, one (lambda, timing, center) row
// per bin.
func (d *BinnedDataset) X() [][]float64 {
	out := make([][]float64, len(d.bins))
	for i, b := range d.bins {
		out[i] = []float64{b.Lambda, b.Timing, b.Center}
	}

	return out
}

// Y returns the mean BSFC per bin.
func (d *BinnedDataset) Y() []float64 {
	out := make([]float64, len(d.bins))
	for i, b := range d.bins {
		out[i] = b.BSFC
	}

	return out
}

// YStd returns the BSFC standard deviation per bin.
func (d *BinnedDataset) YStd() []float64 {
	out := make([]float64, len(d.bins))
	for i, b := range d.bins {
		out[i] = b.BSFCStd
	}

	return out
}

// Counts returns the sample count per bin.
func (d *BinnedDataset) Counts() []int {
	out := make([]int, len(d.bins))
	for i, b := range d.bins {
		out[i] = b.Count
	}

	return out
}

// TotalSamples is the number of input samples, retained or not.
func (d *BinnedDataset) TotalSamples() int { return d.totalSamples }

// OutOfRange is the number of samples outside the aggregation range.
func (d *BinnedDataset) OutOfRange() int { return d.outOfRange }

// BelowThreshold is the number of samples that fell in dropped bins.
func (d *BinnedDataset) BelowThreshold() int { return d.belowThreshold }

// Retained is the number of samples in retained bins.
func (d *BinnedDataset) Retained() int {
	n := 0
	for _, b := range d.bins {
		n += b.Count
	}

	return n
}

// Summary reports aggregate statistics. Ranges are zero for an empty dataset.
func (d *BinnedDataset) Summary() DataSummary {
	s := DataSummary{
		NumBins:      len(d.bins),
		TotalSamples: d.Retained(),
	}

	if len(d.bins) == 0 {
		return s
	}

	centers := d.Centers()
	lambdas := make([]float64, len(d.bins))
	timings := make([]float64, len(d.bins))

	for i, b := range d.bins {
		lambdas[i] = b.Lambda
		timings[i] = b.Timing
	}

	bsfc := d.Y()

	s.RPMRange = ParameterRange[float64]{Min: floats.Min(centers), Max: floats.Max(centers)}
	s.LambdaRange = ParameterRange[float64]{Min: floats.Min(lambdas), Max: floats.Max(lambdas)}
	s.TimingRange = ParameterRange[float64]{Min: floats.Min(timings), Max: floats.Max(timings)}
	s.BSFCRange = ParameterRange[float64]{Min: floats.Min(bsfc), Max: floats.Max(bsfc)}
	s.AvgSamplesPerBin = float64(s.TotalSamples) / float64(len(d.bins))

	return s
}

//////
// Helpers.
//////

// binRange resolves the aggregation range from the config or the data.
func binRange(rpm []float64, cfg BinningConfig) (ParameterRange[int], error) {
	if cfg.Range != nil {
		if !cfg.Range.Valid() {
			return ParameterRange[int]{}, fmt.Errorf(
				"%w: rpm range min %d > max %d", ErrInvalidConfig, cfg.Range.Min, cfg.Range.Max,
			)
		}

		return *cfg.Range, nil
	}

	width := float64(cfg.Width)

	if lo, hi := floats.Min(rpm), floats.Max(rpm); lo < -maxRPM || hi > maxRPM {
		return ParameterRange[int]{}, fmt.Errorf(
			"%w: rpm range [%g, %g] exceeds +/-%g", ErrInvalidSample, lo, hi, float64(maxRPM),
		)
	}

	r := ParameterRange[int]{
		Min: int(math.Floor(floats.Min(rpm)/width) * width),
		Max: int(math.Ceil(floats.Max(rpm)/width) * width),
	}

	// All samples on one edge, lay out a single bin starting there.
	if r.Max == r.Min {
		r.Max = r.Min + cfg.Width
	}

	return r, nil
}

func gather(src []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, j := range idx {
		out[i] = src[j]
	}

	return out
}

package bsfc

import (
	"context"
	"math"
	"math/rand"
	"runtime"

	"github.com/sourcegraph/conc/pool"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

//////
// Helper functions.
//////

// Helper function used by EI to compute the cumulative distribution function
// of the standard normal distribution.
//
// Returns:
// - Probability that a standard normal random variable is less than x.
func normalCDF(x float64) float64 {
	return distuv.UnitNormal.CDF(x)
}

// Helper function used by EI to compute the probability density function of
// the standard normal distribution.
//
// Returns:
// - Value of the standard normal PDF at x.
func normalPDF(x float64) float64 {
	return distuv.UnitNormal.Prob(x)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// uniform draws a value uniformly from r.
func uniform(rng *rand.Rand, r ParameterRange[float64]) float64 {
	return r.Min + rng.Float64()*r.Span()
}

// workerCount resolves a configured worker count, where zero or less means
// one worker per available core.
func workerCount(configured int) int {
	if configured > 0 {
		return configured
	}

	return runtime.GOMAXPROCS(0)
}

// sendProgress delivers an update without blocking. Updates are dropped when
// the channel is full.
func sendProgress(ch chan<- ProgressUpdate, update ProgressUpdate) {
	if ch == nil {
		return
	}

	select {
	case ch <- update:
	default:
		// Skip update if channel is full.
	}
}

// runTasks executes n independent tasks on a pool bounded by workers and
// returns the results of the tasks that succeeded, in no particular order.
// Tasks that start after ctx is done are not run.
func runTasks[T any](ctx context.Context, workers, n int, task func(ctx context.Context, i int) (T, error)) ([]T, error) {
	p := pool.NewWithResults[T]().
		WithContext(ctx).
		WithMaxGoroutines(workerCount(workers))

	for i := 0; i < n; i++ {
		p.Go(func(ctx context.Context) (T, error) {
			if err := ctx.Err(); err != nil {
				var zero T

				return zero, err
			}

			return task(ctx, i)
		})
	}

	return p.Wait()
}

//////
// Standard scaler.
//////

// standardScaler maps each column to zero mean and unit variance. A column
// with zero variance keeps a scale of 1.
type standardScaler struct {
	mean  []float64
	scale []float64
}

// fitScaler computes per-column population mean and std of rows.
func fitScaler(rows [][]float64) standardScaler {
	dim := len(rows[0])
	s := standardScaler{mean: make([]float64, dim), scale: make([]float64, dim)}

	col := make([]float64, len(rows))

	for d := 0; d < dim; d++ {
		for i, row := range rows {
			col[i] = row[d]
		}

		mean, std := stat.PopMeanStdDev(col, nil)
		if std == 0 || !isFinite(std) {
			std = 1
		}

		s.mean[d] = mean
		s.scale[d] = std
	}

	return s
}

func (s standardScaler) transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = (v - s.mean[i]) / s.scale[i]
	}

	return out
}

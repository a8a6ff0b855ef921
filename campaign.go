package bsfc

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
)

//////
// Const, vars, types.
//////

// DynoFunc runs one dyno test at the given operating point and returns the
// measured BSFC. A non-positive or non-finite BSFC is treated as an invalid
// measurement and discarded.
type DynoFunc func(ctx context.Context, rpm, lambda, timing float64) (float64, error)

// CampaignConfig controls RunCampaign.
type CampaignConfig struct {
	// Config is used for every refit.
	Config Config

	// Rounds is the number of refit-and-test iterations.
	Rounds int

	// InitialSamples is the number of random operating points tested before
	// the first refit. It may be zero when seed data is given.
	InitialSamples int

	// RPMRange, LambdaRange and TimingRange bound the initial random
	// sampling.
	RPMRange    ParameterRange[float64]
	LambdaRange ParameterRange[float64]
	TimingRange ParameterRange[float64]

	// Repeats is the number of measurements taken per operating point, so
	// that a tested bin reaches Config.MinSamples. Zero means MinSamples.
	Repeats int
}

// CampaignResult is the outcome of a closed-loop campaign.
type CampaignResult struct {
	// Samples holds every valid measurement, seed data included.
	Samples Samples

	// Reports holds the report of every round, in order.
	Reports []*Report

	// Failed is the number of measurements discarded as invalid.
	Failed int
}

//////
// Exported functionalities.
//////

// RunCampaign drives the calibration feedback loop against dyno: test,
// refit, take the suggested experiments, test them, repeat.
//
// Parameters:
// - ctx: bounds the whole campaign
// - cfg: CampaignConfig controlling the loop
// - dyno: the function measuring BSFC at an operating point
// - seed: measurements collected before the campaign, may be empty
//
// How it works:
// 1. Tests InitialSamples uniform random operating points drawn with
// cfg.Config.RandomState, Repeats times each
// 2. For each round:
//   - Refits from scratch with Optimize on all measurements so far
//   - Tests every suggested experiment Repeats times
//
// 3. Returns all measurements and the report of every round
//
// The last report holds the current optimal map. A round whose refit fails
// aborts the campaign with that error.
func RunCampaign(ctx context.Context, cfg CampaignConfig, dyno DynoFunc, seed Samples) (*CampaignResult, error) {
	if dyno == nil {
		return nil, fmt.Errorf("%w: dyno function must not be nil", ErrInvalidConfig)
	}

	if cfg.Rounds <= 0 || cfg.InitialSamples < 0 {
		return nil, fmt.Errorf("%w: rounds must be positive and initial samples not negative", ErrInvalidConfig)
	}

	if err := cfg.Config.Validate(); err != nil {
		return nil, err
	}

	if cfg.InitialSamples > 0 &&
		(!cfg.RPMRange.Valid() || !cfg.LambdaRange.Valid() || !cfg.TimingRange.Valid()) {
		return nil, fmt.Errorf("%w: initial sampling ranges must be ordered", ErrInvalidConfig)
	}

	repeats := cfg.Repeats
	if repeats <= 0 {
		repeats = cfg.Config.MinSamples
	}

	logger := loggerOf(cfg.Config)
	rng := cfg.Config.RandomState

	result := &CampaignResult{
		Samples: Samples{
			RPM:    append([]float64(nil), seed.RPM...),
			Lambda: append([]float64(nil), seed.Lambda...),
			Timing: append([]float64(nil), seed.Timing...),
			BSFC:   append([]float64(nil), seed.BSFC...),
		},
	}

	// measure runs one operating point repeats times and records the valid
	// measurements.
	measure := func(rpm, lambda, timing float64) error {
		for k := 0; k < repeats; k++ {
			bsfc, err := dyno(ctx, rpm, lambda, timing)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}

				logger.Warn("dyno measurement failed",
					zap.Float64("rpm", rpm),
					zap.Float64("lambda", lambda),
					zap.Float64("timing", timing),
					zap.Error(err),
				)

				result.Failed++

				continue
			}

			if !(bsfc > 0) || math.IsInf(bsfc, 0) {
				result.Failed++

				continue
			}

			result.Samples.RPM = append(result.Samples.RPM, rpm)
			result.Samples.Lambda = append(result.Samples.Lambda, lambda)
			result.Samples.Timing = append(result.Samples.Timing, timing)
			result.Samples.BSFC = append(result.Samples.BSFC, bsfc)
		}

		return nil
	}

	// Phase 1: Initial random sampling.
	for i := 0; i < cfg.InitialSamples; i++ {
		rpm := uniform(rng, cfg.RPMRange)
		lambda := uniform(rng, cfg.LambdaRange)
		timing := uniform(rng, cfg.TimingRange)

		if err := measure(rpm, lambda, timing); err != nil {
			return nil, fmt.Errorf("initial sampling: %w", err)
		}

		sendProgress(cfg.Config.ProgressChan, ProgressUpdate{
			Phase:            PhaseInitialSampling,
			CurrentIteration: i + 1,
			TotalIterations:  cfg.InitialSamples,
			RPM:              rpm,
		})
	}

	// Phase 2: Refit, test the suggestions, repeat.
	for round := 0; round < cfg.Rounds; round++ {
		report, err := Optimize(ctx, result.Samples, cfg.Config)
		if err != nil {
			return nil, fmt.Errorf("campaign round %d: %w", round+1, err)
		}

		result.Reports = append(result.Reports, report)

		for _, s := range report.Result.Suggestions {
			if err := measure(s.RPM, s.Lambda, s.Timing); err != nil {
				return nil, fmt.Errorf("campaign round %d: %w", round+1, err)
			}
		}

		logger.Info("campaign round completed",
			zap.Int("round", round+1),
			zap.Int("samples", result.Samples.Len()),
			zap.Float64("best_bsfc", report.Result.BestOverall),
		)

		sendProgress(cfg.Config.ProgressChan, ProgressUpdate{
			Phase:            PhaseCampaign,
			CurrentIteration: round + 1,
			TotalIterations:  cfg.Rounds,
			Value:            report.Result.BestOverall,
		})
	}

	return result, nil
}

// Latest returns the report of the last round.
func (c *CampaignResult) Latest() (*Report, error) {
	if c == nil || len(c.Reports) == 0 {
		return nil, errors.New("campaign has no completed rounds")
	}

	return c.Reports[len(c.Reports)-1], nil
}

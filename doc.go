// Package bsfc turns sparse, noisy dynamometer measurements of fuel mixture
// (lambda), ignition timing, engine speed and brake specific fuel consumption
// into a per-RPM optimal calibration map and a ranked list of next
// experiments, using a Gaussian Process surrogate and Expected Improvement.
//
// # Features
//
// The package includes the following key features:
//
//   - RPM Binning: Aggregates raw samples into fixed-width RPM bins, dropping
//     bins below a minimum sample count
//   - Gaussian Process Surrogate: Anisotropic Matern (nu = 2.5) kernel with a
//     learned amplitude, fitted on standardized data by maximizing the log
//     marginal likelihood from multiple restarts
//   - Per-RPM Optimization: Multi-start box-constrained L-BFGS over the
//     surrogate's predicted mean
//   - Expected Improvement: Ranks random candidate experiments, with a
//     diversity rule that spreads suggestions across RPM bins
//   - Reproducible: Restart initialization is driven by an explicit seed
//   - Concurrent: Restarts run on a bounded worker pool; a fitted model is
//     safe for concurrent reads
//   - Progress Monitoring: Real-time updates on optimization progress via
//     channels
//
// # Closed loop
//
// Calibration engineers iterate:
//
//  1. Run dyno tests
//  2. Refit with Optimize on all data collected so far
//  3. Run the suggested experiments
//  4. Repeat
//
// Every call refits from scratch; no model state is persisted. RunCampaign
// automates the loop against a DynoFunc.
//
// # Usage
//
//	config := DefaultConfig()
//	config.BinWidth = 50
//	config.LambdaBounds = &ParameterRange[float64]{Min: 0.85, Max: 1.15}
//
//	report, err := Optimize(ctx, samples, config)
//	if err != nil {
//	    return err
//	}
//
//	for _, s := range report.Result.Suggestions {
//	    fmt.Printf("RPM=%.0f lambda=%.3f timing=%.1f EI=%.4f\n",
//	        s.RPM, s.Lambda, s.Timing, s.ExpectedImprovement)
//	}
//
// # Errors
//
// Input-quality problems (ErrInsufficientBins, ErrLengthMismatch,
// ErrNoSamples, ErrInvalidSample) and model-state violations (ErrNotFitted)
// are returned wrapped; use errors.Is to test for them. Near-zero predicted
// uncertainty and single-sample bins are handled silently.
package bsfc

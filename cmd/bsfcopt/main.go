// Command bsfcopt fits a BSFC surrogate on MoTeC dyno logs and writes the
// optimal lambda and timing maps plus the next experiments to run.
//
// Usage:
//
//	bsfcopt                      # every CSV in --data-dir
//	bsfcopt run1.csv run2.csv    # specific logs
//
// Every flag can also be set through a BSFC_ environment variable
// (BSFC_BIN_WIDTH=100) or a YAML file given with --config.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/thalesfsp/bsfc"
	"github.com/thalesfsp/bsfc/internal/dyno"
	"github.com/thalesfsp/bsfc/internal/export"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}

		fmt.Fprintln(os.Stderr, err)

		return 2
	}

	opts, err := loadOptions(fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)

		return 2
	}

	logger, err := newLogger(opts.Verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)

		return 1
	}
	defer logger.Sync() //nolint:errcheck

	if err := optimize(ctx, opts, logger); err != nil {
		logger.Error("optimization failed", zap.Error(err))

		return 1
	}

	return 0
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}

	return zap.NewProduction()
}

func optimize(ctx context.Context, opts *options, logger *zap.Logger) error {
	samples, err := load(opts, logger)
	if err != nil {
		return err
	}

	samples = dyno.FilterValid(samples, opts.MinBSFC)

	logger.Info("valid samples", zap.Int("samples", samples.Len()))

	if samples.Len() == 0 {
		return fmt.Errorf("%w: check the CSV logs", bsfc.ErrNoSamples)
	}

	engine := opts.Engine
	engine.Logger = logger

	report, err := bsfc.Optimize(ctx, samples, engine)
	if err != nil {
		return err
	}

	now := time.Now()

	resultsPath, err := export.WriteResults(opts.OutputDir, report, !opts.NoViz, now)
	if err != nil {
		return fmt.Errorf("write results: %w", err)
	}

	lambdaPath, timingPath, err := export.WriteMapCSV(opts.OutputDir, report.Result, now)
	if err != nil {
		return fmt.Errorf("write maps: %w", err)
	}

	logger.Info("results written",
		zap.String("results", resultsPath),
		zap.String("lambda_map", lambdaPath),
		zap.String("timing_map", timingPath),
	)

	logger.Info("best observed bsfc", zap.Float64("bsfc", report.Result.BestOverall))

	for i, s := range report.Result.Suggestions {
		logger.Info("next experiment",
			zap.Int("rank", i+1),
			zap.Float64("rpm", s.RPM),
			zap.Float64("lambda", s.Lambda),
			zap.Float64("timing", s.Timing),
			zap.Float64("expected_improvement", s.ExpectedImprovement),
		)
	}

	return nil
}

// load reads the logs named on the command line, falling back to the data
// directory for names that do not exist as given, or every log in the data
// directory when none are named.
func load(opts *options, logger *zap.Logger) (bsfc.Samples, error) {
	if len(opts.Files) == 0 {
		return dyno.LoadDir(opts.DataDir, opts.Columns, logger)
	}

	paths := make([]string, len(opts.Files))

	for i, name := range opts.Files {
		paths[i] = name

		if _, err := os.Stat(name); err == nil {
			continue
		}

		alt := filepath.Join(opts.DataDir, name)
		if _, err := os.Stat(alt); err != nil {
			return bsfc.Samples{}, fmt.Errorf("log not found: %s", name)
		}

		paths[i] = alt
	}

	return dyno.LoadFiles(paths, opts.Columns, logger), nil
}

package main

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/spf13/cast"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/thalesfsp/bsfc"
	"github.com/thalesfsp/bsfc/internal/dyno"
)

// envPrefix prefixes every environment variable, e.g. BSFC_BIN_WIDTH.
const envPrefix = "BSFC"

// options is the resolved CLI configuration.
type options struct {
	Files     []string
	DataDir   string
	OutputDir string
	NoViz     bool
	Verbose   bool
	MinBSFC   float64
	Columns   dyno.Columns
	Engine    bsfc.Config
}

// newFlagSet declares every flag. Defaults mirror bsfc.DefaultConfig.
func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("bsfcopt", flag.ContinueOnError)

	defaults := bsfc.DefaultConfig()
	cols := dyno.DefaultColumns()

	fs.String("config", "", "YAML config file")
	fs.String("data-dir", "data", "directory of MoTeC CSV logs, used when no files are given")
	fs.String("output-dir", "results", "directory results are written to")
	fs.Bool("no-viz", false, "skip the visualization payload")
	fs.BoolP("verbose", "v", false, "development logging")

	fs.Int("bin-width", defaults.BinWidth, "RPM bin width")
	fs.Int("min-samples", defaults.MinSamples, "minimum samples per RPM bin")
	fs.Int("min-bins", defaults.MinBins, "minimum retained RPM bins")
	fs.Float64("fallback-std", defaults.FallbackStd, "BSFC std assigned to single-sample bins")
	fs.Float64("min-bsfc", 0, "rows with BSFC at or below this are discarded")

	fs.Float64("noise-level", defaults.NoiseLevel, "GP observation noise in normalized units")
	fs.Int("gp-restarts", defaults.GPRestarts, "GP hyperparameter restarts")
	fs.Int("opt-restarts", defaults.OptRestarts, "random starts per RPM bin")
	fs.Int("candidates", defaults.NumCandidates, "candidate pool size")
	fs.Int("suggestions", defaults.NumSuggestions, "number of suggested experiments")
	fs.Float64("xi", defaults.Xi, "Expected Improvement exploration margin")
	fs.Int64("seed", defaults.Seed, "seed for GP and per-RPM restarts")
	fs.Int("workers", 0, "restart workers, 0 means one per core")
	fs.Duration("timeout", 0, "deadline for the whole run, 0 means none")

	fs.String("lambda-min", "", "lower lambda bound, derived from data when empty")
	fs.String("lambda-max", "", "upper lambda bound, derived from data when empty")
	fs.String("timing-min", "", "lower timing bound, derived from data when empty")
	fs.String("timing-max", "", "upper timing bound, derived from data when empty")

	fs.String("column-rpm", cols.RPM, "RPM column name")
	fs.String("column-lambda", cols.Lambda, "lambda column name")
	fs.String("column-timing", cols.Timing, "ignition timing column name")
	fs.String("column-bsfc", cols.BSFC, "BSFC column name")

	return fs
}

// loadOptions resolves the configuration with precedence
// flags > env > config file > defaults.
func loadOptions(fs *flag.FlagSet) (*options, error) {
	v := viper.New()

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	r := &resolver{v: v}

	engine := bsfc.DefaultConfig()
	engine.BinWidth = r.getInt("bin-width")
	engine.MinSamples = r.getInt("min-samples")
	engine.MinBins = r.getInt("min-bins")
	engine.FallbackStd = r.getFloat("fallback-std")
	engine.NoiseLevel = r.getFloat("noise-level")
	engine.GPRestarts = r.getInt("gp-restarts")
	engine.OptRestarts = r.getInt("opt-restarts")
	engine.NumCandidates = r.getInt("candidates")
	engine.NumSuggestions = r.getInt("suggestions")
	engine.Xi = r.getFloat("xi")
	engine.Seed = r.getInt64("seed")
	engine.Workers = r.getInt("workers")
	engine.Timeout = r.getDuration("timeout")
	engine.RandomState = rand.New(rand.NewSource(time.Now().UnixNano()))

	opts := &options{
		Files:     fs.Args(),
		DataDir:   v.GetString("data-dir"),
		OutputDir: v.GetString("output-dir"),
		NoViz:     r.getBool("no-viz"),
		Verbose:   r.getBool("verbose"),
		MinBSFC:   r.getFloat("min-bsfc"),
		Columns: dyno.Columns{
			RPM:    v.GetString("column-rpm"),
			Lambda: v.GetString("column-lambda"),
			Timing: v.GetString("column-timing"),
			BSFC:   v.GetString("column-bsfc"),
		},
	}

	engine.LambdaBounds = r.bounds("lambda")
	engine.TimingBounds = r.bounds("timing")

	if r.err != nil {
		return nil, r.err
	}

	if err := engine.Validate(); err != nil {
		return nil, err
	}

	opts.Engine = engine

	return opts, nil
}
// resolver converts viper values strictly. The first value that does not
// convert is kept in err; viper's Get* accessors would silently return zero.
type resolver struct {
	v   *viper.Viper
	err error
}

func (r *resolver) fail(key string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s: %v", bsfc.ErrInvalidConfig, key, err)
	}
}

func (r *resolver) getInt(key string) int {
	n, err := cast.ToIntE(r.v.Get(key))
	if err != nil {
		r.fail(key, err)
	}

	return n
}

func (r *resolver) getInt64(key string) int64 {
	n, err := cast.ToInt64E(r.v.Get(key))
	if err != nil {
		r.fail(key, err)
	}

	return n
}

func (r *resolver) getFloat(key string) float64 {
	f, err := cast.ToFloat64E(r.v.Get(key))
	if err != nil {
		r.fail(key, err)
	}

	return f
}

func (r *resolver) getBool(key string) bool {
	b, err := cast.ToBoolE(r.v.Get(key))
	if err != nil {
		r.fail(key, err)
	}

	return b
}

func (r *resolver) getDuration(key string) time.Duration {
	d, err := cast.ToDurationE(r.v.Get(key))
	if err != nil {
		r.fail(key, err)
	}

	return d
}

// bounds reads <name>-min and <name>-max. Both or neither must be set.
func (r *resolver) bounds(name string) *bsfc.ParameterRange[float64] {
	minKey, maxKey := name+"-min", name+"-max"
	minSet, maxSet := r.v.GetString(minKey) != "", r.v.GetString(maxKey) != ""

	if !minSet && !maxSet {
		return nil
	}

	if !minSet || !maxSet {
		r.fail(name+" bounds", fmt.Errorf("%s and %s must be set together", minKey, maxKey))

		return nil
	}

	b := &bsfc.ParameterRange[float64]{Min: r.getFloat(minKey), Max: r.getFloat(maxKey)}
	if r.err == nil && !b.Valid() {
		r.fail(name+" bounds", fmt.Errorf("%s %g > %s %g", minKey, b.Min, maxKey, b.Max))
	}

	return b
}

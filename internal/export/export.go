// Package export writes optimization results in formats calibration tools and
// the visualization front end can read: a timestamped JSON report and 1-D
// RPM-indexed lambda and timing maps as CSV.
package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/thalesfsp/bsfc"
)

const (
	// timestampLayout is used in output file names.
	timestampLayout = "2006-01-02_15-04-05"

	// MaxSurfaces is the number of RPM surfaces in the visualization
	// payload.
	MaxSurfaces = 5

	// SurfacePoints is the grid resolution per axis of every surface.
	SurfacePoints = 30
)

// Document is the JSON report.
type Document struct {
	Metadata             Metadata         `json:"metadata"`
	DataSummary          bsfc.DataSummary `json:"data_summary"`
	OptimalMap           Map1D            `json:"optimal_map"`
	SuggestedExperiments []Experiment     `json:"suggested_experiments"`
	CurrentBest          CurrentBest      `json:"current_best"`
	Visualization        *Visualization   `json:"visualization,omitempty"`
}

// Metadata describes the run.
type Metadata struct {
	Timestamp        string              `json:"timestamp"`
	NTrainingSamples int                 `json:"n_training_samples"`
	TrainingBounds   bsfc.TrainingBounds `json:"training_bounds"`
}

// Map1D is a set of tables sharing one RPM axis.
type Map1D struct {
	Format string           `json:"format"`
	Axis   Axis             `json:"axis"`
	Tables map[string]Table `json:"tables"`
}

// Axis is the breakpoint axis of a Map1D.
type Axis struct {
	Name   string `json:"name"`
	Values []int  `json:"values"`
	Unit   string `json:"unit"`
}

// Table is one output channel of a Map1D.
type Table struct {
	Name   string    `json:"name"`
	Unit   string    `json:"unit"`
	Values []float64 `json:"values"`
}

// Experiment is one suggested dyno test.
type Experiment struct {
	RPM                 float64 `json:"rpm"`
	Lambda              float64 `json:"lambda"`
	Timing              float64 `json:"timing"`
	PredictedBSFC       float64 `json:"predicted_bsfc"`
	Uncertainty         float64 `json:"uncertainty"`
	ExpectedImprovement float64 `json:"expected_improvement"`
}

// CurrentBest holds the best observed BSFC overall and per RPM bin, keyed by
// integer RPM.
type CurrentBest struct {
	OverallBSFC float64            `json:"overall_bsfc"`
	PerRPM      map[string]float64 `json:"per_rpm"`
}

// Visualization is the payload for surface plots.
type Visualization struct {
	Surfaces     []Surface           `json:"surfaces"`
	TrainingData TrainingData        `json:"training_data"`
	Bounds       bsfc.TrainingBounds `json:"bounds"`
}

// Surface is a predicted BSFC grid at one RPM. BSFCMean[i][j] is at
// (Lambda[j], Timing[i]).
type Surface struct {
	RPM      float64     `json:"rpm"`
	Lambda   []float64   `json:"lambda"`
	Timing   []float64   `json:"timing"`
	BSFCMean [][]float64 `json:"bsfc_mean"`
	BSFCStd  [][]float64 `json:"bsfc_std"`
}

// TrainingData holds the binned training points for scatter overlays.
type TrainingData struct {
	Lambda []float64 `json:"lambda"`
	Timing []float64 `json:"timing"`
	RPM    []float64 `json:"rpm"`
	BSFC   []float64 `json:"bsfc"`
}

// Build assembles the JSON report. The visualization payload is included
// when includeViz is set and the report carries a model.
func Build(report *bsfc.Report, includeViz bool, now time.Time) (*Document, error) {
	if report == nil || report.Result == nil || report.Dataset == nil {
		return nil, errors.New("export: incomplete report")
	}

	result := report.Result

	doc := &Document{
		Metadata: Metadata{
			Timestamp:        now.Format(time.RFC3339),
			NTrainingSamples: result.NumTrainingSamples,
			TrainingBounds:   result.TrainingBounds,
		},
		DataSummary:          report.Dataset.Summary(),
		OptimalMap:           OptimalMap(result),
		SuggestedExperiments: make([]Experiment, 0, len(result.Suggestions)),
		CurrentBest: CurrentBest{
			OverallBSFC: round(result.BestOverall, 4),
			PerRPM:      make(map[string]float64, len(result.BestPerRPM)),
		},
	}

	for _, s := range result.Suggestions {
		doc.SuggestedExperiments = append(doc.SuggestedExperiments, Experiment{
			RPM:                 s.RPM,
			Lambda:              round(s.Lambda, 4),
			Timing:              round(s.Timing, 2),
			PredictedBSFC:       round(s.PredictedBSFC, 4),
			Uncertainty:         round(s.Uncertainty, 4),
			ExpectedImprovement: round(s.ExpectedImprovement, 6),
		})
	}

	for _, b := range result.BestPerRPM {
		doc.CurrentBest.PerRPM[strconv.Itoa(int(b.RPM))] = round(b.BSFC, 4)
	}

	if includeViz && report.Model != nil {
		viz, err := visualization(report)
		if err != nil {
			return nil, err
		}

		doc.Visualization = viz
	}

	return doc, nil
}

// OptimalMap formats the per-RPM optimum as 1-D tables over an RPM axis.
func OptimalMap(result *bsfc.OptimizationResult) Map1D {
	axis := make([]int, len(result.OptimalMap))
	lambda := make([]float64, len(result.OptimalMap))
	timing := make([]float64, len(result.OptimalMap))
	predicted := make([]float64, len(result.OptimalMap))

	for i, p := range result.OptimalMap {
		axis[i] = int(p.RPM)
		lambda[i] = round(p.Lambda, 4)
		timing[i] = round(p.Timing, 2)
		predicted[i] = round(p.PredictedBSFC, 4)
	}

	return Map1D{
		Format: "1D_map",
		Axis:   Axis{Name: "RPM", Values: axis, Unit: "rpm"},
		Tables: map[string]Table{
			"lambda":         {Name: "Fuel Mixture Aim", Unit: "LA", Values: lambda},
			"timing":         {Name: "Ignition Timing Main", Unit: "dBTDC", Values: timing},
			"predicted_bsfc": {Name: "Predicted BSFC", Unit: "", Values: predicted},
		},
	}
}

// WriteResults writes optimization_results_<timestamp>.json to dir and
// returns its path.
func WriteResults(dir string, report *bsfc.Report, includeViz bool, now time.Time) (string, error) {
	doc, err := Build(report, includeViz, now)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(dir, fmt.Sprintf("optimization_results_%s.json", now.Format(timestampLayout)))

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}

	return path, nil
}

// WriteMapCSV writes lambda_map_<timestamp>.csv and timing_map_<timestamp>.csv
// to dir and returns their paths.
func WriteMapCSV(dir string, result *bsfc.OptimizationResult, now time.Time) (lambdaPath, timingPath string, err error) {
	if result == nil {
		return "", "", errors.New("export: nil result")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}

	ts := now.Format(timestampLayout)

	lambdaPath = filepath.Join(dir, fmt.Sprintf("lambda_map_%s.csv", ts))
	timingPath = filepath.Join(dir, fmt.Sprintf("timing_map_%s.csv", ts))

	lambda := func(p bsfc.OptimalPoint) float64 { return p.Lambda }
	timing := func(p bsfc.OptimalPoint) float64 { return p.Timing }

	if err := writeTable(lambdaPath, "Fuel Mixture Aim (LA)", result.OptimalMap, lambda); err != nil {
		return "", "", err
	}

	if err := writeTable(timingPath, "Ignition Timing Main (dBTDC)", result.OptimalMap, timing); err != nil {
		return "", "", err
	}

	return lambdaPath, timingPath, nil
}

func writeTable(path, header string, points []bsfc.OptimalPoint, value func(bsfc.OptimalPoint) float64) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	w := csv.NewWriter(f)

	if err := w.Write([]string{"RPM", header}); err != nil {
		return err
	}

	for _, p := range points {
		row := []string{
			strconv.Itoa(int(p.RPM)),
			strconv.FormatFloat(value(p), 'g', -1, 64),
		}

		if err := w.Write(row); err != nil {
			return err
		}
	}

	w.Flush()

	return w.Error()
}

// visualization samples up to MaxSurfaces evenly spaced bin centers over the
// training bounds, plus the training scatter.
func visualization(report *bsfc.Report) (*Visualization, error) {
	bounds, err := report.Model.TrainingBounds()
	if err != nil {
		return nil, err
	}

	centers := report.Dataset.Centers()
	X := report.Dataset.X()

	viz := &Visualization{
		Bounds: bounds,
		TrainingData: TrainingData{
			Lambda: make([]float64, len(X)),
			Timing: make([]float64, len(X)),
			RPM:    make([]float64, len(X)),
			BSFC:   report.Dataset.Y(),
		},
	}

	for i, row := range X {
		viz.TrainingData.Lambda[i] = row[0]
		viz.TrainingData.Timing[i] = row[1]
		viz.TrainingData.RPM[i] = row[2]
	}

	for _, rpm := range representative(centers, MaxSurfaces) {
		grid, err := report.Model.PredictGrid(bounds.Lambda, bounds.Timing, rpm, SurfacePoints)
		if err != nil {
			return nil, err
		}

		viz.Surfaces = append(viz.Surfaces, Surface{
			RPM:      grid.RPM,
			Lambda:   grid.Lambda,
			Timing:   grid.Timing,
			BSFCMean: grid.Mean,
			BSFCStd:  grid.Std,
		})
	}

	return viz, nil
}

// representative picks at most n values spread evenly over values, first
// and last included.
func representative(values []float64, n int) []float64 {
	if len(values) <= n {
		return append([]float64(nil), values...)
	}

	out := make([]float64, n)
	for i := range out {
		out[i] = values[i*(len(values)-1)/(n-1)]
	}

	return out
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))

	return math.Round(v*p) / p
}

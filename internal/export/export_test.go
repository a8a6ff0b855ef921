package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thalesfsp/bsfc"
)

var testNow = time.Date(2024, 5, 17, 14, 3, 9, 0, time.UTC)

// handReport builds a report without a model.
func handReport(t *testing.T) *bsfc.Report {
	t.Helper()

	dataset, err := bsfc.NewBinnedDataset([]bsfc.Bin{
		{Center: 2025, Low: 2000, High: 2050, Lambda: 0.9, Timing: 18, BSFC: 255.5, BSFCStd: 1, Count: 4},
		{Center: 2075, Low: 2050, High: 2100, Lambda: 0.95, Timing: 21, BSFC: 251.25, BSFCStd: 2, Count: 3},
	})
	require.NoError(t, err)

	return &bsfc.Report{
		Dataset: dataset,
		Result: &bsfc.OptimizationResult{
			OptimalMap: []bsfc.OptimalPoint{
				{BinIndex: 0, RPM: 2025, Lambda: 0.912345678, Timing: 19.456, PredictedBSFC: 250.123456},
				{BinIndex: 1, RPM: 2075, Lambda: 0.94, Timing: 22.5, PredictedBSFC: 249.5},
			},
			Suggestions: []bsfc.Suggestion{
				{BinIndex: 1, RPM: 2075, Lambda: 0.97123, Timing: 24.987, PredictedBSFC: 250, Uncertainty: 1.5, ExpectedImprovement: 0.12345678},
			},
			NumTrainingSamples: 2,
			BestPerRPM: []bsfc.BinBest{
				{BinIndex: 0, RPM: 2025, BSFC: 255.5},
				{BinIndex: 1, RPM: 2075, BSFC: 251.25},
			},
			BestOverall: 251.25,
		},
	}
}

func TestBuildFormatsMap(t *testing.T) {
	doc, err := Build(handReport(t), true, testNow)
	require.NoError(t, err)

	assert.Nil(t, doc.Visualization)
	assert.Equal(t, "2024-05-17T14:03:09Z", doc.Metadata.Timestamp)
	assert.Equal(t, 2, doc.Metadata.NTrainingSamples)

	assert.Equal(t, "1D_map", doc.OptimalMap.Format)
	assert.Equal(t, []int{2025, 2075}, doc.OptimalMap.Axis.Values)
	assert.Equal(t, []float64{0.9123, 0.94}, doc.OptimalMap.Tables["lambda"].Values)
	assert.Equal(t, []float64{19.46, 22.5}, doc.OptimalMap.Tables["timing"].Values)
	assert.Equal(t, []float64{250.1235, 249.5}, doc.OptimalMap.Tables["predicted_bsfc"].Values)

	require.Len(t, doc.SuggestedExperiments, 1)
	assert.Equal(t, 0.9712, doc.SuggestedExperiments[0].Lambda)
	assert.Equal(t, 24.99, doc.SuggestedExperiments[0].Timing)
	assert.Equal(t, 0.123457, doc.SuggestedExperiments[0].ExpectedImprovement)

	assert.Equal(t, map[string]float64{"2025": 255.5, "2075": 251.25}, doc.CurrentBest.PerRPM)
	assert.Equal(t, 2, doc.DataSummary.NumBins)
	assert.Equal(t, 7, doc.DataSummary.TotalSamples)
}

func TestBuildRejectsIncompleteReport(t *testing.T) {
	_, err := Build(nil, false, testNow)
	assert.Error(t, err)

	_, err = Build(&bsfc.Report{}, false, testNow)
	assert.Error(t, err)
}

func TestWriteMapCSV(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")

	lambdaPath, timingPath, err := WriteMapCSV(dir, handReport(t).Result, testNow)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "lambda_map_2024-05-17_14-03-09.csv"), lambdaPath)
	assert.Equal(t, filepath.Join(dir, "timing_map_2024-05-17_14-03-09.csv"), timingPath)

	rows := readCSV(t, lambdaPath)
	assert.Equal(t, [][]string{
		{"RPM", "Fuel Mixture Aim (LA)"},
		{"2025", "0.912345678"},
		{"2075", "0.94"},
	}, rows)

	rows = readCSV(t, timingPath)
	assert.Equal(t, []string{"RPM", "Ignition Timing Main (dBTDC)"}, rows[0])
	assert.Equal(t, []string{"2075", "22.5"}, rows[2])
}

func TestWriteResultsWithVisualization(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	var samples bsfc.Samples

	for k := 0; k < 7; k++ {
		lambda := 0.88 + 0.02*float64((k*3)%7)
		timing := 16 + 2*float64((k*5)%7)

		for i := 0; i < 4; i++ {
			rpm := 2000 + 100*float64(k) + 5 + rng.Float64()*40
			dl, dt := lambda-0.95, timing-25

			samples.RPM = append(samples.RPM, rpm)
			samples.Lambda = append(samples.Lambda, lambda)
			samples.Timing = append(samples.Timing, timing)
			samples.BSFC = append(samples.BSFC, 250+400*dl*dl+0.05*dt*dt+rng.NormFloat64()*0.2)
		}
	}

	config := bsfc.DefaultConfig()
	config.GPRestarts = 1
	config.OptRestarts = 2
	config.NumCandidates = 100
	config.RandomState = rand.New(rand.NewSource(2))

	report, err := bsfc.Optimize(context.Background(), samples, config)
	require.NoError(t, err)

	dir := t.TempDir()

	path, err := WriteResults(dir, report, true, testNow)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "optimization_results_2024-05-17_14-03-09.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))

	require.NotNil(t, doc.Visualization)
	require.Len(t, doc.Visualization.Surfaces, MaxSurfaces)

	centers := report.Dataset.Centers()
	assert.Equal(t, centers[0], doc.Visualization.Surfaces[0].RPM)
	assert.Equal(t, centers[len(centers)-1], doc.Visualization.Surfaces[MaxSurfaces-1].RPM)

	surface := doc.Visualization.Surfaces[2]
	assert.Len(t, surface.Lambda, SurfacePoints)
	assert.Len(t, surface.BSFCMean, SurfacePoints)
	assert.Len(t, surface.BSFCStd[0], SurfacePoints)

	assert.Len(t, doc.Visualization.TrainingData.RPM, report.Dataset.Len())
	assert.Equal(t, report.Dataset.Y(), doc.Visualization.TrainingData.BSFC)
	assert.Len(t, doc.OptimalMap.Axis.Values, report.Dataset.Len())
}

func TestRepresentative(t *testing.T) {
	assert.Equal(t, []float64{1, 2, 3}, representative([]float64{1, 2, 3}, 5))
	assert.Equal(t, []float64{0, 2, 4, 6, 9}, representative([]float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, 5))
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	return rows
}

// Package dyno loads dynamometer logs exported from MoTeC as CSV and turns
// them into bsfc.Samples.
//
// The expected layout is one header row, one units row, then data rows. Only
// the four columns named by Columns are read.
package dyno

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/thalesfsp/bsfc"
)

var (
	// ErrMissingColumn is returned when a required column is not in the
	// header row.
	ErrMissingColumn = errors.New("missing column")

	// ErrNoFiles is returned when a directory holds no CSV files.
	ErrNoFiles = errors.New("no csv files found")
)

// Columns names the CSV column holding each logical role.
type Columns struct {
	RPM    string
	Lambda string
	Timing string
	BSFC   string
}

// DefaultColumns returns the MoTeC channel names.
func DefaultColumns() Columns {
	return Columns{
		RPM:    "Engine Speed",
		Lambda: "Fuel Mixture Aim",
		Timing: "Ignition Timing Main",
		BSFC:   "Dyno Brake Specific Fuel Consumption",
	}
}

func (c Columns) names() []string {
	return []string{c.RPM, c.Lambda, c.Timing, c.BSFC}
}

// Read parses one log from r. Empty or unparsable cells become NaN, blank rows
// are skipped. Rows are not filtered.
func Read(r io.Reader, cols Columns) (bsfc.Samples, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	headers, err := reader.Read()
	if err != nil {
		return bsfc.Samples{}, fmt.Errorf("read header: %w", err)
	}

	index := make(map[string]int, len(headers))
	for i, h := range headers {
		index[strings.Trim(strings.TrimSpace(h), `"`)] = i
	}

	names := cols.names()
	idx := make([]int, len(names))

	for i, name := range names {
		j, ok := index[name]
		if !ok {
			return bsfc.Samples{}, fmt.Errorf("%w: %q", ErrMissingColumn, name)
		}

		idx[i] = j
	}

	// Units row.
	if _, err := reader.Read(); err != nil && !errors.Is(err, io.EOF) {
		return bsfc.Samples{}, fmt.Errorf("read units: %w", err)
	}

	columns := make([][]float64, len(names))

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return bsfc.Samples{}, fmt.Errorf("read row: %w", err)
		}

		if blank(record) {
			continue
		}

		for i, j := range idx {
			columns[i] = append(columns[i], cell(record, j))
		}
	}

	return bsfc.Samples{RPM: columns[0], Lambda: columns[1], Timing: columns[2], BSFC: columns[3]}, nil
}

// LoadFile reads one log from path.
func LoadFile(path string, cols Columns) (bsfc.Samples, error) {
	f, err := os.Open(path)
	if err != nil {
		return bsfc.Samples{}, err
	}
	defer f.Close()

	s, err := Read(f, cols)
	if err != nil {
		return bsfc.Samples{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	return s, nil
}

// LoadFiles concatenates the logs at paths and drops every row with a
// missing value. A file that fails to load is logged and skipped.
func LoadFiles(paths []string, cols Columns, logger *zap.Logger) bsfc.Samples {
	if logger == nil {
		logger = zap.NewNop()
	}

	var all bsfc.Samples

	for _, path := range paths {
		s, err := LoadFile(path, cols)
		if err != nil {
			logger.Warn("skipping log", zap.String("file", path), zap.Error(err))

			continue
		}

		all.RPM = append(all.RPM, s.RPM...)
		all.Lambda = append(all.Lambda, s.Lambda...)
		all.Timing = append(all.Timing, s.Timing...)
		all.BSFC = append(all.BSFC, s.BSFC...)

		logger.Info("loaded log", zap.String("file", filepath.Base(path)), zap.Int("rows", len(s.RPM)))
	}

	filtered := DropMissing(all)

	if removed := len(all.RPM) - len(filtered.RPM); removed > 0 {
		logger.Info("removed rows with missing values", zap.Int("rows", removed))
	}

	return filtered
}

// LoadDir loads every *.csv in dir, in name order.
func LoadDir(dir string, cols Columns, logger *zap.Logger) (bsfc.Samples, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return bsfc.Samples{}, err
	}

	if len(paths) == 0 {
		return bsfc.Samples{}, fmt.Errorf("%w in %s", ErrNoFiles, dir)
	}

	sort.Strings(paths)

	if logger != nil {
		logger.Info("found logs", zap.String("dir", dir), zap.Int("files", len(paths)))
	}

	return LoadFiles(paths, cols, logger), nil
}

// DropMissing keeps the rows where every value is finite.
func DropMissing(s bsfc.Samples) bsfc.Samples {
	return keep(s, func(i int) bool {
		return finite(s.RPM[i]) && finite(s.Lambda[i]) && finite(s.Timing[i]) && finite(s.BSFC[i])
	})
}

// FilterValid drops rows with BSFC at or below minBSFC. Zero BSFC marks a
// no-load or invalid measurement.
func FilterValid(s bsfc.Samples, minBSFC float64) bsfc.Samples {
	return keep(s, func(i int) bool { return s.BSFC[i] > minBSFC })
}

func keep(s bsfc.Samples, ok func(i int) bool) bsfc.Samples {
	var out bsfc.Samples

	for i := range s.RPM {
		if !ok(i) {
			continue
		}

		out.RPM = append(out.RPM, s.RPM[i])
		out.Lambda = append(out.Lambda, s.Lambda[i])
		out.Timing = append(out.Timing, s.Timing[i])
		out.BSFC = append(out.BSFC, s.BSFC[i])
	}

	return out
}

func cell(record []string, j int) float64 {
	if j >= len(record) {
		return math.NaN()
	}

	v := strings.TrimSpace(record[j])
	if v == "" {
		return math.NaN()
	}

	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return math.NaN()
	}

	return f
}

func blank(record []string) bool {
	for _, c := range record {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}

	return true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

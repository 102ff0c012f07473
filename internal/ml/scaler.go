package ml

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// Scaler standardises feature vectors to zero mean and unit variance using
// statistics fitted on the training matrix. Fields are exported for gob.
type Scaler struct {
	Mean   []float64
	StdDev []float64
}

// FitScaler computes per-column population statistics.
func FitScaler(matrix [][]float64) (*Scaler, error) {
	if len(matrix) == 0 {
		return nil, fmt.Errorf("fit scaler: empty matrix")
	}

	cols := len(matrix[0])
	sc := &Scaler{
		Mean:   make([]float64, cols),
		StdDev: make([]float64, cols),
	}

	column := make([]float64, len(matrix))
	for c := 0; c < cols; c++ {
		for r, row := range matrix {
			column[r] = row[c]
		}
		sc.Mean[c] = stat.Mean(column, nil)
		sc.StdDev[c] = stat.PopStdDev(column, nil)
	}
	return sc, nil
}

// Transform returns a standardised copy of one vector. Constant columns
// (zero deviation) pass through centred but unscaled.
func (s *Scaler) Transform(vec []float64) []float64 {
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = v - s.Mean[i]
		if s.StdDev[i] > 0 {
			out[i] /= s.StdDev[i]
		}
	}
	return out
}

// TransformMatrix standardises every row.
func (s *Scaler) TransformMatrix(matrix [][]float64) [][]float64 {
	out := make([][]float64, len(matrix))
	for i, row := range matrix {
		out[i] = s.Transform(row)
	}
	return out
}

package engine

import (
	"fmt"
	"math"
)

// Scaler standardizes columns to zero mean and unit variance. Constant columns
// keep unit scale so they pass through centred but otherwise unchanged.
type Scaler struct {
	Mean  []float64
	Scale []float64
}

// FitScaler computes per-column statistics. Rows must share one width and hold
// finite values.
func FitScaler(matrix [][]float64) (Scaler, error) {
	if len(matrix) == 0 {
		return Scaler{}, fmt.Errorf("%w: empty matrix", ErrInsufficientData)
	}
	width := len(matrix[0])
	if width == 0 {
		return Scaler{}, fmt.Errorf("%w: no columns", ErrModelFit)
	}

	mean := make([]float64, width)
	for i, row := range matrix {
		if len(row) != width {
			return Scaler{}, fmt.Errorf("%w: row %d has %d columns, expected %d", ErrModelFit, i, len(row), width)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return Scaler{}, fmt.Errorf("%w: non-finite value at row %d column %d", ErrModelFit, i, j)
			}
			mean[j] += v
		}
	}
	n := float64(len(matrix))
	for j := range mean {
		mean[j] /= n
	}

	scale := make([]float64, width)
	for _, row := range matrix {
		for j, v := range row {
			d := v - mean[j]
			scale[j] += d * d
		}
	}
	for j := range scale {
		std := math.Sqrt(scale[j] / n)
		if math.IsNaN(std) || math.IsInf(std, 0) || math.IsInf(mean[j], 0) {
			return Scaler{}, fmt.Errorf("%w: column %d spread overflows", ErrModelFit, j)
		}
		if std < 1e-12 {
			std = 1
		}
		scale[j] = std
	}
	return Scaler{Mean: mean, Scale: scale}, nil
}

// Transform returns a standardized copy of row.
func (s Scaler) Transform(row []float64) []float64 {
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return out
}

// TransformAll standardizes every row.
func (s Scaler) TransformAll(matrix [][]float64) [][]float64 {
	out := make([][]float64, len(matrix))
	for i, row := range matrix {
		out[i] = s.Transform(row)
	}
	return out
}

package engine

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/miradorstack/mirador-logwatch/internal/models"
)

// BoundaryParams is the sensitivity of one boundary estimator.
type BoundaryParams struct {
	// Nu is the expected outlier fraction; about Nu of the training values fall outside.
	Nu    float64
	Gamma float64
	// MaxSupport caps the kernel support set; larger windows are subsampled.
	MaxSupport int
}

// DefaultBoundaryParams mirrors the shipped configuration.
func DefaultBoundaryParams() BoundaryParams {
	return BoundaryParams{Nu: 0.05, Gamma: 1.0, MaxSupport: 512}
}

// BoundaryState is the fitted level set of one dimension.
type BoundaryState struct {
	Center    float64
	Scale     float64
	Threshold float64
	Gamma     float64
	support   []float64
}

// BoundaryEstimator learns a one-class region around the bulk of a single scalar
// dimension: values are standardized, a Gaussian kernel density is estimated over
// the support set, and values whose density falls below the Nu-quantile of the
// training densities are outside.
type BoundaryEstimator struct {
	dim    models.Dimension
	params BoundaryParams
	seed   int64
	state  *BoundaryState
}

// NewBoundaryEstimator builds an unfitted estimator for dim.
func NewBoundaryEstimator(dim models.Dimension, params BoundaryParams, seed int64) *BoundaryEstimator {
	def := DefaultBoundaryParams()
	if params.Nu <= 0 || params.Nu >= 1 {
		params.Nu = def.Nu
	}
	if params.Gamma <= 0 {
		params.Gamma = def.Gamma
	}
	if params.MaxSupport < 2 {
		params.MaxSupport = def.MaxSupport
	}
	return &BoundaryEstimator{dim: dim, params: params, seed: seed}
}

// Dimension names the column this estimator watches.
func (b *BoundaryEstimator) Dimension() models.Dimension { return b.dim }

// Fit learns the boundary. Constant input yields ErrZeroVariance and leaves the
// estimator unfitted.
func (b *BoundaryEstimator) Fit(values []float64) error {
	b.state = nil
	if len(values) < 2 {
		return fmt.Errorf("boundary %s: %w: %d values", b.dim, ErrInsufficientData, len(values))
	}

	sum := 0.0
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("boundary %s: %w: non-finite value at %d", b.dim, ErrModelFit, i)
		}
		sum += v
	}
	n := float64(len(values))
	center := sum / n
	variance := 0.0
	for _, v := range values {
		d := v - center
		variance += d * d
	}
	scale := math.Sqrt(variance / n)
	if math.IsInf(center, 0) || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return fmt.Errorf("boundary %s: %w: spread overflows", b.dim, ErrModelFit)
	}
	if scale < 1e-12 {
		return fmt.Errorf("boundary %s: %w", b.dim, ErrZeroVariance)
	}

	standardized := make([]float64, len(values))
	for i, v := range values {
		standardized[i] = (v - center) / scale
	}
	support := standardized
	if len(support) > b.params.MaxSupport {
		rng := rand.New(rand.NewSource(b.seed))
		idx := rng.Perm(len(standardized))[:b.params.MaxSupport]
		support = make([]float64, len(idx))
		for i, j := range idx {
			support[i] = standardized[j]
		}
	}

	state := &BoundaryState{Center: center, Scale: scale, Gamma: b.params.Gamma, support: support}

	densities := make([]float64, len(support))
	for i, z := range support {
		densities[i] = state.density(z)
	}
	sort.Float64s(densities)
	k := int(math.Floor(b.params.Nu * float64(len(densities))))
	if k >= len(densities) {
		k = len(densities) - 1
	}
	state.Threshold = densities[k]

	b.state = state
	return nil
}

// Classify returns inside/outside per value. An unfitted estimator reports every
// value as skipped.
func (b *BoundaryEstimator) Classify(values []float64) []models.BoundaryVerdict {
	out := make([]models.BoundaryVerdict, len(values))
	if b.state == nil {
		for i := range out {
			out[i] = models.VerdictSkipped
		}
		return out
	}
	for i, v := range values {
		z := (v - b.state.Center) / b.state.Scale
		if b.state.density(z) < b.state.Threshold {
			out[i] = models.VerdictOutside
		} else {
			out[i] = models.VerdictInside
		}
	}
	return out
}

// State exposes the fitted boundary; nil before a successful Fit.
func (b *BoundaryEstimator) State() *BoundaryState { return b.state }

// Center is the fitted mean of the dimension, used to tell slow from fast outliers.
func (b *BoundaryEstimator) Center() float64 {
	if b.state == nil {
		return 0
	}
	return b.state.Center
}

func (s *BoundaryState) density(z float64) float64 {
	total := 0.0
	for _, sv := range s.support {
		d := z - sv
		total += math.Exp(-s.Gamma * d * d)
	}
	return total / float64(len(s.support))
}

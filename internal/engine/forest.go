package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ForestParams tunes the isolation forest.
type ForestParams struct {
	Trees          int
	SampleFraction float64
	MaxSamples     int
	// MaxDepth of zero means ceil(log2(psi)).
	MaxDepth int
}

// DefaultForestParams mirrors the shipped configuration.
func DefaultForestParams() ForestParams {
	return ForestParams{Trees: 200, SampleFraction: 0.8, MaxSamples: 256}
}

type isoNode struct {
	feature     int
	split       float64
	left, right *isoNode
	size        int
}

func (n *isoNode) leaf() bool { return n.left == nil }

// ForestState is the fitted model of one cycle.
type ForestState struct {
	Trees      int
	SampleSize int
	MaxDepth   int
	Scaler     Scaler

	roots []*isoNode
	norm  float64
}

// IsolationForest scores points by how few random axis-aligned splits isolate
// them. It is refitted from scratch on every call to Fit.
type IsolationForest struct {
	params ForestParams
	seed   int64
	state  *ForestState
}

// NewIsolationForest builds an unfitted forest. The same seed and input always
// produce the same trees.
func NewIsolationForest(params ForestParams, seed int64) *IsolationForest {
	def := DefaultForestParams()
	if params.Trees <= 0 {
		params.Trees = def.Trees
	}
	if params.SampleFraction <= 0 || params.SampleFraction > 1 {
		params.SampleFraction = def.SampleFraction
	}
	if params.MaxSamples < 2 {
		params.MaxSamples = def.MaxSamples
	}
	return &IsolationForest{params: params, seed: seed}
}

// Fit builds the trees on the standardized vectors.
func (f *IsolationForest) Fit(vectors [][]float64) error {
	return f.FitContext(context.Background(), vectors)
}

// FitContext is Fit with cancellation between trees.
func (f *IsolationForest) FitContext(ctx context.Context, vectors [][]float64) error {
	f.state = nil
	if len(vectors) < 2 {
		return fmt.Errorf("isolation forest: %w: %d vectors", ErrInsufficientData, len(vectors))
	}
	scaler, err := FitScaler(vectors)
	if err != nil {
		return fmt.Errorf("isolation forest: %w", err)
	}
	data := scaler.TransformAll(vectors)

	psi := int(math.Ceil(f.params.SampleFraction * float64(len(data))))
	if psi > f.params.MaxSamples {
		psi = f.params.MaxSamples
	}
	if psi < 2 {
		psi = 2
	}
	if psi > len(data) {
		psi = len(data)
	}
	maxDepth := f.params.MaxDepth
	if maxDepth <= 0 {
		maxDepth = int(math.Ceil(math.Log2(float64(psi))))
	}

	// Per-tree seeds are drawn up front so parallel construction stays deterministic.
	master := rand.New(rand.NewSource(f.seed))
	seeds := make([]int64, f.params.Trees)
	for i := range seeds {
		seeds[i] = master.Int63()
	}

	roots := make([]*isoNode, f.params.Trees)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range roots {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(seeds[i]))
			sample := subsample(data, psi, rng)
			roots[i] = buildTree(sample, 0, maxDepth, rng)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("isolation forest: %w", err)
	}

	f.state = &ForestState{
		Trees:      f.params.Trees,
		SampleSize: psi,
		MaxDepth:   maxDepth,
		Scaler:     scaler,
		roots:      roots,
		norm:       averagePathLength(psi),
	}
	return nil
}

// Score returns one anomaly score in [0,1] per vector; higher is more anomalous.
func (f *IsolationForest) Score(vectors [][]float64) ([]float64, error) {
	if f.state == nil {
		return nil, fmt.Errorf("isolation forest: not fitted")
	}
	width := len(f.state.Scaler.Mean)
	scores := make([]float64, len(vectors))
	for i, v := range vectors {
		if len(v) != width {
			return nil, fmt.Errorf("isolation forest: vector %d has %d columns, expected %d", i, len(v), width)
		}
		point := f.state.Scaler.Transform(v)
		total := 0.0
		for _, root := range f.state.roots {
			total += pathLength(root, point, 0)
		}
		mean := total / float64(len(f.state.roots))
		if f.state.norm <= 0 {
			scores[i] = 0.5
			continue
		}
		scores[i] = math.Pow(2, -mean/f.state.norm)
	}
	return scores, nil
}

// State exposes the fitted model; nil before a successful Fit.
func (f *IsolationForest) State() *ForestState { return f.state }

func subsample(data [][]float64, size int, rng *rand.Rand) [][]float64 {
	idx := rng.Perm(len(data))[:size]
	out := make([][]float64, size)
	for i, j := range idx {
		out[i] = data[j]
	}
	return out
}

func buildTree(data [][]float64, depth, maxDepth int, rng *rand.Rand) *isoNode {
	if len(data) <= 1 || depth >= maxDepth {
		return &isoNode{size: len(data)}
	}

	// only split on features that still vary inside this node
	width := len(data[0])
	candidates := make([]int, 0, width)
	mins := make([]float64, width)
	maxs := make([]float64, width)
	for j := 0; j < width; j++ {
		lo, hi := data[0][j], data[0][j]
		for _, row := range data[1:] {
			if row[j] < lo {
				lo = row[j]
			}
			if row[j] > hi {
				hi = row[j]
			}
		}
		mins[j], maxs[j] = lo, hi
		if hi > lo {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return &isoNode{size: len(data)}
	}

	feature := candidates[rng.Intn(len(candidates))]
	split := mins[feature] + rng.Float64()*(maxs[feature]-mins[feature])

	left := make([][]float64, 0, len(data)/2)
	right := make([][]float64, 0, len(data)/2)
	for _, row := range data {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isoNode{size: len(data)}
	}

	return &isoNode{
		feature: feature,
		split:   split,
		left:    buildTree(left, depth+1, maxDepth, rng),
		right:   buildTree(right, depth+1, maxDepth, rng),
		size:    len(data),
	}
}

func pathLength(node *isoNode, point []float64, depth int) float64 {
	for !node.leaf() {
		if point[node.feature] < node.split {
			node = node.left
		} else {
			node = node.right
		}
		depth++
	}
	return float64(depth) + averagePathLength(node.size)
}

// averagePathLength is c(n), the mean depth of an unsuccessful BST search over n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	return 2*harmonic(n-1) - 2*float64(n-1)/float64(n)
}

func harmonic(n int) float64 {
	return math.Log(float64(n)) + 0.5772156649
}

// Package iforest implements a seeded Isolation Forest for unsupervised
// outlier scoring.
package iforest

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"sync"

	"ghost_energy/internal/stats"
)

var (
	ErrNotTrained = errors.New("model not trained")
	ErrEmptyData  = errors.New("empty training data")
)

// Forest is an ensemble of isolation trees. Scores lie in (0, 1]; higher
// means easier to isolate and therefore more anomalous.
type Forest struct {
	mu sync.RWMutex

	nTrees        int
	sampleSize    int
	contamination float64
	seed          uint64

	trees     []*Node
	norm      float64
	threshold float64
	trained   bool
}

// Node is an isolation tree node. Leaves have nil children.
type Node struct {
	Feature int
	Split   float64
	Left    *Node
	Right   *Node
	Size    int
}

// Option configures a Forest.
type Option func(*Forest)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(f *Forest) {
		f.nTrees = n
	}
}

// WithSampleSize sets the subsample size drawn for each tree.
func WithSampleSize(n int) Option {
	return func(f *Forest) {
		f.sampleSize = n
	}
}

// WithContamination sets the expected share of outliers, which fixes the
// score threshold at fit time.
func WithContamination(c float64) Option {
	return func(f *Forest) {
		f.contamination = c
	}
}

// WithSeed sets the random seed. Two forests with the same seed fit on the
// same rows are identical.
func WithSeed(seed uint64) Option {
	return func(f *Forest) {
		f.seed = seed
	}
}

// New creates an untrained Forest.
func New(opts ...Option) *Forest {
	f := &Forest{
		nTrees:        100,
		sampleSize:    256,
		contamination: 0.1,
		seed:          42,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fit builds the trees from data and sets the threshold to the
// (1 - contamination) percentile of the training scores.
func (f *Forest) Fit(data [][]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(data) == 0 {
		return ErrEmptyData
	}
	if f.nTrees < 1 || f.sampleSize < 1 {
		return fmt.Errorf("invalid forest size: trees=%d sample_size=%d", f.nTrees, f.sampleSize)
	}
	if f.contamination < 0 || f.contamination >= 0.5 {
		return fmt.Errorf("contamination %.4f outside [0, 0.5)", f.contamination)
	}

	rng := rand.New(rand.NewPCG(f.seed, 0))
	nFeatures := len(data[0])
	sampleSize := min(f.sampleSize, len(data))
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize))))

	f.trees = make([]*Node, f.nTrees)
	for i := range f.trees {
		perm := rng.Perm(len(data))[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, idx := range perm {
			sample[j] = data[idx]
		}
		f.trees[i] = grow(sample, nFeatures, 0, maxDepth, rng)
	}
	f.norm = averagePathLength(float64(sampleSize))
	f.trained = true

	f.threshold = stats.Percentile(f.score(data), 100*(1-f.contamination))
	return nil
}

func grow(data [][]float64, nFeatures, depth, maxDepth int, rng *rand.Rand) *Node {
	n := len(data)
	if depth >= maxDepth || n <= 1 {
		return &Node{Size: n}
	}

	feature := rng.IntN(nFeatures)
	lo, hi := data[0][feature], data[0][feature]
	for _, row := range data[1:] {
		lo = math.Min(lo, row[feature])
		hi = math.Max(hi, row[feature])
	}
	if lo == hi {
		return &Node{Size: n}
	}

	split := lo + rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, row := range data {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	return &Node{
		Feature: feature,
		Split:   split,
		Left:    grow(left, nFeatures, depth+1, maxDepth, rng),
		Right:   grow(right, nFeatures, depth+1, maxDepth, rng),
	}
}

// Predict flags rows whose score is strictly above the fitted threshold.
func (f *Forest) Predict(data [][]float64) ([]bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, ErrNotTrained
	}
	flags := make([]bool, len(data))
	for i, x := range data {
		flags[i] = f.scoreOne(x) > f.threshold
	}
	return flags, nil
}

// Threshold returns the score above which a row is an outlier.
func (f *Forest) Threshold() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.threshold
}

func (f *Forest) score(data [][]float64) []float64 {
	scores := make([]float64, len(data))
	for i, x := range data {
		scores[i] = f.scoreOne(x)
	}
	return scores
}

func (f *Forest) scoreOne(x []float64) float64 {
	var total float64
	for _, t := range f.trees {
		total += pathLength(x, t, 0)
	}
	avg := total / float64(len(f.trees))
	if f.norm == 0 {
		return 0.5
	}
	return math.Pow(2, -avg/f.norm)
}

func pathLength(x []float64, n *Node, depth int) float64 {
	for n.Left != nil {
		if x[n.Feature] < n.Split {
			n = n.Left
		} else {
			n = n.Right
		}
		depth++
	}
	return float64(depth) + averagePathLength(float64(n.Size))
}

// averagePathLength is c(n), the mean path length of an unsuccessful BST
// search over n points.
func averagePathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	return 2*(math.Log(n-1)+0.5772156649) - 2*(n-1)/n
}

type savedForest struct {
	Trees         []*Node
	Norm          float64
	Threshold     float64
	Contamination float64
	SampleSize    int
	Seed          uint64
}

// Save writes the trained forest as gob.
func (f *Forest) Save(w io.Writer) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return ErrNotTrained
	}
	return gob.NewEncoder(w).Encode(savedForest{
		Trees:         f.trees,
		Norm:          f.norm,
		Threshold:     f.threshold,
		Contamination: f.contamination,
		SampleSize:    f.sampleSize,
		Seed:          f.seed,
	})
}

// Load reads a forest written by Save.
func Load(r io.Reader) (*Forest, error) {
	var s savedForest
	if err := gob.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding forest: %w", err)
	}
	if len(s.Trees) == 0 {
		return nil, errors.New("decoding forest: no trees")
	}
	return &Forest{
		nTrees:        len(s.Trees),
		sampleSize:    s.SampleSize,
		contamination: s.Contamination,
		seed:          s.Seed,
		trees:         s.Trees,
		norm:          s.Norm,
		threshold:     s.Threshold,
		trained:       true,
	}, nil
}

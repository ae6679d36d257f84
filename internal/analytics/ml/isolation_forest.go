package ml

import (
	"math"
	"math/rand"
)

// isolationTree is a node of a one-dimensional isolation tree.
type isolationTree struct {
	splitValue float64
	left       *isolationTree
	right      *isolationTree
	size       int
	isLeaf     bool
}

// IsolationForest scores how easily a value is separated from a sample.
// Values that isolate in few random splits score close to 1.
//
// The forest is seeded so that identical input always yields identical
// scores.
type IsolationForest struct {
	trees         []*isolationTree
	numTrees      int
	subSampleSize int
	maxDepth      int
	rng           *rand.Rand
}

// NewIsolationForest creates a forest with numTrees trees, each built from at
// most subSampleSize samples.
func NewIsolationForest(numTrees, subSampleSize int, seed int64) *IsolationForest {
	if numTrees <= 0 {
		numTrees = 100
	}
	if subSampleSize <= 0 {
		subSampleSize = 256
	}
	return &IsolationForest{
		numTrees:      numTrees,
		subSampleSize: subSampleSize,
		maxDepth:      int(math.Ceil(math.Log2(float64(subSampleSize)))) + 1,
		rng:           rand.New(rand.NewSource(seed)),
	}
}

// Fit builds the trees from values, replacing any previous fit.
func (f *IsolationForest) Fit(values []float64) {
	f.trees = f.trees[:0]
	if len(values) == 0 {
		return
	}
	if f.subSampleSize > len(values) {
		f.subSampleSize = len(values)
	}
	f.maxDepth = int(math.Ceil(math.Log2(float64(f.subSampleSize)))) + 1
	for i := 0; i < f.numTrees; i++ {
		f.trees = append(f.trees, f.buildTree(f.sample(values), 0))
	}
}

// Score returns the anomaly score of v in [0,1]. An unfitted forest returns 0.5.
func (f *IsolationForest) Score(v float64) float64 {
	if len(f.trees) == 0 {
		return 0.5
	}
	total := 0.0
	for _, t := range f.trees {
		total += f.pathLength(t, v, 0)
	}
	avg := total / float64(len(f.trees))

	// score = 2^(-E[h(x)] / c(n))
	c := averagePathLength(f.subSampleSize)
	if c == 0 {
		return 0.5
	}
	return math.Pow(2, -avg/c)
}

func (f *IsolationForest) sample(values []float64) []float64 {
	shuffled := make([]float64, len(values))
	copy(shuffled, values)
	for i := len(shuffled) - 1; i > 0; i-- {
		j := f.rng.Intn(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	return shuffled[:f.subSampleSize]
}

func (f *IsolationForest) buildTree(data []float64, depth int) *isolationTree {
	if len(data) <= 1 || depth >= f.maxDepth {
		return &isolationTree{size: len(data), isLeaf: true}
	}
	lo, hi := data[0], data[0]
	for _, v := range data[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi-lo < 1e-10 {
		return &isolationTree{size: len(data), isLeaf: true}
	}

	split := lo + f.rng.Float64()*(hi-lo)
	var left, right []float64
	for _, v := range data {
		if v < split {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isolationTree{size: len(data), isLeaf: true}
	}
	return &isolationTree{
		splitValue: split,
		left:       f.buildTree(left, depth+1),
		right:      f.buildTree(right, depth+1),
		size:       len(data),
	}
}

func (f *IsolationForest) pathLength(t *isolationTree, v float64, depth int) float64 {
	if t.isLeaf {
		return float64(depth) + averagePathLength(t.size)
	}
	if v < t.splitValue {
		return f.pathLength(t.left, v, depth+1)
	}
	return f.pathLength(t.right, v, depth+1)
}

// averagePathLength is c(n), the mean path length of an unsuccessful BST search.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	// c(n) = 2H(n-1) - 2(n-1)/n, H(i) ≈ ln(i) + Euler-Mascheroni
	h := math.Log(float64(n-1)) + 0.5772156649
	return 2*h - 2*float64(n-1)/float64(n)
}

// Package anomaly fits an isolation forest over taxpayer feature vectors and
// scores how unusual each taxpayer looks relative to the fitted population.
package anomaly

import (
	"math"
	"math/rand"
)

// subsampleCap bounds the per-tree training sample. Beyond a few hundred
// points, larger samples stop improving isolation depth estimates.
const subsampleCap = 256

const eulerGamma = 0.5772156649015329

// treeNode is one node of an isolation tree. feature < 0 marks a leaf; size is
// the number of training points that landed in the leaf.
type treeNode struct {
	feature   int
	threshold float64
	left      int
	right     int
	size      int
}

type isoTree []treeNode

type forest struct {
	trees      []isoTree
	sampleSize int
}

// growForest builds treeCount isolation trees, each on a fresh random
// subsample. All randomness flows through rng, so an identical seed grows an
// identical forest.
func growForest(matrix [][]float64, treeCount int, rng *rand.Rand) *forest {
	n := len(matrix)
	sample := n
	if sample > subsampleCap {
		sample = subsampleCap
	}

	maxDepth := 0
	if sample > 1 {
		maxDepth = int(math.Ceil(math.Log2(float64(sample))))
	}

	f := &forest{trees: make([]isoTree, 0, treeCount), sampleSize: sample}
	for i := 0; i < treeCount; i++ {
		rows := rng.Perm(n)[:sample]
		b := &treeBuilder{matrix: matrix, rng: rng, maxDepth: maxDepth}
		b.build(rows, 0)
		f.trees = append(f.trees, b.nodes)
	}
	return f
}

type treeBuilder struct {
	matrix   [][]float64
	rng      *rand.Rand
	maxDepth int
	nodes    []treeNode
}

func leaf(size int) treeNode {
	return treeNode{feature: -1, left: -1, right: -1, size: size}
}

// build grows the subtree over the given rows and returns its node index.
// Splits pick a random feature among those with spread at this node, then a
// random threshold inside that feature's range.
func (b *treeBuilder) build(rows []int, depth int) int {
	if len(rows) <= 1 || depth >= b.maxDepth {
		b.nodes = append(b.nodes, leaf(len(rows)))
		return len(b.nodes) - 1
	}

	type span struct {
		feature  int
		min, max float64
	}
	var candidates []span
	for f := 0; f < len(b.matrix[rows[0]]); f++ {
		lo, hi := b.matrix[rows[0]][f], b.matrix[rows[0]][f]
		for _, r := range rows[1:] {
			v := b.matrix[r][f]
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if hi > lo {
			candidates = append(candidates, span{feature: f, min: lo, max: hi})
		}
	}
	if len(candidates) == 0 {
		// All remaining points are identical.
		b.nodes = append(b.nodes, leaf(len(rows)))
		return len(b.nodes) - 1
	}

	c := candidates[b.rng.Intn(len(candidates))]
	threshold := c.min + b.rng.Float64()*(c.max-c.min)

	var left, right []int
	for _, r := range rows {
		if b.matrix[r][c.feature] < threshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		b.nodes = append(b.nodes, leaf(len(rows)))
		return len(b.nodes) - 1
	}

	idx := len(b.nodes)
	b.nodes = append(b.nodes, treeNode{feature: c.feature, threshold: threshold})
	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	b.nodes[idx].left = l
	b.nodes[idx].right = r
	return idx
}

// pathLength walks x down the tree and returns its isolation depth, with the
// standard average-path adjustment for leaves holding more than one point.
func (t isoTree) pathLength(x []float64) float64 {
	idx, depth := 0, 0
	for {
		node := t[idx]
		if node.feature < 0 {
			return float64(depth) + avgPathLength(node.size)
		}
		if x[node.feature] < node.threshold {
			idx = node.left
		} else {
			idx = node.right
		}
		depth++
	}
}

// avgPathLength is c(n): the expected path length of an unsuccessful binary
// search tree lookup among n points.
func avgPathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	default:
		h := math.Log(float64(n-1)) + eulerGamma
		return 2*h - 2*float64(n-1)/float64(n)
	}
}

// rawScore is s(x) = 2^(-E[pathLength]/c(sampleSize)). Values approach 1 for
// points isolated quickly and 0.5 for average points.
func (f *forest) rawScore(x []float64) float64 {
	if len(f.trees) == 0 {
		return 0
	}
	denom := avgPathLength(f.sampleSize)
	if denom == 0 {
		return 0
	}

	var total float64
	for _, t := range f.trees {
		total += t.pathLength(x)
	}
	avg := total / float64(len(f.trees))
	return math.Pow(2, -avg/denom)
}

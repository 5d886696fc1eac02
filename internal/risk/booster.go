// Package risk fits a gradient-boosted tree classifier on historical audit
// outcomes and scores every taxpayer's probability of non-compliance.
package risk

import (
	"math"
	"math/rand"
	"sort"
)

// treeNode is one node of a boosted regression tree. feature < 0 marks a
// leaf; value is the leaf's log-odds step, already scaled by the learning
// rate.
type treeNode struct {
	feature   int
	threshold float64
	left      int
	right     int
	value     float64
}

type tree []treeNode

func (t tree) predict(x []float64) float64 {
	idx := 0
	for {
		node := t[idx]
		if node.feature < 0 {
			return node.value
		}
		if x[node.feature] < node.threshold {
			idx = node.left
		} else {
			idx = node.right
		}
	}
}

// booster is a fitted gradient-boosted ensemble for binary classification.
type booster struct {
	bias       float64
	trees      []tree
	importance []float64
}

// maxLeafValue bounds Newton steps on near-pure leaves, where the hessian sum
// approaches zero and the raw step explodes.
const maxLeafValue = 10

type boostParams struct {
	treeCount    int
	learningRate float64
	maxDepth     int
	subsample    float64
	seed         int64
}

// trainBooster fits the ensemble on X (row-major feature matrix) and binary
// labels y. Split search is exhaustive and deterministic: features in index
// order, thresholds at midpoints of consecutive distinct sorted values, first
// best gain wins. The seed only matters when subsample < 1.
func trainBooster(X [][]float64, y []float64, p boostParams) *booster {
	n := len(X)
	cols := len(X[0])

	prior := 0.0
	for _, v := range y {
		prior += v
	}
	prior /= float64(n)
	prior = math.Min(1-1e-6, math.Max(1e-6, prior))

	b := &booster{
		bias:       math.Log(prior / (1 - prior)),
		trees:      make([]tree, 0, p.treeCount),
		importance: make([]float64, cols),
	}

	rng := rand.New(rand.NewSource(p.seed))
	scores := make([]float64, n)
	for i := range scores {
		scores[i] = b.bias
	}

	grads := make([]float64, n)
	hess := make([]float64, n)
	allRows := make([]int, n)
	for i := range allRows {
		allRows[i] = i
	}

	for round := 0; round < p.treeCount; round++ {
		for i := range scores {
			prob := sigmoid(scores[i])
			grads[i] = y[i] - prob
			hess[i] = prob * (1 - prob)
		}

		rows := allRows
		if p.subsample < 1 {
			k := int(math.Ceil(p.subsample * float64(n)))
			if k < 1 {
				k = 1
			}
			rows = rng.Perm(n)[:k]
			sort.Ints(rows)
		}

		gb := &treeBuilder{
			X:            X,
			grads:        grads,
			hess:         hess,
			maxDepth:     p.maxDepth,
			learningRate: p.learningRate,
			importance:   b.importance,
		}
		gb.build(rows, 0)
		t := tree(gb.nodes)
		b.trees = append(b.trees, t)

		for i, x := range X {
			scores[i] += t.predict(x)
		}
	}

	normalize(b.importance)
	return b
}

// predict returns the probability of the positive class.
func (b *booster) predict(x []float64) float64 {
	score := b.bias
	for _, t := range b.trees {
		score += t.predict(x)
	}
	return sigmoid(score)
}

type treeBuilder struct {
	X            [][]float64
	grads        []float64
	hess         []float64
	maxDepth     int
	learningRate float64
	importance   []float64
	nodes        []treeNode
}

type split struct {
	feature   int
	threshold float64
	gain      float64
	ok        bool
}

func (b *treeBuilder) build(rows []int, depth int) int {
	if depth >= b.maxDepth || len(rows) < 2 {
		return b.appendLeaf(rows)
	}

	s := b.bestSplit(rows)
	if !s.ok {
		return b.appendLeaf(rows)
	}
	b.importance[s.feature] += s.gain

	var left, right []int
	for _, r := range rows {
		if b.X[r][s.feature] < s.threshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}

	idx := len(b.nodes)
	b.nodes = append(b.nodes, treeNode{feature: s.feature, threshold: s.threshold})
	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	b.nodes[idx].left = l
	b.nodes[idx].right = r
	return idx
}

func (b *treeBuilder) appendLeaf(rows []int) int {
	var g, h float64
	for _, r := range rows {
		g += b.grads[r]
		h += b.hess[r]
	}
	value := 0.0
	if h > 0 {
		value = g / h
	}
	value = math.Min(maxLeafValue, math.Max(-maxLeafValue, value))

	b.nodes = append(b.nodes, treeNode{
		feature: -1,
		left:    -1,
		right:   -1,
		value:   value * b.learningRate,
	})
	return len(b.nodes) - 1
}

// bestSplit maximizes the Newton gain G_l²/H_l + G_r²/H_r - G²/H over all
// feature/threshold pairs. Ties keep the first candidate encountered.
func (b *treeBuilder) bestSplit(rows []int) split {
	var totalG, totalH float64
	for _, r := range rows {
		totalG += b.grads[r]
		totalH += b.hess[r]
	}
	if totalH <= 0 {
		return split{}
	}
	parentScore := totalG * totalG / totalH

	var best split
	order := make([]int, len(rows))

	for f := 0; f < len(b.X[rows[0]]); f++ {
		copy(order, rows)
		sort.Slice(order, func(i, j int) bool {
			vi, vj := b.X[order[i]][f], b.X[order[j]][f]
			if vi != vj {
				return vi < vj
			}
			return order[i] < order[j]
		})

		var gl, hl float64
		for k := 0; k < len(order)-1; k++ {
			r := order[k]
			gl += b.grads[r]
			hl += b.hess[r]

			v, next := b.X[r][f], b.X[order[k+1]][f]
			if next <= v {
				continue
			}

			gr, hr := totalG-gl, totalH-hl
			if hl <= 0 || hr <= 0 {
				continue
			}
			gain := gl*gl/hl + gr*gr/hr - parentScore
			if gain > best.gain {
				best = split{feature: f, threshold: (v + next) / 2, gain: gain, ok: true}
			}
		}
	}

	if best.gain <= 1e-12 {
		return split{}
	}
	return best
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func normalize(weights []float64) {
	var total float64
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return
	}
	for i := range weights {
		weights[i] /= total
	}
}

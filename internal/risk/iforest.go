package risk

import (
	"context"
	"math"
	"math/rand"
)

const eulerGamma = 0.5772156649015329

type itree struct {
	feature int
	split   float64
	size    int // leaf only
	left    *itree
	right   *itree
}

func (t *itree) leaf() bool { return t.left == nil }

// forest is a fitted isolation forest. It is immutable once built.
type forest struct {
	trees []*itree
	psi   int
}

// growForest builds trees isolation trees, each over sampleSize points drawn
// without replacement.
func growForest(ctx context.Context, data []Vector, trees, sampleSize int, rng *rand.Rand) (*forest, error) {
	psi := sampleSize
	if psi > len(data) {
		psi = len(data)
	}
	limit := int(math.Ceil(math.Log2(float64(psi))))

	f := &forest{trees: make([]*itree, 0, trees), psi: psi}
	buf := make([]Vector, psi)
	for i := 0; i < trees; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for j, idx := range rng.Perm(len(data))[:psi] {
			buf[j] = data[idx]
		}
		f.trees = append(f.trees, growTree(buf, 0, limit, rng))
	}
	return f, nil
}

func growTree(points []Vector, depth, limit int, rng *rand.Rand) *itree {
	if depth >= limit || len(points) <= 1 {
		return &itree{size: len(points)}
	}

	// Only features with spread can split.
	var candidates [Dimensions]int
	var lo, hi [Dimensions]float64
	n := 0
	for d := 0; d < Dimensions; d++ {
		lo[d], hi[d] = points[0][d], points[0][d]
		for _, p := range points[1:] {
			lo[d] = math.Min(lo[d], p[d])
			hi[d] = math.Max(hi[d], p[d])
		}
		if hi[d] > lo[d] {
			candidates[n] = d
			n++
		}
	}
	if n == 0 {
		return &itree{size: len(points)}
	}

	d := candidates[rng.Intn(n)]
	split := lo[d] + rng.Float64()*(hi[d]-lo[d])

	// Partition in place.
	i := 0
	for j := range points {
		if points[j][d] < split {
			points[i], points[j] = points[j], points[i]
			i++
		}
	}
	if i == 0 || i == len(points) {
		return &itree{size: len(points)}
	}

	return &itree{
		feature: d,
		split:   split,
		left:    growTree(points[:i], depth+1, limit, rng),
		right:   growTree(points[i:], depth+1, limit, rng),
	}
}

func pathLength(v Vector, t *itree) float64 {
	depth := 0.0
	for !t.leaf() {
		if v[t.feature] < t.split {
			t = t.left
		} else {
			t = t.right
		}
		depth++
	}
	return depth + avgPath(t.size)
}

// avgPath is c(n), the mean unsuccessful-search path length of a BST.
func avgPath(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// score returns s(x) = 2^(-E[h(x)]/c(psi)) in (0, 1]. Values near 1 are
// anomalous; values well below 0.5 are normal.
func (f *forest) score(v Vector) float64 {
	cn := avgPath(f.psi)
	if cn == 0 {
		return 0.5
	}
	var total float64
	for _, t := range f.trees {
		total += pathLength(v, t)
	}
	mean := total / float64(len(f.trees))
	return math.Pow(2, -mean/cn)
}

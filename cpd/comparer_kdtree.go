package cpd

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// DefaultKDTreeCutoff is the default relative affinity below which the KD-tree
// comparer drops a pair.
const DefaultKDTreeCutoff = 1e-12

// KDTreeComparer approximates the E-step by ignoring pairs that contribute
// less than Cutoff of their fixed point's normalizer. Neighbours are found
// with a KD-tree built over the moving points on every call.
//
// For fixed point i the search radius is set from the larger of the outlier
// constant k and the affinity a0 of the nearest moving point. Every dropped
// affinity is below Cutoff·max(k, a0) ≤ Cutoff·sp_i, which bounds the error
// of each posterior by Cutoff regardless of σ² or the outlier weight.
type KDTreeComparer struct {
	Cutoff float64
}

func (c KDTreeComparer) Compute(fixed, moving *mat.Dense, sigma2, outlierWeight float64) (*Probabilities, error) {
	n, m, d, err := checkClouds(fixed, moving)
	if err != nil {
		return nil, err
	}
	cutoff := c.Cutoff
	if !(cutoff > 0 && cutoff < 1) {
		cutoff = DefaultKDTreeCutoff
	}
	sigma2 = math.Max(sigma2, Sigma2Floor)
	k := outlierConstant(sigma2, outlierWeight, n, m, d)
	ksig := -2 * sigma2
	// Squared distance at which an affinity drops to k; +Inf when k is 0.
	outlierDist := math.Inf(1)
	if k > 0 {
		outlierDist = ksig * math.Log(k)
	}
	margin := ksig * math.Log(cutoff)

	pts := make(cloudPoints, m)
	for j := range pts {
		pts[j] = cloudPoint{coords: moving.RawRowView(j), index: j}
	}
	tree := kdtree.New(pts, false)

	p := newProbabilities(n, m, d, false)
	idx := make([]int, 0, m)
	a := make([]float64, 0, m)
	for i := 0; i < n; i++ {
		x := fixed.RawRowView(i)
		q := cloudPoint{coords: x, index: -1}
		_, nearest := tree.Nearest(q)
		// Log space keeps the radius finite when a0 underflows.
		keeper := kdtree.NewDistKeeper(math.Min(nearest, outlierDist) + margin)
		tree.NearestSet(keeper, q)

		idx, a = idx[:0], a[:0]
		sp := 0.0
		for _, cd := range keeper.Heap {
			if cd.Comparable == nil {
				continue
			}
			v := math.Exp(cd.Dist / ksig)
			idx = append(idx, cd.Comparable.(cloudPoint).index)
			a = append(a, v)
			sp += v
		}
		sp = math.Max(sp+k, NormalizerFloor)

		pt := 0.0
		for q, j := range idx {
			r := a[q] / sp
			p.P1[j] += r
			pt += r
			floats.AddScaled(p.PX.RawRowView(j), r, x)
		}
		p.Pt1[i] = pt
		p.L -= math.Log(sp)
	}
	p.L += float64(d*n) * math.Log(sigma2) / 2
	return p, nil
}

// cloudPoint is one row of a point cloud, remembering its row index.
type cloudPoint struct {
	coords []float64
	index  int
}

func (p cloudPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(cloudPoint)
	return p.coords[d] - q.coords[d]
}

func (p cloudPoint) Dims() int { return len(p.coords) }

// Distance returns the squared Euclidean distance.
func (p cloudPoint) Distance(c kdtree.Comparable) float64 {
	return sqDist(p.coords, c.(cloudPoint).coords)
}

type cloudPoints []cloudPoint

func (p cloudPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p cloudPoints) Len() int                              { return len(p) }
func (p cloudPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p cloudPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(cloudPlane{cloudPoints: p, Dim: d}, kdtree.MedianOfMedians(cloudPlane{cloudPoints: p, Dim: d}))
}

// cloudPlane sorts cloudPoints along one dimension.
type cloudPlane struct {
	cloudPoints
	kdtree.Dim
}

func (p cloudPlane) Less(i, j int) bool {
	return p.cloudPoints[i].coords[p.Dim] < p.cloudPoints[j].coords[p.Dim]
}

func (p cloudPlane) Slice(start, end int) kdtree.SortSlicer {
	return cloudPlane{cloudPoints: p.cloudPoints[start:end], Dim: p.Dim}
}

func (p cloudPlane) Swap(i, j int) {
	p.cloudPoints[i], p.cloudPoints[j] = p.cloudPoints[j], p.cloudPoints[i]
}

package cpd

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Comparer computes the E-step: soft correspondence probabilities between
// the fixed cloud and the current moving estimate.
type Comparer interface {
	Compute(fixed, moving *mat.Dense, sigma2, outlierWeight float64) (*Probabilities, error)
}

var comparers = map[string]func() Comparer{
	"direct": func() Comparer { return DirectComparer{} },
	"kdtree": func() Comparer { return KDTreeComparer{Cutoff: DefaultKDTreeCutoff} },
}

// NewComparer returns the comparer registered under name.
func NewComparer(name string) (Comparer, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = DefaultComparerName
	}
	factory, ok := comparers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownComparer, name, strings.Join(ComparerNames(), ", "))
	}
	return factory(), nil
}

// ComparerNames lists the registered comparer names in sorted order.
func ComparerNames() []string {
	names := make([]string, 0, len(comparers))
	for name := range comparers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// outlierConstant is the uniform-component term added to every
// fixed-point normalizer: (2πσ²)^(D/2) · w/(1−w) · M/N.
func outlierConstant(sigma2, w float64, n, m, d int) float64 {
	if w == 0 {
		return 0
	}
	return math.Pow(2*math.Pi*sigma2, float64(d)/2) * w / (1 - w) * float64(m) / float64(n)
}

// DirectComparer evaluates every fixed/moving pair exactly. O(N·M·D).
type DirectComparer struct {
	// Correspondence requests the per-moving-point hard assignment.
	Correspondence bool
}

func (c DirectComparer) Compute(fixed, moving *mat.Dense, sigma2, outlierWeight float64) (*Probabilities, error) {
	n, m, d, err := checkClouds(fixed, moving)
	if err != nil {
		return nil, err
	}
	sigma2 = math.Max(sigma2, Sigma2Floor)
	k := outlierConstant(sigma2, outlierWeight, n, m, d)
	ksig := -2 * sigma2

	p := newProbabilities(n, m, d, c.Correspondence)
	var best []float64
	if c.Correspondence {
		best = make([]float64, m)
		for j := range best {
			best[j] = math.Inf(-1)
		}
	}

	a := make([]float64, m)
	dist := make([]float64, m)
	for i := 0; i < n; i++ {
		x := fixed.RawRowView(i)
		sp := 0.0
		for j := 0; j < m; j++ {
			dist[j] = sqDist(x, moving.RawRowView(j))
			a[j] = math.Exp(dist[j] / ksig)
			sp += a[j]
		}
		sp = math.Max(sp+k, NormalizerFloor)
		logSp := math.Log(sp)

		pt := 0.0
		for j := 0; j < m; j++ {
			r := a[j] / sp
			p.P1[j] += r
			pt += r
			floats.AddScaled(p.PX.RawRowView(j), r, x)
			// Compare log(a_ij/sp_i) so that underflowed affinities still rank.
			if best != nil {
				if score := dist[j]/ksig - logSp; score > best[j] {
					best[j] = score
					p.Correspondence[j] = i
				}
			}
		}
		p.Pt1[i] = pt
		p.L -= logSp
	}
	p.L += float64(d*n) * math.Log(sigma2) / 2
	return p, nil
}

// DefaultSigma2 is the mean squared distance over all fixed/moving pairs,
// divided by D: Σ_ij ||x_i − y_j||² / (D·N·M).
func DefaultSigma2(fixed, moving *mat.Dense) float64 {
	n, d := fixed.Dims()
	m, _ := moving.Dims()
	sx := make([]float64, d)
	sy := make([]float64, d)
	var xx, yy float64
	for i := 0; i < n; i++ {
		row := fixed.RawRowView(i)
		floats.Add(sx, row)
		xx += floats.Dot(row, row)
	}
	for j := 0; j < m; j++ {
		row := moving.RawRowView(j)
		floats.Add(sy, row)
		yy += floats.Dot(row, row)
	}
	num := float64(m)*xx + float64(n)*yy - 2*floats.Dot(sx, sy)
	return num / float64(d*n*m)
}

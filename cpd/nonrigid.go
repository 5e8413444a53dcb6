package cpd

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	// DefaultBeta is the width of the Gaussian motion-coherence kernel.
	DefaultBeta = 3.0
	// DefaultLambda weighs the smoothness prior against the data term.
	DefaultLambda = 3.0
)

// NonrigidParams describes a displacement field: aligned = moving + G·W,
// where G is the Gaussian kernel of width Beta over the moving points.
type NonrigidParams struct {
	W      *mat.Dense
	Beta   float64
	Lambda float64
}

func (*NonrigidParams) Kind() Kind { return KindNonrigid }

// Nonrigid is the coherent point drift displacement-field transform.
type Nonrigid struct {
	Beta   float64
	Lambda float64

	g *mat.SymDense
	w *mat.Dense
}

// NewNonrigid returns a nonrigid transform with the default beta and lambda.
func NewNonrigid() *Nonrigid {
	return &Nonrigid{Beta: DefaultBeta, Lambda: DefaultLambda}
}

func (*Nonrigid) Kind() Kind { return KindNonrigid }

// Init builds the M×M kernel over the moving points and zeroes W.
func (t *Nonrigid) Init(fixed, moving *mat.Dense) error {
	if !(t.Beta > 0) || math.IsInf(t.Beta, 0) {
		return fmt.Errorf("%w: beta must be a positive finite number, got %g", ErrInvalidConfig, t.Beta)
	}
	if !(t.Lambda > 0) || math.IsInf(t.Lambda, 0) {
		return fmt.Errorf("%w: lambda must be a positive finite number, got %g", ErrInvalidConfig, t.Lambda)
	}
	m, d := moving.Dims()
	t.g = affinity(moving, t.Beta)
	t.w = mat.NewDense(m, d, nil)
	return nil
}

// ModifyProbabilities adds the smoothness penalty λ/2·tr(Wᵀ·G·W) to p.L.
func (t *Nonrigid) ModifyProbabilities(p *Probabilities) {
	if t.g == nil {
		return
	}
	var gw, wgw mat.Dense
	gw.Mul(t.g, t.w)
	wgw.Mul(t.w.T(), &gw)
	p.L += t.Lambda / 2 * mat.Trace(&wgw)
}

func (t *Nonrigid) Compute(fixed, moving *mat.Dense, p *Probabilities, sigma2 float64) (*Estimate, error) {
	if t.g == nil {
		if err := t.Init(fixed, moving); err != nil {
			return nil, err
		}
	}
	m, d := moving.Dims()
	np := math.Max(floats.Sum(p.P1), NormalizerFloor)

	// (diag(P1)·G + λσ²·I)·W = PX − diag(P1)·Y
	a := mat.NewDense(m, m, nil)
	rhs := mat.DenseCopyOf(p.PX)
	reg := t.Lambda * sigma2
	for j := 0; j < m; j++ {
		pj := p.P1[j]
		row := a.RawRowView(j)
		for k := range row {
			row[k] = pj * t.g.At(j, k)
		}
		row[j] += reg
		floats.AddScaled(rhs.RawRowView(j), -pj, moving.RawRowView(j))
	}
	w, ill := solve(a, rhs)
	t.w = w

	points := mat.NewDense(m, d, nil)
	points.Mul(t.g, t.w)
	points.Add(points, moving)

	var pxt mat.Dense
	pxt.Mul(p.PX.T(), points)
	xx := weightedSquaredNorm(fixed, p.Pt1)
	tt := weightedSquaredNorm(points, p.P1)
	s2 := math.Abs(xx+tt-2*mat.Trace(&pxt)) / (np * float64(d))

	return &Estimate{
		Points:         points,
		Sigma2:         s2,
		Params:         &NonrigidParams{W: mat.DenseCopyOf(t.w), Beta: t.Beta, Lambda: t.Lambda},
		IllConditioned: ill,
	}, nil
}

// Denormalize rescales W so that aligned = moving + G·W holds in input units.
func (*Nonrigid) Denormalize(n *Normalization, e *Estimate) {
	e.Points = n.Denormalize(e.Points)
	if p, ok := e.Params.(*NonrigidParams); ok {
		p.W.Scale(n.Scale, p.W)
	}
}

// affinity is the Gaussian kernel G_ij = exp(−||y_i−y_j||²/(2β²)).
func affinity(points *mat.Dense, beta float64) *mat.SymDense {
	m, _ := points.Dims()
	g := mat.NewSymDense(m, nil)
	k := -2 * beta * beta
	for i := 0; i < m; i++ {
		yi := points.RawRowView(i)
		g.SetSym(i, i, 1)
		for j := i + 1; j < m; j++ {
			g.SetSym(i, j, math.Exp(sqDist(yi, points.RawRowView(j))/k))
		}
	}
	return g
}

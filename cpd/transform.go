package cpd

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Transform is the M-step strategy of a registration run.
//
// A Transform carries per-run state between Init and Denormalize and
// must not be shared between concurrent runs.
type Transform interface {
	Kind() Kind
	// Init derives per-run state from the (possibly normalized) clouds.
	Init(fixed, moving *mat.Dense) error
	// ModifyProbabilities may add a regularization penalty to p.L.
	ModifyProbabilities(p *Probabilities)
	// Compute fits new parameters to p and applies them to moving,
	// which is always the cloud passed to Init.
	Compute(fixed, moving *mat.Dense, p *Probabilities, sigma2 float64) (*Estimate, error)
	// Denormalize maps e from normalized space back to input space.
	Denormalize(n *Normalization, e *Estimate)
}

// NewTransform returns a transform of the given kind with default settings.
func NewTransform(kind Kind) (Transform, error) {
	switch kind {
	case KindRigid:
		return NewRigid(), nil
	case KindAffine:
		return NewAffine(), nil
	case KindNonrigid:
		return NewNonrigid(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransform, kind)
	}
}

// solve returns x with a·x = b. QR is tried first; a singular or
// near-singular a falls back to the minimum-norm SVD solution and reports
// illConditioned.
func solve(a, b mat.Matrix) (x *mat.Dense, illConditioned bool) {
	x = &mat.Dense{}
	var qr mat.QR
	qr.Factorize(a)
	if err := qr.SolveTo(x, false, b); err == nil {
		return x, false
	}
	_, c := a.Dims()
	_, bc := b.Dims()
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return mat.NewDense(c, bc, nil), true
	}
	rank := svd.Rank(1e-15)
	if rank == 0 {
		return mat.NewDense(c, bc, nil), true
	}
	x = &mat.Dense{}
	svd.SolveTo(x, b, rank)
	return x, true
}

// cloudStats are the probability-weighted moments shared by the rigid and
// affine M-steps.
type cloudStats struct {
	np     float64
	muX    []float64
	muY    []float64
	xHat   *mat.Dense // fixed centered on muX
	yHat   *mat.Dense // moving centered on muY
	xx     float64    // Σ Pt1_i ||x̂_i||²
	yy     float64    // Σ P1_j ||ŷ_j||²
	cross  *mat.Dense // PXᵀ·Y − Np·μx·μyᵀ
	weight []float64  // P1
}

func newCloudStats(fixed, moving *mat.Dense, p *Probabilities) *cloudStats {
	np := 0.0
	for _, v := range p.P1 {
		np += v
	}
	np = math.Max(np, NormalizerFloor)

	s := &cloudStats{np: np, weight: p.P1}
	s.muX = weightedMean(fixed, p.Pt1, np)
	s.muY = weightedMean(moving, p.P1, np)
	s.xHat = center(fixed, s.muX)
	s.yHat = center(moving, s.muY)
	s.xx = weightedSquaredNorm(s.xHat, p.Pt1)
	s.yy = weightedSquaredNorm(s.yHat, p.P1)

	_, d := fixed.Dims()
	s.cross = mat.NewDense(d, d, nil)
	s.cross.Mul(p.PX.T(), moving)
	for r := 0; r < d; r++ {
		for c := 0; c < d; c++ {
			s.cross.Set(r, c, s.cross.At(r, c)-np*s.muX[r]*s.muY[c])
		}
	}
	return s
}

// applyLinear returns s·points·Mᵀ + t for every row.
func applyLinear(points *mat.Dense, m mat.Matrix, s float64, t []float64) *mat.Dense {
	r, d := points.Dims()
	out := mat.NewDense(r, d, nil)
	out.Mul(points, m.T())
	if s != 1 {
		out.Scale(s, out)
	}
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		for k := range row {
			row[k] += t[k]
		}
	}
	return out
}

// denormalizeTranslation maps a translation fitted in normalized space to
// input space: t' = scale·t + μ − s·M·μ.
func denormalizeTranslation(n *Normalization, m mat.Matrix, s float64, t []float64) []float64 {
	d := len(t)
	mu := mat.NewVecDense(d, n.FixedMean)
	var mm mat.VecDense
	mm.MulVec(m, mu)
	out := make([]float64, d)
	for k := range out {
		out[k] = n.Scale*t[k] + n.FixedMean[k] - s*mm.AtVec(k)
	}
	return out
}

package cpd

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// AffineParams is a general linear map plus translation: x = Matrix·y + Translation.
type AffineParams struct {
	Matrix      *mat.Dense
	Translation []float64
}

func (*AffineParams) Kind() Kind { return KindAffine }

// Apply transforms every row of points.
func (p *AffineParams) Apply(points *mat.Dense) *mat.Dense {
	return applyLinear(points, p.Matrix, 1, p.Translation)
}

// Affine fits an unconstrained linear map and translation.
type Affine struct{}

func NewAffine() *Affine { return &Affine{} }

func (*Affine) Kind() Kind { return KindAffine }

func (*Affine) Init(fixed, moving *mat.Dense) error { return nil }

func (*Affine) ModifyProbabilities(*Probabilities) {}

func (*Affine) Compute(fixed, moving *mat.Dense, p *Probabilities, sigma2 float64) (*Estimate, error) {
	st := newCloudStats(fixed, moving, p)
	_, d := fixed.Dims()

	// B2 = Ŷᵀ·diag(P1)·Ŷ
	weighted := mat.DenseCopyOf(st.yHat)
	for j, w := range st.weight {
		row := weighted.RawRowView(j)
		for k := range row {
			row[k] *= w
		}
	}
	b2 := mat.NewDense(d, d, nil)
	b2.Mul(st.yHat.T(), weighted)

	// B2 is symmetric, so B = B1·B2⁻¹ is the transpose of B2⁻¹·B1ᵀ.
	bt, ill := solve(b2, st.cross.T())
	b := mat.DenseCopyOf(bt.T())

	var b1bt mat.Dense
	b1bt.Mul(st.cross, bt)
	s2 := math.Abs(st.xx-mat.Trace(&b1bt)) / (st.np * float64(d))

	var bmu mat.VecDense
	bmu.MulVec(b, mat.NewVecDense(d, st.muY))
	t := make([]float64, d)
	for k := range t {
		t[k] = st.muX[k] - bmu.AtVec(k)
	}

	params := &AffineParams{Matrix: b, Translation: t}
	return &Estimate{Points: params.Apply(moving), Sigma2: s2, Params: params, IllConditioned: ill}, nil
}

func (*Affine) Denormalize(n *Normalization, e *Estimate) {
	e.Points = n.Denormalize(e.Points)
	if p, ok := e.Params.(*AffineParams); ok {
		p.Translation = denormalizeTranslation(n, p.Matrix, 1, p.Translation)
	}
}

package cpd

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// RigidParams is a similarity transform x = Scale·Rotation·y + Translation.
type RigidParams struct {
	Rotation    *mat.Dense
	Scale       float64
	Translation []float64
}

func (*RigidParams) Kind() Kind { return KindRigid }

// Apply transforms every row of points.
func (p *RigidParams) Apply(points *mat.Dense) *mat.Dense {
	return applyLinear(points, p.Rotation, p.Scale, p.Translation)
}

// Rigid fits rotation, translation and optionally a uniform scale.
type Rigid struct {
	// Scale allows a uniform scale factor other than one.
	Scale bool
	// Reflections allows an orthogonal matrix with determinant −1.
	Reflections bool
}

// NewRigid returns a rigid transform without scaling or reflections.
func NewRigid() *Rigid { return &Rigid{} }

func (*Rigid) Kind() Kind { return KindRigid }

func (*Rigid) Init(fixed, moving *mat.Dense) error { return nil }

func (*Rigid) ModifyProbabilities(*Probabilities) {}

func (r *Rigid) Compute(fixed, moving *mat.Dense, p *Probabilities, sigma2 float64) (*Estimate, error) {
	st := newCloudStats(fixed, moving, p)
	_, d := fixed.Dims()

	var svd mat.SVD
	if !svd.Factorize(st.cross, mat.SVDFull) {
		// No usable decomposition; keep the points where they are.
		return &Estimate{
			Points: mat.DenseCopyOf(moving),
			Sigma2: sigma2,
			Params: &RigidParams{Rotation: identity(d), Scale: 1, Translation: make([]float64, d)},
		}, nil
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	sv := svd.Values(nil)

	c := make([]float64, d)
	for k := range c {
		c[k] = 1
	}
	if !r.Reflections {
		var uvt mat.Dense
		uvt.Mul(&u, v.T())
		if mat.Det(&uvt) < 0 {
			c[d-1] = -1
		}
	}

	var uc, rot mat.Dense
	uc.Mul(&u, mat.NewDiagDense(d, c))
	rot.Mul(&uc, v.T())

	trSC := 0.0
	for k := range sv {
		trSC += sv[k] * c[k]
	}

	scale := 1.0
	var s2 float64
	if r.Scale {
		scale = trSC / math.Max(st.yy, NormalizerFloor)
		s2 = math.Abs(st.xx-scale*trSC) / (st.np * float64(d))
	} else {
		s2 = math.Abs(st.xx+st.yy-2*trSC) / (st.np * float64(d))
	}

	var rmu mat.VecDense
	rmu.MulVec(&rot, mat.NewVecDense(d, st.muY))
	t := make([]float64, d)
	for k := range t {
		t[k] = st.muX[k] - scale*rmu.AtVec(k)
	}

	params := &RigidParams{Rotation: &rot, Scale: scale, Translation: t}
	return &Estimate{Points: params.Apply(moving), Sigma2: s2, Params: params}, nil
}

func (*Rigid) Denormalize(n *Normalization, e *Estimate) {
	e.Points = n.Denormalize(e.Points)
	if p, ok := e.Params.(*RigidParams); ok {
		p.Translation = denormalizeTranslation(n, p.Rotation, p.Scale, p.Translation)
	}
}

func identity(d int) *mat.Dense {
	m := mat.NewDense(d, d, nil)
	for k := 0; k < d; k++ {
		m.Set(k, k, 1)
	}
	return m
}

package cpd

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Normalization captures the centering and isotropic scaling applied to a
// fixed/moving pair before registration.
type Normalization struct {
	// FixedMean is the centroid of the fixed cloud, subtracted from both clouds.
	FixedMean []float64
	// Scale is the common isotropic scale factor. Always >= ScaleFloor.
	Scale float64
	// Fixed and Moving are the normalized copies.
	Fixed  *mat.Dense
	Moving *mat.Dense
}

// Normalize centers both clouds on the fixed centroid and divides them by
// the root mean squared norm of the pooled, centered points.
//
// A degenerate pair (every point on the centroid) would give a zero scale;
// the scale is clamped to ScaleFloor instead of failing.
func Normalize(fixed, moving *mat.Dense) (*Normalization, error) {
	n, m, d, err := checkClouds(fixed, moving)
	if err != nil {
		return nil, err
	}

	mean := make([]float64, d)
	for i := 0; i < n; i++ {
		row := fixed.RawRowView(i)
		for k := range mean {
			mean[k] += row[k]
		}
	}
	for k := range mean {
		mean[k] /= float64(n)
	}

	fc := center(fixed, mean)
	mc := center(moving, mean)

	var ss float64
	for _, c := range []*mat.Dense{fc, mc} {
		r, _ := c.Dims()
		for i := 0; i < r; i++ {
			row := c.RawRowView(i)
			for _, v := range row {
				ss += v * v
			}
		}
	}
	scale := math.Sqrt(ss / float64(n+m))
	if !(scale >= ScaleFloor) {
		scale = ScaleFloor
	}

	fc.Scale(1/scale, fc)
	mc.Scale(1/scale, mc)

	return &Normalization{
		FixedMean: mean,
		Scale:     scale,
		Fixed:     fc,
		Moving:    mc,
	}, nil
}

// Apply maps points from input space into normalized space.
func (n *Normalization) Apply(points *mat.Dense) *mat.Dense {
	out := center(points, n.FixedMean)
	out.Scale(1/n.Scale, out)
	return out
}

// Denormalize maps points from normalized space back to input space:
// points·scale + fixed mean. The argument is left untouched.
func (n *Normalization) Denormalize(points *mat.Dense) *mat.Dense {
	r, c := points.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		src := points.RawRowView(i)
		dst := out.RawRowView(i)
		for k := range dst {
			dst[k] = src[k]*n.Scale + n.FixedMean[k]
		}
	}
	return out
}

// center returns a copy of a with mean subtracted from every row.
func center(a *mat.Dense, mean []float64) *mat.Dense {
	r, c := a.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		src := a.RawRowView(i)
		dst := out.RawRowView(i)
		for k := range dst {
			dst[k] = src[k] - mean[k]
		}
	}
	return out
}

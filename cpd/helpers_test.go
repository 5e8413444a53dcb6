package cpd

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// randomCloud returns n points drawn uniformly from [-1,1]^d.
func randomCloud(rng *rand.Rand, n, d int) *mat.Dense {
	data := make([]float64, n*d)
	for i := range data {
		data[i] = 2*rng.Float64() - 1
	}
	return mat.NewDense(n, d, data)
}

// translated returns a copy of a with t added to every row.
func translated(a *mat.Dense, t []float64) *mat.Dense {
	out := mat.DenseCopyOf(a)
	r, _ := out.Dims()
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		for k := range row {
			row[k] += t[k]
		}
	}
	return out
}

// rotationZ returns the 3-D rotation by theta radians about the z axis.
func rotationZ(theta float64) *mat.Dense {
	c, s := math.Cos(theta), math.Sin(theta)
	return mat.NewDense(3, 3, []float64{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	})
}

// rotated returns a·Rᵀ, i.e. R applied to every row of a.
func rotated(a, r *mat.Dense) *mat.Dense {
	n, d := a.Dims()
	out := mat.NewDense(n, d, nil)
	out.Mul(a, r.T())
	return out
}

// jitter adds zero-mean Gaussian noise with the given standard deviation.
func jitter(rng *rand.Rand, a *mat.Dense, sd float64) *mat.Dense {
	out := mat.DenseCopyOf(a)
	r, _ := out.Dims()
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		for k := range row {
			row[k] += sd * rng.NormFloat64()
		}
	}
	return out
}

// maxAbsDiff is the largest elementwise difference between a and b.
func maxAbsDiff(a, b mat.Matrix) float64 {
	var diff mat.Dense
	diff.Sub(a, b)
	r, c := diff.Dims()
	m := 0.0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m = math.Max(m, math.Abs(diff.At(i, j)))
		}
	}
	return m
}

// recordingObserver keeps every event it receives.
type recordingObserver struct {
	starts     []StartEvent
	iterations []IterationEvent
	results    []*Result
}

func (o *recordingObserver) OnStart(e StartEvent)         { o.starts = append(o.starts, e) }
func (o *recordingObserver) OnIteration(e IterationEvent) { o.iterations = append(o.iterations, e) }
func (o *recordingObserver) OnFinish(r *Result)           { o.results = append(o.results, r) }

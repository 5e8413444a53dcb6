package cpd

import (
	"fmt"
	"math"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"
)

const machineEpsilon = 0x1p-52

const (
	// Sigma2Floor is the smallest variance the E-step will divide by.
	// The EM loop also stops once sigma2 falls to this value.
	Sigma2Floor = 10 * machineEpsilon
	// NormalizerFloor bounds each per-fixed-point normalizer away from zero.
	NormalizerFloor = 1e-300
	// ScaleFloor is the smallest normalization scale; smaller scales are clamped.
	ScaleFloor = 1e-12
)

// Kind names a transform family.
type Kind string

const (
	KindRigid    Kind = "rigid"
	KindAffine   Kind = "affine"
	KindNonrigid Kind = "nonrigid"
)

// ParseKind maps a user supplied name onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindRigid, KindAffine, KindNonrigid:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTransform, s)
	}
}

// Probabilities is the output of one E-step.
type Probabilities struct {
	// P1 is the marginal correspondence weight of each moving point (len M).
	P1 []float64
	// Pt1 is the marginal correspondence weight of each fixed point (len N).
	Pt1 []float64
	// PX aggregates fixed points by correspondence weight (M×D).
	PX *mat.Dense
	// L is the negative log-likelihood proxy used for convergence.
	L float64
	// Correspondence holds, per moving point, the index of the most likely
	// fixed point. Only filled by comparers asked to produce it.
	Correspondence []int
}

func newProbabilities(n, m, d int, correspondence bool) *Probabilities {
	p := &Probabilities{
		P1:  make([]float64, m),
		Pt1: make([]float64, n),
		PX:  mat.NewDense(m, d, nil),
	}
	if correspondence {
		p.Correspondence = make([]int, m)
	}
	return p
}

// Params is the fitted transform of a run. Concrete values are
// *RigidParams, *AffineParams and *NonrigidParams.
type Params interface {
	Kind() Kind
}

// Estimate is the output of one M-step.
type Estimate struct {
	Points *mat.Dense
	Sigma2 float64
	Params Params
	// IllConditioned reports a near-singular linear solve in this step.
	IllConditioned bool
}

// StopReason records which loop condition ended a run.
type StopReason string

const (
	StopConverged     StopReason = "converged"
	StopMaxIterations StopReason = "max_iterations"
	StopSigma2Floor   StopReason = "sigma2_floor"
)

// Result is the outcome of a registration run.
type Result struct {
	Transform  Kind
	Points     *mat.Dense
	Sigma2     float64
	Iterations int
	Runtime    time.Duration
	StopReason StopReason
	// Params is nil when no iteration ran.
	Params Params
	// Correspondence is nil unless requested in Config.
	Correspondence []int
}

// Converged reports whether the likelihood tolerance was met.
func (r *Result) Converged() bool {
	return r.StopReason == StopConverged
}

// AverageTranslation returns the column means of points − moving.
func (r *Result) AverageTranslation(moving *mat.Dense) []float64 {
	rows, cols := r.Points.Dims()
	out := make([]float64, cols)
	if rows == 0 {
		return out
	}
	for i := 0; i < rows; i++ {
		p := r.Points.RawRowView(i)
		q := moving.RawRowView(i)
		for k := range out {
			out[k] += p[k] - q[k]
		}
	}
	for k := range out {
		out[k] /= float64(rows)
	}
	return out
}

func (r *Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "transform: %s\n", r.Transform)
	fmt.Fprintf(&b, "iterations: %d (%s)\n", r.Iterations, r.StopReason)
	fmt.Fprintf(&b, "sigma2: %g\n", r.Sigma2)
	fmt.Fprintf(&b, "runtime: %s\n", r.Runtime)
	switch p := r.Params.(type) {
	case *RigidParams:
		fmt.Fprintf(&b, "rotation:\n%v\n", mat.Formatted(p.Rotation, mat.Prefix("  "), mat.Squeeze()))
		fmt.Fprintf(&b, "scale: %g\n", p.Scale)
		fmt.Fprintf(&b, "translation: %v\n", p.Translation)
	case *AffineParams:
		fmt.Fprintf(&b, "matrix:\n%v\n", mat.Formatted(p.Matrix, mat.Prefix("  "), mat.Squeeze()))
		fmt.Fprintf(&b, "translation: %v\n", p.Translation)
	case *NonrigidParams:
		fmt.Fprintf(&b, "beta: %g lambda: %g\n", p.Beta, p.Lambda)
	}
	return b.String()
}

// checkClouds validates a fixed/moving pair and returns N, M and D.
func checkClouds(fixed, moving *mat.Dense) (n, m, d int, err error) {
	if fixed == nil || fixed.IsEmpty() {
		return 0, 0, 0, fmt.Errorf("fixed: %w", ErrEmptyCloud)
	}
	if moving == nil || moving.IsEmpty() {
		return 0, 0, 0, fmt.Errorf("moving: %w", ErrEmptyCloud)
	}
	n, d = fixed.Dims()
	m, dm := moving.Dims()
	if d != dm {
		return 0, 0, 0, fmt.Errorf("%w: fixed has %d columns, moving has %d", ErrDimensionMismatch, d, dm)
	}
	if !finite(fixed) {
		return 0, 0, 0, fmt.Errorf("fixed: %w", ErrNonFinite)
	}
	if !finite(moving) {
		return 0, 0, 0, fmt.Errorf("moving: %w", ErrNonFinite)
	}
	return n, m, d, nil
}

func finite(a *mat.Dense) bool {
	r, _ := a.Dims()
	for i := 0; i < r; i++ {
		for _, v := range a.RawRowView(i) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// sqDist is the squared Euclidean distance between two rows.
func sqDist(a, b []float64) float64 {
	var s float64
	for k := range a {
		d := a[k] - b[k]
		s += d * d
	}
	return s
}

// weightedMean returns aᵀ·w / total.
func weightedMean(a *mat.Dense, w []float64, total float64) []float64 {
	_, d := a.Dims()
	mu := make([]float64, d)
	for i, wi := range w {
		row := a.RawRowView(i)
		for k := range mu {
			mu[k] += wi * row[k]
		}
	}
	for k := range mu {
		mu[k] /= total
	}
	return mu
}

// weightedSquaredNorm returns Σ w_i·||a_i||².
func weightedSquaredNorm(a *mat.Dense, w []float64) float64 {
	var s float64
	for i, wi := range w {
		row := a.RawRowView(i)
		var n float64
		for _, v := range row {
			n += v * v
		}
		s += wi * n
	}
	return s
}

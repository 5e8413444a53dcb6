package cpd

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Clock returns the current time. Runners use it to measure runtime.
type Clock func() time.Time

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the structured logger. A nil logger discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithObserver registers an Observer for progress events.
func WithObserver(o Observer) Option {
	return func(r *Runner) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithClock replaces time.Now.
func WithClock(c Clock) Option {
	return func(r *Runner) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithComparer overrides the comparer named in Config.
func WithComparer(c Comparer) Option {
	return func(r *Runner) {
		if c != nil {
			r.comparer = c
		}
	}
}

// Runner drives the EM loop for one transform.
//
// A Runner may be reused for independent runs, one at a time. It must not
// be used from several goroutines at once because the Transform keeps
// per-run state.
type Runner struct {
	cfg          Config
	transform    Transform
	comparer     Comparer
	comparerName string
	logger       *slog.Logger
	observer     Observer
	clock        Clock
}

// NewRunner validates cfg and returns a Runner for t.
func NewRunner(cfg Config, t Transform, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: nil transform", ErrUnknownTransform)
	}
	r := &Runner{
		cfg:       cfg,
		transform: t,
		logger:    slog.New(slog.DiscardHandler),
		observer:  nopObserver{},
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.comparer == nil {
		c, err := NewComparer(cfg.Comparer)
		if err != nil {
			return nil, err
		}
		r.comparer = c
		r.comparerName = cfg.Comparer
	} else {
		r.comparerName = fmt.Sprintf("%T", r.comparer)
	}
	if r.comparerName == "" {
		r.comparerName = DefaultComparerName
	}
	return r, nil
}

// Config returns the validated configuration.
func (r *Runner) Config() Config { return r.cfg }

// Run registers moving onto fixed. Neither matrix is modified.
func (r *Runner) Run(fixed, moving *mat.Dense) (*Result, error) {
	start := r.clock()
	n, m, d, err := checkClouds(fixed, moving)
	if err != nil {
		return nil, err
	}
	kind := r.transform.Kind()
	log := r.logger.With("transform", string(kind))
	log.Info("starting registration", "fixed_points", n, "moving_points", m, "dimensions", d)

	f, mv := fixed, moving
	var norm *Normalization
	if r.cfg.Normalize {
		norm, err = Normalize(fixed, moving)
		if err != nil {
			return nil, err
		}
		f, mv = norm.Fixed, norm.Moving
		log.Debug("normalized clouds", "scale", norm.Scale, "mean", norm.FixedMean)
	}

	sigma2, source := r.cfg.InitialSigma2, "configured"
	if sigma2 == 0 {
		sigma2, source = DefaultSigma2(f, mv), "computed"
	}
	log.Info("initial sigma2", "source", source, "sigma2", sigma2)

	if err := r.transform.Init(f, mv); err != nil {
		return nil, fmt.Errorf("initializing %s transform: %w", kind, err)
	}
	r.observer.OnStart(StartEvent{
		Transform:    kind,
		Comparer:     r.comparerName,
		FixedPoints:  n,
		MovingPoints: m,
		Dimensions:   d,
		Sigma2:       sigma2,
		Sigma2Source: source,
		Normalized:   norm != nil,
	})

	var (
		est    *Estimate
		points = mv
		lPrev  = 0.0
		ntol   = r.cfg.Tolerance + 10
		iter   = 0
	)
	for iter < r.cfg.MaxIterations && ntol > r.cfg.Tolerance && sigma2 > Sigma2Floor {
		p, err := r.comparer.Compute(f, points, sigma2, r.cfg.OutlierWeight)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: computing probabilities: %w", iter, err)
		}
		r.transform.ModifyProbabilities(p)
		ntol = relativeChange(p.L, lPrev)
		lPrev = p.L

		est, err = r.transform.Compute(f, mv, p, sigma2)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: computing %s transform: %w", iter, kind, err)
		}
		if est.IllConditioned {
			log.Warn("near-singular linear solve", "iter", iter)
		}
		points, sigma2 = est.Points, est.Sigma2
		iter++

		log.Debug("iteration", "iter", iter, "dL", ntol, "sigma2", sigma2)
		r.observer.OnIteration(IterationEvent{Iteration: iter, L: p.L, Change: ntol, Sigma2: sigma2})
	}

	reason := StopMaxIterations
	switch {
	case ntol <= r.cfg.Tolerance:
		reason = StopConverged
	case !(sigma2 > Sigma2Floor):
		reason = StopSigma2Floor
	}

	if est == nil {
		est = &Estimate{Points: mat.DenseCopyOf(points), Sigma2: sigma2}
	}
	if norm != nil {
		r.transform.Denormalize(norm, est)
		est.Sigma2 *= norm.Scale * norm.Scale
	}

	result := &Result{
		Transform:  kind,
		Points:     est.Points,
		Sigma2:     est.Sigma2,
		Iterations: iter,
		StopReason: reason,
		Params:     est.Params,
	}

	if r.cfg.Correspondence {
		p, err := DirectComparer{Correspondence: true}.Compute(fixed, result.Points, math.Max(result.Sigma2, Sigma2Floor), r.cfg.OutlierWeight)
		if err != nil {
			return nil, fmt.Errorf("computing correspondence: %w", err)
		}
		result.Correspondence = p.Correspondence
	}

	result.Runtime = r.clock().Sub(start)
	log.Info("registration finished",
		"iterations", result.Iterations,
		"stop_reason", string(result.StopReason),
		"sigma2", result.Sigma2,
		"runtime", result.Runtime,
	)
	r.observer.OnFinish(result)
	return result, nil
}

// relativeChange is |(l − prev)/l|, or the absolute change when l is
// too close to zero to divide by.
func relativeChange(l, prev float64) float64 {
	diff := math.Abs(l - prev)
	if math.Abs(l) < machineEpsilon {
		return diff
	}
	return diff / math.Abs(l)
}

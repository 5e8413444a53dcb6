package cpd

// StartEvent is emitted once per run, after normalization and before the
// first iteration.
type StartEvent struct {
	Transform    Kind
	Comparer     string
	FixedPoints  int
	MovingPoints int
	Dimensions   int
	Sigma2       float64
	// Sigma2Source is "configured" or "computed".
	Sigma2Source string
	Normalized   bool
}

// IterationEvent is emitted after every M-step.
type IterationEvent struct {
	Iteration int
	// L is the likelihood objective of the E-step, penalty included.
	L float64
	// Change is the relative change of L used for the convergence test.
	Change float64
	// Sigma2 is the variance produced by the M-step, in normalized units
	// when normalization is enabled.
	Sigma2 float64
}

// Observer receives typed progress events from a Runner. Implementations
// are called synchronously from the registering goroutine.
type Observer interface {
	OnStart(StartEvent)
	OnIteration(IterationEvent)
	OnFinish(*Result)
}

type nopObserver struct{}

func (nopObserver) OnStart(StartEvent)         {}
func (nopObserver) OnIteration(IterationEvent) {}
func (nopObserver) OnFinish(*Result)           {}

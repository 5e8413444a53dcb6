package cloud

import "github.com/kwv/cpdmesh/cpd"

// MultiObserver forwards every event to each observer in order.
type MultiObserver []cpd.Observer

// NewMultiObserver drops nil entries.
func NewMultiObserver(observers ...cpd.Observer) MultiObserver {
	out := make(MultiObserver, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (m MultiObserver) OnStart(e cpd.StartEvent) {
	for _, o := range m {
		o.OnStart(e)
	}
}

func (m MultiObserver) OnIteration(e cpd.IterationEvent) {
	for _, o := range m {
		o.OnIteration(e)
	}
}

func (m MultiObserver) OnFinish(r *cpd.Result) {
	for _, o := range m {
		o.OnFinish(r)
	}
}

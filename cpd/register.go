package cpd

import "gonum.org/v1/gonum/mat"

// Register runs a registration of the given kind with DefaultConfig and the
// transform's default settings.
func Register(kind Kind, fixed, moving *mat.Dense, opts ...Option) (*Result, error) {
	t, err := NewTransform(kind)
	if err != nil {
		return nil, err
	}
	r, err := NewRunner(DefaultConfig(), t, opts...)
	if err != nil {
		return nil, err
	}
	return r.Run(fixed, moving)
}

package cpd

import (
	"fmt"
	"math"
)

const (
	// DefaultMaxIterations is the iteration cap used when none is configured.
	DefaultMaxIterations = 150
	// DefaultNormalize controls whether clouds are normalized before registration.
	DefaultNormalize = true
	// DefaultOutlierWeight is the prior mass of the uniform outlier component.
	DefaultOutlierWeight = 0.1
	// DefaultTolerance is the relative likelihood change that ends the loop.
	DefaultTolerance = 1e-5
	// DefaultSigma2Value of zero means sigma2 is derived from the data.
	DefaultSigma2Value = 0.0
	// DefaultCorrespondence controls the final hard-assignment pass.
	DefaultCorrespondence = false
	// DefaultComparerName selects the exact pairwise comparer.
	DefaultComparerName = "direct"
)

// Config holds the registration knobs consumed by a Runner.
// The zero value is not valid; start from DefaultConfig.
type Config struct {
	MaxIterations  int     `yaml:"maxIterations" json:"maxIterations"`
	Normalize      bool    `yaml:"normalize" json:"normalize"`
	OutlierWeight  float64 `yaml:"outlierWeight" json:"outlierWeight"`
	Tolerance      float64 `yaml:"tolerance" json:"tolerance"`
	InitialSigma2  float64 `yaml:"initialSigma2" json:"initialSigma2"`
	Correspondence bool    `yaml:"correspondence" json:"correspondence"`
	Comparer       string  `yaml:"comparer" json:"comparer"`
}

// DefaultConfig returns the configuration used by the original tool.
func DefaultConfig() Config {
	return Config{
		MaxIterations:  DefaultMaxIterations,
		Normalize:      DefaultNormalize,
		OutlierWeight:  DefaultOutlierWeight,
		Tolerance:      DefaultTolerance,
		InitialSigma2:  DefaultSigma2Value,
		Correspondence: DefaultCorrespondence,
		Comparer:       DefaultComparerName,
	}
}

// Validate checks every field against its documented range.
// Numeric floors (sigma2, scale) are applied during the run, never here.
func (c Config) Validate() error {
	if c.MaxIterations < 0 {
		return fmt.Errorf("%w: maxIterations must be >= 0, got %d", ErrInvalidConfig, c.MaxIterations)
	}
	if !(c.Tolerance > 0) || math.IsInf(c.Tolerance, 0) {
		return fmt.Errorf("%w: tolerance must be a positive finite number, got %g", ErrInvalidConfig, c.Tolerance)
	}
	if !(c.OutlierWeight >= 0 && c.OutlierWeight < 1) {
		return fmt.Errorf("%w: outlierWeight must be in [0,1), got %g", ErrInvalidConfig, c.OutlierWeight)
	}
	if !(c.InitialSigma2 >= 0) || math.IsInf(c.InitialSigma2, 0) {
		return fmt.Errorf("%w: initialSigma2 must be a non-negative finite number, got %g", ErrInvalidConfig, c.InitialSigma2)
	}
	return nil
}

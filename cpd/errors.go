package cpd

import "errors"

var (
	// ErrInvalidConfig is returned for out-of-range configuration values.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrUnknownComparer is returned when a comparer name is not registered.
	ErrUnknownComparer = errors.New("unknown comparer")
	// ErrUnknownTransform is returned when a transform kind is not recognised.
	ErrUnknownTransform = errors.New("unknown transform")
	// ErrEmptyCloud is returned when either point cloud has no rows.
	ErrEmptyCloud = errors.New("empty point cloud")
	// ErrDimensionMismatch is returned when fixed and moving have different column counts.
	ErrDimensionMismatch = errors.New("point cloud dimension mismatch")
	// ErrNonFinite is returned when a point cloud contains NaN or Inf.
	ErrNonFinite = errors.New("point cloud contains non-finite values")
)

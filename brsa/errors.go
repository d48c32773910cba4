package brsa

import "errors"

// Sentinel errors returned by the simulator and estimator. Callers should
// match them with errors.Is; call sites wrap them with context via fmt.Errorf.
var (
	// ErrNotPositiveDefinite is returned when a covariance matrix cannot be
	// Cholesky-factorized even after jitter is applied. Retry with a larger
	// jitter or fewer voxels.
	ErrNotPositiveDefinite = errors.New("covariance matrix not positive definite")

	// ErrShapeMismatch is returned when the dimensions of the data, design
	// matrix, scan onsets, coordinates or intensities disagree. It is always
	// raised before any numerical work begins.
	ErrShapeMismatch = errors.New("dimension mismatch between inputs")

	// ErrMissingInput is returned when a Gaussian-process prior is requested
	// but the input it depends on (coordinates or intensities) was not given.
	ErrMissingInput = errors.New("required input missing")
)

package brsa

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Diagonal jitter fractions for the two kernels. The noise kernel's jitter
// also models a voxel-local independent noise component, so it is large; the
// SNR kernel's jitter exists only for invertibility.
const (
	noiseKernelJitter = 0.1
	snrKernelJitter   = 1e-3
)

// pairwiseSqDist computes the matrix of squared Euclidean distances between
// the rows of coords (voxels x dims).
func pairwiseSqDist(coords *mat.Dense) *mat.SymDense {
	n, d := coords.Dims()
	dist2 := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			s := 0.0
			for k := 0; k < d; k++ {
				diff := coords.At(i, k) - coords.At(j, k)
				s += diff * diff
			}
			dist2.SetSym(i, j, s)
		}
	}
	return dist2
}

// pairwiseSqDiff computes the matrix of squared differences between the
// entries of a scalar field (e.g. voxel intensities).
func pairwiseSqDiff(v []float64) *mat.SymDense {
	n := len(v)
	diff2 := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := v[i] - v[j]
			diff2.SetSym(i, j, d*d)
		}
	}
	return diff2
}

// spatialNoiseKernel builds the spatial covariance of the noise:
// K[i,j] = sigma_i * sigma_j * (exp(-dist2[i,j] / (2 width^2)) + jitter*[i==j]).
// The jitter term keeps the matrix positive definite and models an
// independent voxel-local noise component.
func spatialNoiseKernel(dist2 *mat.SymDense, sigma []float64, width float64) (*mat.SymDense, error) {
	n := dist2.SymmetricDim()
	if len(sigma) != n {
		return nil, fmt.Errorf("got %d noise std values for %d voxels: %w", len(sigma), n, ErrShapeMismatch)
	}
	if width <= 0 {
		return nil, fmt.Errorf("spatial noise width must be positive, got %g", width)
	}
	k := mat.NewSymDense(n, nil)
	denom := 2 * width * width
	for i := 0; i < n; i++ {
		k.SetSym(i, i, sigma[i]*sigma[i]*(1+noiseKernelJitter))
		for j := i + 1; j < n; j++ {
			k.SetSym(i, j, sigma[i]*sigma[j]*math.Exp(-dist2.At(i, j)/denom))
		}
	}
	return k, nil
}

// snrKernel builds the Gaussian-process kernel of the log-SNR field:
// K[i,j] = tau^2 * (exp(-dist2/(2 ls^2) - intens2/(2 li^2)) + jitter*[i==j]).
// intens2 may be nil when the intensity term is disabled (li <= 0).
func snrKernel(dist2, intens2 *mat.SymDense, tau, spatialScale, intensityScale float64) (*mat.SymDense, error) {
	n := dist2.SymmetricDim()
	if intens2 != nil && intens2.SymmetricDim() != n {
		return nil, fmt.Errorf("intensity matrix is %dx%d, distance matrix %dx%d: %w",
			intens2.SymmetricDim(), intens2.SymmetricDim(), n, n, ErrShapeMismatch)
	}
	if tau <= 0 || spatialScale <= 0 {
		return nil, fmt.Errorf("tau and spatial scale must be positive, got %g, %g", tau, spatialScale)
	}
	useIntensity := intens2 != nil && intensityScale > 0
	t2 := tau * tau
	sDenom := 2 * spatialScale * spatialScale
	iDenom := 0.0
	if useIntensity {
		iDenom = 2 * intensityScale * intensityScale
	}
	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		k.SetSym(i, i, t2*(1+snrKernelJitter))
		for j := i + 1; j < n; j++ {
			e := dist2.At(i, j) / sDenom
			if useIntensity {
				e += intens2.At(i, j) / iDenom
			}
			k.SetSym(i, j, t2*math.Exp(-e))
		}
	}
	return k, nil
}

// factorize Cholesky-factors a symmetric matrix, mapping failure to
// ErrNotPositiveDefinite so callers can match it with errors.Is.
func factorize(k *mat.SymDense, what string) (*mat.Cholesky, error) {
	var chol mat.Cholesky
	if !chol.Factorize(k) {
		return nil, fmt.Errorf("%s: %w", what, ErrNotPositiveDefinite)
	}
	return &chol, nil
}

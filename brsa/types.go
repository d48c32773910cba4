package brsa

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// SimParams holds every generative parameter of the synthetic dataset.
// Zero values for the scalar fields are replaced by defaults in
// ensureDefaults, so callers only need to set what they care about.
type SimParams struct {
	// Voxel coordinates, one row per voxel, three columns (x, y, z).
	Coords *mat.Dense

	// Optional per-voxel intensity. Required only when IntensityScale > 0,
	// i.e. when the SNR field should also vary with intensity.
	Intensities []float64

	// Design matrix, time points x conditions. Each column is the predicted
	// response time course of one condition.
	Design *mat.Dense

	// Shared covariance across conditions (conditions x conditions). The
	// betas of every voxel are drawn with this covariance shape; only the
	// magnitude differs between voxels.
	Cov *mat.SymDense

	// Scan onsets: time indices where each independent run starts. The AR(1)
	// noise process restarts at every onset. If empty, a single run starting
	// at 0 is assumed.
	ScanOnsets []int

	// Per-voxel noise standard deviation is drawn uniformly in
	// [NoiseBot, NoiseTop].
	NoiseBot float64
	NoiseTop float64

	// Per-voxel AR(1) coefficient is drawn uniformly in [Rho1Bot, Rho1Top].
	// The zero value gives temporally white noise.
	Rho1Bot float64
	Rho1Top float64

	// Width of the squared-exponential spatial kernel of the noise.
	NoiseWidth float64

	// Standard deviation of the per-voxel constant offset added to the
	// noise (a baseline bias shared across all time points of a voxel).
	OffsetScale float64

	// Hyperparameters of the log-SNR Gaussian process: magnitude Tau,
	// spatial length scale and intensity length scale. IntensityScale <= 0
	// disables the intensity term of the kernel.
	Tau            float64
	SpatialScale   float64
	IntensityScale float64

	// Global multiplier applied to the exponentiated log-SNR field.
	SNRLevel float64
}

// ensureDefaults fills unset scalar parameters with reasonable values.
func (p *SimParams) ensureDefaults() {
	if p.NoiseTop <= 0 {
		p.NoiseBot = 0.5
		p.NoiseTop = 1.5
	}
	if p.NoiseWidth <= 0 {
		p.NoiseWidth = 2.0
	}
	if p.OffsetScale < 0 {
		p.OffsetScale = 0
	}
	if p.Tau <= 0 {
		p.Tau = 1.0
	}
	if p.SpatialScale <= 0 {
		p.SpatialScale = 5.0
	}
	if p.SNRLevel <= 0 {
		p.SNRLevel = 1.0
	}
}

// validate checks the cross-field dimensions of the parameters. It returns
// ErrShapeMismatch or ErrMissingInput before any numerical work happens.
func (p *SimParams) validate() error {
	if p.Coords == nil {
		return fmt.Errorf("voxel coordinates: %w", ErrMissingInput)
	}
	if p.Design == nil {
		return fmt.Errorf("design matrix: %w", ErrMissingInput)
	}
	if p.Cov == nil {
		return fmt.Errorf("condition covariance: %w", ErrMissingInput)
	}
	nT, nC := p.Design.Dims()
	if n := p.Cov.SymmetricDim(); n != nC {
		return fmt.Errorf("condition covariance is %dx%d but design has %d conditions: %w",
			n, n, nC, ErrShapeMismatch)
	}
	nV, _ := p.Coords.Dims()
	if nV == 0 {
		return fmt.Errorf("no voxels in coordinate matrix: %w", ErrShapeMismatch)
	}
	if p.IntensityScale > 0 && len(p.Intensities) != nV {
		return fmt.Errorf("intensity kernel requested but got %d intensities for %d voxels: %w",
			len(p.Intensities), nV, ErrMissingInput)
	}
	if err := validateOnsets(p.ScanOnsets, nT); err != nil {
		return err
	}
	return nil
}

// validateOnsets checks that scan onsets are sorted, in range and start at 0.
func validateOnsets(onsets []int, nT int) error {
	for i, o := range onsets {
		if o < 0 || o >= nT {
			return fmt.Errorf("scan onset %d out of range [0,%d): %w", o, nT, ErrShapeMismatch)
		}
		if i == 0 && o != 0 {
			return fmt.Errorf("first scan onset must be 0, got %d: %w", o, ErrShapeMismatch)
		}
		if i > 0 && o <= onsets[i-1] {
			return fmt.Errorf("scan onsets must be strictly increasing: %w", ErrShapeMismatch)
		}
	}
	return nil
}

// Dataset is the output of Simulate: the observed data plus all ground-truth
// quantities needed to score recovery.
type Dataset struct {
	// Observed data, time points x voxels: Signal + Noise.
	Y *mat.Dense

	// Signal and Noise components of Y, same shape as Y.
	Signal *mat.Dense
	Noise  *mat.Dense

	// True betas, conditions x voxels.
	Betas *mat.Dense

	// True per-voxel pseudo-SNR, noise standard deviation, AR(1)
	// coefficient and constant offset.
	SNR    []float64
	Sigma  []float64
	Rho1   []float64
	Offset []float64
}

// FitOptions configures a call to Estimator.Fit. The zero value requests a
// plain fit: per-run baselines, no GP priors, no nuisance regressors.
type FitOptions struct {
	// GPSpace requests a spatial Gaussian-process prior on log-SNR;
	// Coords must then be set. GPIntensity additionally makes the prior
	// depend on voxel intensity; Intensities must then be set.
	GPSpace     bool
	GPIntensity bool

	// Voxel coordinates (voxels x 3) and intensities, used only by the GP
	// prior on the SNR map.
	Coords      *mat.Dense
	Intensities []float64

	// NuisanceComponents is the number of principal components of the
	// residual to estimate as nuisance regressors. Ignored when Nuisance
	// is set.
	NuisanceComponents int

	// Nuisance is an optional user-supplied nuisance regressor matrix,
	// time points x regressors.
	Nuisance *mat.Dense

	// MaxIter caps the EM iterations; Tol is the relative log-likelihood
	// change below which the fit is declared converged.
	MaxIter int
	Tol     float64
}

// ensureDefaults fills unset optimization knobs.
func (o *FitOptions) ensureDefaults() {
	if o.MaxIter <= 0 {
		o.MaxIter = 100
	}
	if o.Tol <= 0 {
		o.Tol = 1e-6
	}
}

// EstimationResult bundles every quantity recoverable after a fit. The
// matrices are owned by the result and never aliased to internal buffers.
type EstimationResult struct {
	// Shared condition covariance and its correlation form.
	U *mat.SymDense
	C *mat.SymDense

	// Per-voxel estimates: pseudo-SNR and AR(1) coefficient.
	SNR  []float64
	Rho1 []float64

	// Posterior-mean betas, conditions x voxels. These are shrunk toward
	// the shared covariance structure, not independent per-voxel OLS.
	Betas *mat.Dense

	// Nuisance regressor weights, components x voxels. Nil when no
	// nuisance regressors were requested.
	NuisanceWeights *mat.Dense

	// GP hyperparameters; populated only when the corresponding prior was
	// enabled in FitOptions.
	SpatialScale   float64
	IntensityScale float64
	GPStd          float64

	// Converged reports whether the EM loop met the tolerance within
	// MaxIter iterations. A false value is a warning, not a failure: the
	// best available estimate is still returned.
	Converged  bool
	Iterations int

	// Marginal log-likelihood trace, one value per EM iteration.
	LogLikelihood []float64
}

// Estimator is the abstract fitting interface: any implementation that
// honors the result contract can replace BayesianRSA.
type Estimator interface {
	Fit(data, design *mat.Dense, scanOnsets []int, opts FitOptions) (*EstimationResult, error)
}

// BayesianRSA estimates a shared condition covariance, per-voxel SNR and
// noise parameters from data by marginal-likelihood EM. It implements
// Estimator.
type BayesianRSA struct{}

// CovToCorr converts a covariance matrix into its correlation form
// C = D^{-1/2} U D^{-1/2} with D = diag(U). It returns an error if any
// diagonal entry is not strictly positive.
func CovToCorr(u *mat.SymDense) (*mat.SymDense, error) {
	n := u.SymmetricDim()
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		v := u.At(i, i)
		if v <= 0 {
			return nil, fmt.Errorf("diagonal entry %d is %g: %w", i, v, ErrNotPositiveDefinite)
		}
		d[i] = 1.0 / math.Sqrt(v)
	}
	c := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		c.SetSym(i, i, 1.0)
		for j := i + 1; j < n; j++ {
			c.SetSym(i, j, u.At(i, j)*d[i]*d[j])
		}
	}
	return c, nil
}

// runBounds converts scan onsets into [start, end) index pairs covering nT
// time points. An empty onset list means one run spanning everything.
func runBounds(onsets []int, nT int) [][2]int {
	if len(onsets) == 0 {
		return [][2]int{{0, nT}}
	}
	bounds := make([][2]int, len(onsets))
	for i, o := range onsets {
		end := nT
		if i+1 < len(onsets) {
			end = onsets[i+1]
		}
		bounds[i] = [2]int{o, end}
	}
	return bounds
}
